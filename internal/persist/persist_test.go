package persist

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfidattend/internal/broadcast"
	"rfidattend/internal/directory"
	"rfidattend/internal/queue"
	"rfidattend/internal/scan"
)

// flakyDir fails the first failN upserts, then behaves like an in-memory
// record store with the monotonic transition policy.
type flakyDir struct {
	directory.Directory
	failN   int
	calls   int
	records map[string]directory.AttendanceRecord
	rawLogs []string
}

func newFlakyDir(failN int) *flakyDir {
	return &flakyDir{failN: failN, records: make(map[string]directory.AttendanceRecord)}
}

func recKey(rec directory.AttendanceRecord) string {
	return fmt.Sprintf("%d|%d|%s", rec.PersonID, rec.SlotID, rec.Day)
}

func (f *flakyDir) UpsertAttendanceRecord(_ context.Context, rec directory.AttendanceRecord) (directory.AttendanceRecord, directory.UpsertOutcome, error) {
	f.calls++
	if f.calls <= f.failN {
		return directory.AttendanceRecord{}, directory.UpsertUnchanged, errors.New("transient store error")
	}
	k := recKey(rec)
	existing, ok := f.records[k]
	if !ok {
		rec.RecordID = "rec-1"
		f.records[k] = rec
		return rec, directory.UpsertCreated, nil
	}
	if existing.Status.Marked() || !rec.Status.Marked() {
		return existing, directory.UpsertUnchanged, nil
	}
	existing.Status = rec.Status
	f.records[k] = existing
	return existing, directory.UpsertUpdated, nil
}

func (f *flakyDir) WriteRawScanLog(_ context.Context, scanID, _, _ string, _ time.Time, _ directory.RawScanOutcome) error {
	f.rawLogs = append(f.rawLogs, scanID)
	return nil
}

func testResolution() Resolution {
	return Resolution{
		Scan: scan.NormalizedScan{
			ScanID:    "scan-1",
			TagID:     "ABCD",
			ReaderID:  "R1",
			Canonical: time.Date(2026, 3, 2, 8, 10, 0, 0, time.UTC),
		},
		Person: 5,
		Slot:   &directory.ScheduleSlot{SlotID: 7, RoomID: "R101", StartMinutes: 480, EndMinutes: 540},
		Day:    "2026-03-02",
		Status: scan.StatusPresent,
	}
}

func newTestPersister(dir directory.Directory) (*Persister, *queue.InMemory) {
	q := queue.NewInMemory(8)
	hub := broadcast.NewHub(8)
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return New(dir, q, hub, log), q
}

func TestPersistCreates(t *testing.T) {
	dir := newFlakyDir(0)
	p, _ := newTestPersister(dir)

	rec, outcome, err := p.Persist(context.Background(), testResolution())
	require.NoError(t, err)
	assert.Equal(t, directory.UpsertCreated, outcome)
	assert.Equal(t, scan.StatusPresent, rec.Status)
}

func TestPersistIdempotent(t *testing.T) {
	dir := newFlakyDir(0)
	p, _ := newTestPersister(dir)
	res := testResolution()

	_, first, err := p.Persist(context.Background(), res)
	require.NoError(t, err)
	_, second, err := p.Persist(context.Background(), res)
	require.NoError(t, err)

	assert.Equal(t, directory.UpsertCreated, first)
	assert.Equal(t, directory.UpsertUnchanged, second)
	assert.Len(t, dir.records, 1)
}

func TestPersistStatusMonotonic(t *testing.T) {
	dir := newFlakyDir(0)
	p, _ := newTestPersister(dir)

	res := testResolution()
	_, _, err := p.Persist(context.Background(), res)
	require.NoError(t, err)

	// A later LATE scan the same day never downgrades PRESENT.
	late := res
	late.Status = scan.StatusLate
	rec, outcome, err := p.Persist(context.Background(), late)
	require.NoError(t, err)
	assert.Equal(t, directory.UpsertUnchanged, outcome)
	assert.Equal(t, scan.StatusPresent, rec.Status)
}

func TestPersistRetriesTransientFailure(t *testing.T) {
	dir := newFlakyDir(2) // two failures, third attempt lands
	p, _ := newTestPersister(dir)

	_, outcome, err := p.Persist(context.Background(), testResolution())
	require.NoError(t, err)
	assert.Equal(t, directory.UpsertCreated, outcome)
	assert.Equal(t, 3, dir.calls)
}

func TestPersistDeadLettersAfterExhaustion(t *testing.T) {
	dir := newFlakyDir(100)
	p, q := newTestPersister(dir)

	_, _, err := p.Persist(context.Background(), testResolution())
	require.ErrorIs(t, err, scan.ErrPersistenceFailed)
	assert.Equal(t, 3, dir.calls, "bounded to three attempts")

	letters, err := q.Consume(context.Background())
	require.NoError(t, err)
	select {
	case dl := <-letters:
		assert.Equal(t, "scan-1", dl.ScanID)
		assert.Equal(t, "PRESENT", dl.Status)
		assert.NotEmpty(t, dl.LastError)
	case <-time.After(time.Second):
		t.Fatal("scan was not dead-lettered")
	}
}

func TestReplay(t *testing.T) {
	dir := newFlakyDir(0)
	p, _ := newTestPersister(dir)

	dl := queue.DeadLetter{
		ScanID:    "scan-9",
		PersonID:  5,
		SlotID:    7,
		Day:       "2026-03-02",
		Status:    "LATE",
		ScannedAt: time.Now(),
	}
	require.NoError(t, p.Replay(context.Background(), dl))
	assert.Len(t, dir.records, 1)

	dl.Status = "almost"
	assert.Error(t, p.Replay(context.Background(), dl), "free-form status rejected at the boundary")
}
