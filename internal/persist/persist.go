package persist

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"rfidattend/internal/broadcast"
	"rfidattend/internal/directory"
	"rfidattend/internal/metrics"
	"rfidattend/internal/queue"
	"rfidattend/internal/scan"
)

const (
	maxAttempts = 3
	baseBackoff = 100 * time.Millisecond
)

// Resolution is a fully classified scan ready to be written.
type Resolution struct {
	Scan   scan.NormalizedScan
	Person int64
	Slot   *directory.ScheduleSlot
	Day    string
	Status scan.Status
}

// Persister writes resolved attendance transactionally, retries transient
// store failures with bounded backoff, and parks exhausted scans on the
// dead-letter queue so nothing is silently lost.
type Persister struct {
	dir        directory.Directory
	deadLetter queue.Queue
	hub        *broadcast.Hub
	log        *logrus.Logger
}

// New builds a Persister.
func New(dir directory.Directory, dl queue.Queue, hub *broadcast.Hub, log *logrus.Logger) *Persister {
	return &Persister{dir: dir, deadLetter: dl, hub: hub, log: log}
}

// Persist upserts the attendance record for a PRESENT/LATE resolution.
// The raw scan log has already been written by the pipeline; this method
// only mutates the one record per (person, slot, day).
func (p *Persister) Persist(ctx context.Context, res Resolution) (directory.AttendanceRecord, directory.UpsertOutcome, error) {
	rec := directory.AttendanceRecord{
		PersonID:     res.Person,
		SlotID:       res.Slot.SlotID,
		Day:          res.Day,
		Status:       res.Status,
		ResolvedAt:   res.Scan.Canonical,
		SourceScanID: res.Scan.ScanID,
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		saved, outcome, err := p.dir.UpsertAttendanceRecord(ctx, rec)
		if err == nil {
			if outcome != directory.UpsertUnchanged {
				metrics.RecordsPersisted.WithLabelValues(string(saved.Status)).Inc()
			}
			return saved, outcome, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		p.log.WithFields(logrus.Fields{
			"scan_id": res.Scan.ScanID,
			"attempt": attempt,
		}).Warnf("attendance upsert failed: %v", err)
		if attempt < maxAttempts {
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
			}
		}
	}

	p.parkDeadLetter(res, lastErr)
	return directory.AttendanceRecord{}, directory.UpsertUnchanged,
		fmt.Errorf("%w: %v", scan.ErrPersistenceFailed, lastErr)
}

// parkDeadLetter queues a fully resolved scan for reprocessing.
func (p *Persister) parkDeadLetter(res Resolution, cause error) {
	p.park(queue.DeadLetter{
		ScanID:    res.Scan.ScanID,
		TagID:     res.Scan.TagID,
		ReaderID:  res.Scan.ReaderID,
		PersonID:  res.Person,
		SlotID:    res.Slot.SlotID,
		RoomID:    res.Slot.RoomID,
		Day:       res.Day,
		Status:    string(res.Status),
		ScannedAt: res.Scan.Canonical,
		ParkedAt:  time.Now().UTC(),
		LastError: cause.Error(),
	}, "persistence_failed")
}

// ParkUnresolved dead-letters a scan whose directory lookup failed or ran
// out the per-scan deadline before resolution. Only the scan fields are
// known; the worker re-resolves on replay.
func (p *Persister) ParkUnresolved(norm scan.NormalizedScan, cause error) {
	p.park(queue.DeadLetter{
		ScanID:    norm.ScanID,
		TagID:     norm.TagID,
		ReaderID:  norm.ReaderID,
		ScannedAt: norm.Canonical,
		ParkedAt:  time.Now().UTC(),
		LastError: cause.Error(),
	}, "lookup_failed")
}

// park queues the envelope, writes the raw log, and raises the alert.
// Uses a fresh context: the scan must survive even when the request
// deadline is what killed the pipeline step.
func (p *Persister) park(dl queue.DeadLetter, kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.deadLetter.Publish(ctx, dl); err != nil {
		p.log.WithField("scan_id", dl.ScanID).Errorf("dead-letter publish failed: %v", err)
	}
	metrics.DeadLetters.Inc()
	_ = p.dir.WriteRawScanLog(ctx, dl.ScanID, dl.TagID, dl.ReaderID, dl.ScannedAt, directory.OutcomeDeadLetter)

	p.hub.Publish(broadcast.TopicAdmin, broadcast.Event{
		Type: "status_change",
		Payload: map[string]interface{}{
			"kind":    kind,
			"scan_id": dl.ScanID,
			"tag_id":  dl.TagID,
		},
	})
}

// Replay re-runs the upsert for a dead-lettered scan. Used by the worker.
func (p *Persister) Replay(ctx context.Context, dl queue.DeadLetter) error {
	status, err := scan.ParseStatus(dl.Status)
	if err != nil {
		return err
	}
	rec := directory.AttendanceRecord{
		PersonID:     dl.PersonID,
		SlotID:       dl.SlotID,
		Day:          dl.Day,
		Status:       status,
		ResolvedAt:   dl.ScannedAt,
		SourceScanID: dl.ScanID,
	}
	saved, outcome, err := p.dir.UpsertAttendanceRecord(ctx, rec)
	if err != nil {
		return err
	}
	if outcome != directory.UpsertUnchanged {
		metrics.RecordsPersisted.WithLabelValues(string(saved.Status)).Inc()
	}
	return nil
}

func backoff(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	// jitter up to half the step so retry storms spread out
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}
