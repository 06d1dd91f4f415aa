package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"rfidattend/internal/broadcast"
	"rfidattend/internal/directory"
)

type fakeDir struct {
	directory.Directory
	mu        sync.Mutex
	heartbeat map[string]time.Time
}

func newFakeDir() *fakeDir {
	return &fakeDir{heartbeat: make(map[string]time.Time)}
}

func (f *fakeDir) RecordReaderHeartbeat(_ context.Context, readerID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeat[readerID] = at
	return nil
}

func (f *fakeDir) ListReadersWithLastSeen(context.Context) ([]directory.ReaderHeartbeat, error) {
	return nil, nil
}

func drainAlerts(t *testing.T, sub *broadcast.Subscriber, wait time.Duration) []broadcast.Event {
	t.Helper()
	var evs []broadcast.Event
	deadline := time.After(wait)
	for {
		select {
		case ev := <-sub.C:
			evs = append(evs, ev)
		case <-deadline:
			return evs
		}
	}
}

func TestOfflineAlertOnceUntilRecovery(t *testing.T) {
	hub := broadcast.NewHub(16)
	sub := hub.Subscribe(broadcast.TopicAdmin)
	defer hub.Unsubscribe(sub)

	m := NewMonitor(newFakeDir(), hub, logrus.New(), 10*time.Minute)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	m.Heartbeat("R7", base)

	// 11 minutes of silence: exactly one alert.
	m.now = func() time.Time { return base.Add(11 * time.Minute) }
	m.Sweep()
	m.Sweep()
	m.Sweep()

	alerts := drainAlerts(t, sub, 100*time.Millisecond)
	if len(alerts) != 1 || alerts[0].Type != "reader_offline" {
		t.Fatalf("alerts = %v, want exactly one reader_offline", alerts)
	}

	var offline bool
	for _, r := range m.Snapshot() {
		if r.ReaderID == "R7" && r.State == StateOffline {
			offline = true
		}
	}
	if !offline {
		t.Error("R7 should be OFFLINE after the sweep")
	}

	// Recovery re-arms the alert; a fresh breach alerts again.
	m.Heartbeat("R7", base.Add(12*time.Minute))
	m.now = func() time.Time { return base.Add(30 * time.Minute) }
	m.Sweep()

	alerts = drainAlerts(t, sub, 100*time.Millisecond)
	if len(alerts) != 1 {
		t.Fatalf("post-recovery alerts = %v, want one", alerts)
	}
}

func TestHeartbeatRecoversOfflineReader(t *testing.T) {
	hub := broadcast.NewHub(4)
	m := NewMonitor(newFakeDir(), hub, logrus.New(), 10*time.Minute)
	base := time.Now()
	m.now = func() time.Time { return base.Add(20 * time.Minute) }

	m.Heartbeat("R1", base)
	m.Sweep()
	m.Heartbeat("R1", base.Add(21*time.Minute))

	for _, r := range m.Snapshot() {
		if r.ReaderID == "R1" && r.State != StateActive {
			t.Errorf("state = %s, want ACTIVE after heartbeat", r.State)
		}
	}
}

func TestMaintenanceDueOncePerDate(t *testing.T) {
	hub := broadcast.NewHub(16)
	sub := hub.Subscribe(broadcast.TopicAdmin)
	defer hub.Unsubscribe(sub)

	m := NewMonitor(newFakeDir(), hub, logrus.New(), time.Hour)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	m.Heartbeat("R1", base)
	m.SetMaintenanceDue("R1", base.Add(-time.Hour))

	m.Sweep()
	m.Sweep()

	alerts := drainAlerts(t, sub, 100*time.Millisecond)
	count := 0
	for _, a := range alerts {
		if a.Type == "maintenance_due" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("maintenance_due alerts = %d, want 1", count)
	}
}
