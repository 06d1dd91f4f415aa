package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"rfidattend/internal/broadcast"
	"rfidattend/internal/directory"
	"rfidattend/internal/metrics"
)

// ReaderState is the monitor's view of one reader.
type ReaderState string

const (
	StateUnknown ReaderState = "UNKNOWN"
	StateActive  ReaderState = "ACTIVE"
	StateOffline ReaderState = "OFFLINE"
	StateTesting ReaderState = "TESTING"
)

// ReaderStatus is the queryable health of one reader.
type ReaderStatus struct {
	ReaderID       string      `json:"reader_id"`
	State          ReaderState `json:"state"`
	LastSeenAt     time.Time   `json:"last_seen_at"`
	MaintenanceDue *time.Time  `json:"maintenance_due,omitempty"`
	AlertActive    bool        `json:"alert_active"`
}

type readerEntry struct {
	lastSeen        time.Time
	state           ReaderState
	offlineAlerted  bool
	maintenanceDue  *time.Time
	maintAlertedFor string // due date already alerted, "" when none
}

// Monitor tracks reader heartbeats and runs the periodic offline sweep.
// The heartbeat map is owned exclusively by the monitor; scans and the
// sweep are the only writers and both go through the mutex.
type Monitor struct {
	mu      sync.Mutex
	readers map[string]*readerEntry

	dir       directory.Directory
	hub       *broadcast.Hub
	log       *logrus.Logger
	threshold time.Duration
	now       func() time.Time

	cron *cron.Cron
}

// NewMonitor builds a Monitor with the given offline threshold.
func NewMonitor(dir directory.Directory, hub *broadcast.Hub, log *logrus.Logger, threshold time.Duration) *Monitor {
	return &Monitor{
		readers:   make(map[string]*readerEntry),
		dir:       dir,
		hub:       hub,
		log:       log,
		threshold: threshold,
		now:       time.Now,
	}
}

// Heartbeat records a reader tick. An offline reader recovers immediately
// and its alert re-arms. Persistence of last-seen is asynchronous and
// best-effort; the in-memory state is authoritative for the sweep.
func (m *Monitor) Heartbeat(readerID string, at time.Time) {
	m.mu.Lock()
	e, ok := m.readers[readerID]
	if !ok {
		e = &readerEntry{state: StateUnknown}
		m.readers[readerID] = e
	}
	if at.After(e.lastSeen) {
		e.lastSeen = at
	}
	recovered := e.state == StateOffline
	e.state = StateActive
	e.offlineAlerted = false
	m.mu.Unlock()

	if recovered {
		m.log.WithField("reader_id", readerID).Info("reader recovered")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.dir.RecordReaderHeartbeat(ctx, readerID, at); err != nil {
			m.log.WithField("reader_id", readerID).Debugf("heartbeat persist failed: %v", err)
		}
	}()
}

// Start schedules the sweep every interval and seeds the in-memory state
// from the directory so restarts do not forget the fleet.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) error {
	seedCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if hbs, err := m.dir.ListReadersWithLastSeen(seedCtx); err != nil {
		m.log.Warnf("fleet seed failed, starting empty: %v", err)
	} else {
		m.mu.Lock()
		for _, hb := range hbs {
			m.readers[hb.ReaderID] = &readerEntry{
				lastSeen:       hb.LastSeenAt,
				state:          StateUnknown,
				maintenanceDue: hb.MaintenanceDue,
			}
		}
		m.mu.Unlock()
	}

	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := m.cron.AddFunc(spec, m.Sweep); err != nil {
		return err
	}
	m.cron.Start()
	m.log.Infof("fleet sweep scheduled %s", spec)
	return nil
}

// Stop halts the sweep, waiting for a running job to finish.
func (m *Monitor) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// Sweep walks the fleet and emits one reader_offline alert per breach,
// de-duplicated until the reader recovers, plus one maintenance_due alert
// per due date. Alerting is best-effort and never blocks the sweep.
func (m *Monitor) Sweep() {
	now := m.now()

	type alert struct {
		typ     string
		payload map[string]interface{}
	}
	var alerts []alert

	m.mu.Lock()
	for id, e := range m.readers {
		if !e.lastSeen.IsZero() && now.Sub(e.lastSeen) > m.threshold && e.state != StateTesting {
			if e.state != StateOffline {
				e.state = StateOffline
			}
			if !e.offlineAlerted {
				e.offlineAlerted = true
				alerts = append(alerts, alert{"reader_offline", map[string]interface{}{
					"reader_id": id,
					"last_seen": e.lastSeen.UTC(),
				}})
			}
		}
		if e.maintenanceDue != nil && !now.Before(*e.maintenanceDue) {
			due := e.maintenanceDue.Format("2006-01-02")
			if e.maintAlertedFor != due {
				e.maintAlertedFor = due
				alerts = append(alerts, alert{"maintenance_due", map[string]interface{}{
					"reader_id": id,
					"due":       due,
				}})
			}
		}
	}
	m.mu.Unlock()

	for _, a := range alerts {
		if a.typ == "reader_offline" {
			metrics.ReaderOfflineAlerts.Inc()
		}
		m.log.WithField("reader_id", a.payload["reader_id"]).Warn(a.typ)
		m.hub.Publish(broadcast.TopicAdmin, broadcast.Event{Type: a.typ, Payload: a.payload})
	}
}

// SetMaintenanceDue records a maintenance deadline for a reader.
func (m *Monitor) SetMaintenanceDue(readerID string, due time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.readers[readerID]
	if !ok {
		e = &readerEntry{state: StateUnknown}
		m.readers[readerID] = e
	}
	e.maintenanceDue = &due
	e.maintAlertedFor = ""
}

// Snapshot returns the current status of every known reader.
func (m *Monitor) Snapshot() []ReaderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReaderStatus, 0, len(m.readers))
	for id, e := range m.readers {
		out = append(out, ReaderStatus{
			ReaderID:       id,
			State:          e.state,
			LastSeenAt:     e.lastSeen,
			MaintenanceDue: e.maintenanceDue,
			AlertActive:    e.offlineAlerted,
		})
	}
	return out
}
