package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters and gauges, registered on the default registry and
// served from /metrics.
var (
	ScansReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfidattend_scans_received_total",
		Help: "Raw scans accepted by the ingestion endpoint.",
	})
	ScansInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfidattend_scans_invalid_total",
		Help: "Scans rejected by the normalizer.",
	})
	ScansSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfidattend_scans_suppressed_total",
		Help: "Scans collapsed by the duplicate suppressor.",
	})
	ScansRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfidattend_scans_rejected_total",
		Help: "Scans matching no active slot or an unknown tag.",
	})
	RecordsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rfidattend_records_persisted_total",
		Help: "Attendance records written, by status.",
	}, []string{"status"})
	DuplicateBursts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfidattend_duplicate_bursts_total",
		Help: "Anomalous repeat-scan bursts detected.",
	})
	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfidattend_dead_letters_total",
		Help: "Scans parked on the dead-letter queue after retry exhaustion.",
	})
	PublishDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfidattend_publish_drops_total",
		Help: "Events dropped because a subscriber's buffer was full.",
	})
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rfidattend_subscribers",
		Help: "Live stream subscribers currently attached.",
	})
	ReaderOfflineAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfidattend_reader_offline_alerts_total",
		Help: "Reader offline alerts emitted by the fleet sweep.",
	})
)
