package dedup

import (
	"context"
	"time"
)

// Decision is the suppressor's verdict for one scan.
type Decision struct {
	// Suppressed means an earlier scan of the same (tag, reader) landed
	// within the dedup window; the scan is logged but not forwarded.
	Suppressed bool
	// CountInWindow is the number of scans seen in the burst window.
	CountInWindow int64
	// Burst is set when CountInWindow exceeds the anomaly threshold.
	Burst bool
}

// Suppressor collapses rapid re-taps of a badge into one logical event.
// Implementations must be safe for concurrent use. State is short-lived
// and may be lost on restart; that resets suppression, nothing else.
type Suppressor interface {
	Check(ctx context.Context, tagID, readerID string, at time.Time) (Decision, error)
}

// Config carries the suppression policy.
type Config struct {
	Window         time.Duration // dedup window, default 2s
	BurstWindow    time.Duration // anomaly window, default 30s
	BurstThreshold int64         // re-scans in BurstWindow that flag a burst
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 2 * time.Second
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = 30 * time.Second
	}
	if c.BurstThreshold <= 0 {
		c.BurstThreshold = 3
	}
	return c
}

func key(tagID, readerID string) string {
	return tagID + "|" + readerID
}
