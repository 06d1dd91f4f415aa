package scan

import (
	"errors"
	"time"
)

// Status is the closed set of attendance outcomes. Free-form strings from
// the wire are rejected at the boundary via ParseStatus.
type Status string

const (
	StatusPresent  Status = "PRESENT"
	StatusLate     Status = "LATE"
	StatusAbsent   Status = "ABSENT"
	StatusExcused  Status = "EXCUSED"
	StatusRejected Status = "REJECTED"
)

// ParseStatus validates a stored status value.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused, StatusRejected:
		return Status(s), nil
	}
	return "", errors.New("unknown attendance status: " + s)
}

// Marked reports whether the status counts as an observed scan outcome
// that must never be downgraded by a later scan the same day.
func (s Status) Marked() bool {
	return s == StatusPresent || s == StatusLate
}

// Flag annotates a normalized scan with conditions noticed along the pipeline.
type Flag string

const (
	FlagClockCorrected Flag = "clock_corrected"
	FlagAmbiguousMatch Flag = "ambiguous_match"
)

// Sentinel errors for the engine's taxonomy.
var (
	ErrInvalidScan       = errors.New("invalid scan")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyBound      = errors.New("tag already bound")
	ErrConcurrentBind    = errors.New("concurrent bind conflict")
	ErrPersistenceFailed = errors.New("persistence failed")
)

// ScanEvent is a raw badge read as received from a reader. Never mutated.
type ScanEvent struct {
	TagID        string `json:"tag_id"`
	ReaderID     string `json:"reader_id"`
	RawTimestamp string `json:"timestamp,omitempty"`
	LocationHint string `json:"location_hint,omitempty"`
}

// NormalizedScan is the canonical form produced by the Normalizer.
type NormalizedScan struct {
	ScanID       string
	TagID        string
	ReaderID     string
	Canonical    time.Time
	LocationHint string
	Flags        []Flag
}

// HasFlag reports whether f was set during normalization or matching.
func (n NormalizedScan) HasFlag(f Flag) bool {
	for _, v := range n.Flags {
		if v == f {
			return true
		}
	}
	return false
}
