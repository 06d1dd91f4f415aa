package scan

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HeartbeatSink receives a tick for every scan that passes validation,
// keyed by the emitting reader.
type HeartbeatSink interface {
	Heartbeat(readerID string, at time.Time)
}

// Normalizer validates raw scans and canonicalizes their timestamps.
type Normalizer struct {
	skew      time.Duration
	heartbeat HeartbeatSink
	now       func() time.Time
}

// NewNormalizer builds a Normalizer with the given clock-skew bound.
func NewNormalizer(skew time.Duration, hb HeartbeatSink) *Normalizer {
	return &Normalizer{skew: skew, heartbeat: hb, now: time.Now}
}

// WithClock substitutes the server clock, for tests.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize validates a raw scan and returns its canonical form. Scans with
// an unparsable or out-of-skew timestamp are not rejected: server time is
// substituted and the scan is flagged clock_corrected. Only structural
// problems (empty/malformed tag, missing reader) return ErrInvalidScan.
func (n *Normalizer) Normalize(raw ScanEvent) (NormalizedScan, error) {
	tag, err := CanonicalTag(raw.TagID)
	if err != nil {
		return NormalizedScan{}, err
	}
	if strings.TrimSpace(raw.ReaderID) == "" {
		return NormalizedScan{}, fmt.Errorf("%w: reader id required", ErrInvalidScan)
	}

	serverNow := n.now()
	canonical := serverNow
	var flags []Flag

	if raw.RawTimestamp != "" {
		parsed, perr := time.Parse(time.RFC3339, raw.RawTimestamp)
		switch {
		case perr != nil:
			flags = append(flags, FlagClockCorrected)
		case absDuration(serverNow.Sub(parsed)) > n.skew:
			flags = append(flags, FlagClockCorrected)
		default:
			canonical = parsed
		}
	}

	if n.heartbeat != nil {
		n.heartbeat.Heartbeat(raw.ReaderID, serverNow)
	}

	return NormalizedScan{
		ScanID:       uuid.NewString(),
		TagID:        tag,
		ReaderID:     raw.ReaderID,
		Canonical:    canonical,
		LocationHint: raw.LocationHint,
		Flags:        flags,
	}, nil
}

// CanonicalTag uppercases and validates a tag id: 4-32 chars of hex digits
// plus ':' and '-' separators.
func CanonicalTag(tag string) (string, error) {
	tag = strings.ToUpper(strings.TrimSpace(tag))
	if len(tag) < 4 || len(tag) > 32 {
		return "", fmt.Errorf("%w: tag id must be 4-32 chars", ErrInvalidScan)
	}
	for _, r := range tag {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'F':
		case r == ':' || r == '-':
		default:
			return "", fmt.Errorf("%w: tag id contains invalid char %q", ErrInvalidScan, r)
		}
	}
	return tag, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
