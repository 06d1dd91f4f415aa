package schedule

import (
	"context"
	"time"

	"rfidattend/internal/directory"
	"rfidattend/internal/scan"
)

// Matcher resolves the single active schedule slot for a person at a point
// in time. It holds no schedule state of its own: every match is one read
// against the directory, so schedule edits take effect on the next scan.
type Matcher struct {
	dir directory.Directory
	loc *time.Location
}

// NewMatcher builds a matcher using the institution timezone for all
// day-of-week and minute-of-day math.
func NewMatcher(dir directory.Directory, loc *time.Location) *Matcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Matcher{dir: dir, loc: loc}
}

// Match returns the slot whose window contains at, or nil when the scan
// falls outside every class window (a valid terminal outcome, not an
// error). Overlapping slots are a data anomaly: the earliest-starting slot
// wins, then the lowest slot id, and the ambiguity is flagged for audit.
func (m *Matcher) Match(ctx context.Context, personID int64, at time.Time) (*directory.ScheduleSlot, []scan.Flag, error) {
	local := at.In(m.loc)
	minutes := local.Hour()*60 + local.Minute()

	slots, err := m.dir.FindActiveSlots(ctx, personID, local.Weekday(), minutes)
	if err != nil {
		return nil, nil, err
	}
	if len(slots) == 0 {
		return nil, nil, nil
	}

	best := slots[0]
	for _, s := range slots[1:] {
		if s.StartMinutes < best.StartMinutes ||
			(s.StartMinutes == best.StartMinutes && s.SlotID < best.SlotID) {
			best = s
		}
	}

	var flags []scan.Flag
	if len(slots) > 1 {
		flags = append(flags, scan.FlagAmbiguousMatch)
	}
	return &best, flags, nil
}

// Day formats the calendar day of at in the institution timezone, the key
// component of the one-record-per-(person, slot, day) invariant.
func (m *Matcher) Day(at time.Time) string {
	return at.In(m.loc).Format("2006-01-02")
}

// MinutesOfDay returns at's minute-of-day in the institution timezone.
func (m *Matcher) MinutesOfDay(at time.Time) int {
	local := at.In(m.loc)
	return local.Hour()*60 + local.Minute()
}
