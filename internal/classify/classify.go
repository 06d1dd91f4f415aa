package classify

import (
	"time"

	"rfidattend/internal/directory"
	"rfidattend/internal/scan"
)

// Classify turns a matched slot and a scan time into an attendance status.
// A nil slot means the scan fell outside every class window and is
// REJECTED. Early arrivals are PRESENT: the matcher already guarantees the
// timestamp is inside this slot's window, so a pre-start scan can only
// belong to it.
func Classify(slot *directory.ScheduleSlot, at time.Time, loc *time.Location, defaultGrace int) scan.Status {
	if slot == nil {
		return scan.StatusRejected
	}

	grace := defaultGrace
	if slot.GraceMinutes != nil {
		grace = *slot.GraceMinutes
	}

	local := at.In(loc)
	minutes := local.Hour()*60 + local.Minute()

	switch {
	case minutes <= slot.StartMinutes+grace:
		return scan.StatusPresent
	case minutes <= slot.EndMinutes:
		return scan.StatusLate
	default:
		// Unreachable when the matcher did its job; treat as LATE rather
		// than invent a new outcome.
		return scan.StatusLate
	}
}
