package directory

import (
	"context"
	"time"

	"rfidattend/internal/scan"
)

// ScheduleSlot is one scheduled class occurrence. Read-only to this engine.
type ScheduleSlot struct {
	SlotID       int64
	RoomID       string
	DayOfWeek    time.Weekday
	StartMinutes int // minutes since midnight, institution tz
	EndMinutes   int
	GraceMinutes *int // per-slot override; nil uses the configured default
}

// AttendanceRecord is the resolved outcome for a (person, slot, day).
type AttendanceRecord struct {
	RecordID     string
	PersonID     int64
	SlotID       int64
	Day          string // YYYY-MM-DD in institution tz
	Status       scan.Status
	ResolvedAt   time.Time
	SourceScanID string
}

// BindingStatus is the lifecycle state of a tag binding.
type BindingStatus string

const (
	BindingActive   BindingStatus = "ACTIVE"
	BindingReplaced BindingStatus = "REPLACED"
	BindingUnbound  BindingStatus = "UNBOUND"
)

// TagBinding associates a physical tag with a person. Never hard-deleted.
type TagBinding struct {
	ID       int64
	TagID    string
	PersonID *int64
	Status   BindingStatus
	BoundAt  time.Time
	BoundBy  string
	Reason   string
}

// ReaderHeartbeat is the persisted last-seen state for one reader.
type ReaderHeartbeat struct {
	ReaderID       string
	LastSeenAt     time.Time
	MaintenanceDue *time.Time
}

// RawScanOutcome is what a raw scan-log entry records about the pipeline result.
type RawScanOutcome string

const (
	OutcomeAccepted   RawScanOutcome = "accepted"
	OutcomeSuppressed RawScanOutcome = "suppressed"
	OutcomeRejected   RawScanOutcome = "rejected"
	OutcomeUnknownTag RawScanOutcome = "unknown_tag"
	OutcomeDeadLetter RawScanOutcome = "dead_letter"
)

// UpsertOutcome reports what the attendance upsert actually did.
type UpsertOutcome int

const (
	UpsertCreated UpsertOutcome = iota
	UpsertUpdated
	UpsertUnchanged
)

// Directory is the engine's narrow view of the identity/schedule store.
// The CRUD application owns the rest of the schema.
type Directory interface {
	// ResolvePerson maps a canonical tag id to the person holding its
	// ACTIVE binding. Returns scan.ErrNotFound for unknown/unbound tags.
	ResolvePerson(ctx context.Context, tagID string) (int64, error)

	// FindActiveSlots returns the person's active, current-semester slots
	// whose window contains hhmm on the given weekday.
	FindActiveSlots(ctx context.Context, personID int64, day time.Weekday, minutes int) ([]ScheduleSlot, error)

	// UpsertAttendanceRecord applies the at-most-one-record-per-(person,
	// slot, day) invariant transactionally. A PRESENT or LATE record is
	// never downgraded; ABSENT is overwritten by either.
	UpsertAttendanceRecord(ctx context.Context, rec AttendanceRecord) (AttendanceRecord, UpsertOutcome, error)

	// WriteRawScanLog appends an immutable audit entry for every scan.
	WriteRawScanLog(ctx context.Context, scanID, tagID, readerID string, at time.Time, outcome RawScanOutcome) error

	// RecordReaderHeartbeat persists a reader's last-seen timestamp.
	RecordReaderHeartbeat(ctx context.Context, readerID string, at time.Time) error

	// ListReadersWithLastSeen returns the persisted heartbeat state of the
	// whole fleet.
	ListReadersWithLastSeen(ctx context.Context) ([]ReaderHeartbeat, error)

	// BindTag runs the full bind/replace sequence in one transaction.
	BindTag(ctx context.Context, tagID string, personID int64, replace bool, reason string) (*TagBinding, error)

	// UnbindPerson clears the person's active binding. Idempotent.
	UnbindPerson(ctx context.Context, personID int64) error
}
