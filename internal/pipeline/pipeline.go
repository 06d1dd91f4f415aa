package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"rfidattend/internal/broadcast"
	"rfidattend/internal/classify"
	"rfidattend/internal/dedup"
	"rfidattend/internal/directory"
	"rfidattend/internal/metrics"
	"rfidattend/internal/persist"
	"rfidattend/internal/queue"
	"rfidattend/internal/scan"
	"rfidattend/internal/schedule"
)

// Outcome is the terminal disposition of one scan.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeRejected   Outcome = "rejected"
	OutcomeUnknownTag Outcome = "unknown_tag"
)

// Result is what the ingestion caller gets back synchronously.
type Result struct {
	ScanID  string                      `json:"scan_id"`
	Outcome Outcome                     `json:"outcome"`
	Status  scan.Status                 `json:"status,omitempty"`
	Record  *directory.AttendanceRecord `json:"record,omitempty"`
	Flags   []scan.Flag                 `json:"flags,omitempty"`
	Reason  string                      `json:"reason,omitempty"`
}

// Service runs the scan resolution pipeline: normalize, suppress, resolve,
// match, classify, persist, broadcast.
type Service struct {
	normalizer *scan.Normalizer
	suppressor dedup.Suppressor
	dir        directory.Directory
	matcher    *schedule.Matcher
	persister  *persist.Persister
	hub        *broadcast.Hub
	log        *logrus.Logger

	loc          *time.Location
	graceMinutes int
	deadline     time.Duration
}

// Config wires a pipeline Service.
type Config struct {
	Normalizer   *scan.Normalizer
	Suppressor   dedup.Suppressor
	Directory    directory.Directory
	Matcher      *schedule.Matcher
	Persister    *persist.Persister
	Hub          *broadcast.Hub
	Log          *logrus.Logger
	Location     *time.Location
	GraceMinutes int
	ScanDeadline time.Duration
}

// New builds the pipeline Service.
func New(cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ScanDeadline <= 0 {
		cfg.ScanDeadline = 3 * time.Second
	}
	return &Service{
		normalizer:   cfg.Normalizer,
		suppressor:   cfg.Suppressor,
		dir:          cfg.Directory,
		matcher:      cfg.Matcher,
		persister:    cfg.Persister,
		hub:          cfg.Hub,
		log:          cfg.Log,
		loc:          cfg.Location,
		graceMinutes: cfg.GraceMinutes,
		deadline:     cfg.ScanDeadline,
	}
}

// Process resolves one raw scan end to end. Tasks for different tags run
// concurrently; serialization for a single tag happens at the suppressor.
// Every scan that clears normalization leaves a raw log entry whatever its
// outcome.
func (s *Service) Process(ctx context.Context, raw scan.ScanEvent) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	metrics.ScansReceived.Inc()

	norm, err := s.normalizer.Normalize(raw)
	if err != nil {
		metrics.ScansInvalid.Inc()
		s.log.WithField("reader_id", raw.ReaderID).Infof("invalid scan: %v", err)
		return Result{}, err
	}
	entry := s.log.WithFields(logrus.Fields{
		"scan_id":   norm.ScanID,
		"tag_id":    norm.TagID,
		"reader_id": norm.ReaderID,
	})

	// Suppressor failures never fail the scan: fail open, log, continue.
	decision, derr := s.suppressor.Check(ctx, norm.TagID, norm.ReaderID, norm.Canonical)
	if derr != nil {
		entry.Warnf("suppressor unavailable, failing open: %v", derr)
	}
	if decision.Burst {
		metrics.DuplicateBursts.Inc()
		entry.WithField("count", decision.CountInWindow).Warn("possible duplicate burst")
		s.hub.Publish(broadcast.TopicAdmin, broadcast.Event{
			Type: "status_change",
			Payload: map[string]interface{}{
				"kind":      "possible_duplicate_burst",
				"tag_id":    norm.TagID,
				"reader_id": norm.ReaderID,
				"count":     decision.CountInWindow,
			},
		})
	}
	if decision.Suppressed {
		metrics.ScansSuppressed.Inc()
		s.rawLog(ctx, norm, directory.OutcomeSuppressed)
		return Result{ScanID: norm.ScanID, Outcome: OutcomeSuppressed, Flags: norm.Flags}, nil
	}

	personID, err := s.dir.ResolvePerson(ctx, norm.TagID)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			metrics.ScansRejected.Inc()
			entry.Info("unknown tag")
			s.rawLog(ctx, norm, directory.OutcomeUnknownTag)
			return Result{ScanID: norm.ScanID, Outcome: OutcomeUnknownTag, Flags: norm.Flags, Reason: "no active binding for tag"}, nil
		}
		// Directory down or deadline gone: the scan still must survive.
		entry.Errorf("person lookup failed, parking scan: %v", err)
		s.persister.ParkUnresolved(norm, err)
		return Result{ScanID: norm.ScanID, Flags: norm.Flags}, fmt.Errorf("%w: person lookup: %v", scan.ErrPersistenceFailed, err)
	}

	slot, matchFlags, err := s.matcher.Match(ctx, personID, norm.Canonical)
	if err != nil {
		entry.Errorf("slot lookup failed, parking scan: %v", err)
		s.persister.ParkUnresolved(norm, err)
		return Result{ScanID: norm.ScanID, Flags: norm.Flags}, fmt.Errorf("%w: slot lookup: %v", scan.ErrPersistenceFailed, err)
	}
	norm.Flags = append(norm.Flags, matchFlags...)

	status := classify.Classify(slot, norm.Canonical, s.loc, s.graceMinutes)
	if slot == nil {
		// Outside any class window: a valid terminal classification, raw
		// log only, no attendance record, nothing pushed to dashboards.
		metrics.ScansRejected.Inc()
		s.rawLog(ctx, norm, directory.OutcomeRejected)
		return Result{
			ScanID:  norm.ScanID,
			Outcome: OutcomeRejected,
			Status:  scan.StatusRejected,
			Flags:   norm.Flags,
			Reason:  "no active slot at scan time",
		}, nil
	}

	s.rawLog(ctx, norm, directory.OutcomeAccepted)

	res := persist.Resolution{
		Scan:   norm,
		Person: personID,
		Slot:   slot,
		Day:    s.matcher.Day(norm.Canonical),
		Status: status,
	}
	rec, upsert, err := s.persister.Persist(ctx, res)
	if err != nil {
		return Result{ScanID: norm.ScanID, Outcome: OutcomeAccepted, Status: status, Flags: norm.Flags}, err
	}

	if upsert != directory.UpsertUnchanged {
		s.fanOut(rec, slot, upsert)
	}

	return Result{
		ScanID:  norm.ScanID,
		Outcome: OutcomeAccepted,
		Status:  rec.Status,
		Record:  &rec,
		Flags:   norm.Flags,
	}, nil
}

// ReplayDeadLetter re-runs a parked scan. Envelopes parked before
// resolution carry only the scan fields and go through person lookup,
// matching, and classification again; fully resolved envelopes skip
// straight to the upsert.
func (s *Service) ReplayDeadLetter(ctx context.Context, dl queue.DeadLetter) error {
	if dl.PersonID != 0 && dl.SlotID != 0 && dl.Status != "" {
		return s.persister.Replay(ctx, dl)
	}

	personID, err := s.dir.ResolvePerson(ctx, dl.TagID)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			// Tag was never bound; record the outcome and stop retrying.
			return s.dir.WriteRawScanLog(ctx, dl.ScanID, dl.TagID, dl.ReaderID, dl.ScannedAt, directory.OutcomeUnknownTag)
		}
		return err
	}
	slot, _, err := s.matcher.Match(ctx, personID, dl.ScannedAt)
	if err != nil {
		return err
	}
	if slot == nil {
		return s.dir.WriteRawScanLog(ctx, dl.ScanID, dl.TagID, dl.ReaderID, dl.ScannedAt, directory.OutcomeRejected)
	}
	dl.PersonID = personID
	dl.SlotID = slot.SlotID
	dl.RoomID = slot.RoomID
	dl.Day = s.matcher.Day(dl.ScannedAt)
	dl.Status = string(classify.Classify(slot, dl.ScannedAt, s.loc, s.graceMinutes))
	return s.persister.Replay(ctx, dl)
}

// fanOut publishes one resolved record to room, class, then admin topics.
// Broadcast never blocks or fails the pipeline.
func (s *Service) fanOut(rec directory.AttendanceRecord, slot *directory.ScheduleSlot, upsert directory.UpsertOutcome) {
	evType := "attendance_update"
	if upsert == directory.UpsertUpdated {
		evType = "status_change"
	}
	ev := broadcast.Event{
		Type: evType,
		Payload: map[string]interface{}{
			"record_id": rec.RecordID,
			"person_id": rec.PersonID,
			"slot_id":   rec.SlotID,
			"room_id":   slot.RoomID,
			"day":       rec.Day,
			"status":    rec.Status,
		},
	}
	s.hub.Publish(broadcast.RoomTopic(slot.RoomID), ev)
	s.hub.Publish(broadcast.ClassTopic(rec.SlotID), ev)
	s.hub.Publish(broadcast.PersonTopic(rec.PersonID), ev)
	s.hub.Publish(broadcast.TopicAdmin, ev)
}

func (s *Service) rawLog(ctx context.Context, norm scan.NormalizedScan, outcome directory.RawScanOutcome) {
	if err := s.dir.WriteRawScanLog(ctx, norm.ScanID, norm.TagID, norm.ReaderID, norm.Canonical, outcome); err != nil {
		s.log.WithField("scan_id", norm.ScanID).Errorf("raw scan log write failed: %v", err)
	}
}
