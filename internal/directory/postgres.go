package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"rfidattend/internal/scan"
)

// Postgres implements Directory against the campus database.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates the directory client.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// ResolvePerson maps a tag to its ACTIVE binding's person.
func (p *Postgres) ResolvePerson(ctx context.Context, tagID string) (int64, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT person_id FROM tag_bindings
		WHERE tag_id = $1 AND status = 'ACTIVE' AND person_id IS NOT NULL
	`, tagID)
	var personID int64
	if err := row.Scan(&personID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: tag %s has no active binding", scan.ErrNotFound, tagID)
		}
		return 0, err
	}
	return personID, nil
}

// FindActiveSlots returns current-semester slots containing the given
// weekday/minute for a person. One read per scan; schedule state is never
// cached across requests.
func (p *Postgres) FindActiveSlots(ctx context.Context, personID int64, day time.Weekday, minutes int) ([]ScheduleSlot, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.slot_id, s.room_id, s.day_of_week, s.start_minutes, s.end_minutes, s.grace_minutes
		FROM schedule_slots s
		JOIN slot_members m ON m.slot_id = s.slot_id
		WHERE m.person_id = $1
		  AND s.day_of_week = $2
		  AND s.start_minutes <= $3 AND $3 <= s.end_minutes
		  AND s.active AND s.semester_state = 'CURRENT'
		ORDER BY s.start_minutes ASC, s.slot_id ASC
	`, personID, int(day), minutes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []ScheduleSlot
	for rows.Next() {
		var s ScheduleSlot
		var dow int
		if err := rows.Scan(&s.SlotID, &s.RoomID, &dow, &s.StartMinutes, &s.EndMinutes, &s.GraceMinutes); err != nil {
			return nil, err
		}
		s.DayOfWeek = time.Weekday(dow)
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

// UpsertAttendanceRecord creates or transitions the one record per
// (person, slot, day). The row is locked for the duration of the decision
// so two scans for the same person and slot cannot both create a record.
func (p *Postgres) UpsertAttendanceRecord(ctx context.Context, rec AttendanceRecord) (AttendanceRecord, UpsertOutcome, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return AttendanceRecord{}, UpsertUnchanged, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT record_id, status, resolved_at, source_scan_id
		FROM attendance_records
		WHERE person_id = $1 AND slot_id = $2 AND day = $3
		FOR UPDATE
	`, rec.PersonID, rec.SlotID, rec.Day)

	existing := rec
	var status string
	err = row.Scan(&existing.RecordID, &status, &existing.ResolvedAt, &existing.SourceScanID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if rec.RecordID == "" {
			rec.RecordID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_records (record_id, person_id, slot_id, day, status, resolved_at, source_scan_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, rec.RecordID, rec.PersonID, rec.SlotID, rec.Day, string(rec.Status), rec.ResolvedAt, rec.SourceScanID); err != nil {
			return AttendanceRecord{}, UpsertUnchanged, err
		}
		return rec, UpsertCreated, tx.Commit()

	case err != nil:
		return AttendanceRecord{}, UpsertUnchanged, err
	}

	existing.Status, err = scan.ParseStatus(status)
	if err != nil {
		return AttendanceRecord{}, UpsertUnchanged, err
	}

	// First valid PRESENT/LATE of the day wins; only ABSENT/EXCUSED may be
	// backfilled by an observed scan.
	if existing.Status.Marked() || !rec.Status.Marked() {
		return existing, UpsertUnchanged, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $2, resolved_at = $3, source_scan_id = $4
		WHERE record_id = $1
	`, existing.RecordID, string(rec.Status), rec.ResolvedAt, rec.SourceScanID); err != nil {
		return AttendanceRecord{}, UpsertUnchanged, err
	}
	updated := existing
	updated.Status = rec.Status
	updated.ResolvedAt = rec.ResolvedAt
	updated.SourceScanID = rec.SourceScanID
	return updated, UpsertUpdated, tx.Commit()
}

// WriteRawScanLog appends an audit entry. Raw logs are append-only.
func (p *Postgres) WriteRawScanLog(ctx context.Context, scanID, tagID, readerID string, at time.Time, outcome RawScanOutcome) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO raw_scan_logs (scan_id, tag_id, reader_id, scanned_at, outcome)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scan_id) DO NOTHING
	`, scanID, tagID, readerID, at, string(outcome))
	return err
}

// RecordReaderHeartbeat upserts a reader's last-seen timestamp.
func (p *Postgres) RecordReaderHeartbeat(ctx context.Context, readerID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO readers (reader_id, last_seen_at)
		VALUES ($1, $2)
		ON CONFLICT (reader_id) DO UPDATE SET last_seen_at = GREATEST(readers.last_seen_at, EXCLUDED.last_seen_at)
	`, readerID, at)
	return err
}

// ListReadersWithLastSeen returns the whole fleet's heartbeat state.
func (p *Postgres) ListReadersWithLastSeen(ctx context.Context) ([]ReaderHeartbeat, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT reader_id, last_seen_at, maintenance_due
		FROM readers
		ORDER BY reader_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ReaderHeartbeat
	for rows.Next() {
		var hb ReaderHeartbeat
		if err := rows.Scan(&hb.ReaderID, &hb.LastSeenAt, &hb.MaintenanceDue); err != nil {
			return nil, err
		}
		res = append(res, hb)
	}
	return res, rows.Err()
}

// BindTag runs the full bind/replace sequence in one transaction. Row locks
// on the tag's and person's active bindings serialize concurrent attempts;
// the loser surfaces scan.ErrConcurrentBind.
func (p *Postgres) BindTag(ctx context.Context, tagID string, personID int64, replace bool, reason string) (*TagBinding, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Lock the tag's current ACTIVE binding, if any.
	var curID int64
	var curPerson sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT id, person_id FROM tag_bindings
		WHERE tag_id = $1 AND status = 'ACTIVE'
		FOR UPDATE NOWAIT
	`, tagID).Scan(&curID, &curPerson)
	tagBound := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, mapBindErr(err)
	}

	if tagBound && curPerson.Valid && curPerson.Int64 != personID {
		if !replace {
			return nil, fmt.Errorf("%w: tag %s is active for person %d", scan.ErrAlreadyBound, tagID, curPerson.Int64)
		}
		// Retire the other holder's binding and clear their active tag.
		if _, err := tx.ExecContext(ctx, `
			UPDATE tag_bindings SET status = 'REPLACED' WHERE id = $1
		`, curID); err != nil {
			return nil, mapBindErr(err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE identities SET active_tag_id = NULL WHERE person_id = $1 AND active_tag_id = $2
		`, curPerson.Int64, tagID); err != nil {
			return nil, mapBindErr(err)
		}
	} else if tagBound && curPerson.Valid && curPerson.Int64 == personID {
		// Re-binding the same pair is a no-op; return the current binding.
		b, err := p.bindingByID(ctx, tx, curID)
		if err != nil {
			return nil, err
		}
		return b, tx.Commit()
	}

	// One active tag per person: retire any other binding the person holds.
	if _, err := tx.ExecContext(ctx, `
		UPDATE tag_bindings SET status = 'REPLACED'
		WHERE person_id = $1 AND status = 'ACTIVE' AND tag_id <> $2
	`, personID, tagID); err != nil {
		return nil, mapBindErr(err)
	}

	var newID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO tag_bindings (tag_id, person_id, status, bound_at, bound_by, reason)
		VALUES ($1, $2, 'ACTIVE', NOW(), 'engine', $3)
		RETURNING id
	`, tagID, personID, reason).Scan(&newID)
	if err != nil {
		return nil, mapBindErr(err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE identities SET active_tag_id = $2 WHERE person_id = $1
	`, personID, tagID); err != nil {
		return nil, mapBindErr(err)
	}

	b, err := p.bindingByID(ctx, tx, newID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapBindErr(err)
	}
	return b, nil
}

// UnbindPerson clears the active binding. No-op when already unbound.
func (p *Postgres) UnbindPerson(ctx context.Context, personID int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE tag_bindings SET status = 'UNBOUND'
		WHERE person_id = $1 AND status = 'ACTIVE'
	`, personID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE identities SET active_tag_id = NULL WHERE person_id = $1
	`, personID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) bindingByID(ctx context.Context, tx *sql.Tx, id int64) (*TagBinding, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, tag_id, person_id, status, bound_at, bound_by, reason
		FROM tag_bindings WHERE id = $1
	`, id)
	var b TagBinding
	var person sql.NullInt64
	var status string
	if err := row.Scan(&b.ID, &b.TagID, &person, &status, &b.BoundAt, &b.BoundBy, &b.Reason); err != nil {
		return nil, err
	}
	if person.Valid {
		b.PersonID = &person.Int64
	}
	b.Status = BindingStatus(status)
	return &b, nil
}

// mapBindErr translates serialization/lock failures into the engine's
// conflict error so callers can retry.
func mapBindErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization, deadlock, lock not available
			return fmt.Errorf("%w: %s", scan.ErrConcurrentBind, pgErr.Code)
		}
	}
	return err
}
