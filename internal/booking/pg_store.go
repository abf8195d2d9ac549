package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInvalidAppointmentState is returned by the conditional appointment
// updates (cancel, complete) when the row exists but is not in the status
// the update is guarded on.
var ErrInvalidAppointmentState = errors.New("appointment is not in the required status")

const pgUniqueViolation = "23505"

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Helpers

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.StartAt,
		&s.EndAt,
		&s.Status,
		&s.LockExpiresAt,
		&s.AppointmentID,
		&s.RuleID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanLock(row pgx.Row) (*SlotLock, error) {
	var l SlotLock

	err := row.Scan(
		&l.ID,
		&l.SlotID,
		&l.PatientID,
		&l.Passcode,
		&l.ExpiresAt,
		&l.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLockNotFound
		}
		return nil, err
	}

	return &l, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.SlotID,
		&a.PatientID,
		&a.DoctorID,
		&a.Status,
		&a.Mode,
		&a.Symptoms,
		&a.Notes,
		&a.Prescription,
		&a.FollowUpAt,
		&a.CancelledBy,
		&a.CancelReason,
		&a.CancelledAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func scanRule(row pgx.Row) (*RecurringRule, error) {
	var r RecurringRule

	err := row.Scan(
		&r.ID,
		&r.DoctorID,
		&r.DayOfWeek,
		&r.StartMinute,
		&r.EndMinute,
		&r.Timezone,
		&r.Active,
		&r.StartDate,
		&r.EndDate,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}

	return &r, nil
}

const slotColumns = `id, doctor_id, start_at, end_at, status, lock_expires_at, appointment_id, rule_id, created_at, updated_at`

// Slots

func (s *PgStore) GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (s *PgStore) TryTransition(ctx context.Context, slotID uuid.UUID, expected, next SlotStatus, patch TransitionPatch) error {
	return tryTransition(ctx, s.pool, slotID, expected, next, patch)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the guarded
// update can run standalone or inside a composite transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// tryTransition is the conditional-transition contract: one UPDATE guarded
// on both id and expected status, judged by rows affected. Never a read
// followed by a write.
func tryTransition(ctx context.Context, q querier, slotID uuid.UUID, expected, next SlotStatus, patch TransitionPatch) error {
	tag, err := q.Exec(ctx, `
		UPDATE time_slots
		SET status = $3,
		    lock_expires_at = CASE WHEN $4 THEN NULL ELSE COALESCE($5, lock_expires_at) END,
		    appointment_id  = CASE WHEN $6 THEN NULL ELSE COALESCE($7, appointment_id) END,
		    updated_at = now()
		WHERE id = $1
		  AND status = $2
		  AND ($8::timestamptz IS NULL OR lock_expires_at <= $8)
	`, slotID, expected, next,
		patch.ClearLockExpiry, patch.LockExpiresAt,
		patch.ClearAppointmentID, patch.AppointmentID,
		patch.LockExpiredBy)
	if err != nil {
		return fmt.Errorf("transition slot: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Lost the race (or the id is bogus); the follow-up read is only for
	// reporting, the decision already happened in the UPDATE.
	var actual SlotStatus
	err = q.QueryRow(ctx, `SELECT status FROM time_slots WHERE id = $1`, slotID).Scan(&actual)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSlotNotFound
		}
		return fmt.Errorf("read slot status after conflict: %w", err)
	}
	return &ConflictError{SlotID: slotID, Actual: actual}
}

func (s *PgStore) InsertSlots(ctx context.Context, slots []TimeSlot) (int, error) {
	if len(slots) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert slots: %w", err)
	}
	defer tx.Rollback(ctx)

	created := 0
	for _, slot := range slots {
		tag, err := tx.Exec(ctx, `
			INSERT INTO time_slots (id, doctor_id, start_at, end_at, status, rule_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
			ON CONFLICT (doctor_id, start_at, end_at) DO NOTHING
		`, slot.ID, slot.DoctorID, slot.StartAt, slot.EndAt, slot.Status, slot.RuleID)
		if err != nil {
			return 0, fmt.Errorf("insert slot: %w", err)
		}
		created += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert slots: %w", err)
	}
	return created, nil
}

// Locks

func (s *PgStore) CreateLock(ctx context.Context, lock *SlotLock) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO slot_locks (id, slot_id, patient_id, passcode, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, lock.ID, lock.SlotID, lock.PatientID, lock.Passcode, lock.ExpiresAt, lock.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrLockExists
		}
		return fmt.Errorf("insert slot lock: %w", err)
	}
	return nil
}

func (s *PgStore) GetLockBySlot(ctx context.Context, slotID uuid.UUID) (*SlotLock, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, slot_id, patient_id, passcode, expires_at, created_at
		FROM slot_locks
		WHERE slot_id = $1
	`, slotID)
	return scanLock(row)
}

func (s *PgStore) DeleteLock(ctx context.Context, lockID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM slot_locks WHERE id = $1`, lockID)
	if err != nil {
		return fmt.Errorf("delete slot lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLockNotFound
	}
	return nil
}

func (s *PgStore) FindExpiredLocks(ctx context.Context, now time.Time, limit int) ([]SlotLock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, slot_id, patient_id, passcode, expires_at, created_at
		FROM slot_locks
		WHERE expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SlotLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *l)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Appointments

func (s *PgStore) BookSlot(ctx context.Context, appt *Appointment, lockID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin book slot: %w", err)
	}
	defer tx.Rollback(ctx)

	apptID := appt.ID
	err = tryTransition(ctx, tx, appt.SlotID, SlotLocked, SlotBooked, TransitionPatch{
		ClearLockExpiry: true,
		AppointmentID:   &apptID,
	})
	if err != nil {
		return err
	}

	// The delete is keyed on the exact lock this booking was confirmed
	// against. Zero rows means the slot's LOCKED status belongs to a
	// successor lock, and the rollback undoes the transition above.
	tag, err := tx.Exec(ctx, `DELETE FROM slot_locks WHERE id = $1`, lockID)
	if err != nil {
		return fmt.Errorf("delete slot lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLockNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO appointments
			(id, slot_id, patient_id, doctor_id, status, mode, symptoms, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	`, appt.ID, appt.SlotID, appt.PatientID, appt.DoctorID, appt.Status, appt.Mode, appt.Symptoms, appt.Notes)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit book slot: %w", err)
	}
	return nil
}

func (s *PgStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, slot_id, patient_id, doctor_id, status, mode, symptoms, notes,
		       prescription, follow_up_at, cancelled_by, cancel_reason, cancelled_at,
		       created_at, updated_at
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s *PgStore) CancelBooking(ctx context.Context, appointmentID, actorID uuid.UUID, reason string, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cancel booking: %w", err)
	}
	defer tx.Rollback(ctx)

	var slotID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    cancelled_by = $3,
		    cancel_reason = $4,
		    cancelled_at = $5,
		    updated_at = now()
		WHERE id = $1
		  AND status = $6
		RETURNING slot_id
	`, appointmentID, StatusCancelled, actorID, reason, at, StatusConfirmed).Scan(&slotID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if chkErr := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, appointmentID,
			).Scan(&exists); chkErr != nil {
				return chkErr
			}
			if !exists {
				return ErrAppointmentNotFound
			}
			return ErrInvalidAppointmentState
		}
		return fmt.Errorf("cancel appointment: %w", err)
	}

	// The appointment's existence proves the slot was BOOKED; the write is
	// conditional anyway, so a conflict here is an invariant breach and
	// aborts the whole unit.
	err = tryTransition(ctx, tx, slotID, SlotBooked, SlotAvailable, TransitionPatch{
		ClearAppointmentID: true,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cancel booking: %w", err)
	}
	return nil
}

func (s *PgStore) CompleteAppointment(ctx context.Context, id uuid.UUID, prescription string, followUpAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    prescription = $3,
		    follow_up_at = $4,
		    updated_at = now()
		WHERE id = $1
		  AND status = $5
	`, id, StatusCompleted, prescription, followUpAt, StatusConfirmed)
	if err != nil {
		return fmt.Errorf("complete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if chkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id,
		).Scan(&exists); chkErr != nil {
			return chkErr
		}
		if !exists {
			return ErrAppointmentNotFound
		}
		return ErrInvalidAppointmentState
	}
	return nil
}

// Rules

func (s *PgStore) CreateRule(ctx context.Context, rule *RecurringRule) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create rule: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize rule creation per doctor so two overlapping rules cannot
	// both pass the check below.
	_, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rule.DoctorID.String())
	if err != nil {
		return fmt.Errorf("lock doctor rules: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT start_minute, end_minute
		FROM recurring_rules
		WHERE doctor_id = $1
		  AND day_of_week = $2
		  AND active
	`, rule.DoctorID, rule.DayOfWeek)
	if err != nil {
		return fmt.Errorf("list active rules: %w", err)
	}

	for rows.Next() {
		var start, end int
		if err := rows.Scan(&start, &end); err != nil {
			rows.Close()
			return err
		}
		if rangesOverlap(rule.StartMinute, rule.EndMinute, start, end) {
			rows.Close()
			return ErrRuleOverlap
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	_, err = tx.Exec(ctx, `
		INSERT INTO recurring_rules
			(id, doctor_id, day_of_week, start_minute, end_minute, timezone, active, start_date, end_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
	`, rule.ID, rule.DoctorID, rule.DayOfWeek, rule.StartMinute, rule.EndMinute,
		rule.Timezone, rule.Active, rule.StartDate, rule.EndDate)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create rule: %w", err)
	}
	return nil
}

func (s *PgStore) GetRule(ctx context.Context, id uuid.UUID) (*RecurringRule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, doctor_id, day_of_week, start_minute, end_minute, timezone, active, start_date, end_date, created_at, updated_at
		FROM recurring_rules
		WHERE id = $1
	`, id)
	return scanRule(row)
}

func (s *PgStore) ListActiveRules(ctx context.Context, doctorID uuid.UUID) ([]RecurringRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, doctor_id, day_of_week, start_minute, end_minute, timezone, active, start_date, end_date, created_at, updated_at
		FROM recurring_rules
		WHERE doctor_id = $1
		  AND active
		ORDER BY day_of_week, start_minute
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []RecurringRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Events

func (s *PgStore) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, slot_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.SlotID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
