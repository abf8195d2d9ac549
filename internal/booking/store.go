package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSlotNotFound        = errors.New("slot not found")
	ErrLockNotFound        = errors.New("slot lock not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrRuleNotFound        = errors.New("recurring rule not found")
	ErrRuleOverlap         = errors.New("rule overlaps an active rule for the same doctor and weekday")
	ErrLockExists          = errors.New("slot already has an active lock")
)

// ConflictError is returned by TryTransition when the slot's current status
// differs from the expected one. Losing a conditional transition is an
// expected outcome under contention, not a failure of the store.
type ConflictError struct {
	SlotID uuid.UUID
	Actual SlotStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot %s is %s", e.SlotID, e.Actual)
}

// IsConflict reports whether err is a lost conditional transition.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// TransitionPatch carries the field writes applied together with a status
// transition, in the same atomic unit.
type TransitionPatch struct {
	LockExpiresAt      *time.Time
	ClearLockExpiry    bool
	AppointmentID      *uuid.UUID
	ClearAppointmentID bool

	// LockExpiredBy, when set, restricts the transition to slots whose
	// lock expiry is at or before this instant. A successor lock always
	// carries a later expiry, so a transition guarded this way cannot act
	// on a lock other than the one its caller observed.
	LockExpiredBy *time.Time
}

// Store is the single point of truth for slots, locks, appointments and
// rules. TryTransition is the sole concurrency primitive: every status
// mutation goes through it (directly, or inside one of the composite
// transactional units below, which embed the same guarded-update shape).
type Store interface {
	// GetSlot is a plain read; it never blocks a transition.
	GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error)

	// TryTransition atomically moves the slot from expected to next and
	// applies patch, or returns *ConflictError with the actual status
	// without mutating anything. ErrSlotNotFound when id does not exist.
	TryTransition(ctx context.Context, slotID uuid.UUID, expected, next SlotStatus, patch TransitionPatch) error

	// InsertSlots inserts candidate slots, silently skipping any whose
	// (doctor_id, start_at, end_at) key already exists. Returns the number
	// actually created.
	InsertSlots(ctx context.Context, slots []TimeSlot) (int, error)

	CreateLock(ctx context.Context, lock *SlotLock) error
	GetLockBySlot(ctx context.Context, slotID uuid.UUID) (*SlotLock, error)

	// DeleteLock removes the lock row by its own id, never by slot, so a
	// caller holding a stale snapshot cannot remove a successor's lock.
	// ErrLockNotFound means another actor already handled it.
	DeleteLock(ctx context.Context, lockID uuid.UUID) error

	FindExpiredLocks(ctx context.Context, now time.Time, limit int) ([]SlotLock, error)

	// BookSlot, in one atomic unit: slot LOCKED→BOOKED (conditional, with
	// the appointment id attached and the lock expiry cleared), the
	// appointment row created, and the lock row identified by lockID
	// deleted. If that exact row is gone, the whole unit aborts with
	// ErrLockNotFound and nothing is written.
	BookSlot(ctx context.Context, appt *Appointment, lockID uuid.UUID) error

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// CancelBooking, in one atomic unit: appointment → CANCELLED with
	// actor/reason/timestamp and slot BOOKED→AVAILABLE. The slot write is
	// still conditional; a conflict here means the booked-slot invariant
	// was violated elsewhere.
	CancelBooking(ctx context.Context, appointmentID, actorID uuid.UUID, reason string, at time.Time) error

	CompleteAppointment(ctx context.Context, id uuid.UUID, prescription string, followUpAt *time.Time) error

	// CreateRule persists the rule after checking it against every active
	// rule for the same doctor and weekday; overlapping ranges are rejected
	// with ErrRuleOverlap. Concurrent creations for one doctor must not be
	// able to slip past each other's overlap check.
	CreateRule(ctx context.Context, rule *RecurringRule) error
	GetRule(ctx context.Context, id uuid.UUID) (*RecurringRule, error)
	ListActiveRules(ctx context.Context, doctorID uuid.UUID) ([]RecurringRule, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
