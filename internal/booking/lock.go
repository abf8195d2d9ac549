package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrPastSlot        = errors.New("slot start time has already passed")
	ErrInvalidPasscode = errors.New("passcode is missing or wrong")
	ErrLockExpired     = errors.New("reservation window has elapsed")
)

// LockManager owns the bounded reservation window on a slot: acquire,
// passcode-gated confirm, voluntary release. All exclusivity comes from the
// store's conditional transition; the manager never retries a lost race,
// since retrying cannot change the outcome.
type LockManager struct {
	store  Store
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewLockManager(store Store, ttl time.Duration, logger zerolog.Logger) *LockManager {
	return &LockManager{
		store:  store,
		ttl:    ttl,
		logger: logger.With().Str("component", "lock_manager").Logger(),
		now:    time.Now,
	}
}

// AcquireLock reserves slotID for patientID until now+ttl. Exactly one of
// any set of concurrent callers wins; the rest see *ConflictError.
func (m *LockManager) AcquireLock(ctx context.Context, slotID, patientID uuid.UUID) (*SlotLock, error) {
	slot, err := m.store.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if !slot.StartAt.After(now) {
		return nil, ErrPastSlot
	}

	expiresAt := now.Add(m.ttl)
	err = m.store.TryTransition(ctx, slotID, SlotAvailable, SlotLocked, TransitionPatch{
		LockExpiresAt: &expiresAt,
	})
	if err != nil {
		return nil, err
	}

	passcode, err := NewPasscode()
	if err != nil {
		m.rollbackAcquire(ctx, slotID)
		return nil, err
	}

	lock := &SlotLock{
		ID:        uuid.New(),
		SlotID:    slotID,
		PatientID: patientID,
		Passcode:  passcode,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	if err := m.store.CreateLock(ctx, lock); err != nil {
		// The slot transition already committed; compensate so no slot is
		// left LOCKED without a lock row.
		m.rollbackAcquire(ctx, slotID)
		return nil, fmt.Errorf("persist slot lock: %w", err)
	}

	return lock, nil
}

func (m *LockManager) rollbackAcquire(ctx context.Context, slotID uuid.UUID) {
	err := m.store.TryTransition(ctx, slotID, SlotLocked, SlotAvailable, TransitionPatch{
		ClearLockExpiry: true,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("slot_id", slotID.String()).
			Msg("failed to roll back slot lock transition")
	}
}

// ConfirmLock validates the passcode and the reservation window and returns
// the lock for the orchestrator to turn into an appointment. Expiry is
// decided by wall clock here, not by sweeper state, so a late sweeper never
// lets a stale confirm through.
func (m *LockManager) ConfirmLock(ctx context.Context, slotID, patientID uuid.UUID, passcode string) (*SlotLock, error) {
	lock, err := m.store.GetLockBySlot(ctx, slotID)
	if err != nil {
		if errors.Is(err, ErrLockNotFound) {
			return nil, ErrInvalidPasscode
		}
		return nil, err
	}

	if lock.PatientID != patientID || !passcodeMatches(lock.Passcode, passcode) {
		return nil, ErrInvalidPasscode
	}
	if !m.now().Before(lock.ExpiresAt) {
		return nil, ErrLockExpired
	}

	return lock, nil
}

// ReleaseLock is the voluntary abort before confirm: the slot goes back to
// AVAILABLE and the lock row is removed.
func (m *LockManager) ReleaseLock(ctx context.Context, slotID, patientID uuid.UUID) error {
	lock, err := m.store.GetLockBySlot(ctx, slotID)
	if err != nil {
		return err
	}
	if lock.PatientID != patientID {
		return ErrLockNotFound
	}

	// Deleting the lock row by its id is the decision point: only the
	// actor that removed the row goes on to flip the slot, so a release
	// racing the sweeper can never free a successor's lock.
	if err := m.store.DeleteLock(ctx, lock.ID); err != nil {
		return err
	}

	err = m.store.TryTransition(ctx, slotID, SlotLocked, SlotAvailable, TransitionPatch{
		ClearLockExpiry: true,
	})
	if err != nil && !IsConflict(err) {
		return err
	}
	return nil
}
