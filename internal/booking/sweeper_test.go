package booking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSweepOnce_ReclaimsExpiredLocks(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t)
	sw := newTestSweeper(t, store, clock)

	expiredSlot := insertSlot(t, store, clock, 48*time.Hour)
	freshSlot := insertSlot(t, store, clock, 48*time.Hour)

	_, err := svc.Reserve(ctx, expiredSlot, uuid.New())
	require.NoError(t, err)

	clock.Advance(5*time.Minute + time.Second)

	_, err = svc.Reserve(ctx, freshSlot, uuid.New())
	require.NoError(t, err)

	reclaimed, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)

	require.Equal(t, SlotAvailable, slotStatus(t, store, expiredSlot))
	require.Equal(t, SlotLocked, slotStatus(t, store, freshSlot))
	require.Equal(t, 1, store.LockCount())

	slot, err := store.GetSlot(ctx, expiredSlot)
	require.NoError(t, err)
	require.Nil(t, slot.LockExpiresAt)

	// The reclaimed slot is immediately lockable again.
	_, err = svc.Reserve(ctx, expiredSlot, uuid.New())
	require.NoError(t, err)
}

func TestSweepOnce_SecondRunIsNoOp(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t)
	sw := newTestSweeper(t, store, clock)

	slotID := insertSlot(t, store, clock, 48*time.Hour)
	_, err := svc.Reserve(ctx, slotID, uuid.New())
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)

	reclaimed, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)

	reclaimed, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, reclaimed)
}

func TestSweepOnce_SkipsSlotThatLeftLocked(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t)
	sw := newTestSweeper(t, store, clock)

	slotID := insertSlot(t, store, clock, 48*time.Hour)
	patientID := uuid.New()

	res, err := svc.Reserve(ctx, slotID, patientID)
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, slotID, patientID, res.Passcode, AppointmentDetails{})
	require.NoError(t, err)

	// Plant a stale lock row pointing at the now-BOOKED slot. The sweeper
	// must lose the slot transition and leave the booking untouched.
	stale := &SlotLock{
		ID:        uuid.New(),
		SlotID:    slotID,
		PatientID: patientID,
		Passcode:  "000000",
		ExpiresAt: clock.Now().Add(-time.Minute),
		CreatedAt: clock.Now().Add(-6 * time.Minute),
	}
	require.NoError(t, store.CreateLock(ctx, stale))

	reclaimed, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, reclaimed)

	require.Equal(t, SlotBooked, slotStatus(t, store, slotID))
	require.Equal(t, 1, store.LockCount(), "sweeper must not touch lock rows it failed to reclaim for")
}

// interceptingSweepStore runs a hook between the expired-lock read and the
// reclaim transitions, standing in for a concurrent actor.
type interceptingSweepStore struct {
	*MemoryStore
	afterFind func()
}

func (s *interceptingSweepStore) FindExpiredLocks(ctx context.Context, now time.Time, limit int) ([]SlotLock, error) {
	locks, err := s.MemoryStore.FindExpiredLocks(ctx, now, limit)
	if err == nil && len(locks) > 0 && s.afterFind != nil {
		hook := s.afterFind
		s.afterFind = nil
		hook()
	}
	return locks, err
}

func TestSweepOnce_StaleSnapshotCannotFreeSuccessorLock(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	inner := NewMemoryStore()
	store := &interceptingSweepStore{MemoryStore: inner}
	logger := zerolog.New(zerolog.NewTestWriter(t))

	locks := NewLockManager(store, 5*time.Minute, logger)
	locks.now = clock.Now

	slotID := insertSlot(t, inner, clock, 48*time.Hour)
	_, err := locks.AcquireLock(ctx, slotID, uuid.New())
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)

	sw := NewSweeper(store, time.Minute, 100, logger)
	sw.now = clock.Now

	// Between this sweeper's read and its transition, a second sweeper
	// instance reclaims the slot and a new patient locks it.
	patientB := uuid.New()
	var lockB *SlotLock
	store.afterFind = func() {
		other := newTestSweeper(t, inner, clock)
		reclaimed, err := other.SweepOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, reclaimed)

		lockB, err = locks.AcquireLock(ctx, slotID, patientB)
		require.NoError(t, err)
	}

	reclaimed, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, reclaimed)

	// The fresh, unexpired reservation survives the stale reclaim intact.
	require.Equal(t, SlotLocked, slotStatus(t, inner, slotID))
	got, err := inner.GetLockBySlot(ctx, slotID)
	require.NoError(t, err)
	require.Equal(t, lockB.ID, got.ID)
	require.Equal(t, patientB, got.PatientID)
}

func TestSweepOnce_EmitsExpiryEvent(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t)
	sw := newTestSweeper(t, store, clock)

	slotID := insertSlot(t, store, clock, 48*time.Hour)
	_, err := svc.Reserve(ctx, slotID, uuid.New())
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	_, err = sw.SweepOnce(ctx)
	require.NoError(t, err)

	var expiries int
	for _, ev := range store.Events() {
		if ev.EventType == EventLockExpired {
			expiries++
			require.NotNil(t, ev.SlotID)
			require.Equal(t, slotID, *ev.SlotID)
		}
	}
	require.Equal(t, 1, expiries)
}

func TestSweepOnce_RespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t)

	sw := NewSweeper(store, time.Minute, 2, zerolog.New(zerolog.NewTestWriter(t)))
	sw.now = clock.Now

	for i := 0; i < 5; i++ {
		slotID := insertSlot(t, store, clock, 48*time.Hour)
		_, err := svc.Reserve(ctx, slotID, uuid.New())
		require.NoError(t, err)
	}
	clock.Advance(6 * time.Minute)

	reclaimed, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, reclaimed)
	require.Equal(t, 3, store.LockCount())

	reclaimed, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, reclaimed)

	reclaimed, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)
	require.Zero(t, store.LockCount())
}
