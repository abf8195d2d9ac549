package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeClock is shared by the lock manager, service and sweeper under test
// so expiry boundaries can be crossed deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	// A fixed Tuesday morning keeps weekday-sensitive tests stable.
	return &fakeClock{t: time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	store := NewMemoryStore()
	logger := zerolog.New(zerolog.NewTestWriter(t))

	locks := NewLockManager(store, 5*time.Minute, logger)
	locks.now = clock.Now

	svc := NewService(store, locks, NopNotifier{}, logger, ServiceConfig{})
	svc.now = clock.Now

	return svc, store, clock
}

func newTestSweeper(t *testing.T, store *MemoryStore, clock *fakeClock) *Sweeper {
	t.Helper()

	sw := NewSweeper(store, time.Minute, 100, zerolog.New(zerolog.NewTestWriter(t)))
	sw.now = clock.Now
	return sw
}

// insertSlot creates one AVAILABLE slot starting the given duration after
// the clock's current time.
func insertSlot(t *testing.T, store *MemoryStore, clock *fakeClock, startIn time.Duration) uuid.UUID {
	t.Helper()

	start := clock.Now().Add(startIn)
	slots := []TimeSlot{{
		ID:       uuid.New(),
		DoctorID: uuid.New(),
		StartAt:  start,
		EndAt:    start.Add(30 * time.Minute),
		Status:   SlotAvailable,
	}}
	created, err := store.InsertSlots(context.Background(), slots)
	require.NoError(t, err)
	require.Equal(t, 1, created)
	return slots[0].ID
}

func slotStatus(t *testing.T, store *MemoryStore, slotID uuid.UUID) SlotStatus {
	t.Helper()

	slot, err := store.GetSlot(context.Background(), slotID)
	require.NoError(t, err)
	return slot.Status
}
