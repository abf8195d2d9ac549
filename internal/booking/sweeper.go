package booking

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper reclaims slots whose reservation window elapsed without a
// confirm or release. It is safe to run several sweeper instances at once:
// the conditional transition makes double-sweeping harmless, and a lost
// transition just means another actor already handled the slot.
type Sweeper struct {
	store     Store
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger
	now       func() time.Time
}

func NewSweeper(store Store, interval time.Duration, batchSize int, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 45 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "expiry_sweeper").Logger(),
		now:       time.Now,
	}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopping")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	reclaimed, err := s.SweepOnce(runCtx)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep run failed")
		return
	}
	s.logger.Info().Int("reclaimed", reclaimed).Dur("took", time.Since(start)).Msg("sweep run complete")
}

// SweepOnce reclaims every expired lock it can see and reports how many
// slots it freed. Locks that lost their slot transition to a concurrent
// confirm (or another sweeper) are skipped without error.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.FindExpiredLocks(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, lock := range expired {
		// The expiry guard ties the transition to the lock found above: a
		// successor lock carries a later expiry, so a reclaim racing
		// another sweeper or a fresh reservation loses instead of freeing
		// a live lock.
		err := s.store.TryTransition(ctx, lock.SlotID, SlotLocked, SlotAvailable, TransitionPatch{
			ClearLockExpiry: true,
			LockExpiredBy:   &now,
		})
		if err != nil {
			if IsConflict(err) || errors.Is(err, ErrSlotNotFound) {
				// Confirm, release or another sweeper got there first.
				continue
			}
			s.logger.Error().Err(err).Str("slot_id", lock.SlotID.String()).
				Msg("failed to reclaim expired slot")
			continue
		}

		// Only delete the lock row once the slot transition committed, and
		// only the exact row that was swept.
		if err := s.store.DeleteLock(ctx, lock.ID); err != nil && !errors.Is(err, ErrLockNotFound) {
			s.logger.Error().Err(err).Str("slot_id", lock.SlotID.String()).
				Msg("failed to delete expired lock row")
			continue
		}
		reclaimed++

		s.logEvent(ctx, lock)
	}

	return reclaimed, nil
}

func (s *Sweeper) logEvent(ctx context.Context, lock SlotLock) {
	slotID := lock.SlotID
	ev := EventLog{
		EventType: EventLockExpired,
		SlotID:    &slotID,
		Payload:   []byte(`{"reason":"sweeper"}`),
		CreatedAt: s.now(),
	}
	if err := s.store.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("slot_id", slotID.String()).Msg("failed to insert expiry event")
	}
}
