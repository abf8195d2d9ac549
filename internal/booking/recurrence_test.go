package booking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func weeklyRule(doctorID uuid.UUID, day, startMin, endMin int, startDate time.Time) RecurringRule {
	return RecurringRule{
		ID:          uuid.New(),
		DoctorID:    doctorID,
		DayOfWeek:   day,
		StartMinute: startMin,
		EndMinute:   endMin,
		Timezone:    "UTC",
		Active:      true,
		StartDate:   startDate,
	}
}

func TestMaterializeSlots_WeekdayAndHorizon(t *testing.T) {
	doctorID := uuid.New()
	// 2026-09-07 is a Monday.
	start := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	rule := weeklyRule(doctorID, 1, 9*60, 11*60, start)

	slots, err := MaterializeSlots(rule, start, start.AddDate(0, 0, 20))
	require.NoError(t, err)
	require.Len(t, slots, 3) // Sep 7, 14, 21

	for _, s := range slots {
		require.Equal(t, time.Monday, s.StartAt.UTC().Weekday())
		require.Equal(t, 9, s.StartAt.UTC().Hour())
		require.Equal(t, 11, s.EndAt.UTC().Hour())
		require.Equal(t, doctorID, s.DoctorID)
		require.Equal(t, SlotAvailable, s.Status)
		require.NotNil(t, s.RuleID)
		require.Equal(t, rule.ID, *s.RuleID)
	}
}

func TestMaterializeSlots_WallClockInRuleTimezone(t *testing.T) {
	rule := weeklyRule(uuid.New(), 3, 14*60, 15*60, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	rule.Timezone = "America/New_York"

	// The window spans the US DST switch on 2026-03-08; the 14:00 local
	// start must hold on both sides of it.
	slots, err := MaterializeSlots(rule, rule.StartDate, rule.StartDate.AddDate(0, 0, 13))
	require.NoError(t, err)
	require.Len(t, slots, 2)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	for _, s := range slots {
		local := s.StartAt.In(loc)
		require.Equal(t, 14, local.Hour())
		require.Equal(t, 0, local.Minute())
	}
	require.NotEqual(t, slots[0].StartAt.UTC().Hour(), slots[1].StartAt.UTC().Hour())
}

func TestMaterializeSlots_RespectsRuleEndDate(t *testing.T) {
	start := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	endDate := start.AddDate(0, 0, 7) // covers two Mondays
	rule := weeklyRule(uuid.New(), 1, 10*60, 10*60+30, start)
	rule.EndDate = &endDate

	slots, err := MaterializeSlots(rule, start, start.AddDate(0, 0, 60))
	require.NoError(t, err)
	require.Len(t, slots, 2)
}

func TestMaterializeSlots_InactiveRuleYieldsNothing(t *testing.T) {
	rule := weeklyRule(uuid.New(), 1, 10*60, 11*60, time.Now())
	rule.Active = false

	slots, err := MaterializeSlots(rule, time.Now(), time.Now().AddDate(0, 0, 30))
	require.NoError(t, err)
	require.Empty(t, slots)
}

func TestValidateRule(t *testing.T) {
	base := weeklyRule(uuid.New(), 1, 9*60, 10*60, time.Now())

	tests := []struct {
		name    string
		mutate  func(*RecurringRule)
		wantErr bool
	}{
		{"valid", func(r *RecurringRule) {}, false},
		{"weekday too high", func(r *RecurringRule) { r.DayOfWeek = 7 }, true},
		{"weekday negative", func(r *RecurringRule) { r.DayOfWeek = -1 }, true},
		{"start after end", func(r *RecurringRule) { r.StartMinute = 11 * 60 }, true},
		{"start equals end", func(r *RecurringRule) { r.StartMinute = r.EndMinute }, true},
		{"end past midnight", func(r *RecurringRule) { r.EndMinute = 1441 }, true},
		{"bad timezone", func(r *RecurringRule) { r.Timezone = "Mars/Olympus" }, true},
		{"end date before start", func(r *RecurringRule) {
			d := r.StartDate.AddDate(0, 0, -1)
			r.EndDate = &d
		}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rule := base
			tc.mutate(&rule)
			err := ValidateRule(rule)
			if tc.wantErr {
				var vErr *ValidationError
				require.ErrorAs(t, err, &vErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRangesOverlap(t *testing.T) {
	require.True(t, rangesOverlap(9*60, 11*60, 10*60, 12*60))
	require.True(t, rangesOverlap(10*60, 12*60, 9*60, 11*60))
	require.True(t, rangesOverlap(9*60, 12*60, 10*60, 11*60))
	// Touching half-open ranges do not overlap.
	require.False(t, rangesOverlap(9*60, 11*60, 11*60, 12*60))
	require.False(t, rangesOverlap(11*60, 12*60, 9*60, 11*60))
}

func TestCreateRule_OverlapRejection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doctorID := uuid.New()
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	first := weeklyRule(doctorID, 1, 9*60, 11*60, start)
	require.NoError(t, store.CreateRule(ctx, &first))

	overlapping := weeklyRule(doctorID, 1, 10*60, 12*60, start)
	require.ErrorIs(t, store.CreateRule(ctx, &overlapping), ErrRuleOverlap)

	touching := weeklyRule(doctorID, 1, 11*60, 12*60, start)
	require.NoError(t, store.CreateRule(ctx, &touching))

	// Same window on another weekday or another doctor is fine.
	otherDay := weeklyRule(doctorID, 2, 9*60, 11*60, start)
	require.NoError(t, store.CreateRule(ctx, &otherDay))
	otherDoctor := weeklyRule(uuid.New(), 1, 9*60, 11*60, start)
	require.NoError(t, store.CreateRule(ctx, &otherDoctor))
}

func TestExpandRule_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t)

	start := clock.Now()
	rule, err := svc.CreateRecurringRule(ctx, RecurringRule{
		DoctorID:    uuid.New(),
		DayOfWeek:   1,
		StartMinute: 9 * 60,
		EndMinute:   10 * 60,
		Timezone:    "UTC",
		StartDate:   start,
	})
	require.NoError(t, err)

	horizon := start.AddDate(0, 0, 28)
	created, err := svc.ExpandRule(ctx, rule.ID, horizon)
	require.NoError(t, err)
	require.Equal(t, 4, created)

	// Re-running the same expansion is a no-op.
	again, err := svc.ExpandRule(ctx, rule.ID, horizon)
	require.NoError(t, err)
	require.Zero(t, again)

	// Booking one of the slots does not make re-expansion recreate it.
	slots := materializedSlots(t, store, rule.ID)
	require.Len(t, slots, 4)
	res, err := svc.Reserve(ctx, slots[0], uuid.New())
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, slots[0], res.PatientID, res.Passcode, AppointmentDetails{})
	require.NoError(t, err)

	again, err = svc.ExpandRule(ctx, rule.ID, horizon)
	require.NoError(t, err)
	require.Zero(t, again)
	require.Len(t, materializedSlots(t, store, rule.ID), 4)
}

func materializedSlots(t *testing.T, store *MemoryStore, ruleID uuid.UUID) []uuid.UUID {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()

	var out []uuid.UUID
	for id, s := range store.slots {
		if s.RuleID != nil && *s.RuleID == ruleID {
			out = append(out, id)
		}
	}
	return out
}
