package booking

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const minutesPerDay = 24 * 60

// ValidationError marks caller input that can never be persisted, as
// opposed to outcomes decided by the store.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

var (
	errInvalidWeekday   = &ValidationError{Msg: "day_of_week must be between 0 (Sunday) and 6 (Saturday)"}
	errInvalidTimeRange = &ValidationError{Msg: "start time must be before end time and within the day"}
	errInvalidTimezone  = &ValidationError{Msg: "invalid timezone"}
	errInvalidEndDate   = &ValidationError{Msg: "end_date must not be before start_date"}
)

// ValidateRule checks the rule's shape before it is offered to the store.
func ValidateRule(rule RecurringRule) error {
	if rule.DayOfWeek < 0 || rule.DayOfWeek > 6 {
		return errInvalidWeekday
	}
	if rule.StartMinute < 0 || rule.EndMinute > minutesPerDay || rule.StartMinute >= rule.EndMinute {
		return errInvalidTimeRange
	}
	if _, err := time.LoadLocation(rule.Timezone); err != nil {
		return errInvalidTimezone
	}
	if rule.EndDate != nil && rule.EndDate.Before(rule.StartDate) {
		return errInvalidEndDate
	}
	return nil
}

// rangesOverlap reports whether two half-open [start,end) minute ranges
// intersect. Touching ranges do not overlap.
func rangesOverlap(aStart, aEnd, bStart, bEnd int) bool {
	return aStart < bEnd && bStart < aEnd
}

// MaterializeSlots expands a weekly rule into candidate slots for every
// matching calendar date in [max(rule.StartDate, from), horizonEnd],
// bounded further by the rule's end date. Times are built as wall clock in
// the rule's timezone and stored in UTC, so a slot lands on the hour the
// doctor configured even across DST shifts.
//
// The result is only a candidate set: creation goes through the store's
// duplicate-skipping insert, which is what makes repeat expansion a no-op.
func MaterializeSlots(rule RecurringRule, from, horizonEnd time.Time) ([]TimeSlot, error) {
	if !rule.Active {
		return nil, nil
	}
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(rule.Timezone)
	if err != nil {
		return nil, errInvalidTimezone
	}

	start := from.In(loc)
	if ruleStart := rule.StartDate.In(loc); ruleStart.After(start) {
		start = ruleStart
	}
	end := horizonEnd.In(loc)
	if rule.EndDate != nil {
		if ruleEnd := rule.EndDate.In(loc); ruleEnd.Before(end) {
			end = ruleEnd
		}
	}

	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	lastDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc)

	ruleID := rule.ID
	var out []TimeSlot
	for ; !day.After(lastDay); day = day.AddDate(0, 0, 1) {
		if int(day.Weekday()) != rule.DayOfWeek {
			continue
		}

		startAt := time.Date(day.Year(), day.Month(), day.Day(),
			rule.StartMinute/60, rule.StartMinute%60, 0, 0, loc)
		endAt := time.Date(day.Year(), day.Month(), day.Day(),
			rule.EndMinute/60, rule.EndMinute%60, 0, 0, loc)

		out = append(out, TimeSlot{
			ID:       uuid.New(),
			DoctorID: rule.DoctorID,
			StartAt:  startAt.UTC(),
			EndAt:    endAt.UTC(),
			Status:   SlotAvailable,
			RuleID:   &ruleID,
		})
	}

	return out, nil
}

// FormatMinute renders minutes-since-midnight as HH:MM for messages and
// event payloads.
func FormatMinute(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
