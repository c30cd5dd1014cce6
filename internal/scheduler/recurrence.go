package scheduler

import (
	"time"

	"github.com/ksred/klear-orders/internal/types"
)

// maxMonthDay keeps monthly runs inside every month
const maxMonthDay = 28

// NextOccurrence returns the first occurrence of r strictly after after.
// day is the weekday (0 = Sunday) for weekly schedules and the day of the
// month for monthly ones; nil keeps after's own weekday or day.
func NextOccurrence(r types.Recurrence, day *int, after time.Time) (time.Time, bool) {
	switch r {
	case types.RecurrenceDaily:
		return after.AddDate(0, 0, 1), true

	case types.RecurrenceWeekly:
		target := after.Weekday()
		if day != nil {
			target = time.Weekday(*day)
		}
		ahead := (int(target) - int(after.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		return after.AddDate(0, 0, ahead), true

	case types.RecurrenceMonthly:
		target := after.Day()
		if day != nil {
			target = *day
		}
		if target > maxMonthDay {
			target = maxMonthDay
		}
		next := time.Date(after.Year(), after.Month(), target,
			after.Hour(), after.Minute(), after.Second(), after.Nanosecond(), after.Location())
		if !next.After(after) {
			next = next.AddDate(0, 1, 0)
		}
		return next, true

	case types.RecurrenceQuarterly:
		return after.AddDate(0, 3, 0), true
	}
	return time.Time{}, false
}
