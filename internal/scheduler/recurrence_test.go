package scheduler

import (
	"testing"
	"time"

	"github.com/ksred/klear-orders/internal/types"
	"github.com/stretchr/testify/assert"
)

func intp(v int) *int { return &v }

func TestNextOccurrence(t *testing.T) {
	// Monday
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		r     types.Recurrence
		day   *int
		after time.Time
		want  time.Time
	}{
		{"daily", types.RecurrenceDaily, nil, base, time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC)},
		{"weekly same weekday", types.RecurrenceWeekly, nil, base, time.Date(2026, 3, 9, 9, 30, 0, 0, time.UTC)},
		{"weekly later weekday", types.RecurrenceWeekly, intp(5), base, time.Date(2026, 3, 6, 9, 30, 0, 0, time.UTC)},
		{"weekly earlier weekday", types.RecurrenceWeekly, intp(0), base, time.Date(2026, 3, 8, 9, 30, 0, 0, time.UTC)},
		{"monthly later day", types.RecurrenceMonthly, intp(15), base, time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)},
		{"monthly passed day", types.RecurrenceMonthly, intp(1), base, time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)},
		{"monthly same day", types.RecurrenceMonthly, nil, base, time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)},
		{"monthly capped", types.RecurrenceMonthly, intp(31), base, time.Date(2026, 3, 28, 9, 30, 0, 0, time.UTC)},
		{
			"monthly capped from month end", types.RecurrenceMonthly, nil,
			time.Date(2026, 1, 31, 9, 30, 0, 0, time.UTC), time.Date(2026, 2, 28, 9, 30, 0, 0, time.UTC),
		},
		{"quarterly", types.RecurrenceQuarterly, nil, base, time.Date(2026, 6, 2, 9, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextOccurrence(tt.r, tt.day, tt.after)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextOccurrence_NotRecurring(t *testing.T) {
	for _, r := range []types.Recurrence{"", types.RecurrenceOnce} {
		_, ok := NextOccurrence(r, nil, time.Now())
		assert.False(t, ok, "recurrence %q", r)
	}
}
