// Package scheduler runs one-time and recurring orders when they fall due.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ksred/klear-orders/internal/metrics"
	"github.com/ksred/klear-orders/internal/orders"
	"github.com/ksred/klear-orders/internal/types"
	"github.com/ksred/klear-orders/pkg/clock"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is the time between scheduler passes
const DefaultInterval = time.Hour

// Orders is the part of the order service the scheduler drives
type Orders interface {
	ListDue(ctx context.Context, now time.Time) ([]types.Order, error)
	ExecuteScheduled(ctx context.Context, orderID string, next orders.NextFunc) (*types.Order, error)
	FailOrder(ctx context.Context, orderID, code, reason string) error
}

// Sweeper removes stale housekeeping records, such as expired idempotency keys
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type Summary struct {
	Due       int
	Completed int
	Rearmed   int
	Failed    int
	Expired   int
}

type Scheduler struct {
	orders   Orders
	sweeper  Sweeper
	clock    clock.Clock
	interval time.Duration
}

// NewScheduler builds a scheduler. sweeper may be nil.
func NewScheduler(orderSvc Orders, sweeper Sweeper, clk clock.Clock, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		orders:   orderSvc,
		sweeper:  sweeper,
		clock:    clk,
		interval: interval,
	}
}

// Start runs a pass every interval until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_scheduler").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting order scheduler")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down order scheduler")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process due orders")
			}
		}
	}
}

// Tick executes every due order, highest priority first
func (s *Scheduler) Tick(ctx context.Context) (Summary, error) {
	logger := log.With().Str("component", "order_scheduler").Logger()

	var summary Summary
	due, err := s.orders.ListDue(ctx, s.clock.Now())
	if err != nil {
		return summary, err
	}
	summary.Due = len(due)

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].Priority.Rank() > due[j].Priority.Rank()
	})

	for _, order := range due {
		outcome := s.run(ctx, &order)
		metrics.ScheduledRuns.WithLabelValues(outcome).Inc()
		switch outcome {
		case "completed":
			summary.Completed++
		case "rearmed":
			summary.Rearmed++
		case "expired":
			summary.Expired++
		case "failed":
			summary.Failed++
		}
	}

	if summary.Due > 0 {
		logger.Info().
			Int("due", summary.Due).
			Int("completed", summary.Completed).
			Int("rearmed", summary.Rearmed).
			Int("failed", summary.Failed).
			Int("expired", summary.Expired).
			Msg("scheduler pass complete")
	}

	s.sweep(ctx)
	return summary, nil
}

func (s *Scheduler) run(ctx context.Context, order *types.Order) string {
	logger := log.With().
		Str("component", "order_scheduler").
		Str("order_id", order.OrderID).
		Str("recurrence", string(order.Recurrence)).
		Logger()

	executed, err := s.orders.ExecuteScheduled(ctx, order.OrderID, s.Next)
	switch {
	case errors.Is(err, orders.ErrOrderExpired):
		logger.Info().Msg("scheduled order expired before it ran")
		return "expired"
	case errors.Is(err, orders.ErrInvalidState):
		logger.Debug().Err(err).Msg("order was picked up elsewhere")
		return "skipped"
	case err != nil:
		logger.Error().Err(err).Msg("scheduled execution failed")
		if ferr := s.orders.FailOrder(ctx, order.OrderID, types.CodeScheduledExecutionFailed, err.Error()); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to mark order failed")
		}
		return "failed"
	}

	switch executed.Status {
	case types.StatusPendingExecution:
		logger.Info().Time("next_execution_at", *executed.NextExecutionAt).Msg("recurring order re-armed")
		return "rearmed"
	case types.StatusCompleted:
		return "completed"
	default:
		return "failed"
	}
}

// Next is the orders.NextFunc for scheduled runs. A series ends once it has
// run MaxExecutions times or its next occurrence falls past RecurrenceEndAt.
// Occurrences missed while the engine was down are skipped, not replayed.
func (s *Scheduler) Next(order *types.Order) (time.Time, bool) {
	if !order.IsRecurring() {
		return time.Time{}, false
	}
	if order.MaxExecutions > 0 && order.ExecutionCount >= order.MaxExecutions {
		return time.Time{}, false
	}

	base := s.clock.Now()
	if order.NextExecutionAt != nil {
		base = *order.NextExecutionAt
	} else if order.ScheduledFor != nil {
		base = *order.ScheduledFor
	}

	now := s.clock.Now()
	next, ok := NextOccurrence(order.Recurrence, order.RecurrenceDay, base)
	for ok && !next.After(now) {
		next, ok = NextOccurrence(order.Recurrence, order.RecurrenceDay, next)
	}
	if !ok {
		return time.Time{}, false
	}
	if order.RecurrenceEndAt != nil && next.After(*order.RecurrenceEndAt) {
		return time.Time{}, false
	}
	return next, true
}

func (s *Scheduler) sweep(ctx context.Context) {
	if s.sweeper == nil {
		return
	}
	removed, err := s.sweeper.Sweep(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to sweep expired idempotency keys")
		return
	}
	if removed > 0 {
		log.Debug().Int64("removed", removed).Msg("swept expired idempotency keys")
	}
}
