package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ksred/klear-orders/internal/accounts"
	"github.com/ksred/klear-orders/internal/audit"
	"github.com/ksred/klear-orders/internal/database/dbtest"
	"github.com/ksred/klear-orders/internal/idempotency"
	"github.com/ksred/klear-orders/internal/limits"
	"github.com/ksred/klear-orders/internal/orders"
	"github.com/ksred/klear-orders/internal/providers"
	"github.com/ksred/klear-orders/internal/stepup"
	"github.com/ksred/klear-orders/internal/types"
	"github.com/ksred/klear-orders/pkg/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *orders.Service
	gate      *idempotency.Gate
	clock     *clock.Fixed
	accountID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.New(t)
	clk := clock.NewFixed(t0)

	accts := accounts.NewService(db)
	require.NoError(t, accts.AddMember(ctx, "space1", "user1"))
	account, err := accts.OpenAccount(ctx, "space1", "Main", "USD", decimal.NewFromInt(100_000))
	require.NoError(t, err)

	gate := idempotency.NewGate(db, clk, 0)
	svc := orders.NewService(db, orders.Dependencies{
		Gate:      gate,
		Accounts:  accts,
		Limits:    limits.NewValidator(db, accts, clk),
		StepUp:    stepup.NewVerifier(db, stepup.NewTOTPOracle(clk), stepup.PlainSecrets{}, decimal.NewFromInt(10_000)),
		Providers: providers.NewRegistry(nil),
		Audit:     &audit.Recorder{},
		Clock:     clk,
	}, orders.Config{})

	return &fixture{svc: svc, gate: gate, clock: clk, accountID: account.AccountID}
}

func (f *fixture) schedule(t *testing.T, key string, mutate func(r *orders.CreateOrderRequest)) *types.Order {
	t.Helper()
	req := orders.CreateOrderRequest{
		SpaceID:     "space1",
		AccountID:   f.accountID,
		Type:        types.OrderTypeBuy,
		Amount:      decimal.NewFromInt(100),
		Currency:    "USD",
		AssetSymbol: "BTC",
		Provider:    "exchange",
		DryRun:      true,
	}
	mutate(&req)
	order, err := f.svc.CreateOrder(context.Background(), "user1", key, req)
	require.NoError(t, err)
	return order
}

func (f *fixture) get(t *testing.T, orderID string) *types.Order {
	t.Helper()
	order, err := f.svc.GetOrder(context.Background(), "user1", orderID)
	require.NoError(t, err)
	return order
}

func TestTick_MonthlySeriesCompletesAfterMaxExecutions(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.svc, f.gate, f.clock, 0)
	ctx := context.Background()

	start := t0.Add(time.Hour)
	order := f.schedule(t, "monthly", func(r *orders.CreateOrderRequest) {
		r.ScheduledFor = &start
		r.Recurrence = types.RecurrenceMonthly
		r.RecurrenceDay = intp(2)
		r.MaxExecutions = 3
	})

	summary, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Due, "not yet due")

	wantNext := []time.Time{
		time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC),
	}
	f.clock.Set(start)
	for i := 0; i < 2; i++ {
		summary, err = s.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, Summary{Due: 1, Rearmed: 1}, summary)

		stored := f.get(t, order.OrderID)
		assert.Equal(t, types.StatusPendingExecution, stored.Status)
		assert.Equal(t, i+1, stored.ExecutionCount)
		require.NotNil(t, stored.NextExecutionAt)
		assert.True(t, stored.NextExecutionAt.Equal(wantNext[i]), "run %d next %s", i+1, stored.NextExecutionAt)

		f.clock.Set(*stored.NextExecutionAt)
	}

	summary, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Due: 1, Completed: 1}, summary)

	stored := f.get(t, order.OrderID)
	assert.Equal(t, types.StatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.ExecutionCount)
	assert.Nil(t, stored.NextExecutionAt)

	f.clock.Advance(90 * 24 * time.Hour)
	summary, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Due, "completed series are never rescheduled")
}

func TestTick_OneTimeOrder(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.svc, nil, f.clock, 0)

	at := t0.Add(30 * time.Minute)
	order := f.schedule(t, "once", func(r *orders.CreateOrderRequest) { r.ScheduledFor = &at })

	f.clock.Set(at)
	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Due: 1, Completed: 1}, summary)
	assert.Equal(t, types.StatusCompleted, f.get(t, order.OrderID).Status)
}

func TestTick_ExpiredOneTimeOrder(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.svc, nil, f.clock, 0)

	at := t0.Add(30 * time.Minute)
	order := f.schedule(t, "once", func(r *orders.CreateOrderRequest) { r.ScheduledFor = &at })

	f.clock.Set(at.Add(orders.DefaultTTL))
	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Due: 1, Expired: 1}, summary)
	assert.Equal(t, types.StatusRejected, f.get(t, order.OrderID).Status)
}

func TestTick_RecurrenceEndStopsSeries(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.svc, nil, f.clock, 0)

	end := t0.Add(36 * time.Hour)
	start := t0
	order := f.schedule(t, "daily", func(r *orders.CreateOrderRequest) {
		r.ScheduledFor = &start
		r.Recurrence = types.RecurrenceDaily
		r.RecurrenceEndAt = &end
	})

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rearmed)

	f.clock.Advance(24 * time.Hour)
	summary, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed, "the next occurrence would fall past the end")
	assert.Equal(t, types.StatusCompleted, f.get(t, order.OrderID).Status)
}

func TestNext_SkipsMissedOccurrences(t *testing.T) {
	clk := clock.NewFixed(t0.Add(3*24*time.Hour + time.Hour))
	s := NewScheduler(nil, nil, clk, 0)

	ran := t0
	next, ok := s.Next(&types.Order{
		Recurrence:      types.RecurrenceDaily,
		NextExecutionAt: &ran,
		ExecutionCount:  1,
	})
	require.True(t, ok)
	assert.Equal(t, t0.Add(4*24*time.Hour), next)
}

// scriptedOrders returns canned due orders and execution results
type scriptedOrders struct {
	due      []types.Order
	executed []string
	results  map[string]error
	failed   map[string]string
}

func (s *scriptedOrders) ListDue(ctx context.Context, now time.Time) ([]types.Order, error) {
	return s.due, nil
}

func (s *scriptedOrders) ExecuteScheduled(ctx context.Context, orderID string, next orders.NextFunc) (*types.Order, error) {
	s.executed = append(s.executed, orderID)
	if err := s.results[orderID]; err != nil {
		return nil, err
	}
	return &types.Order{OrderID: orderID, Status: types.StatusCompleted}, nil
}

func (s *scriptedOrders) FailOrder(ctx context.Context, orderID, code, reason string) error {
	s.failed[orderID] = code
	return nil
}

type countingSweeper struct{ calls int }

func (c *countingSweeper) Sweep(ctx context.Context) (int64, error) {
	c.calls++
	return 2, nil
}

func TestTick_PriorityOrderAndFailures(t *testing.T) {
	scripted := &scriptedOrders{
		due: []types.Order{
			{OrderID: "low", Priority: types.PriorityLow},
			{OrderID: "normal-1", Priority: types.PriorityNormal},
			{OrderID: "critical", Priority: types.PriorityCritical},
			{OrderID: "normal-2", Priority: types.PriorityNormal},
			{OrderID: "high", Priority: types.PriorityHigh},
		},
		results: map[string]error{
			"normal-2": errors.New("database is locked"),
			"high":     orders.ErrInvalidState,
		},
		failed: map[string]string{},
	}
	sweeper := &countingSweeper{}
	s := NewScheduler(scripted, sweeper, clock.NewFixed(t0), 0)

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"critical", "high", "normal-1", "normal-2", "low"}, scripted.executed)
	assert.Equal(t, Summary{Due: 5, Completed: 3, Failed: 1}, summary)
	assert.Equal(t, map[string]string{"normal-2": types.CodeScheduledExecutionFailed}, scripted.failed)
	assert.Equal(t, 1, sweeper.calls)
}
