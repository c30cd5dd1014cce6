package monitor

import (
	"context"
	"errors"
	"sync"
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

// staticFeed quotes from a map and counts lookups
type staticFeed struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  int
}

func (f *staticFeed) GetMarketPrice(ctx context.Context, asset, currency string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	p, ok := f.prices[cacheKey(asset, currency)]
	if !ok {
		return decimal.Zero, errors.New("no quote")
	}
	return p, nil
}

func (f *staticFeed) set(asset string, price int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[cacheKey(asset, "USD")] = d(price)
}

type fixture struct {
	svc       *orders.Service
	feed      *staticFeed
	monitor   *Monitor
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
	account, err := accts.OpenAccount(ctx, "space1", "Main", "USD", d(100_000))
	require.NoError(t, err)

	svc := orders.NewService(db, orders.Dependencies{
		Gate:      idempotency.NewGate(db, clk, 0),
		Accounts:  accts,
		Limits:    limits.NewValidator(db, accts, clk),
		StepUp:    stepup.NewVerifier(db, stepup.NewTOTPOracle(clk), stepup.PlainSecrets{}, d(10_000)),
		Providers: providers.NewRegistry(nil),
		Audit:     &audit.Recorder{},
		Clock:     clk,
	}, orders.Config{})

	feed := &staticFeed{prices: map[string]decimal.Decimal{}}
	return &fixture{
		svc:       svc,
		feed:      feed,
		monitor:   NewMonitor(svc, feed, NewMemoryPriceCache(clk, time.Minute), clk, 0),
		clock:     clk,
		accountID: account.AccountID,
	}
}

func (f *fixture) advanced(t *testing.T, key string, mutate func(r *orders.CreateOrderRequest)) *types.Order {
	t.Helper()
	req := orders.CreateOrderRequest{
		SpaceID:     "space1",
		AccountID:   f.accountID,
		Type:        types.OrderTypeBuy,
		Amount:      d(500),
		Currency:    "USD",
		AssetSymbol: "BTC",
		Provider:    "exchange",
		DryRun:      true,
	}
	mutate(&req)
	order, err := f.svc.CreateOrder(context.Background(), "user1", key, req)
	require.NoError(t, err)
	require.Equal(t, types.StatusPendingTrigger, order.Status)
	return order
}

func (f *fixture) status(t *testing.T, orderID string) *types.Order {
	t.Helper()
	order, err := f.svc.GetOrder(context.Background(), "user1", orderID)
	require.NoError(t, err)
	return order
}

func TestTick_StopLossTriggersAndExecutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.advanced(t, "sl", func(r *orders.CreateOrderRequest) {
		r.AdvancedType = types.AdvancedStopLoss
		r.StopPrice = nd(100)
	})

	f.feed.set("BTC", 105)
	summary, err := f.monitor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Evaluated: 1}, summary)

	stored := f.status(t, order.OrderID)
	assert.Equal(t, types.StatusPendingTrigger, stored.Status)
	require.NotNil(t, stored.LastPriceCheckAt, "every evaluation is stamped")

	// The cached 105 is still fresh
	f.feed.set("BTC", 95)
	summary, err = f.monitor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Triggered)
	assert.Equal(t, 1, f.feed.calls)

	f.clock.Advance(2 * time.Minute)
	summary, err = f.monitor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Triggered)

	stored = f.status(t, order.OrderID)
	assert.Equal(t, types.StatusCompleted, stored.Status)
	assert.True(t, stored.TriggerPrice.Decimal.Equal(d(95)))
	assert.Contains(t, stored.TriggerReason, "stop loss")
	require.NotNil(t, stored.TriggeredAt)
}

func TestTick_TrailingStopPersistsHigh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.advanced(t, "ts", func(r *orders.CreateOrderRequest) {
		r.AdvancedType = types.AdvancedTrailingStop
		r.TrailingAmount = nd(10)
	})

	for _, price := range []int64{100, 130, 125} {
		f.feed.set("BTC", price)
		f.clock.Advance(2 * time.Minute)
		_, err := f.monitor.Tick(ctx)
		require.NoError(t, err)
	}

	stored := f.status(t, order.OrderID)
	assert.Equal(t, types.StatusPendingTrigger, stored.Status)
	require.True(t, stored.HighestPrice.Valid)
	assert.True(t, stored.HighestPrice.Decimal.Equal(d(130)))

	f.feed.set("BTC", 119)
	f.clock.Advance(2 * time.Minute)
	summary, err := f.monitor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Triggered)
	assert.Equal(t, types.StatusCompleted, f.status(t, order.OrderID).Status)
}

func TestTick_OCOFiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	oco := func(linked string) func(r *orders.CreateOrderRequest) {
		return func(r *orders.CreateOrderRequest) {
			r.AdvancedType = types.AdvancedOCO
			r.StopPrice = nd(90)
			r.TakeProfitPrice = nd(110)
			r.LinkedOrderID = linked
		}
	}
	first := f.advanced(t, "oco-1", oco(""))
	second := f.advanced(t, "oco-2", oco(first.OrderID))

	f.feed.set("BTC", 120)
	summary, err := f.monitor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Triggered)
	assert.Equal(t, 0, summary.Failed)

	a, b := f.status(t, first.OrderID), f.status(t, second.OrderID)
	statuses := []types.OrderStatus{a.Status, b.Status}
	assert.ElementsMatch(t, []types.OrderStatus{types.StatusCompleted, types.StatusCancelled}, statuses)
}

func TestTick_MissingPriceSkipsGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	btc := f.advanced(t, "btc", func(r *orders.CreateOrderRequest) {
		r.AdvancedType = types.AdvancedTakeProfit
		r.TakeProfitPrice = nd(100)
	})
	eth := f.advanced(t, "eth", func(r *orders.CreateOrderRequest) {
		r.AssetSymbol = "ETH"
		r.AdvancedType = types.AdvancedTakeProfit
		r.TakeProfitPrice = nd(100)
	})

	f.feed.set("ETH", 150)
	summary, err := f.monitor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Evaluated: 1, Triggered: 1, Skipped: 1}, summary)

	assert.Equal(t, types.StatusPendingTrigger, f.status(t, btc.OrderID).Status)
	assert.Nil(t, f.status(t, btc.OrderID).LastPriceCheckAt)
	assert.Equal(t, types.StatusCompleted, f.status(t, eth.OrderID).Status)
}

// failingOrders wraps a real service and breaks execution
type failingOrders struct {
	*orders.Service
}

func (failingOrders) Execute(ctx context.Context, orderID string) (*types.Order, error) {
	return nil, errors.New("execution backend unavailable")
}

func TestTick_ExecutionFailureFailsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.advanced(t, "sl", func(r *orders.CreateOrderRequest) {
		r.AdvancedType = types.AdvancedStopLoss
		r.StopPrice = nd(100)
	})

	m := NewMonitor(failingOrders{f.svc}, f.feed, nil, f.clock, time.Minute)
	f.feed.set("BTC", 90)
	summary, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	stored := f.status(t, order.OrderID)
	assert.Equal(t, types.StatusFailed, stored.Status)
	assert.Equal(t, types.CodeTriggerExecutionFailed, stored.FailureCode)
}

func TestTick_ProviderFailureKeepsProviderCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.advanced(t, "sl-manual", func(r *orders.CreateOrderRequest) {
		r.AdvancedType = types.AdvancedStopLoss
		r.StopPrice = nd(100)
		r.Provider = types.ManualProvider
		r.DryRun = false
	})

	f.feed.set("BTC", 90)
	summary, err := f.monitor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Evaluated: 1, Triggered: 1}, summary)

	stored := f.status(t, order.OrderID)
	assert.Equal(t, types.StatusFailed, stored.Status)
	assert.Equal(t, types.CodeNotSupported, stored.FailureCode, "provider failures are not relabelled")
	assert.NotEmpty(t, stored.TriggerReason)
	require.NotNil(t, stored.TriggeredAt)
	assert.True(t, stored.TriggerPrice.Decimal.Equal(d(90)))
}

func TestStart_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	m := NewMonitor(f.svc, f.feed, nil, f.clock, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
