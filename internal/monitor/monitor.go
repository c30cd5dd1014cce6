// Package monitor watches resting advanced orders and releases them for
// execution once their price condition holds.
package monitor

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/ksred/klear-orders/internal/metrics"
	"github.com/ksred/klear-orders/internal/orders"
	"github.com/ksred/klear-orders/internal/types"
	"github.com/ksred/klear-orders/pkg/clock"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// DefaultInterval is the time between monitor passes
const DefaultInterval = 5 * time.Minute

// Orders is the part of the order service the monitor drives
type Orders interface {
	ListPendingTriggers(ctx context.Context) ([]types.Order, error)
	RecordPriceCheck(ctx context.Context, orderID string, highest decimal.NullDecimal, at time.Time) error
	TriggerOrder(ctx context.Context, orderID, reason string, price decimal.Decimal) (*types.Order, error)
	Execute(ctx context.Context, orderID string) (*types.Order, error)
	FailOrder(ctx context.Context, orderID, code, reason string) error
}

type PriceFeed interface {
	GetMarketPrice(ctx context.Context, asset, currency string) (decimal.Decimal, error)
}

// Summary counts what one pass did
type Summary struct {
	Evaluated int
	Triggered int
	Failed    int
	// Orders left alone because no price was available
	Skipped int
}

type Monitor struct {
	orders   Orders
	feed     PriceFeed
	cache    PriceCache
	clock    clock.Clock
	interval time.Duration
}

func NewMonitor(orderSvc Orders, feed PriceFeed, cache PriceCache, clk clock.Clock, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	if cache == nil {
		cache = NewMemoryPriceCache(clk, DefaultPriceTTL)
	}
	return &Monitor{
		orders:   orderSvc,
		feed:     feed,
		cache:    cache,
		clock:    clk,
		interval: interval,
	}
}

// Start runs a pass every interval until ctx is cancelled
func (m *Monitor) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_monitor").Logger()
	logger.Info().Dur("interval", m.interval).Msg("starting advanced order monitor")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down advanced order monitor")
			return
		case <-ticker.C:
			if _, err := m.Tick(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process pending triggers")
			}
		}
	}
}

type group struct {
	asset    string
	currency string
	orders   []types.Order
}

// Tick evaluates every resting advanced order once. Prices are fetched once
// per (asset, currency). A failure on one order never stops the pass.
func (m *Monitor) Tick(ctx context.Context) (Summary, error) {
	logger := log.With().Str("component", "order_monitor").Logger()
	started := time.Now()
	defer func() {
		metrics.MonitorTickDuration.Observe(time.Since(started).Seconds())
	}()

	var summary Summary
	pending, err := m.orders.ListPendingTriggers(ctx)
	if err != nil {
		return summary, err
	}
	if len(pending) == 0 {
		return summary, nil
	}
	logger.Debug().Int("pending_count", len(pending)).Msg("evaluating advanced orders")

	groups := make(map[string]*group)
	for _, o := range pending {
		key := cacheKey(o.AssetSymbol, o.Currency)
		g, ok := groups[key]
		if !ok {
			g = &group{asset: strings.ToUpper(o.AssetSymbol), currency: strings.ToUpper(o.Currency)}
			groups[key] = g
		}
		g.orders = append(g.orders, o)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// OCO siblings cancelled earlier in this pass
	cancelled := make(map[string]bool)

	for _, key := range keys {
		g := groups[key]
		price, err := m.price(ctx, g.asset, g.currency)
		if err != nil {
			logger.Warn().Err(err).
				Str("asset", g.asset).
				Str("currency", g.currency).
				Int("orders", len(g.orders)).
				Msg("no price available, skipping orders")
			summary.Skipped += len(g.orders)
			continue
		}

		for i := range g.orders {
			order := &g.orders[i]
			if cancelled[order.OrderID] {
				continue
			}
			summary.Evaluated++

			decision := Evaluate(order, price)
			if !decision.Trigger {
				if err := m.orders.RecordPriceCheck(ctx, order.OrderID, decision.Highest, m.clock.Now()); err != nil {
					logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to record price check")
				}
				continue
			}

			if m.fire(ctx, order, decision, price) {
				summary.Triggered++
				if order.LinkedOrderID != "" {
					cancelled[order.LinkedOrderID] = true
				}
			} else {
				summary.Failed++
			}
		}
	}

	if summary.Triggered > 0 || summary.Failed > 0 {
		logger.Info().
			Int("evaluated", summary.Evaluated).
			Int("triggered", summary.Triggered).
			Int("failed", summary.Failed).
			Int("skipped", summary.Skipped).
			Msg("monitor pass complete")
	}
	return summary, nil
}

// fire triggers and executes one order. It reports whether the trigger was
// carried through to an execution attempt.
func (m *Monitor) fire(ctx context.Context, order *types.Order, decision Decision, price decimal.Decimal) bool {
	logger := log.With().
		Str("component", "order_monitor").
		Str("order_id", order.OrderID).
		Str("advanced_type", string(order.AdvancedType)).
		Logger()

	if _, err := m.orders.TriggerOrder(ctx, order.OrderID, decision.Reason, price); err != nil {
		if errors.Is(err, orders.ErrInvalidState) {
			logger.Debug().Err(err).Msg("order left pending_trigger before it could fire")
			return false
		}
		m.fail(ctx, order.OrderID, "trigger failed: "+err.Error())
		return false
	}

	executed, err := m.orders.Execute(ctx, order.OrderID)
	switch {
	case errors.Is(err, orders.ErrOrderExpired):
		logger.Info().Msg("triggered order had expired")
		return true
	case err != nil:
		m.fail(ctx, order.OrderID, "execution failed: "+err.Error())
		return false
	case executed.Status == types.StatusFailed:
		// The provider's code stays on the order, unlike scheduled runs
		logger.Warn().
			Str("reason", decision.Reason).
			Str("failure_code", executed.FailureCode).
			Msg("advanced order triggered but the provider rejected it")
		return true
	}

	logger.Info().
		Str("reason", decision.Reason).
		Str("status", string(executed.Status)).
		Msg("advanced order triggered and executed")
	return true
}

func (m *Monitor) fail(ctx context.Context, orderID, reason string) {
	if err := m.orders.FailOrder(ctx, orderID, types.CodeTriggerExecutionFailed, reason); err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("failed to mark order failed")
	}
}

// price reads through the cache to the feed
func (m *Monitor) price(ctx context.Context, asset, currency string) (decimal.Decimal, error) {
	price, ok, err := m.cache.Get(ctx, asset, currency)
	switch {
	case err != nil:
		metrics.PriceCacheLookups.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("asset", asset).Msg("price cache read failed")
	case ok:
		metrics.PriceCacheLookups.WithLabelValues("hit").Inc()
		return price, nil
	default:
		metrics.PriceCacheLookups.WithLabelValues("miss").Inc()
	}

	price, err = m.feed.GetMarketPrice(ctx, asset, currency)
	if err != nil {
		return decimal.Zero, err
	}
	if err := m.cache.Set(ctx, asset, currency, price); err != nil {
		log.Warn().Err(err).Str("asset", asset).Msg("price cache write failed")
	}
	return price, nil
}
