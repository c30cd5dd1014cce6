// Package exchange is a simulated crypto brokerage. Orders are routed across a
// set of mock venues with their own latency, liquidity, reliability and fees.
package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-orders/internal/providers"
	"github.com/ksred/klear-orders/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Venue is one mock trading venue
type Venue struct {
	ID              string
	Name            string
	MinLatency      int     // in milliseconds
	MaxLatency      int
	LiquidityFactor float64 // 0-1, represents available liquidity
	SuccessRate     float64 // 0-1, probability of successful execution
	FeeRate         float64 // fraction of notional
}

var DefaultVenues = []Venue{
	{
		ID:              "EXCH1",
		Name:            "Primary Exchange",
		MinLatency:      5,
		MaxLatency:      30,
		LiquidityFactor: 0.9,
		SuccessRate:     0.95,
		FeeRate:         0.001, // 0.1%
	},
	{
		ID:              "EXCH2",
		Name:            "Secondary Exchange",
		MinLatency:      10,
		MaxLatency:      50,
		LiquidityFactor: 0.7,
		SuccessRate:     0.90,
		FeeRate:         0.0008,
	},
	{
		ID:              "EXCH3",
		Name:            "Regional Exchange",
		MinLatency:      15,
		MaxLatency:      70,
		LiquidityFactor: 0.5,
		SuccessRate:     0.85,
		FeeRate:         0.0005,
	},
	{
		ID:              "EXCH4",
		Name:            "Dark Pool",
		MinLatency:      20,
		MaxLatency:      100,
		LiquidityFactor: 0.3,
		SuccessRate:     0.75,
		FeeRate:         0.0003,
	},
}

// DefaultQuotes are USD reference prices
var DefaultQuotes = map[string]decimal.Decimal{
	"BTC": decimal.NewFromInt(65_000),
	"ETH": decimal.NewFromInt(3_200),
	"SOL": decimal.NewFromInt(150),
}

// USD to currency
var fxRates = map[string]decimal.Decimal{
	"USD": decimal.NewFromInt(1),
	"EUR": decimal.RequireFromString("0.92"),
	"GBP": decimal.RequireFromString("0.79"),
}

const maxRoutingAttempts = 3

type Options struct {
	Venues []Venue
	Quotes map[string]decimal.Decimal
	// Fractional random walk applied to quotes on every price lookup
	PriceJitter float64
	// Fractional variance between the reference price and a venue fill
	FillVariance    float64
	WithdrawalLimit decimal.Decimal
	Rand            *rand.Rand
	// Sleep simulates venue latency. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Adapter struct {
	name            string
	venues          []Venue
	fillVariance    float64
	jitter          float64
	withdrawalLimit decimal.Decimal
	sleep           func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	rng    *rand.Rand
	quotes map[string]decimal.Decimal
}

func New(name string, opts Options) *Adapter {
	if len(opts.Venues) == 0 {
		opts.Venues = DefaultVenues
	}
	if opts.Quotes == nil {
		opts.Quotes = DefaultQuotes
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.WithdrawalLimit.IsZero() {
		opts.WithdrawalLimit = decimal.NewFromInt(50_000)
	}

	quotes := make(map[string]decimal.Decimal, len(opts.Quotes))
	for asset, price := range opts.Quotes {
		quotes[strings.ToUpper(asset)] = price
	}

	return &Adapter{
		name:            name,
		venues:          opts.Venues,
		fillVariance:    opts.FillVariance,
		jitter:          opts.PriceJitter,
		withdrawalLimit: opts.WithdrawalLimit,
		sleep:           opts.Sleep,
		rng:             opts.Rand,
		quotes:          quotes,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() providers.Capabilities {
	a.mu.Lock()
	assets := make([]string, 0, len(a.quotes))
	for asset := range a.quotes {
		assets = append(assets, asset)
	}
	a.mu.Unlock()
	sort.Strings(assets)

	return providers.Capabilities{
		Operations:   []types.OrderType{types.OrderTypeBuy, types.OrderTypeSell, types.OrderTypeWithdraw},
		MarketOrders: true,
		LimitOrders:  true,
		MinAmount:    decimal.NewFromInt(1),
		MaxAmount:    decimal.NewFromInt(1_000_000),
		Currencies:   []string{"EUR", "GBP", "USD"},
		Assets:       assets,
	}
}

func (a *Adapter) randFloat() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Float64()
}

func (a *Adapter) randIntn(n int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Intn(n)
}

// GetMarketPrice returns the current quote for asset in currency. Each lookup
// moves the underlying quote by up to PriceJitter.
func (a *Adapter) GetMarketPrice(ctx context.Context, asset, currency string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	rate, ok := fxRates[strings.ToUpper(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no fx rate for %s", currency)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	asset = strings.ToUpper(asset)
	quote, ok := a.quotes[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("no quote for %s", asset)
	}
	if a.jitter > 0 {
		move := decimal.NewFromFloat(1 + (a.rng.Float64()*2-1)*a.jitter)
		quote = quote.Mul(move)
		a.quotes[asset] = quote
	}

	return quote.Mul(rate).Round(8), nil
}

func (a *Adapter) ValidateOrder(order *types.Order) providers.ValidationResult {
	errs := providers.ValidateCommon(a.Capabilities(), order)

	if order.AssetSymbol == "" && order.Type != types.OrderTypeTransfer && order.Type != types.OrderTypeDeposit {
		errs = append(errs, fmt.Sprintf("%s orders require an asset symbol", order.Type))
	}

	params := order.ProviderParams
	switch params.Kind {
	case types.ParamsNone:
	case types.ParamsExchange:
		if params.Exchange == nil {
			errs = append(errs, "exchange parameters are missing")
			break
		}
		switch params.Exchange.TimeInForce {
		case "", "GTC", "IOC", "FOK":
		default:
			errs = append(errs, fmt.Sprintf("unknown time in force %q", params.Exchange.TimeInForce))
		}
		if params.Exchange.PostOnly && !order.TargetPrice.Valid {
			errs = append(errs, "post-only requires a target price")
		}
	default:
		errs = append(errs, fmt.Sprintf("%s parameters are not accepted by %s", params.Kind, a.name))
	}

	return providers.Validation(errs)
}

// HealthCheck passes while at least one venue can still fill orders
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	for _, v := range a.venues {
		if v.SuccessRate > 0 {
			return true
		}
	}
	return false
}

func (a *Adapter) ExecuteBuy(ctx context.Context, order *types.Order) (*providers.ExecutionResult, error) {
	return a.route(ctx, order)
}

func (a *Adapter) ExecuteSell(ctx context.Context, order *types.Order) (*providers.ExecutionResult, error) {
	return a.route(ctx, order)
}

func (a *Adapter) ExecuteTransfer(ctx context.Context, order *types.Order) (*providers.ExecutionResult, error) {
	return providers.NotSupported(a.name, types.OrderTypeTransfer), nil
}

func (a *Adapter) ExecuteDeposit(ctx context.Context, order *types.Order) (*providers.ExecutionResult, error) {
	return providers.NotSupported(a.name, types.OrderTypeDeposit), nil
}

// ExecuteWithdraw sends assets off-exchange through the primary venue
func (a *Adapter) ExecuteWithdraw(ctx context.Context, order *types.Order) (*providers.ExecutionResult, error) {
	start := time.Now()
	if order.Amount.GreaterThan(a.withdrawalLimit) {
		return providers.Failure(types.CodeAuthorizationDeclined,
			"withdrawal of %s %s exceeds the venue limit of %s", order.Amount, order.Currency, a.withdrawalLimit), nil
	}

	venue := a.venues[0]
	if err := a.sleep(ctx, a.latency(venue)); err != nil {
		return nil, err
	}

	fee := order.Amount.Mul(decimal.NewFromFloat(venue.FeeRate)).Round(8)
	withdrawalID := fmt.Sprintf("WD-%s", uuid.NewString())

	log.Info().
		Str("order_id", order.OrderID).
		Str("venue_id", venue.ID).
		Str("withdrawal_id", withdrawalID).
		Str("amount", order.Amount.String()).
		Msg("withdrawal submitted")

	return &providers.ExecutionResult{
		Success:         true,
		ExecutedAmount:  decimal.NewNullDecimal(order.Amount),
		Fees:            decimal.NewNullDecimal(fee),
		FeeCurrency:     order.Currency,
		ProviderOrderID: withdrawalID,
		RawResponse: map[string]any{
			"venue_id": venue.ID,
			"asset":    order.AssetSymbol,
		},
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

func (a *Adapter) latency(v Venue) time.Duration {
	span := v.MaxLatency - v.MinLatency + 1
	if span <= 0 {
		return time.Duration(v.MinLatency) * time.Millisecond
	}
	return time.Duration(a.randIntn(span)+v.MinLatency) * time.Millisecond
}

// pickVenue selects a venue weighted by liquidity and success rate
func (a *Adapter) pickVenue() Venue {
	totalWeight := 0.0
	for _, v := range a.venues {
		totalWeight += v.LiquidityFactor * v.SuccessRate
	}

	choice := a.randFloat() * totalWeight
	currentWeight := 0.0
	for _, v := range a.venues {
		currentWeight += v.LiquidityFactor * v.SuccessRate
		if currentWeight >= choice {
			return v
		}
	}
	return a.venues[0]
}

type fill struct {
	FillID  string          `json:"fill_id"`
	VenueID string          `json:"venue_id"`
	Amount  decimal.Decimal `json:"amount"`
	Price   decimal.Decimal `json:"price"`
	Fee     decimal.Decimal `json:"fee"`
}

// fillOn tries to fill amount on one venue against the reference price
func (a *Adapter) fillOn(ctx context.Context, v Venue, order *types.Order, amount, ref decimal.Decimal) (*fill, error) {
	logger := log.With().
		Str("venue_id", v.ID).
		Str("order_id", order.OrderID).
		Str("amount", amount.String()).
		Str("type", string(order.Type)).
		Logger()

	if err := a.sleep(ctx, a.latency(v)); err != nil {
		return nil, err
	}

	if a.randFloat() > v.SuccessRate {
		logger.Warn().Float64("success_rate", v.SuccessRate).Msg("venue rejected order")
		return nil, fmt.Errorf("execution failed on venue %s", v.ID)
	}

	variance := decimal.NewFromFloat(1 + (a.randFloat()*2-1)*a.fillVariance)
	price := ref.Mul(variance).Round(8)

	if order.MaxSlippage.Valid && !ref.IsZero() {
		slippage := price.Sub(ref).Abs().Div(ref).Mul(decimal.NewFromInt(100))
		if slippage.GreaterThan(order.MaxSlippage.Decimal) {
			return nil, fmt.Errorf("slippage %s%% on venue %s exceeds bound", slippage.StringFixed(4), v.ID)
		}
	}
	if order.TargetPrice.Valid {
		target := order.TargetPrice.Decimal
		if order.Type == types.OrderTypeBuy && price.GreaterThan(target) {
			return nil, fmt.Errorf("venue %s price %s above limit %s", v.ID, price, target)
		}
		if order.Type == types.OrderTypeSell && price.LessThan(target) {
			return nil, fmt.Errorf("venue %s price %s below limit %s", v.ID, price, target)
		}
	}

	filled := amount
	if a.randFloat() > v.LiquidityFactor {
		filled = amount.Mul(decimal.NewFromFloat(v.LiquidityFactor)).Round(8)
		logger.Debug().
			Float64("liquidity_factor", v.LiquidityFactor).
			Str("filled", filled.String()).
			Msg("fill reduced by liquidity")
		if filled.IsZero() {
			return nil, fmt.Errorf("insufficient liquidity on venue %s", v.ID)
		}
	}

	return &fill{
		FillID:  fmt.Sprintf("FILL-%s-%s", v.ID, uuid.NewString()[:8]),
		VenueID: v.ID,
		Amount:  filled,
		Price:   price,
		Fee:     filled.Mul(decimal.NewFromFloat(v.FeeRate)).Round(8),
	}, nil
}

// route fills the order across up to three venues and reports the
// amount-weighted average price
func (a *Adapter) route(ctx context.Context, order *types.Order) (*providers.ExecutionResult, error) {
	start := time.Now()
	logger := log.With().
		Str("provider", a.name).
		Str("order_id", order.OrderID).
		Str("asset", order.AssetSymbol).
		Str("amount", order.Amount.String()).
		Logger()

	ref, err := a.GetMarketPrice(ctx, order.AssetSymbol, order.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to price %s: %w", order.AssetSymbol, err)
	}

	remaining := order.Amount
	filled := decimal.Zero
	notional := decimal.Zero
	fees := decimal.Zero
	var fills []fill
	var lastErr error

	for i := 0; i < maxRoutingAttempts && remaining.IsPositive(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		venue := a.pickVenue()
		f, err := a.fillOn(ctx, venue, order, remaining, ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn().Err(err).Int("attempt", i+1).Msg("routing attempt failed")
			lastErr = err
			continue
		}

		fills = append(fills, *f)
		filled = filled.Add(f.Amount)
		notional = notional.Add(f.Amount.Mul(f.Price))
		fees = fees.Add(f.Fee)
		remaining = remaining.Sub(f.Amount)
	}

	if len(fills) == 0 {
		return &providers.ExecutionResult{
			ErrorCode:       types.CodeExecutionError,
			ErrorMessage:    fmt.Sprintf("no venue filled the order: %v", lastErr),
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}

	avgPrice := notional.Div(filled).Round(8)
	executionID := fmt.Sprintf("EXEC-%s", uuid.NewString())

	logger.Info().
		Str("execution_id", executionID).
		Str("filled", filled.String()).
		Str("average_price", avgPrice.String()).
		Str("remaining", remaining.String()).
		Int("number_of_fills", len(fills)).
		Msg("cross-venue execution completed")

	return &providers.ExecutionResult{
		Success:         true,
		ExecutedAmount:  decimal.NewNullDecimal(filled),
		ExecutedPrice:   decimal.NewNullDecimal(avgPrice),
		Fees:            decimal.NewNullDecimal(fees),
		FeeCurrency:     order.Currency,
		ProviderOrderID: executionID,
		RawResponse: map[string]any{
			"reference_price": ref.String(),
			"quantity":        filled.Div(avgPrice).Round(8).String(),
			"unfilled":        remaining.String(),
			"fills":           fills,
		},
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}, nil
}
