package exchange

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/ksred/klear-orders/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

var reliableVenue = Venue{
	ID:              "TEST1",
	Name:            "Test Venue",
	LiquidityFactor: 1,
	SuccessRate:     1,
	FeeRate:         0.001,
}

func newTestAdapter(opts Options) *Adapter {
	if opts.Venues == nil {
		opts.Venues = []Venue{reliableVenue}
	}
	opts.Rand = rand.New(rand.NewSource(42))
	opts.Sleep = noSleep
	return New("exchange", opts)
}

func buyOrder(amount int64) *types.Order {
	return &types.Order{
		OrderID:     "order-1",
		Type:        types.OrderTypeBuy,
		Amount:      decimal.NewFromInt(amount),
		Currency:    "USD",
		AssetSymbol: "BTC",
	}
}

func TestExecuteBuy_FullFill(t *testing.T) {
	a := newTestAdapter(Options{})

	result, err := a.ExecuteBuy(context.Background(), buyOrder(500))
	require.NoError(t, err)
	require.True(t, result.Success, result.ErrorMessage)

	assert.True(t, result.ExecutedAmount.Decimal.Equal(decimal.NewFromInt(500)))
	assert.True(t, result.ExecutedPrice.Decimal.Equal(decimal.NewFromInt(65_000)))
	assert.True(t, result.Fees.Decimal.Equal(decimal.RequireFromString("0.5")), "fees = %s", result.Fees.Decimal)
	assert.Equal(t, "USD", result.FeeCurrency)
	assert.NotEmpty(t, result.ProviderOrderID)
	assert.Len(t, result.RawResponse["fills"], 1)
}

func TestExecuteBuy_NoVenueFills(t *testing.T) {
	a := newTestAdapter(Options{Venues: []Venue{{ID: "DOWN", SuccessRate: 0, LiquidityFactor: 1}}})

	result, err := a.ExecuteBuy(context.Background(), buyOrder(500))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, types.CodeExecutionError, result.ErrorCode)
	assert.False(t, a.HealthCheck(context.Background()))
}

func TestExecuteBuy_LimitPriceNotReached(t *testing.T) {
	a := newTestAdapter(Options{})
	order := buyOrder(500)
	order.TargetPrice = decimal.NewNullDecimal(decimal.NewFromInt(60_000))

	result, err := a.ExecuteBuy(context.Background(), order)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, types.CodeExecutionError, result.ErrorCode)
}

func TestExecuteSell_LimitPriceReached(t *testing.T) {
	a := newTestAdapter(Options{})
	order := buyOrder(500)
	order.Type = types.OrderTypeSell
	order.TargetPrice = decimal.NewNullDecimal(decimal.NewFromInt(60_000))

	result, err := a.ExecuteSell(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, result.Success, result.ErrorMessage)
}

func TestExecuteBuy_SlippageBound(t *testing.T) {
	a := newTestAdapter(Options{FillVariance: 0.02})
	order := buyOrder(500)
	order.MaxSlippage = decimal.NewNullDecimal(decimal.Zero)

	result, err := a.ExecuteBuy(context.Background(), order)
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestExecuteBuy_CancelledContext(t *testing.T) {
	a := newTestAdapter(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.ExecuteBuy(ctx, buyOrder(500))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnsupportedOperations(t *testing.T) {
	a := newTestAdapter(Options{})
	ctx := context.Background()

	result, err := a.ExecuteTransfer(ctx, buyOrder(10))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, types.CodeNotSupported, result.ErrorCode)

	result, err = a.ExecuteDeposit(ctx, buyOrder(10))
	require.NoError(t, err)
	assert.Equal(t, types.CodeNotSupported, result.ErrorCode)
}

func TestExecuteWithdraw(t *testing.T) {
	a := newTestAdapter(Options{WithdrawalLimit: decimal.NewFromInt(1000)})
	ctx := context.Background()

	order := buyOrder(800)
	order.Type = types.OrderTypeWithdraw
	result, err := a.ExecuteWithdraw(ctx, order)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.ExecutedAmount.Decimal.Equal(decimal.NewFromInt(800)))

	order.Amount = decimal.NewFromInt(1001)
	result, err = a.ExecuteWithdraw(ctx, order)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, types.CodeAuthorizationDeclined, result.ErrorCode)
}

func TestGetMarketPrice(t *testing.T) {
	a := newTestAdapter(Options{})
	ctx := context.Background()

	usd, err := a.GetMarketPrice(ctx, "btc", "USD")
	require.NoError(t, err)
	assert.True(t, usd.Equal(decimal.NewFromInt(65_000)))

	eur, err := a.GetMarketPrice(ctx, "BTC", "EUR")
	require.NoError(t, err)
	assert.True(t, eur.Equal(decimal.NewFromInt(59_800)), "eur = %s", eur)

	_, err = a.GetMarketPrice(ctx, "DOGE", "USD")
	assert.Error(t, err)
}

func TestGetMarketPrice_JitterStaysBounded(t *testing.T) {
	a := newTestAdapter(Options{PriceJitter: 0.01})
	ctx := context.Background()

	prev := decimal.NewFromInt(65_000)
	for i := 0; i < 20; i++ {
		price, err := a.GetMarketPrice(ctx, "BTC", "USD")
		require.NoError(t, err)
		move := price.Sub(prev).Abs().Div(prev)
		assert.True(t, move.LessThanOrEqual(decimal.RequireFromString("0.0100001")), "move = %s", move)
		prev = price
	}
}

func TestValidateOrder(t *testing.T) {
	a := newTestAdapter(Options{})

	tests := []struct {
		name   string
		mutate func(o *types.Order)
		valid  bool
	}{
		{"plain market buy", func(o *types.Order) {}, true},
		{"unsupported currency", func(o *types.Order) { o.Currency = "JPY" }, false},
		{"below minimum", func(o *types.Order) { o.Amount = decimal.RequireFromString("0.5") }, false},
		{"above maximum", func(o *types.Order) { o.Amount = decimal.NewFromInt(2_000_000) }, false},
		{"unknown asset", func(o *types.Order) { o.AssetSymbol = "DOGE" }, false},
		{"missing asset", func(o *types.Order) { o.AssetSymbol = "" }, false},
		{"bank rail params", func(o *types.Order) {
			o.ProviderParams = types.ProviderParams{Kind: types.ParamsBankRail, BankRail: &types.BankRailParams{}}
		}, false},
		{"unknown time in force", func(o *types.Order) {
			o.ProviderParams = types.ProviderParams{Kind: types.ParamsExchange, Exchange: &types.ExchangeParams{TimeInForce: "DAY"}}
		}, false},
		{"post only without target", func(o *types.Order) {
			o.ProviderParams = types.ProviderParams{Kind: types.ParamsExchange, Exchange: &types.ExchangeParams{PostOnly: true}}
		}, false},
		{"post only limit order", func(o *types.Order) {
			o.TargetPrice = decimal.NewNullDecimal(decimal.NewFromInt(60_000))
			o.ProviderParams = types.ProviderParams{Kind: types.ParamsExchange, Exchange: &types.ExchangeParams{TimeInForce: "GTC", PostOnly: true}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := buyOrder(500)
			tt.mutate(order)
			result := a.ValidateOrder(order)
			assert.Equal(t, tt.valid, result.Valid, result.Errors)
			if !tt.valid {
				assert.NotEmpty(t, result.Errors)
			}
		})
	}
}
