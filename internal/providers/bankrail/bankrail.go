// Package bankrail is a simulated bank payment rail for moving cash between
// accounts. It never quotes prices.
package bankrail

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-orders/internal/providers"
	"github.com/ksred/klear-orders/internal/types"
	"github.com/ksred/klear-orders/pkg/clock"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	SpeedStandard = "standard"
	SpeedSameDay  = "same_day"

	maxMemoLength = 140
)

var (
	standardFee = decimal.RequireFromString("0.25")
	sameDayFee  = decimal.NewFromInt(5)
)

type Options struct {
	Clock clock.Clock
	// Deposits and withdrawals above this are declined by the bank
	AuthorizationLimit decimal.Decimal
	// Probe reports rail liveness. Nil means always up.
	Probe func(ctx context.Context) error
}

type Adapter struct {
	name      string
	clock     clock.Clock
	authLimit decimal.Decimal
	probe     func(ctx context.Context) error
}

func New(name string, opts Options) *Adapter {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.AuthorizationLimit.IsZero() {
		opts.AuthorizationLimit = decimal.NewFromInt(25_000)
	}
	return &Adapter{
		name:      name,
		clock:     opts.Clock,
		authLimit: opts.AuthorizationLimit,
		probe:     opts.Probe,
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		Operations: []types.OrderType{types.OrderTypeTransfer, types.OrderTypeDeposit, types.OrderTypeWithdraw},
		MinAmount:  decimal.NewFromInt(1),
		MaxAmount:  decimal.NewFromInt(250_000),
		Currencies: []string{"EUR", "GBP", "USD"},
	}
}

func (a *Adapter) GetMarketPrice(ctx context.Context, asset, currency string) (decimal.Decimal, error) {
	return decimal.Zero, providers.ErrUnsupported
}

func (a *Adapter) ValidateOrder(order *types.Order) providers.ValidationResult {
	errs := providers.ValidateCommon(a.Capabilities(), order)

	if order.AssetSymbol != "" {
		errs = append(errs, "bank transfers do not carry assets")
	}
	if order.Type == types.OrderTypeTransfer && order.DestinationAccountID != "" && order.DestinationAccountID == order.AccountID {
		errs = append(errs, "destination account must differ from the source account")
	}

	params := order.ProviderParams
	switch params.Kind {
	case types.ParamsNone:
	case types.ParamsBankRail:
		if params.BankRail == nil {
			errs = append(errs, "bank rail parameters are missing")
			break
		}
		switch params.BankRail.Speed {
		case "", SpeedStandard, SpeedSameDay:
		default:
			errs = append(errs, fmt.Sprintf("unknown transfer speed %q", params.BankRail.Speed))
		}
		if len(params.BankRail.Memo) > maxMemoLength {
			errs = append(errs, fmt.Sprintf("memo exceeds %d characters", maxMemoLength))
		}
	default:
		errs = append(errs, fmt.Sprintf("%s parameters are not accepted by %s", params.Kind, a.name))
	}

	return providers.Validation(errs)
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	if a.probe == nil {
		return ctx.Err() == nil
	}
	if err := a.probe(ctx); err != nil {
		log.Warn().Err(err).Str("provider", a.name).Msg("bank rail probe failed")
		return false
	}
	return true
}

func (a *Adapter) ExecuteBuy(ctx context.Context, order *types.Order) (*providers.ExecutionResult, error) {
	return providers.NotSupported(a.name, types.OrderTypeBuy), nil
}

func (a *Adapter) ExecuteSell(ctx context.Context, order *types.Order) (*providers.ExecutionResult, error) {
	return providers.NotSupported(a.name, types.OrderTypeSell), nil
}

// ExecuteTransfer moves cash between two accounts on the same ledger. Internal
// transfers are free and settle immediately.
func (a *Adapter) ExecuteTransfer(ctx context.Context, order *types.Order) (*providers.ExecutionResult, error) {
	return a.submit(ctx, order, "book", decimal.Zero, a.clock.Now())
}

func (a *Adapter) ExecuteDeposit(ctx context.Context, order *types.Order) (*providers.ExecutionResult, error) {
	if order.Amount.GreaterThan(a.authLimit) {
		return a.declined(order), nil
	}
	return a.submit(ctx, order, "ach_debit", decimal.Zero, a.settlement(order))
}

func (a *Adapter) ExecuteWithdraw(ctx context.Context, order *types.Order) (*providers.ExecutionResult, error) {
	if order.Amount.GreaterThan(a.authLimit) {
		return a.declined(order), nil
	}
	fee := standardFee
	if speed(order) == SpeedSameDay {
		fee = sameDayFee
	}
	return a.submit(ctx, order, "ach_credit", fee, a.settlement(order))
}

func (a *Adapter) declined(order *types.Order) *providers.ExecutionResult {
	return providers.Failure(types.CodeAuthorizationDeclined,
		"%s of %s %s exceeds the authorization limit", order.Type, order.Amount, order.Currency)
}

func speed(order *types.Order) string {
	if p := order.ProviderParams.BankRail; p != nil && p.Speed != "" {
		return p.Speed
	}
	return SpeedStandard
}

// settlement estimates when funds land: same day, or two days out
func (a *Adapter) settlement(order *types.Order) time.Time {
	now := a.clock.Now()
	if speed(order) == SpeedSameDay {
		return now
	}
	return now.AddDate(0, 0, 2)
}

func (a *Adapter) submit(ctx context.Context, order *types.Order, rail string, fee decimal.Decimal, settlesAt time.Time) (*providers.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := a.clock.Now()

	traceID := fmt.Sprintf("TRC-%s", uuid.NewString())
	raw := map[string]any{
		"rail":       rail,
		"speed":      speed(order),
		"settles_at": settlesAt.Format(time.RFC3339),
	}
	if p := order.ProviderParams.BankRail; p != nil && p.Memo != "" {
		raw["memo"] = p.Memo
	}

	log.Info().
		Str("provider", a.name).
		Str("order_id", order.OrderID).
		Str("trace_id", traceID).
		Str("rail", rail).
		Str("amount", order.Amount.String()).
		Msg("bank payment submitted")

	return &providers.ExecutionResult{
		Success:         true,
		ExecutedAmount:  decimal.NewNullDecimal(order.Amount),
		Fees:            decimal.NewNullDecimal(fee),
		FeeCurrency:     order.Currency,
		ProviderOrderID: traceID,
		RawResponse:     raw,
		ExecutionTimeMs: a.clock.Now().Sub(start).Milliseconds(),
	}, nil
}
