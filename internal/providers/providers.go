// Package providers defines the boundary between the order engine and the
// external venues that execute orders.
//
// Adapters declare what they can do through Capabilities. Operations an
// adapter does not support return a NOT_SUPPORTED result rather than an error,
// and pre-flight validation reports human-readable problems instead of failing.
package providers

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ksred/klear-orders/internal/types"
	"github.com/shopspring/decimal"
)

// ErrUnsupported is returned by GetMarketPrice on adapters that never quote prices
var ErrUnsupported = errors.New("operation not supported by provider")

// Capabilities is the static descriptor an adapter publishes
type Capabilities struct {
	Operations   []types.OrderType `json:"operations"`
	MarketOrders bool              `json:"market_orders"`
	LimitOrders  bool              `json:"limit_orders"`
	MinAmount    decimal.Decimal   `json:"min_amount"`
	// Zero means unbounded
	MaxAmount  decimal.Decimal `json:"max_amount"`
	Currencies []string        `json:"currencies"`
	// Empty means the adapter does not deal in assets
	Assets []string `json:"assets"`
}

func (c Capabilities) Supports(op types.OrderType) bool {
	return slices.Contains(c.Operations, op)
}

func (c Capabilities) SupportsCurrency(currency string) bool {
	return slices.Contains(c.Currencies, strings.ToUpper(currency))
}

func (c Capabilities) SupportsAsset(asset string) bool {
	return slices.Contains(c.Assets, strings.ToUpper(asset))
}

// ExecutionResult is the structured outcome of one provider call
type ExecutionResult struct {
	Success         bool                `json:"success"`
	ExecutedAmount  decimal.NullDecimal `json:"executed_amount"`
	ExecutedPrice   decimal.NullDecimal `json:"executed_price"`
	Fees            decimal.NullDecimal `json:"fees"`
	FeeCurrency     string              `json:"fee_currency,omitempty"`
	ProviderOrderID string              `json:"provider_order_id,omitempty"`
	ErrorCode       string              `json:"error_code,omitempty"`
	ErrorMessage    string              `json:"error_message,omitempty"`
	RawResponse     map[string]any      `json:"raw_response,omitempty"`
	ExecutionTimeMs int64               `json:"execution_time_ms"`
}

// Failure builds an unsuccessful result
func Failure(code, format string, args ...any) *ExecutionResult {
	return &ExecutionResult{
		Success:      false,
		ErrorCode:    code,
		ErrorMessage: fmt.Sprintf(format, args...),
	}
}

// NotSupported is the result of an operation the adapter does not offer
func NotSupported(provider string, op types.OrderType) *ExecutionResult {
	return Failure(types.CodeNotSupported, "%s does not support %s orders", provider, op)
}

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Adapter executes orders against one external venue
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	ExecuteBuy(ctx context.Context, order *types.Order) (*ExecutionResult, error)
	ExecuteSell(ctx context.Context, order *types.Order) (*ExecutionResult, error)
	ExecuteTransfer(ctx context.Context, order *types.Order) (*ExecutionResult, error)
	ExecuteDeposit(ctx context.Context, order *types.Order) (*ExecutionResult, error)
	ExecuteWithdraw(ctx context.Context, order *types.Order) (*ExecutionResult, error)
	// GetMarketPrice returns ErrUnsupported on adapters that never quote
	GetMarketPrice(ctx context.Context, asset, currency string) (decimal.Decimal, error)
	ValidateOrder(order *types.Order) ValidationResult
	HealthCheck(ctx context.Context) bool
}

// ValidateCommon runs the checks every adapter shares: currency support,
// amount bounds, asset support, pricing mode and transfer destination
func ValidateCommon(caps Capabilities, order *types.Order) []string {
	var errs []string

	if !caps.SupportsCurrency(order.Currency) {
		errs = append(errs, fmt.Sprintf("currency %s is not supported", order.Currency))
	}
	if order.Amount.LessThan(caps.MinAmount) {
		errs = append(errs, fmt.Sprintf("amount %s is below the minimum of %s", order.Amount, caps.MinAmount))
	}
	if !caps.MaxAmount.IsZero() && order.Amount.GreaterThan(caps.MaxAmount) {
		errs = append(errs, fmt.Sprintf("amount %s exceeds the maximum of %s", order.Amount, caps.MaxAmount))
	}
	if order.AssetSymbol != "" && len(caps.Assets) > 0 && !caps.SupportsAsset(order.AssetSymbol) {
		errs = append(errs, fmt.Sprintf("asset %s is not supported", order.AssetSymbol))
	}
	if order.TargetPrice.Valid && !caps.LimitOrders {
		errs = append(errs, "limit orders are not supported")
	}
	if !order.TargetPrice.Valid && (order.Type == types.OrderTypeBuy || order.Type == types.OrderTypeSell) && !caps.MarketOrders {
		errs = append(errs, "market orders are not supported")
	}
	if order.Type == types.OrderTypeTransfer && order.DestinationAccountID == "" {
		errs = append(errs, "transfers require a destination account")
	}

	return errs
}

// Validation wraps a list of problems into a ValidationResult
func Validation(errs []string) ValidationResult {
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
