package orders

import (
	"fmt"
	"strings"
	"time"

	"github.com/ksred/klear-orders/internal/types"
	"github.com/shopspring/decimal"
)

// CreateOrderRequest is everything a caller states about a new order. Its
// normalized JSON encoding is the idempotency fingerprint.
type CreateOrderRequest struct {
	SpaceID              string               `json:"space_id"`
	AccountID            string               `json:"account_id"`
	DestinationAccountID string               `json:"destination_account_id,omitempty"`
	Type                 types.OrderType      `json:"type"`
	Amount               decimal.Decimal      `json:"amount"`
	Currency             string               `json:"currency"`
	AssetSymbol          string               `json:"asset_symbol,omitempty"`
	TargetPrice          decimal.NullDecimal  `json:"target_price"`
	MaxSlippage          decimal.NullDecimal  `json:"max_slippage"`
	Priority             types.Priority       `json:"priority,omitempty"`
	Provider             string               `json:"provider"`
	ProviderParams       types.ProviderParams `json:"provider_params"`
	DryRun               bool                 `json:"dry_run"`
	AutoExecute          bool                 `json:"auto_execute"`
	GoalID               string               `json:"goal_id,omitempty"`
	Notes                string               `json:"notes,omitempty"`
	Metadata             map[string]any       `json:"metadata,omitempty"`
	ExpiresAt            *time.Time           `json:"expires_at,omitempty"`

	AdvancedType    types.AdvancedType  `json:"advanced_type,omitempty"`
	StopPrice       decimal.NullDecimal `json:"stop_price"`
	TakeProfitPrice decimal.NullDecimal `json:"take_profit_price"`
	TrailingAmount  decimal.NullDecimal `json:"trailing_amount"`
	TrailingPercent decimal.NullDecimal `json:"trailing_percent"`
	LinkedOrderID   string              `json:"linked_order_id,omitempty"`

	ScheduledFor    *time.Time       `json:"scheduled_for,omitempty"`
	Recurrence      types.Recurrence `json:"recurrence,omitempty"`
	RecurrenceDay   *int             `json:"recurrence_day,omitempty"`
	RecurrenceEndAt *time.Time       `json:"recurrence_end_at,omitempty"`
	MaxExecutions   int              `json:"max_executions,omitempty"`
}

func (r *CreateOrderRequest) normalize() {
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.AssetSymbol = strings.ToUpper(strings.TrimSpace(r.AssetSymbol))
	r.Provider = strings.ToLower(strings.TrimSpace(r.Provider))
	if r.Priority == "" {
		r.Priority = types.PriorityNormal
	}
	if r.ScheduledFor != nil && r.Recurrence == "" {
		r.Recurrence = types.RecurrenceOnce
	}
	for _, t := range []**time.Time{&r.ExpiresAt, &r.ScheduledFor, &r.RecurrenceEndAt} {
		if *t != nil {
			utc := (*t).UTC()
			*t = &utc
		}
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOrder, fmt.Sprintf(format, args...))
}

func positive(d decimal.NullDecimal) bool {
	return d.Valid && d.Decimal.IsPositive()
}

func (r *CreateOrderRequest) validate() error {
	switch {
	case !r.Type.Valid():
		return invalid("unknown order type %q", r.Type)
	case !r.Amount.IsPositive():
		return invalid("amount must be positive")
	case r.Currency == "":
		return invalid("currency is required")
	case r.SpaceID == "" || r.AccountID == "":
		return invalid("space and account are required")
	case r.Provider == "":
		return invalid("provider is required")
	case !r.Priority.Valid():
		return invalid("unknown priority %q", r.Priority)
	case r.Type == types.OrderTypeTransfer && r.DestinationAccountID == "":
		return invalid("transfers require a destination account")
	case r.DestinationAccountID != "" && r.DestinationAccountID == r.AccountID:
		return invalid("destination account must differ from the source account")
	case r.TargetPrice.Valid && !r.TargetPrice.Decimal.IsPositive():
		return invalid("target price must be positive")
	case r.MaxSlippage.Valid && r.MaxSlippage.Decimal.IsNegative():
		return invalid("max slippage cannot be negative")
	}

	if r.AdvancedType != "" {
		if err := r.validateAdvanced(); err != nil {
			return err
		}
	} else if r.LinkedOrderID != "" {
		return invalid("only oco orders may be linked")
	}

	return r.validateSchedule()
}

func (r *CreateOrderRequest) validateAdvanced() error {
	if !r.AdvancedType.Valid() {
		return invalid("unknown advanced type %q", r.AdvancedType)
	}
	if r.AssetSymbol == "" {
		return invalid("advanced orders require an asset symbol")
	}
	if r.ScheduledFor != nil || r.Recurrence != "" {
		return invalid("advanced orders cannot be scheduled")
	}
	if r.LinkedOrderID != "" && r.AdvancedType != types.AdvancedOCO {
		return invalid("only oco orders may be linked")
	}

	switch r.AdvancedType {
	case types.AdvancedStopLoss:
		if !positive(r.StopPrice) {
			return invalid("stop loss requires a positive stop price")
		}
	case types.AdvancedTakeProfit:
		if !positive(r.TakeProfitPrice) {
			return invalid("take profit requires a positive take profit price")
		}
	case types.AdvancedTrailingStop:
		if r.TrailingAmount.Valid == r.TrailingPercent.Valid {
			return invalid("trailing stop requires exactly one of trailing amount or trailing percent")
		}
		if r.TrailingAmount.Valid && !positive(r.TrailingAmount) {
			return invalid("trailing amount must be positive")
		}
		if r.TrailingPercent.Valid {
			p := r.TrailingPercent.Decimal
			if !p.IsPositive() || p.GreaterThanOrEqual(decimal.NewFromInt(100)) {
				return invalid("trailing percent must be between 0 and 100")
			}
		}
	case types.AdvancedOCO:
		if !positive(r.StopPrice) || !positive(r.TakeProfitPrice) {
			return invalid("oco requires both a stop price and a take profit price")
		}
		if !r.StopPrice.Decimal.LessThan(r.TakeProfitPrice.Decimal) {
			return invalid("oco stop price must be below the take profit price")
		}
	}
	return nil
}

func (r *CreateOrderRequest) validateSchedule() error {
	if !r.Recurrence.Valid() {
		return invalid("unknown recurrence %q", r.Recurrence)
	}
	if r.Recurrence == types.RecurrenceOnce && r.ScheduledFor == nil {
		return invalid("one-time schedules require a scheduled instant")
	}
	if r.MaxExecutions < 0 {
		return invalid("max executions cannot be negative")
	}
	if r.RecurrenceDay != nil {
		day := *r.RecurrenceDay
		switch r.Recurrence {
		case types.RecurrenceWeekly:
			if day < 0 || day > 6 {
				return invalid("weekly recurrence day must be 0 (Sunday) to 6")
			}
		case types.RecurrenceMonthly:
			if day < 1 || day > 31 {
				return invalid("monthly recurrence day must be 1 to 31")
			}
		default:
			return invalid("recurrence day only applies to weekly and monthly schedules")
		}
	}
	if r.RecurrenceEndAt != nil && r.ScheduledFor != nil && r.RecurrenceEndAt.Before(*r.ScheduledFor) {
		return invalid("recurrence ends before it starts")
	}
	return nil
}

func (r *CreateOrderRequest) toOrder(userID, idempotencyKey string) *types.Order {
	order := &types.Order{
		SpaceID:              r.SpaceID,
		UserID:               userID,
		AccountID:            r.AccountID,
		DestinationAccountID: r.DestinationAccountID,
		Type:                 r.Type,
		Amount:               r.Amount,
		Currency:             r.Currency,
		AssetSymbol:          r.AssetSymbol,
		TargetPrice:          r.TargetPrice,
		MaxSlippage:          r.MaxSlippage,
		Priority:             r.Priority,
		Provider:             r.Provider,
		ProviderParams:       r.ProviderParams,
		DryRun:               r.DryRun,
		AutoExecute:          r.AutoExecute,
		GoalID:               r.GoalID,
		IdempotencyKey:       idempotencyKey,
		Notes:                r.Notes,
		Metadata:             r.Metadata,

		AdvancedType:    r.AdvancedType,
		StopPrice:       r.StopPrice,
		TakeProfitPrice: r.TakeProfitPrice,
		TrailingAmount:  r.TrailingAmount,
		TrailingPercent: r.TrailingPercent,
		LinkedOrderID:   r.LinkedOrderID,

		ScheduledFor:    r.ScheduledFor,
		Recurrence:      r.Recurrence,
		RecurrenceDay:   r.RecurrenceDay,
		RecurrenceEndAt: r.RecurrenceEndAt,
		MaxExecutions:   r.MaxExecutions,
	}

	if order.IsRecurring() {
		order.NextExecutionAt = r.ScheduledFor
	}
	return order
}

// UpdateOrderRequest is a partial change. Nil fields are left alone.
type UpdateOrderRequest struct {
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	TargetPrice *decimal.Decimal `json:"target_price,omitempty"`
	MaxSlippage *decimal.Decimal `json:"max_slippage,omitempty"`
	Notes       *string          `json:"notes,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

func (r *UpdateOrderRequest) validate() error {
	if r.Amount != nil && !r.Amount.IsPositive() {
		return invalid("amount must be positive")
	}
	if r.TargetPrice != nil && !r.TargetPrice.IsPositive() {
		return invalid("target price must be positive")
	}
	if r.MaxSlippage != nil && r.MaxSlippage.IsNegative() {
		return invalid("max slippage cannot be negative")
	}
	return nil
}
