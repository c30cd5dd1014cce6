package monitor

import (
	"fmt"

	"github.com/ksred/klear-orders/internal/types"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Decision is the outcome of checking one resting order against a price
type Decision struct {
	Trigger bool
	Reason  string
	// Highest is set when a trailing stop's high-water mark moved up
	Highest decimal.NullDecimal
}

// Evaluate checks an advanced order's condition at price. It has no side
// effects; the caller persists Highest and acts on Trigger.
func Evaluate(order *types.Order, price decimal.Decimal) Decision {
	switch order.AdvancedType {
	case types.AdvancedStopLoss:
		return stopLoss(order, price)

	case types.AdvancedTakeProfit:
		return takeProfit(order, price)

	case types.AdvancedTrailingStop:
		highest := price
		if order.HighestPrice.Valid && order.HighestPrice.Decimal.GreaterThan(price) {
			highest = order.HighestPrice.Decimal
		}

		var d Decision
		if !order.HighestPrice.Valid || highest.GreaterThan(order.HighestPrice.Decimal) {
			d.Highest = decimal.NewNullDecimal(highest)
		}

		stop := trailingStop(order, highest)
		if price.LessThanOrEqual(stop) {
			d.Trigger = true
			d.Reason = fmt.Sprintf("trailing stop: price %s fell to %s (high %s)", price, stop, highest)
		}
		return d

	case types.AdvancedOCO:
		if d := stopLoss(order, price); d.Trigger {
			return d
		}
		return takeProfit(order, price)
	}
	return Decision{}
}

func stopLoss(order *types.Order, price decimal.Decimal) Decision {
	if order.StopPrice.Valid && price.LessThanOrEqual(order.StopPrice.Decimal) {
		return Decision{
			Trigger: true,
			Reason:  fmt.Sprintf("stop loss: price %s at or below %s", price, order.StopPrice.Decimal),
		}
	}
	return Decision{}
}

func takeProfit(order *types.Order, price decimal.Decimal) Decision {
	if order.TakeProfitPrice.Valid && price.GreaterThanOrEqual(order.TakeProfitPrice.Decimal) {
		return Decision{
			Trigger: true,
			Reason:  fmt.Sprintf("take profit: price %s at or above %s", price, order.TakeProfitPrice.Decimal),
		}
	}
	return Decision{}
}

// trailingStop is the trigger level below the high-water mark
func trailingStop(order *types.Order, highest decimal.Decimal) decimal.Decimal {
	if order.TrailingAmount.Valid {
		return highest.Sub(order.TrailingAmount.Decimal)
	}
	factor := decimal.NewFromInt(1).Sub(order.TrailingPercent.Decimal.Div(hundred))
	return highest.Mul(factor)
}
