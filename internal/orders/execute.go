package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-orders/internal/audit"
	"github.com/ksred/klear-orders/internal/metrics"
	"github.com/ksred/klear-orders/internal/providers"
	"github.com/ksred/klear-orders/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type execOptions struct {
	// Replaces the provider error code on the order when set
	failureCode string
	next        NextFunc
}

// ExecuteOrder runs an order owned by userID. Recurring orders are refused;
// they only run through ExecuteScheduled.
func (s *Service) ExecuteOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, order, execOptions{})
}

// Execute runs an order on behalf of the engine itself
func (s *Service) Execute(ctx context.Context, orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return s.execute(ctx, order, execOptions{})
}

// ExecuteScheduled runs a due scheduled order. After a successful run next
// decides whether the order is re-armed or finished; a failed run fails the
// order with SCHEDULED_EXECUTION_FAILED.
func (s *Service) ExecuteScheduled(ctx context.Context, orderID string, next NextFunc) (*types.Order, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return s.execute(ctx, order, execOptions{
		failureCode: types.CodeScheduledExecutionFailed,
		next:        next,
	})
}

// execute drives one attempt: pending_execution -> executing -> outcome.
// Provider failures come back as a failed order with a nil error. The error
// is only set when the order could not be executed at all, or when
// bookkeeping broke, in which case the failure is persisted first.
func (s *Service) execute(ctx context.Context, order *types.Order, opts execOptions) (*types.Order, error) {
	logger := log.With().
		Str("order_id", order.OrderID).
		Str("provider", order.Provider).
		Bool("dry_run", order.DryRun).
		Logger()

	if order.Status != types.StatusPendingExecution {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidState, order.Status)
	}
	// Only the scheduler knows how to re-arm a series
	if order.IsRecurring() && opts.next == nil {
		return nil, fmt.Errorf("%w: recurring orders run on their schedule", ErrInvalidState)
	}

	now := s.clock.Now()
	if order.Expired(now) {
		return s.reject(ctx, order, now)
	}

	attempt, err := s.claim(ctx, order, now)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("attempt", attempt.AttemptNumber).Msg("executing order")

	started := time.Now()
	result := s.run(ctx, order)
	elapsed := time.Since(started)

	outcome := "success"
	if !result.Success {
		outcome = "failure"
		metrics.ExecutionFailures.WithLabelValues(result.ErrorCode).Inc()
	}
	metrics.ExecutionDuration.WithLabelValues(order.Provider, outcome).Observe(elapsed.Seconds())

	// Persistence must happen even if the caller has gone away
	persistCtx := context.WithoutCancel(ctx)

	updated, err := s.finish(persistCtx, order, attempt, result, opts, elapsed)
	if err != nil {
		logger.Error().Err(err).Msg("failed to record execution outcome")
		return s.failUnexpected(persistCtx, order, attempt, err)
	}

	if result.Success {
		if err := s.limits.Consume(persistCtx, updated, updated.ExecutedAmount.Decimal); err != nil {
			logger.Error().Err(err).Msg("failed to book executed amount against limits")
		}
		s.record(persistCtx, "order.executed", updated, audit.SeverityHigh, map[string]any{
			"attempt":           attempt.AttemptNumber,
			"executed_amount":   updated.ExecutedAmount.Decimal.String(),
			"provider_order_id": updated.ProviderOrderID,
			"status":            updated.Status,
		})
		logger.Info().
			Str("status", string(updated.Status)).
			Str("executed_amount", updated.ExecutedAmount.Decimal.String()).
			Msg("order executed")
	} else {
		s.record(persistCtx, "order.execution_failed", updated, audit.SeverityHigh, map[string]any{
			"attempt":       attempt.AttemptNumber,
			"error_code":    result.ErrorCode,
			"error_message": result.ErrorMessage,
		})
		logger.Warn().
			Str("error_code", result.ErrorCode).
			Str("error_message", result.ErrorMessage).
			Msg("order execution failed")
	}

	return updated, nil
}

// reject retires an order whose expiry has passed without calling a provider
func (s *Service) reject(ctx context.Context, order *types.Order, now time.Time) (*types.Order, error) {
	ok, err := s.db.Transition(ctx, order.OrderID,
		[]types.OrderStatus{types.StatusPendingExecution},
		&types.Order{Status: types.StatusRejected, RejectedAt: &now, FailureReason: "order expired before execution"},
		"status", "rejected_at", "failure_reason")
	if err != nil {
		return nil, fmt.Errorf("failed to reject expired order: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: order changed before execution", ErrInvalidState)
	}

	order.Status = types.StatusRejected
	order.RejectedAt = &now
	order.FailureReason = "order expired before execution"
	metrics.OrderTransitions.WithLabelValues(string(types.StatusRejected)).Inc()

	s.record(ctx, "order.rejected", order, audit.SeverityMedium, map[string]any{
		"expires_at": order.ExpiresAt,
	})
	log.Info().Str("order_id", order.OrderID).Msg("order expired, rejected")
	return order, ErrOrderExpired
}

// claim moves the order to executing and opens an attempt, atomically. Only
// one caller can win the claim for a given order.
func (s *Service) claim(ctx context.Context, order *types.Order, now time.Time) (*types.ExecutionAttempt, error) {
	var attempt *types.ExecutionAttempt

	err := s.db.Transaction(ctx, func(tx *Database) error {
		ok, err := tx.Transition(ctx, order.OrderID,
			[]types.OrderStatus{types.StatusPendingExecution},
			&types.Order{Status: types.StatusExecuting, ExecutingAt: &now},
			"status", "executing_at")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: order is already being executed", ErrInvalidState)
		}

		number, err := tx.NextAttemptNumber(ctx, order.OrderID)
		if err != nil {
			return err
		}
		attempt = &types.ExecutionAttempt{
			AttemptID:     uuid.New().String(),
			OrderID:       order.OrderID,
			AttemptNumber: number,
			Status:        types.AttemptExecuting,
			Provider:      order.Provider,
			StartedAt:     now,
		}
		return tx.CreateAttempt(ctx, attempt)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to start execution: %w", err)
	}

	order.Status = types.StatusExecuting
	order.ExecutingAt = &now
	metrics.OrderTransitions.WithLabelValues(string(types.StatusExecuting)).Inc()
	return attempt, nil
}

// run produces a result for the order and never panics
func (s *Service) run(ctx context.Context, order *types.Order) (result *providers.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("order_id", order.OrderID).Msg("provider panicked")
			result = providers.Failure(types.CodeProviderError, "provider panicked: %v", r)
		}
	}()

	if order.DryRun {
		return s.simulate(ctx, order)
	}

	adapter, err := s.providers.Get(order.Provider)
	if errors.Is(err, providers.ErrManualProvider) {
		return providers.Failure(types.CodeNotSupported, "manual orders are executed outside the engine")
	}
	if err != nil {
		return providers.Failure(types.CodeProviderError, "%v", err)
	}

	validation := adapter.ValidateOrder(order)
	if !validation.Valid {
		return providers.Failure(types.CodeValidationError, "%s", strings.Join(validation.Errors, "; "))
	}

	result, err = dispatch(ctx, adapter, order)
	switch {
	case err != nil:
		return providers.Failure(types.CodeProviderError, "%v", err)
	case result == nil:
		return providers.Failure(types.CodeProviderError, "provider returned no result")
	case !result.Success && result.ErrorCode == "":
		result.ErrorCode = types.CodeExecutionError
	}
	return result
}

func dispatch(ctx context.Context, adapter providers.Adapter, order *types.Order) (*providers.ExecutionResult, error) {
	switch order.Type {
	case types.OrderTypeBuy:
		return adapter.ExecuteBuy(ctx, order)
	case types.OrderTypeSell:
		return adapter.ExecuteSell(ctx, order)
	case types.OrderTypeTransfer:
		return adapter.ExecuteTransfer(ctx, order)
	case types.OrderTypeDeposit:
		return adapter.ExecuteDeposit(ctx, order)
	case types.OrderTypeWithdraw:
		return adapter.ExecuteWithdraw(ctx, order)
	}
	return providers.Failure(types.CodeValidationError, "unknown order type %q", order.Type), nil
}

// simulate fills a dry-run order in full at the reference price moved by a
// random slippage against the order, less a flat-rate fee
func (s *Service) simulate(ctx context.Context, order *types.Order) *providers.ExecutionResult {
	ref := order.TargetPrice
	if !ref.Valid && order.AssetSymbol != "" && s.prices != nil {
		price, err := s.prices.GetMarketPrice(ctx, order.AssetSymbol, order.Currency)
		if err == nil {
			ref = decimal.NewNullDecimal(price)
		} else {
			log.Debug().Err(err).Str("order_id", order.OrderID).Msg("no reference price for dry run")
		}
	}

	slippage := decimal.NewFromFloat(s.randFloat() * s.cfg.DryRunMaxSlippage).Round(6)
	raw := map[string]any{
		"dry_run":      true,
		"slippage_pct": slippage.Mul(decimal.NewFromInt(100)).String(),
	}

	var price decimal.NullDecimal
	if ref.Valid {
		factor := decimal.NewFromInt(1).Add(slippage)
		if order.Type == types.OrderTypeSell || order.Type == types.OrderTypeWithdraw {
			factor = decimal.NewFromInt(1).Sub(slippage)
		}
		price = decimal.NewNullDecimal(ref.Decimal.Mul(factor).Round(8))
		raw["reference_price"] = ref.Decimal.String()
	}

	return &providers.ExecutionResult{
		Success:         true,
		ExecutedAmount:  decimal.NewNullDecimal(order.Amount),
		ExecutedPrice:   price,
		Fees:            decimal.NewNullDecimal(order.Amount.Mul(s.cfg.DryRunFeeRate).Round(8)),
		FeeCurrency:     order.Currency,
		ProviderOrderID: "DRYRUN-" + uuid.New().String(),
		RawResponse:     raw,
	}
}

// finish records the result on the attempt and the order in one transaction
func (s *Service) finish(ctx context.Context, order *types.Order, attempt *types.ExecutionAttempt, result *providers.ExecutionResult, opts execOptions, elapsed time.Duration) (*types.Order, error) {
	now := s.clock.Now()

	attempt.CompletedAt = &now
	attempt.DurationMs = elapsed.Milliseconds()
	if result.ExecutionTimeMs > attempt.DurationMs {
		attempt.DurationMs = result.ExecutionTimeMs
	}
	attempt.ExecutedAmount = result.ExecutedAmount
	attempt.ExecutedPrice = result.ExecutedPrice
	attempt.Fees = result.Fees
	attempt.FeeCurrency = result.FeeCurrency
	attempt.ProviderOrderID = result.ProviderOrderID
	attempt.RawResponse = result.RawResponse

	updated := *order
	var columns []string

	if result.Success {
		attempt.Status = types.AttemptCompleted

		updated.ExecutedAmount = result.ExecutedAmount
		updated.ExecutedPrice = result.ExecutedPrice
		updated.Fees = result.Fees
		updated.FeeCurrency = result.FeeCurrency
		updated.ProviderOrderID = result.ProviderOrderID
		updated.RawResponse = result.RawResponse
		updated.ExecutionCount++
		columns = []string{"status", "executed_amount", "executed_price", "fees", "fee_currency",
			"provider_order_id", "raw_response", "execution_count", "next_execution_at", "completed_at"}

		// next sees the occurrence that just ran in NextExecutionAt
		var nextAt *time.Time
		if opts.next != nil {
			if at, more := opts.next(&updated); more {
				at = at.UTC()
				nextAt = &at
			}
		}
		if nextAt != nil {
			updated.Status = types.StatusPendingExecution
			updated.CompletedAt = nil
		} else {
			updated.Status = types.StatusCompleted
			updated.CompletedAt = &now
		}
		updated.NextExecutionAt = nextAt
	} else {
		attempt.Status = types.AttemptFailed
		attempt.ErrorCode = result.ErrorCode
		attempt.ErrorMessage = result.ErrorMessage

		updated.Status = types.StatusFailed
		updated.FailedAt = &now
		updated.FailureCode = result.ErrorCode
		updated.FailureReason = result.ErrorMessage
		if opts.failureCode != "" {
			updated.FailureCode = opts.failureCode
			updated.FailureReason = fmt.Sprintf("%s: %s", result.ErrorCode, result.ErrorMessage)
		}
		columns = []string{"status", "failed_at", "failure_code", "failure_reason"}
	}

	err := s.db.Transaction(ctx, func(tx *Database) error {
		if err := tx.UpdateAttempt(ctx, attempt); err != nil {
			return fmt.Errorf("failed to update attempt: %w", err)
		}
		ok, err := tx.Transition(ctx, order.OrderID,
			[]types.OrderStatus{types.StatusExecuting}, &updated, columns...)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		if !ok {
			return errors.New("order left executing while its attempt was running")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrderTransitions.WithLabelValues(string(updated.Status)).Inc()
	return &updated, nil
}

// failUnexpected persists an UNEXPECTED_ERROR outcome after bookkeeping broke,
// then reports the original cause
func (s *Service) failUnexpected(ctx context.Context, order *types.Order, attempt *types.ExecutionAttempt, cause error) (*types.Order, error) {
	now := s.clock.Now()
	message := cause.Error()

	attempt.Status = types.AttemptFailed
	attempt.ErrorCode = types.CodeUnexpectedError
	attempt.ErrorMessage = message
	attempt.CompletedAt = &now

	failed := *order
	failed.Status = types.StatusFailed
	failed.FailedAt = &now
	failed.FailureCode = types.CodeUnexpectedError
	failed.FailureReason = message

	err := s.db.Transaction(ctx, func(tx *Database) error {
		if err := tx.UpdateAttempt(ctx, attempt); err != nil {
			return err
		}
		_, err := tx.Transition(ctx, order.OrderID,
			[]types.OrderStatus{types.StatusExecuting}, &failed,
			"status", "failed_at", "failure_code", "failure_reason")
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to persist unexpected execution failure")
	} else {
		metrics.OrderTransitions.WithLabelValues(string(types.StatusFailed)).Inc()
		metrics.ExecutionFailures.WithLabelValues(types.CodeUnexpectedError).Inc()
	}

	s.record(ctx, "order.execution_failed", &failed, audit.SeverityCritical, map[string]any{
		"attempt":    attempt.AttemptNumber,
		"error_code": types.CodeUnexpectedError,
		"error":      message,
	})
	return &failed, fmt.Errorf("%w: %v", ErrUnexpected, cause)
}

// ListPendingTriggers returns every advanced order waiting on a price condition
func (s *Service) ListPendingTriggers(ctx context.Context) ([]types.Order, error) {
	return s.db.ListPendingTriggers(ctx)
}

// ListDue returns scheduled orders ready to run at now
func (s *Service) ListDue(ctx context.Context, now time.Time) ([]types.Order, error) {
	return s.db.ListDue(ctx, now)
}

// RecordPriceCheck stamps a resting order with the time of its latest
// evaluation and, for trailing stops, the highest price seen so far
func (s *Service) RecordPriceCheck(ctx context.Context, orderID string, highest decimal.NullDecimal, at time.Time) error {
	patch := &types.Order{LastPriceCheckAt: &at}
	columns := []string{"last_price_check_at"}
	if highest.Valid {
		patch.HighestPrice = highest
		columns = append(columns, "highest_price")
	}

	_, err := s.db.Transition(ctx, orderID,
		[]types.OrderStatus{types.StatusPendingTrigger}, patch, columns...)
	return err
}

// TriggerOrder releases a resting advanced order for execution and cancels
// its OCO sibling in the same transaction
func (s *Service) TriggerOrder(ctx context.Context, orderID, reason string, price decimal.Decimal) (*types.Order, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}

	now := s.clock.Now()
	var sibling *types.Order

	err = s.db.Transaction(ctx, func(tx *Database) error {
		patch := &types.Order{
			Status:           types.StatusPendingExecution,
			TriggeredAt:      &now,
			TriggerReason:    reason,
			TriggerPrice:     decimal.NewNullDecimal(price),
			LastPriceCheckAt: &now,
		}
		ok, err := tx.Transition(ctx, orderID,
			[]types.OrderStatus{types.StatusPendingTrigger}, patch,
			"status", "triggered_at", "trigger_reason", "trigger_price", "last_price_check_at")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: order is no longer waiting on a trigger", ErrInvalidState)
		}

		if order.LinkedOrderID == "" {
			return nil
		}
		ok, err = tx.Transition(ctx, order.LinkedOrderID,
			[]types.OrderStatus{types.StatusPendingVerification, types.StatusPendingTrigger},
			&types.Order{
				Status:        types.StatusCancelled,
				CancelledAt:   &now,
				FailureReason: fmt.Sprintf("linked order %s triggered", orderID),
			},
			"status", "cancelled_at", "failure_reason")
		if err != nil {
			return err
		}
		if ok {
			sibling, err = tx.GetOrder(ctx, order.LinkedOrderID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	order.Status = types.StatusPendingExecution
	order.TriggeredAt = &now
	order.TriggerReason = reason
	order.TriggerPrice = decimal.NewNullDecimal(price)
	order.LastPriceCheckAt = &now

	metrics.OrderTransitions.WithLabelValues(string(types.StatusPendingExecution)).Inc()
	metrics.TriggersFired.WithLabelValues(string(order.AdvancedType)).Inc()
	s.record(ctx, "order.triggered", order, audit.SeverityMedium, map[string]any{
		"reason": reason,
		"price":  price.String(),
	})

	if sibling != nil {
		metrics.OrderTransitions.WithLabelValues(string(types.StatusCancelled)).Inc()
		s.record(ctx, "order.cancelled", sibling, audit.SeverityMedium, map[string]any{
			"reason": "linked order triggered",
		})
	}

	log.Info().
		Str("order_id", orderID).
		Str("reason", reason).
		Str("price", price.String()).
		Str("cancelled_sibling", order.LinkedOrderID).
		Msg("advanced order triggered")
	return order, nil
}

// FailOrder fails an order that a background driver could not carry through
func (s *Service) FailOrder(ctx context.Context, orderID, code, reason string) error {
	now := s.clock.Now()
	ok, err := s.db.Transition(ctx, orderID,
		[]types.OrderStatus{types.StatusPendingTrigger, types.StatusPendingExecution},
		&types.Order{Status: types.StatusFailed, FailedAt: &now, FailureCode: code, FailureReason: reason},
		"status", "failed_at", "failure_code", "failure_reason")
	if err != nil {
		return fmt.Errorf("failed to fail order: %w", err)
	}

	logger := log.With().Str("order_id", orderID).Str("code", code).Logger()
	if !ok {
		logger.Debug().Msg("order already left its resting state, nothing to fail")
		return nil
	}

	metrics.OrderTransitions.WithLabelValues(string(types.StatusFailed)).Inc()
	if order, err := s.db.GetOrder(ctx, orderID); err == nil && order != nil {
		s.record(ctx, "order.failed", order, audit.SeverityHigh, map[string]any{
			"code":   code,
			"reason": reason,
		})
	}
	logger.Warn().Str("reason", reason).Msg("order failed by background driver")
	return nil
}
