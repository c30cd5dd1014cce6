// Package orders owns the order state machine. Every state change of an order
// is written here; the monitor and scheduler only call into this package.
package orders

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-orders/internal/audit"
	"github.com/ksred/klear-orders/internal/idempotency"
	"github.com/ksred/klear-orders/internal/metrics"
	"github.com/ksred/klear-orders/internal/providers"
	"github.com/ksred/klear-orders/internal/types"
	"github.com/ksred/klear-orders/pkg/clock"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DefaultTTL is how long an immediate order stays executable
const DefaultTTL = 24 * time.Hour

var (
	ErrOrderNotFound  = fmt.Errorf("%w: order not found", types.ErrNotFound)
	ErrInvalidState   = fmt.Errorf("%w: operation not allowed in the order's current state", types.ErrBadRequest)
	ErrOrderExpired   = fmt.Errorf("%w: order has expired", types.ErrBadRequest)
	ErrInvalidOrder   = fmt.Errorf("%w: invalid order", types.ErrBadRequest)
	ErrMissingKey     = fmt.Errorf("%w: idempotency key is required", types.ErrBadRequest)
	ErrStepUpRequired = fmt.Errorf("%w: change requires re-verification", types.ErrBadRequest)
	ErrUnexpected     = errors.New("unexpected execution error")
)

type AccountResolver interface {
	Resolve(ctx context.Context, userID, spaceID, accountID string) (*types.Account, error)
}

type LimitChecker interface {
	Check(ctx context.Context, order *types.Order) error
	Consume(ctx context.Context, order *types.Order, executed decimal.Decimal) error
}

type StepUpPolicy interface {
	Required(ctx context.Context, userID string, orderType types.OrderType, amount decimal.Decimal) (bool, error)
	Verify(ctx context.Context, userID, code string) error
	Threshold() decimal.Decimal
}

type ProviderResolver interface {
	Get(name string) (providers.Adapter, error)
}

type PriceFeed interface {
	GetMarketPrice(ctx context.Context, asset, currency string) (decimal.Decimal, error)
}

// Enqueuer hands an order to asynchronous execution without blocking
type Enqueuer interface {
	Enqueue(orderID string) error
}

// NextFunc decides what follows a successful scheduled run. It sees the order
// with its execution count already incremented and NextExecutionAt still on
// the occurrence that ran, and returns the next execution instant, or false
// when the series is finished.
type NextFunc func(order *types.Order) (time.Time, bool)

type Dependencies struct {
	Gate      *idempotency.Gate
	Accounts  AccountResolver
	Limits    LimitChecker
	StepUp    StepUpPolicy
	Providers ProviderResolver
	// Reference prices for dry-run fills. Optional.
	Prices PriceFeed
	Audit  audit.Sink
	Clock  clock.Clock
	// Optional. Without a queue, auto-execute is left to explicit calls.
	Queue Enqueuer
}

type Config struct {
	DefaultTTL    time.Duration
	DryRunFeeRate decimal.Decimal
	// Upper bound of simulated dry-run slippage, as a fraction
	DryRunMaxSlippage float64
}

// Service handles order lifecycle operations
type Service struct {
	db        *Database
	gate      *idempotency.Gate
	accounts  AccountResolver
	limits    LimitChecker
	stepUp    StepUpPolicy
	providers ProviderResolver
	prices    PriceFeed
	audit     audit.Sink
	clock     clock.Clock
	queue     Enqueuer
	cfg       Config

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewService(gormDB *gorm.DB, deps Dependencies, cfg Config) *Service {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.DryRunFeeRate.IsZero() {
		cfg.DryRunFeeRate = decimal.RequireFromString("0.001")
	}
	if cfg.DryRunMaxSlippage <= 0 {
		cfg.DryRunMaxSlippage = 0.03
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewLogSink()
	}

	return &Service{
		db:        NewDatabase(gormDB),
		gate:      deps.Gate,
		accounts:  deps.Accounts,
		limits:    deps.Limits,
		stepUp:    deps.StepUp,
		providers: deps.Providers,
		prices:    deps.Prices,
		audit:     deps.Audit,
		clock:     deps.Clock,
		queue:     deps.Queue,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CreateOrder runs the creation pipeline: idempotency, ownership, limits and
// the step-up decision, then persists the order with its idempotency record.
// Replaying a key with the same request returns the original order untouched.
func (s *Service) CreateOrder(ctx context.Context, userID, idempotencyKey string, req CreateOrderRequest) (*types.Order, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, ErrMissingKey
	}

	req.normalize()
	if err := req.validate(); err != nil {
		return nil, err
	}

	logger := log.With().
		Str("user_id", userID).
		Str("idempotency_key", idempotencyKey).
		Str("type", string(req.Type)).
		Str("amount", req.Amount.String()).
		Logger()

	fingerprint, err := idempotency.Fingerprint(struct {
		UserID  string             `json:"user_id"`
		Request CreateOrderRequest `json:"request"`
	}{userID, req})
	if err != nil {
		return nil, err
	}

	if existing, err := s.replay(ctx, idempotencyKey, fingerprint); existing != nil || err != nil {
		return existing, err
	}

	if !req.DryRun && req.Provider != types.ManualProvider {
		if _, err := s.providers.Get(req.Provider); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
	}

	if _, err := s.accounts.Resolve(ctx, userID, req.SpaceID, req.AccountID); err != nil {
		return nil, err
	}
	if req.DestinationAccountID != "" {
		if _, err := s.accounts.Resolve(ctx, userID, req.SpaceID, req.DestinationAccountID); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	order := req.toOrder(userID, idempotencyKey)
	order.OrderID = uuid.New().String()
	order.CreatedAt = now
	order.UpdatedAt = now
	if order.IsRecurring() && order.NextExecutionAt == nil {
		// Series without a start run from now
		first := now
		order.ScheduledFor = &first
		order.NextExecutionAt = &first
	}

	if err := s.limits.Check(ctx, order); err != nil {
		return nil, err
	}

	stepUp, err := s.stepUp.Required(ctx, userID, order.Type, order.Amount)
	if err != nil {
		return nil, err
	}
	switch {
	case stepUp:
		order.Status = types.StatusPendingVerification
	case order.IsAdvanced():
		order.Status = types.StatusPendingTrigger
	default:
		order.Status = types.StatusPendingExecution
	}
	order.ExpiresAt = s.expiry(order, req.ExpiresAt, now)

	err = s.db.Transaction(ctx, func(tx *Database) error {
		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		if order.LinkedOrderID != "" {
			if err := tx.link(ctx, userID, order); err != nil {
				return err
			}
		}
		return s.gate.Store(tx.db, idempotencyKey, userID, fingerprint, order.OrderID)
	})
	if errors.Is(err, idempotency.ErrKeyTaken) {
		// A concurrent request with the same key won the race
		logger.Info().Msg("idempotency key stored concurrently, replaying")
		existing, err := s.replay(ctx, idempotencyKey, fingerprint)
		if existing == nil && err == nil {
			err = idempotency.ErrKeyReused
		}
		return existing, err
	}
	if err != nil {
		return nil, err
	}

	severity := audit.SeverityLow
	if order.Amount.GreaterThanOrEqual(s.stepUp.Threshold()) {
		severity = audit.SeverityHigh
	}
	s.record(ctx, "order.created", order, severity, map[string]any{
		"type":            order.Type,
		"amount":          order.Amount.String(),
		"currency":        order.Currency,
		"provider":        order.Provider,
		"status":          order.Status,
		"step_up":         stepUp,
		"dry_run":         order.DryRun,
		"idempotency_key": idempotencyKey,
	})
	metrics.OrdersCreated.WithLabelValues(string(order.Type), string(order.Status)).Inc()

	logger.Info().
		Str("order_id", order.OrderID).
		Str("status", string(order.Status)).
		Msg("order created")

	s.maybeDispatch(order)
	return order, nil
}

// replay returns the order a live idempotency record points at
func (s *Service) replay(ctx context.Context, key, fingerprint string) (*types.Order, error) {
	orderID, err := s.gate.Lookup(ctx, key, fingerprint)
	if err != nil || orderID == "" {
		return nil, err
	}

	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch replayed order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	log.Debug().Str("order_id", orderID).Str("idempotency_key", key).Msg("replaying idempotent create")
	return order, nil
}

// link pairs a new OCO order with its resting sibling. Both legs must watch
// the same asset and currency.
func (d *Database) link(ctx context.Context, userID string, order *types.Order) error {
	siblingID, orderID := order.LinkedOrderID, order.OrderID
	var sibling types.Order
	err := d.db.WithContext(ctx).
		Where("order_id = ? AND user_id = ?", siblingID, userID).
		First(&sibling).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: linked order %s not found", ErrInvalidOrder, siblingID)
	}
	if err != nil {
		return err
	}
	if sibling.AdvancedType != types.AdvancedOCO || sibling.LinkedOrderID != "" {
		return fmt.Errorf("%w: order %s cannot be linked", ErrInvalidOrder, siblingID)
	}
	if sibling.AssetSymbol != order.AssetSymbol || sibling.Currency != order.Currency {
		return fmt.Errorf("%w: linked order %s trades %s/%s, not %s/%s", ErrInvalidOrder, siblingID,
			sibling.AssetSymbol, sibling.Currency, order.AssetSymbol, order.Currency)
	}

	ok, err := d.Transition(ctx, siblingID,
		[]types.OrderStatus{types.StatusPendingVerification, types.StatusPendingTrigger},
		&types.Order{LinkedOrderID: orderID}, "linked_order_id")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: linked order %s is no longer resting", ErrInvalidOrder, siblingID)
	}
	return nil
}

// expiry picks the instant after which the order may no longer execute
func (s *Service) expiry(order *types.Order, explicit *time.Time, now time.Time) *time.Time {
	if explicit != nil {
		at := explicit.UTC()
		return &at
	}

	var at time.Time
	switch {
	case order.IsAdvanced():
		return nil
	case order.IsRecurring():
		if order.RecurrenceEndAt == nil {
			return nil
		}
		at = order.RecurrenceEndAt.Add(s.cfg.DefaultTTL)
	case order.ScheduledFor != nil:
		at = order.ScheduledFor.Add(s.cfg.DefaultTTL)
	default:
		at = now.Add(s.cfg.DefaultTTL)
	}
	return &at
}

// maybeDispatch queues an order for background execution if it asked for it
// and nothing else is waiting on it
func (s *Service) maybeDispatch(order *types.Order) {
	if s.queue == nil || !order.AutoExecute {
		return
	}
	if order.Status != types.StatusPendingExecution || order.Provider == types.ManualProvider {
		return
	}
	if order.ScheduledFor != nil || order.IsRecurring() {
		return
	}

	if err := s.queue.Enqueue(order.OrderID); err != nil {
		metrics.DispatchRejected.Inc()
		log.Warn().Err(err).Str("order_id", order.OrderID).Msg("failed to queue order for execution")
	}
}

// VerifyOrder checks a step-up code. A rejected code leaves the order as it
// was; an accepted one releases it for execution, or for its trigger if it is
// an advanced order.
func (s *Service) VerifyOrder(ctx context.Context, userID, orderID, code string) (*types.Order, error) {
	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != types.StatusPendingVerification {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidState, order.Status)
	}

	if err := s.stepUp.Verify(ctx, userID, code); err != nil {
		s.record(ctx, "order.verification_failed", order, audit.SeverityHigh, map[string]any{
			"reason": err.Error(),
		})
		return nil, err
	}

	next := types.StatusPendingExecution
	if order.IsAdvanced() {
		next = types.StatusPendingTrigger
	}

	now := s.clock.Now()
	ok, err := s.db.Transition(ctx, orderID,
		[]types.OrderStatus{types.StatusPendingVerification},
		&types.Order{Status: next, VerifiedAt: &now},
		"status", "verified_at")
	if err != nil {
		return nil, fmt.Errorf("failed to verify order: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: order changed during verification", ErrInvalidState)
	}
	order.Status = next
	order.VerifiedAt = &now
	metrics.OrderTransitions.WithLabelValues(string(next)).Inc()

	s.record(ctx, "order.verified", order, audit.SeverityMedium, nil)
	log.Info().Str("order_id", orderID).Str("status", string(next)).Msg("order verified")

	s.maybeDispatch(order)
	return order, nil
}

// CancelOrder stops an order that has not started executing
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.Mutable() {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidState, order.Status)
	}

	now := s.clock.Now()
	ok, err := s.db.Transition(ctx, orderID,
		[]types.OrderStatus{types.StatusPendingVerification, types.StatusPendingExecution},
		&types.Order{Status: types.StatusCancelled, CancelledAt: &now},
		"status", "cancelled_at")
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: order is no longer cancellable", ErrInvalidState)
	}

	previous := order.Status
	order.Status = types.StatusCancelled
	order.CancelledAt = &now
	metrics.OrderTransitions.WithLabelValues(string(types.StatusCancelled)).Inc()

	s.record(ctx, "order.cancelled", order, audit.SeverityMedium, map[string]any{
		"previous_status": previous,
	})
	log.Info().Str("order_id", orderID).Msg("order cancelled")
	return order, nil
}

// UpdateOrder applies a partial change to an order that has not started
// executing. Amount increases are re-checked against limits, and while the
// order awaits execution they may not cross into step-up territory.
func (s *Service) UpdateOrder(ctx context.Context, userID, orderID string, req UpdateOrderRequest) (*types.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.Mutable() {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidState, order.Status)
	}

	changed := make(map[string]any)
	var columns []string

	if req.Amount != nil && !req.Amount.Equal(order.Amount) {
		increased := req.Amount.GreaterThan(order.Amount)
		changed["amount"] = map[string]string{"from": order.Amount.String(), "to": req.Amount.String()}
		order.Amount = *req.Amount
		columns = append(columns, "amount")

		if increased {
			if err := s.limits.Check(ctx, order); err != nil {
				return nil, err
			}
			if order.Status == types.StatusPendingExecution {
				required, err := s.stepUp.Required(ctx, userID, order.Type, order.Amount)
				if err != nil {
					return nil, err
				}
				if required {
					return nil, ErrStepUpRequired
				}
			}
		}
	}
	if req.TargetPrice != nil {
		order.TargetPrice = decimal.NewNullDecimal(*req.TargetPrice)
		changed["target_price"] = req.TargetPrice.String()
		columns = append(columns, "target_price")
	}
	if req.MaxSlippage != nil {
		order.MaxSlippage = decimal.NewNullDecimal(*req.MaxSlippage)
		changed["max_slippage"] = req.MaxSlippage.String()
		columns = append(columns, "max_slippage")
	}
	if req.Notes != nil {
		order.Notes = *req.Notes
		changed["notes"] = true
		columns = append(columns, "notes")
	}
	if req.Metadata != nil {
		order.Metadata = req.Metadata
		changed["metadata"] = true
		columns = append(columns, "metadata")
	}

	if len(columns) == 0 {
		return order, nil
	}

	ok, err := s.db.Transition(ctx, orderID,
		[]types.OrderStatus{types.StatusPendingVerification, types.StatusPendingExecution},
		order, columns...)
	if err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: order is no longer editable", ErrInvalidState)
	}

	s.record(ctx, "order.updated", order, audit.SeverityMedium, changed)
	log.Info().Str("order_id", orderID).Strs("fields", columns).Msg("order updated")
	return order, nil
}

// GetOrder returns an order owned by userID
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	order, err := s.db.GetOrderForUser(ctx, userID, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, userID string, status types.OrderStatus, limit int) ([]types.Order, error) {
	if status != "" && !validStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidOrder, status)
	}
	return s.db.ListOrders(ctx, userID, status, limit)
}

// ListAttempts returns the execution history of an order owned by userID
func (s *Service) ListAttempts(ctx context.Context, userID, orderID string) ([]types.ExecutionAttempt, error) {
	if _, err := s.GetOrder(ctx, userID, orderID); err != nil {
		return nil, err
	}
	return s.db.ListAttempts(ctx, orderID)
}

func validStatus(s types.OrderStatus) bool {
	switch s {
	case types.StatusPendingVerification, types.StatusPendingExecution, types.StatusPendingTrigger,
		types.StatusExecuting, types.StatusCompleted, types.StatusFailed, types.StatusCancelled, types.StatusRejected:
		return true
	}
	return false
}

func (s *Service) record(ctx context.Context, action string, order *types.Order, severity audit.Severity, metadata map[string]any) {
	s.audit.Log(ctx, audit.Event{
		Action:     action,
		Resource:   "order",
		ResourceID: order.OrderID,
		UserID:     order.UserID,
		Metadata:   metadata,
		Severity:   severity,
	})
}

func (s *Service) randFloat() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}
