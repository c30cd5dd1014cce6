package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OrderType string

const (
	OrderTypeBuy      OrderType = "buy"
	OrderTypeSell     OrderType = "sell"
	OrderTypeTransfer OrderType = "transfer"
	OrderTypeDeposit  OrderType = "deposit"
	OrderTypeWithdraw OrderType = "withdraw"
)

// Valid reports whether t is one of the known order types
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeBuy, OrderTypeSell, OrderTypeTransfer, OrderTypeDeposit, OrderTypeWithdraw:
		return true
	}
	return false
}

type OrderStatus string

const (
	StatusPendingVerification OrderStatus = "pending_verification"
	StatusPendingExecution    OrderStatus = "pending_execution"
	StatusPendingTrigger      OrderStatus = "pending_trigger"
	StatusExecuting           OrderStatus = "executing"
	StatusCompleted           OrderStatus = "completed"
	StatusFailed              OrderStatus = "failed"
	StatusCancelled           OrderStatus = "cancelled"
	StatusRejected            OrderStatus = "rejected"
)

// Terminal reports whether no further transition may leave s
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Mutable reports whether an order in state s may be updated or cancelled by its owner
func (s OrderStatus) Mutable() bool {
	return s == StatusPendingVerification || s == StatusPendingExecution
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities from lowest (0) to highest (3); unknown values rank as normal
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type AdvancedType string

const (
	AdvancedStopLoss     AdvancedType = "stop_loss"
	AdvancedTakeProfit   AdvancedType = "take_profit"
	AdvancedTrailingStop AdvancedType = "trailing_stop"
	AdvancedOCO          AdvancedType = "oco"
)

func (a AdvancedType) Valid() bool {
	switch a {
	case AdvancedStopLoss, AdvancedTakeProfit, AdvancedTrailingStop, AdvancedOCO:
		return true
	}
	return false
}

type Recurrence string

const (
	RecurrenceOnce      Recurrence = "once"
	RecurrenceDaily     Recurrence = "daily"
	RecurrenceWeekly    Recurrence = "weekly"
	RecurrenceMonthly   Recurrence = "monthly"
	RecurrenceQuarterly Recurrence = "quarterly"
)

func (r Recurrence) Valid() bool {
	switch r {
	case "", RecurrenceOnce, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly, RecurrenceQuarterly:
		return true
	}
	return false
}

// Repeats reports whether the recurrence produces more than one occurrence
func (r Recurrence) Repeats() bool {
	return r != "" && r != RecurrenceOnce
}

// Failure codes recorded on orders and execution attempts
const (
	CodeNotSupported             = "NOT_SUPPORTED"
	CodeValidationError          = "VALIDATION_ERROR"
	CodeAuthorizationDeclined    = "AUTHORIZATION_DECLINED"
	CodeProviderError            = "PROVIDER_ERROR"
	CodeExecutionError           = "EXECUTION_ERROR"
	CodeUnexpectedError          = "UNEXPECTED_ERROR"
	CodeTriggerExecutionFailed   = "TRIGGER_EXECUTION_FAILED"
	CodeScheduledExecutionFailed = "SCHEDULED_EXECUTION_FAILED"
)

// ManualProvider names orders that are executed outside the engine
const ManualProvider = "manual"

type Order struct {
	gorm.Model `json:"-"`
	OrderID    string `gorm:"uniqueIndex" json:"order_id"`
	SpaceID    string `gorm:"index" json:"space_id"`
	UserID     string `gorm:"index" json:"user_id"`
	AccountID  string `json:"account_id"`
	// Set only for transfers
	DestinationAccountID string `json:"destination_account_id,omitempty"`

	Type           OrderType           `gorm:"index" json:"type"`
	Amount         decimal.Decimal     `gorm:"type:decimal(36,18)" json:"amount"`
	Currency       string              `json:"currency"`
	AssetSymbol    string              `json:"asset_symbol,omitempty"`
	TargetPrice    decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"target_price"`
	MaxSlippage    decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"max_slippage"`
	Priority       Priority            `json:"priority"`
	Provider       string              `json:"provider"`
	ProviderParams ProviderParams      `gorm:"serializer:json" json:"provider_params"`
	DryRun         bool                `json:"dry_run"`
	AutoExecute    bool                `json:"auto_execute"`
	GoalID         string              `json:"goal_id,omitempty"`
	IdempotencyKey string              `gorm:"index" json:"idempotency_key"`
	Notes          string              `json:"notes,omitempty"`
	Metadata       map[string]any      `gorm:"serializer:json" json:"metadata,omitempty"`

	Status        OrderStatus `gorm:"index" json:"status"`
	FailureCode   string      `json:"failure_code,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
	VerifiedAt    *time.Time  `json:"verified_at,omitempty"`
	ExecutingAt   *time.Time  `json:"executing_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	FailedAt      *time.Time  `json:"failed_at,omitempty"`
	CancelledAt   *time.Time  `json:"cancelled_at,omitempty"`
	RejectedAt    *time.Time  `json:"rejected_at,omitempty"`

	// Execution outcome
	ExecutedAmount  decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"executed_amount"`
	ExecutedPrice   decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"executed_price"`
	Fees            decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"fees"`
	FeeCurrency     string              `json:"fee_currency,omitempty"`
	ProviderOrderID string              `json:"provider_order_id,omitempty"`
	RawResponse     map[string]any      `gorm:"serializer:json" json:"raw_response,omitempty"`

	// Advanced (conditional) order fields
	AdvancedType     AdvancedType        `gorm:"index" json:"advanced_type,omitempty"`
	StopPrice        decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"stop_price"`
	TakeProfitPrice  decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"take_profit_price"`
	TrailingAmount   decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"trailing_amount"`
	TrailingPercent  decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"trailing_percent"`
	HighestPrice     decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"highest_price"`
	LinkedOrderID    string              `json:"linked_order_id,omitempty"`
	LastPriceCheckAt *time.Time          `json:"last_price_check_at,omitempty"`
	TriggeredAt      *time.Time          `json:"triggered_at,omitempty"`
	TriggerReason    string              `json:"trigger_reason,omitempty"`
	TriggerPrice     decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"trigger_price"`

	// Scheduling fields
	ScheduledFor    *time.Time `gorm:"index" json:"scheduled_for,omitempty"`
	Recurrence      Recurrence `json:"recurrence,omitempty"`
	RecurrenceDay   *int       `json:"recurrence_day,omitempty"`
	RecurrenceEndAt *time.Time `json:"recurrence_end_at,omitempty"`
	MaxExecutions   int        `json:"max_executions,omitempty"`
	ExecutionCount  int        `json:"execution_count"`
	NextExecutionAt *time.Time `gorm:"index" json:"next_execution_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAdvanced reports whether the order rests on a market condition
func (o *Order) IsAdvanced() bool {
	return o.AdvancedType != ""
}

// IsRecurring reports whether the order repeats on a schedule
func (o *Order) IsRecurring() bool {
	return o.Recurrence.Repeats()
}

// Expired reports whether the order's expiry instant is at or before now
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

type AttemptStatus string

const (
	AttemptExecuting AttemptStatus = "executing"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
)

// ExecutionAttempt is an append-only record of one try at fulfilling an order
type ExecutionAttempt struct {
	gorm.Model    `json:"-"`
	AttemptID     string        `gorm:"uniqueIndex" json:"attempt_id"`
	OrderID       string        `gorm:"uniqueIndex:idx_attempt_order_number" json:"order_id"`
	AttemptNumber int           `gorm:"uniqueIndex:idx_attempt_order_number" json:"attempt_number"`
	Status        AttemptStatus `json:"status"`
	Provider      string        `json:"provider"`

	ExecutedAmount  decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"executed_amount"`
	ExecutedPrice   decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"executed_price"`
	Fees            decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"fees"`
	FeeCurrency     string              `json:"fee_currency,omitempty"`
	ProviderOrderID string              `json:"provider_order_id,omitempty"`
	RawResponse     map[string]any      `gorm:"serializer:json" json:"raw_response,omitempty"`

	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
