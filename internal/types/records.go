package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	UserID         string    `json:"user_id"`
	Fingerprint    string    `json:"fingerprint"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type LimitPeriod string

const (
	LimitDaily   LimitPeriod = "daily"
	LimitWeekly  LimitPeriod = "weekly"
	LimitMonthly LimitPeriod = "monthly"
)

// Next returns the reset instant one period after from
func (p LimitPeriod) Next(from time.Time) time.Time {
	switch p {
	case LimitWeekly:
		return from.AddDate(0, 0, 7)
	case LimitMonthly:
		return from.AddDate(0, 1, 0)
	default:
		return from.AddDate(0, 0, 1)
	}
}

// OrderLimit caps how much a user may spend in a window. An empty SpaceID or
// OrderType matches every space or type.
type OrderLimit struct {
	gorm.Model `json:"-"`
	LimitID    string          `gorm:"uniqueIndex" json:"limit_id"`
	UserID     string          `gorm:"index" json:"user_id"`
	SpaceID    string          `json:"space_id,omitempty"`
	OrderType  OrderType       `json:"order_type,omitempty"`
	Period     LimitPeriod     `json:"period"`
	Currency   string          `json:"currency"`
	MaxAmount  decimal.Decimal `gorm:"type:decimal(36,18)" json:"max_amount"`
	UsedAmount decimal.Decimal `gorm:"type:decimal(36,18)" json:"used_amount"`
	ResetAt    time.Time       `json:"reset_at"`
	Enforced   bool            `json:"enforced"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Available returns how much headroom remains under the limit
func (l *OrderLimit) Available() decimal.Decimal {
	return l.MaxAmount.Sub(l.UsedAmount)
}

// Account is a funding source or destination that belongs to a space
type Account struct {
	gorm.Model `json:"-"`
	AccountID  string          `gorm:"uniqueIndex" json:"account_id"`
	SpaceID    string          `gorm:"index" json:"space_id"`
	Name       string          `json:"name"`
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `gorm:"type:decimal(36,18)" json:"balance"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SpaceMember grants a user access to the accounts of a space
type SpaceMember struct {
	gorm.Model
	SpaceID string `gorm:"uniqueIndex:idx_space_member" json:"space_id"`
	UserID  string `gorm:"uniqueIndex:idx_space_member" json:"user_id"`
}

// UserProfile holds the step-up settings of a user. TOTPSecret is stored
// encrypted and only ever decrypted by the step-up verifier.
type UserProfile struct {
	gorm.Model    `json:"-"`
	UserID        string    `gorm:"uniqueIndex" json:"user_id"`
	StepUpEnabled bool      `json:"step_up_enabled"`
	TOTPSecret    string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
