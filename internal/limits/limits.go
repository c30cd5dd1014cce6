// Package limits enforces per-user spending ceilings and source-account
// sufficiency before an order is created, and books executed amounts against
// those ceilings afterwards.
package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-orders/internal/types"
	"github.com/ksred/klear-orders/pkg/clock"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrLimitExceeded       = fmt.Errorf("%w: order limit exceeded", types.ErrBadRequest)
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", types.ErrBadRequest)
)

// BalanceReader reports the current balance of an account
type BalanceReader interface {
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateLimit(ctx context.Context, limit *types.OrderLimit) error {
	return d.db.WithContext(ctx).Create(limit).Error
}

func (d *Database) GetLimit(ctx context.Context, limitID string) (*types.OrderLimit, error) {
	var limit types.OrderLimit
	if err := d.db.WithContext(ctx).Where("limit_id = ?", limitID).First(&limit).Error; err != nil {
		return nil, err
	}
	return &limit, nil
}

// enforcedFor returns the enforced limits of a user in a currency, using tx
func enforcedFor(tx *gorm.DB, userID, currency string) ([]types.OrderLimit, error) {
	var limits []types.OrderLimit
	err := tx.Where("user_id = ? AND currency = ? AND enforced = ?", userID, currency, true).
		Find(&limits).Error
	return limits, err
}

type Validator struct {
	db       *Database
	balances BalanceReader
	clock    clock.Clock
}

func NewValidator(gormDB *gorm.DB, balances BalanceReader, clk clock.Clock) *Validator {
	return &Validator{
		db:       NewDatabase(gormDB),
		balances: balances,
		clock:    clk,
	}
}

// SetLimit creates a limit for a user. Seeding and tests use it.
func (v *Validator) SetLimit(ctx context.Context, limit *types.OrderLimit) error {
	if limit.LimitID == "" {
		limit.LimitID = uuid.New().String()
	}
	if limit.ResetAt.IsZero() {
		limit.ResetAt = limit.Period.Next(v.clock.Now())
	}
	return v.db.CreateLimit(ctx, limit)
}

// Check rejects the order if its amount exceeds the headroom of any matching
// limit, or if a sell or transfer would overdraw its source account
func (v *Validator) Check(ctx context.Context, order *types.Order) error {
	logger := log.With().
		Str("user_id", order.UserID).
		Str("currency", order.Currency).
		Str("amount", order.Amount.String()).
		Str("component", "limits").
		Logger()

	var matching []types.OrderLimit
	err := v.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		matching, err = v.applicable(tx, order)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load order limits: %w", err)
	}

	for _, l := range matching {
		available := l.Available()
		if order.Amount.GreaterThan(available) {
			logger.Info().
				Str("limit_id", l.LimitID).
				Str("period", string(l.Period)).
				Str("available", available.String()).
				Msg("order rejected by limit")
			return fmt.Errorf("%w: %s limit allows %s %s more, requested %s",
				ErrLimitExceeded, l.Period, available.StringFixed(2), l.Currency, order.Amount.String())
		}
	}

	if order.Type == types.OrderTypeSell || order.Type == types.OrderTypeTransfer {
		balance, err := v.balances.Balance(ctx, order.AccountID)
		if err != nil {
			return fmt.Errorf("failed to read account balance: %w", err)
		}
		if balance.LessThan(order.Amount) {
			logger.Info().Str("balance", balance.String()).Msg("order rejected for insufficient balance")
			return fmt.Errorf("%w: balance %s is below requested %s", ErrInsufficientBalance, balance.String(), order.Amount.String())
		}
	}

	return nil
}

// Consume books an executed amount against every limit matching the order
func (v *Validator) Consume(ctx context.Context, order *types.Order, executed decimal.Decimal) error {
	return v.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		matching, err := v.applicable(tx, order)
		if err != nil {
			return err
		}
		for i := range matching {
			matching[i].UsedAmount = matching[i].UsedAmount.Add(executed)
			if err := tx.Save(&matching[i]).Error; err != nil {
				return fmt.Errorf("failed to update limit %s: %w", matching[i].LimitID, err)
			}
		}
		return nil
	})
}

// applicable loads the limits that govern order, rolling elapsed windows forward
func (v *Validator) applicable(tx *gorm.DB, order *types.Order) ([]types.OrderLimit, error) {
	limits, err := enforcedFor(tx, order.UserID, order.Currency)
	if err != nil {
		return nil, err
	}

	now := v.clock.Now()
	var matching []types.OrderLimit
	for _, l := range limits {
		if l.SpaceID != "" && l.SpaceID != order.SpaceID {
			continue
		}
		if l.OrderType != "" && l.OrderType != order.Type {
			continue
		}
		if !l.ResetAt.After(now) {
			rollForward(&l, now)
			if err := tx.Save(&l).Error; err != nil {
				return nil, fmt.Errorf("failed to roll limit %s forward: %w", l.LimitID, err)
			}
		}
		matching = append(matching, l)
	}
	return matching, nil
}

// rollForward starts a fresh window containing now
func rollForward(l *types.OrderLimit, now time.Time) {
	for !l.ResetAt.After(now) {
		l.ResetAt = l.Period.Next(l.ResetAt)
	}
	l.UsedAmount = decimal.Zero
}
