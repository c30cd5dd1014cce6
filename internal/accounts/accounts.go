// Package accounts resolves the funding accounts orders draw from and checks
// that they belong to the requesting space.
package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ksred/klear-orders/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound = fmt.Errorf("%w: account not found", types.ErrNotFound)
	ErrNotMember       = fmt.Errorf("%w: user is not a member of the space", types.ErrForbidden)
	ErrWrongSpace      = fmt.Errorf("%w: account does not belong to the space", types.ErrForbidden)
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetAccount(ctx context.Context, accountID string) (*types.Account, error) {
	var account types.Account
	if err := d.db.WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (d *Database) IsMember(ctx context.Context, spaceID, userID string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&types.SpaceMember{}).
		Where("space_id = ? AND user_id = ?", spaceID, userID).
		Count(&count).Error
	return count > 0, err
}

// Service answers ownership and balance questions about accounts
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: NewDatabase(gormDB)}
}

// Resolve returns the account if userID may act on it within spaceID
func (s *Service) Resolve(ctx context.Context, userID, spaceID, accountID string) (*types.Account, error) {
	member, err := s.db.IsMember(ctx, spaceID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check space membership: %w", err)
	}
	if !member {
		return nil, ErrNotMember
	}

	account, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	if account.SpaceID != spaceID {
		return nil, ErrWrongSpace
	}
	return account, nil
}

// Balance returns the current balance of an account
func (s *Service) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	if account == nil {
		return decimal.Zero, ErrAccountNotFound
	}
	return account.Balance, nil
}

// OpenAccount creates an account in a space. Used by seeding and tests.
func (s *Service) OpenAccount(ctx context.Context, spaceID, name, currency string, balance decimal.Decimal) (*types.Account, error) {
	account := &types.Account{
		AccountID: uuid.New().String(),
		SpaceID:   spaceID,
		Name:      name,
		Currency:  currency,
		Balance:   balance,
	}
	if err := s.db.db.WithContext(ctx).Create(account).Error; err != nil {
		return nil, err
	}
	return account, nil
}

// AddMember grants userID access to spaceID
func (s *Service) AddMember(ctx context.Context, spaceID, userID string) error {
	return s.db.db.WithContext(ctx).Create(&types.SpaceMember{SpaceID: spaceID, UserID: userID}).Error
}
