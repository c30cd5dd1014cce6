// Package stepup decides whether an order needs a one-time code before it may
// execute, and checks such codes.
package stepup

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/ksred/klear-orders/internal/types"
	"github.com/ksred/klear-orders/pkg/clock"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DefaultThreshold is the amount at or above which every order needs step-up
var DefaultThreshold = decimal.NewFromInt(10_000)

var (
	ErrMalformedCode = fmt.Errorf("%w: verification code must be exactly 6 digits", types.ErrBadRequest)
	ErrInvalidCode   = fmt.Errorf("%w: invalid verification code", types.ErrBadRequest)
	ErrNotEnrolled   = fmt.Errorf("%w: user has no verification secret", types.ErrBadRequest)
)

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// Oracle checks a one-time code against a shared secret
type Oracle interface {
	Verify(secret, code string) bool
}

// SecretBox decrypts stored verification secrets
type SecretBox interface {
	Decrypt(ciphertext string) (string, error)
}

// PlainSecrets treats stored secrets as already decrypted. Development only.
type PlainSecrets struct{}

func (PlainSecrets) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

// TOTPOracle validates RFC 6238 codes, tolerating one period of clock skew
type TOTPOracle struct {
	clock clock.Clock
}

func NewTOTPOracle(clk clock.Clock) *TOTPOracle {
	return &TOTPOracle{clock: clk}
}

func (o *TOTPOracle) Verify(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, o.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetProfile(ctx context.Context, userID string) (*types.UserProfile, error) {
	var profile types.UserProfile
	if err := d.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

func (d *Database) SaveProfile(ctx context.Context, profile *types.UserProfile) error {
	return d.db.WithContext(ctx).Save(profile).Error
}

type Verifier struct {
	db        *Database
	oracle    Oracle
	secrets   SecretBox
	threshold decimal.Decimal
}

func NewVerifier(gormDB *gorm.DB, oracle Oracle, secrets SecretBox, threshold decimal.Decimal) *Verifier {
	if threshold.IsZero() {
		threshold = DefaultThreshold
	}
	return &Verifier{
		db:        NewDatabase(gormDB),
		oracle:    oracle,
		secrets:   secrets,
		threshold: threshold,
	}
}

// Threshold returns the high-value amount that forces step-up
func (v *Verifier) Threshold() decimal.Decimal {
	return v.threshold
}

// Required reports whether an order of this type and amount needs a code.
// High-value orders, sells and withdrawals always do; so does every order of a
// user who turned step-up on permanently.
func (v *Verifier) Required(ctx context.Context, userID string, orderType types.OrderType, amount decimal.Decimal) (bool, error) {
	if amount.GreaterThanOrEqual(v.threshold) {
		return true, nil
	}
	if orderType == types.OrderTypeSell || orderType == types.OrderTypeWithdraw {
		return true, nil
	}

	profile, err := v.db.GetProfile(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to load user profile: %w", err)
	}
	return profile != nil && profile.StepUpEnabled, nil
}

// Verify checks code for userID. Malformed codes never reach the oracle.
func (v *Verifier) Verify(ctx context.Context, userID, code string) error {
	if !codePattern.MatchString(code) {
		return ErrMalformedCode
	}

	profile, err := v.db.GetProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user profile: %w", err)
	}
	if profile == nil || profile.TOTPSecret == "" {
		return ErrNotEnrolled
	}

	secret, err := v.secrets.Decrypt(profile.TOTPSecret)
	if err != nil {
		return fmt.Errorf("failed to decrypt verification secret: %w", err)
	}

	if !v.oracle.Verify(secret, code) {
		return ErrInvalidCode
	}
	return nil
}

// Enroll stores a user's (already encrypted) secret and permanent step-up flag
func (v *Verifier) Enroll(ctx context.Context, userID, encryptedSecret string, alwaysRequire bool) error {
	profile, err := v.db.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	if profile == nil {
		profile = &types.UserProfile{UserID: userID}
	}
	profile.TOTPSecret = encryptedSecret
	profile.StepUpEnabled = alwaysRequire
	return v.db.SaveProfile(ctx, profile)
}
