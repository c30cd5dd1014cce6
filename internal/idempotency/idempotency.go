// Package idempotency deduplicates order creation requests by caller-supplied
// key and a fingerprint of the request body.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-orders/internal/types"
	"github.com/ksred/klear-orders/pkg/clock"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTTL is how long a key keeps deduplicating requests
const DefaultTTL = 7 * 24 * time.Hour

var (
	ErrKeyReused = fmt.Errorf("%w: idempotency key was already used with a different request", types.ErrConflict)
	// ErrKeyTaken is returned by Store when a live record already holds the key
	ErrKeyTaken = errors.New("idempotency key already stored")
)

type Gate struct {
	db    *gorm.DB
	clock clock.Clock
	ttl   time.Duration
}

func NewGate(db *gorm.DB, clk clock.Clock, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{db: db, clock: clk, ttl: ttl}
}

// Fingerprint hashes the JSON encoding of a normalized request. Struct fields
// encode in declaration order and map keys sorted, so equal requests hash equal.
func Fingerprint(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode request for fingerprint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Lookup returns the resource created under key, or "" when the key is unused
// or expired. A live key with a different fingerprint yields ErrKeyReused.
func (g *Gate) Lookup(ctx context.Context, key, fingerprint string) (string, error) {
	var record types.IdempotencyRecord
	err := g.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to fetch idempotency record: %w", err)
	}

	if !record.ExpiresAt.After(g.clock.Now()) {
		log.Debug().Str("idempotency_key", key).Msg("idempotency record expired, allowing recreation")
		return "", nil
	}
	if record.Fingerprint != fingerprint {
		return "", ErrKeyReused
	}
	return record.ResourceID, nil
}

// Store writes key -> resourceID inside tx as an atomic create. Expired
// records for the key are purged first; a live record makes Store fail with
// ErrKeyTaken without touching it.
func (g *Gate) Store(tx *gorm.DB, key, userID, fingerprint, resourceID string) error {
	now := g.clock.Now()

	if err := tx.Unscoped().
		Where("idempotency_key = ? AND expires_at <= ?", key, now).
		Delete(&types.IdempotencyRecord{}).Error; err != nil {
		return fmt.Errorf("failed to purge expired idempotency record: %w", err)
	}

	record := types.IdempotencyRecord{
		IdempotencyKey: key,
		UserID:         userID,
		Fingerprint:    fingerprint,
		ResourceID:     resourceID,
		ResourceType:   "order",
		ExpiresAt:      now.Add(g.ttl),
	}

	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to store idempotency record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrKeyTaken
	}
	return nil
}

// Sweep removes expired records and reports how many were deleted
func (g *Gate) Sweep(ctx context.Context) (int64, error) {
	result := g.db.WithContext(ctx).Unscoped().
		Where("expires_at <= ?", g.clock.Now()).
		Delete(&types.IdempotencyRecord{})
	return result.RowsAffected, result.Error
}
