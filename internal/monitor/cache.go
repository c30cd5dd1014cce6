package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ksred/klear-orders/pkg/clock"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// DefaultPriceTTL bounds how stale a cached price may be
const DefaultPriceTTL = 5 * time.Minute

// PriceCache holds recent prices per (asset, currency). It is an
// optimisation only; a miss or an error sends the monitor to the feed.
type PriceCache interface {
	Get(ctx context.Context, asset, currency string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, asset, currency string, price decimal.Decimal) error
}

func cacheKey(asset, currency string) string {
	return strings.ToUpper(asset) + ":" + strings.ToUpper(currency)
}

type cachedPrice struct {
	price     decimal.Decimal
	expiresAt time.Time
}

// MemoryPriceCache is a process-local PriceCache
type MemoryPriceCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clock   clock.Clock
	entries map[string]cachedPrice
}

func NewMemoryPriceCache(clk clock.Clock, ttl time.Duration) *MemoryPriceCache {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryPriceCache{
		ttl:     ttl,
		clock:   clk,
		entries: make(map[string]cachedPrice),
	}
}

func (c *MemoryPriceCache) Get(ctx context.Context, asset, currency string) (decimal.Decimal, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(asset, currency)]
	c.mu.RUnlock()

	if !ok || !c.clock.Now().Before(entry.expiresAt) {
		return decimal.Zero, false, nil
	}
	return entry.price, true, nil
}

func (c *MemoryPriceCache) Set(ctx context.Context, asset, currency string, price decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(asset, currency)] = cachedPrice{
		price:     price,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
	return nil
}

// RedisPriceCache shares prices between engine instances. Redis expires the
// keys, so the TTL holds across restarts.
type RedisPriceCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisPriceCache(client *redis.Client, ttl time.Duration) *RedisPriceCache {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	return &RedisPriceCache{
		client: client,
		ttl:    ttl,
		prefix: "klear:price:",
	}
}

// DialRedis connects to addr and pings the server
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info().Str("addr", addr).Msg("connected to redis price cache")
	return client, nil
}

func (c *RedisPriceCache) Get(ctx context.Context, asset, currency string) (decimal.Decimal, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+cacheKey(asset, currency)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("redis get: %w", err)
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt cached price %q: %w", raw, err)
	}
	return price, true, nil
}

func (c *RedisPriceCache) Set(ctx context.Context, asset, currency string, price decimal.Decimal) error {
	if err := c.client.Set(ctx, c.prefix+cacheKey(asset, currency), price.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
