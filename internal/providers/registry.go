package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ksred/klear-orders/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrManualProvider  = errors.New("manual orders are never executed automatically")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNoPriceSource   = errors.New("no provider quotes this asset")
)

// Registry resolves provider names to adapters. It is built once at startup.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters map[string]Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for name, a := range adapters {
		r.adapters[strings.ToLower(name)] = a
	}
	return r
}

// Get returns the adapter for name. The manual provider is always refused.
func (r *Registry) Get(name string) (Adapter, error) {
	name = strings.ToLower(name)
	if name == types.ManualProvider {
		return nil, ErrManualProvider
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return a, nil
}

// Names lists registered providers in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderHealth is one row of a health summary
type ProviderHealth struct {
	Provider     string       `json:"provider"`
	Healthy      bool         `json:"healthy"`
	Capabilities Capabilities `json:"capabilities"`
}

// Health probes every adapter
func (r *Registry) Health(ctx context.Context) []ProviderHealth {
	out := make([]ProviderHealth, 0, len(r.adapters))
	for _, name := range r.Names() {
		a := r.adapters[name]
		out = append(out, ProviderHealth{
			Provider:     name,
			Healthy:      a.HealthCheck(ctx),
			Capabilities: a.Capabilities(),
		})
	}
	return out
}

// GetMarketPrice asks each adapter that lists the asset and currency for a
// quote, returning the first one it gets
func (r *Registry) GetMarketPrice(ctx context.Context, asset, currency string) (decimal.Decimal, error) {
	for _, name := range r.Names() {
		a := r.adapters[name]
		caps := a.Capabilities()
		if !caps.SupportsAsset(asset) || !caps.SupportsCurrency(currency) {
			continue
		}

		price, err := a.GetMarketPrice(ctx, asset, currency)
		if err != nil {
			if !errors.Is(err, ErrUnsupported) {
				log.Warn().Err(err).
					Str("provider", name).
					Str("asset", asset).
					Str("currency", currency).
					Msg("price lookup failed, trying next provider")
			}
			continue
		}
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrNoPriceSource, asset, currency)
}
