// Package pricefeed abstracts the external price source. Samples are
// untrusted; the price guard decides what is usable.
package pricefeed

import (
	"context"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/priceguard"
)

// Source returns recent price samples for a token, newest first.
type Source interface {
	RecentPrices(ctx context.Context, token string) ([]float64, error)
}

// Resolve returns a guarded USD price for a token: the first sane sample
// across the token's symbol aliases, or the deterministic per-token fallback
// when no candidate passes. The second return is false only when the token
// has no fallback either.
func Resolve(ctx context.Context, source Source, token string) (float64, bool) {
	for _, symbol := range priceguard.SymbolCandidates(token) {
		samples, err := source.RecentPrices(ctx, symbol)
		if err != nil {
			continue
		}
		if price, ok := priceguard.FirstSanePrice(symbol, samples); ok {
			return price, true
		}
	}
	if fallback := priceguard.FallbackPrice(token); fallback > 0 {
		return fallback, true
	}
	return 0, false
}

// Static serves fixed samples, for tests and offline runs.
type Static struct {
	prices map[string][]float64
}

// NewStatic builds a Static source keyed by normalized symbol.
func NewStatic(prices map[string][]float64) *Static {
	return &Static{prices: prices}
}

func (s *Static) RecentPrices(ctx context.Context, token string) ([]float64, error) {
	return s.prices[priceguard.NormalizeSymbol(token)], nil
}
