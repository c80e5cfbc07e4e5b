// Package priceguard provides stateless sanitization of untrusted price
// inputs against per-symbol bounds, plus system-wide USD caps.
package priceguard

import (
	"math"
	"strings"
)

const (
	// MaxUSDNotionalPerTx caps the USD value recorded for a single transaction.
	MaxUSDNotionalPerTx = 1_000_000.0
	// MaxUSDPointsBasePerTx caps the USD base converted into points.
	MaxUSDPointsBasePerTx = 100_000.0
)

// NormalizeSymbol canonicalizes a token symbol for bounds lookup.
func NormalizeSymbol(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

// SymbolCandidates returns the symbols to try for a token, in order.
// Wrapped assets alias their underlying (WBTC <-> BTC).
func SymbolCandidates(token string) []string {
	symbol := NormalizeSymbol(token)
	switch symbol {
	case "WBTC":
		return []string{"WBTC", "BTC"}
	case "BTC":
		return []string{"BTC", "WBTC"}
	default:
		return []string{symbol}
	}
}

// FallbackPrice returns the deterministic per-token default used when no
// candidate passes sanitization. Zero means no fallback is known.
func FallbackPrice(token string) float64 {
	switch NormalizeSymbol(token) {
	case "BTC", "WBTC":
		return 65_000.0
	case "ETH":
		return 1_900.0
	case "STRK":
		return 0.05
	case "USDT", "USDC":
		return 1.0
	case "CAREL":
		return 1.0
	default:
		return 0.0
	}
}

func bounds(token string) (min, max float64) {
	switch NormalizeSymbol(token) {
	case "USDT", "USDC":
		return 0.5, 2.0
	case "CAREL":
		return 0.000001, 1_000.0
	case "STRK":
		return 0.0001, 100.0
	case "ETH":
		return 10.0, 100_000.0
	case "BTC", "WBTC":
		return 1_000.0, 1_000_000.0
	default:
		return 0.00000001, 1_000_000.0
	}
}

// SanitizePrice validates a raw USD price for a token. Returns false when the
// value is non-finite, non-positive, or outside the symbol's band. Symbol
// aliases are tried in order.
func SanitizePrice(token string, value float64) (float64, bool) {
	if !isFinitePositive(value) {
		return 0, false
	}
	for _, symbol := range SymbolCandidates(token) {
		min, max := bounds(symbol)
		if value >= min && value <= max {
			return value, true
		}
	}
	return 0, false
}

// FirstSanePrice returns the first candidate (newest first) passing
// SanitizePrice.
func FirstSanePrice(token string, candidates []float64) (float64, bool) {
	for _, candidate := range candidates {
		if price, ok := SanitizePrice(token, candidate); ok {
			return price, true
		}
	}
	return 0, false
}

// SanitizeUSDNotional clamps a transaction USD value to the system cap.
// Non-finite or non-positive inputs collapse to zero.
func SanitizeUSDNotional(value float64) float64 {
	if !isFinitePositive(value) {
		return 0
	}
	return math.Min(value, MaxUSDNotionalPerTx)
}

// SanitizePointsUSDBase clamps the USD base used for points conversion.
func SanitizePointsUSDBase(value float64) float64 {
	if !isFinitePositive(value) {
		return 0
	}
	return math.Min(value, MaxUSDPointsBasePerTx)
}

func isFinitePositive(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && value > 0
}
