package pricefeed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveUsesFirstSaneSample(t *testing.T) {
	feed := NewStatic(map[string][]float64{
		"ETH": {-1, 0, 2000, 1900}, // garbage first, newest sane sample wins
	})
	price, ok := Resolve(context.Background(), feed, "ETH")
	require.True(t, ok)
	assert.InDelta(t, 2000, price, 1e-9)
}

func TestResolveTriesSymbolAliases(t *testing.T) {
	// only the BTC alias has samples; WBTC resolves through it
	feed := NewStatic(map[string][]float64{"BTC": {68000}})
	price, ok := Resolve(context.Background(), feed, "WBTC")
	require.True(t, ok)
	assert.InDelta(t, 68000, price, 1e-9)
}

func TestResolveFallsBackWhenNoSaneSample(t *testing.T) {
	feed := NewStatic(map[string][]float64{"ETH": {5}}) // below the ETH band
	price, ok := Resolve(context.Background(), feed, "ETH")
	require.True(t, ok)
	assert.InDelta(t, 1900, price, 1e-9)
}

func TestResolveUnknownTokenWithoutFallback(t *testing.T) {
	feed := NewStatic(nil)
	_, ok := Resolve(context.Background(), feed, "MYSTERY")
	assert.False(t, ok)
}

func TestStaticNormalizesLookupSymbol(t *testing.T) {
	feed := NewStatic(map[string][]float64{"ETH": {2000}})
	samples, err := feed.RecentPrices(context.Background(), "eth")
	require.NoError(t, err)
	assert.Equal(t, []float64{2000}, samples)
}
