package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hlmcp/hyperliquid/types"
)

var (
	btc  = types.Market{Name: "BTC", Kind: types.MarketPerp, SzDecimals: 5}
	eth  = types.Market{Name: "ETH", Kind: types.MarketPerp, SzDecimals: 4}
	purr = types.Market{Name: "PURR/USDC", Kind: types.MarketSpot, SzDecimals: 0}
)

func TestPriceDecimals(t *testing.T) {
	assert.Equal(t, int32(1), PriceDecimals(btc))
	assert.Equal(t, int32(2), PriceDecimals(eth))
	assert.Equal(t, int32(8), PriceDecimals(purr))
	assert.Equal(t, int32(0), PriceDecimals(types.Market{Kind: types.MarketPerp, SzDecimals: 7}))
}

func TestRoundPrice(t *testing.T) {
	tests := []struct {
		px   string
		m    types.Market
		want string
	}{
		{"89250", btc, "89250"},
		{"123456.7", btc, "123457"},
		{"3150.123", eth, "3150.1"},
		{"31.505", eth, "31.51"},
		{"0.21", purr, "0.21"},
		{"0.0123456", purr, "0.012346"},
		{"0.000001234567", purr, "0.00000123"},
	}
	for _, tt := range tests {
		t.Run(tt.px, func(t *testing.T) {
			assert.Equal(t, tt.want, RoundPrice(dec(tt.px), tt.m).String())
		})
	}
}

func TestSlippagePrice(t *testing.T) {
	assert.Equal(t, "2850", SlippagePrice(dec("3000"), types.SideSell, DefaultSlippage, eth).String())
	assert.Equal(t, "3150", SlippagePrice(dec("3000"), types.SideBuy, DefaultSlippage, eth).String())
	assert.Equal(t, "89250", SlippagePrice(dec("85000"), types.SideBuy, DefaultSlippage, btc).String())
	assert.Equal(t, "0.21", SlippagePrice(dec("0.2"), types.SideBuy, DefaultSlippage, purr).String())
}

func TestValidPrice(t *testing.T) {
	tests := []struct {
		px   string
		m    types.Market
		want bool
	}{
		{"85000", btc, true},
		{"123456", btc, true},
		{"85000.5", btc, false},
		{"8500.5", btc, true},
		{"8500.55", btc, false},
		{"3000.1", eth, true},
		{"3000.12", eth, false},
		{"0.2", purr, true},
		{"0", btc, false},
		{"-1", btc, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, validPrice(dec(tt.px), tt.m), tt.px)
	}
}

func TestValidSize(t *testing.T) {
	assert.True(t, validSize(dec("0.00001"), btc))
	assert.False(t, validSize(dec("0.000001"), btc))
	assert.True(t, validSize(dec("3"), purr))
	assert.False(t, validSize(dec("0.5"), purr))
	assert.False(t, validSize(dec("0"), eth))
}

func TestNormalizeCloid(t *testing.T) {
	generated, err := normalizeCloid("")
	require.NoError(t, err)
	assert.Len(t, generated, 34)

	got, err := normalizeCloid("0xABCDEF0123456789abcdef0123456789")
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789", got)

	for _, bad := range []string{"0x1234", "0xzzcdef0123456789abcdef0123456789", "not-a-cloid"} {
		_, err := normalizeCloid(bad)
		assert.Error(t, err, bad)
	}
}
