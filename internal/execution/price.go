package execution

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/betbot/hlmcp/hyperliquid/types"
)

const (
	maxSigFigs     = 5
	perpPxDecimals = 6
	spotPxDecimals = 8
)

// DefaultSlippage 市价单相对 mid 的价格偏移
var DefaultSlippage = decimal.New(5, -2)

// PriceDecimals 价格允许的最大小数位：永续 6、现货 8，减去数量精度
func PriceDecimals(m types.Market) int32 {
	base := perpPxDecimals
	if m.Kind == types.MarketSpot {
		base = spotPxDecimals
	}
	if d := base - m.SzDecimals; d > 0 {
		return int32(d)
	}
	return 0
}

// 最高位数字所在位置：85000 -> 5，0.00123 -> -2
func magnitude(d decimal.Decimal) int {
	digits := len(strings.TrimLeft(d.Abs().Coefficient().String(), "0"))
	return digits + int(d.Exponent())
}

// sigFigs 有效数字位数（忽略末尾的 0）
func sigFigs(d decimal.Decimal) int {
	s := strings.TrimRight(d.Abs().Coefficient().String(), "0")
	return len(strings.TrimLeft(s, "0"))
}

func isInteger(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(0))
}

// RoundPrice 保留 5 位有效数字并截到交易对的价格精度；整数部分不舍入
func RoundPrice(px decimal.Decimal, m types.Market) decimal.Decimal {
	if px.IsZero() {
		return px
	}
	dp := maxSigFigs - magnitude(px)
	if dp < 0 {
		dp = 0
	}
	if limit := int(PriceDecimals(m)); dp > limit {
		dp = limit
	}
	return px.Round(int32(dp))
}

// SlippagePrice 市价单的保护价：买 mid*(1+s)，卖 mid*(1-s)
func SlippagePrice(mid decimal.Decimal, side types.Side, slippage decimal.Decimal, m types.Market) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(slippage)
	if side.IsBuy() {
		factor = decimal.NewFromInt(1).Add(slippage)
	}
	return RoundPrice(mid.Mul(factor), m)
}

// validPrice 价格 > 0；非整数价格最多 5 位有效数字且不超过价格精度
func validPrice(px decimal.Decimal, m types.Market) bool {
	if !px.IsPositive() {
		return false
	}
	if isInteger(px) {
		return true
	}
	if sigFigs(px) > maxSigFigs {
		return false
	}
	return px.Equal(px.Round(PriceDecimals(m)))
}

// validSize 数量 > 0 且是 10^-szDecimals 的整数倍
func validSize(sz decimal.Decimal, m types.Market) bool {
	if !sz.IsPositive() {
		return false
	}
	return sz.Equal(sz.Truncate(int32(m.SzDecimals)))
}

// wireDecimal 交易所要求去掉末尾 0 的十进制字符串
func wireDecimal(d decimal.Decimal) string {
	return d.String()
}
