package statecache

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/betbot/hlmcp/hyperliquid/types"
)

// Meta 读结果的新鲜度
type Meta struct {
	AgeMs    int64  `json:"age_ms"`
	Source   string `json:"source"` // cache | rest
	Degraded bool   `json:"degraded,omitempty"`
}

// PositionView 单个币种的持仓，Size 带符号（多为正）
type PositionView struct {
	Coin          string           `json:"coin"`
	Size          decimal.Decimal  `json:"size"`
	EntryPx       decimal.Decimal  `json:"entry_px"`
	PositionValue decimal.Decimal  `json:"position_value"`
	UnrealizedPnl decimal.Decimal  `json:"unrealized_pnl"`
	Leverage      types.Leverage   `json:"leverage"`
	LiquidationPx *decimal.Decimal `json:"liquidation_px,omitempty"`
	MarginUsed    decimal.Decimal  `json:"margin_used"`
}

// Side 持仓方向；空仓返回空字符串
func (p PositionView) Side() types.Side {
	switch {
	case p.Size.IsPositive():
		return types.SideBuy
	case p.Size.IsNegative():
		return types.SideSell
	default:
		return ""
	}
}

// AccountState 账户视图
type AccountState struct {
	Positions    map[string]PositionView `json:"positions"`
	Margin       types.MarginSummary     `json:"margin_summary"`
	Withdrawable string                  `json:"withdrawable"`
	Spot         []types.SpotBalance     `json:"spot_balances"`
}

// OrderView 挂单视图
type OrderView struct {
	Oid         int64           `json:"oid"`
	Cloid       string          `json:"cloid,omitempty"`
	Coin        string          `json:"coin"`
	Side        types.Side      `json:"side"`
	Px          decimal.Decimal `json:"price"`
	OrigSz      decimal.Decimal `json:"original_size"`
	RemainingSz decimal.Decimal `json:"remaining_size"`
	FilledSz    decimal.Decimal `json:"filled_size"`
	TIF         string          `json:"time_in_force,omitempty"`
	ReduceOnly  bool            `json:"reduce_only,omitempty"`
	Status      string          `json:"status"`
	Timestamp   int64           `json:"timestamp"`
}

func positionsFrom(state *types.ClearinghouseState) map[string]PositionView {
	out := make(map[string]PositionView, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		p := ap.Position
		size := parseDecimal(p.Szi)
		if size.IsZero() {
			continue
		}
		view := PositionView{
			Coin:          p.Coin,
			Size:          size,
			EntryPx:       parseDecimal(p.EntryPx),
			PositionValue: parseDecimal(p.PositionValue),
			UnrealizedPnl: parseDecimal(p.UnrealizedPnl),
			Leverage:      p.Leverage,
			MarginUsed:    parseDecimal(p.MarginUsed),
		}
		if p.LiquidationPx != nil {
			if liq, err := decimal.NewFromString(*p.LiquidationPx); err == nil {
				view.LiquidationPx = &liq
			}
		}
		out[p.Coin] = view
	}
	return out
}

func accountFrom(snap *types.AccountSnapshot) AccountState {
	return AccountState{
		Positions:    positionsFrom(&snap.Perp),
		Margin:       snap.Perp.MarginSummary,
		Withdrawable: snap.Perp.Withdrawable,
		Spot:         append([]types.SpotBalance(nil), snap.Spot.Balances...),
	}
}

func (a AccountState) clone() AccountState {
	out := a
	out.Positions = make(map[string]PositionView, len(a.Positions))
	for k, v := range a.Positions {
		out.Positions[k] = v
	}
	out.Spot = append([]types.SpotBalance(nil), a.Spot...)
	return out
}

// OrderFromOpen 把 frontendOpenOrders / orderUpdates 中的订单转换为视图
func OrderFromOpen(o types.OpenOrder, status string) OrderView {
	side, _ := types.ParseSide(o.Side)
	orig := parseDecimal(o.OrigSz)
	remaining := parseDecimal(o.Sz)
	if orig.IsZero() {
		orig = remaining
	}
	filled := orig.Sub(remaining)
	if filled.IsNegative() {
		filled = decimal.Zero
	}
	return OrderView{
		Oid:         o.Oid,
		Cloid:       o.Cloid,
		Coin:        o.Coin,
		Side:        side,
		Px:          parseDecimal(o.LimitPx),
		OrigSz:      orig,
		RemainingSz: remaining,
		FilledSz:    filled,
		TIF:         o.Tif,
		ReduceOnly:  o.ReduceOnly,
		Status:      status,
		Timestamp:   o.Timestamp,
	}
}

// 订单终态，收到后从挂单中移除
func terminalOrderStatus(status string) bool {
	switch strings.ToLower(status) {
	case "open", "triggered", "":
		return false
	default:
		return true
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
