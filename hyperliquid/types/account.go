package types

// ClearinghouseState 永续账户状态
type ClearinghouseState struct {
	AssetPositions     []AssetPosition `json:"assetPositions"`
	MarginSummary      MarginSummary   `json:"marginSummary"`
	CrossMarginSummary MarginSummary   `json:"crossMarginSummary"`
	Withdrawable       string          `json:"withdrawable"`
	Time               int64           `json:"time"`
}

// AssetPosition 持仓外层包装
type AssetPosition struct {
	Type     string   `json:"type"`
	Position Position `json:"position"`
}

// Position 持仓
type Position struct {
	Coin           string   `json:"coin"`
	Szi            string   `json:"szi"`
	EntryPx        string   `json:"entryPx"`
	PositionValue  string   `json:"positionValue"`
	UnrealizedPnl  string   `json:"unrealizedPnl"`
	ReturnOnEquity string   `json:"returnOnEquity"`
	Leverage       Leverage `json:"leverage"`
	LiquidationPx  *string  `json:"liquidationPx"`
	MarginUsed     string   `json:"marginUsed"`
	MaxLeverage    int      `json:"maxLeverage"`
}

// Leverage 杠杆设置
type Leverage struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

// MarginSummary 保证金汇总
type MarginSummary struct {
	AccountValue    string `json:"accountValue"`
	TotalMarginUsed string `json:"totalMarginUsed"`
	TotalNtlPos     string `json:"totalNtlPos"`
	TotalRawUsd     string `json:"totalRawUsd"`
}

// SpotClearinghouseState 现货余额
type SpotClearinghouseState struct {
	Balances []SpotBalance `json:"balances"`
}

// SpotBalance 现货代币余额
type SpotBalance struct {
	Coin     string `json:"coin"`
	Token    int    `json:"token"`
	Hold     string `json:"hold"`
	Total    string `json:"total"`
	EntryNtl string `json:"entryNtl"`
}

// AccountSnapshot 账户 REST 快照（永续 + 现货）
type AccountSnapshot struct {
	Perp ClearinghouseState     `json:"perp"`
	Spot SpotClearinghouseState `json:"spot"`
}

// OpenOrder frontendOpenOrders 返回的挂单
type OpenOrder struct {
	Coin       string `json:"coin"`
	Side       string `json:"side"` // "B" 买 / "A" 卖
	LimitPx    string `json:"limitPx"`
	Sz         string `json:"sz"`
	OrigSz     string `json:"origSz"`
	Oid        int64  `json:"oid"`
	Cloid      string `json:"cloid,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	ReduceOnly bool   `json:"reduceOnly"`
	OrderType  string `json:"orderType,omitempty"`
	Tif        string `json:"tif,omitempty"`
}

// Fill 成交
type Fill struct {
	Coin          string `json:"coin"`
	Px            string `json:"px"`
	Sz            string `json:"sz"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	StartPosition string `json:"startPosition"`
	Dir           string `json:"dir"`
	ClosedPnl     string `json:"closedPnl"`
	Hash          string `json:"hash"`
	Oid           int64  `json:"oid"`
	Crossed       bool   `json:"crossed"`
	Fee           string `json:"fee"`
	Tid           int64  `json:"tid"`
	FeeToken      string `json:"feeToken"`
}

// OrderStatusResult orderStatus 查询结果
type OrderStatusResult struct {
	Status string          `json:"status"` // "order" 或 "unknownOid"
	Order  *OrderStatusBox `json:"order,omitempty"`
}

// OrderStatusBox 订单及其状态
type OrderStatusBox struct {
	Order           OpenOrder `json:"order"`
	Status          string    `json:"status"`
	StatusTimestamp int64     `json:"statusTimestamp"`
}
