package types

// PerpMeta metaAndAssetCtxs 的第一个元素
type PerpMeta struct {
	Universe []PerpAssetInfo `json:"universe"`
}

// PerpAssetInfo 永续合约元数据
type PerpAssetInfo struct {
	Name         string `json:"name"`
	SzDecimals   int    `json:"szDecimals"`
	MaxLeverage  int    `json:"maxLeverage"`
	OnlyIsolated bool   `json:"onlyIsolated,omitempty"`
	IsDelisted   bool   `json:"isDelisted,omitempty"`
}

// PerpAssetCtx 永续合约实时上下文，按 universe 下标对齐
type PerpAssetCtx struct {
	Funding      string   `json:"funding"`
	OpenInterest string   `json:"openInterest"`
	PrevDayPx    string   `json:"prevDayPx"`
	DayNtlVlm    string   `json:"dayNtlVlm"`
	Premium      string   `json:"premium"`
	OraclePx     string   `json:"oraclePx"`
	MarkPx       string   `json:"markPx"`
	MidPx        string   `json:"midPx"`
	ImpactPxs    []string `json:"impactPxs"`
}

// SpotMeta spotMetaAndAssetCtxs 的第一个元素
type SpotMeta struct {
	Universe []SpotPairInfo  `json:"universe"`
	Tokens   []SpotTokenInfo `json:"tokens"`
}

// SpotPairInfo 现货交易对
type SpotPairInfo struct {
	Name        string `json:"name"`
	Tokens      []int  `json:"tokens"`
	Index       int    `json:"index"`
	IsCanonical bool   `json:"isCanonical"`
}

// SpotTokenInfo 现货代币
type SpotTokenInfo struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	WeiDecimals int    `json:"weiDecimals"`
	Index       int    `json:"index"`
	TokenID     string `json:"tokenId"`
}

// SpotAssetCtx 现货实时上下文
type SpotAssetCtx struct {
	Coin      string `json:"coin"`
	DayNtlVlm string `json:"dayNtlVlm"`
	MarkPx    string `json:"markPx"`
	MidPx     string `json:"midPx"`
	PrevDayPx string `json:"prevDayPx"`
}

// MarketKind 市场类型
type MarketKind string

const (
	MarketPerp MarketKind = "perp"
	MarketSpot MarketKind = "spot"
)

// Market 合并后的市场信息（永续 + 现货统一视图）
type Market struct {
	Name         string     `json:"name"`
	Kind         MarketKind `json:"kind"`
	Asset        int        `json:"asset"`
	SzDecimals   int        `json:"sz_decimals"`
	MaxLeverage  int        `json:"max_leverage,omitempty"`
	OnlyIsolated bool       `json:"only_isolated,omitempty"`
	MarkPx       string     `json:"mark_px"`
	OraclePx     string     `json:"oracle_px,omitempty"`
	MidPx        string     `json:"mid_px,omitempty"`
	Funding      string     `json:"funding,omitempty"`
	OpenInterest string     `json:"open_interest,omitempty"`
	DayNtlVlm    string     `json:"day_ntl_vlm"`
	PrevDayPx    string     `json:"prev_day_px,omitempty"`
}

// BookLevel 盘口档位
type BookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// L2Book l2Book 快照；Levels[0] 为买盘，Levels[1] 为卖盘
type L2Book struct {
	Coin   string         `json:"coin"`
	Time   int64          `json:"time"`
	Levels [2][]BookLevel `json:"levels"`
}

// Bids 买盘
func (b *L2Book) Bids() []BookLevel { return b.Levels[0] }

// Asks 卖盘
func (b *L2Book) Asks() []BookLevel { return b.Levels[1] }

// BookDiff 增量盘口。Sz 为 "0" 的档位表示删除
type BookDiff struct {
	Coin    string      `json:"coin"`
	Seq     uint64      `json:"seq"`
	PrevSeq uint64      `json:"prevSeq"`
	Bids    []BookLevel `json:"bids"`
	Asks    []BookLevel `json:"asks"`
}

// Candle K 线
type Candle struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Coin      string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	Trades    int    `json:"n"`
}

// FundingRecord 资金费率历史
type FundingRecord struct {
	Coin        string `json:"coin"`
	FundingRate string `json:"fundingRate"`
	Premium     string `json:"premium"`
	Time        int64  `json:"time"`
}
