package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/hlmcp/hyperliquid/types"
)

// Kind 意图类型
type Kind string

const (
	KindPlace          Kind = "place"
	KindCancel         Kind = "cancel"
	KindModify         Kind = "modify"
	KindLeverage       Kind = "leverage_change"
	KindClosePosition  Kind = "close_position"
	KindTransfer       Kind = "transfer"
	KindCancelAll      Kind = "cancel_all"
	KindScheduleCancel Kind = "schedule_cancel"
)

// OrderType 下单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// Intent 一次变更请求。按 Kind 读取对应字段：
//
//	place:           Coin Side Size OrderType Price TIF ReduceOnly Cloid
//	cancel:          Coin, Oid 或 Cloid
//	modify:          Coin Oid Price Size TIF，Side 为空时取缓存中的原方向
//	leverage_change: Coin Leverage Cross
//	close_position:  Coin
//	transfer:        Amount ToPerp
//	schedule_cancel: Seconds
type Intent struct {
	Kind       Kind
	Coin       string
	Side       types.Side
	Size       decimal.Decimal
	OrderType  OrderType
	Price      *decimal.Decimal
	TIF        types.TIF
	ReduceOnly bool
	Cloid      string
	Oid        int64

	Leverage int
	Cross    bool

	Amount decimal.Decimal
	ToPerp bool

	Seconds int
}

// IntentState 意图记录的状态
type IntentState string

const (
	StatePending      IntentState = "pending"
	StateAcknowledged IntentState = "acknowledged"
	StateFailed       IntentState = "failed"
	StateSuperseded   IntentState = "superseded"
)

// 订单结果状态
const (
	StatusResting         = "resting"
	StatusFilled          = "filled"
	StatusPartiallyFilled = "partially_filled"
	StatusCancelled       = "cancelled"
	StatusModified        = "modified"
	StatusOK              = "ok"
)

// OrderResult 变更成功后的结果
type OrderResult struct {
	Kind     Kind   `json:"kind"`
	IntentID string `json:"intent_id"`
	Coin     string `json:"coin,omitempty"`
	Oid      int64  `json:"oid,omitempty"`
	Cloid    string `json:"cloid,omitempty"`
	Status   string `json:"status"`
	Side     string `json:"side,omitempty"`
	Price    string `json:"price,omitempty"`
	Size     string `json:"size,omitempty"`
	FilledSz string `json:"filled_size,omitempty"`
	AvgPx    string `json:"avg_price,omitempty"`
	// Deduplicated 表示结果来自之前已确认的同一 cloid，本次没有访问交易所
	Deduplicated bool   `json:"deduplicated,omitempty"`
	Nonce        uint64 `json:"nonce,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// CancelFailure 批量撤单中失败的一笔
type CancelFailure struct {
	Oid   int64  `json:"oid"`
	Coin  string `json:"coin"`
	Error string `json:"error"`
}

// CancelAllResult 批量撤单结果
type CancelAllResult struct {
	IntentID  string          `json:"intent_id"`
	Attempted int             `json:"attempted"`
	Cancelled int             `json:"cancelled"`
	Failures  []CancelFailure `json:"failures,omitempty"`
}

// Record 保留期内的意图记录，用于幂等重试判断
type Record struct {
	ID          string       `json:"id"`
	Kind        Kind         `json:"kind"`
	Coin        string       `json:"coin,omitempty"`
	Nonce       uint64       `json:"nonce,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
	State       IntentState  `json:"state"`
	Result      *OrderResult `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
}
