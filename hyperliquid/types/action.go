package types

import (
	"encoding/json"
	"fmt"
)

// 交易动作的结构体字段顺序即 msgpack 编码顺序，签名哈希依赖这个顺序，不要调整。

// LimitWire 限价参数
type LimitWire struct {
	Tif TIF `json:"tif" msgpack:"tif"`
}

// OrderTypeWire 订单类型
type OrderTypeWire struct {
	Limit *LimitWire `json:"limit,omitempty" msgpack:"limit,omitempty"`
}

// OrderWire 下单请求的线上格式
type OrderWire struct {
	Asset      int           `json:"a" msgpack:"a"`
	IsBuy      bool          `json:"b" msgpack:"b"`
	LimitPx    string        `json:"p" msgpack:"p"`
	Sz         string        `json:"s" msgpack:"s"`
	ReduceOnly bool          `json:"r" msgpack:"r"`
	OrderType  OrderTypeWire `json:"t" msgpack:"t"`
	Cloid      string        `json:"c,omitempty" msgpack:"c,omitempty"`
}

// BuilderInfo 订单附带的 builder 费用信息，F 单位为十分之一基点
type BuilderInfo struct {
	Builder string `json:"b" msgpack:"b"`
	Fee     int    `json:"f" msgpack:"f"`
}

// OrderAction 下单动作
type OrderAction struct {
	Type     string       `json:"type" msgpack:"type"`
	Orders   []OrderWire  `json:"orders" msgpack:"orders"`
	Grouping string       `json:"grouping" msgpack:"grouping"`
	Builder  *BuilderInfo `json:"builder,omitempty" msgpack:"builder,omitempty"`
}

// NewOrderAction 创建不分组的下单动作
func NewOrderAction(orders []OrderWire, builder *BuilderInfo) OrderAction {
	return OrderAction{Type: "order", Orders: orders, Grouping: "na", Builder: builder}
}

// CancelWire 按 oid 撤单
type CancelWire struct {
	Asset int   `json:"a" msgpack:"a"`
	Oid   int64 `json:"o" msgpack:"o"`
}

// CancelAction 撤单动作
type CancelAction struct {
	Type    string       `json:"type" msgpack:"type"`
	Cancels []CancelWire `json:"cancels" msgpack:"cancels"`
}

// NewCancelAction 创建撤单动作
func NewCancelAction(cancels []CancelWire) CancelAction {
	return CancelAction{Type: "cancel", Cancels: cancels}
}

// CancelByCloidWire 按 cloid 撤单
type CancelByCloidWire struct {
	Asset int    `json:"asset" msgpack:"asset"`
	Cloid string `json:"cloid" msgpack:"cloid"`
}

// CancelByCloidAction 按 cloid 撤单动作
type CancelByCloidAction struct {
	Type    string              `json:"type" msgpack:"type"`
	Cancels []CancelByCloidWire `json:"cancels" msgpack:"cancels"`
}

// NewCancelByCloidAction 创建按 cloid 撤单动作
func NewCancelByCloidAction(cancels []CancelByCloidWire) CancelByCloidAction {
	return CancelByCloidAction{Type: "cancelByCloid", Cancels: cancels}
}

// ModifyWire 改单
type ModifyWire struct {
	Oid   int64     `json:"oid" msgpack:"oid"`
	Order OrderWire `json:"order" msgpack:"order"`
}

// BatchModifyAction 批量改单动作
type BatchModifyAction struct {
	Type     string       `json:"type" msgpack:"type"`
	Modifies []ModifyWire `json:"modifies" msgpack:"modifies"`
}

// NewBatchModifyAction 创建改单动作
func NewBatchModifyAction(modifies []ModifyWire) BatchModifyAction {
	return BatchModifyAction{Type: "batchModify", Modifies: modifies}
}

// UpdateLeverageAction 调整杠杆
type UpdateLeverageAction struct {
	Type     string `json:"type" msgpack:"type"`
	Asset    int    `json:"asset" msgpack:"asset"`
	IsCross  bool   `json:"isCross" msgpack:"isCross"`
	Leverage int    `json:"leverage" msgpack:"leverage"`
}

// NewUpdateLeverageAction 创建调整杠杆动作
func NewUpdateLeverageAction(asset int, isCross bool, leverage int) UpdateLeverageAction {
	return UpdateLeverageAction{Type: "updateLeverage", Asset: asset, IsCross: isCross, Leverage: leverage}
}

// ScheduleCancelAction 定时撤销全部挂单（dead man's switch）。Time 为空表示取消定时
type ScheduleCancelAction struct {
	Type string `json:"type" msgpack:"type"`
	Time *int64 `json:"time,omitempty" msgpack:"time,omitempty"`
}

// NewScheduleCancelAction 创建定时撤单动作，atMs 为毫秒时间戳
func NewScheduleCancelAction(atMs int64) ScheduleCancelAction {
	return ScheduleCancelAction{Type: "scheduleCancel", Time: &atMs}
}

// 以下为用户签名动作（EIP-712 直接签消息，不走 msgpack）

// ApproveAgentAction 授权 agent 钱包
type ApproveAgentAction struct {
	Type             string `json:"type"`
	SignatureChainID string `json:"signatureChainId"`
	HyperliquidChain string `json:"hyperliquidChain"`
	AgentAddress     string `json:"agentAddress"`
	AgentName        string `json:"agentName"`
	Nonce            uint64 `json:"nonce"`
}

// ApproveBuilderFeeAction 授权 builder 费用
type ApproveBuilderFeeAction struct {
	Type             string `json:"type"`
	SignatureChainID string `json:"signatureChainId"`
	HyperliquidChain string `json:"hyperliquidChain"`
	MaxFeeRate       string `json:"maxFeeRate"`
	Builder          string `json:"builder"`
	Nonce            uint64 `json:"nonce"`
}

// UsdClassTransferAction 现货与永续账户之间划转 USDC
type UsdClassTransferAction struct {
	Type             string `json:"type"`
	SignatureChainID string `json:"signatureChainId"`
	HyperliquidChain string `json:"hyperliquidChain"`
	Amount           string `json:"amount"`
	ToPerp           bool   `json:"toPerp"`
	Nonce            uint64 `json:"nonce"`
}

// Signature 以太坊签名，R/S 为 0x 开头的 32 字节十六进制，V 为 27 或 28
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

// ExchangeRequest /exchange 请求体
type ExchangeRequest struct {
	Action       interface{} `json:"action"`
	Nonce        uint64      `json:"nonce"`
	Signature    Signature   `json:"signature"`
	VaultAddress *string     `json:"vaultAddress"`
}

// ActionType 返回动作的 type 字段
func ActionType(action interface{}) string {
	switch a := action.(type) {
	case OrderAction:
		return a.Type
	case CancelAction:
		return a.Type
	case CancelByCloidAction:
		return a.Type
	case BatchModifyAction:
		return a.Type
	case UpdateLeverageAction:
		return a.Type
	case ScheduleCancelAction:
		return a.Type
	case ApproveAgentAction:
		return a.Type
	case ApproveBuilderFeeAction:
		return a.Type
	case UsdClassTransferAction:
		return a.Type
	default:
		return fmt.Sprintf("%T", action)
	}
}

// ExchangeResponse /exchange 响应
type ExchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// OK 顶层状态是否为 ok
func (r *ExchangeResponse) OK() bool { return r.Status == "ok" }

// ErrorMessage status 为 err 时 response 是一段文本
func (r *ExchangeResponse) ErrorMessage() string {
	var s string
	if err := json.Unmarshal(r.Response, &s); err == nil {
		return s
	}
	return string(r.Response)
}

type exchangeResponseBody struct {
	Type string `json:"type"`
	Data struct {
		Statuses []StatusEntry `json:"statuses"`
	} `json:"data"`
}

// Statuses 解析逐单状态；default 类型的响应没有 statuses，返回空切片
func (r *ExchangeResponse) Statuses() ([]StatusEntry, error) {
	if len(r.Response) == 0 {
		return nil, nil
	}
	var body exchangeResponseBody
	if err := json.Unmarshal(r.Response, &body); err != nil {
		return nil, fmt.Errorf("解析 exchange 响应失败: %w", err)
	}
	return body.Data.Statuses, nil
}

// RestingStatus 挂单成功
type RestingStatus struct {
	Oid   int64  `json:"oid"`
	Cloid string `json:"cloid,omitempty"`
}

// FilledStatus 立即成交
type FilledStatus struct {
	TotalSz string `json:"totalSz"`
	AvgPx   string `json:"avgPx"`
	Oid     int64  `json:"oid"`
	Cloid   string `json:"cloid,omitempty"`
}

// StatusEntry 单笔状态。交易所既可能返回字符串（"success"），也可能返回对象
type StatusEntry struct {
	Literal string         `json:"-"`
	Resting *RestingStatus `json:"resting,omitempty"`
	Filled  *FilledStatus  `json:"filled,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// UnmarshalJSON 兼容字符串与对象两种形态
func (s *StatusEntry) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.Literal)
	}
	type plain StatusEntry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = StatusEntry(p)
	return nil
}

// MarshalJSON 与 UnmarshalJSON 对称
func (s StatusEntry) MarshalJSON() ([]byte, error) {
	if s.Literal != "" {
		return json.Marshal(s.Literal)
	}
	type plain StatusEntry
	return json.Marshal(plain(s))
}

// IsError 是否为失败状态
func (s StatusEntry) IsError() bool { return s.Error != "" }
