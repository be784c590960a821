package types

import "time"

// Subscription websocket 订阅主题
type Subscription struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
	User string `json:"user,omitempty"`
}

// Key 用于去重的订阅标识
func (s Subscription) Key() string {
	return s.Type + "|" + s.Coin + "|" + s.User
}

func AllMidsSubscription() Subscription { return Subscription{Type: "allMids"} }

func L2BookSubscription(coin string) Subscription {
	return Subscription{Type: "l2Book", Coin: coin}
}

func OrderUpdatesSubscription(user string) Subscription {
	return Subscription{Type: "orderUpdates", User: user}
}

func UserFillsSubscription(user string) Subscription {
	return Subscription{Type: "userFills", User: user}
}

func WebData2Subscription(user string) Subscription {
	return Subscription{Type: "webData2", User: user}
}

// EventKind 推送事件类型
type EventKind int

const (
	EventHeartbeat EventKind = iota
	EventBookSnapshot
	EventBookDiff
	EventMids
	EventOrderUpdates
	EventFills
	EventAccount
)

func (k EventKind) String() string {
	switch k {
	case EventHeartbeat:
		return "heartbeat"
	case EventBookSnapshot:
		return "book_snapshot"
	case EventBookDiff:
		return "book_diff"
	case EventMids:
		return "mids"
	case EventOrderUpdates:
		return "order_updates"
	case EventFills:
		return "fills"
	case EventAccount:
		return "account"
	default:
		return "unknown"
	}
}

// WsOrderUpdate orderUpdates 频道的单条更新
type WsOrderUpdate struct {
	Order           OpenOrder `json:"order"`
	Status          string    `json:"status"`
	StatusTimestamp int64     `json:"statusTimestamp"`
}

// WsUserFills userFills 频道
type WsUserFills struct {
	IsSnapshot bool   `json:"isSnapshot"`
	User       string `json:"user"`
	Fills      []Fill `json:"fills"`
}

// WsWebData2 webData2 频道中用到的部分
type WsWebData2 struct {
	ClearinghouseState *ClearinghouseState `json:"clearinghouseState"`
}

// WsAllMids allMids 频道
type WsAllMids struct {
	Mids map[string]string `json:"mids"`
}

// StreamEvent 解码后的推送事件；按 Kind 读取对应字段
type StreamEvent struct {
	Kind     EventKind
	Coin     string
	Book     *L2Book
	Diff     *BookDiff
	Mids     map[string]string
	Orders   []WsOrderUpdate
	Fills    *WsUserFills
	Account  *ClearinghouseState
	Received time.Time
}
