package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/betbot/hlmcp/hyperliquid/types"
)

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// decodeMessage 把一条推送解码为事件；ok=false 表示该消息无需向上游传递
func decodeMessage(raw []byte, now time.Time) (ev types.StreamEvent, ok bool, err error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ev, false, fmt.Errorf("解析推送失败: %w", err)
	}
	ev.Received = now

	switch env.Channel {
	case "pong", "subscriptionResponse":
		ev.Kind = types.EventHeartbeat
		return ev, true, nil

	case "allMids":
		var m types.WsAllMids
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return ev, false, fmt.Errorf("解析 allMids 失败: %w", err)
		}
		ev.Kind = types.EventMids
		ev.Mids = m.Mids
		return ev, true, nil

	case "l2Book":
		var b types.L2Book
		if err := json.Unmarshal(env.Data, &b); err != nil {
			return ev, false, fmt.Errorf("解析 l2Book 失败: %w", err)
		}
		ev.Kind = types.EventBookSnapshot
		ev.Coin = b.Coin
		ev.Book = &b
		return ev, true, nil

	case "l2BookDiff":
		var d types.BookDiff
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return ev, false, fmt.Errorf("解析 l2BookDiff 失败: %w", err)
		}
		ev.Kind = types.EventBookDiff
		ev.Coin = d.Coin
		ev.Diff = &d
		return ev, true, nil

	case "orderUpdates":
		var updates []types.WsOrderUpdate
		if err := json.Unmarshal(env.Data, &updates); err != nil {
			return ev, false, fmt.Errorf("解析 orderUpdates 失败: %w", err)
		}
		ev.Kind = types.EventOrderUpdates
		ev.Orders = updates
		return ev, true, nil

	case "userFills":
		var fills types.WsUserFills
		if err := json.Unmarshal(env.Data, &fills); err != nil {
			return ev, false, fmt.Errorf("解析 userFills 失败: %w", err)
		}
		ev.Kind = types.EventFills
		ev.Fills = &fills
		return ev, true, nil

	case "webData2":
		var wd types.WsWebData2
		if err := json.Unmarshal(env.Data, &wd); err != nil {
			return ev, false, fmt.Errorf("解析 webData2 失败: %w", err)
		}
		if wd.ClearinghouseState == nil {
			return ev, false, nil
		}
		ev.Kind = types.EventAccount
		ev.Account = wd.ClearinghouseState
		return ev, true, nil

	case "error":
		return ev, false, fmt.Errorf("服务端错误: %s", string(env.Data))

	default:
		return ev, false, nil
	}
}
