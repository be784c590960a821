package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hlmcp/hyperliquid/types"
)

var streamLog = logrus.WithField("component", "hl_stream")

// Conn 一条 websocket 连接。Events 通道在连接断开后关闭
type Conn struct {
	conn   *websocket.Conn
	config Config

	writeMu sync.Mutex

	subMu         sync.Mutex
	subscriptions map[string]types.Subscription

	events chan types.StreamEvent
	errMu  sync.Mutex
	err    error

	closeOnce sync.Once
	done      chan struct{}
}

// Dial 建立连接并发送初始订阅
func Dial(ctx context.Context, cfg Config, subs []types.Subscription) (*Conn, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("%w: 无效的 websocket 地址 %q", ErrFatal, cfg.URL)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("连接 websocket 失败: %w", err)
	}
	ws.SetReadLimit(cfg.MaxMessageBytes)

	c := &Conn{
		conn:          ws,
		config:        cfg,
		subscriptions: make(map[string]types.Subscription),
		events:        make(chan types.StreamEvent, cfg.EventBufferSize),
		done:          make(chan struct{}),
	}
	for _, s := range subs {
		if err := c.Subscribe(s); err != nil {
			c.closeWith(err)
			return nil, err
		}
	}

	go c.readLoop()
	go c.pingLoop()
	go func() {
		select {
		case <-ctx.Done():
			c.closeWith(ctx.Err())
		case <-c.done:
		}
	}()

	streamLog.Debugf("已连接 %s，初始订阅 %d 个", cfg.URL, len(subs))
	return c, nil
}

// Events 事件通道
func (c *Conn) Events() <-chan types.StreamEvent { return c.events }

// Err 连接关闭的原因
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Subscribe 订阅主题；同一主题重复订阅会被忽略
func (c *Conn) Subscribe(sub types.Subscription) error {
	c.subMu.Lock()
	if _, ok := c.subscriptions[sub.Key()]; ok {
		c.subMu.Unlock()
		return nil
	}
	c.subscriptions[sub.Key()] = sub
	c.subMu.Unlock()

	msg := map[string]interface{}{
		"method":       "subscribe",
		"subscription": sub,
	}
	if err := c.writeJSON(msg); err != nil {
		c.subMu.Lock()
		delete(c.subscriptions, sub.Key())
		c.subMu.Unlock()
		return fmt.Errorf("发送订阅失败: %w", err)
	}
	return nil
}

// SubscriptionCount 当前订阅数
func (c *Conn) SubscriptionCount() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subscriptions)
}

// Close 关闭连接
func (c *Conn) Close() error {
	c.closeWith(ErrClosed)
	return nil
}

func (c *Conn) closeWith(reason error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = reason
		c.errMu.Unlock()
		close(c.done)

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *Conn) writeJSON(v interface{}) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteJSON(v)
}

// readLoop 读循环；事件按到达顺序阻塞投递，不丢弃（盘口增量依赖完整序列）
func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					streamLog.Info("连接被对端正常关闭")
				} else {
					streamLog.Warnf("读取错误: %v", err)
				}
			}
			c.closeWith(err)
			return
		}

		ev, ok, err := decodeMessage(message, time.Now())
		if err != nil {
			streamLog.Warnf("⚠️ %v", err)
			continue
		}
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// pingLoop 周期性发送 {"method":"ping"}，服务端回复 pong 频道
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeJSON(map[string]string{"method": "ping"}); err != nil {
				streamLog.Debugf("发送 ping 失败: %v", err)
				c.closeWith(err)
				return
			}
		}
	}
}
