package statecache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/betbot/hlmcp/hyperliquid/client"
	"github.com/betbot/hlmcp/hyperliquid/stream"
	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/metrics"
)

var feedLog = logrus.WithField("component", "feed")

// State 推送连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateDegraded
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var errHeartbeatLost = errors.New("feed: heartbeat lost")

// FeedConfig 推送参数
type FeedConfig struct {
	HeartbeatTimeout time.Duration
	GracePeriod      time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	OutageThreshold  time.Duration
}

// DefaultFeedConfig 默认参数
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		HeartbeatTimeout: 30 * time.Second,
		GracePeriod:      10 * time.Second,
		BackoffBase:      500 * time.Millisecond,
		BackoffMax:       30 * time.Second,
		OutageThreshold:  2 * time.Minute,
	}
}

// Feed 后台持有推送连接，把事件合并进 Cache
type Feed struct {
	adapter client.Adapter
	cache   *Cache
	address AddressSource
	cfg     FeedConfig
	now     func() time.Time

	state atomic.Int32

	mu                sync.Mutex
	disconnectedSince time.Time

	resyncs singleflight.Group
}

// NewFeed 创建推送；address 可为 nil（只订阅行情）
func NewFeed(adapter client.Adapter, cache *Cache, address AddressSource, cfg FeedConfig) *Feed {
	d := DefaultFeedConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = d.GracePeriod
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = d.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.OutageThreshold <= 0 {
		cfg.OutageThreshold = d.OutageThreshold
	}
	f := &Feed{
		adapter: adapter,
		cache:   cache,
		address: address,
		cfg:     cfg,
		now:     time.Now,
	}
	f.setState(StateDisconnected)
	return f
}

// State 当前状态
func (f *Feed) State() State { return State(f.state.Load()) }

func (f *Feed) setState(s State) {
	prev := State(f.state.Swap(int32(s)))
	metrics.FeedState.Set(s.String())
	if prev != s {
		feedLog.Debugf("状态 %s -> %s", prev, s)
	}
}

// newBackOff 重连退避：指数增长加满抖动，第 n 次等待在 [0, min(BackoffBase·2^n, BackoffMax)] 内，永不放弃
func (f *Feed) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	// 抖动系数为 1 时取值在 [0, 2·interval]，所以区间取一半
	b.InitialInterval = f.cfg.BackoffBase / 2
	b.MaxInterval = f.cfg.BackoffMax / 2
	b.Multiplier = 2
	b.RandomizationFactor = 1
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (f *Feed) markDisconnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnectedSince.IsZero() {
		f.disconnectedSince = f.now()
	}
}

func (f *Feed) markHealthy() {
	f.mu.Lock()
	f.disconnectedSince = time.Time{}
	f.mu.Unlock()
	f.cache.SetDegraded(false)
}

// checkOutage 断线超过 OutageThreshold 后进入降级轮询
func (f *Feed) checkOutage() {
	f.mu.Lock()
	since := f.disconnectedSince
	f.mu.Unlock()
	if !since.IsZero() && f.now().Sub(since) >= f.cfg.OutageThreshold {
		f.cache.SetDegraded(true)
	}
}

func (f *Feed) subscriptions() []types.Subscription {
	subs := []types.Subscription{types.AllMidsSubscription()}
	for _, coin := range f.cache.TrackedBooks() {
		subs = append(subs, types.L2BookSubscription(coin))
	}
	if f.address != nil {
		if addr, err := f.address.QueryAddress(); err == nil {
			user := strings.ToLower(addr.Hex())
			subs = append(subs,
				types.OrderUpdatesSubscription(user),
				types.UserFillsSubscription(user),
				types.WebData2Subscription(user),
			)
		}
	}
	return subs
}

// Run 连接、订阅、断线重连，直到 ctx 结束。只有不可恢复的错误才返回非 nil
func (f *Feed) Run(ctx context.Context) error {
	f.markDisconnected()
	bo := f.newBackOff()
	attempt := 0
	for {
		if ctx.Err() != nil {
			f.setState(StateDisconnected)
			return nil
		}
		if attempt == 0 {
			f.setState(StateConnecting)
		} else {
			f.setState(StateReconnecting)
		}

		s, err := f.adapter.OpenStream(ctx, f.subscriptions())
		if err != nil {
			if errors.Is(err, stream.ErrFatal) {
				f.setState(StateDisconnected)
				feedLog.Errorf("推送连接不可恢复: %v", err)
				return err
			}
			wait := bo.NextBackOff()
			attempt++
			feedLog.Warnf("推送连接失败（第 %d 次），%s 后重试: %v", attempt, wait, err)
			f.checkOutage()
			if !sleepCtx(ctx, wait) {
				f.setState(StateDisconnected)
				return nil
			}
			continue
		}
		if attempt > 0 {
			metrics.FeedReconnects.Add(1)
		}

		healthy, err := f.serve(ctx, s)
		_ = s.Close()
		if ctx.Err() != nil {
			f.setState(StateDisconnected)
			return nil
		}
		f.markDisconnected()
		if healthy {
			attempt = 0
			bo.Reset()
		}
		wait := bo.NextBackOff()
		attempt++
		feedLog.Warnf("推送断开，%s 后重连: %v", wait, err)
		f.setState(StateReconnecting)
		f.checkOutage()
		if !sleepCtx(ctx, wait) {
			f.setState(StateDisconnected)
			return nil
		}
	}
}

// serve 处理一次连接；healthy 表示本次连接曾完成全量同步
func (f *Feed) serve(ctx context.Context, s client.Stream) (healthy bool, err error) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.setState(StateSubscribed)
	f.cache.BeginResync()
	resynced := make(chan struct{})
	go f.resyncLoop(sessCtx, resynced)

	tick := f.cfg.HeartbeatTimeout / 4
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	lastEvent := f.now()
	var degradedSince time.Time

	for {
		select {
		case <-ctx.Done():
			return healthy, ctx.Err()

		case <-resynced:
			resynced = nil
			healthy = true
			f.markHealthy()

		case ev, ok := <-s.Events():
			if !ok {
				if err := s.Err(); err != nil {
					return healthy, err
				}
				return healthy, stream.ErrClosed
			}
			lastEvent = f.now()
			if !degradedSince.IsZero() {
				degradedSince = time.Time{}
				f.setState(StateSubscribed)
			}
			f.cache.Apply(ev)

		case coin := <-f.cache.Tracks():
			if err := s.Subscribe(types.L2BookSubscription(coin)); err != nil {
				feedLog.WithField("coin", coin).Warnf("订阅盘口失败: %v", err)
			}
			f.resyncBook(sessCtx, coin)

		case coin := <-f.cache.ResyncRequests():
			f.resyncBook(sessCtx, coin)

		case <-ticker.C:
			now := f.now()
			if degradedSince.IsZero() {
				if now.Sub(lastEvent) > f.cfg.HeartbeatTimeout {
					degradedSince = now
					f.setState(StateDegraded)
					feedLog.Warnf("%s 内没有收到任何推送", f.cfg.HeartbeatTimeout)
				}
				continue
			}
			if now.Sub(degradedSince) > f.cfg.GracePeriod {
				return healthy, errHeartbeatLost
			}
		}
	}
}

// resyncLoop 连接建立后的全量同步，失败按退避重试直到成功或连接结束
func (f *Feed) resyncLoop(ctx context.Context, done chan<- struct{}) {
	bo := f.newBackOff()
	for {
		err := f.cache.Resync(ctx)
		if err == nil {
			close(done)
			return
		}
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		feedLog.Warnf("全量同步失败，%s 后重试: %v", wait, err)
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (f *Feed) resyncBook(ctx context.Context, coin string) {
	f.cache.BeginBookResync(coin)
	go f.resyncs.Do(coin, func() (interface{}, error) {
		if err := f.cache.ResyncBook(ctx, coin); err != nil && ctx.Err() == nil {
			feedLog.WithField("coin", coin).Warnf("盘口重新同步失败: %v", err)
			return nil, err
		}
		return nil, nil
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
