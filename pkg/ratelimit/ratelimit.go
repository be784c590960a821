package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	WaitN(ctx context.Context, n int) error
	Allow() bool
	GetRemaining() int
}

// TokenBucket 带权重的令牌桶：容量 capacity，每个 window 补满一次（按时间连续补充）
type TokenBucket struct {
	capacity   float64
	tokens     float64
	perSecond  float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 创建令牌桶，capacity 个令牌在 window 内匀速补满
func NewTokenBucket(capacity int, window time.Duration) *TokenBucket {
	if window <= 0 {
		window = time.Minute
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		perSecond:  float64(capacity) / window.Seconds(),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// refill 补充令牌（调用方持锁）
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.perSecond
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// take 尝试取 n 个令牌；失败时返回需要等待的时间
func (tb *TokenBucket) take(n int) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	need := float64(n)
	if need > tb.capacity {
		// 单次权重超过容量时按满桶放行，避免永久阻塞
		need = tb.capacity
	}
	if tb.tokens >= need {
		tb.tokens -= need
		return true, 0
	}
	if tb.perSecond <= 0 {
		return false, time.Second
	}
	missing := need - tb.tokens
	return false, time.Duration(missing / tb.perSecond * float64(time.Second))
}

// Allow 取一个令牌
func (tb *TokenBucket) Allow() bool {
	ok, _ := tb.take(1)
	return ok
}

// Wait 等待一个令牌
func (tb *TokenBucket) Wait(ctx context.Context) error {
	return tb.WaitN(ctx, 1)
}

// WaitN 等待 n 个令牌，ctx 取消时返回 ctx.Err()
func (tb *TokenBucket) WaitN(ctx context.Context, n int) error {
	for {
		ok, wait := tb.take(n)
		if ok {
			return nil
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// GetRemaining 剩余令牌数（向下取整）
func (tb *TokenBucket) GetRemaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int(tb.tokens)
}

// Hyperliquid 按 IP 的 REST 权重上限：每分钟 1200
const DefaultWeightPerMinute = 1200

// InfoWeight /info 请求的权重
func InfoWeight(requestType string) int {
	switch requestType {
	case "l2Book", "allMids", "clearinghouseState", "orderStatus", "spotClearinghouseState", "exchangeStatus":
		return 2
	case "userRole":
		return 60
	default:
		return 20
	}
}

// ExchangeWeight /exchange 请求的权重：1 + floor(批量长度 / 40)
func ExchangeWeight(batchLen int) int {
	return 1 + batchLen/40
}

// Manager 按端点类别管理限流器
type Manager struct {
	limiters map[string]RateLimiter
	fallback RateLimiter
	mu       sync.RWMutex
}

// NewManager 创建管理器；info 与 exchange 共享同一个按 IP 的权重桶
func NewManager(weightPerMinute int) *Manager {
	if weightPerMinute <= 0 {
		weightPerMinute = DefaultWeightPerMinute
	}
	shared := NewTokenBucket(weightPerMinute, time.Minute)
	return &Manager{
		limiters: map[string]RateLimiter{
			"info":     shared,
			"exchange": shared,
		},
		fallback: shared,
	}
}

// Set 替换某一类别的限流器
func (m *Manager) Set(category string, limiter RateLimiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[category] = limiter
}

// Get 获取类别对应的限流器
func (m *Manager) Get(category string) RateLimiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.limiters[category]; ok {
		return l
	}
	return m.fallback
}

// WaitN 等待指定类别的 n 个权重
func (m *Manager) WaitN(ctx context.Context, category string, n int) error {
	return m.Get(category).WaitN(ctx, n)
}
