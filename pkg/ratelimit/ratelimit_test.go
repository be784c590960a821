package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketWeighted(t *testing.T) {
	now := time.Unix(0, 0)
	tb := NewTokenBucket(60, time.Minute)
	tb.now = func() time.Time { return now }
	tb.lastRefill = now

	ctx := context.Background()
	if err := tb.WaitN(ctx, 50); err != nil {
		t.Fatalf("首次取 50 个令牌不应失败: %v", err)
	}
	if got := tb.GetRemaining(); got != 10 {
		t.Errorf("期望剩余 10，得到 %d", got)
	}
	if ok, wait := tb.take(20); ok || wait <= 0 {
		t.Errorf("令牌不足时应返回等待时间，ok=%v wait=%v", ok, wait)
	}

	// 10 秒补 10 个
	now = now.Add(10 * time.Second)
	if got := tb.GetRemaining(); got != 20 {
		t.Errorf("期望补充后剩余 20，得到 %d", got)
	}
}

func TestTokenBucketWaitCancelled(t *testing.T) {
	tb := NewTokenBucket(1, time.Hour)
	if !tb.Allow() {
		t.Fatal("第一个令牌应可用")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); err == nil {
		t.Fatal("桶空且 ctx 超时时应返回错误")
	}
}

func TestWeights(t *testing.T) {
	if InfoWeight("l2Book") != 2 {
		t.Errorf("l2Book 权重应为 2")
	}
	if InfoWeight("candleSnapshot") != 20 {
		t.Errorf("candleSnapshot 权重应为 20")
	}
	if ExchangeWeight(1) != 1 || ExchangeWeight(80) != 3 {
		t.Errorf("exchange 权重计算错误")
	}
}

func TestManagerSharedBucket(t *testing.T) {
	m := NewManager(100)
	if m.Get("info") != m.Get("exchange") {
		t.Error("info 与 exchange 应共享权重桶")
	}
	if m.Get("unknown") == nil {
		t.Error("未知类别应返回兜底限流器")
	}
}
