package signing

import (
	"sync"
	"time"
)

// NonceSource 生成严格递增的毫秒级 nonce：max(now, last+1)
type NonceSource struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

// NewNonceSource now 为空时使用 time.Now
func NewNonceSource(now func() time.Time) *NonceSource {
	if now == nil {
		now = time.Now
	}
	return &NonceSource{now: now}
}

// Next 返回下一个 nonce
func (n *NonceSource) Next() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	ts := uint64(n.now().UnixMilli())
	if ts <= n.last {
		ts = n.last + 1
	}
	n.last = ts
	return ts
}

// Last 最近一次发出的 nonce
func (n *NonceSource) Last() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}
