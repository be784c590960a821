package execution

import (
	"hash/fnv"
	"sync"
	"time"
)

// InFlightDeduper 同一意图标识同一时刻只允许一个请求在途。
//
// 正常情况下请求结束时 Release；TTL 只在调用方丢失 Release 时兜底，
// 应大于排队超时与提交超时之和。
type InFlightDeduper struct {
	ttl    time.Duration
	now    func() time.Time
	shards []inFlightShard
}

// Holder 占用某个标识的请求
type Holder struct {
	Kind  Kind
	Since time.Time
}

type inFlightEntry struct {
	Holder
	expires time.Time
}

type inFlightShard struct {
	mu sync.Mutex
	m  map[string]inFlightEntry
}

// NewInFlightDeduper 创建去重器
func NewInFlightDeduper(ttl time.Duration, shardCount int) *InFlightDeduper {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]inFlightShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]inFlightEntry)
	}
	return &InFlightDeduper{ttl: ttl, now: time.Now, shards: shards}
}

// TryAcquire 为 key 占位。已被占用时返回当前占用者和 false
func (d *InFlightDeduper) TryAcquire(key string, kind Kind) (Holder, bool) {
	if d == nil || key == "" {
		return Holder{}, true
	}
	now := d.now()
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.m[key]; ok {
		if e.expires.After(now) {
			return e.Holder, false
		}
		delete(sh.m, key)
	}
	sh.sweep(now)
	sh.m[key] = inFlightEntry{Holder: Holder{Kind: kind, Since: now}, expires: now.Add(d.ttl)}
	return Holder{}, true
}

// Release 释放 key
func (d *InFlightDeduper) Release(key string) {
	if d == nil || key == "" {
		return
	}
	sh := d.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// Len 当前在途的标识数
func (d *InFlightDeduper) Len() int {
	if d == nil {
		return 0
	}
	n := 0
	for i := range d.shards {
		sh := &d.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// sweep 惰性清理本分片的过期项
func (sh *inFlightShard) sweep(now time.Time) {
	for k, e := range sh.m {
		if !e.expires.After(now) {
			delete(sh.m, k)
		}
	}
}

func (d *InFlightDeduper) shard(key string) *inFlightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &d.shards[h.Sum32()%uint32(len(d.shards))]
}
