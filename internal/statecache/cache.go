// Package statecache 维护行情与账户的本地视图。
//
// 推送（Feed）在后台持续合并增量，读操作按新鲜度预算直接返回缓存，或先做一次
// 单飞 REST 刷新。所有写入都在 Cache 的锁内完成，读者看不到合并到一半的盘口。
package statecache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/betbot/hlmcp/hyperliquid/client"
	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
	"github.com/betbot/hlmcp/internal/metrics"
)

var cacheLog = logrus.WithField("component", "statecache")

const (
	maxPendingDiffs = 4096
	signalBuffer    = 64

	SourceCache = "cache"
	SourceREST  = "rest"
)

// AddressSource 提供账户查询地址（identity.Manager 实现）
type AddressSource interface {
	QueryAddress() (common.Address, error)
}

// Policy 新鲜度预算
type Policy struct {
	// Realtime=false 时没有推送，所有读都直接走 REST
	Realtime          bool
	MaxStaleness      time.Duration
	DegradedStaleness time.Duration
}

// Options Cache 依赖
type Options struct {
	Adapter client.Adapter
	Address AddressSource
	Policy  Policy
	Now     func() time.Time
}

type bookEntry struct {
	book      *Book
	stale     bool
	resyncing bool
	pending   []types.BookDiff
}

// Cache 行情与账户缓存
type Cache struct {
	adapter client.Adapter
	address AddressSource
	policy  Policy
	now     func() time.Time

	mu          sync.RWMutex
	markets     map[string]types.Market
	marketOrder []string
	marketsAt   time.Time
	mids        map[string]decimal.Decimal
	midsAt      map[string]time.Time
	books       map[string]*bookEntry

	account      *AccountState
	accountAt    time.Time
	accountStale bool
	orders       map[int64]OrderView
	ordersAt     time.Time
	ordersStale  bool

	degraded atomic.Bool
	group    singleflight.Group

	trackC  chan string
	resyncC chan string
}

// New 创建缓存
func New(opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		adapter: opts.Adapter,
		address: opts.Address,
		policy:  opts.Policy,
		now:     opts.Now,
		markets: make(map[string]types.Market),
		mids:    make(map[string]decimal.Decimal),
		midsAt:  make(map[string]time.Time),
		books:   make(map[string]*bookEntry),
		orders:  make(map[int64]OrderView),
		trackC:  make(chan string, signalBuffer),
		resyncC: make(chan string, signalBuffer),
	}
}

// SetDegraded 由 Feed 在长时间断线时设置
func (c *Cache) SetDegraded(v bool) {
	if c.degraded.Swap(v) != v {
		cacheLog.Warnf("降级轮询模式: %v", v)
	}
}

// Degraded 是否处于降级模式
func (c *Cache) Degraded() bool { return c.degraded.Load() }

// Tracks 首次引用的新盘口，Feed 据此动态订阅
func (c *Cache) Tracks() <-chan string { return c.trackC }

// ResyncRequests 需要重新拉取快照的盘口
func (c *Cache) ResyncRequests() <-chan string { return c.resyncC }

// TrackedBooks 当前跟踪的全部盘口
func (c *Cache) TrackedBooks() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.books))
	for coin := range c.books {
		out = append(out, coin)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) budget() time.Duration {
	if !c.policy.Realtime {
		return 0
	}
	if c.degraded.Load() {
		return c.policy.DegradedStaleness
	}
	return c.policy.MaxStaleness
}

func (c *Cache) fresh(at time.Time, stale bool) bool {
	if stale || at.IsZero() {
		return false
	}
	b := c.budget()
	return b > 0 && c.now().Sub(at) <= b
}

func (c *Cache) meta(at time.Time, source string) Meta {
	m := Meta{Source: source, Degraded: c.degraded.Load()}
	if !at.IsZero() {
		if age := c.now().Sub(at); age > 0 {
			m.AgeMs = age.Milliseconds()
		}
	}
	return m
}

// refresh 同一个 key 的并发刷新只发出一次 REST 请求
func (c *Cache) refresh(ctx context.Context, key string, fn func(context.Context) error) error {
	_, err, _ := c.group.Do(key, func() (interface{}, error) {
		metrics.RESTRefreshes.Add(1)
		return nil, fn(ctx)
	})
	if err != nil {
		metrics.RefreshFailures.Add(1)
		cacheLog.WithField("key", key).Warnf("REST 刷新失败: %v", err)
		if apperr.Is(err, apperr.KindNoCredential) {
			return err
		}
		return apperr.Wrapf(err, apperr.KindStaleData, "%s 缓存过期且刷新失败", key)
	}
	return nil
}

func (c *Cache) user() (string, error) {
	if c.address == nil {
		return "", apperr.New(apperr.KindNoCredential, "未配置查询地址")
	}
	addr, err := c.address.QueryAddress()
	if err != nil {
		return "", err
	}
	return strings.ToLower(addr.Hex()), nil
}

// ---- 市场 ----

func (c *Cache) loadMarkets(ctx context.Context) error {
	markets, err := c.adapter.GetMarkets(ctx)
	if err != nil {
		return err
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range markets {
		if _, ok := c.markets[m.Name]; !ok {
			c.marketOrder = append(c.marketOrder, m.Name)
		}
		// 市场只增不删
		c.markets[m.Name] = m
		if mid, err := decimal.NewFromString(m.MidPx); err == nil && mid.IsPositive() {
			if c.midsAt[m.Name].Before(now) {
				c.mids[m.Name] = mid
				c.midsAt[m.Name] = now
			}
		}
	}
	c.marketsAt = now
	return nil
}

// Markets 全部市场；mid 叠加推送中的最新值
func (c *Cache) Markets(ctx context.Context) ([]types.Market, Meta, error) {
	c.mu.RLock()
	at := c.marketsAt
	c.mu.RUnlock()

	source := SourceCache
	if !c.fresh(at, false) {
		if err := c.refresh(ctx, "markets", c.loadMarkets); err != nil {
			return nil, Meta{}, err
		}
		source = SourceREST
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Market, 0, len(c.marketOrder))
	for _, name := range c.marketOrder {
		m := c.markets[name]
		if mid, ok := c.mids[name]; ok {
			m.MidPx = mid.String()
		}
		out = append(out, m)
	}
	return out, c.meta(c.marketsAt, source), nil
}

// Market 单个市场（含实时价格字段）
func (c *Cache) Market(ctx context.Context, coin string) (types.Market, Meta, error) {
	markets, meta, err := c.Markets(ctx)
	if err != nil {
		return types.Market{}, Meta{}, err
	}
	for _, m := range markets {
		if m.Name == coin {
			return m, meta, nil
		}
	}
	for _, m := range markets {
		if strings.EqualFold(m.Name, coin) {
			return m, meta, nil
		}
	}
	return types.Market{}, Meta{}, apperr.Validation("未知交易对 %q", coin).WithSymbol(coin)
}

// Lookup 市场元数据（资产编号、精度、最大杠杆）。元数据不随时间变化，只在缺失时加载
func (c *Cache) Lookup(ctx context.Context, coin string) (types.Market, error) {
	if m, ok := c.lookupCached(coin); ok {
		return m, nil
	}
	if err := c.refresh(ctx, "markets", c.loadMarkets); err != nil {
		return types.Market{}, err
	}
	if m, ok := c.lookupCached(coin); ok {
		return m, nil
	}
	return types.Market{}, apperr.Validation("未知交易对 %q", coin).WithSymbol(coin)
}

func (c *Cache) lookupCached(coin string) (types.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.markets[coin]; ok {
		return m, true
	}
	for name, m := range c.markets {
		if strings.EqualFold(name, coin) {
			return m, true
		}
	}
	return types.Market{}, false
}

// ---- 中间价 ----

func (c *Cache) loadMids(ctx context.Context) error {
	mids, err := c.adapter.GetAllMids(ctx)
	if err != nil {
		return err
	}
	c.applyMids(mids, c.now())
	return nil
}

func (c *Cache) applyMids(mids map[string]string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for coin, raw := range mids {
		px, err := decimal.NewFromString(raw)
		if err != nil || !px.IsPositive() {
			continue
		}
		c.mids[coin] = px
		c.midsAt[coin] = at
	}
}

// Mid 中间价
func (c *Cache) Mid(ctx context.Context, coin string) (decimal.Decimal, Meta, error) {
	c.mu.RLock()
	px, ok := c.mids[coin]
	at := c.midsAt[coin]
	c.mu.RUnlock()
	if ok && c.fresh(at, false) {
		return px, c.meta(at, SourceCache), nil
	}

	if err := c.refresh(ctx, "mids", c.loadMids); err != nil {
		return decimal.Zero, Meta{}, err
	}
	c.mu.RLock()
	px, ok = c.mids[coin]
	at = c.midsAt[coin]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, Meta{}, apperr.Validation("%s 没有中间价", coin).WithSymbol(coin)
	}
	return px, c.meta(at, SourceREST), nil
}

// ---- 盘口 ----

// Track 开始跟踪一个盘口；首次引用时通知 Feed 订阅
func (c *Cache) Track(coin string) {
	c.mu.Lock()
	_, exists := c.books[coin]
	if !exists {
		c.books[coin] = &bookEntry{stale: true}
	}
	c.mu.Unlock()
	if !exists {
		signal(c.trackC, coin)
	}
}

// withSymbol 返回附加了交易对的副本；singleflight 的错误被所有等待者共享，不能原地修改
func withSymbol(err error, coin string) error {
	e, ok := apperr.As(err)
	if !ok || e.Symbol != "" {
		return err
	}
	cp := *e
	cp.Symbol = coin
	return &cp
}

func signal(ch chan string, coin string) {
	select {
	case ch <- coin:
	default:
	}
}

func (c *Cache) loadBook(coin string) func(context.Context) error {
	return func(ctx context.Context) error {
		snap, err := c.adapter.GetOrderBook(ctx, coin, 0)
		if err != nil {
			return err
		}
		book, err := BookFromSnapshot(snap, c.now())
		if err != nil {
			return errors.Wrapf(err, "%s 快照无效", coin)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		e := c.entryLocked(coin)
		c.installLocked(e, book)
		return nil
	}
}

func (c *Cache) entryLocked(coin string) *bookEntry {
	e, ok := c.books[coin]
	if !ok {
		e = &bookEntry{stale: true}
		c.books[coin] = e
	}
	return e
}

// installLocked 快照不旧于当前盘口，或当前盘口已失效时替换
func (c *Cache) installLocked(e *bookEntry, book *Book) bool {
	if e.book != nil && !e.stale && book.Seq < e.book.Seq {
		return false
	}
	e.book = book
	e.stale = false
	return true
}

// OrderBook 盘口，depth <= 0 返回全部档位
func (c *Cache) OrderBook(ctx context.Context, coin string, depth int) (*Book, Meta, error) {
	c.Track(coin)

	c.mu.RLock()
	e := c.books[coin]
	var (
		book  *Book
		stale bool
	)
	if e != nil {
		book, stale = e.book, e.stale
	}
	c.mu.RUnlock()

	if book != nil && c.fresh(book.UpdatedAt, stale) {
		return book.Truncate(depth), c.meta(book.UpdatedAt, SourceCache), nil
	}
	if err := c.refresh(ctx, "book:"+coin, c.loadBook(coin)); err != nil {
		return nil, Meta{}, withSymbol(err, coin)
	}

	c.mu.RLock()
	book = c.books[coin].book
	c.mu.RUnlock()
	if book == nil {
		return nil, Meta{}, apperr.New(apperr.KindStaleData, "%s 盘口不可用", coin).WithSymbol(coin)
	}
	return book.Truncate(depth), c.meta(book.UpdatedAt, SourceREST), nil
}

// BeginResync 重连后、快照到达前，所有跟踪盘口的增量进入缓冲
func (c *Cache) BeginResync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.books {
		e.resyncing = true
	}
}

// BeginBookResync 单个盘口进入缓冲
func (c *Cache) BeginBookResync(coin string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(coin).resyncing = true
}

// ResyncBook 拉取快照替换盘口；期间到达的增量缓存，完成后丢弃早于快照的部分再按序合并
func (c *Cache) ResyncBook(ctx context.Context, coin string) error {
	c.mu.Lock()
	e := c.entryLocked(coin)
	e.resyncing = true
	c.mu.Unlock()

	snap, err := c.adapter.GetOrderBook(ctx, coin, 0)
	var book *Book
	if err == nil {
		book, err = BookFromSnapshot(snap, c.now())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e.resyncing = false
	if err != nil {
		e.stale = true
		e.pending = nil
		return errors.Wrapf(err, "%s 重新同步失败", coin)
	}
	metrics.FeedResyncs.Add(1)
	c.installLocked(e, book)
	c.drainLocked(coin, e)
	return nil
}

func (c *Cache) drainLocked(coin string, e *bookEntry) {
	pending := e.pending
	e.pending = nil
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	for i := range pending {
		d := pending[i]
		if d.PrevSeq < e.book.Seq {
			metrics.DiscardedDiffs.Add(1)
			continue
		}
		next, err := e.book.Apply(&d, c.now())
		if err != nil {
			c.invalidateBookLocked(coin, e, err)
			return
		}
		e.book = next
	}
}

func (c *Cache) invalidateBookLocked(coin string, e *bookEntry, cause error) {
	metrics.DiscardedDiffs.Add(1)
	e.stale = true
	e.pending = nil
	cacheLog.WithField("coin", coin).Warnf("盘口失效，等待重新同步: %v", cause)
	signal(c.resyncC, coin)
}

// ---- 账户 ----

func (c *Cache) loadAccount(ctx context.Context) error {
	user, err := c.user()
	if err != nil {
		return err
	}
	snap, err := c.adapter.GetAccountState(ctx, user)
	if err != nil {
		return err
	}
	state := accountFrom(snap)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = &state
	c.accountAt = c.now()
	c.accountStale = false
	return nil
}

// Account 账户状态（持仓、保证金、现货余额）
func (c *Cache) Account(ctx context.Context) (AccountState, Meta, error) {
	c.mu.RLock()
	have := c.account != nil
	at, stale := c.accountAt, c.accountStale
	c.mu.RUnlock()

	source := SourceCache
	if !have || !c.fresh(at, stale) {
		if err := c.refresh(ctx, "account", c.loadAccount); err != nil {
			return AccountState{}, Meta{}, err
		}
		source = SourceREST
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account.clone(), c.meta(c.accountAt, source), nil
}

// Position 单个币种持仓；空仓 ok=false
func (c *Cache) Position(ctx context.Context, coin string) (PositionView, bool, error) {
	state, _, err := c.Account(ctx)
	if err != nil {
		return PositionView{}, false, err
	}
	p, ok := state.Positions[coin]
	return p, ok, nil
}

func (c *Cache) loadOrders(ctx context.Context) error {
	user, err := c.user()
	if err != nil {
		return err
	}
	open, err := c.adapter.GetOpenOrders(ctx, user, "")
	if err != nil {
		return err
	}
	orders := make(map[int64]OrderView, len(open))
	for _, o := range open {
		orders[o.Oid] = OrderFromOpen(o, "open")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = orders
	c.ordersAt = c.now()
	c.ordersStale = false
	return nil
}

// OpenOrders 挂单，coin 为空返回全部；按时间倒序
func (c *Cache) OpenOrders(ctx context.Context, coin string) ([]OrderView, Meta, error) {
	c.mu.RLock()
	at, stale := c.ordersAt, c.ordersStale
	c.mu.RUnlock()

	source := SourceCache
	if !c.fresh(at, stale) {
		if err := c.refresh(ctx, "orders", c.loadOrders); err != nil {
			return nil, Meta{}, err
		}
		source = SourceREST
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]OrderView, 0, len(c.orders))
	for _, o := range c.orders {
		if coin != "" && !strings.EqualFold(o.Coin, coin) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].Oid > out[j].Oid
	})
	return out, c.meta(c.ordersAt, source), nil
}

// ---- 推送合并 ----

// Apply 合并一条推送事件
func (c *Cache) Apply(ev types.StreamEvent) {
	switch ev.Kind {
	case types.EventMids:
		c.applyMids(ev.Mids, ev.Received)
	case types.EventBookSnapshot:
		c.applySnapshot(ev)
	case types.EventBookDiff:
		c.applyDiff(ev)
	case types.EventOrderUpdates:
		c.applyOrderUpdates(ev.Orders)
	case types.EventFills:
		c.applyFills(ev.Fills)
	case types.EventAccount:
		c.applyAccount(ev.Account, ev.Received)
	}
}

func (c *Cache) applySnapshot(ev types.StreamEvent) {
	if ev.Book == nil {
		return
	}
	book, err := BookFromSnapshot(ev.Book, ev.Received)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, tracked := c.books[ev.Coin]
	if !tracked {
		return
	}
	if err != nil {
		c.invalidateBookLocked(ev.Coin, e, err)
		return
	}
	c.installLocked(e, book)
}

func (c *Cache) applyDiff(ev types.StreamEvent) {
	if ev.Diff == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, tracked := c.books[ev.Coin]
	if !tracked {
		return
	}
	if e.resyncing {
		if len(e.pending) >= maxPendingDiffs {
			c.invalidateBookLocked(ev.Coin, e, errors.New("resync 缓冲已满"))
			return
		}
		e.pending = append(e.pending, *ev.Diff)
		return
	}
	if e.book == nil || e.stale {
		// 等待快照
		return
	}
	if ev.Diff.PrevSeq < e.book.Seq {
		metrics.DiscardedDiffs.Add(1)
		return
	}
	next, err := e.book.Apply(ev.Diff, ev.Received)
	if err != nil {
		c.invalidateBookLocked(ev.Coin, e, err)
		return
	}
	e.book = next
}

func (c *Cache) applyOrderUpdates(updates []types.WsOrderUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range updates {
		oid := u.Order.Oid
		if terminalOrderStatus(u.Status) {
			delete(c.orders, oid)
			if strings.EqualFold(u.Status, "filled") {
				c.accountStale = true
			}
			continue
		}
		view := OrderFromOpen(u.Order, u.Status)
		if prev, ok := c.orders[oid]; ok && prev.FilledSz.GreaterThan(view.FilledSz) {
			view.FilledSz = prev.FilledSz
			view.RemainingSz = view.OrigSz.Sub(view.FilledSz)
		}
		c.orders[oid] = view
	}
}

func (c *Cache) applyFills(fills *types.WsUserFills) {
	if fills == nil || fills.IsSnapshot {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range fills.Fills {
		c.accountStale = true
		o, ok := c.orders[f.Oid]
		if !ok {
			continue
		}
		filled := o.FilledSz.Add(parseDecimal(f.Sz))
		if filled.GreaterThan(o.OrigSz) {
			cacheLog.WithFields(logrus.Fields{"oid": o.Oid, "coin": o.Coin}).
				Warnf("累计成交 %s 超过原始数量 %s，截断", filled, o.OrigSz)
			filled = o.OrigSz
		}
		o.FilledSz = filled
		o.RemainingSz = o.OrigSz.Sub(filled)
		if o.RemainingSz.IsZero() {
			delete(c.orders, o.Oid)
			continue
		}
		c.orders[o.Oid] = o
	}
}

func (c *Cache) applyAccount(state *types.ClearinghouseState, at time.Time) {
	if state == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.account == nil {
		// 没有现货余额，等首次读取时补全
		c.account = &AccountState{}
		c.accountStale = true
	} else {
		c.accountStale = false
	}
	c.account.Positions = positionsFrom(state)
	c.account.Margin = state.MarginSummary
	c.account.Withdrawable = state.Withdrawable
	c.accountAt = at
}

// ---- 乐观更新（来自 sequencer）----

// RecordResting 下单确认挂单后插入
func (c *Cache) RecordResting(o OrderView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[o.Oid] = o
}

// RecordCancelled 撤单确认后移除
func (c *Cache) RecordCancelled(oid int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, oid)
}

// FindOrder 按 oid 或 cloid 查找缓存中的挂单
func (c *Cache) FindOrder(oid int64, cloid string) (OrderView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if oid > 0 {
		o, ok := c.orders[oid]
		return o, ok
	}
	for _, o := range c.orders {
		if cloid != "" && strings.EqualFold(o.Cloid, cloid) {
			return o, true
		}
	}
	return OrderView{}, false
}

// InvalidateAccount 成交或杠杆变化后账户需要重新拉取
func (c *Cache) InvalidateAccount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accountStale = true
}

// InvalidateOrders 结果不确定时挂单需要重新拉取
func (c *Cache) InvalidateOrders() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ordersStale = true
}

// Resync 全量同步：市场、全部跟踪的盘口、账户与挂单。没有查询地址时跳过账户部分
func (c *Cache) Resync(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.loadMarkets(gctx) })
	for _, coin := range c.TrackedBooks() {
		coin := coin
		g.Go(func() error { return c.ResyncBook(gctx, coin) })
	}
	if _, err := c.user(); err == nil {
		g.Go(func() error { return c.loadAccount(gctx) })
		g.Go(func() error { return c.loadOrders(gctx) })
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "全量同步失败")
	}
	return nil
}
