package statecache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hlmcp/hyperliquid/client"
	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
)

var testUser = common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")

type staticAddress struct{ addr common.Address }

func (s staticAddress) QueryAddress() (common.Address, error) { return s.addr, nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func realtimePolicy() Policy {
	return Policy{Realtime: true, MaxStaleness: 5 * time.Second, DegradedStaleness: 30 * time.Second}
}

func newTestCache(adapter client.Adapter, clock *fakeClock, policy Policy) *Cache {
	return New(Options{Adapter: adapter, Address: staticAddress{testUser}, Policy: policy, Now: clock.Now})
}

// gatedAdapter 阻塞 GetOrderBook 直到 release 关闭
type gatedAdapter struct {
	*client.MockClient
	calls   atomic.Int32
	release chan struct{}
}

func (g *gatedAdapter) GetOrderBook(ctx context.Context, coin string, depth int) (*types.L2Book, error) {
	g.calls.Add(1)
	<-g.release
	return g.MockClient.GetOrderBook(ctx, coin, depth)
}

func TestStaleBookTriggersSingleRefresh(t *testing.T) {
	clock := newFakeClock()
	gated := &gatedAdapter{MockClient: client.NewMockClient(), release: make(chan struct{})}
	close(gated.release)
	c := newTestCache(gated, clock, realtimePolicy())
	ctx := context.Background()

	_, meta, err := c.OrderBook(ctx, "BTC", 5)
	require.NoError(t, err)
	assert.Equal(t, SourceREST, meta.Source)
	require.EqualValues(t, 1, gated.calls.Load())

	clock.Advance(6 * time.Second)
	gated.release = make(chan struct{})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.OrderBook(ctx, "BTC", 5)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return gated.calls.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gated.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, gated.calls.Load(), "并发读只触发一次刷新")
}

func TestFreshReadServedFromCache(t *testing.T) {
	clock := newFakeClock()
	mock := client.NewMockClient()
	c := newTestCache(mock, clock, realtimePolicy())
	ctx := context.Background()

	_, _, err := c.Markets(ctx)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	markets, meta, err := c.Markets(ctx)
	require.NoError(t, err)
	assert.Len(t, markets, 3)
	assert.Equal(t, SourceCache, meta.Source)
	assert.EqualValues(t, 2000, meta.AgeMs)
	assert.Equal(t, 1, mock.CallCount("GetMarkets"))
}

func TestRefreshFailureIsStaleData(t *testing.T) {
	clock := newFakeClock()
	mock := client.NewMockClient()
	c := newTestCache(mock, clock, realtimePolicy())
	mock.FailNext("GetAccountState", apperr.New(apperr.KindTransientNetwork, "connection reset"))

	_, _, err := c.Account(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindStaleData, apperr.KindOf(err))
	assert.True(t, apperr.Retryable(apperr.KindOf(err)))
}

func TestRealtimeDisabledReadsThrough(t *testing.T) {
	clock := newFakeClock()
	mock := client.NewMockClient()
	c := newTestCache(mock, clock, Policy{Realtime: false, MaxStaleness: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, meta, err := c.Account(ctx)
		require.NoError(t, err)
		assert.Equal(t, SourceREST, meta.Source)
	}
	assert.Equal(t, 3, mock.CallCount("GetAccountState"))
}

func TestDegradedModeUsesLongerBudget(t *testing.T) {
	clock := newFakeClock()
	mock := client.NewMockClient()
	c := newTestCache(mock, clock, realtimePolicy())
	ctx := context.Background()

	_, _, err := c.Mid(ctx, "BTC")
	require.NoError(t, err)
	c.SetDegraded(true)
	clock.Advance(10 * time.Second)

	px, meta, err := c.Mid(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "85000", px.String())
	assert.True(t, meta.Degraded)
	assert.Equal(t, SourceCache, meta.Source)
	assert.Equal(t, 1, mock.CallCount("GetAllMids"))

	c.SetDegraded(false)
	_, meta, err = c.Mid(ctx, "BTC")
	require.NoError(t, err)
	assert.False(t, meta.Degraded)
	assert.Equal(t, 2, mock.CallCount("GetAllMids"))
}

func TestUnknownMarketIsValidationError(t *testing.T) {
	c := newTestCache(client.NewMockClient(), newFakeClock(), realtimePolicy())
	_, err := c.Lookup(context.Background(), "DOGE")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	m, err := c.Lookup(context.Background(), "eth")
	require.NoError(t, err)
	assert.Equal(t, "ETH", m.Name)
}

func seedBook(mock *client.MockClient, seq int64) {
	mock.Books["BTC"] = &types.L2Book{
		Coin: "BTC",
		Time: seq,
		Levels: [2][]types.BookLevel{
			{lv("84990", "1"), lv("84980", "2")},
			{lv("85010", "1"), lv("85020", "2")},
		},
	}
}

func TestCrossedDiffForcesResync(t *testing.T) {
	clock := newFakeClock()
	mock := client.NewMockClient()
	seedBook(mock, 200)
	c := newTestCache(mock, clock, realtimePolicy())
	ctx := context.Background()

	_, _, err := c.OrderBook(ctx, "BTC", 0)
	require.NoError(t, err)
	<-c.Tracks()

	c.Apply(types.StreamEvent{Kind: types.EventBookDiff, Coin: "BTC", Received: clock.Now(), Diff: &types.BookDiff{
		Coin: "BTC", PrevSeq: 200, Seq: 201,
		Bids: []types.BookLevel{lv("85015", "1")},
	}})

	select {
	case coin := <-c.ResyncRequests():
		assert.Equal(t, "BTC", coin)
	default:
		t.Fatal("交叉增量应触发重新同步")
	}

	book, meta, err := c.OrderBook(ctx, "BTC", 0)
	require.NoError(t, err)
	assert.Equal(t, SourceREST, meta.Source)
	assert.Equal(t, "84990", book.Bids[0].Px.String())
	assert.Equal(t, 2, mock.CallCount("GetOrderBook"))
}

func TestSequenceGapMarksBookStale(t *testing.T) {
	clock := newFakeClock()
	mock := client.NewMockClient()
	seedBook(mock, 200)
	c := newTestCache(mock, clock, realtimePolicy())
	ctx := context.Background()

	_, _, err := c.OrderBook(ctx, "BTC", 0)
	require.NoError(t, err)

	c.Apply(types.StreamEvent{Kind: types.EventBookDiff, Coin: "BTC", Received: clock.Now(),
		Diff: &types.BookDiff{Coin: "BTC", PrevSeq: 205, Seq: 206}})
	assert.Equal(t, "BTC", <-c.ResyncRequests())

	// 重复的旧增量直接丢弃，不触发同步
	_, _, err = c.OrderBook(ctx, "BTC", 0)
	require.NoError(t, err)
	c.Apply(types.StreamEvent{Kind: types.EventBookDiff, Coin: "BTC", Received: clock.Now(),
		Diff: &types.BookDiff{Coin: "BTC", PrevSeq: 150, Seq: 151}})
	select {
	case <-c.ResyncRequests():
		t.Fatal("旧增量不应触发同步")
	default:
	}
}

func TestResyncDiscardsStaleBufferedDiffs(t *testing.T) {
	clock := newFakeClock()
	mock := client.NewMockClient()
	seedBook(mock, 200)
	c := newTestCache(mock, clock, realtimePolicy())

	c.Track("BTC")
	c.BeginBookResync("BTC")
	for _, d := range []types.BookDiff{
		{Coin: "BTC", PrevSeq: 150, Seq: 160, Bids: []types.BookLevel{lv("84000", "9")}},
		{Coin: "BTC", PrevSeq: 201, Seq: 202, Asks: []types.BookLevel{lv("85010", "0")}},
		{Coin: "BTC", PrevSeq: 200, Seq: 201, Bids: []types.BookLevel{lv("84995", "3")}},
		{Coin: "BTC", PrevSeq: 190, Seq: 200, Bids: []types.BookLevel{lv("84100", "9")}},
	} {
		d := d
		c.Apply(types.StreamEvent{Kind: types.EventBookDiff, Coin: "BTC", Received: clock.Now(), Diff: &d})
	}

	require.NoError(t, c.ResyncBook(context.Background(), "BTC"))
	book, meta, err := c.OrderBook(context.Background(), "BTC", 0)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, meta.Source)
	assert.Equal(t, uint64(202), book.Seq)
	assert.Equal(t, "84995", book.Bids[0].Px.String())
	assert.Equal(t, "85020", book.Asks[0].Px.String())
	for _, l := range book.Bids {
		assert.False(t, l.Px.Equal(decimal.NewFromInt(84000)))
		assert.False(t, l.Px.Equal(decimal.NewFromInt(84100)))
	}
}

func TestStreamSnapshotReplacesOnlyWhenNewer(t *testing.T) {
	clock := newFakeClock()
	mock := client.NewMockClient()
	seedBook(mock, 200)
	c := newTestCache(mock, clock, realtimePolicy())
	ctx := context.Background()
	_, _, err := c.OrderBook(ctx, "BTC", 0)
	require.NoError(t, err)

	older := &types.L2Book{Coin: "BTC", Time: 150, Levels: [2][]types.BookLevel{{lv("1", "1")}, {lv("2", "1")}}}
	c.Apply(types.StreamEvent{Kind: types.EventBookSnapshot, Coin: "BTC", Book: older, Received: clock.Now()})
	book, _, err := c.OrderBook(ctx, "BTC", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), book.Seq)

	newer := &types.L2Book{Coin: "BTC", Time: 300, Levels: [2][]types.BookLevel{{lv("84000", "1")}, {lv("86000", "1")}}}
	c.Apply(types.StreamEvent{Kind: types.EventBookSnapshot, Coin: "BTC", Book: newer, Received: clock.Now()})
	book, _, err = c.OrderBook(ctx, "BTC", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), book.Seq)
	assert.Equal(t, 1, mock.CallCount("GetOrderBook"))
}

func TestFillsClampedToOriginalSize(t *testing.T) {
	clock := newFakeClock()
	mock := client.NewMockClient()
	c := newTestCache(mock, clock, realtimePolicy())
	ctx := context.Background()
	_, _, err := c.OpenOrders(ctx, "")
	require.NoError(t, err)

	c.RecordResting(OrderView{
		Oid: 7, Coin: "BTC", Side: types.SideBuy, Px: decimal.NewFromInt(85000),
		OrigSz: decimal.NewFromInt(1), RemainingSz: decimal.NewFromInt(1), Status: "open",
	})
	fill := func(sz string) {
		c.Apply(types.StreamEvent{Kind: types.EventFills, Received: clock.Now(), Fills: &types.WsUserFills{
			Fills: []types.Fill{{Coin: "BTC", Oid: 7, Sz: sz, Px: "85000", Side: "B"}},
		}})
	}

	fill("0.6")
	orders, _, err := c.OpenOrders(ctx, "BTC")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "0.6", orders[0].FilledSz.String())
	assert.Equal(t, "0.4", orders[0].RemainingSz.String())

	// openOrders 推送里更小的已成交量不会回退
	c.Apply(types.StreamEvent{Kind: types.EventOrderUpdates, Received: clock.Now(), Orders: []types.WsOrderUpdate{{
		Order:  types.OpenOrder{Coin: "BTC", Side: "B", LimitPx: "85000", Sz: "1", OrigSz: "1", Oid: 7},
		Status: "open",
	}}})
	orders, _, err = c.OpenOrders(ctx, "BTC")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "0.6", orders[0].FilledSz.String())

	fill("0.6")
	orders, _, err = c.OpenOrders(ctx, "BTC")
	require.NoError(t, err)
	assert.Empty(t, orders, "累计成交达到原始数量后移除")

	// 成交使账户失效
	_, meta, err := c.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceREST, meta.Source)
}

func TestOrderUpdatesRemoveTerminalOrders(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(client.NewMockClient(), clock, realtimePolicy())
	ctx := context.Background()
	_, _, err := c.OpenOrders(ctx, "")
	require.NoError(t, err)

	c.Apply(types.StreamEvent{Kind: types.EventOrderUpdates, Received: clock.Now(), Orders: []types.WsOrderUpdate{
		{Order: types.OpenOrder{Coin: "ETH", Side: "A", LimitPx: "3100", Sz: "2", OrigSz: "2", Oid: 11, Timestamp: 2}, Status: "open"},
		{Order: types.OpenOrder{Coin: "BTC", Side: "B", LimitPx: "80000", Sz: "1", OrigSz: "1", Oid: 12, Timestamp: 1}, Status: "open"},
	}})
	orders, meta, err := c.OpenOrders(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, meta.Source)
	require.Len(t, orders, 2)
	assert.Equal(t, int64(11), orders[0].Oid)
	assert.Equal(t, types.SideSell, orders[0].Side)

	c.Apply(types.StreamEvent{Kind: types.EventOrderUpdates, Received: clock.Now(), Orders: []types.WsOrderUpdate{
		{Order: types.OpenOrder{Coin: "ETH", Oid: 11}, Status: "canceled"},
	}})
	orders, _, err = c.OpenOrders(ctx, "")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(12), orders[0].Oid)
}

func TestAccountEventReplacesPositions(t *testing.T) {
	clock := newFakeClock()
	mock := client.NewMockClient()
	c := newTestCache(mock, clock, realtimePolicy())
	ctx := context.Background()
	_, _, err := c.Account(ctx)
	require.NoError(t, err)

	liq := "80000"
	c.Apply(types.StreamEvent{Kind: types.EventAccount, Received: clock.Now(), Account: &types.ClearinghouseState{
		AssetPositions: []types.AssetPosition{{Type: "oneWay", Position: types.Position{
			Coin: "BTC", Szi: "-0.5", EntryPx: "86000", LiquidationPx: &liq,
			Leverage: types.Leverage{Type: "cross", Value: 10},
		}}},
		MarginSummary: types.MarginSummary{AccountValue: "9900"},
		Withdrawable:  "9000",
	}})

	state, meta, err := c.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, meta.Source)
	assert.Equal(t, "9900", state.Margin.AccountValue)
	require.Contains(t, state.Positions, "BTC")
	p := state.Positions["BTC"]
	assert.Equal(t, types.SideSell, p.Side())
	assert.Equal(t, "-0.5", p.Size.String())
	require.NotNil(t, p.LiquidationPx)
	assert.Equal(t, "80000", p.LiquidationPx.String())
	// 现货余额保留
	require.Len(t, state.Spot, 1)
	assert.Equal(t, 1, mock.CallCount("GetAccountState"))
}

func TestWithSymbolLeavesSharedErrorUntouched(t *testing.T) {
	shared := apperr.New(apperr.KindNoCredential, "未配置查询地址")

	var wg sync.WaitGroup
	out := make([]error, 8)
	for i := range out {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i] = withSymbol(shared, "BTC")
		}(i)
	}
	wg.Wait()

	assert.Empty(t, shared.Symbol)
	for _, err := range out {
		e, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, "BTC", e.Symbol)
		assert.Equal(t, apperr.KindNoCredential, e.Kind)
	}

	// 已有交易对时不覆盖
	tagged := apperr.New(apperr.KindStaleData, "x").WithSymbol("ETH")
	assert.Same(t, tagged, withSymbol(tagged, "BTC"))
}
