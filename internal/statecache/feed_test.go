package statecache

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hlmcp/hyperliquid/client"
	"github.com/betbot/hlmcp/hyperliquid/stream"
	"github.com/betbot/hlmcp/hyperliquid/types"
)

func fastFeedConfig() FeedConfig {
	return FeedConfig{
		HeartbeatTimeout: time.Second,
		GracePeriod:      time.Second,
		BackoffBase:      5 * time.Millisecond,
		BackoffMax:       20 * time.Millisecond,
		OutageThreshold:  time.Minute,
	}
}

func startFeed(t *testing.T, adapter client.Adapter, c *Cache, cfg FeedConfig) (*Feed, <-chan error) {
	t.Helper()
	f := NewFeed(adapter, c, staticAddress{testUser}, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("feed 未退出")
		}
	})
	return f, done
}

func lastStream(m *client.MockClient) *client.MockStream {
	streams := m.Streams()
	if len(streams) == 0 {
		return nil
	}
	return streams[len(streams)-1]
}

func TestFeedSubscribesAndAppliesEvents(t *testing.T) {
	mock := client.NewMockClient()
	c := New(Options{Adapter: mock, Address: staticAddress{testUser}, Policy: realtimePolicy()})
	f, _ := startFeed(t, mock, c, fastFeedConfig())

	require.Eventually(t, func() bool {
		return f.State() == StateSubscribed && mock.CallCount("GetAccountState") > 0 && mock.CallCount("GetOpenOrders") > 0
	}, 2*time.Second, 5*time.Millisecond)

	s := lastStream(mock)
	require.NotNil(t, s)
	user := strings.ToLower(testUser.Hex())
	assert.True(t, s.Subscribed(types.AllMidsSubscription().Key()))
	assert.True(t, s.Subscribed(types.OrderUpdatesSubscription(user).Key()))
	assert.True(t, s.Subscribed(types.UserFillsSubscription(user).Key()))
	assert.True(t, s.Subscribed(types.WebData2Subscription(user).Key()))

	// SOL 不在 REST 数据里，只能来自推送
	mock.Emit(types.StreamEvent{Kind: types.EventMids, Mids: map[string]string{"SOL": "150"}})
	require.Eventually(t, func() bool {
		px, meta, err := c.Mid(context.Background(), "SOL")
		return err == nil && px.String() == "150" && meta.Source == SourceCache
	}, time.Second, 5*time.Millisecond)
}

func TestFeedSubscribesBooksOnFirstRead(t *testing.T) {
	mock := client.NewMockClient()
	c := New(Options{Adapter: mock, Address: staticAddress{testUser}, Policy: realtimePolicy()})
	f, _ := startFeed(t, mock, c, fastFeedConfig())
	require.Eventually(t, func() bool { return f.State() == StateSubscribed }, time.Second, 5*time.Millisecond)

	_, _, err := c.OrderBook(context.Background(), "ETH", 5)
	require.NoError(t, err)

	key := types.L2BookSubscription("ETH").Key()
	require.Eventually(t, func() bool {
		s := lastStream(mock)
		return s != nil && s.Subscribed(key)
	}, time.Second, 5*time.Millisecond)
}

func TestFeedReconnectsAndResubscribes(t *testing.T) {
	mock := client.NewMockClient()
	c := New(Options{Adapter: mock, Address: staticAddress{testUser}, Policy: realtimePolicy()})
	c.Track("BTC")
	f, _ := startFeed(t, mock, c, fastFeedConfig())
	require.Eventually(t, func() bool { return f.State() == StateSubscribed }, time.Second, 5*time.Millisecond)
	resyncs := mock.CallCount("GetMarkets")

	mock.DropStreams()
	require.Eventually(t, func() bool {
		return mock.CallCount("OpenStream") >= 2 && f.State() == StateSubscribed
	}, 2*time.Second, 5*time.Millisecond)

	s := lastStream(mock)
	require.NotNil(t, s)
	assert.True(t, s.Subscribed(types.L2BookSubscription("BTC").Key()))
	// 重连后全量同步
	require.Eventually(t, func() bool { return mock.CallCount("GetMarkets") > resyncs }, time.Second, 5*time.Millisecond)
}

func TestFeedHeartbeatLossReconnects(t *testing.T) {
	mock := client.NewMockClient()
	c := New(Options{Adapter: mock, Address: staticAddress{testUser}, Policy: realtimePolicy()})
	cfg := fastFeedConfig()
	cfg.HeartbeatTimeout = 40 * time.Millisecond
	cfg.GracePeriod = 40 * time.Millisecond
	f, _ := startFeed(t, mock, c, cfg)

	require.Eventually(t, func() bool { return f.State() == StateDegraded }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return mock.CallCount("OpenStream") >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestFeedHeartbeatRecovers(t *testing.T) {
	mock := client.NewMockClient()
	c := New(Options{Adapter: mock, Address: staticAddress{testUser}, Policy: realtimePolicy()})
	cfg := fastFeedConfig()
	cfg.HeartbeatTimeout = 40 * time.Millisecond
	cfg.GracePeriod = 5 * time.Second
	f, _ := startFeed(t, mock, c, cfg)

	require.Eventually(t, func() bool { return f.State() == StateDegraded }, time.Second, 2*time.Millisecond)
	mock.Emit(types.StreamEvent{Kind: types.EventHeartbeat})
	require.Eventually(t, func() bool { return f.State() == StateSubscribed }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, mock.CallCount("OpenStream"))
}

// flakyStreams 在 fail 为 true 时拒绝建立推送连接
type flakyStreams struct {
	*client.MockClient
	fail  atomic.Bool
	fatal bool
}

func (f *flakyStreams) OpenStream(ctx context.Context, subs []types.Subscription) (client.Stream, error) {
	if f.fatal {
		return nil, errors.Wrap(stream.ErrFatal, "bad url")
	}
	if f.fail.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return f.MockClient.OpenStream(ctx, subs)
}

func TestFeedOutageEntersDegradedMode(t *testing.T) {
	adapter := &flakyStreams{MockClient: client.NewMockClient()}
	adapter.fail.Store(true)
	c := New(Options{Adapter: adapter, Address: staticAddress{testUser}, Policy: realtimePolicy()})
	cfg := fastFeedConfig()
	cfg.OutageThreshold = 50 * time.Millisecond
	f, _ := startFeed(t, adapter, c, cfg)

	require.Eventually(t, c.Degraded, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, StateSubscribed, f.State())

	adapter.fail.Store(false)
	require.Eventually(t, func() bool { return !c.Degraded() && f.State() == StateSubscribed }, 2*time.Second, 5*time.Millisecond)
}

func TestFeedFatalErrorStops(t *testing.T) {
	adapter := &flakyStreams{MockClient: client.NewMockClient(), fatal: true}
	c := New(Options{Adapter: adapter, Policy: realtimePolicy()})
	f := NewFeed(adapter, c, nil, fastFeedConfig())

	err := f.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, stream.ErrFatal))
	assert.Equal(t, StateDisconnected, f.State())
}

func TestBackoffFullJitterBounds(t *testing.T) {
	f := NewFeed(client.NewMockClient(), New(Options{}), nil, FeedConfig{
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  time.Second,
	})
	for i := 0; i < 50; i++ {
		bo := f.newBackOff()
		for attempt := 0; attempt < 40; attempt++ {
			ceiling := time.Second
			if attempt < 4 {
				ceiling = 100 * time.Millisecond << uint(attempt)
			}
			d := bo.NextBackOff()
			assert.GreaterOrEqual(t, int64(d), int64(0))
			assert.LessOrEqual(t, int64(d), int64(ceiling), "attempt %d", attempt)
		}
	}

	// 连接恢复后从头开始
	bo := f.newBackOff()
	for i := 0; i < 10; i++ {
		bo.NextBackOff()
	}
	bo.Reset()
	assert.LessOrEqual(t, int64(bo.NextBackOff()), int64(100*time.Millisecond))
}
