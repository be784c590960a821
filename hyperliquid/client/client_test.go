package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hlmcp/hyperliquid/signing"
	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

const perpFixture = `[{"universe":[{"name":"BTC","szDecimals":5,"maxLeverage":50},{"name":"OLD","szDecimals":2,"maxLeverage":3,"isDelisted":true}]},
[{"funding":"0.0000125","openInterest":"1000","prevDayPx":"84000","dayNtlVlm":"1e9","premium":"0","oraclePx":"85010","markPx":"85005","midPx":"85000","impactPxs":["84999","85001"]},
 {"funding":"0","openInterest":"0","prevDayPx":"1","dayNtlVlm":"0","premium":"0","oraclePx":"1","markPx":"1","midPx":"1","impactPxs":[]}]]`

const spotFixture = `[{"universe":[{"name":"PURR/USDC","tokens":[1,0],"index":0,"isCanonical":true}],
"tokens":[{"name":"USDC","szDecimals":8,"weiDecimals":8,"index":0,"tokenId":"0x0"},{"name":"PURR","szDecimals":0,"weiDecimals":5,"index":1,"tokenId":"0x1"}]},
[{"coin":"PURR/USDC","dayNtlVlm":"1000","markPx":"0.2","midPx":"0.2001","prevDayPx":"0.19"}]]`

func newInfoServer(t *testing.T, handler func(body map[string]interface{}) (int, string)) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		code, resp := handler(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestClient(url string, retries int) *Client {
	return NewClient(Config{Network: types.Testnet, BaseURL: url, Timeout: 2 * time.Second, RetryCount: retries})
}

func TestGetMarketsJoinsPerpAndSpot(t *testing.T) {
	srv, _ := newInfoServer(t, func(body map[string]interface{}) (int, string) {
		switch body["type"] {
		case "metaAndAssetCtxs":
			return 200, perpFixture
		case "spotMetaAndAssetCtxs":
			return 200, spotFixture
		}
		return 400, `"bad type"`
	})

	markets, err := newTestClient(srv.URL, -1).GetMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2, "下架的合约应被过滤")

	btc := markets[0]
	assert.Equal(t, "BTC", btc.Name)
	assert.Equal(t, types.MarketPerp, btc.Kind)
	assert.Equal(t, 0, btc.Asset)
	assert.Equal(t, 5, btc.SzDecimals)
	assert.Equal(t, "85005", btc.MarkPx)
	assert.Equal(t, "0.0000125", btc.Funding)

	purr := markets[1]
	assert.Equal(t, types.MarketSpot, purr.Kind)
	assert.Equal(t, types.SpotAssetOffset, purr.Asset)
	assert.Equal(t, 0, purr.SzDecimals, "现货精度取 base token")
	assert.Equal(t, "0.2001", purr.MidPx)
}

func TestGetOrderBookTruncatesDepth(t *testing.T) {
	srv, _ := newInfoServer(t, func(body map[string]interface{}) (int, string) {
		assert.Equal(t, "ETH", body["coin"])
		return 200, `{"coin":"ETH","time":5,"levels":[[{"px":"2999","sz":"1","n":1},{"px":"2998","sz":"2","n":1}],[{"px":"3001","sz":"1","n":1},{"px":"3002","sz":"1","n":1}]]}`
	})

	book, err := newTestClient(srv.URL, -1).GetOrderBook(context.Background(), "ETH", 1)
	require.NoError(t, err)
	assert.Len(t, book.Bids(), 1)
	assert.Len(t, book.Asks(), 1)
	assert.Equal(t, int64(5), book.Time)
}

func TestGetCandlesRequestWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	srv, _ := newInfoServer(t, func(body map[string]interface{}) (int, string) {
		req := body["req"].(map[string]interface{})
		assert.Equal(t, "1h", req["interval"])
		end := int64(req["endTime"].(float64))
		start := int64(req["startTime"].(float64))
		assert.Equal(t, int64(3*time.Hour/time.Millisecond), end-start)
		return 200, `[{"t":1,"T":2,"s":"BTC","i":"1h","o":"1","c":"2","h":"3","l":"0.5","v":"10","n":4}]`
	})

	c := NewClient(Config{Network: types.Testnet, BaseURL: srv.URL, RetryCount: -1, now: func() time.Time { return now }})
	candles, err := c.GetCandles(context.Background(), "BTC", "1h", 3)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, "2", candles[0].Close)

	_, err = c.GetCandles(context.Background(), "BTC", "7m", 3)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestInfoRetriesServerErrors(t *testing.T) {
	var calls int32
	srv, hits := newInfoServer(t, func(body map[string]interface{}) (int, string) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return 502, `bad gateway`
		}
		return 200, `{"BTC":"85000"}`
	})

	mids, err := newTestClient(srv.URL, 2).GetAllMids(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "85000", mids["BTC"])
	assert.Equal(t, int32(2), atomic.LoadInt32(hits))
}

func TestErrorClassification(t *testing.T) {
	srv, _ := newInfoServer(t, func(body map[string]interface{}) (int, string) {
		switch body["user"] {
		case "5xx":
			return 503, `unavailable`
		case "429":
			return 429, `slow down`
		default:
			return 422, `Failed to deserialize`
		}
	})
	c := newTestClient(srv.URL, -1)

	_, err := c.GetUserFills(context.Background(), "5xx")
	assert.Equal(t, apperr.KindTransientNetwork, apperr.KindOf(err))
	_, err = c.GetUserFills(context.Background(), "429")
	assert.Equal(t, apperr.KindTransientNetwork, apperr.KindOf(err))
	_, err = c.GetUserFills(context.Background(), "other")
	assert.Equal(t, apperr.KindRejected, apperr.KindOf(err))

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	_, err = c.GetUserFills(ctx, "5xx")
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
}

func TestSubmitSignedActionNeverRetried(t *testing.T) {
	srv, hits := newInfoServer(t, func(body map[string]interface{}) (int, string) {
		return 500, `boom`
	})
	c := newTestClient(srv.URL, 3)

	_, err := c.SubmitSignedAction(context.Background(), types.ExchangeRequest{Action: types.NewScheduleCancelAction(0)})
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransientNetwork, apperr.KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestSubmitSignedActionTopLevelErr(t *testing.T) {
	var got map[string]interface{}
	srv, _ := newInfoServer(t, func(body map[string]interface{}) (int, string) {
		got = body
		return 200, `{"status":"err","response":"User or API Wallet does not exist."}`
	})
	c := newTestClient(srv.URL, -1)

	signer, err := signing.NewKeySigner(testKey)
	require.NoError(t, err)
	req, err := SignL1Request(signer, types.NewUpdateLeverageAction(0, true, 10), 1700000000000, nil, types.Testnet)
	require.NoError(t, err)

	resp, err := c.SubmitSignedAction(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindRejected, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "does not exist")
	require.NotNil(t, resp)

	assert.Nil(t, got["vaultAddress"], "无金库时 vaultAddress 为 null")
	assert.Contains(t, got, "vaultAddress")
	sig := got["signature"].(map[string]interface{})
	assert.Len(t, sig["r"], 66)
}

func TestSubmitSignedActionStatuses(t *testing.T) {
	srv, _ := newInfoServer(t, func(body map[string]interface{}) (int, string) {
		return 200, `{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":77}},{"filled":{"totalSz":"1","avgPx":"3000","oid":78}},{"error":"Insufficient margin"}]}}}`
	})
	resp, err := newTestClient(srv.URL, -1).SubmitSignedAction(context.Background(), types.ExchangeRequest{Action: types.NewOrderAction(nil, nil)})
	require.NoError(t, err)
	statuses, err := resp.Statuses()
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.Equal(t, int64(77), statuses[0].Resting.Oid)
	assert.Equal(t, "3000", statuses[1].Filled.AvgPx)
	assert.True(t, statuses[2].IsError())
}

func TestGetMaxBuilderFeeFlexible(t *testing.T) {
	for _, body := range []string{`10`, `"10"`} {
		srv, _ := newInfoServer(t, func(map[string]interface{}) (int, string) { return 200, body })
		fee, err := newTestClient(srv.URL, -1).GetMaxBuilderFee(context.Background(), "0xabc", "0xDEF")
		require.NoError(t, err)
		assert.Equal(t, 10, fee)
	}
	srv, _ := newInfoServer(t, func(map[string]interface{}) (int, string) { return 200, `null` })
	fee, err := newTestClient(srv.URL, -1).GetMaxBuilderFee(context.Background(), "0xabc", "0xdef")
	require.NoError(t, err)
	assert.Zero(t, fee)
}

func TestWSURLDerivation(t *testing.T) {
	assert.Equal(t, "wss://api.hyperliquid.xyz/ws", wsURLFor("https://api.hyperliquid.xyz"))
	assert.Equal(t, "ws://127.0.0.1:9/ws", wsURLFor("http://127.0.0.1:9"))
	c := NewClient(Config{Network: types.Testnet})
	assert.Equal(t, types.Testnet.APIURL(), c.config.BaseURL)
}
