package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
)

// CandleIntervals 支持的 K 线周期
var CandleIntervals = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  72 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// GetMarkets 拉取永续与现货元数据并合并
func (c *Client) GetMarkets(ctx context.Context) ([]types.Market, error) {
	var perpRaw, spotRaw []json.RawMessage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.postInfo(gctx, map[string]interface{}{"type": "metaAndAssetCtxs"}, &perpRaw)
	})
	g.Go(func() error {
		return c.postInfo(gctx, map[string]interface{}{"type": "spotMetaAndAssetCtxs"}, &spotRaw)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	perp, err := joinPerpMarkets(perpRaw)
	if err != nil {
		return nil, err
	}
	spot, err := joinSpotMarkets(spotRaw)
	if err != nil {
		return nil, err
	}
	return append(perp, spot...), nil
}

func joinPerpMarkets(raw []json.RawMessage) ([]types.Market, error) {
	if len(raw) != 2 {
		return nil, apperr.New(apperr.KindInternal, "metaAndAssetCtxs 响应格式异常")
	}
	var meta types.PerpMeta
	var ctxs []types.PerpAssetCtx
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "解析永续元数据")
	}
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "解析永续上下文")
	}

	markets := make([]types.Market, 0, len(meta.Universe))
	for i, info := range meta.Universe {
		if info.IsDelisted {
			continue
		}
		m := types.Market{
			Name:         info.Name,
			Kind:         types.MarketPerp,
			Asset:        i,
			SzDecimals:   info.SzDecimals,
			MaxLeverage:  info.MaxLeverage,
			OnlyIsolated: info.OnlyIsolated,
		}
		if i < len(ctxs) {
			ac := ctxs[i]
			m.MarkPx = ac.MarkPx
			m.OraclePx = ac.OraclePx
			m.MidPx = ac.MidPx
			m.Funding = ac.Funding
			m.OpenInterest = ac.OpenInterest
			m.DayNtlVlm = ac.DayNtlVlm
			m.PrevDayPx = ac.PrevDayPx
		}
		markets = append(markets, m)
	}
	return markets, nil
}

func joinSpotMarkets(raw []json.RawMessage) ([]types.Market, error) {
	if len(raw) != 2 {
		return nil, apperr.New(apperr.KindInternal, "spotMetaAndAssetCtxs 响应格式异常")
	}
	var meta types.SpotMeta
	var ctxs []types.SpotAssetCtx
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "解析现货元数据")
	}
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "解析现货上下文")
	}

	tokens := make(map[int]types.SpotTokenInfo, len(meta.Tokens))
	for _, t := range meta.Tokens {
		tokens[t.Index] = t
	}
	byCoin := make(map[string]types.SpotAssetCtx, len(ctxs))
	for _, ac := range ctxs {
		byCoin[ac.Coin] = ac
	}

	markets := make([]types.Market, 0, len(meta.Universe))
	for _, pair := range meta.Universe {
		m := types.Market{
			Name:  pair.Name,
			Kind:  types.MarketSpot,
			Asset: types.SpotAssetOffset + pair.Index,
		}
		// 现货的下单精度取 base token
		if len(pair.Tokens) > 0 {
			if base, ok := tokens[pair.Tokens[0]]; ok {
				m.SzDecimals = base.SzDecimals
			}
		}
		if ac, ok := byCoin[pair.Name]; ok {
			m.MarkPx = ac.MarkPx
			m.MidPx = ac.MidPx
			m.DayNtlVlm = ac.DayNtlVlm
			m.PrevDayPx = ac.PrevDayPx
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// GetAllMids 所有币种的中间价
func (c *Client) GetAllMids(ctx context.Context) (map[string]string, error) {
	var mids map[string]string
	if err := c.postInfo(ctx, map[string]interface{}{"type": "allMids"}, &mids); err != nil {
		return nil, err
	}
	return mids, nil
}

// GetOrderBook L2 盘口；depth<=0 表示不截断
func (c *Client) GetOrderBook(ctx context.Context, coin string, depth int) (*types.L2Book, error) {
	var book types.L2Book
	if err := c.postInfo(ctx, map[string]interface{}{"type": "l2Book", "coin": coin}, &book); err != nil {
		return nil, err
	}
	if book.Coin == "" {
		book.Coin = coin
	}
	if depth > 0 {
		for i := range book.Levels {
			if len(book.Levels[i]) > depth {
				book.Levels[i] = book.Levels[i][:depth]
			}
		}
	}
	return &book, nil
}

// GetCandles 最近 count 根 K 线
func (c *Client) GetCandles(ctx context.Context, coin, interval string, count int) ([]types.Candle, error) {
	step, ok := CandleIntervals[interval]
	if !ok {
		return nil, apperr.Validation("不支持的 K 线周期 %q", interval)
	}
	if count <= 0 {
		return nil, apperr.Validation("count 必须为正数")
	}
	end := c.now()
	start := end.Add(-time.Duration(count) * step)
	req := map[string]interface{}{
		"type": "candleSnapshot",
		"req": map[string]interface{}{
			"coin":      coin,
			"interval":  interval,
			"startTime": toMillis(start),
			"endTime":   toMillis(end),
		},
	}
	var candles []types.Candle
	if err := c.postInfo(ctx, req, &candles); err != nil {
		return nil, err
	}
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}

// GetFundingHistory 最近 hours 小时的资金费率
func (c *Client) GetFundingHistory(ctx context.Context, coin string, hours int) ([]types.FundingRecord, error) {
	if hours <= 0 {
		return nil, apperr.Validation("hours 必须为正数")
	}
	start := c.now().Add(-time.Duration(hours) * time.Hour)
	var out []types.FundingRecord
	err := c.postInfo(ctx, map[string]interface{}{
		"type":      "fundingHistory",
		"coin":      coin,
		"startTime": toMillis(start),
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAccountState 永续与现货账户状态
func (c *Client) GetAccountState(ctx context.Context, user string) (*types.AccountSnapshot, error) {
	var snap types.AccountSnapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.postInfo(gctx, map[string]interface{}{"type": "clearinghouseState", "user": user}, &snap.Perp)
	})
	g.Go(func() error {
		return c.postInfo(gctx, map[string]interface{}{"type": "spotClearinghouseState", "user": user}, &snap.Spot)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetOpenOrders 挂单；coin 为空表示全部
func (c *Client) GetOpenOrders(ctx context.Context, user, coin string) ([]types.OpenOrder, error) {
	var orders []types.OpenOrder
	if err := c.postInfo(ctx, map[string]interface{}{"type": "frontendOpenOrders", "user": user}, &orders); err != nil {
		return nil, err
	}
	if coin == "" {
		return orders, nil
	}
	filtered := orders[:0]
	for _, o := range orders {
		if strings.EqualFold(o.Coin, coin) {
			filtered = append(filtered, o)
		}
	}
	return filtered, nil
}

// GetUserFills 最近成交
func (c *Client) GetUserFills(ctx context.Context, user string) ([]types.Fill, error) {
	var fills []types.Fill
	if err := c.postInfo(ctx, map[string]interface{}{"type": "userFills", "user": user}, &fills); err != nil {
		return nil, err
	}
	return fills, nil
}

// GetOrderStatus 按 oid 查询订单状态
func (c *Client) GetOrderStatus(ctx context.Context, user string, oid int64) (*types.OrderStatusResult, error) {
	var out types.OrderStatusResult
	if err := c.postInfo(ctx, map[string]interface{}{"type": "orderStatus", "user": user, "oid": oid}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMaxBuilderFee 用户已授权给 builder 的最高费率（十分之一基点）
func (c *Client) GetMaxBuilderFee(ctx context.Context, user, builder string) (int, error) {
	var raw json.RawMessage
	err := c.postInfo(ctx, map[string]interface{}{
		"type":    "maxBuilderFee",
		"user":    user,
		"builder": strings.ToLower(builder),
	}, &raw)
	if err != nil {
		return 0, err
	}
	return parseFlexibleInt(raw)
}

// GetVaultDetails 金库详情，原样返回
func (c *Client) GetVaultDetails(ctx context.Context, vault string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.postInfo(ctx, map[string]interface{}{"type": "vaultDetails", "vaultAddress": vault}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseFlexibleInt 兼容数字、字符串与 null
func parseFlexibleInt(raw json.RawMessage) (int, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, apperr.Wrap(fmt.Errorf("非数字响应 %q", s), apperr.KindInternal, "解析 maxBuilderFee")
	}
	return int(v), nil
}
