package gateway

import (
	"context"
	"sort"
	"strings"

	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
	"github.com/betbot/hlmcp/internal/statecache"
)

var coinParam = Param{Name: "coin", Type: TypeString, Required: true, Description: "交易对，例如 BTC、ETH 或 PURR/USDC"}

type marketsResult struct {
	Markets []types.Market  `json:"markets"`
	Count   int             `json:"count"`
	Meta    statecache.Meta `json:"meta"`
}

type marketSummary struct {
	types.Market
	Mid  string          `json:"mid"`
	Meta statecache.Meta `json:"meta"`
}

type bookResult struct {
	*statecache.Book
	Mid    string          `json:"mid,omitempty"`
	Spread string          `json:"spread,omitempty"`
	Meta   statecache.Meta `json:"meta"`
}

type candlesResult struct {
	Coin     string         `json:"coin"`
	Interval string         `json:"interval"`
	Candles  []types.Candle `json:"candles"`
}

type fundingResult struct {
	Coin    string                `json:"coin"`
	Current string                `json:"current_rate,omitempty"`
	History []types.FundingRecord `json:"history"`
}

func (g *Gateway) marketTools() []*Tool {
	return []*Tool{
		{
			Name:        "get_markets",
			Description: "列出可交易的永续和现货市场",
			Params: []Param{
				{Name: "market_type", Type: TypeString, Enum: []string{"perp", "spot", "all"}, Default: "all"},
			},
			handler: g.getMarkets,
		},
		{
			Name:        "get_market_summary",
			Description: "单个市场的价格、资金费率、持仓量和成交量",
			Params:      []Param{coinParam},
			handler:     g.getMarketSummary,
		},
		{
			Name:        "get_order_book",
			Description: "L2 盘口",
			Params: []Param{
				coinParam,
				{Name: "depth", Type: TypeInteger, Default: int64(10), Min: bound(1), Max: bound(20)},
			},
			handler: g.getOrderBook,
		},
		{
			Name:        "get_candles",
			Description: "K 线",
			Params: []Param{
				coinParam,
				{Name: "interval", Type: TypeString, Enum: []string{"1m", "5m", "15m", "1h", "4h", "1d"}, Default: "1h"},
				{Name: "count", Type: TypeInteger, Default: int64(100), Min: bound(1), Max: bound(5000)},
			},
			handler: g.getCandles,
		},
		{
			Name:        "get_funding_rates",
			Description: "永续合约资金费率历史",
			Params: []Param{
				coinParam,
				{Name: "hours", Type: TypeInteger, Default: int64(24), Min: bound(1), Max: bound(720)},
			},
			handler: g.getFundingRates,
		},
	}
}

func (g *Gateway) getMarkets(ctx context.Context, args Args) (interface{}, error) {
	markets, meta, err := g.state.Markets(ctx)
	if err != nil {
		return nil, err
	}
	kind := args.String("market_type")
	out := make([]types.Market, 0, len(markets))
	for _, m := range markets {
		if kind == "all" || string(m.Kind) == kind {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == types.MarketPerp
		}
		return out[i].Asset < out[j].Asset
	})
	return &marketsResult{Markets: out, Count: len(out), Meta: meta}, nil
}

func (g *Gateway) getMarketSummary(ctx context.Context, args Args) (interface{}, error) {
	m, meta, err := g.state.Market(ctx, args.String("coin"))
	if err != nil {
		return nil, err
	}
	out := &marketSummary{Market: m, Meta: meta}
	if mid, _, err := g.state.Mid(ctx, m.Name); err == nil {
		out.Mid = mid.String()
	}
	return out, nil
}

func (g *Gateway) getOrderBook(ctx context.Context, args Args) (interface{}, error) {
	m, _, err := g.state.Market(ctx, args.String("coin"))
	if err != nil {
		return nil, err
	}
	book, meta, err := g.state.OrderBook(ctx, m.Name, int(args.Int("depth")))
	if err != nil {
		return nil, err
	}
	out := &bookResult{Book: book, Meta: meta}
	if mid, ok := book.Mid(); ok {
		out.Mid = mid.String()
		out.Spread = book.Asks[0].Px.Sub(book.Bids[0].Px).String()
	}
	return out, nil
}

func (g *Gateway) getCandles(ctx context.Context, args Args) (interface{}, error) {
	m, _, err := g.state.Market(ctx, args.String("coin"))
	if err != nil {
		return nil, err
	}
	interval := args.String("interval")
	candles, err := g.adapter.GetCandles(ctx, m.Name, interval, int(args.Int("count")))
	if err != nil {
		return nil, err
	}
	if candles == nil {
		candles = []types.Candle{}
	}
	return &candlesResult{Coin: m.Name, Interval: interval, Candles: candles}, nil
}

func (g *Gateway) getFundingRates(ctx context.Context, args Args) (interface{}, error) {
	m, _, err := g.state.Market(ctx, args.String("coin"))
	if err != nil {
		return nil, err
	}
	if m.Kind != types.MarketPerp {
		return nil, apperr.Validation("%s 是现货，没有资金费率", m.Name).WithSymbol(m.Name)
	}
	history, err := g.adapter.GetFundingHistory(ctx, m.Name, int(args.Int("hours")))
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []types.FundingRecord{}
	}
	return &fundingResult{Coin: m.Name, Current: m.Funding, History: history}, nil
}

func matchCoin(filter, coin string) bool {
	return filter == "" || strings.EqualFold(filter, coin)
}
