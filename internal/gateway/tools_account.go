package gateway

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/betbot/hlmcp/hyperliquid/signing"
	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
	"github.com/betbot/hlmcp/internal/identity"
	"github.com/betbot/hlmcp/internal/statecache"
)

type walletResult struct {
	QueryAddress string             `json:"query_address"`
	Signer       *identity.Identity `json:"signer,omitempty"`
	SignerError  string             `json:"signer_error,omitempty"`
	Vault        string             `json:"vault_address,omitempty"`
	Network      string             `json:"network"`
}

type positionsResult struct {
	Positions []statecache.PositionView `json:"positions"`
	Margin    types.MarginSummary       `json:"margin_summary"`
	Meta      statecache.Meta           `json:"meta"`
}

type balancesResult struct {
	Margin       types.MarginSummary `json:"margin_summary"`
	Withdrawable string              `json:"withdrawable"`
	Spot         []types.SpotBalance `json:"spot_balances"`
	Meta         statecache.Meta     `json:"meta"`
}

type ordersResult struct {
	Orders []statecache.OrderView `json:"orders"`
	Count  int                    `json:"count"`
	Meta   statecache.Meta        `json:"meta"`
}

type fillsResult struct {
	Fills []types.Fill `json:"fills"`
	Count int          `json:"count"`
}

type vaultResult struct {
	Vault   string          `json:"vault_address"`
	Details json.RawMessage `json:"details"`
}

func (g *Gateway) accountTools() []*Tool {
	return []*Tool{
		{
			Name:        "get_wallet_address",
			Description: "当前查询地址、签名身份与网络",
			handler:     g.getWalletAddress,
		},
		{
			Name:        "get_positions",
			Description: "永续持仓",
			handler:     g.getPositions,
		},
		{
			Name:        "get_balances",
			Description: "保证金汇总与现货余额",
			handler:     g.getBalances,
		},
		{
			Name:        "get_open_orders",
			Description: "挂单，可按 coin 过滤",
			Params:      []Param{{Name: "coin", Type: TypeString}},
			handler:     g.getOpenOrders,
		},
		{
			Name:        "get_trade_history",
			Description: "最近成交",
			Params: []Param{
				{Name: "coin", Type: TypeString},
				{Name: "limit", Type: TypeInteger, Default: int64(50), Min: bound(1), Max: bound(200)},
			},
			handler: g.getTradeHistory,
		},
		{
			Name:        "get_order_status",
			Description: "按 oid 查询订单状态",
			Params:      []Param{{Name: "oid", Type: TypeInteger, Required: true, Min: bound(1)}},
			handler:     g.getOrderStatus,
		},
		{
			Name:        "check_builder_fee",
			Description: "查询 builder 费用授权状态",
			handler:     g.checkBuilderFee,
		},
		{
			Name:        "get_vault_details",
			Description: "配置的金库详情",
			handler:     g.getVaultDetails,
		},
	}
}

func (g *Gateway) getWalletAddress(context.Context, Args) (interface{}, error) {
	addr, err := g.ids.QueryAddress()
	if err != nil {
		return nil, err
	}
	out := &walletResult{QueryAddress: addr.Hex(), Network: string(g.ids.Network())}
	if signer, err := g.ids.CurrentSigner(); err == nil {
		out.Signer = signer
	} else if e, ok := apperr.As(err); ok {
		out.SignerError = e.Message
	}
	if v := g.ids.Vault(); v != nil {
		out.Vault = v.Hex()
	}
	return out, nil
}

func (g *Gateway) getPositions(ctx context.Context, _ Args) (interface{}, error) {
	acct, meta, err := g.state.Account(ctx)
	if err != nil {
		return nil, err
	}
	positions := make([]statecache.PositionView, 0, len(acct.Positions))
	for _, p := range acct.Positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Coin < positions[j].Coin })
	return &positionsResult{Positions: positions, Margin: acct.Margin, Meta: meta}, nil
}

func (g *Gateway) getBalances(ctx context.Context, _ Args) (interface{}, error) {
	acct, meta, err := g.state.Account(ctx)
	if err != nil {
		return nil, err
	}
	spot := acct.Spot
	if spot == nil {
		spot = []types.SpotBalance{}
	}
	return &balancesResult{Margin: acct.Margin, Withdrawable: acct.Withdrawable, Spot: spot, Meta: meta}, nil
}

func (g *Gateway) getOpenOrders(ctx context.Context, args Args) (interface{}, error) {
	coin := args.String("coin")
	if coin != "" {
		m, _, err := g.state.Market(ctx, coin)
		if err != nil {
			return nil, err
		}
		coin = m.Name
	}
	orders, meta, err := g.state.OpenOrders(ctx, coin)
	if err != nil {
		return nil, err
	}
	return &ordersResult{Orders: orders, Count: len(orders), Meta: meta}, nil
}

func (g *Gateway) getTradeHistory(ctx context.Context, args Args) (interface{}, error) {
	user, err := g.ids.QueryAddress()
	if err != nil {
		return nil, err
	}
	fills, err := g.adapter.GetUserFills(ctx, signing.LowerHex(user))
	if err != nil {
		return nil, err
	}
	// 最新的在前
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].Time > fills[j].Time })

	coin, limit := args.String("coin"), int(args.Int("limit"))
	out := make([]types.Fill, 0, limit)
	for _, f := range fills {
		if len(out) >= limit {
			break
		}
		if matchCoin(coin, f.Coin) {
			out = append(out, f)
		}
	}
	return &fillsResult{Fills: out, Count: len(out)}, nil
}

func (g *Gateway) getOrderStatus(ctx context.Context, args Args) (interface{}, error) {
	user, err := g.ids.QueryAddress()
	if err != nil {
		return nil, err
	}
	return g.adapter.GetOrderStatus(ctx, signing.LowerHex(user), args.Int("oid"))
}

func (g *Gateway) checkBuilderFee(ctx context.Context, _ Args) (interface{}, error) {
	info, err := g.builder.Check(ctx)
	if err != nil {
		return nil, err
	}
	g.feeInfo.Store(info)
	return info, nil
}

func (g *Gateway) getVaultDetails(ctx context.Context, _ Args) (interface{}, error) {
	vault := g.ids.Vault()
	if vault == nil {
		return nil, apperr.Validation("未配置金库地址（HYPERLIQUID_VAULT_ADDRESS）")
	}
	details, err := g.adapter.GetVaultDetails(ctx, signing.LowerHex(*vault))
	if err != nil {
		return nil, err
	}
	return &vaultResult{Vault: vault.Hex(), Details: details}, nil
}
