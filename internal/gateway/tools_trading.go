package gateway

import (
	"context"
	"sort"

	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
	"github.com/betbot/hlmcp/internal/execution"
	"github.com/betbot/hlmcp/internal/identity"
)

var tifByName = map[string]types.TIF{
	"gtc": types.TIFGtc,
	"ioc": types.TIFIoc,
	"alo": types.TIFAlo,
}

// orderReply 下单类结果，Notice 为 builder 费用未授权时的一次性提示
type orderReply struct {
	*execution.OrderResult
	Notice string `json:"notice,omitempty"`
}

type agentReply struct {
	AgentAddress string `json:"agent_address"`
	SavedTo      string `json:"saved_to"`
	Active       bool   `json:"active"`
	Detail       string `json:"detail"`
}

func (g *Gateway) tradingTools() []*Tool {
	tif := Param{Name: "time_in_force", Type: TypeString, Enum: []string{"gtc", "ioc", "alo"}, Default: "gtc"}
	return []*Tool{
		{
			Name:        "place_order",
			Description: "下单（真实资金）。市价单以 mid 加减 5% 的 IOC 限价单提交",
			Mutating:    true,
			Params: []Param{
				coinParam,
				{Name: "side", Type: TypeString, Required: true, Enum: []string{"buy", "sell"}},
				{Name: "size", Type: TypeNumber, Required: true, Description: "基础币数量"},
				{Name: "order_type", Type: TypeString, Enum: []string{"limit", "market"}, Default: "limit"},
				{Name: "price", Type: TypeNumber, Description: "限价单必填"},
				tif,
				{Name: "reduce_only", Type: TypeBoolean, Default: false},
				{Name: "cloid", Type: TypeString, Description: "客户端订单号（0x 加 32 位十六进制），用于幂等重试"},
			},
			handler: g.placeOrder,
		},
		{
			Name:        "cancel_order",
			Description: "按 oid 或 cloid 撤单",
			Mutating:    true,
			Params: []Param{
				coinParam,
				{Name: "oid", Type: TypeInteger, Min: bound(1)},
				{Name: "cloid", Type: TypeString},
			},
			handler: g.cancelOrder,
		},
		{
			Name:        "cancel_all_orders",
			Description: "撤销全部挂单，可按 coin 过滤",
			Mutating:    true,
			Params:      []Param{{Name: "coin", Type: TypeString}},
			handler:     g.cancelAllOrders,
		},
		{
			Name:        "modify_order",
			Description: "修改挂单的价格和数量",
			Mutating:    true,
			Params: []Param{
				coinParam,
				{Name: "oid", Type: TypeInteger, Required: true, Min: bound(1)},
				{Name: "price", Type: TypeNumber, Required: true},
				{Name: "size", Type: TypeNumber, Required: true},
				{Name: "side", Type: TypeString, Enum: []string{"buy", "sell"}, Description: "缺省时沿用原订单方向"},
				tif,
			},
			handler: g.modifyOrder,
		},
		{
			Name:        "set_leverage",
			Description: "设置杠杆倍数与保证金模式",
			Mutating:    true,
			Params: []Param{
				coinParam,
				{Name: "leverage", Type: TypeInteger, Required: true, Min: bound(1)},
				{Name: "margin_mode", Type: TypeString, Enum: []string{"cross", "isolated"}, Default: "cross"},
			},
			handler: g.setLeverage,
		},
		{
			Name:        "close_position",
			Description: "市价平掉全部持仓",
			Mutating:    true,
			Params:      []Param{coinParam},
			handler:     g.closePosition,
		},
		{
			Name:        "emergency_close_all",
			Description: "紧急平仓：撤销全部挂单并市价平掉全部持仓，需要 confirm=true",
			Mutating:    true,
			Params:      []Param{{Name: "confirm", Type: TypeBoolean, Required: true, Description: "必须为 true"}},
			handler:     g.emergencyCloseAll,
		},
		{
			Name:        "schedule_cancel",
			Description: "在 seconds 秒后撤销全部挂单",
			Mutating:    true,
			Params:      []Param{{Name: "seconds", Type: TypeInteger, Required: true, Min: bound(1)}},
			handler:     g.scheduleCancel,
		},
		{
			Name:        "transfer_between_spot_perps",
			Description: "现货与永续账户之间划转 USDC（需要主钱包）",
			Mutating:    true,
			Params: []Param{
				{Name: "amount", Type: TypeNumber, Required: true},
				{Name: "direction", Type: TypeString, Required: true, Enum: []string{"to_spot", "to_perps"}},
			},
			handler: g.transfer,
		},
		{
			Name:        "create_agent_wallet",
			Description: "用主钱包创建并授权新的 agent 钱包，重启后生效",
			Mutating:    true,
			handler:     g.createAgentWallet,
		},
		{
			Name:        "approve_builder_fee",
			Description: "用主钱包授权 builder 费用",
			Mutating:    true,
			handler:     g.approveBuilderFee,
		},
	}
}

func (g *Gateway) placeOrder(ctx context.Context, args Args) (interface{}, error) {
	in := execution.Intent{
		Kind:       execution.KindPlace,
		Coin:       args.String("coin"),
		Side:       types.Side(args.String("side")),
		Size:       args.Decimal("size"),
		OrderType:  execution.OrderType(args.String("order_type")),
		Price:      args.DecimalPtr("price"),
		TIF:        tifByName[args.String("time_in_force")],
		ReduceOnly: args.Bool("reduce_only"),
		Cloid:      args.String("cloid"),
	}
	if in.OrderType == execution.OrderTypeMarket && in.Price != nil {
		return nil, apperr.Validation("市价单不接受 price")
	}
	res, err := g.exec.Submit(ctx, in)
	if err != nil {
		return nil, err
	}
	return g.orderReply(res), nil
}

func (g *Gateway) orderReply(res *execution.OrderResult) *orderReply {
	out := &orderReply{OrderResult: res}
	if g.builder != nil {
		out.Notice = g.builder.Nudge(g.feeInfo.Load())
	}
	return out
}

func (g *Gateway) cancelOrder(ctx context.Context, args Args) (interface{}, error) {
	return g.exec.Submit(ctx, execution.Intent{
		Kind:  execution.KindCancel,
		Coin:  args.String("coin"),
		Oid:   args.Int("oid"),
		Cloid: args.String("cloid"),
	})
}

func (g *Gateway) cancelAllOrders(ctx context.Context, args Args) (interface{}, error) {
	return g.exec.CancelAll(ctx, args.String("coin"))
}

func (g *Gateway) modifyOrder(ctx context.Context, args Args) (interface{}, error) {
	res, err := g.exec.Submit(ctx, execution.Intent{
		Kind:  execution.KindModify,
		Coin:  args.String("coin"),
		Oid:   args.Int("oid"),
		Price: args.DecimalPtr("price"),
		Size:  args.Decimal("size"),
		Side:  types.Side(args.String("side")),
		TIF:   tifByName[args.String("time_in_force")],
	})
	if err != nil {
		return nil, err
	}
	return g.orderReply(res), nil
}

func (g *Gateway) setLeverage(ctx context.Context, args Args) (interface{}, error) {
	return g.exec.Submit(ctx, execution.Intent{
		Kind:     execution.KindLeverage,
		Coin:     args.String("coin"),
		Leverage: int(args.Int("leverage")),
		Cross:    args.String("margin_mode") == "cross",
	})
}

func (g *Gateway) closePosition(ctx context.Context, args Args) (interface{}, error) {
	res, err := g.exec.Submit(ctx, execution.Intent{Kind: execution.KindClosePosition, Coin: args.String("coin")})
	if err != nil {
		return nil, err
	}
	return g.orderReply(res), nil
}

type closeFailure struct {
	Coin    string      `json:"coin"`
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

type closeAllReply struct {
	Orders   *execution.CancelAllResult `json:"orders"`
	Closed   []*execution.OrderResult   `json:"closed"`
	Failures []closeFailure             `json:"failures,omitempty"`
}

// emergencyCloseAll 先一次批量撤单，再逐个平仓；单个交易对失败不影响其余交易对
func (g *Gateway) emergencyCloseAll(ctx context.Context, args Args) (interface{}, error) {
	if !args.Bool("confirm") {
		return nil, apperr.Validation("紧急平仓需要 confirm=true，将撤销全部挂单并平掉全部持仓")
	}
	cancelled, err := g.exec.CancelAll(ctx, "")
	if err != nil {
		return nil, err
	}
	out := &closeAllReply{Orders: cancelled, Closed: []*execution.OrderResult{}}

	account, _, err := g.state.Account(ctx)
	if err != nil {
		return nil, err
	}
	coins := make([]string, 0, len(account.Positions))
	for coin, p := range account.Positions {
		if !p.Size.IsZero() {
			coins = append(coins, coin)
		}
	}
	sort.Strings(coins)

	for _, coin := range coins {
		res, err := g.exec.Submit(ctx, execution.Intent{Kind: execution.KindClosePosition, Coin: coin})
		if err != nil {
			f := closeFailure{Coin: coin, Kind: apperr.KindOf(err), Message: err.Error()}
			if e, ok := apperr.As(err); ok {
				f.Message = e.Message
			}
			out.Failures = append(out.Failures, f)
			continue
		}
		out.Closed = append(out.Closed, res)
	}
	return out, nil
}

func (g *Gateway) scheduleCancel(ctx context.Context, args Args) (interface{}, error) {
	return g.exec.Submit(ctx, execution.Intent{Kind: execution.KindScheduleCancel, Seconds: int(args.Int("seconds"))})
}

func (g *Gateway) transfer(ctx context.Context, args Args) (interface{}, error) {
	return g.exec.Submit(ctx, execution.Intent{
		Kind:   execution.KindTransfer,
		Amount: args.Decimal("amount"),
		ToPerp: args.String("direction") == "to_perps",
	})
}

// 授权类操作同样经过序列器，主钱包的 nonce 与划转共用一个队列
func (g *Gateway) createAgentWallet(ctx context.Context, _ Args) (interface{}, error) {
	return g.exec.Exclusive(ctx, "create_agent_wallet", func(ctx context.Context) (interface{}, error) {
		addr, location, err := g.ids.CreateAgent(ctx)
		if err != nil {
			return nil, err
		}
		return &agentReply{
			AgentAddress: addr.Hex(),
			SavedTo:      location,
			Detail:       "新 agent 已授权并保存，重启后生效",
		}, nil
	})
}

func (g *Gateway) approveBuilderFee(ctx context.Context, _ Args) (interface{}, error) {
	if g.builder == nil {
		return nil, apperr.New(apperr.KindInternal, "builder 费用未配置")
	}
	v, err := g.exec.Exclusive(ctx, "approve_builder_fee", func(ctx context.Context) (interface{}, error) {
		return g.builder.Approve(ctx)
	})
	if err != nil {
		return nil, err
	}
	if info, ok := v.(*identity.BuilderFeeInfo); ok {
		g.feeInfo.Store(info)
	}
	return v, nil
}
