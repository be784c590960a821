package execution

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betbot/hlmcp/hyperliquid/signing"
	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
	"github.com/betbot/hlmcp/internal/statecache"
)

// plan 校验通过、等待工作协程签名提交的意图
type plan struct {
	id   string
	kind Kind
	coin string

	// userSigned 为 true 时用主钱包做用户签名（不带 vaultAddress）
	userSigned bool
	build      func(nonce uint64) interface{}
	handle     func(resp *types.ExchangeResponse, nonce uint64) (interface{}, error)

	// exclusive 非空时不走签名流程，直接在工作协程里执行
	exclusive func(ctx context.Context) (interface{}, error)
}

// NewCloid 生成 cloid：uuid v4 的 16 字节十六进制
func NewCloid() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

// normalizeCloid 空值时生成新的 cloid；否则校验为 0x + 32 位十六进制并转小写
func normalizeCloid(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NewCloid(), nil
	}
	raw := strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(raw) != 32 {
		return "", apperr.Validation("cloid 必须是 16 字节十六进制（0x 加 32 位），收到 %q", s)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", apperr.Validation("cloid 不是合法的十六进制: %q", s)
	}
	return "0x" + raw, nil
}

func (s *Sequencer) prepare(ctx context.Context, in Intent) (*plan, error) {
	switch in.Kind {
	case KindPlace:
		return s.preparePlace(ctx, in)
	case KindCancel:
		return s.prepareCancel(ctx, in)
	case KindModify:
		return s.prepareModify(ctx, in)
	case KindLeverage:
		return s.prepareLeverage(ctx, in)
	case KindClosePosition:
		return s.prepareClose(ctx, in)
	case KindTransfer:
		return s.prepareTransfer(in)
	case KindScheduleCancel:
		return s.prepareScheduleCancel(in)
	case KindCancelAll:
		return nil, apperr.Validation("cancel_all 请使用 CancelAll")
	default:
		return nil, apperr.Validation("未知的意图类型 %q", in.Kind)
	}
}

func (s *Sequencer) market(ctx context.Context, coin string) (types.Market, error) {
	if strings.TrimSpace(coin) == "" {
		return types.Market{}, apperr.Validation("coin 不能为空")
	}
	return s.state.Lookup(ctx, coin)
}

func (s *Sequencer) preparePlace(ctx context.Context, in Intent) (*plan, error) {
	m, err := s.market(ctx, in.Coin)
	if err != nil {
		return nil, err
	}
	invalid := func(format string, args ...interface{}) error {
		return apperr.Validation(format, args...).WithSymbol(m.Name).WithIntent(in.Cloid)
	}
	if in.Side != types.SideBuy && in.Side != types.SideSell {
		return nil, invalid("side 必须是 buy 或 sell")
	}
	if !validSize(in.Size, m) {
		return nil, invalid("size %s 必须大于 0 且最多 %d 位小数", in.Size, m.SzDecimals)
	}

	tif := in.TIF
	if tif == "" {
		tif = types.TIFGtc
	}
	var px decimal.Decimal
	switch in.OrderType {
	case OrderTypeMarket:
		if tif == types.TIFAlo {
			return nil, invalid("市价单不能是 post-only (alo)")
		}
		mid, _, err := s.state.Mid(ctx, m.Name)
		if err != nil {
			return nil, err
		}
		px = SlippagePrice(mid, in.Side, s.slip, m)
		tif = types.TIFIoc
	case OrderTypeLimit, "":
		if in.Price == nil {
			return nil, invalid("限价单需要 price，或使用 order_type=market")
		}
		px = *in.Price
		if !validPrice(px, m) {
			return nil, invalid("price %s 无效：必须大于 0，最多 5 位有效数字且最多 %d 位小数", px, PriceDecimals(m))
		}
	default:
		return nil, invalid("未知的 order_type %q", in.OrderType)
	}

	if in.ReduceOnly {
		if err := s.checkReduceOnly(ctx, m, in.Side, in.Size); err != nil {
			return nil, err
		}
	}

	wire := types.OrderWire{
		Asset:      m.Asset,
		IsBuy:      in.Side.IsBuy(),
		LimitPx:    wireDecimal(px),
		Sz:         wireDecimal(in.Size),
		ReduceOnly: in.ReduceOnly,
		OrderType:  types.OrderTypeWire{Limit: &types.LimitWire{Tif: tif}},
		Cloid:      in.Cloid,
	}
	return s.orderPlan(in.Kind, in.Cloid, m, wire, in.Size), nil
}

// checkReduceOnly 只减仓单需要缓存中有方向相反且数量足够的持仓
func (s *Sequencer) checkReduceOnly(ctx context.Context, m types.Market, side types.Side, size decimal.Decimal) error {
	pos, ok, err := s.state.Position(ctx, m.Name)
	if err != nil {
		return err
	}
	if !ok || pos.Side() == "" {
		return apperr.Validation("reduce_only 需要 %s 的已有持仓", m.Name).WithSymbol(m.Name)
	}
	if pos.Side() == side {
		return apperr.Validation("reduce_only 方向与持仓相同（持仓 %s）", pos.Size).WithSymbol(m.Name)
	}
	if pos.Size.Abs().LessThan(size) {
		return apperr.Validation("reduce_only 数量 %s 超过持仓 %s", size, pos.Size.Abs()).WithSymbol(m.Name)
	}
	return nil
}

// orderPlan 单笔下单动作，附带 builder 费用
func (s *Sequencer) orderPlan(kind Kind, id string, m types.Market, wire types.OrderWire, size decimal.Decimal) *plan {
	action := types.NewOrderAction([]types.OrderWire{wire}, s.builder)
	side := types.SideSell
	if wire.IsBuy {
		side = types.SideBuy
	}
	return &plan{
		id:    id,
		kind:  kind,
		coin:  m.Name,
		build: func(uint64) interface{} { return action },
		handle: func(resp *types.ExchangeResponse, _ uint64) (interface{}, error) {
			st, err := firstStatus(resp)
			if err != nil {
				return nil, err
			}
			res := &OrderResult{
				Kind: kind, IntentID: id, Coin: m.Name, Cloid: wire.Cloid,
				Side: string(side), Price: wire.LimitPx, Size: wire.Sz,
			}
			s.applyOrderStatus(res, st, m, wire, size)
			return res, nil
		},
	}
}

// applyOrderStatus 把逐单状态写入结果并乐观更新缓存
func (s *Sequencer) applyOrderStatus(res *OrderResult, st types.StatusEntry, m types.Market, wire types.OrderWire, size decimal.Decimal) {
	switch {
	case st.Resting != nil:
		res.Oid = st.Resting.Oid
		res.Status = StatusResting
		px, _ := decimal.NewFromString(wire.LimitPx)
		tif := ""
		if wire.OrderType.Limit != nil {
			tif = string(wire.OrderType.Limit.Tif)
		}
		s.state.RecordResting(statecache.OrderView{
			Oid: st.Resting.Oid, Cloid: wire.Cloid, Coin: m.Name, Side: types.Side(res.Side),
			Px: px, OrigSz: size, RemainingSz: size, FilledSz: decimal.Zero,
			TIF: tif, ReduceOnly: wire.ReduceOnly, Status: "open", Timestamp: s.now().UnixMilli(),
		})
	case st.Filled != nil:
		res.Oid = st.Filled.Oid
		res.FilledSz = st.Filled.TotalSz
		res.AvgPx = st.Filled.AvgPx
		res.Status = StatusFilled
		if filled, err := decimal.NewFromString(st.Filled.TotalSz); err == nil && filled.LessThan(size) {
			res.Status = StatusPartiallyFilled
			// 剩余部分可能仍在挂单
			s.state.InvalidateOrders()
		}
		s.state.InvalidateAccount()
	default:
		res.Status = StatusOK
		res.Detail = st.Literal
	}
}

// firstStatus 单笔动作的状态；失败状态转换为 Rejected
func firstStatus(resp *types.ExchangeResponse) (types.StatusEntry, error) {
	statuses, err := resp.Statuses()
	if err != nil {
		return types.StatusEntry{}, apperr.Wrap(err, apperr.KindInternal, "解析交易所响应")
	}
	if len(statuses) == 0 {
		return types.StatusEntry{}, apperr.New(apperr.KindInternal, "交易所响应缺少状态")
	}
	if st := statuses[0]; st.IsError() {
		return st, apperr.New(apperr.KindRejected, "%s", st.Error)
	}
	return statuses[0], nil
}

func (s *Sequencer) prepareCancel(ctx context.Context, in Intent) (*plan, error) {
	m, err := s.market(ctx, in.Coin)
	if err != nil {
		return nil, err
	}
	hasCloid := strings.TrimSpace(in.Cloid) != ""
	if (in.Oid > 0) == hasCloid {
		return nil, apperr.Validation("cancel 需要且只能提供 oid 或 cloid 之一").WithSymbol(m.Name)
	}

	var (
		id     string
		action interface{}
		target = in.Oid
	)
	if in.Oid > 0 {
		id = fmt.Sprintf("cancel:%s:%d", m.Name, in.Oid)
		action = types.NewCancelAction([]types.CancelWire{{Asset: m.Asset, Oid: in.Oid}})
	} else {
		cloid, err := normalizeCloid(in.Cloid)
		if err != nil {
			return nil, err
		}
		id = "cancel:" + m.Name + ":" + cloid
		action = types.NewCancelByCloidAction([]types.CancelByCloidWire{{Asset: m.Asset, Cloid: cloid}})
		if o, ok := s.state.FindOrder(0, cloid); ok {
			target = o.Oid
		}
	}

	return &plan{
		id:    id,
		kind:  KindCancel,
		coin:  m.Name,
		build: func(uint64) interface{} { return action },
		handle: func(resp *types.ExchangeResponse, _ uint64) (interface{}, error) {
			st, err := firstStatus(resp)
			if err != nil {
				return nil, err
			}
			if target > 0 {
				s.state.RecordCancelled(target)
			} else {
				s.state.InvalidateOrders()
			}
			return &OrderResult{
				Kind: KindCancel, IntentID: id, Coin: m.Name, Oid: target,
				Cloid: strings.ToLower(strings.TrimSpace(in.Cloid)), Status: StatusCancelled, Detail: st.Literal,
			}, nil
		},
	}, nil
}

func (s *Sequencer) prepareModify(ctx context.Context, in Intent) (*plan, error) {
	m, err := s.market(ctx, in.Coin)
	if err != nil {
		return nil, err
	}
	invalid := func(format string, args ...interface{}) error {
		return apperr.Validation(format, args...).WithSymbol(m.Name)
	}
	if in.Oid <= 0 {
		return nil, invalid("modify 需要 oid")
	}
	if in.Price == nil || !validPrice(*in.Price, m) {
		return nil, invalid("price 无效：必须大于 0，最多 5 位有效数字且最多 %d 位小数", PriceDecimals(m))
	}
	if !validSize(in.Size, m) {
		return nil, invalid("size %s 必须大于 0 且最多 %d 位小数", in.Size, m.SzDecimals)
	}

	existing, known := s.state.FindOrder(in.Oid, "")
	side := in.Side
	if side == "" {
		if !known {
			return nil, invalid("缓存中没有订单 %d，请提供 side", in.Oid)
		}
		side = existing.Side
	}
	if side != types.SideBuy && side != types.SideSell {
		return nil, invalid("side 必须是 buy 或 sell")
	}
	tif := in.TIF
	if tif == "" {
		tif = types.TIFGtc
	}

	// 改单生成新 cloid，交易所按 cloid 去重，沿用旧值会被当作重复订单
	cloid := NewCloid()
	wire := types.OrderWire{
		Asset:      m.Asset,
		IsBuy:      side.IsBuy(),
		LimitPx:    wireDecimal(*in.Price),
		Sz:         wireDecimal(in.Size),
		ReduceOnly: known && existing.ReduceOnly,
		OrderType:  types.OrderTypeWire{Limit: &types.LimitWire{Tif: tif}},
		Cloid:      cloid,
	}
	action := types.NewBatchModifyAction([]types.ModifyWire{{Oid: in.Oid, Order: wire}})
	id := fmt.Sprintf("modify:%s:%d", m.Name, in.Oid)

	return &plan{
		id:    id,
		kind:  KindModify,
		coin:  m.Name,
		build: func(uint64) interface{} { return action },
		handle: func(resp *types.ExchangeResponse, _ uint64) (interface{}, error) {
			st, err := firstStatus(resp)
			if err != nil {
				return nil, err
			}
			s.state.RecordCancelled(in.Oid)
			if known && existing.Cloid != "" {
				s.supersede(existing.Cloid)
			}
			res := &OrderResult{
				Kind: KindModify, IntentID: id, Coin: m.Name, Cloid: cloid,
				Side: string(side), Price: wire.LimitPx, Size: wire.Sz, Detail: StatusModified,
			}
			s.applyOrderStatus(res, st, m, wire, in.Size)
			return res, nil
		},
	}, nil
}

func (s *Sequencer) prepareLeverage(ctx context.Context, in Intent) (*plan, error) {
	m, err := s.market(ctx, in.Coin)
	if err != nil {
		return nil, err
	}
	if m.Kind != types.MarketPerp {
		return nil, apperr.Validation("%s 不是永续合约，不能设置杠杆", m.Name).WithSymbol(m.Name)
	}
	if in.Leverage < 1 || (m.MaxLeverage > 0 && in.Leverage > m.MaxLeverage) {
		return nil, apperr.Validation("leverage 必须在 1..%d 之间", m.MaxLeverage).WithSymbol(m.Name)
	}
	if in.Cross && m.OnlyIsolated {
		return nil, apperr.Validation("%s 只支持逐仓", m.Name).WithSymbol(m.Name)
	}
	action := types.NewUpdateLeverageAction(m.Asset, in.Cross, in.Leverage)
	id := "leverage:" + m.Name
	mode := "isolated"
	if in.Cross {
		mode = "cross"
	}
	return &plan{
		id:    id,
		kind:  KindLeverage,
		coin:  m.Name,
		build: func(uint64) interface{} { return action },
		handle: func(*types.ExchangeResponse, uint64) (interface{}, error) {
			s.state.InvalidateAccount()
			return &OrderResult{Kind: KindLeverage, IntentID: id, Coin: m.Name, Status: StatusOK,
				Detail: fmt.Sprintf("%dx %s", in.Leverage, mode)}, nil
		},
	}, nil
}

// prepareClose 以 IOC 只减仓单吃掉全部持仓，价格为 mid 加减滑点
func (s *Sequencer) prepareClose(ctx context.Context, in Intent) (*plan, error) {
	m, err := s.market(ctx, in.Coin)
	if err != nil {
		return nil, err
	}
	pos, ok, err := s.state.Position(ctx, m.Name)
	if err != nil {
		return nil, err
	}
	if !ok || pos.Side() == "" {
		return nil, apperr.Validation("%s 没有持仓", m.Name).WithSymbol(m.Name)
	}
	side := pos.Side().Opposite()
	size := pos.Size.Abs()
	mid, _, err := s.state.Mid(ctx, m.Name)
	if err != nil {
		return nil, err
	}
	px := SlippagePrice(mid, side, s.slip, m)
	cloid := NewCloid()
	wire := types.OrderWire{
		Asset:      m.Asset,
		IsBuy:      side.IsBuy(),
		LimitPx:    wireDecimal(px),
		Sz:         wireDecimal(size),
		ReduceOnly: true,
		OrderType:  types.OrderTypeWire{Limit: &types.LimitWire{Tif: types.TIFIoc}},
		Cloid:      cloid,
	}
	p := s.orderPlan(KindClosePosition, "close:"+m.Name, m, wire, size)
	return p, nil
}

func (s *Sequencer) prepareTransfer(in Intent) (*plan, error) {
	if !in.Amount.IsPositive() {
		return nil, apperr.Validation("amount 必须大于 0")
	}
	amount := wireDecimal(in.Amount)
	network := s.signers.Network()
	id := "transfer:" + NewCloid()
	direction := "to_spot"
	if in.ToPerp {
		direction = "to_perps"
	}
	return &plan{
		id:         id,
		kind:       KindTransfer,
		userSigned: true,
		build: func(nonce uint64) interface{} {
			return signing.NewUsdClassTransferAction(network, amount, in.ToPerp, nonce)
		},
		handle: func(*types.ExchangeResponse, uint64) (interface{}, error) {
			s.state.InvalidateAccount()
			return &OrderResult{Kind: KindTransfer, IntentID: id, Status: StatusOK, Size: amount, Detail: direction}, nil
		},
	}, nil
}

func (s *Sequencer) prepareScheduleCancel(in Intent) (*plan, error) {
	if in.Seconds <= 0 {
		return nil, apperr.Validation("seconds 必须大于 0")
	}
	at := s.now().Add(time.Duration(in.Seconds) * time.Second).UnixMilli()
	action := types.NewScheduleCancelAction(at)
	id := "schedule_cancel"
	return &plan{
		id:    id,
		kind:  KindScheduleCancel,
		build: func(uint64) interface{} { return action },
		handle: func(*types.ExchangeResponse, uint64) (interface{}, error) {
			return &OrderResult{Kind: KindScheduleCancel, IntentID: id, Status: StatusOK,
				Detail: fmt.Sprintf("全部挂单将在 %d 撤销", at)}, nil
		},
	}, nil
}

// prepareCancelAll 没有可撤挂单时返回空结果，不进入队列
func (s *Sequencer) prepareCancelAll(ctx context.Context, coin string) (*plan, *CancelAllResult, error) {
	name := ""
	if strings.TrimSpace(coin) != "" {
		m, err := s.market(ctx, coin)
		if err != nil {
			return nil, nil, err
		}
		name = m.Name
	}
	id := "cancel_all:" + name
	if name == "" {
		id = "cancel_all:*"
	}

	orders, _, err := s.state.OpenOrders(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	type target struct {
		oid  int64
		coin string
	}
	var (
		cancels []types.CancelWire
		targets []target
		skipped []CancelFailure
	)
	for _, o := range orders {
		m, err := s.state.Lookup(ctx, o.Coin)
		if err != nil {
			skipped = append(skipped, CancelFailure{Oid: o.Oid, Coin: o.Coin, Error: "未知交易对"})
			continue
		}
		cancels = append(cancels, types.CancelWire{Asset: m.Asset, Oid: o.Oid})
		targets = append(targets, target{oid: o.Oid, coin: o.Coin})
	}
	if len(cancels) == 0 {
		return nil, &CancelAllResult{IntentID: id, Attempted: len(skipped), Failures: skipped}, nil
	}

	action := types.NewCancelAction(cancels)
	return &plan{
		id:    id,
		kind:  KindCancelAll,
		coin:  name,
		build: func(uint64) interface{} { return action },
		handle: func(resp *types.ExchangeResponse, _ uint64) (interface{}, error) {
			statuses, err := resp.Statuses()
			if err != nil {
				return nil, apperr.Wrap(err, apperr.KindInternal, "解析交易所响应")
			}
			out := &CancelAllResult{IntentID: id, Attempted: len(targets) + len(skipped), Failures: skipped}
			for i, t := range targets {
				switch {
				case i >= len(statuses):
					out.Failures = append(out.Failures, CancelFailure{Oid: t.oid, Coin: t.coin, Error: "交易所未返回状态"})
				case statuses[i].IsError():
					out.Failures = append(out.Failures, CancelFailure{Oid: t.oid, Coin: t.coin, Error: statuses[i].Error})
				default:
					out.Cancelled++
					s.state.RecordCancelled(t.oid)
				}
			}
			if len(out.Failures) > 0 {
				s.state.InvalidateOrders()
			}
			return out, nil
		},
	}, nil, nil
}
