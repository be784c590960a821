// Package gateway 工具路由：参数形状校验、分发到缓存或下单序列器、统一的响应形状。
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hlmcp/hyperliquid/client"
	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
	"github.com/betbot/hlmcp/internal/execution"
	"github.com/betbot/hlmcp/internal/identity"
	"github.com/betbot/hlmcp/internal/metrics"
	"github.com/betbot/hlmcp/internal/statecache"
)

var gwLog = logrus.WithField("component", "gateway")

const (
	EffectConfirmed = "confirmed"
	EffectRejected  = "rejected"
	EffectUncertain = "uncertain"
	EffectNone      = "none"

	defaultReadTimeout = 30 * time.Second
	internalMessage    = "内部错误，详情见服务端日志"
)

// StateReader 只读数据来源（statecache.Cache 实现）
type StateReader interface {
	Markets(ctx context.Context) ([]types.Market, statecache.Meta, error)
	Market(ctx context.Context, coin string) (types.Market, statecache.Meta, error)
	Mid(ctx context.Context, coin string) (decimal.Decimal, statecache.Meta, error)
	OrderBook(ctx context.Context, coin string, depth int) (*statecache.Book, statecache.Meta, error)
	Account(ctx context.Context) (statecache.AccountState, statecache.Meta, error)
	OpenOrders(ctx context.Context, coin string) ([]statecache.OrderView, statecache.Meta, error)
}

// Executor 变更操作入口（execution.Sequencer 实现）
type Executor interface {
	Submit(ctx context.Context, in execution.Intent) (*execution.OrderResult, error)
	CancelAll(ctx context.Context, coin string) (*execution.CancelAllResult, error)
	Exclusive(ctx context.Context, id string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error)
}

// Identities 身份信息（identity.Manager 实现）
type Identities interface {
	QueryAddress() (common.Address, error)
	Vault() *common.Address
	CurrentSigner() (*identity.Identity, error)
	CreateAgent(ctx context.Context) (common.Address, string, error)
	Network() types.Network
}

// BuilderFees builder 费用授权（identity.BuilderStatus 实现）
type BuilderFees interface {
	Check(ctx context.Context) (*identity.BuilderFeeInfo, error)
	Approve(ctx context.Context) (*identity.BuilderFeeInfo, error)
	Nudge(info *identity.BuilderFeeInfo) string
}

// Options Gateway 依赖。Adapter 只用于不经缓存的查询（K 线、资金费率、成交、订单状态、金库）
type Options struct {
	State       StateReader
	Executor    Executor
	Identity    Identities
	Builder     BuilderFees
	Adapter     client.Adapter
	ReadTimeout time.Duration
}

// Handler 工具实现
type Handler func(ctx context.Context, args Args) (interface{}, error)

// Tool 路由表中的一项
type Tool struct {
	Name        string
	Description string
	Mutating    bool
	Params      []Param

	handler Handler
}

// InputSchema tools/list 使用的参数 schema
func (t *Tool) InputSchema() map[string]interface{} { return schema(t.Params) }

// Response 工具调用的统一响应
type Response struct {
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody 对外的错误形状
type ErrorBody struct {
	Kind      apperr.Kind `json:"kind"`
	Message   string      `json:"message"`
	Symbol    string      `json:"symbol,omitempty"`
	IntentID  string      `json:"intent_id,omitempty"`
	Effect    string      `json:"effect"`
	Retryable bool        `json:"retryable"`
}

// Gateway 工具路由
type Gateway struct {
	state       StateReader
	exec        Executor
	ids         Identities
	builder     BuilderFees
	adapter     client.Adapter
	readTimeout time.Duration

	tools map[string]*Tool
	order []*Tool

	feeInfo atomic.Pointer[identity.BuilderFeeInfo]
}

// New 创建网关并注册全部工具
func New(opts Options) *Gateway {
	g := &Gateway{
		state:       opts.State,
		exec:        opts.Executor,
		ids:         opts.Identity,
		builder:     opts.Builder,
		adapter:     opts.Adapter,
		readTimeout: opts.ReadTimeout,
		tools:       make(map[string]*Tool),
	}
	if g.readTimeout <= 0 {
		g.readTimeout = defaultReadTimeout
	}
	g.register(g.marketTools()...)
	g.register(g.accountTools()...)
	g.register(g.tradingTools()...)
	return g
}

func (g *Gateway) register(tools ...*Tool) {
	for _, t := range tools {
		if _, dup := g.tools[t.Name]; dup {
			panic(fmt.Sprintf("gateway: duplicate tool %s", t.Name))
		}
		g.tools[t.Name] = t
		g.order = append(g.order, t)
	}
}

// Tools 按注册顺序返回全部工具
func (g *Gateway) Tools() []*Tool {
	out := make([]*Tool, len(g.order))
	copy(out, g.order)
	return out
}

// SetBuilderFee 记录启动时查询到的 builder 授权状态，用于下单结果中的一次性提示
func (g *Gateway) SetBuilderFee(info *identity.BuilderFeeInfo) {
	g.feeInfo.Store(info)
}

// Call 校验参数并执行工具；任何错误都转换为 Response.Error
func (g *Gateway) Call(ctx context.Context, name string, raw json.RawMessage) (resp Response) {
	tool, ok := g.tools[name]
	if !ok {
		metrics.ToolCalls.Add("unknown", 1)
		return g.fail(name, false, apperr.Validation("未知工具 %q", name))
	}
	metrics.ToolCalls.Add(name, 1)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			gwLog.WithField("tool", name).Errorf("工具 panic: %v\n%s", r, debug.Stack())
			resp = g.fail(name, tool.Mutating, apperr.New(apperr.KindInternal, "panic"))
		}
	}()

	args, err := parseArgs(tool.Params, raw)
	if err != nil {
		return g.fail(name, tool.Mutating, err)
	}
	if !tool.Mutating {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.readTimeout)
		defer cancel()
	}

	out, err := tool.handler(ctx, args)
	if err != nil {
		return g.fail(name, tool.Mutating, err)
	}
	if tool.Mutating {
		out = withEffect(out, EffectConfirmed)
	}
	gwLog.WithField("tool", name).WithField("elapsed", time.Since(start)).Debug("工具调用完成")
	return Response{OK: true, Result: out}
}

func (g *Gateway) fail(name string, mutating bool, err error) Response {
	body := errorBody(err, mutating)
	metrics.ToolErrors.Add(string(body.Kind), 1)

	entry := gwLog.WithField("tool", name).WithField("kind", body.Kind)
	if body.Symbol != "" {
		entry = entry.WithField("symbol", body.Symbol)
	}
	if body.IntentID != "" {
		entry = entry.WithField("intent", body.IntentID)
	}
	if body.Kind == apperr.KindInternal {
		entry.WithError(err).Error("工具调用失败")
	} else {
		entry.Info(body.Message)
	}
	return Response{OK: false, Error: body}
}

func errorBody(err error, mutating bool) *ErrorBody {
	e, ok := apperr.As(err)
	if !ok {
		e = &apperr.Error{Kind: apperr.KindInternal}
	}
	body := &ErrorBody{
		Kind:      e.Kind,
		Message:   e.Message,
		Symbol:    e.Symbol,
		IntentID:  e.IntentID,
		Effect:    effectOf(e, mutating),
		Retryable: apperr.Retryable(e.Kind),
	}
	// Internal 只返回通用消息，底层错误可能带请求细节
	if e.Kind == apperr.KindInternal {
		body.Message = internalMessage
	}
	if body.Message == "" {
		body.Message = string(e.Kind)
	}
	return body
}

// effectOf 变更操作失败后对账户的影响
func effectOf(e *apperr.Error, mutating bool) string {
	if !mutating {
		return EffectNone
	}
	switch e.Kind {
	case apperr.KindRejected:
		return EffectRejected
	case apperr.KindTimeout:
		if e.NotSubmitted {
			return EffectNone
		}
		return EffectUncertain
	case apperr.KindTransientNetwork, apperr.KindInternal:
		return EffectUncertain
	default:
		return EffectNone
	}
}

// withEffect 在结果对象上加 effect 字段；非对象结果放到 value 下
func withEffect(v interface{}, effect string) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{"effect": effect, "value": v}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil || m == nil {
		return map[string]interface{}{"effect": effect, "value": v}
	}
	m["effect"] = effect
	return m
}
