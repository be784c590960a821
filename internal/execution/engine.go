// Package execution 串行化所有变更操作。
//
// 交易所要求同一账户的 nonce 严格递增，因此所有下单、撤单、改单、授权都经过
// Sequencer 的单一工作协程：调用方提交 ticket 后阻塞等待，同一时刻最多只有一个
// 已签名请求在途。
package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hlmcp/hyperliquid/client"
	"github.com/betbot/hlmcp/hyperliquid/signing"
	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
	"github.com/betbot/hlmcp/internal/identity"
	"github.com/betbot/hlmcp/internal/metrics"
	"github.com/betbot/hlmcp/internal/statecache"
	"github.com/betbot/hlmcp/pkg/cache"
	"github.com/betbot/hlmcp/pkg/config"
)

var execLog = logrus.WithField("component", "sequencer")

const (
	defaultQueueTimeout  = 10 * time.Second
	defaultSubmitTimeout = 10 * time.Second
	defaultRetentionTTL  = 10 * time.Minute
	queueSize            = 64
)

// Signers 签名身份来源（identity.Manager 实现）
type Signers interface {
	EnsureValid() (*identity.Identity, error)
	MainSigner() (*identity.Identity, error)
	Vault() *common.Address
	Network() types.Network
}

// StateView 校验与乐观更新用到的缓存视图（statecache.Cache 实现）
type StateView interface {
	Lookup(ctx context.Context, coin string) (types.Market, error)
	Mid(ctx context.Context, coin string) (decimal.Decimal, statecache.Meta, error)
	Position(ctx context.Context, coin string) (statecache.PositionView, bool, error)
	OpenOrders(ctx context.Context, coin string) ([]statecache.OrderView, statecache.Meta, error)
	FindOrder(oid int64, cloid string) (statecache.OrderView, bool)
	RecordResting(o statecache.OrderView)
	RecordCancelled(oid int64)
	InvalidateAccount()
	InvalidateOrders()
}

// Options Sequencer 依赖
type Options struct {
	Adapter client.Adapter
	Signers Signers
	State   StateView
	Nonces  *signing.NonceSource
	Config  config.ExecutionConfig

	Builder    common.Address
	BuilderFee int
	Slippage   decimal.Decimal
	Now        func() time.Time
}

// Sequencer 单工作协程的变更队列
type Sequencer struct {
	adapter client.Adapter
	signers Signers
	state   StateView
	nonces  *signing.NonceSource
	cfg     config.ExecutionConfig
	builder *types.BuilderInfo
	slip    decimal.Decimal
	now     func() time.Time

	inFlight *InFlightDeduper
	records  *cache.InMemoryCache[string, Record]
	recMu    sync.Mutex

	jobC chan *job

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	started   atomic.Bool
	stopped   chan struct{}
}

// NewSequencer 创建 Sequencer；需要调用 Start 才会开始处理
func NewSequencer(opts Options) *Sequencer {
	cfg := opts.Config
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = defaultQueueTimeout
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = defaultRetentionTTL
	}
	if opts.Nonces == nil {
		opts.Nonces = signing.NewNonceSource(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if (opts.Builder == common.Address{}) {
		opts.Builder = identity.DefaultBuilder
	}
	if opts.BuilderFee <= 0 {
		opts.BuilderFee = identity.DefaultBuilderFee
	}
	if !opts.Slippage.IsPositive() {
		opts.Slippage = DefaultSlippage
	}

	inFlight := NewInFlightDeduper(cfg.QueueTimeout+cfg.SubmitTimeout+time.Second, 16)
	inFlight.now = opts.Now

	ctx, cancel := context.WithCancel(context.Background())
	return &Sequencer{
		adapter:  opts.Adapter,
		signers:  opts.Signers,
		state:    opts.State,
		nonces:   opts.Nonces,
		cfg:      cfg,
		builder:  &types.BuilderInfo{Builder: signing.LowerHex(opts.Builder), Fee: opts.BuilderFee},
		slip:     opts.Slippage,
		now:      opts.Now,
		inFlight: inFlight,
		records:  cache.NewInMemoryCache[string, Record](cfg.RetentionTTL),
		jobC:     make(chan *job, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
}

// Start 启动工作协程；parent 结束时自动停止
func (s *Sequencer) Start(parent context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go func() {
			select {
			case <-parent.Done():
				s.cancel()
			case <-s.ctx.Done():
			}
		}()
		go s.loop()
		execLog.Info("sequencer 已启动")
	})
}

// Stop 停止工作协程：当前在途的请求结束后返回，排队中的 ticket 以“未提交”失败
func (s *Sequencer) Stop() {
	s.cancel()
	if s.started.Load() {
		<-s.stopped
	}
	s.records.Stop()
}

// ---- ticket ----

const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type outcome struct {
	value interface{}
	err   error
}

type job struct {
	plan  *plan
	state atomic.Int32
	done  chan outcome
}

// start 工作协程取出 ticket 时调用；已被放弃的 ticket 返回 false，不会提交
func (j *job) start() bool { return j.state.CompareAndSwap(jobQueued, jobStarted) }

// abandon 调用方放弃等待；已开始执行的 ticket 返回 false
func (j *job) abandon() bool { return j.state.CompareAndSwap(jobQueued, jobAbandoned) }

func (s *Sequencer) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.ctx.Done():
			execLog.Info("sequencer 已停止")
			return
		case j := <-s.jobC:
			if !j.start() {
				execLog.WithField("intent", j.plan.id).Debug("ticket 已放弃，跳过")
				continue
			}
			j.done <- s.execute(j.plan)
		}
	}
}

func notSubmitted(p *plan, reason string) error {
	e := apperr.New(apperr.KindTimeout, "%s，请求未提交", reason).WithIntent(p.id).WithSymbol(p.coin)
	e.NotSubmitted = true
	metrics.IntentsTimedOut.Add(1)
	return e
}

// dispatch 入队并等待结果。排队超过 QueueTimeout 或调用方取消时，尚未开始的 ticket 被放弃
func (s *Sequencer) dispatch(ctx context.Context, p *plan) (interface{}, error) {
	j := &job{plan: p, done: make(chan outcome, 1)}
	timer := time.NewTimer(s.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case s.jobC <- j:
	case <-timer.C:
		return nil, notSubmitted(p, "排队超时")
	case <-ctx.Done():
		return nil, notSubmitted(p, "调用已取消")
	case <-s.ctx.Done():
		return nil, notSubmitted(p, "sequencer 已停止")
	}

	timeoutC := timer.C
	cancelC := ctx.Done()
	stopC := s.ctx.Done()
	for {
		select {
		case out := <-j.done:
			return out.value, out.err
		case <-timeoutC:
			if j.abandon() {
				return nil, notSubmitted(p, "排队超时")
			}
			timeoutC = nil
		case <-cancelC:
			if j.abandon() {
				return nil, notSubmitted(p, "调用已取消")
			}
			cancelC = nil
		case <-stopC:
			if j.abandon() {
				return nil, notSubmitted(p, "sequencer 已停止")
			}
			stopC = nil
		}
	}
}

// 提交前检查身份，凭证问题不进入队列
func (s *Sequencer) precheck(p *plan) error {
	if p.exclusive != nil {
		return nil
	}
	return s.checkSigner(p)
}

// checkSigner 检查 p 对应的签名身份是否可用；只读本地状态，不访问交易所
func (s *Sequencer) checkSigner(p *plan) error {
	var err error
	if p.userSigned {
		_, err = s.signers.MainSigner()
	} else {
		_, err = s.signers.EnsureValid()
	}
	return annotate(err, p)
}

// userSignedKind 用主钱包做用户签名的意图类型
func userSignedKind(k Kind) bool { return k == KindTransfer }

// checkIntentSigner 在读取行情、持仓之前检查凭证：过期或缺失时直接失败
func (s *Sequencer) checkIntentSigner(in Intent) error {
	return s.checkSigner(&plan{id: in.Cloid, kind: in.Kind, coin: in.Coin, userSigned: userSignedKind(in.Kind)})
}

// execute 在工作协程中运行：取签名身份、分配 nonce、签名、提交、解析
func (s *Sequencer) execute(p *plan) outcome {
	if p.exclusive != nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SubmitTimeout)
		defer cancel()
		v, err := p.exclusive(ctx)
		return outcome{value: v, err: err}
	}

	// 在签名前最后一次检查有效期
	var (
		id  *identity.Identity
		err error
	)
	if p.userSigned {
		id, err = s.signers.MainSigner()
	} else {
		id, err = s.signers.EnsureValid()
	}
	if err != nil {
		return outcome{err: annotate(err, p)}
	}

	nonce := s.nonces.Next()
	action := p.build(nonce)
	var req types.ExchangeRequest
	if p.userSigned {
		req, err = client.SignUserRequest(id.Signer(), action, nonce)
	} else {
		req, err = client.SignL1Request(id.Signer(), action, nonce, s.signers.Vault(), s.signers.Network())
	}
	if err != nil {
		return outcome{err: annotate(apperr.Wrap(err, apperr.KindInternal, "签名失败"), p)}
	}

	s.putRecord(Record{ID: p.id, Kind: p.kind, Coin: p.coin, Nonce: nonce, SubmittedAt: s.now(), State: StatePending})
	log := execLog.WithFields(logrus.Fields{"intent": p.id, "kind": p.kind, "coin": p.coin, "nonce": nonce, "signer": id.Address.Hex()})
	log.Debug("提交")

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SubmitTimeout)
	defer cancel()
	metrics.IntentsSubmitted.Add(1)
	resp, err := s.adapter.SubmitSignedAction(ctx, req)
	if err != nil {
		return outcome{err: s.submitFailed(p, err, ctx.Err() != nil, log)}
	}

	v, err := p.handle(resp, nonce)
	if err != nil {
		s.finish(p.id, StateFailed, nil, err)
		if apperr.Is(err, apperr.KindRejected) {
			metrics.IntentsRejected.Add(1)
		}
		log.Warnf("交易所拒绝: %v", err)
		return outcome{err: annotate(err, p)}
	}
	if res, ok := v.(*OrderResult); ok {
		res.Nonce = nonce
		s.finish(p.id, StateAcknowledged, res, nil)
	} else {
		s.finish(p.id, StateAcknowledged, nil, nil)
	}
	log.Info("已确认")
	return outcome{value: v}
}

// submitFailed 归类提交错误。超时的结果不确定：记录保持 pending，缓存标记为需要重新拉取
func (s *Sequencer) submitFailed(p *plan, err error, deadline bool, log *logrus.Entry) error {
	kind := apperr.KindOf(err)
	if deadline && kind != apperr.KindRejected {
		kind = apperr.KindTimeout
	}
	switch kind {
	case apperr.KindTimeout:
		metrics.IntentsTimedOut.Add(1)
		s.state.InvalidateOrders()
		s.state.InvalidateAccount()
		log.Warnf("提交超时，结果不确定: %v", err)
		if apperr.KindOf(err) != apperr.KindTimeout {
			err = apperr.Wrap(err, apperr.KindTimeout, "提交超时，结果不确定")
		}
		return annotate(err, p)
	case apperr.KindRejected:
		metrics.IntentsRejected.Add(1)
		s.finish(p.id, StateFailed, nil, err)
		log.Warnf("交易所拒绝: %v", err)
		return annotate(err, p)
	case apperr.KindInternal:
		s.finish(p.id, StateFailed, nil, err)
		log.Errorf("提交失败: %v", err)
		if _, ok := apperr.As(err); !ok {
			err = apperr.Wrap(err, apperr.KindInternal, "提交失败")
		}
		return annotate(err, p)
	default:
		s.finish(p.id, StateFailed, nil, err)
		log.Warnf("提交失败: %v", err)
		return annotate(err, p)
	}
}

// annotate 给分类错误附加意图与交易对；返回副本，不修改下层错误
func annotate(err error, p *plan) error {
	if err == nil {
		return nil
	}
	e, ok := apperr.As(err)
	if !ok {
		return apperr.Wrap(err, apperr.KindInternal, "").WithIntent(p.id).WithSymbol(p.coin)
	}
	cp := *e
	if cp.IntentID == "" {
		cp.IntentID = p.id
	}
	if cp.Symbol == "" {
		cp.Symbol = p.coin
	}
	return &cp
}

// ---- 意图记录 ----

func (s *Sequencer) putRecord(r Record) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	s.records.Set(r.ID, r, 0)
}

func (s *Sequencer) finish(id string, state IntentState, res *OrderResult, err error) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	r, ok := s.records.Get(id)
	if !ok {
		r = Record{ID: id, SubmittedAt: s.now()}
	}
	r.State = state
	if res != nil {
		cp := *res
		r.Result = &cp
	}
	if err != nil {
		r.Error = err.Error()
	}
	s.records.Set(id, r, 0)
}

func (s *Sequencer) supersede(id string) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	if r, ok := s.records.Get(id); ok && r.State == StateAcknowledged {
		r.State = StateSuperseded
		s.records.Set(id, r, 0)
	}
}

// Intent 保留期内的意图记录
func (s *Sequencer) Intent(id string) (Record, bool) {
	return s.records.Get(id)
}

// ---- 公开操作 ----

// Submit 校验并提交一个意图，阻塞直到交易所确认、拒绝或超时
func (s *Sequencer) Submit(ctx context.Context, in Intent) (*OrderResult, error) {
	if in.Kind == KindPlace {
		return s.submitPlace(ctx, in)
	}
	if err := s.checkIntentSigner(in); err != nil {
		return nil, err
	}
	p, err := s.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	v, err := s.run(ctx, p)
	if err != nil {
		return nil, err
	}
	return v.(*OrderResult), nil
}

// submitPlace 先按 cloid 占位并检查保留的记录，再做校验：
// 已确认的 cloid 直接返回原结果，不依赖当前行情或持仓
func (s *Sequencer) submitPlace(ctx context.Context, in Intent) (*OrderResult, error) {
	cloid, err := normalizeCloid(in.Cloid)
	if err != nil {
		return nil, err
	}
	in.Cloid = cloid
	if held, ok := s.inFlight.TryAcquire(cloid, KindPlace); !ok {
		return nil, s.duplicateInFlight(cloid, in.Coin, held)
	}
	defer s.inFlight.Release(cloid)

	if res, ok := s.replay(cloid); ok {
		return res, nil
	}
	if err := s.checkIntentSigner(in); err != nil {
		return nil, err
	}
	p, err := s.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.precheck(p); err != nil {
		return nil, err
	}
	v, err := s.dispatch(ctx, p)
	if err != nil {
		return nil, err
	}
	return v.(*OrderResult), nil
}

// replay 同一 cloid 的重试：已确认则返回原结果；结果不确定但推送已看到挂单则对账后返回
func (s *Sequencer) replay(cloid string) (*OrderResult, bool) {
	r, ok := s.records.Get(cloid)
	if !ok {
		return nil, false
	}
	switch r.State {
	case StateAcknowledged, StateSuperseded:
		if r.Result == nil {
			return nil, false
		}
		res := *r.Result
		res.Deduplicated = true
		metrics.IntentsDeduped.Add(1)
		execLog.WithField("intent", cloid).Info("重复的 cloid，返回已确认的结果")
		return &res, true
	case StatePending:
		o, found := s.state.FindOrder(0, cloid)
		if !found {
			return nil, false
		}
		res := &OrderResult{
			Kind: r.Kind, IntentID: cloid, Coin: o.Coin, Oid: o.Oid, Cloid: cloid,
			Status: StatusResting, Side: string(o.Side), Price: o.Px.String(), Size: o.OrigSz.String(),
			Nonce: r.Nonce, Detail: "reconciled from order stream",
		}
		s.finish(cloid, StateAcknowledged, res, nil)
		res.Deduplicated = true
		metrics.IntentsDeduped.Add(1)
		return res, true
	}
	return nil, false
}

func (s *Sequencer) duplicateInFlight(id, coin string, held Holder) error {
	metrics.IntentsDeduped.Add(1)
	return apperr.Validation("相同的请求 %s（%s）已处理 %s，尚未结束", id, held.Kind, s.now().Sub(held.Since).Round(time.Millisecond)).
		WithIntent(id).WithSymbol(coin)
}

// run 非下单意图：按意图标识去重后入队
func (s *Sequencer) run(ctx context.Context, p *plan) (interface{}, error) {
	if err := s.precheck(p); err != nil {
		return nil, err
	}
	if held, ok := s.inFlight.TryAcquire(p.id, p.kind); !ok {
		return nil, s.duplicateInFlight(p.id, p.coin, held)
	}
	defer s.inFlight.Release(p.id)
	return s.dispatch(ctx, p)
}

// CancelAll 撤销缓存中的全部挂单（coin 非空时只撤该交易对），一次批量提交
func (s *Sequencer) CancelAll(ctx context.Context, coin string) (*CancelAllResult, error) {
	if err := s.checkIntentSigner(Intent{Kind: KindCancelAll, Coin: coin}); err != nil {
		return nil, err
	}
	p, empty, err := s.prepareCancelAll(ctx, coin)
	if err != nil {
		return nil, err
	}
	if empty != nil {
		return empty, nil
	}
	v, err := s.run(ctx, p)
	if err != nil {
		return nil, err
	}
	return v.(*CancelAllResult), nil
}

// Exclusive 在工作协程中独占执行 fn，用于同样需要 nonce 顺序的授权类操作
func (s *Sequencer) Exclusive(ctx context.Context, id string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	p := &plan{id: id, exclusive: fn}
	return s.run(ctx, p)
}
