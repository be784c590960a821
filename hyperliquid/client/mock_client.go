package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/betbot/hlmcp/hyperliquid/signing"
	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
)

// MockClient is an in-memory venue used by tests. It verifies signatures,
// enforces per-signer nonce ordering and dedups orders by cloid.
type MockClient struct {
	mu sync.Mutex

	network types.Network

	Markets  []types.Market
	Mids     map[string]string
	Books    map[string]*types.L2Book
	Candles  []types.Candle
	Funding  []types.FundingRecord
	Account  types.AccountSnapshot
	Fills    []types.Fill
	Vault    json.RawMessage
	Leverage map[int]types.Leverage

	// MaxBuilderFee per user (lowercase address)
	MaxBuilderFee map[string]int
	// ApprovedAgents agent address -> name
	ApprovedAgents map[string]string
	Transfers      []types.UsdClassTransferAction
	ScheduledAt    *int64

	// Call tracking
	Calls   map[string]int
	Signers []common.Address

	// Error injection
	ErrorOnNext map[string]error
	// SubmitDelay is applied inside SubmitSignedAction while the request is in flight
	SubmitDelay time.Duration
	// TimeoutAfterApply makes the next submission apply but report a timeout
	TimeoutAfterApply bool

	inFlight    int
	MaxInFlight int

	orders    map[int64]*types.OpenOrder
	byCloid   map[string]types.StatusEntry
	nextOid   int64
	lastNonce map[common.Address]uint64
	streams   []*MockStream
}

// NewMockClient creates a mock venue with a default BTC/ETH perp universe and one spot pair
func NewMockClient() *MockClient {
	m := &MockClient{
		network: types.Testnet,
		Markets: []types.Market{
			{Name: "BTC", Kind: types.MarketPerp, Asset: 0, SzDecimals: 5, MaxLeverage: 50, MarkPx: "85000", OraclePx: "85000", MidPx: "85000", Funding: "0.0000125", OpenInterest: "1000", DayNtlVlm: "1000000000"},
			{Name: "ETH", Kind: types.MarketPerp, Asset: 1, SzDecimals: 4, MaxLeverage: 25, MarkPx: "3000", OraclePx: "3000", MidPx: "3000", Funding: "0.00001", OpenInterest: "20000", DayNtlVlm: "500000000"},
			{Name: "PURR/USDC", Kind: types.MarketSpot, Asset: types.SpotAssetOffset, SzDecimals: 0, MarkPx: "0.2", MidPx: "0.2", DayNtlVlm: "100000"},
		},
		Mids:           map[string]string{"BTC": "85000", "ETH": "3000", "PURR/USDC": "0.2"},
		Books:          make(map[string]*types.L2Book),
		Leverage:       make(map[int]types.Leverage),
		MaxBuilderFee:  make(map[string]int),
		ApprovedAgents: make(map[string]string),
		Vault:          json.RawMessage(`{"name":"mock vault","leader":"0x0000000000000000000000000000000000000000"}`),
		Calls:          make(map[string]int),
		ErrorOnNext:    make(map[string]error),
		orders:         make(map[int64]*types.OpenOrder),
		byCloid:        make(map[string]types.StatusEntry),
		nextOid:        1000,
		lastNonce:      make(map[common.Address]uint64),
	}
	m.Account.Perp.MarginSummary = types.MarginSummary{AccountValue: "10000", TotalMarginUsed: "0", TotalNtlPos: "0", TotalRawUsd: "10000"}
	m.Account.Perp.Withdrawable = "10000"
	m.Account.Spot.Balances = []types.SpotBalance{{Coin: "USDC", Token: 0, Hold: "0", Total: "500", EntryNtl: "0"}}
	return m
}

var _ Adapter = (*MockClient)(nil)

func (m *MockClient) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// CallCount returns how many times a method was called
func (m *MockClient) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[name]
}

// TotalCalls returns the number of calls across all methods
func (m *MockClient) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		n += c
	}
	return n
}

// FailNext injects an error for the next call of a method
func (m *MockClient) FailNext(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorOnNext[name] = err
}

// SetMid updates the mid price of a coin
func (m *MockClient) SetMid(coin, px string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Mids[coin] = px
	for i := range m.Markets {
		if m.Markets[i].Name == coin {
			m.Markets[i].MidPx = px
			m.Markets[i].MarkPx = px
		}
	}
}

// SetPosition sets the signed perp position of a coin
func (m *MockClient) SetPosition(coin, szi, entryPx string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setPositionLocked(coin, decimal.RequireFromString(szi), entryPx)
}

// OrderCount returns the number of resting orders
func (m *MockClient) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *MockClient) Network() types.Network {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.network
}

// SetNetwork switches the network used for signature verification
func (m *MockClient) SetNetwork(n types.Network) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.network = n
}

func (m *MockClient) GetMarkets(ctx context.Context) ([]types.Market, error) {
	if err := m.trackCall("GetMarkets"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Market, len(m.Markets))
	copy(out, m.Markets)
	return out, nil
}

func (m *MockClient) GetAllMids(ctx context.Context) (map[string]string, error) {
	if err := m.trackCall("GetAllMids"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.Mids))
	for k, v := range m.Mids {
		out[k] = v
	}
	return out, nil
}

func (m *MockClient) GetOrderBook(ctx context.Context, coin string, depth int) (*types.L2Book, error) {
	if err := m.trackCall("GetOrderBook"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.Books[coin]; ok {
		cp := *b
		for i := range cp.Levels {
			lv := append([]types.BookLevel(nil), b.Levels[i]...)
			if depth > 0 && len(lv) > depth {
				lv = lv[:depth]
			}
			cp.Levels[i] = lv
		}
		return &cp, nil
	}
	mid, ok := m.Mids[coin]
	if !ok {
		return nil, apperr.New(apperr.KindRejected, "unknown coin %s", coin)
	}
	// synthesize a one-level book around the mid
	px := decimal.RequireFromString(mid)
	tick := px.Mul(decimal.NewFromFloat(0.0001))
	return &types.L2Book{
		Coin: coin,
		Time: time.Now().UnixMilli(),
		Levels: [2][]types.BookLevel{
			{{Px: px.Sub(tick).String(), Sz: "1", N: 1}},
			{{Px: px.Add(tick).String(), Sz: "1", N: 1}},
		},
	}, nil
}

func (m *MockClient) GetCandles(ctx context.Context, coin, interval string, count int) ([]types.Candle, error) {
	if err := m.trackCall("GetCandles"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Candle, 0, len(m.Candles))
	for _, c := range m.Candles {
		if c.Coin == coin && (interval == "" || c.Interval == interval) {
			out = append(out, c)
		}
	}
	if count > 0 && len(out) > count {
		out = out[len(out)-count:]
	}
	return out, nil
}

func (m *MockClient) GetFundingHistory(ctx context.Context, coin string, hours int) ([]types.FundingRecord, error) {
	if err := m.trackCall("GetFundingHistory"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.FundingRecord
	for _, f := range m.Funding {
		if f.Coin == coin {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MockClient) GetAccountState(ctx context.Context, user string) (*types.AccountSnapshot, error) {
	if err := m.trackCall("GetAccountState"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.Account
	snap.Perp.AssetPositions = append([]types.AssetPosition(nil), m.Account.Perp.AssetPositions...)
	snap.Spot.Balances = append([]types.SpotBalance(nil), m.Account.Spot.Balances...)
	snap.Perp.Time = time.Now().UnixMilli()
	return &snap, nil
}

func (m *MockClient) GetOpenOrders(ctx context.Context, user, coin string) ([]types.OpenOrder, error) {
	if err := m.trackCall("GetOpenOrders"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.OpenOrder, 0, len(m.orders))
	for _, o := range m.orders {
		if coin == "" || strings.EqualFold(o.Coin, coin) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *MockClient) GetUserFills(ctx context.Context, user string) ([]types.Fill, error) {
	if err := m.trackCall("GetUserFills"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Fill(nil), m.Fills...), nil
}

func (m *MockClient) GetOrderStatus(ctx context.Context, user string, oid int64) (*types.OrderStatusResult, error) {
	if err := m.trackCall("GetOrderStatus"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[oid]; ok {
		return &types.OrderStatusResult{Status: "order", Order: &types.OrderStatusBox{Order: *o, Status: "open", StatusTimestamp: o.Timestamp}}, nil
	}
	for _, f := range m.Fills {
		if f.Oid == oid {
			return &types.OrderStatusResult{Status: "order", Order: &types.OrderStatusBox{
				Order:  types.OpenOrder{Coin: f.Coin, Side: f.Side, LimitPx: f.Px, Sz: "0", OrigSz: f.Sz, Oid: oid, Timestamp: f.Time},
				Status: "filled", StatusTimestamp: f.Time,
			}}, nil
		}
	}
	return &types.OrderStatusResult{Status: "unknownOid"}, nil
}

func (m *MockClient) GetMaxBuilderFee(ctx context.Context, user, builder string) (int, error) {
	if err := m.trackCall("GetMaxBuilderFee"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.MaxBuilderFee[strings.ToLower(user)], nil
}

func (m *MockClient) GetVaultDetails(ctx context.Context, vault string) (json.RawMessage, error) {
	if err := m.trackCall("GetVaultDetails"); err != nil {
		return nil, err
	}
	return m.Vault, nil
}

// SubmitSignedAction verifies the signature and nonce, then applies the action
func (m *MockClient) SubmitSignedAction(ctx context.Context, req types.ExchangeRequest) (*types.ExchangeResponse, error) {
	if err := m.trackCall("SubmitSignedAction"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.MaxInFlight {
		m.MaxInFlight = m.inFlight
	}
	delay := m.SubmitDelay
	network := m.network
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, apperr.Wrap(ctx.Err(), apperr.KindTimeout, "mock exchange timeout")
		}
	}

	signer, err := recoverSigner(req, network)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindRejected, "invalid signature")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Signers = append(m.Signers, signer)
	if last, ok := m.lastNonce[signer]; ok && req.Nonce <= last {
		return rejectResponse(fmt.Sprintf("Invalid nonce: %d <= %d", req.Nonce, last))
	}
	m.lastNonce[signer] = req.Nonce

	resp, err := m.applyLocked(req.Action, signer)
	if err != nil {
		return resp, err
	}
	if m.TimeoutAfterApply {
		m.TimeoutAfterApply = false
		return nil, apperr.New(apperr.KindTimeout, "mock exchange timeout after apply")
	}
	return resp, nil
}

func recoverSigner(req types.ExchangeRequest, network types.Network) (common.Address, error) {
	var (
		digest common.Hash
		err    error
	)
	switch req.Action.(type) {
	case types.ApproveAgentAction, types.ApproveBuilderFeeAction, types.UsdClassTransferAction:
		digest, err = signing.UserActionDigest(req.Action)
	default:
		var vault *common.Address
		if req.VaultAddress != nil {
			v := common.HexToAddress(*req.VaultAddress)
			vault = &v
		}
		digest, err = signing.L1Digest(req.Action, req.Nonce, vault, network.IsMainnet())
	}
	if err != nil {
		return common.Address{}, err
	}
	return signing.RecoverAddress(digest, req.Signature)
}

func okResponse(kind string, statuses []types.StatusEntry) (*types.ExchangeResponse, error) {
	body := map[string]interface{}{"type": kind}
	if statuses != nil {
		body["data"] = map[string]interface{}{"statuses": statuses}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &types.ExchangeResponse{Status: "ok", Response: raw}, nil
}

func rejectResponse(msg string) (*types.ExchangeResponse, error) {
	raw, _ := json.Marshal(msg)
	return &types.ExchangeResponse{Status: "err", Response: raw}, apperr.New(apperr.KindRejected, "%s", msg)
}

func (m *MockClient) applyLocked(action interface{}, signer common.Address) (*types.ExchangeResponse, error) {
	switch a := action.(type) {
	case types.OrderAction:
		statuses := make([]types.StatusEntry, 0, len(a.Orders))
		for _, o := range a.Orders {
			statuses = append(statuses, m.placeLocked(o))
		}
		return okResponse("order", statuses)

	case types.CancelAction:
		statuses := make([]types.StatusEntry, 0, len(a.Cancels))
		for _, c := range a.Cancels {
			statuses = append(statuses, m.cancelLocked(c.Oid))
		}
		return okResponse("cancel", statuses)

	case types.CancelByCloidAction:
		statuses := make([]types.StatusEntry, 0, len(a.Cancels))
		for _, c := range a.Cancels {
			oid := int64(-1)
			for id, o := range m.orders {
				if o.Cloid == c.Cloid {
					oid = id
				}
			}
			statuses = append(statuses, m.cancelLocked(oid))
		}
		return okResponse("cancel", statuses)

	case types.BatchModifyAction:
		statuses := make([]types.StatusEntry, 0, len(a.Modifies))
		for _, mod := range a.Modifies {
			o, ok := m.orders[mod.Oid]
			if !ok {
				statuses = append(statuses, types.StatusEntry{Error: "Cannot modify canceled or filled order"})
				continue
			}
			delete(m.orders, mod.Oid)
			st := m.placeLocked(mod.Order)
			if st.IsError() {
				m.orders[mod.Oid] = o
			}
			statuses = append(statuses, st)
		}
		return okResponse("order", statuses)

	case types.UpdateLeverageAction:
		if m.marketByAssetLocked(a.Asset) == nil {
			return rejectResponse("Invalid asset")
		}
		kind := "isolated"
		if a.IsCross {
			kind = "cross"
		}
		m.Leverage[a.Asset] = types.Leverage{Type: kind, Value: a.Leverage}
		return okResponse("default", nil)

	case types.ScheduleCancelAction:
		m.ScheduledAt = a.Time
		return okResponse("default", nil)

	case types.ApproveAgentAction:
		m.ApprovedAgents[strings.ToLower(a.AgentAddress)] = a.AgentName
		return okResponse("default", nil)

	case types.ApproveBuilderFeeAction:
		fee := 0
		rate := strings.TrimSuffix(a.MaxFeeRate, "%")
		if d, err := decimal.NewFromString(rate); err == nil {
			// percent -> tenths of a basis point
			fee = int(d.Mul(decimal.NewFromInt(1000)).IntPart())
		}
		m.MaxBuilderFee[strings.ToLower(signer.Hex())] = fee
		return okResponse("default", nil)

	case types.UsdClassTransferAction:
		m.Transfers = append(m.Transfers, a)
		return okResponse("default", nil)

	default:
		return rejectResponse(fmt.Sprintf("unsupported action %T", action))
	}
}

func (m *MockClient) marketByAssetLocked(asset int) *types.Market {
	for i := range m.Markets {
		if m.Markets[i].Asset == asset {
			return &m.Markets[i]
		}
	}
	return nil
}

func (m *MockClient) placeLocked(o types.OrderWire) types.StatusEntry {
	if o.Cloid != "" {
		if prior, ok := m.byCloid[o.Cloid]; ok {
			return prior
		}
	}
	mkt := m.marketByAssetLocked(o.Asset)
	if mkt == nil {
		return types.StatusEntry{Error: "Invalid asset"}
	}
	px, err := decimal.NewFromString(o.LimitPx)
	if err != nil || !px.IsPositive() {
		return types.StatusEntry{Error: "Invalid price"}
	}
	sz, err := decimal.NewFromString(o.Sz)
	if err != nil || !sz.IsPositive() {
		return types.StatusEntry{Error: "Invalid size"}
	}
	mid := decimal.RequireFromString(m.Mids[mkt.Name])
	// an order priced exactly at mid rests
	crosses := (o.IsBuy && px.GreaterThan(mid)) || (!o.IsBuy && px.LessThan(mid))

	tif := types.TIFGtc
	if o.OrderType.Limit != nil {
		tif = o.OrderType.Limit.Tif
	}

	var st types.StatusEntry
	switch {
	case crosses && tif == types.TIFAlo:
		st = types.StatusEntry{Error: "Post only order would have immediately matched, bbo was " + mid.String()}
	case crosses:
		m.nextOid++
		oid := m.nextOid
		m.fillLocked(mkt.Name, o.IsBuy, sz, mid, oid)
		st = types.StatusEntry{Filled: &types.FilledStatus{TotalSz: sz.String(), AvgPx: mid.String(), Oid: oid, Cloid: o.Cloid}}
	case tif == types.TIFIoc:
		st = types.StatusEntry{Error: "Order could not immediately match against any resting orders. asset=" + fmt.Sprint(o.Asset)}
	default:
		m.nextOid++
		oid := m.nextOid
		side := "A"
		if o.IsBuy {
			side = "B"
		}
		order := &types.OpenOrder{
			Coin: mkt.Name, Side: side, LimitPx: px.String(), Sz: sz.String(), OrigSz: sz.String(),
			Oid: oid, Cloid: o.Cloid, Timestamp: time.Now().UnixMilli(), ReduceOnly: o.ReduceOnly,
			OrderType: "Limit", Tif: string(tif),
		}
		m.orders[oid] = order
		m.emitLocked(types.StreamEvent{Kind: types.EventOrderUpdates, Orders: []types.WsOrderUpdate{{Order: *order, Status: "open", StatusTimestamp: order.Timestamp}}})
		st = types.StatusEntry{Resting: &types.RestingStatus{Oid: oid, Cloid: o.Cloid}}
	}
	if o.Cloid != "" && !st.IsError() {
		m.byCloid[o.Cloid] = st
	}
	return st
}

func (m *MockClient) cancelLocked(oid int64) types.StatusEntry {
	o, ok := m.orders[oid]
	if !ok {
		return types.StatusEntry{Error: "Order was never placed, already canceled, or filled."}
	}
	delete(m.orders, oid)
	m.emitLocked(types.StreamEvent{Kind: types.EventOrderUpdates, Orders: []types.WsOrderUpdate{{Order: *o, Status: "canceled", StatusTimestamp: time.Now().UnixMilli()}}})
	return types.StatusEntry{Literal: "success"}
}

func (m *MockClient) fillLocked(coin string, isBuy bool, sz, px decimal.Decimal, oid int64) {
	side := "A"
	signed := sz.Neg()
	if isBuy {
		side = "B"
		signed = sz
	}
	current := decimal.Zero
	for _, ap := range m.Account.Perp.AssetPositions {
		if ap.Position.Coin == coin {
			current = decimal.RequireFromString(ap.Position.Szi)
		}
	}
	if m.isPerpLocked(coin) {
		m.setPositionLocked(coin, current.Add(signed), px.String())
	}
	now := time.Now().UnixMilli()
	m.Fills = append(m.Fills, types.Fill{
		Coin: coin, Px: px.String(), Sz: sz.String(), Side: side, Time: now,
		StartPosition: current.String(), Oid: oid, Crossed: true, Fee: "0", Tid: now, FeeToken: "USDC",
	})
}

func (m *MockClient) isPerpLocked(coin string) bool {
	for _, mk := range m.Markets {
		if mk.Name == coin {
			return mk.Kind == types.MarketPerp
		}
	}
	return false
}

func (m *MockClient) setPositionLocked(coin string, szi decimal.Decimal, entryPx string) {
	kept := m.Account.Perp.AssetPositions[:0]
	for _, ap := range m.Account.Perp.AssetPositions {
		if ap.Position.Coin != coin {
			kept = append(kept, ap)
		}
	}
	m.Account.Perp.AssetPositions = kept
	if szi.IsZero() {
		return
	}
	m.Account.Perp.AssetPositions = append(m.Account.Perp.AssetPositions, types.AssetPosition{
		Type: "oneWay",
		Position: types.Position{
			Coin: coin, Szi: szi.String(), EntryPx: entryPx,
			PositionValue: szi.Abs().Mul(decimal.RequireFromString(entryPx)).String(),
			UnrealizedPnl: "0", ReturnOnEquity: "0",
			Leverage:   types.Leverage{Type: "cross", Value: 20},
			MarginUsed: "0",
		},
	})
}

// OpenStream returns an in-memory stream fed by Emit
func (m *MockClient) OpenStream(ctx context.Context, subs []types.Subscription) (Stream, error) {
	if err := m.trackCall("OpenStream"); err != nil {
		return nil, err
	}
	s := &MockStream{events: make(chan types.StreamEvent, 256), done: make(chan struct{}), subs: make(map[string]types.Subscription)}
	for _, sub := range subs {
		_ = s.Subscribe(sub)
	}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			s.closeWith(ctx.Err())
		case <-s.done:
		}
	}()
	return s, nil
}

// Emit pushes an event to every open stream
func (m *MockClient) Emit(ev types.StreamEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitLocked(ev)
}

func (m *MockClient) emitLocked(ev types.StreamEvent) {
	if ev.Received.IsZero() {
		ev.Received = time.Now()
	}
	for _, s := range m.streams {
		s.push(ev)
	}
}

// DropStreams closes every open stream, simulating a disconnect
func (m *MockClient) DropStreams() {
	m.mu.Lock()
	streams := m.streams
	m.streams = nil
	m.mu.Unlock()
	for _, s := range streams {
		s.closeWith(fmt.Errorf("mock disconnect"))
	}
}

// Streams returns the currently open streams
func (m *MockClient) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.streams...)
}

// MockStream is an in-memory Stream
type MockStream struct {
	mu     sync.Mutex
	events chan types.StreamEvent
	subs   map[string]types.Subscription
	err    error
	closed bool
	done   chan struct{}
}

func (s *MockStream) Events() <-chan types.StreamEvent { return s.events }

func (s *MockStream) Subscribe(sub types.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	s.subs[sub.Key()] = sub
	return nil
}

// Subscribed reports whether a subscription key is active
func (s *MockStream) Subscribed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[key]
	return ok
}

func (s *MockStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *MockStream) Close() error {
	s.closeWith(fmt.Errorf("closed"))
	return nil
}

func (s *MockStream) push(ev types.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *MockStream) closeWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	close(s.events)
}
