package statecache

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/hlmcp/hyperliquid/types"
)

var (
	// ErrSequenceGap 增量的前序号与当前盘口不连续
	ErrSequenceGap = errors.New("statecache: book sequence gap")
	// ErrCrossedBook 合并后买一 >= 卖一，或档位不单调
	ErrCrossedBook = errors.New("statecache: crossed book")
	// ErrInvalidLevel 档位价格或数量无法解析
	ErrInvalidLevel = errors.New("statecache: invalid level")
)

// Level 一个盘口档位
type Level struct {
	Px decimal.Decimal `json:"px"`
	Sz decimal.Decimal `json:"sz"`
	N  int             `json:"n"`
}

// Book 不可变的盘口视图：每次合并都产生新值，读者拿到的永远是完整盘口
type Book struct {
	Coin      string    `json:"coin"`
	Bids      []Level   `json:"bids"` // 价格降序
	Asks      []Level   `json:"asks"` // 价格升序
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BookFromSnapshot 把 l2Book 快照转换为 Book，快照的 time 作为序号
func BookFromSnapshot(snap *types.L2Book, now time.Time) (*Book, error) {
	bids, err := parseLevels(snap.Bids())
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(snap.Asks())
	if err != nil {
		return nil, err
	}
	b := &Book{Coin: snap.Coin, Seq: uint64(snap.Time), UpdatedAt: now}
	b.Bids = sortLevels(levelMap(bids), true)
	b.Asks = sortLevels(levelMap(asks), false)
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Apply 合并一个增量。PrevSeq 必须等于当前 Seq；结果交叉时返回 ErrCrossedBook，原盘口不变
func (b *Book) Apply(diff *types.BookDiff, now time.Time) (*Book, error) {
	if diff.PrevSeq != b.Seq {
		return nil, errors.Wrapf(ErrSequenceGap, "%s: prev=%d last=%d", b.Coin, diff.PrevSeq, b.Seq)
	}
	bidUpd, err := parseLevels(diff.Bids)
	if err != nil {
		return nil, err
	}
	askUpd, err := parseLevels(diff.Asks)
	if err != nil {
		return nil, err
	}
	next := &Book{
		Coin:      b.Coin,
		Bids:      mergeSide(b.Bids, bidUpd, true),
		Asks:      mergeSide(b.Asks, askUpd, false),
		Seq:       diff.Seq,
		UpdatedAt: now,
	}
	if err := next.Validate(); err != nil {
		return nil, errors.Wrapf(err, "%s seq=%d", b.Coin, diff.Seq)
	}
	return next, nil
}

// Validate 检查买盘严格降序、卖盘严格升序、数量为正、买一 < 卖一
func (b *Book) Validate() error {
	for i := range b.Bids {
		if !b.Bids[i].Sz.IsPositive() {
			return ErrInvalidLevel
		}
		if i > 0 && !b.Bids[i].Px.LessThan(b.Bids[i-1].Px) {
			return ErrCrossedBook
		}
	}
	for i := range b.Asks {
		if !b.Asks[i].Sz.IsPositive() {
			return ErrInvalidLevel
		}
		if i > 0 && !b.Asks[i].Px.GreaterThan(b.Asks[i-1].Px) {
			return ErrCrossedBook
		}
	}
	if len(b.Bids) > 0 && len(b.Asks) > 0 && !b.Bids[0].Px.LessThan(b.Asks[0].Px) {
		return ErrCrossedBook
	}
	return nil
}

// Truncate 返回最多 depth 档的拷贝；depth <= 0 不截断
func (b *Book) Truncate(depth int) *Book {
	out := *b
	out.Bids = truncateLevels(b.Bids, depth)
	out.Asks = truncateLevels(b.Asks, depth)
	return &out
}

// Mid 买一卖一中间价；任一侧为空时 ok=false
func (b *Book) Mid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Bids[0].Px.Add(b.Asks[0].Px).Div(decimal.NewFromInt(2)), true
}

// ComposeDiffs 把两个相邻增量合并为一个：同价位后者覆盖前者。
// 要求 second.PrevSeq == first.Seq
func ComposeDiffs(first, second types.BookDiff) (types.BookDiff, error) {
	if second.PrevSeq != first.Seq {
		return types.BookDiff{}, errors.Wrapf(ErrSequenceGap, "compose: prev=%d seq=%d", second.PrevSeq, first.Seq)
	}
	bids, err := composeSide(first.Bids, second.Bids, true)
	if err != nil {
		return types.BookDiff{}, err
	}
	asks, err := composeSide(first.Asks, second.Asks, false)
	if err != nil {
		return types.BookDiff{}, err
	}
	return types.BookDiff{
		Coin:    first.Coin,
		PrevSeq: first.PrevSeq,
		Seq:     second.Seq,
		Bids:    bids,
		Asks:    asks,
	}, nil
}

func composeSide(first, second []types.BookLevel, desc bool) ([]types.BookLevel, error) {
	a, err := parseLevels(first)
	if err != nil {
		return nil, err
	}
	b, err := parseLevels(second)
	if err != nil {
		return nil, err
	}
	m := make(map[string]Level, len(a)+len(b))
	for _, l := range a {
		m[l.Px.String()] = l
	}
	for _, l := range b {
		m[l.Px.String()] = l
	}
	levels := make([]Level, 0, len(m))
	for _, l := range m {
		levels = append(levels, l)
	}
	sortByPx(levels, desc)
	out := make([]types.BookLevel, len(levels))
	for i, l := range levels {
		out[i] = types.BookLevel{Px: l.Px.String(), Sz: l.Sz.String(), N: l.N}
	}
	return out, nil
}

func mergeSide(current, updates []Level, desc bool) []Level {
	m := levelMap(current)
	for _, u := range updates {
		key := u.Px.String()
		if u.Sz.IsZero() {
			delete(m, key)
			continue
		}
		m[key] = u
	}
	return sortLevels(m, desc)
}

func parseLevels(raw []types.BookLevel) ([]Level, error) {
	out := make([]Level, 0, len(raw))
	for _, l := range raw {
		px, err := decimal.NewFromString(l.Px)
		if err != nil || !px.IsPositive() {
			return nil, errors.Wrapf(ErrInvalidLevel, "px=%q", l.Px)
		}
		sz, err := decimal.NewFromString(l.Sz)
		if err != nil || sz.IsNegative() {
			return nil, errors.Wrapf(ErrInvalidLevel, "sz=%q", l.Sz)
		}
		out = append(out, Level{Px: px, Sz: sz, N: l.N})
	}
	return out, nil
}

func levelMap(levels []Level) map[string]Level {
	m := make(map[string]Level, len(levels))
	for _, l := range levels {
		if l.Sz.IsZero() {
			continue
		}
		m[l.Px.String()] = l
	}
	return m
}

func sortLevels(m map[string]Level, desc bool) []Level {
	out := make([]Level, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	sortByPx(out, desc)
	return out
}

func sortByPx(levels []Level, desc bool) {
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Px.GreaterThan(levels[j].Px)
		}
		return levels[i].Px.LessThan(levels[j].Px)
	})
}

func truncateLevels(levels []Level, depth int) []Level {
	if depth <= 0 || len(levels) <= depth {
		return append([]Level(nil), levels...)
	}
	return append([]Level(nil), levels[:depth]...)
}
