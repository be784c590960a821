package statecache

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hlmcp/hyperliquid/types"
)

func lv(px, sz string) types.BookLevel { return types.BookLevel{Px: px, Sz: sz, N: 1} }

func baseBook(t *testing.T) *Book {
	t.Helper()
	b, err := BookFromSnapshot(&types.L2Book{
		Coin: "BTC",
		Time: 100,
		Levels: [2][]types.BookLevel{
			{lv("99", "1"), lv("98", "2"), lv("97", "3")},
			{lv("101", "1"), lv("102", "2"), lv("103", "3")},
		},
	}, time.Unix(0, 0))
	require.NoError(t, err)
	return b
}

func TestBookFromSnapshotSortsLevels(t *testing.T) {
	b, err := BookFromSnapshot(&types.L2Book{
		Coin: "ETH",
		Time: 7,
		Levels: [2][]types.BookLevel{
			{lv("2999", "1"), lv("3000", "2")},
			{lv("3002", "1"), lv("3001", "2")},
		},
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), b.Seq)
	assert.Equal(t, "3000", b.Bids[0].Px.String())
	assert.Equal(t, "3001", b.Asks[0].Px.String())

	mid, ok := b.Mid()
	require.True(t, ok)
	assert.Equal(t, "3000.5", mid.String())
}

func TestApplyDiff(t *testing.T) {
	b := baseBook(t)
	next, err := b.Apply(&types.BookDiff{
		Coin: "BTC", PrevSeq: 100, Seq: 101,
		Bids: []types.BookLevel{lv("99", "0"), lv("98.5", "4")},
		Asks: []types.BookLevel{lv("101", "5")},
	}, time.Unix(1, 0))
	require.NoError(t, err)

	assert.Equal(t, uint64(101), next.Seq)
	assert.Equal(t, "98.5", next.Bids[0].Px.String())
	assert.Equal(t, "4", next.Bids[0].Sz.String())
	assert.Equal(t, "5", next.Asks[0].Sz.String())
	assert.Len(t, next.Bids, 3)
	// 原盘口不变
	assert.Equal(t, "99", b.Bids[0].Px.String())
	assert.Equal(t, uint64(100), b.Seq)
}

func TestApplyDiffSequenceGap(t *testing.T) {
	b := baseBook(t)
	_, err := b.Apply(&types.BookDiff{Coin: "BTC", PrevSeq: 101, Seq: 102}, time.Now())
	assert.True(t, errors.Is(err, ErrSequenceGap))
}

func TestApplyDiffCrossed(t *testing.T) {
	b := baseBook(t)
	_, err := b.Apply(&types.BookDiff{
		Coin: "BTC", PrevSeq: 100, Seq: 101,
		Bids: []types.BookLevel{lv("101.5", "1")},
	}, time.Now())
	assert.True(t, errors.Is(err, ErrCrossedBook))

	_, err = b.Apply(&types.BookDiff{
		Coin: "BTC", PrevSeq: 100, Seq: 101,
		Asks: []types.BookLevel{lv("abc", "1")},
	}, time.Now())
	assert.True(t, errors.Is(err, ErrInvalidLevel))
}

func TestTruncate(t *testing.T) {
	b := baseBook(t)
	top := b.Truncate(1)
	assert.Len(t, top.Bids, 1)
	assert.Len(t, top.Asks, 1)
	assert.Len(t, b.Truncate(0).Bids, 3)
}

// diffChain 三个首尾相接、不会交叉的增量
type diffChain [3]types.BookDiff

func randomSide(r *rand.Rand, lo, hi int) []types.BookLevel {
	n := r.Intn(5)
	out := make([]types.BookLevel, 0, n)
	for i := 0; i < n; i++ {
		px := lo + r.Intn(hi-lo+1)
		sz := r.Intn(4) // 0 表示删除
		out = append(out, lv(fmt.Sprintf("%d.%d", px, r.Intn(2)*5), fmt.Sprintf("%d", sz)))
	}
	return out
}

func (diffChain) Generate(r *rand.Rand, _ int) reflect.Value {
	var c diffChain
	seq := uint64(100)
	for i := range c {
		c[i] = types.BookDiff{
			Coin:    "BTC",
			PrevSeq: seq,
			Seq:     seq + 1 + uint64(r.Intn(3)),
			Bids:    dedupe(randomSide(r, 90, 99)),
			Asks:    dedupe(randomSide(r, 101, 110)),
		}
		seq = c[i].Seq
	}
	return reflect.ValueOf(c)
}

// 同一个增量内价位不重复
func dedupe(levels []types.BookLevel) []types.BookLevel {
	seen := make(map[string]bool)
	out := levels[:0]
	for _, l := range levels {
		if seen[l.Px] {
			continue
		}
		seen[l.Px] = true
		out = append(out, l)
	}
	return out
}

func sameLevels(a, b *Book) bool {
	if a.Seq != b.Seq || len(a.Bids) != len(b.Bids) || len(a.Asks) != len(b.Asks) {
		return false
	}
	for i := range a.Bids {
		if !a.Bids[i].Px.Equal(b.Bids[i].Px) || !a.Bids[i].Sz.Equal(b.Bids[i].Sz) {
			return false
		}
	}
	for i := range a.Asks {
		if !a.Asks[i].Px.Equal(b.Asks[i].Px) || !a.Asks[i].Sz.Equal(b.Asks[i].Sz) {
			return false
		}
	}
	return true
}

func TestMergeAssociative(t *testing.T) {
	base := baseBook(t)
	now := time.Unix(2, 0)

	property := func(c diffChain) bool {
		seqApplied := base
		for i := range c {
			next, err := seqApplied.Apply(&c[i], now)
			if err != nil {
				return false
			}
			seqApplied = next
		}

		ab, err := ComposeDiffs(c[0], c[1])
		if err != nil {
			return false
		}
		left, err := ComposeDiffs(ab, c[2])
		if err != nil {
			return false
		}
		bc, err := ComposeDiffs(c[1], c[2])
		if err != nil {
			return false
		}
		right, err := ComposeDiffs(c[0], bc)
		if err != nil {
			return false
		}

		viaLeft, err := base.Apply(&left, now)
		if err != nil {
			return false
		}
		viaRight, err := base.Apply(&right, now)
		if err != nil {
			return false
		}
		return sameLevels(seqApplied, viaLeft) && sameLevels(viaLeft, viaRight)
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 500}))
}

func TestComposeRequiresAdjacentDiffs(t *testing.T) {
	_, err := ComposeDiffs(types.BookDiff{PrevSeq: 1, Seq: 2}, types.BookDiff{PrevSeq: 3, Seq: 4})
	assert.True(t, errors.Is(err, ErrSequenceGap))
}
