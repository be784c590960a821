package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hlmcp/hyperliquid/signing"
	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
)

func signedOrder(t *testing.T, signer signing.Signer, nonce uint64, o types.OrderWire) types.ExchangeRequest {
	t.Helper()
	req, err := SignL1Request(signer, types.NewOrderAction([]types.OrderWire{o}, nil), nonce, nil, types.Testnet)
	require.NoError(t, err)
	return req
}

func gtc(asset int, buy bool, px, sz, cloid string) types.OrderWire {
	return types.OrderWire{Asset: asset, IsBuy: buy, LimitPx: px, Sz: sz,
		OrderType: types.OrderTypeWire{Limit: &types.LimitWire{Tif: types.TIFGtc}}, Cloid: cloid}
}

func TestMockRestThenCancel(t *testing.T) {
	m := NewMockClient()
	signer, err := signing.NewKeySigner(testKey)
	require.NoError(t, err)
	ctx := context.Background()

	stream, err := m.OpenStream(ctx, []types.Subscription{types.OrderUpdatesSubscription(signer.Address().Hex())})
	require.NoError(t, err)
	defer stream.Close()

	resp, err := m.SubmitSignedAction(ctx, signedOrder(t, signer, 1, gtc(0, true, "80000", "0.01", "")))
	require.NoError(t, err)
	statuses, err := resp.Statuses()
	require.NoError(t, err)
	require.NotNil(t, statuses[0].Resting)
	oid := statuses[0].Resting.Oid
	assert.Equal(t, 1, m.OrderCount())
	assert.Equal(t, signer.Address(), m.Signers[0])

	ev := <-stream.Events()
	assert.Equal(t, types.EventOrderUpdates, ev.Kind)
	assert.Equal(t, "open", ev.Orders[0].Status)

	cancel, err := SignL1Request(signer, types.NewCancelAction([]types.CancelWire{{Asset: 0, Oid: oid}}), 2, nil, types.Testnet)
	require.NoError(t, err)
	resp, err = m.SubmitSignedAction(ctx, cancel)
	require.NoError(t, err)
	statuses, _ = resp.Statuses()
	assert.Equal(t, "success", statuses[0].Literal)
	assert.Zero(t, m.OrderCount())
}

func TestMockRejectsReplayedNonce(t *testing.T) {
	m := NewMockClient()
	signer, _ := signing.NewKeySigner(testKey)
	ctx := context.Background()

	_, err := m.SubmitSignedAction(ctx, signedOrder(t, signer, 10, gtc(0, true, "80000", "0.01", "")))
	require.NoError(t, err)
	_, err = m.SubmitSignedAction(ctx, signedOrder(t, signer, 10, gtc(0, true, "80000", "0.01", "")))
	assert.Equal(t, apperr.KindRejected, apperr.KindOf(err))
	assert.Equal(t, 1, m.OrderCount())
}

func TestMockDedupsByCloid(t *testing.T) {
	m := NewMockClient()
	signer, _ := signing.NewKeySigner(testKey)
	ctx := context.Background()
	cloid := "0x00000000000000000000000000000001"

	m.TimeoutAfterApply = true
	_, err := m.SubmitSignedAction(ctx, signedOrder(t, signer, 1, gtc(0, true, "80000", "0.01", cloid)))
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(err))

	resp, err := m.SubmitSignedAction(ctx, signedOrder(t, signer, 2, gtc(0, true, "80000", "0.01", cloid)))
	require.NoError(t, err)
	statuses, _ := resp.Statuses()
	require.NotNil(t, statuses[0].Resting)
	assert.Equal(t, 1, m.OrderCount(), "同一 cloid 只产生一笔订单")
}

func TestMockMarketableOrders(t *testing.T) {
	m := NewMockClient()
	signer, _ := signing.NewKeySigner(testKey)
	ctx := context.Background()

	ioc := gtc(1, false, "2850", "1", "")
	ioc.OrderType.Limit.Tif = types.TIFIoc
	resp, err := m.SubmitSignedAction(ctx, signedOrder(t, signer, 1, ioc))
	require.NoError(t, err)
	statuses, _ := resp.Statuses()
	require.NotNil(t, statuses[0].Filled)
	assert.Equal(t, "3000", statuses[0].Filled.AvgPx)

	snap, err := m.GetAccountState(ctx, signer.Address().Hex())
	require.NoError(t, err)
	require.Len(t, snap.Perp.AssetPositions, 1)
	assert.Equal(t, "-1", snap.Perp.AssetPositions[0].Position.Szi)

	far := gtc(1, false, "3500", "1", "")
	far.OrderType.Limit.Tif = types.TIFIoc
	resp, err = m.SubmitSignedAction(ctx, signedOrder(t, signer, 2, far))
	require.NoError(t, err)
	statuses, _ = resp.Statuses()
	assert.True(t, statuses[0].IsError())

	alo := gtc(0, true, "90000", "0.01", "")
	alo.OrderType.Limit.Tif = types.TIFAlo
	resp, _ = m.SubmitSignedAction(ctx, signedOrder(t, signer, 3, alo))
	statuses, _ = resp.Statuses()
	assert.Contains(t, statuses[0].Error, "Post only")
}

func TestMockSubmitDelayHonoursContext(t *testing.T) {
	m := NewMockClient()
	m.SubmitDelay = time.Second
	signer, _ := signing.NewKeySigner(testKey)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.SubmitSignedAction(ctx, signedOrder(t, signer, 1, gtc(0, true, "80000", "0.01", "")))
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
	assert.Zero(t, m.OrderCount())
}

func TestMockUserSignedActions(t *testing.T) {
	m := NewMockClient()
	signer, _ := signing.NewKeySigner(testKey)
	ctx := context.Background()

	action := signing.NewApproveBuilderFeeAction(types.Testnet, signer.Address(), "0.01%", 5)
	req, err := SignUserRequest(signer, action, 5)
	require.NoError(t, err)
	_, err = m.SubmitSignedAction(ctx, req)
	require.NoError(t, err)

	fee, err := m.GetMaxBuilderFee(ctx, signer.Address().Hex(), signer.Address().Hex())
	require.NoError(t, err)
	assert.Equal(t, 10, fee)
}
