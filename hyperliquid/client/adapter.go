package client

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/hlmcp/hyperliquid/signing"
	"github.com/betbot/hlmcp/hyperliquid/stream"
	"github.com/betbot/hlmcp/hyperliquid/types"
)

// Adapter 交易所访问接口。Client 与 MockClient 都实现它
type Adapter interface {
	GetMarkets(ctx context.Context) ([]types.Market, error)
	GetAllMids(ctx context.Context) (map[string]string, error)
	GetOrderBook(ctx context.Context, coin string, depth int) (*types.L2Book, error)
	GetCandles(ctx context.Context, coin, interval string, count int) ([]types.Candle, error)
	GetFundingHistory(ctx context.Context, coin string, hours int) ([]types.FundingRecord, error)
	GetAccountState(ctx context.Context, user string) (*types.AccountSnapshot, error)
	GetOpenOrders(ctx context.Context, user, coin string) ([]types.OpenOrder, error)
	GetUserFills(ctx context.Context, user string) ([]types.Fill, error)
	GetOrderStatus(ctx context.Context, user string, oid int64) (*types.OrderStatusResult, error)
	GetMaxBuilderFee(ctx context.Context, user, builder string) (int, error)
	GetVaultDetails(ctx context.Context, vault string) (json.RawMessage, error)

	SubmitSignedAction(ctx context.Context, req types.ExchangeRequest) (*types.ExchangeResponse, error)
	OpenStream(ctx context.Context, subs []types.Subscription) (Stream, error)

	Network() types.Network
}

// Stream 一条推送连接
type Stream interface {
	Events() <-chan types.StreamEvent
	Subscribe(sub types.Subscription) error
	Err() error
	Close() error
}

var (
	_ Adapter = (*Client)(nil)
	_ Stream  = (*stream.Conn)(nil)
)

// OpenStream 建立 websocket 连接
func (c *Client) OpenStream(ctx context.Context, subs []types.Subscription) (Stream, error) {
	conn, err := stream.Dial(ctx, stream.DefaultConfig(c.config.WSURL), subs)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// SignL1Request 签名 L1 动作并组装 /exchange 请求体
func SignL1Request(signer signing.Signer, action interface{}, nonce uint64, vault *common.Address, network types.Network) (types.ExchangeRequest, error) {
	sig, err := signing.SignL1Action(signer, action, nonce, vault, network.IsMainnet())
	if err != nil {
		return types.ExchangeRequest{}, err
	}
	req := types.ExchangeRequest{Action: action, Nonce: nonce, Signature: sig}
	if vault != nil {
		v := signing.LowerHex(*vault)
		req.VaultAddress = &v
	}
	return req, nil
}

// SignUserRequest 签名用户动作（授权、转账）；这类请求不带 vaultAddress
func SignUserRequest(signer signing.Signer, action interface{}, nonce uint64) (types.ExchangeRequest, error) {
	sig, err := signing.SignUserAction(signer, action)
	if err != nil {
		return types.ExchangeRequest{}, err
	}
	return types.ExchangeRequest{Action: action, Nonce: nonce, Signature: sig}, nil
}
