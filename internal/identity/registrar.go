package identity

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/betbot/hlmcp/hyperliquid/client"
	"github.com/betbot/hlmcp/hyperliquid/signing"
	"github.com/betbot/hlmcp/hyperliquid/types"
)

// 默认 builder 与授权费率
var DefaultBuilder = common.HexToAddress("0xdadcB94d61D4A14e8aD1b94Acf888120b7E807aE")

const (
	// DefaultBuilderFee 订单附带的 builder 费用，单位十分之一基点（10 = 1bp = 0.01%）
	DefaultBuilderFee = 10
	// DefaultBuilderMaxFeeRate approveBuilderFee 授权的最高费率
	DefaultBuilderMaxFeeRate = "0.01%"
)

// Registrar 需要主钱包签名的交易所操作
type Registrar interface {
	ApproveAgent(ctx context.Context, main signing.Signer, agent common.Address, name string) error
	ApproveBuilderFee(ctx context.Context, main signing.Signer, builder common.Address, maxFeeRate string) error
}

// VenueRegistrar 通过交易所接口完成授权
type VenueRegistrar struct {
	adapter client.Adapter
	nonces  *signing.NonceSource
	network types.Network
}

// NewVenueRegistrar nonces 与下单共用同一个来源，保证进程内 nonce 单调
func NewVenueRegistrar(adapter client.Adapter, nonces *signing.NonceSource, network types.Network) *VenueRegistrar {
	return &VenueRegistrar{adapter: adapter, nonces: nonces, network: network}
}

func (r *VenueRegistrar) ApproveAgent(ctx context.Context, main signing.Signer, agent common.Address, name string) error {
	nonce := r.nonces.Next()
	action := signing.NewApproveAgentAction(r.network, agent, name, nonce)
	return r.submit(ctx, main, action, nonce)
}

func (r *VenueRegistrar) ApproveBuilderFee(ctx context.Context, main signing.Signer, builder common.Address, maxFeeRate string) error {
	nonce := r.nonces.Next()
	action := signing.NewApproveBuilderFeeAction(r.network, builder, maxFeeRate, nonce)
	return r.submit(ctx, main, action, nonce)
}

func (r *VenueRegistrar) submit(ctx context.Context, main signing.Signer, action interface{}, nonce uint64) error {
	req, err := client.SignUserRequest(main, action, nonce)
	if err != nil {
		return errors.Wrapf(err, "签名 %s", types.ActionType(action))
	}
	_, err = r.adapter.SubmitSignedAction(ctx, req)
	return err
}
