package identity

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/hlmcp/hyperliquid/client"
	"github.com/betbot/hlmcp/hyperliquid/signing"
)

// BuilderFeeInfo builder 授权状态
type BuilderFeeInfo struct {
	Builder     string `json:"builder"`
	User        string `json:"user"`
	Approved    bool   `json:"approved"`
	MaxFee      int    `json:"max_fee"`
	RequiredFee int    `json:"required_fee"`
}

// BuilderStatus 查询与授权 builder 费用
type BuilderStatus struct {
	manager   *Manager
	adapter   client.Adapter
	registrar Registrar
	builder   common.Address

	nudged sync.Once
}

// NewBuilderStatus 使用默认 builder
func NewBuilderStatus(manager *Manager, adapter client.Adapter, registrar Registrar) *BuilderStatus {
	return &BuilderStatus{manager: manager, adapter: adapter, registrar: registrar, builder: DefaultBuilder}
}

// Check 查询查询地址对 builder 的授权额度
func (b *BuilderStatus) Check(ctx context.Context) (*BuilderFeeInfo, error) {
	user, err := b.manager.QueryAddress()
	if err != nil {
		return nil, err
	}
	fee, err := b.adapter.GetMaxBuilderFee(ctx, signing.LowerHex(user), signing.LowerHex(b.builder))
	if err != nil {
		return nil, err
	}
	return &BuilderFeeInfo{
		Builder:     b.builder.Hex(),
		User:        user.Hex(),
		Approved:    fee >= DefaultBuilderFee,
		MaxFee:      fee,
		RequiredFee: DefaultBuilderFee,
	}, nil
}

// Approve 用主钱包授权 builder 费用，成功后重新查询
func (b *BuilderStatus) Approve(ctx context.Context) (*BuilderFeeInfo, error) {
	main, err := b.manager.MainSigner()
	if err != nil {
		return nil, err
	}
	if err := b.registrar.ApproveBuilderFee(ctx, main.Signer(), b.builder, DefaultBuilderMaxFeeRate); err != nil {
		return nil, err
	}
	identityLog.WithField("builder", b.builder.Hex()).Info("builder 费用已授权")
	return b.Check(ctx)
}

// Nudge 未授权时返回一次性提示，之后返回空字符串
func (b *BuilderStatus) Nudge(info *BuilderFeeInfo) string {
	if info == nil || info.Approved {
		return ""
	}
	msg := ""
	b.nudged.Do(func() {
		msg = "builder 费用尚未授权，订单可能被拒绝；可调用 approve_builder_fee 授权（最高 " + DefaultBuilderMaxFeeRate + "）"
	})
	return msg
}
