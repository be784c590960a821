package signing

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"

	"github.com/betbot/hlmcp/hyperliquid/types"
)

func userSignedTypedData(name string, fields []apitypes.Type, message apitypes.TypedDataMessage) apitypes.TypedData {
	primary := UserSignedTypePrefix + name
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712DomainType,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain:      newDomain(UserSignedDomainName, UserSignedVersion, UserSignedChainID),
		Message:     message,
	}
}

// UserActionDigest 用户签名动作的摘要；只支持 approveAgent / approveBuilderFee / usdClassTransfer
func UserActionDigest(action interface{}) (common.Hash, error) {
	var td apitypes.TypedData
	switch a := action.(type) {
	case types.ApproveAgentAction:
		td = userSignedTypedData("ApproveAgent", []apitypes.Type{
			{Name: "hyperliquidChain", Type: "string"},
			{Name: "agentAddress", Type: "address"},
			{Name: "agentName", Type: "string"},
			{Name: "nonce", Type: "uint64"},
		}, apitypes.TypedDataMessage{
			"hyperliquidChain": a.HyperliquidChain,
			"agentAddress":     a.AgentAddress,
			"agentName":        a.AgentName,
			"nonce":            new(big.Int).SetUint64(a.Nonce),
		})
	case types.ApproveBuilderFeeAction:
		td = userSignedTypedData("ApproveBuilderFee", []apitypes.Type{
			{Name: "hyperliquidChain", Type: "string"},
			{Name: "maxFeeRate", Type: "string"},
			{Name: "builder", Type: "address"},
			{Name: "nonce", Type: "uint64"},
		}, apitypes.TypedDataMessage{
			"hyperliquidChain": a.HyperliquidChain,
			"maxFeeRate":       a.MaxFeeRate,
			"builder":          a.Builder,
			"nonce":            new(big.Int).SetUint64(a.Nonce),
		})
	case types.UsdClassTransferAction:
		td = userSignedTypedData("UsdClassTransfer", []apitypes.Type{
			{Name: "hyperliquidChain", Type: "string"},
			{Name: "amount", Type: "string"},
			{Name: "toPerp", Type: "bool"},
			{Name: "nonce", Type: "uint64"},
		}, apitypes.TypedDataMessage{
			"hyperliquidChain": a.HyperliquidChain,
			"amount":           a.Amount,
			"toPerp":           a.ToPerp,
			"nonce":            new(big.Int).SetUint64(a.Nonce),
		})
	default:
		return common.Hash{}, errors.Errorf("不支持的用户签名动作 %T", action)
	}
	return TypedDataHash(td)
}

// SignUserAction 签名用户动作
func SignUserAction(signer Signer, action interface{}) (types.Signature, error) {
	digest, err := UserActionDigest(action)
	if err != nil {
		return types.Signature{}, err
	}
	return signer.SignHash(digest)
}

// NewApproveAgentAction 构建授权 agent 动作
func NewApproveAgentAction(network types.Network, agent common.Address, name string, nonce uint64) types.ApproveAgentAction {
	return types.ApproveAgentAction{
		Type:             "approveAgent",
		SignatureChainID: SignatureChainID,
		HyperliquidChain: network.ChainName(),
		AgentAddress:     agent.Hex(),
		AgentName:        name,
		Nonce:            nonce,
	}
}

// NewApproveBuilderFeeAction 构建 builder 费用授权动作；builder 地址按交易所要求小写
func NewApproveBuilderFeeAction(network types.Network, builder common.Address, maxFeeRate string, nonce uint64) types.ApproveBuilderFeeAction {
	return types.ApproveBuilderFeeAction{
		Type:             "approveBuilderFee",
		SignatureChainID: SignatureChainID,
		HyperliquidChain: network.ChainName(),
		MaxFeeRate:       maxFeeRate,
		Builder:          lowerHex(builder),
		Nonce:            nonce,
	}
}

// NewUsdClassTransferAction 构建现货/永续划转动作
func NewUsdClassTransferAction(network types.Network, amount string, toPerp bool, nonce uint64) types.UsdClassTransferAction {
	return types.UsdClassTransferAction{
		Type:             "usdClassTransfer",
		SignatureChainID: SignatureChainID,
		HyperliquidChain: network.ChainName(),
		Amount:           amount,
		ToPerp:           toPerp,
		Nonce:            nonce,
	}
}

func lowerHex(addr common.Address) string {
	return "0x" + common.Bytes2Hex(addr.Bytes())
}

// LowerHex 地址的小写十六进制形式
func LowerHex(addr common.Address) string { return lowerHex(addr) }
