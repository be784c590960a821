package signing

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"

	"github.com/betbot/hlmcp/hyperliquid/types"
)

var eip712DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

func newDomain(name, version string, chainID int64) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              name,
		Version:           version,
		ChainId:           math.NewHexOrDecimal256(chainID),
		VerifyingContract: zeroAddress,
	}
}

// TypedDataHash 计算 EIP-712 摘要：keccak256("\x19\x01" || domainSeparator || hashStruct(message))
func TypedDataHash(typedData apitypes.TypedData) (common.Hash, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "计算域分隔符失败")
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "计算消息哈希失败")
	}
	rawData := []byte("\x19\x01")
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, messageHash...)
	return crypto.Keccak256Hash(rawData), nil
}

// SignTypedData 计算摘要并签名
func SignTypedData(signer Signer, typedData apitypes.TypedData) (types.Signature, error) {
	hash, err := TypedDataHash(typedData)
	if err != nil {
		return types.Signature{}, err
	}
	return signer.SignHash(hash)
}
