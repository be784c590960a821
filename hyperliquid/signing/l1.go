package signing

import (
	"bytes"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/betbot/hlmcp/hyperliquid/types"
)

// EncodeAction 按字段声明顺序把动作编码为 msgpack map，整数使用最短编码
func EncodeAction(action interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(action); err != nil {
		return nil, errors.Wrap(err, "msgpack 编码动作失败")
	}
	return buf.Bytes(), nil
}

// ActionHash 计算 connectionId：keccak256(msgpack(action) || nonce(8 字节大端) || vault 标记)
func ActionHash(action interface{}, nonce uint64, vault *common.Address) (common.Hash, error) {
	data, err := EncodeAction(action)
	if err != nil {
		return common.Hash{}, err
	}
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	data = append(data, nonceBytes[:]...)
	if vault == nil {
		data = append(data, 0x00)
	} else {
		data = append(data, 0x01)
		data = append(data, vault.Bytes()...)
	}
	return crypto.Keccak256Hash(data), nil
}

func phantomAgentTypedData(connectionID common.Hash, mainnet bool) apitypes.TypedData {
	source := MainnetSource
	if !mainnet {
		source = TestnetSource
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712DomainType,
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain:      newDomain(ExchangeDomainName, ExchangeVersion, ExchangeChainID),
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": connectionID.Bytes(),
		},
	}
}

// L1Digest L1 动作最终被签名的摘要
func L1Digest(action interface{}, nonce uint64, vault *common.Address, mainnet bool) (common.Hash, error) {
	connectionID, err := ActionHash(action, nonce, vault)
	if err != nil {
		return common.Hash{}, err
	}
	return TypedDataHash(phantomAgentTypedData(connectionID, mainnet))
}

// SignL1Action 以 phantom agent 方式签名 L1 动作
func SignL1Action(signer Signer, action interface{}, nonce uint64, vault *common.Address, mainnet bool) (types.Signature, error) {
	digest, err := L1Digest(action, nonce, vault, mainnet)
	if err != nil {
		return types.Signature{}, err
	}
	return signer.SignHash(digest)
}
