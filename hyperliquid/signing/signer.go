package signing

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/betbot/hlmcp/hyperliquid/types"
)

// Signer 对 32 字节摘要签名。私钥只存在于实现内部。
type Signer interface {
	Address() common.Address
	SignHash(hash common.Hash) (types.Signature, error)
}

// KeySigner 基于本地 secp256k1 私钥的 Signer
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner 从十六进制私钥创建，允许 0x 前缀和首尾空白
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, err
	}
	return NewKeySignerFromKey(key), nil
}

// NewKeySignerFromKey 从已解析的私钥创建
func NewKeySignerFromKey(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateKeySigner 生成新的随机私钥
func GenerateKeySigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "生成私钥失败")
	}
	return NewKeySignerFromKey(key), nil
}

func (s *KeySigner) Address() common.Address { return s.address }

// SignHash 签名，V 转换为 27/28
func (s *KeySigner) SignHash(hash common.Hash) (types.Signature, error) {
	sig, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return types.Signature{}, errors.Wrap(err, "签名失败")
	}
	return types.Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: int(sig[64]) + 27,
	}, nil
}

// ExportHex 导出私钥（不带 0x）。仅供凭证持久化使用
func (s *KeySigner) ExportHex() string {
	return common.Bytes2Hex(crypto.FromECDSA(s.key))
}

// String 不输出任何私钥信息
func (s *KeySigner) String() string {
	return fmt.Sprintf("KeySigner(%s)", s.address.Hex())
}

// GoString 防止 %#v 打印私钥
func (s *KeySigner) GoString() string { return s.String() }

// PrivateKeyFromHex 从十六进制字符串解析私钥
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	k := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if k == "" {
		return nil, errors.New("私钥为空")
	}
	key, err := crypto.HexToECDSA(k)
	if err != nil {
		// 不把原始输入带进错误信息
		return nil, errors.New("私钥格式无效（需要 32 字节十六进制）")
	}
	return key, nil
}

// RecoverAddress 从签名恢复签名者地址
func RecoverAddress(hash common.Hash, sig types.Signature) (common.Address, error) {
	r, err := hexutil.Decode(sig.R)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "解析 r 失败")
	}
	s, err := hexutil.Decode(sig.S)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "解析 s 失败")
	}
	if len(r) > 32 || len(s) > 32 || (sig.V != 27 && sig.V != 28) {
		return common.Address{}, errors.New("签名格式无效")
	}
	raw := make([]byte, 65)
	copy(raw[32-len(r):32], r)
	copy(raw[64-len(s):64], s)
	raw[64] = byte(sig.V - 27)
	pub, err := crypto.SigToPub(hash.Bytes(), raw)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "恢复公钥失败")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
