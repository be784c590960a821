package identity

import (
	"strings"

	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/pkg/errors"

	"github.com/betbot/hlmcp/hyperliquid/signing"
)

// SignerFromMnemonic 按 BIP-44 路径从助记词派生主钱包
func SignerFromMnemonic(mnemonic, derivationPath string) (*signing.KeySigner, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	derivationPath = strings.TrimSpace(derivationPath)
	if mnemonic == "" {
		return nil, errors.New("mnemonic is required")
	}
	if derivationPath == "" {
		return nil, errors.New("derivation path is required")
	}

	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		// 不回显助记词
		return nil, errors.New("invalid mnemonic")
	}
	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, errors.Wrap(err, "invalid derivation path")
	}
	acct, err := w.Derive(path, false)
	if err != nil {
		return nil, errors.Wrap(err, "derive failed")
	}
	key, err := w.PrivateKey(acct)
	if err != nil {
		return nil, errors.Wrap(err, "private key failed")
	}
	return signing.NewKeySignerFromKey(key), nil
}
