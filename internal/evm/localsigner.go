package evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// LocalSigner 以本地 secp256k1 私鑰模擬 ThresholdSigner（開發與測試用）
type LocalSigner struct {
	priv *btcec.PrivateKey
}

// NewLocalSigner 由 hex 私鑰建立
func NewLocalSigner(keyHex string) (*LocalSigner, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("evm: invalid private key")
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return &LocalSigner{priv: priv}, nil
}

// GenerateLocalSigner 產生隨機私鑰
func GenerateLocalSigner() (*LocalSigner, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &LocalSigner{priv: priv}, nil
}

func (l *LocalSigner) PublicKey(ctx context.Context) ([]byte, error) {
	return l.priv.PubKey().SerializeCompressed(), nil
}

// SignPrehash compact 簽章格式為 [recid][r][s]，去掉首 byte 即 r‖s
func (l *LocalSigner) SignPrehash(ctx context.Context, hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("evm: hash must be 32 bytes, got %d", len(hash))
	}
	sig := ecdsa.SignCompact(l.priv, hash, false)
	return sig[1:65], nil
}
