// ============================================================================
// EIP-1559 交易簽署
// ============================================================================
//
// 流程:
//   1. 由 ThresholdSigner 的公鑰推導地址（成功後快取）
//   2. 建立 DynamicFeeTx，計算 London sighash
//   3. ThresholdSigner 對 sighash 簽章，回傳 64 bytes r‖s
//   4. s 正規化為 low-S，逐一嘗試 v=0/1 復原公鑰找出 y-parity
//   5. 輸出 0x02 ‖ rlp(signed tx)
// ============================================================================

package evm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrOverflow         = errors.New("evm: value overflows field")
	ErrInvalidPublicKey = errors.New("evm: invalid public key")
	ErrInvalidSignature = errors.New("evm: invalid signature")
)

var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)
	maxUint256     = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// ThresholdSigner 外部簽章服務（私鑰不在本程序內）
type ThresholdSigner interface {
	// PublicKey 回傳 secp256k1 公鑰（33 bytes 壓縮或 65 bytes 未壓縮）
	PublicKey(ctx context.Context) ([]byte, error)
	// SignPrehash 對 32 bytes 雜湊簽章，回傳 64 bytes r‖s
	SignPrehash(ctx context.Context, hash []byte) ([]byte, error)
}

// SignRequest 待簽署的 EIP-1559 交易
type SignRequest struct {
	ChainID              *big.Int
	To                   common.Address
	Gas                  *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Value                *big.Int
	Nonce                *big.Int
	Data                 []byte
}

// SignedTx 已簽署交易
type SignedTx struct {
	Raw  []byte
	Hash common.Hash
}

// Signer EVM 交易簽署器
type Signer struct {
	ts ThresholdSigner

	mu   sync.Mutex
	done bool
	addr common.Address
	pub  []byte // 65 bytes 未壓縮
}

// NewSigner 建立 Signer
func NewSigner(ts ThresholdSigner) *Signer {
	return &Signer{ts: ts}
}

// Address 回傳簽署者地址；首次成功後不再呼叫 ThresholdSigner
func (s *Signer) Address(ctx context.Context) (common.Address, error) {
	if err := s.load(ctx); err != nil {
		return common.Address{}, err
	}
	return s.addr, nil
}

func (s *Signer) load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}

	raw, err := s.ts.PublicKey(ctx)
	if err != nil {
		return fmt.Errorf("evm: fetch public key: %w", err)
	}
	var pub []byte
	switch len(raw) {
	case 33:
		key, err := crypto.DecompressPubkey(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		pub = crypto.FromECDSAPub(key)
		s.addr = crypto.PubkeyToAddress(*key)
	case 65:
		key, err := crypto.UnmarshalPubkey(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		pub = crypto.FromECDSAPub(key)
		s.addr = crypto.PubkeyToAddress(*key)
	default:
		return fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(raw))
	}
	s.pub = pub
	s.done = true
	return nil
}

// Sign 簽署交易
func (s *Signer) Sign(ctx context.Context, req SignRequest) (*SignedTx, error) {
	if err := s.load(ctx); err != nil {
		return nil, err
	}

	inner, err := req.dynamicFeeTx()
	if err != nil {
		return nil, err
	}
	tx := ethtypes.NewTx(inner)
	signer := ethtypes.NewLondonSigner(inner.ChainID)
	hash := signer.Hash(tx)

	rs, err := s.ts.SignPrehash(ctx, hash[:])
	if err != nil {
		return nil, fmt.Errorf("evm: sign: %w", err)
	}
	sig, err := s.withRecoveryID(hash[:], rs)
	if err != nil {
		return nil, err
	}

	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("evm: encode tx: %w", err)
	}
	return &SignedTx{Raw: raw, Hash: signed.Hash()}, nil
}

// withRecoveryID 將 r‖s 正規化為 low-S 並附上 y-parity
func (s *Signer) withRecoveryID(hash, rs []byte) ([]byte, error) {
	if len(rs) != 64 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(rs))
	}
	sig := make([]byte, 65)
	copy(sig, rs)

	sv := new(big.Int).SetBytes(sig[32:64])
	if sv.Cmp(secp256k1HalfN) > 0 {
		sv.Sub(secp256k1N, sv)
		sv.FillBytes(sig[32:64])
	}

	for v := byte(0); v < 2; v++ {
		sig[64] = v
		recovered, err := crypto.Ecrecover(hash, sig)
		if err == nil && bytes.Equal(recovered, s.pub) {
			return sig, nil
		}
	}
	return nil, fmt.Errorf("%w: public key not recoverable", ErrInvalidSignature)
}

func (r SignRequest) dynamicFeeTx() (*ethtypes.DynamicFeeTx, error) {
	chainID, err := uint256Field("chain_id", r.ChainID)
	if err != nil {
		return nil, err
	}
	gas, err := uint64Field("gas", r.Gas)
	if err != nil {
		return nil, err
	}
	nonce, err := uint64Field("nonce", r.Nonce)
	if err != nil {
		return nil, err
	}
	feeCap, err := uint256Field("max_fee_per_gas", r.MaxFeePerGas)
	if err != nil {
		return nil, err
	}
	tipCap, err := uint256Field("max_priority_fee_per_gas", r.MaxPriorityFeePerGas)
	if err != nil {
		return nil, err
	}
	value, err := uint256Field("value", r.Value)
	if err != nil {
		return nil, err
	}
	to := r.To
	return &ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      common.CopyBytes(r.Data),
	}, nil
}

func uint256Field(name string, v *big.Int) (*big.Int, error) {
	if v == nil {
		return new(big.Int), nil
	}
	if v.Sign() < 0 || v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrOverflow, name)
	}
	return new(big.Int).Set(v), nil
}

func uint64Field(name string, v *big.Int) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, name)
	}
	return v.Uint64(), nil
}
