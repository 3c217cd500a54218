package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CallRequest 送出合約呼叫所需的參數
type CallRequest struct {
	ChainID              uint64
	To                   common.Address
	Data                 []byte
	Gas                  *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Value                *big.Int
}

// Transactor 取 nonce、簽署並廣播交易
type Transactor struct {
	clients ClientSource
	signer  *Signer
	logger  *slog.Logger
}

// NewTransactor 建立 Transactor
func NewTransactor(clients ClientSource, signer *Signer) *Transactor {
	return &Transactor{
		clients: clients,
		signer:  signer,
		logger:  slog.With("component", "transactor"),
	}
}

// Send 每次都重新取得 pending nonce，回傳交易雜湊
func (t *Transactor) Send(ctx context.Context, req CallRequest) (common.Hash, error) {
	c, err := t.clients.Get(req.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	from, err := t.signer.Address(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.PendingNonce(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}

	signed, err := t.signer.Sign(ctx, SignRequest{
		ChainID:              new(big.Int).SetUint64(req.ChainID),
		To:                   req.To,
		Gas:                  req.Gas,
		MaxFeePerGas:         req.MaxFeePerGas,
		MaxPriorityFeePerGas: req.MaxPriorityFeePerGas,
		Value:                req.Value,
		Nonce:                new(big.Int).SetUint64(nonce),
		Data:                 req.Data,
	})
	if err != nil {
		return common.Hash{}, err
	}

	hash, err := c.SendRawTransaction(ctx, signed.Raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("send raw transaction: %w", err)
	}
	t.logger.Info("Transaction submitted",
		"chain_id", req.ChainID,
		"tx_hash", hash.Hex(),
		"nonce", nonce)
	return hash, nil
}
