package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
)

const (
	feeHistoryBlocks    = 9
	feeRewardPercentile = 95
)

var ErrNoFeeHistory = errors.New("evm: empty fee history")

// ClientSource 依鏈取得共識客戶端（Clients 實作）
type ClientSource interface {
	Get(chainID uint64) (*Client, error)
}

// FeeEstimator 以最近區塊的 fee history 估算 EIP-1559 費用
type FeeEstimator struct {
	clients ClientSource
}

// NewFeeEstimator 建立 FeeEstimator
func NewFeeEstimator(clients ClientSource) *FeeEstimator {
	return &FeeEstimator{clients: clients}
}

// Estimate 回傳 (base fee, priority fee)
//
//	base fee: 視窗內最後一個區塊的 baseFeePerGas
//	priority: 各區塊第 95 百分位 reward 的下中位數，沒有資料時為 0
func (f *FeeEstimator) Estimate(ctx context.Context, chainID uint64) (*big.Int, *big.Int, error) {
	c, err := f.clients.Get(chainID)
	if err != nil {
		return nil, nil, err
	}
	latest, err := c.LatestBlock(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("latest block: %w", err)
	}
	h, err := c.FeeHistory(ctx, feeHistoryBlocks, uint64(latest.Number), []float64{feeRewardPercentile})
	if err != nil {
		return nil, nil, fmt.Errorf("fee history: %w", err)
	}
	return feesFromHistory(h)
}

func feesFromHistory(h *FeeHistory) (*big.Int, *big.Int, error) {
	if len(h.BaseFeePerGas) == 0 {
		return nil, nil, ErrNoFeeHistory
	}

	// baseFeePerGas 通常多一筆下一區塊的預估值
	window := len(h.Reward)
	if window == 0 {
		window = feeHistoryBlocks
	}
	idx := len(h.BaseFeePerGas) - 1
	if len(h.BaseFeePerGas) > window {
		idx = window - 1
	}
	base := bigOrZero(h.BaseFeePerGas[idx])

	rewards := make([]*big.Int, 0, len(h.Reward))
	for _, r := range h.Reward {
		if len(r) > 0 && r[0] != nil {
			rewards = append(rewards, bigOrZero(r[0]))
		}
	}
	if len(rewards) == 0 {
		return base, new(big.Int), nil
	}
	sort.Slice(rewards, func(i, j int) bool { return rewards[i].Cmp(rewards[j]) < 0 })
	return base, rewards[(len(rewards)-1)/2], nil
}
