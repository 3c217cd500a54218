package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Block 區塊標頭中用到的欄位
type Block struct {
	Number        hexutil.Uint64 `json:"number"`
	Hash          common.Hash    `json:"hash"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
}

// FeeHistory eth_feeHistory 回應
type FeeHistory struct {
	OldestBlock   hexutil.Uint64   `json:"oldestBlock"`
	BaseFeePerGas []*hexutil.Big   `json:"baseFeePerGas"`
	Reward        [][]*hexutil.Big `json:"reward"`
}

// Log 事件日誌
type Log struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
	LogIndex    hexutil.Uint64 `json:"logIndex"`
}

// Receipt 交易收據中用到的欄位
type Receipt struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	Status          hexutil.Uint64 `json:"status"`
	Logs            []Log          `json:"logs"`
}

// LatestBlock eth_getBlockByNumber("latest", false)
func (c *Client) LatestBlock(ctx context.Context) (*Block, error) {
	var b *Block
	if err := c.Call(ctx, &b, "eth_getBlockByNumber", "latest", false); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("evm: latest block not found on chain %d", c.chainID)
	}
	return b, nil
}

// FeeHistory eth_feeHistory(blockCount, newestBlock, percentiles)
func (c *Client) FeeHistory(ctx context.Context, blockCount uint64, newest uint64, percentiles []float64) (*FeeHistory, error) {
	var h FeeHistory
	err := c.Call(ctx, &h, "eth_feeHistory", hexutil.Uint64(blockCount), hexutil.Uint64(newest), percentiles)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// LogsInBlock 取得單一區塊中指定合約、指定 topic0 的日誌
func (c *Client) LogsInBlock(ctx context.Context, block uint64, address common.Address, topic0 common.Hash) ([]Log, error) {
	filter := map[string]interface{}{
		"fromBlock": hexutil.Uint64(block),
		"toBlock":   hexutil.Uint64(block),
		"address":   address,
		"topics":    [][]common.Hash{{topic0}},
	}
	var logs []Log
	if err := c.Call(ctx, &logs, "eth_getLogs", filter); err != nil {
		return nil, err
	}
	return logs, nil
}

// PendingNonce eth_getTransactionCount(address, "pending")
func (c *Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var n hexutil.Uint64
	if err := c.Call(ctx, &n, "eth_getTransactionCount", addr, "pending"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// SendRawTransaction eth_sendRawTransaction
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var h common.Hash
	if err := c.Call(ctx, &h, "eth_sendRawTransaction", hexutil.Bytes(raw)); err != nil {
		return common.Hash{}, err
	}
	return h, nil
}

// TransactionReceipt eth_getTransactionReceipt；尚未上鏈時回傳 nil, nil
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var r *Receipt
	if err := c.Call(ctx, &r, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	return r, nil
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.ToInt())
}
