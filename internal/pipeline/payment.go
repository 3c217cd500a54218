package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/c-atts/catts-app/internal/chainconfig"
	"github.com/c-atts/catts-app/internal/evm"
	"github.com/c-atts/catts-app/internal/run"
	"github.com/c-atts/catts-app/internal/scheduler"
	"github.com/c-atts/catts-app/pkg/types"
)

// PaymentEventSignature 付款合約事件的 topic0
var PaymentEventSignature = common.HexToHash("0x7c8809bb951e482559074456e6716ca166b1b6992b1205cfaae883fae81cf86a")

// 付款事件資料 (uint256 amount, bytes12 run_id)
var paymentLogArgs = func() abi.Arguments {
	u256, _ := abi.NewType("uint256", "", nil)
	b12, _ := abi.NewType("bytes12", "", nil)
	return abi.Arguments{{Name: "amount", Type: u256}, {Name: "run_id", Type: b12}}
}()

var errLogMismatch = errors.New("log does not match")

// ProcessPayment 驗證指定區塊中的付款事件
func (p *Pipeline) ProcessPayment(ctx context.Context, task types.Task) scheduler.Result {
	var args run.ProcessPaymentArgs
	if err := json.Unmarshal(task.Args, &args); err != nil {
		return scheduler.Cancelf("%v: %v", ErrInvalidArgs, err)
	}
	logger := p.logger.With("run_id", args.RunID, "block", args.BlockToProcess)

	r, err := p.Runs.Get(ctx, args.RunID)
	if errors.Is(err, run.ErrNotFound) {
		return scheduler.Cancelf("run not found")
	}
	if err != nil {
		return scheduler.Retryf("load run: %v", err)
	}
	if r.Status() >= types.StatusPaymentVerified {
		return scheduler.Cancelf("payment already verified")
	}
	if r.IsCancelled {
		return scheduler.Cancelf("run is cancelled")
	}

	chain, err := p.Chains.Get(r.ChainID)
	if err != nil {
		return scheduler.Cancelf("chain %d: %v", r.ChainID, err)
	}
	client, err := p.Clients.Get(r.ChainID)
	if err != nil {
		return scheduler.Cancelf("chain %d: %v", r.ChainID, err)
	}

	logs, err := client.LogsInBlock(ctx, args.BlockToProcess, chain.PaymentContract, PaymentEventSignature)
	if errors.Is(err, evm.ErrInconsistent) {
		return scheduler.Retryf("fetching logs returned inconsistent results")
	}
	if err != nil {
		return scheduler.Retryf("fetch logs: %v", err)
	}

	for _, l := range logs {
		amount, err := matchPaymentLog(l, args, chain)
		if err != nil {
			logger.Debug("Skipping log entry", "tx_hash", l.TxHash.Hex(), "log_index", uint64(l.LogIndex), "error", err)
			continue
		}

		fee := r.UserFee
		if fee == nil {
			fee = new(big.Int)
		}
		if amount.Cmp(fee) < 0 {
			reason := fmt.Sprintf("payment did not cover the cost of the run: paid %s, required %s", amount, fee)
			if _, err := p.Runs.RecordPaymentFailed(ctx, args.RunID, reason); err != nil && !errors.Is(err, run.ErrFieldAlreadySet) {
				logger.Error("Failed to record payment failure", "error", err)
			}
			logger.Warn("Underpayment", "paid", amount, "required", fee)
			return scheduler.Cancelf("%s", reason)
		}

		_, err = p.Runs.RecordPaymentVerified(ctx, args.RunID, l.TxHash.Hex(), args.BlockToProcess, uint64(l.LogIndex))
		if errors.Is(err, run.ErrFieldAlreadySet) {
			return scheduler.Cancelf("payment already verified")
		}
		if err != nil {
			return scheduler.Retryf("record payment: %v", err)
		}
		p.Observer.RecordPaymentVerified()
		logger.Info("Payment verified", "tx_hash", l.TxHash.Hex(), "amount", amount)

		if err := p.schedule(ctx, p.Now(), types.TaskCreateAttestation, args.RunID,
			CreateAttestationMaxRetries, CreateAttestationRetryInterval); err != nil {
			logger.Error("Failed to schedule attestation", "error", err)
		}
		return scheduler.Ok()
	}

	return scheduler.Retryf("no matching payment logs found")
}

// matchPaymentLog 檢查事件是否為此 Run 的付款，回傳付款金額
func matchPaymentLog(l evm.Log, args run.ProcessPaymentArgs, chain chainconfig.ChainConfig) (*big.Int, error) {
	if l.Address != chain.PaymentContract {
		return nil, fmt.Errorf("%w: contract address", errLogMismatch)
	}
	if len(l.Topics) < 2 {
		return nil, fmt.Errorf("%w: not enough topics", errLogMismatch)
	}
	if l.Topics[0] != PaymentEventSignature {
		return nil, fmt.Errorf("%w: event signature", errLogMismatch)
	}

	topic := l.Topics[1]
	for _, b := range topic[:12] {
		if b != 0 {
			return nil, fmt.Errorf("%w: from address padding", errLogMismatch)
		}
	}
	if common.BytesToAddress(topic[12:]) != args.FromAddress {
		return nil, fmt.Errorf("%w: from address", errLogMismatch)
	}

	values, err := paymentLogArgs.Unpack(l.Data)
	if err != nil || len(values) != 2 {
		return nil, fmt.Errorf("%w: decode data: %v", errLogMismatch, err)
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: amount type", errLogMismatch)
	}
	runID, ok := values[1].([12]byte)
	if !ok {
		return nil, fmt.Errorf("%w: run_id type", errLogMismatch)
	}
	if types.RunID(runID) != args.RunID {
		return nil, fmt.Errorf("%w: run_id", errLogMismatch)
	}
	return amount, nil
}

// EncodePaymentLogData 編碼付款事件資料（測試與模擬用）
func EncodePaymentLogData(amount *big.Int, id types.RunID) ([]byte, error) {
	return paymentLogArgs.Pack(amount, [12]byte(id))
}
