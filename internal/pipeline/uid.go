package pipeline

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/c-atts/catts-app/internal/run"
	"github.com/c-atts/catts-app/internal/scheduler"
	"github.com/c-atts/catts-app/pkg/types"
)

// GetAttestationUID 由交易收據的第一筆 log 取得 attestation UID
func (p *Pipeline) GetAttestationUID(ctx context.Context, task types.Task) scheduler.Result {
	id, err := RunIDFromArgs(task.Args)
	if err != nil {
		return scheduler.Cancelf("%v", err)
	}

	r, err := p.Runs.Get(ctx, id)
	if errors.Is(err, run.ErrNotFound) {
		return scheduler.Cancelf("run not found")
	}
	if err != nil {
		return scheduler.Retryf("load run: %v", err)
	}
	if r.AttestationUID != nil {
		return scheduler.Cancelf("run already attested")
	}
	if r.AttestationTransactionHash == nil {
		return scheduler.Retryf("attestation transaction hash not found")
	}

	client, err := p.Clients.Get(r.ChainID)
	if err != nil {
		return scheduler.Cancelf("chain %d: %v", r.ChainID, err)
	}
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(*r.AttestationTransactionHash))
	if err != nil {
		return scheduler.Retryf("get receipt: %v", err)
	}
	if receipt == nil {
		return scheduler.Retryf("transaction receipt not available")
	}
	if receipt.Status == 0 {
		return p.fail(ctx, id, "attestation transaction reverted")
	}
	if len(receipt.Logs) == 0 {
		return scheduler.Retryf("no logs in transaction receipt")
	}

	uid := hexutil.Encode(receipt.Logs[0].Data)
	if _, err := p.Runs.RecordAttestationUID(ctx, id, uid); err != nil {
		if errors.Is(err, run.ErrFieldAlreadySet) {
			return scheduler.Cancelf("run already attested")
		}
		return scheduler.Retryf("record uid: %v", err)
	}
	p.logger.Info("Attestation uid found", "run_id", id, "uid", uid)
	return scheduler.Ok()
}
