package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/c-atts/catts-app/internal/eas"
	"github.com/c-atts/catts-app/internal/evm"
	"github.com/c-atts/catts-app/internal/run"
	"github.com/c-atts/catts-app/internal/scheduler"
	"github.com/c-atts/catts-app/pkg/types"
)

// CreateAttestation 執行配方並送出 attest 交易
func (p *Pipeline) CreateAttestation(ctx context.Context, task types.Task) scheduler.Result {
	id, err := RunIDFromArgs(task.Args)
	if err != nil {
		return scheduler.Cancelf("%v", err)
	}
	logger := p.logger.With("run_id", id)

	if _, busy := p.attesting.LoadOrStore(id, struct{}{}); busy {
		return scheduler.Cancelf("attestation already in progress")
	}
	defer p.attesting.Delete(id)

	r, err := p.Runs.Get(ctx, id)
	if errors.Is(err, run.ErrNotFound) {
		return scheduler.Cancelf("run not found")
	}
	if err != nil {
		return scheduler.Retryf("load run: %v", err)
	}
	if r.AttestationTransactionHash != nil {
		return scheduler.Cancelf("run already attested")
	}
	if r.IsCancelled {
		return scheduler.Cancelf("run is cancelled")
	}
	if r.PaymentVerifiedStatus == nil || *r.PaymentVerifiedStatus != types.PaymentVerified {
		return scheduler.Retryf("run not yet paid")
	}

	rec, err := p.Recipes.Get(r.RecipeID)
	if err != nil {
		return p.fail(ctx, id, fmt.Sprintf("recipe %s: %v", r.RecipeID, err))
	}
	chain, err := p.Chains.Get(r.ChainID)
	if err != nil {
		return p.fail(ctx, id, fmt.Sprintf("chain %d: %v", r.ChainID, err))
	}
	if r.Gas == nil || r.Gas.Sign() <= 0 || r.BaseFeePerGas == nil || r.MaxPriorityFeePerGas == nil {
		return p.fail(ctx, id, ErrMissingFeeEstimate.Error())
	}

	queryResult, err := p.Queries.RunAll(ctx, rec.Queries, r.Creator)
	if err != nil {
		return p.fail(ctx, id, fmt.Sprintf("error running query: %v", err))
	}
	output, err := p.Scripts.Process(ctx, rec.Processor, string(queryResult))
	if err != nil {
		return p.fail(ctx, id, fmt.Sprintf("error processing query result: %v", err))
	}
	values, err := eas.ParseValues(output)
	if err != nil {
		return p.fail(ctx, id, err.Error())
	}
	data, err := eas.EncodeForSchema(rec.Schema, values)
	if err != nil {
		return p.fail(ctx, id, fmt.Sprintf("error encoding attestation data: %v", err))
	}
	schemaUID := eas.SchemaUID(rec.Schema, rec.Resolver, rec.Revokable)
	calldata, err := eas.AttestCalldata(schemaUID, r.Creator, data)
	if err != nil {
		return p.fail(ctx, id, err.Error())
	}

	// 送出前再確認一次，避免重複任務在等待期間已完成
	latest, err := p.Runs.Get(ctx, id)
	if err != nil {
		return scheduler.Retryf("reload run: %v", err)
	}
	if latest.AttestationTransactionHash != nil {
		return scheduler.Cancelf("run already attested")
	}

	hash, err := p.Sender.Send(ctx, evm.CallRequest{
		ChainID:              r.ChainID,
		To:                   chain.EASContract,
		Data:                 calldata,
		Gas:                  r.Gas,
		MaxFeePerGas:         maxFeePerGas(r.BaseFeePerGas, r.MaxPriorityFeePerGas),
		MaxPriorityFeePerGas: r.MaxPriorityFeePerGas,
	})
	if err != nil {
		if errors.Is(err, evm.ErrOverflow) || errors.Is(err, evm.ErrInvalidSignature) || errors.Is(err, evm.ErrInvalidPublicKey) {
			return p.fail(ctx, id, fmt.Sprintf("error creating attestation: %v", err))
		}
		return scheduler.Retryf("send attestation: %v", err)
	}

	if _, err := p.Runs.RecordAttestationTx(ctx, id, hash.Hex()); err != nil {
		logger.Error("Failed to record attestation transaction", "tx_hash", hash.Hex(), "error", err)
		return scheduler.Cancelf("record attestation tx: %v", err)
	}
	p.Observer.RecordAttestationSubmitted()
	logger.Info("Attestation submitted", "tx_hash", hash.Hex(), "chain_id", r.ChainID)

	if err := p.schedule(ctx, p.Now().Add(GetAttestationUidDelay), types.TaskGetAttestationUid, id,
		GetAttestationUidMaxRetries, GetAttestationUidRetryInterval); err != nil {
		logger.Error("Failed to schedule uid lookup", "error", err)
	}
	return scheduler.Ok()
}

// maxFeePerGas 上限為 2×base + priority，實際支付 base + priority
func maxFeePerGas(base, priority *big.Int) *big.Int {
	fee := new(big.Int).Lsh(base, 1)
	return fee.Add(fee, priority)
}
