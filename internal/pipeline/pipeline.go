// ============================================================================
// Pay → Query → Process → Attest 任務執行器
// ============================================================================
//
// 三個任務類型依序串接:
//
//   ProcessRunPayment  驗證鏈上付款 → 排程 CreateAttestation（立即）
//   CreateAttestation  查詢、執行 processor、送出 attest 交易 → 排程 GetAttestationUid（5 秒後）
//   GetAttestationUid  讀取交易收據，記錄 attestation UID
//
// 結果分類:
//   Retry   暫時性錯誤（RPC 失敗或不一致、區塊/收據尚未出現）
//   Cancel  確定性錯誤（付款不足、重複任務、配方錯誤），必要時先記錄在 Run.error
// ============================================================================

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/c-atts/catts-app/internal/evm"
	"github.com/c-atts/catts-app/internal/recipe"
	"github.com/c-atts/catts-app/internal/run"
	"github.com/c-atts/catts-app/internal/scheduler"
	"github.com/c-atts/catts-app/pkg/types"
)

const (
	CreateAttestationMaxRetries    = 3
	CreateAttestationRetryInterval = 15 * time.Second

	GetAttestationUidDelay         = 5 * time.Second
	GetAttestationUidMaxRetries    = 10
	GetAttestationUidRetryInterval = 15 * time.Second
)

var (
	ErrMissingFeeEstimate = errors.New("missing fee estimate")
	ErrInvalidArgs        = errors.New("invalid task arguments")
)

// Runs pipeline 需要的 Run 操作（run.Service 實作）
type Runs interface {
	Get(ctx context.Context, id types.RunID) (*types.Run, error)
	RecordPaymentVerified(ctx context.Context, id types.RunID, txHash string, block, logIndex uint64) (*types.Run, error)
	RecordPaymentFailed(ctx context.Context, id types.RunID, reason string) (*types.Run, error)
	RecordAttestationTx(ctx context.Context, id types.RunID, hash string) (*types.Run, error)
	RecordAttestationUID(ctx context.Context, id types.RunID, uid string) (*types.Run, error)
	RecordError(ctx context.Context, id types.RunID, msg string) (*types.Run, error)
}

// QueryRunner 執行配方查詢（query.Runner 實作）
type QueryRunner interface {
	RunAll(ctx context.Context, queries []recipe.Query, user common.Address) (json.RawMessage, error)
}

// ScriptEngine 執行 processor（script.Engine 實作）
type ScriptEngine interface {
	Process(ctx context.Context, processor string, queryResult string) (string, error)
}

// Sender 簽署並送出交易（evm.Transactor 實作）
type Sender interface {
	Send(ctx context.Context, req evm.CallRequest) (common.Hash, error)
}

// Observer 接收 pipeline 事件
type Observer interface {
	RecordPaymentVerified()
	RecordAttestationSubmitted()
}

// Deps pipeline 的外部依賴
type Deps struct {
	Runs     Runs
	Recipes  recipe.Store
	Chains   run.ChainLookup
	Clients  evm.ClientSource
	Queries  QueryRunner
	Scripts  ScriptEngine
	Sender   Sender
	Tasks    run.TaskAdder
	Observer Observer
	Now      func() time.Time
}

// Pipeline 持有三個任務執行器
type Pipeline struct {
	Deps

	// 同一 Run 的 attestation 同時只允許一個在送出中
	attesting sync.Map

	logger *slog.Logger
}

// New 建立 Pipeline
func New(d Deps) *Pipeline {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	return &Pipeline{Deps: d, logger: slog.With("component", "pipeline")}
}

// Registry 回傳任務分派表
func (p *Pipeline) Registry() scheduler.Registry {
	return scheduler.Registry{
		types.TaskProcessRunPayment: scheduler.ExecutorFunc(p.ProcessPayment),
		types.TaskCreateAttestation: scheduler.ExecutorFunc(p.CreateAttestation),
		types.TaskGetAttestationUid: scheduler.ExecutorFunc(p.GetAttestationUID),
	}
}

// RunArgs CreateAttestation 與 GetAttestationUid 的參數
type RunArgs struct {
	RunID types.RunID `json:"run_id"`
}

// RunIDFromArgs 從任一任務參數取出 run_id
func RunIDFromArgs(args json.RawMessage) (types.RunID, error) {
	var a RunArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return types.RunID{}, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if a.RunID == (types.RunID{}) {
		return types.RunID{}, fmt.Errorf("%w: missing run_id", ErrInvalidArgs)
	}
	return a.RunID, nil
}

// schedule 排程後續任務
func (p *Pipeline) schedule(ctx context.Context, at time.Time, tt types.TaskType, id types.RunID, maxRetries uint32, interval time.Duration) error {
	args, err := json.Marshal(RunArgs{RunID: id})
	if err != nil {
		return err
	}
	return p.Tasks.AddTask(ctx, at, types.Task{
		Type:          tt,
		Args:          args,
		MaxRetries:    maxRetries,
		RetryInterval: interval,
	})
}

// fail 記錄 Run 錯誤並取消任務
func (p *Pipeline) fail(ctx context.Context, id types.RunID, reason string) scheduler.Result {
	if _, err := p.Runs.RecordError(ctx, id, reason); err != nil && !errors.Is(err, run.ErrFieldAlreadySet) {
		p.logger.Error("Failed to record run error", "run_id", id, "error", err)
	}
	return scheduler.Cancelf("%s", reason)
}

type nopObserver struct{}

func (nopObserver) RecordPaymentVerified()      {}
func (nopObserver) RecordAttestationSubmitted() {}
