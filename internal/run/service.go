// ============================================================================
// Run 生命週期管理
// ============================================================================
//
// 狀態由欄位推導（types.Run.Status），單調遞增：
//
//   PaymentPending → PaymentRegistered → PaymentVerified
//                  → AttestationCreated → AttestationUidConfirmed
//
// 欄位寫入規則:
//   - payment_transaction_hash     RegisterPayment 寫入一次
//   - payment_block_number 等      RecordPaymentVerified 寫入一次（PaymentVerifier）
//   - attestation_transaction_hash RecordAttestationTx 寫入一次（AttestationPipeline）
//   - attestation_uid              RecordAttestationUID 寫入一次（UidResolver）
//   - is_cancelled                 僅 PaymentPending 時可設定
//
// 並發:
//   每個讀取-檢查-寫入都在 Service.mu 內完成；跨越網路呼叫的冪等性
//   由各 executor 在寫入時重新檢查（寫入一次的欄位回傳 ErrFieldAlreadySet）。
// ============================================================================

package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/c-atts/catts-app/internal/chainconfig"
	"github.com/c-atts/catts-app/internal/recipe"
	"github.com/c-atts/catts-app/pkg/types"
)

const (
	// ProcessPaymentMaxRetries 付款驗證任務的最大執行次數
	ProcessPaymentMaxRetries = 3
	// ProcessPaymentRetryInterval 付款驗證任務的重試間隔
	ProcessPaymentRetryInterval = 15 * time.Second
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ChainLookup 取得鏈設定
type ChainLookup interface {
	Get(chainID uint64) (chainconfig.ChainConfig, error)
}

// FeeQuoter 估算目前的 base fee 與 priority fee
type FeeQuoter interface {
	Estimate(ctx context.Context, chainID uint64) (baseFee, priorityFee *big.Int, err error)
}

// TaskAdder 排程任務（由 scheduler.Scheduler 實作）
type TaskAdder interface {
	AddTask(ctx context.Context, runAt time.Time, task types.Task) error
}

// Observer 接收 Run 事件
type Observer interface {
	RecordRunCreated()
}

// ProcessPaymentArgs ProcessRunPayment 任務參數
type ProcessPaymentArgs struct {
	RunID          types.RunID    `json:"run_id"`
	BlockToProcess uint64         `json:"block_to_process"`
	FromAddress    common.Address `json:"from_address"`
}

// Service Run 生命週期管理
type Service struct {
	mu       sync.Mutex
	store    Store
	recipes  recipe.Store
	chains   ChainLookup
	fees     FeeQuoter
	tasks    TaskAdder
	observer Observer
	now      func() time.Time
	logger   *slog.Logger
}

// Option 設定選項
type Option func(*Service)

// WithFeeQuoter 建立 Run 時報價
func WithFeeQuoter(f FeeQuoter) Option { return func(s *Service) { s.fees = f } }

// WithTaskAdder 登記付款後排程驗證任務
func WithTaskAdder(t TaskAdder) Option { return func(s *Service) { s.tasks = t } }

// WithObserver 設定事件觀察者
func WithObserver(o Observer) Option { return func(s *Service) { s.observer = o } }

// WithClock 替換時鐘
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService 建立 Service
func NewService(store Store, recipes recipe.Store, chains ChainLookup, opts ...Option) *Service {
	s := &Service{
		store:   store,
		recipes: recipes,
		chains:  chains,
		now:     time.Now,
		logger:  slog.With("component", "run"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create 建立 Run；配方不存在回傳 recipe.ErrRecipeNotFound，鏈不支援回傳 chainconfig.ErrUnsupportedChain
func (s *Service) Create(ctx context.Context, recipeID types.RecipeID, chainID uint64, creator common.Address) (*types.Run, error) {
	chain, err := s.chains.Get(chainID)
	if err != nil {
		return nil, err
	}
	rec, err := s.recipes.Get(recipeID)
	if err != nil {
		return nil, err
	}
	if rec.Gas == nil || rec.Gas.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRecipeGas, recipeID)
	}

	r := &types.Run{
		RecipeID: recipeID,
		Creator:  creator,
		ChainID:  chainID,
	}
	if s.fees != nil {
		base, prio, err := s.fees.Estimate(ctx, chainID)
		if err != nil {
			return nil, fmt.Errorf("run: fee quote: %w", err)
		}
		gas := new(big.Int).Set(rec.Gas)
		fee := new(big.Int).Add(base, prio)
		fee.Mul(fee, gas)
		if chain.ExtraFeeWei != nil {
			fee.Add(fee, chain.ExtraFeeWei)
		}

		r.Gas = gas
		r.BaseFeePerGas = new(big.Int).Set(base)
		r.MaxPriorityFeePerGas = new(big.Int).Set(prio)
		r.UserFee = fee
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 同一 creator 在同一奈秒建立時 ID 會相同，往後推一奈秒
	created := s.now().UnixNano()
	for attempt := 0; attempt < 16; attempt++ {
		r.Created = created
		r.ID = NewID(creator, created)
		err = s.store.Insert(ctx, r)
		if !errors.Is(err, ErrAlreadyExists) {
			break
		}
		created++
	}
	if err != nil {
		return nil, fmt.Errorf("run: insert: %w", err)
	}

	if s.observer != nil {
		s.observer.RecordRunCreated()
	}
	s.logger.Info("run created", "run_id", r.ID, "recipe_id", recipeID, "chain_id", chainID, "creator", creator, "user_fee", r.UserFee)
	return r.Clone(), nil
}

// Get 取得 Run
func (s *Service) Get(ctx context.Context, id types.RunID) (*types.Run, error) {
	return s.store.Get(ctx, id)
}

// ListForCreator 列出 creator 的所有 Run，新到舊
func (s *Service) ListForCreator(ctx context.Context, creator common.Address) ([]*types.Run, error) {
	return s.store.ListByCreator(ctx, creator)
}

// Cancel 取消 Run，僅 PaymentPending 時允許；重複取消回傳目前狀態
func (s *Service) Cancel(ctx context.Context, id types.RunID) (*types.Run, error) {
	return s.mutate(ctx, id, func(r *types.Run) error {
		if r.Status() != types.StatusPaymentPending {
			return ErrCantBeCancelled
		}
		r.IsCancelled = true
		return nil
	})
}

// CancelFor 由 caller 取消 Run，caller 必須是 creator
func (s *Service) CancelFor(ctx context.Context, caller common.Address, id types.RunID) (*types.Run, error) {
	return s.mutate(ctx, id, func(r *types.Run) error {
		if r.Creator != caller {
			return ErrForbidden
		}
		if r.Status() != types.StatusPaymentPending {
			return ErrCantBeCancelled
		}
		r.IsCancelled = true
		return nil
	})
}

// RegisterPayment 記錄付款交易 hash，只能設定一次
func (s *Service) RegisterPayment(ctx context.Context, id types.RunID, txHash string) (*types.Run, error) {
	if !txHashPattern.MatchString(txHash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTxHash, txHash)
	}
	return s.mutate(ctx, id, func(r *types.Run) error {
		return registerPayment(r, txHash)
	})
}

func registerPayment(r *types.Run, txHash string) error {
	if r.PaymentTransactionHash != nil {
		return ErrAlreadyPaid
	}
	if r.IsCancelled {
		return ErrCancelled
	}
	pending := types.PaymentPending
	r.PaymentTransactionHash = &txHash
	r.PaymentVerifiedStatus = &pending
	return nil
}

// RegisterPaymentFor 由 caller 登記付款，並排程驗證 block 中的付款事件
func (s *Service) RegisterPaymentFor(ctx context.Context, caller common.Address, id types.RunID, txHash string, block uint64) (*types.Run, error) {
	if !txHashPattern.MatchString(txHash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTxHash, txHash)
	}
	r, err := s.mutate(ctx, id, func(r *types.Run) error {
		if r.Creator != caller {
			return ErrForbidden
		}
		return registerPayment(r, txHash)
	})
	if err != nil {
		return nil, err
	}

	if s.tasks != nil {
		args, err := json.Marshal(ProcessPaymentArgs{RunID: id, BlockToProcess: block, FromAddress: caller})
		if err != nil {
			return nil, err
		}
		task := types.Task{
			Type:          types.TaskProcessRunPayment,
			Args:          args,
			MaxRetries:    ProcessPaymentMaxRetries,
			RetryInterval: ProcessPaymentRetryInterval,
		}
		if err := s.tasks.AddTask(ctx, s.now(), task); err != nil {
			return nil, fmt.Errorf("run: schedule payment verification: %w", err)
		}
	}
	s.logger.Info("payment registered", "run_id", id, "tx_hash", txHash, "block", block)
	return r, nil
}

// ============================================================================
// Pipeline 專用的寫入一次欄位
// ============================================================================

// RecordPaymentVerified 記錄鏈上驗證通過的付款
//
// txHash 僅在尚未登記時寫入（管理者直接排程驗證任務的情況）。
func (s *Service) RecordPaymentVerified(ctx context.Context, id types.RunID, txHash string, block, logIndex uint64) (*types.Run, error) {
	return s.mutate(ctx, id, func(r *types.Run) error {
		if r.PaymentBlockNumber != nil {
			return fmt.Errorf("%w: payment_block_number", ErrFieldAlreadySet)
		}
		if r.PaymentTransactionHash == nil {
			r.PaymentTransactionHash = &txHash
		}
		verified := types.PaymentVerified
		r.PaymentBlockNumber = &block
		r.PaymentLogIndex = &logIndex
		r.PaymentVerifiedStatus = &verified
		return nil
	})
}

// RecordPaymentFailed 付款驗證確定失敗（例如付款不足）
func (s *Service) RecordPaymentFailed(ctx context.Context, id types.RunID, reason string) (*types.Run, error) {
	return s.mutate(ctx, id, func(r *types.Run) error {
		if r.PaymentBlockNumber != nil {
			return fmt.Errorf("%w: payment already verified", ErrFieldAlreadySet)
		}
		failed := types.PaymentVerificationFailed
		r.PaymentVerifiedStatus = &failed
		return setError(r, reason)
	})
}

// RecordAttestationTx 記錄 attestation 交易 hash
func (s *Service) RecordAttestationTx(ctx context.Context, id types.RunID, hash string) (*types.Run, error) {
	return s.mutate(ctx, id, func(r *types.Run) error {
		if r.AttestationTransactionHash != nil {
			return fmt.Errorf("%w: attestation_transaction_hash", ErrFieldAlreadySet)
		}
		r.AttestationTransactionHash = &hash
		return nil
	})
}

// RecordAttestationUID 記錄 attestation UID
func (s *Service) RecordAttestationUID(ctx context.Context, id types.RunID, uid string) (*types.Run, error) {
	return s.mutate(ctx, id, func(r *types.Run) error {
		if r.AttestationTransactionHash == nil {
			return fmt.Errorf("run: attestation uid recorded before attestation transaction")
		}
		if r.AttestationUID != nil {
			return fmt.Errorf("%w: attestation_uid", ErrFieldAlreadySet)
		}
		r.AttestationUID = &uid
		return nil
	})
}

// RecordError 記錄 Run 的錯誤；已有錯誤時保留第一個
func (s *Service) RecordError(ctx context.Context, id types.RunID, msg string) (*types.Run, error) {
	return s.mutate(ctx, id, func(r *types.Run) error {
		return setError(r, msg)
	})
}

func setError(r *types.Run, msg string) error {
	if r.Error != nil {
		return fmt.Errorf("%w: error", ErrFieldAlreadySet)
	}
	r.Error = &msg
	return nil
}

// mutate 在鎖內讀取、修改並寫回；fn 回傳錯誤時不寫入
func (s *Service) mutate(ctx context.Context, id types.RunID, fn func(r *types.Run) error) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := r.Status()
	if err := fn(r); err != nil {
		return nil, err
	}
	if r.Status() < before {
		return nil, fmt.Errorf("run: status regression %s -> %s", before, r.Status())
	}
	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}
