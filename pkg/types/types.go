// Package types 定義了 catts-engine 系統中使用的核心領域模型
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RunID Run 的唯一識別碼（12 bytes，由 creator + created 雜湊而來）
type RunID [12]byte

// RecipeID 配方識別碼（12 bytes）
type RecipeID [12]byte

// String 以 0x 開頭的十六進位字串表示
func (id RunID) String() string { return "0x" + hex.EncodeToString(id[:]) }

// MarshalText implements encoding.TextMarshaler.
func (id RunID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *RunID) UnmarshalText(text []byte) error {
	b, err := decode12(string(text))
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	*id = b
	return nil
}

func (id RecipeID) String() string { return "0x" + hex.EncodeToString(id[:]) }

func (id RecipeID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *RecipeID) UnmarshalText(text []byte) error {
	b, err := decode12(string(text))
	if err != nil {
		return fmt.Errorf("recipe id: %w", err)
	}
	*id = b
	return nil
}

// ParseRunID 解析 0x 十六進位字串為 RunID
func ParseRunID(s string) (RunID, error) {
	var id RunID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

// ParseRecipeID 解析 0x 十六進位字串為 RecipeID
func ParseRecipeID(s string) (RecipeID, error) {
	var id RecipeID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

func decode12(s string) ([12]byte, error) {
	var out [12]byte
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("expected 12 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// RunStatus Run 的衍生狀態，全序且單調遞增
type RunStatus int

// 定義 Run 狀態常數
const (
	StatusPaymentPending          RunStatus = iota // 等待付款
	StatusPaymentRegistered                        // 已登記付款交易
	StatusPaymentVerified                          // 鏈上付款已驗證
	StatusAttestationCreated                       // Attestation 交易已送出
	StatusAttestationUidConfirmed                  // Attestation UID 已確認
)

func (s RunStatus) String() string {
	switch s {
	case StatusPaymentPending:
		return "payment_pending"
	case StatusPaymentRegistered:
		return "payment_registered"
	case StatusPaymentVerified:
		return "payment_verified"
	case StatusAttestationCreated:
		return "attestation_created"
	case StatusAttestationUidConfirmed:
		return "attestation_uid_confirmed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// PaymentVerifiedStatus 付款驗證狀態
type PaymentVerifiedStatus string

const (
	PaymentPending            PaymentVerifiedStatus = "pending"
	PaymentVerified           PaymentVerifiedStatus = "verified"
	PaymentVerificationFailed PaymentVerifiedStatus = "verification_failed"
)

// Run 代表一個已付費的工作單元
type Run struct {
	// 識別與建立資訊
	ID       RunID          `json:"id"`
	RecipeID RecipeID       `json:"recipe_id"`
	Creator  common.Address `json:"creator"`
	Created  int64          `json:"created"` // Unix 奈秒
	ChainID  uint64         `json:"chain_id"`

	// 費用（建立時估算，皆為可選）
	Gas                  *big.Int `json:"gas,omitempty"`
	BaseFeePerGas        *big.Int `json:"base_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"max_priority_fee_per_gas,omitempty"`
	UserFee              *big.Int `json:"user_fee,omitempty"`

	// 付款
	PaymentTransactionHash *string                `json:"payment_transaction_hash,omitempty"`
	PaymentBlockNumber     *uint64                `json:"payment_block_number,omitempty"`
	PaymentLogIndex        *uint64                `json:"payment_log_index,omitempty"`
	PaymentVerifiedStatus  *PaymentVerifiedStatus `json:"payment_verified_status,omitempty"`

	// Attestation
	AttestationTransactionHash *string `json:"attestation_transaction_hash,omitempty"`
	AttestationUID             *string `json:"attestation_uid,omitempty"`

	// 終止與錯誤標記（與狀態正交）
	IsCancelled bool    `json:"is_cancelled"`
	Error       *string `json:"error,omitempty"`
}

// Status 由欄位推導出的狀態，不另行儲存
func (r *Run) Status() RunStatus {
	switch {
	case r.AttestationUID != nil:
		return StatusAttestationUidConfirmed
	case r.AttestationTransactionHash != nil:
		return StatusAttestationCreated
	case r.PaymentBlockNumber != nil:
		return StatusPaymentVerified
	case r.PaymentTransactionHash != nil:
		return StatusPaymentRegistered
	default:
		return StatusPaymentPending
	}
}

// Clone 深拷貝，避免呼叫端修改儲存中的資料
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Gas = cloneBig(r.Gas)
	c.BaseFeePerGas = cloneBig(r.BaseFeePerGas)
	c.MaxPriorityFeePerGas = cloneBig(r.MaxPriorityFeePerGas)
	c.UserFee = cloneBig(r.UserFee)
	c.PaymentTransactionHash = cloneStr(r.PaymentTransactionHash)
	c.PaymentBlockNumber = cloneU64(r.PaymentBlockNumber)
	c.PaymentLogIndex = cloneU64(r.PaymentLogIndex)
	if r.PaymentVerifiedStatus != nil {
		s := *r.PaymentVerifiedStatus
		c.PaymentVerifiedStatus = &s
	}
	c.AttestationTransactionHash = cloneStr(r.AttestationTransactionHash)
	c.AttestationUID = cloneStr(r.AttestationUID)
	c.Error = cloneStr(r.Error)
	return &c
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneStr(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneU64(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// TaskType 任務類型，決定由哪個 executor 執行
type TaskType string

const (
	TaskProcessRunPayment TaskType = "process_run_payment"
	TaskCreateAttestation TaskType = "create_attestation"
	TaskGetAttestationUid TaskType = "get_attestation_uid"
)

// Task 可延遲、可重試的工作單元
type Task struct {
	ID            string          `json:"id"`             // 任務識別碼（重試時保留）
	Type          TaskType        `json:"task_type"`      // 任務類型
	Args          json.RawMessage `json:"args"`           // 依類型而定的參數
	MaxRetries    uint32          `json:"max_retries"`    // 最大執行次數
	ExecuteCount  uint32          `json:"execute_count"`  // 已重試次數
	RetryInterval time.Duration   `json:"retry_interval"` // 重試間隔
}

// ScheduledTask 排程中的任務與其執行時間
type ScheduledTask struct {
	RunAt int64  `json:"run_at"` // Unix 奈秒
	Seq   uint64 `json:"seq"`    // 插入序號，相同 RunAt 時 FIFO
	Task  Task   `json:"task"`
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Tasks     []ScheduledTask `json:"tasks"`      // 所有排程中的任務
	Runs      []*Run          `json:"runs"`       // 記憶體模式下的所有 Run
	SchemaVer int             `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64          `json:"last_seq"`   // WAL 最後序號
}
