package scheduler

import (
	"context"
	"fmt"

	"github.com/c-atts/catts-app/pkg/types"
)

// Outcome 任務執行結果類型
type Outcome int

const (
	Success Outcome = iota // 完成，丟棄任務
	Retry                  // 暫時性失敗，依重試預算重新排程
	Cancel                 // 確定性失敗，立即丟棄
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result 由 Executor 回傳
type Result struct {
	Outcome Outcome
	Reason  string
}

// Ok 成功結果
func Ok() Result { return Result{Outcome: Success} }

// Retryf 建立 Retry 結果
func Retryf(format string, args ...any) Result {
	return Result{Outcome: Retry, Reason: fmt.Sprintf(format, args...)}
}

// Cancelf 建立 Cancel 結果
func Cancelf(format string, args ...any) Result {
	return Result{Outcome: Cancel, Reason: fmt.Sprintf(format, args...)}
}

// Executor 執行某一類型的任務
//
// Execute 不應 panic；若發生 panic，排程器會將其視為 Cancel。
type Executor interface {
	Execute(ctx context.Context, task types.Task) Result
}

// ExecutorFunc 讓普通函式滿足 Executor
type ExecutorFunc func(ctx context.Context, task types.Task) Result

func (f ExecutorFunc) Execute(ctx context.Context, task types.Task) Result { return f(ctx, task) }

// Registry 任務類型到 Executor 的分派表
type Registry map[types.TaskType]Executor

// Lookup 找不到對應類型時回傳 false
func (r Registry) Lookup(t types.TaskType) (Executor, bool) {
	e, ok := r[t]
	return e, ok && e != nil
}
