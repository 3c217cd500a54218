package worker

import (
	"context"
	"time"
)

// Handler 實際執行的工作函式，ctx 帶有任務超時
type Handler func(ctx context.Context) (any, error)

// Task 代表要執行的任務
type Task struct {
	ID      string        // 任務唯一識別碼
	Timeout time.Duration // 執行超時時間，0 表示不設限
	Handler Handler       // 執行邏輯
	Meta    any           // 呼叫端附帶的資料，原樣帶回 Result
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string        // 任務 ID
	Value    any           // Handler 回傳值
	Error    error         // 錯誤訊息（如果有）
	Panicked bool          // Handler 是否 panic
	Meta     any           // 對應 Task.Meta
	Duration time.Duration // 實際執行時間
}

// Success 執行是否成功
func (r Result) Success() bool { return r.Error == nil }
