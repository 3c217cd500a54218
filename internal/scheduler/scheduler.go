// ============================================================================
// TaskScheduler - 延遲與重試任務排程器
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
//
// 運作方式:
//   1. AddTask(runAt, task)：runAt 已到期則立即分派，否則存入 Store
//   2. ExecuteTasks()：讀取一次 now，取出所有到期任務，逐一交給 Worker Pool
//   3. resultLoop：接收執行結果並依 Outcome 處理
//        Success → 丟棄
//        Retry   → execute_count+1 < max_retries 時於 now+retry_interval 重新排程
//                  否則視為耗盡，記錄日誌並呼叫 exhausted hook
//        Cancel  → 丟棄
//
// 失敗隔離:
//   每個任務是獨立的失敗單位；executor panic 由 worker 捕獲並視為 Cancel，
//   不會中斷同一批次的其他任務。
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c-atts/catts-app/internal/worker"
	"github.com/c-atts/catts-app/pkg/types"
)

var (
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrNotStarted     = errors.New("scheduler: not started")
)

// Clock 提供目前時間，測試時可替換
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Observer 接收排程事件，通常由 metrics.Collector 實作
type Observer interface {
	RecordScheduled(taskType string)
	RecordOutcome(taskType, outcome string, seconds float64)
	RecordExhausted(taskType string)
	SetQueued(n int)
}

type nopObserver struct{}

func (nopObserver) RecordScheduled(string)                {}
func (nopObserver) RecordOutcome(string, string, float64) {}
func (nopObserver) RecordExhausted(string)                {}
func (nopObserver) SetQueued(int)                         {}

// ExhaustedHook 任務重試預算耗盡時呼叫
type ExhaustedHook func(ctx context.Context, task types.Task, reason string)

// Config 排程器設定
type Config struct {
	WorkerCount int           // Worker 數量
	TaskTimeout time.Duration // 單次執行超時，0 表示不設限
	BufferSize  int           // Worker Pool 通道緩衝
}

// Stats 排程器統計
type Stats struct {
	Queued     int    `json:"queued"`
	Dispatched uint64 `json:"dispatched"`
	Succeeded  uint64 `json:"succeeded"`
	Retried    uint64 `json:"retried"`
	Cancelled  uint64 `json:"cancelled"`
	Exhausted  uint64 `json:"exhausted"`
}

// Option 設定選項
type Option func(*Scheduler)

// WithClock 替換時鐘
func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithObserver 設定事件觀察者
func WithObserver(o Observer) Option { return func(s *Scheduler) { s.observer = o } }

// WithExhaustedHook 設定耗盡 hook
func WithExhaustedHook(h ExhaustedHook) Option { return func(s *Scheduler) { s.onExhausted = h } }

// Scheduler 任務排程器
type Scheduler struct {
	store       Store
	registry    Registry
	pool        *worker.Pool
	clock       Clock
	observer    Observer
	onExhausted ExhaustedHook
	cfg         Config
	logger      *slog.Logger

	ctx    context.Context // 傳給 hook 與重新排程的背景 context
	cancel context.CancelFunc

	inflight sync.WaitGroup // 已分派但結果尚未處理的任務
	loopWg   sync.WaitGroup
	stopCh   chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool

	dispatched atomic.Uint64
	succeeded  atomic.Uint64
	retried    atomic.Uint64
	cancelled  atomic.Uint64
	exhausted  atomic.Uint64
}

// New 建立排程器
func New(store Store, registry Registry, cfg Config, opts ...Option) *Scheduler {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:    store,
		registry: registry,
		pool:     worker.NewPool(cfg.BufferSize),
		clock:    systemClock{},
		observer: nopObserver{},
		cfg:      cfg,
		logger:   slog.With("component", "scheduler"),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 啟動 Worker Pool 與結果處理迴圈；interval > 0 時另啟動定時器迴圈
func (s *Scheduler) Start(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if err := s.pool.Start(s.cfg.WorkerCount); err != nil {
		return err
	}
	s.started = true

	s.loopWg.Add(1)
	go s.resultLoop()

	if interval > 0 {
		s.loopWg.Add(1)
		go s.tickLoop(interval)
	}
	s.logger.Info("scheduler started", "workers", s.cfg.WorkerCount, "tick_interval", interval)
	return nil
}

// Stop 停止定時器，等待已分派任務的結果處理完畢後關閉 Worker Pool
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.inflight.Wait()
	s.pool.Stop()
	s.loopWg.Wait()
	s.cancel()
	s.logger.Info("scheduler stopped")
}

// Wait 阻塞直到所有已分派任務的結果都已套用
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// AddTask 排程任務；runAt <= now 時立即分派
func (s *Scheduler) AddTask(ctx context.Context, runAt time.Time, task types.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = 1
	}
	s.observer.RecordScheduled(string(task.Type))

	if !runAt.After(s.clock.Now()) && s.reserveDispatch(1) {
		// 非同步提交：AddTask 可能由 worker 內的 executor 呼叫，同步提交在通道滿時會死鎖
		go s.submit(task)
		return nil
	}

	if err := s.store.Insert(ctx, runAt, task); err != nil {
		return fmt.Errorf("scheduler: add task %s: %w", task.ID, err)
	}
	s.refreshQueued(ctx)
	return nil
}

// ExecuteTasks 取出並分派所有已到期任務，回傳分派數量
//
// 批次邊界在開始時讀取一次，執行期間新加入的到期任務留待下一次。
func (s *Scheduler) ExecuteTasks(ctx context.Context) (int, error) {
	if !s.acceptingDispatch() {
		return 0, ErrNotStarted
	}
	now := s.clock.Now()
	due, err := s.store.PopDue(ctx, now)
	if err != nil {
		s.logger.Error("pop due tasks", "error", err, "popped", len(due))
	}
	if len(due) > 0 && !s.reserveDispatch(len(due)) {
		// 取出後才停止：放回 Store 等下次啟動
		for _, st := range due {
			if insErr := s.store.Insert(ctx, s.clock.Now(), st.Task); insErr != nil {
				s.logger.Error("requeue task", "task_id", st.Task.ID, "error", insErr)
			}
		}
		return 0, ErrNotStarted
	}
	for _, st := range due {
		s.submit(st.Task)
	}
	s.refreshQueued(ctx)
	return len(due), err
}

// Stats 回傳統計快照
func (s *Scheduler) Stats(ctx context.Context) Stats {
	queued, _ := s.store.Len(ctx)
	return Stats{
		Queued:     queued,
		Dispatched: s.dispatched.Load(),
		Succeeded:  s.succeeded.Load(),
		Retried:    s.retried.Load(),
		Cancelled:  s.cancelled.Load(),
		Exhausted:  s.exhausted.Load(),
	}
}

func (s *Scheduler) acceptingDispatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// reserveDispatch 在排程器運作中時預留 n 個 inflight 名額
//
// 與 Stop 設定 stopped 使用同一把鎖，Stop 開始 Wait 之後不會再有 Add。
func (s *Scheduler) reserveDispatch(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return false
	}
	s.inflight.Add(n)
	return true
}

// submit 交給 Worker Pool；呼叫前必須已 reserveDispatch
func (s *Scheduler) submit(task types.Task) {
	wt := worker.Task{
		ID:      task.ID,
		Timeout: s.cfg.TaskTimeout,
		Meta:    task,
		Handler: func(ctx context.Context) (any, error) {
			exec, ok := s.registry.Lookup(task.Type)
			if !ok {
				return Cancelf("no executor for task type %q", task.Type), nil
			}
			return exec.Execute(ctx, task), nil
		},
	}
	if err := s.pool.Submit(wt); err != nil {
		// Pool 已關閉：放回 Store，重啟後由下一次 ExecuteTasks 取出
		s.logger.Warn("submit failed, requeueing", "task_id", task.ID, "task_type", task.Type, "error", err)
		if insErr := s.store.Insert(s.ctx, s.clock.Now(), task); insErr != nil {
			s.logger.Error("requeue task", "task_id", task.ID, "error", insErr)
		}
		s.inflight.Done()
		return
	}
	s.dispatched.Add(1)
}

func (s *Scheduler) resultLoop() {
	defer s.loopWg.Done()
	for {
		res, err := s.pool.ReceiveResult()
		if err != nil {
			return
		}
		s.handleResult(res)
	}
}

func (s *Scheduler) tickLoop(interval time.Duration) {
	defer s.loopWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.ExecuteTasks(s.ctx); err != nil && !errors.Is(err, ErrNotStarted) {
				s.logger.Error("execute tasks", "error", err)
			}
		}
	}
}

func (s *Scheduler) handleResult(res worker.Result) {
	defer s.inflight.Done()

	task, _ := res.Meta.(types.Task)
	var r Result
	switch {
	case res.Panicked:
		r = Cancelf("executor panic: %v", res.Error)
	case res.Error != nil:
		r = Retryf("%v", res.Error)
	default:
		var ok bool
		if r, ok = res.Value.(Result); !ok {
			r = Cancelf("executor returned %T", res.Value)
		}
	}

	s.observer.RecordOutcome(string(task.Type), r.Outcome.String(), res.Duration.Seconds())
	logger := s.logger.With("task_id", task.ID, "task_type", task.Type, "execute_count", task.ExecuteCount)

	switch r.Outcome {
	case Success:
		s.succeeded.Add(1)
		logger.Debug("task succeeded", "duration", res.Duration)
	case Cancel:
		s.cancelled.Add(1)
		logger.Warn("task cancelled", "reason", r.Reason)
	case Retry:
		s.retry(logger, task, r.Reason)
	default:
		s.cancelled.Add(1)
		logger.Error("unknown outcome", "outcome", r.Outcome)
	}
}

func (s *Scheduler) retry(logger *slog.Logger, task types.Task, reason string) {
	if task.ExecuteCount+1 >= task.MaxRetries {
		s.exhausted.Add(1)
		s.observer.RecordExhausted(string(task.Type))
		logger.Error("task retries exhausted", "max_retries", task.MaxRetries, "reason", reason)
		if s.onExhausted != nil {
			s.onExhausted(s.ctx, task, reason)
		}
		return
	}

	task.ExecuteCount++
	runAt := s.clock.Now().Add(task.RetryInterval)
	if err := s.store.Insert(s.ctx, runAt, task); err != nil {
		logger.Error("reschedule task", "error", err)
		return
	}
	s.retried.Add(1)
	s.refreshQueued(s.ctx)
	logger.Info("task rescheduled", "reason", reason, "run_at", runAt)
}

func (s *Scheduler) refreshQueued(ctx context.Context) {
	if n, err := s.store.Len(ctx); err == nil {
		s.observer.SetQueued(n)
	}
}
