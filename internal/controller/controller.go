// ============================================================================
// CATTS Engine 控制器 - 組裝與生命週期
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝所有模組，負責啟動時的狀態恢復、定期快照與優雅關閉
//
// 組裝關係:
//   - run.Service       Run 狀態機（memory 或 PostgreSQL）
//   - scheduler         延遲/重試任務（memory + WAL 或 Redis）
//   - pipeline          三個任務執行器（付款驗證、attestation、UID）
//   - evm               多提供者 RPC 共識、手續費估算、簽署與廣播
//   - query / script    配方查詢與 processor 執行
//
// 崩潰恢復流程（Start）:
//   1. snapshot.Load()        讀取最新快照（不存在時為空）
//   2. run MemoryStore        還原快照中的 Run，再重放 WAL 的 RUN_UPSERT 事件
//   3. task MemoryStore       還原快照中的任務，再重放 WAL 的 ADD / POP 事件
//   4. scheduler.Start()      啟動 Worker Pool 與定時器
//
// 快照與 WAL 的一致性:
//   快照在 run 與 task 兩個 MemoryStore 的 Checkpoint 都持鎖時寫入（固定先 run
//   後 task），包含當下的任務、Run 與 WAL 最後序號；寫入成功後才旋轉 WAL。
//   旋轉失敗時重放舊事件仍是冪等的。
//
// 關閉順序（Stop）:
//   1. 停止快照循環
//   2. scheduler.Stop()       等待已分派任務的結果套用完畢
//   3. 最後一次快照
//   4. 關閉 WAL 與 RPC 連線
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c-atts/catts-app/internal/chainconfig"
	"github.com/c-atts/catts-app/internal/evm"
	"github.com/c-atts/catts-app/internal/metrics"
	"github.com/c-atts/catts-app/internal/pipeline"
	"github.com/c-atts/catts-app/internal/query"
	"github.com/c-atts/catts-app/internal/recipe"
	"github.com/c-atts/catts-app/internal/run"
	"github.com/c-atts/catts-app/internal/scheduler"
	"github.com/c-atts/catts-app/internal/script"
	"github.com/c-atts/catts-app/internal/snapshot"
	"github.com/c-atts/catts-app/internal/storage/wal"
	"github.com/c-atts/catts-app/pkg/types"
)

var ErrAlreadyStarted = errors.New("controller already started")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkerCount      int           // Worker 數量
	TaskTimeout      time.Duration // 單次任務超時
	TickInterval     time.Duration // 排程器檢查到期任務的間隔
	SnapshotInterval time.Duration // 快照間隔，0 表示只在關閉時快照
	WALPath          string        // WAL 檔案路徑，空字串表示不寫 WAL
	WALBufferSize    int           // WAL 批次緩衝大小
	SnapshotPath     string        // 快照檔案路徑，空字串表示不做快照
	QueryTimeout     time.Duration // 單一配方查詢的 HTTP 超時
	ScriptTimeout    time.Duration // processor 執行時間上限
}

// Deps 外部協作者；nil 欄位使用預設實作
type Deps struct {
	Chains    *chainconfig.Registry // 必填
	Recipes   recipe.Store          // 必填
	Signer    evm.ThresholdSigner   // nil 時產生一次性本地金鑰（僅供開發）
	Clients   evm.Clients           // nil 時依 Chains 的 RPC 端點連線
	Queries   pipeline.QueryRunner  // nil 時使用 query.Runner
	Scripts   pipeline.ScriptEngine // nil 時使用 goja script.Engine
	RunStore  run.Store             // nil 時使用記憶體儲存（由快照持久化）
	TaskStore scheduler.Store       // nil 時使用記憶體儲存 + WAL
	Metrics   *metrics.Collector    // 可為 nil
	Clock     scheduler.Clock       // 測試用
}

// Status 系統狀態
type Status struct {
	Uptime        time.Duration   `json:"uptime"`
	Workers       int             `json:"workers"`
	Scheduler     scheduler.Stats `json:"scheduler"`
	SignerAddress string          `json:"signer_address"`
	Chains        []uint64        `json:"chains"`
}

// Controller 核心控制器
type Controller struct {
	config Config
	deps   Deps

	runs      *run.Service
	runStore  run.Store
	taskStore scheduler.Store
	sched     *scheduler.Scheduler
	pipe      *pipeline.Pipeline
	signer    *evm.Signer
	fees      *evm.FeeEstimator

	wal      *wal.WAL          // 可為 nil
	snapshot *snapshot.Manager // 可為 nil
	closeRPC func()

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	loopWg    sync.WaitGroup

	logger *slog.Logger
}

// ============================================================================
// 組裝
// ============================================================================

// New 組裝 Controller；需要連線 RPC 時使用 ctx
func New(ctx context.Context, config Config, deps Deps) (*Controller, error) {
	if deps.Chains == nil || deps.Recipes == nil {
		return nil, errors.New("controller: chains and recipes are required")
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 30 * time.Second
	}
	if config.ScriptTimeout <= 0 {
		config.ScriptTimeout = 5 * time.Second
	}

	c := &Controller{
		config:   config,
		deps:     deps,
		closeRPC: func() {},
		stopCh:   make(chan struct{}),
		logger:   slog.With("component", "controller"),
	}

	if deps.Clients == nil {
		var opts []evm.ClientOption
		if deps.Metrics != nil {
			opts = append(opts, evm.WithObserver(deps.Metrics))
		}
		clients, closeAll, err := evm.Dial(ctx, deps.Chains.List(), opts...)
		if err != nil {
			return nil, fmt.Errorf("controller: dial rpc: %w", err)
		}
		deps.Clients = clients
		c.closeRPC = closeAll
	}

	if deps.Signer == nil {
		local, err := evm.GenerateLocalSigner()
		if err != nil {
			c.closeRPC()
			return nil, fmt.Errorf("controller: generate signer: %w", err)
		}
		c.logger.Warn("No signer key configured, using an ephemeral local key")
		deps.Signer = local
	}
	if deps.Queries == nil {
		deps.Queries = query.NewRunner(config.QueryTimeout)
	}
	if deps.Scripts == nil {
		deps.Scripts = script.NewEngine(config.ScriptTimeout)
	}

	// 任一儲存使用記憶體實作時，兩者共用同一個 WAL
	if config.WALPath != "" && (deps.RunStore == nil || deps.TaskStore == nil) {
		w, err := wal.NewWAL(config.WALPath, wal.Options{BufferSize: config.WALBufferSize})
		if err != nil {
			c.closeRPC()
			return nil, fmt.Errorf("controller: open wal: %w", err)
		}
		c.wal = w
	}
	c.runStore = deps.RunStore
	if c.runStore == nil {
		var opts []run.StoreOption
		if c.wal != nil {
			opts = append(opts, run.WithWAL(c.wal))
		}
		c.runStore = run.NewMemoryStore(opts...)
	}
	c.taskStore = deps.TaskStore
	if c.taskStore == nil {
		c.taskStore = scheduler.NewMemoryStore(c.wal)
	}
	if config.SnapshotPath != "" {
		c.snapshot = snapshot.NewManager(config.SnapshotPath)
	}
	c.deps = deps

	// 排程器與 pipeline 互相依賴：先建立空的分派表，pipeline 建立後再填入
	registry := scheduler.Registry{}
	schedOpts := []scheduler.Option{scheduler.WithExhaustedHook(c.onExhausted)}
	if deps.Metrics != nil {
		schedOpts = append(schedOpts, scheduler.WithObserver(deps.Metrics))
	}
	if deps.Clock != nil {
		schedOpts = append(schedOpts, scheduler.WithClock(deps.Clock))
	}
	c.sched = scheduler.New(c.taskStore, registry, scheduler.Config{
		WorkerCount: config.WorkerCount,
		TaskTimeout: config.TaskTimeout,
	}, schedOpts...)

	c.fees = evm.NewFeeEstimator(deps.Clients)
	now := time.Now
	if deps.Clock != nil {
		now = deps.Clock.Now
	}
	runOpts := []run.Option{
		run.WithFeeQuoter(c.fees),
		run.WithTaskAdder(c.sched),
		run.WithClock(now),
	}
	if deps.Metrics != nil {
		runOpts = append(runOpts, run.WithObserver(deps.Metrics))
	}
	c.runs = run.NewService(c.runStore, deps.Recipes, deps.Chains, runOpts...)

	c.signer = evm.NewSigner(deps.Signer)
	pd := pipeline.Deps{
		Runs:    c.runs,
		Recipes: deps.Recipes,
		Chains:  deps.Chains,
		Clients: deps.Clients,
		Queries: deps.Queries,
		Scripts: deps.Scripts,
		Sender:  evm.NewTransactor(deps.Clients, c.signer),
		Tasks:   c.sched,
		Now:     now,
	}
	if deps.Metrics != nil {
		pd.Observer = deps.Metrics
	}
	c.pipe = pipeline.New(pd)
	for tt, exec := range c.pipe.Registry() {
		registry[tt] = exec
	}
	return c, nil
}

// Runs 回傳 Run 服務（RPC 層使用）
func (c *Controller) Runs() *run.Service { return c.runs }

// Scheduler 回傳排程器
func (c *Controller) Scheduler() *scheduler.Scheduler { return c.sched }

// ============================================================================
// 啟動與恢復
// ============================================================================

// Start 恢復狀態後啟動排程器與快照循環
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.startTime = time.Now()
	c.mu.Unlock()

	c.logger.Info("Starting recovery...")
	if err := c.recover(); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	recovery := time.Since(c.startTime)
	if c.deps.Metrics != nil {
		c.deps.Metrics.SetRecoveryTime(recovery.Seconds())
	}

	if err := c.sched.Start(c.config.TickInterval); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	// 恢復的任務中可能已有到期的，不等第一個 tick
	if _, err := c.sched.ExecuteTasks(context.Background()); err != nil {
		c.logger.Error("Failed to dispatch recovered tasks", "error", err)
	}

	if c.snapshot != nil && c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	c.logger.Info("Controller started", "workers", c.config.WorkerCount, "recovery", recovery)
	return nil
}

// recover 載入快照並重放 WAL
func (c *Controller) recover() error {
	var data types.SnapshotData
	if c.snapshot != nil {
		var err error
		if data, err = c.snapshot.Load(); err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
	}

	var runsApplied int
	if mem, ok := c.runStore.(*run.MemoryStore); ok {
		mem.Restore(data.Runs)
		applied, err := mem.Replay()
		if err != nil {
			return fmt.Errorf("replay wal runs: %w", err)
		}
		runsApplied = applied
	}

	tasks, ok := c.taskStore.(*scheduler.MemoryStore)
	if !ok {
		c.logger.Info("Snapshot loaded", "runs", len(data.Runs), "wal_runs_applied", runsApplied)
		return nil
	}
	tasks.Restore(data.Tasks)
	applied, err := tasks.Replay()
	if err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}
	c.logger.Info("Snapshot loaded",
		"runs", len(data.Runs),
		"tasks", len(data.Tasks),
		"wal_runs_applied", runsApplied,
		"wal_applied", applied)
	return nil
}

// onExhausted 重試預算耗盡時在 Run 上留下錯誤
func (c *Controller) onExhausted(ctx context.Context, task types.Task, reason string) {
	id, err := pipeline.RunIDFromArgs(task.Args)
	if err != nil {
		c.logger.Warn("Exhausted task has no run id", "task_id", task.ID, "task_type", task.Type)
		return
	}
	msg := fmt.Sprintf("%s: retry budget exhausted: %s", task.Type, reason)
	if _, err := c.runs.RecordError(ctx, id, msg); err != nil && !errors.Is(err, run.ErrFieldAlreadySet) {
		c.logger.Error("Failed to record exhausted task", "run_id", id, "error", err)
	}
}

// ============================================================================
// 快照
// ============================================================================

func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.TakeSnapshot(); err != nil {
				c.logger.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// TakeSnapshot 寫入快照；任務儲存為記憶體模式時同時旋轉 WAL
func (c *Controller) TakeSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	start := time.Now()

	var written, runCount int
	err := c.freezeRuns(func(runs []*types.Run) error {
		runCount = len(runs)
		tasks, ok := c.taskStore.(*scheduler.MemoryStore)
		if ok {
			return tasks.Checkpoint(func(items []types.ScheduledTask, walSeq uint64) error {
				written = len(items)
				return c.snapshot.Write(types.SnapshotData{Tasks: items, Runs: runs, LastSeq: walSeq})
			})
		}

		// 任務在 Redis，只需保存記憶體中的 Run
		if runs == nil {
			return nil
		}
		if c.wal == nil {
			return c.snapshot.Write(types.SnapshotData{Runs: runs})
		}
		if err := c.wal.Flush(); err != nil {
			return err
		}
		if err := c.snapshot.Write(types.SnapshotData{Runs: runs, LastSeq: c.wal.GetLastSeq()}); err != nil {
			return err
		}
		if err := c.wal.Rotate(); err != nil {
			return errors.Join(scheduler.ErrRotateFailed, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("Snapshot taken",
		"duration", time.Since(start),
		"tasks", written,
		"runs", runCount)
	return nil
}

// freezeRuns 在 Run 記憶體儲存持鎖期間呼叫 fn；Run 不在記憶體時傳入 nil
func (c *Controller) freezeRuns(fn func(runs []*types.Run) error) error {
	if mem, ok := c.runStore.(*run.MemoryStore); ok {
		return mem.Checkpoint(fn)
	}
	return fn(nil)
}

// ============================================================================
// 公開方法
// ============================================================================

// GetStatus 取得系統狀態
func (c *Controller) GetStatus(ctx context.Context) Status {
	st := Status{
		Workers:   c.config.WorkerCount,
		Scheduler: c.sched.Stats(ctx),
	}
	c.mu.Lock()
	if c.started {
		st.Uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	if addr, err := c.signer.Address(ctx); err == nil {
		st.SignerAddress = addr.Hex()
	}
	for _, chain := range c.deps.Chains.List() {
		if _, err := c.deps.Clients.Get(chain.ChainID); err == nil {
			st.Chains = append(st.Chains, chain.ChainID)
		}
	}
	return st
}

// Stop 優雅關閉 Controller
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.logger.Info("Stopping controller...")

	close(c.stopCh)
	c.loopWg.Wait()

	// 等待已分派任務的結果寫回，之後的快照才完整
	c.sched.Stop()

	if err := c.TakeSnapshot(); err != nil {
		c.logger.Error("Failed to take final snapshot", "error", err)
	}
	if c.wal != nil {
		if err := c.wal.Close(); err != nil {
			c.logger.Error("Failed to close WAL", "error", err)
		}
	}
	c.closeRPC()

	c.logger.Info("Controller stopped")
}
