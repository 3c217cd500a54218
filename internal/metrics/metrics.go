// ============================================================================
// CATTS Engine Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集排程器與 pipeline 的運行指標，透過 /metrics 暴露
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - catts_tasks_scheduled_total{task_type}: 加入排程的任務數
//      - catts_tasks_executed_total{task_type,outcome}: 執行結果（success/retry/cancel）
//      - catts_tasks_exhausted_total{task_type}: 重試預算耗盡被丟棄的任務
//
//   2. Pipeline 計數器 (Counter)：
//      - catts_runs_created_total
//      - catts_payments_verified_total
//      - catts_attestations_submitted_total
//      - catts_rpc_inconsistent_total{method}: 多個 RPC 提供者回傳不一致
//
//   3. 延遲 (Histogram)：
//      - catts_task_duration_seconds{task_type}: 單次執行耗時
//        * 查詢與 RPC 可能需要數秒，桶上限 30s
//
//   4. 狀態 (Gauge)：
//      - catts_tasks_queued: 目前排程中的任務數
//      - catts_recovery_time_seconds: 最近一次啟動恢復耗時
//
// Prometheus 查詢示例:
//
//   # 每分鐘驗證的付款
//   rate(catts_payments_verified_total[1m])
//
//   # CreateAttestation 的重試比例
//   rate(catts_tasks_executed_total{task_type="create_attestation",outcome="retry"}[5m])
//     / rate(catts_tasks_executed_total{task_type="create_attestation"}[5m])
//
//   # 95 分位執行時間
//   histogram_quantile(0.95, rate(catts_task_duration_seconds_bucket[5m]))
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "catts"

// Collector Prometheus 指標收集器
//
// 同時實作 scheduler.Observer、run.Observer、pipeline.Observer 與 evm.Observer。
type Collector struct {
	// 排程器
	tasksScheduled *prometheus.CounterVec
	tasksExecuted  *prometheus.CounterVec
	tasksExhausted *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksQueued    prometheus.Gauge

	// pipeline
	runsCreated           prometheus.Counter
	paymentsVerified      prometheus.Counter
	attestationsSubmitted prometheus.Counter
	rpcInconsistent       *prometheus.CounterVec

	recoveryTime prometheus.Gauge
}

// NewCollector 建立並註冊所有指標；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		tasksScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_scheduled_total",
			Help:      "Total number of tasks added to the schedule",
		}, []string{"task_type"}),
		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_executed_total",
			Help:      "Total number of task executions by outcome",
		}, []string{"task_type", "outcome"}),
		tasksExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_exhausted_total",
			Help:      "Total number of tasks dropped after exhausting their retry budget",
		}, []string{"task_type"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"task_type"}),
		tasksQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_queued",
			Help:      "Current number of scheduled tasks",
		}),
		runsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_created_total",
			Help:      "Total number of runs created",
		}),
		paymentsVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_verified_total",
			Help:      "Total number of run payments verified on chain",
		}),
		attestationsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attestations_submitted_total",
			Help:      "Total number of attestation transactions submitted",
		}),
		rpcInconsistent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_inconsistent_total",
			Help:      "Total number of RPC calls where providers disagreed",
		}, []string{"method"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore state on startup in seconds",
		}),
	}

	reg.MustRegister(
		c.tasksScheduled,
		c.tasksExecuted,
		c.tasksExhausted,
		c.taskDuration,
		c.tasksQueued,
		c.runsCreated,
		c.paymentsVerified,
		c.attestationsSubmitted,
		c.rpcInconsistent,
		c.recoveryTime,
	)
	return c
}

// ============================================================================
// scheduler.Observer
// ============================================================================

// RecordScheduled 記錄任務加入排程
func (c *Collector) RecordScheduled(taskType string) {
	c.tasksScheduled.WithLabelValues(taskType).Inc()
}

// RecordOutcome 記錄一次執行結果與耗時
func (c *Collector) RecordOutcome(taskType, outcome string, seconds float64) {
	c.tasksExecuted.WithLabelValues(taskType, outcome).Inc()
	c.taskDuration.WithLabelValues(taskType).Observe(seconds)
}

// RecordExhausted 記錄重試預算耗盡
func (c *Collector) RecordExhausted(taskType string) {
	c.tasksExhausted.WithLabelValues(taskType).Inc()
}

// SetQueued 更新排程中的任務數
func (c *Collector) SetQueued(n int) {
	c.tasksQueued.Set(float64(n))
}

// ============================================================================
// Pipeline
// ============================================================================

func (c *Collector) RecordRunCreated()           { c.runsCreated.Inc() }
func (c *Collector) RecordPaymentVerified()      { c.paymentsVerified.Inc() }
func (c *Collector) RecordAttestationSubmitted() { c.attestationsSubmitted.Inc() }

// RecordRPCInconsistent 記錄 RPC 提供者結果不一致
func (c *Collector) RecordRPCInconsistent(method string) {
	c.rpcInconsistent.WithLabelValues(method).Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// NewServer 建立暴露 /metrics 的 HTTP 伺服器，由呼叫端負責 ListenAndServe 與 Shutdown
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
