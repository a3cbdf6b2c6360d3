// ============================================================================
// trainfleet Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露協調器與 worker agent 的運行指標
//
// 指標分類:
//
//   1. 協調器任務計數器 (Counter)：
//      - trainfleet_jobs_enqueued_total: 入隊任務總數
//      - trainfleet_jobs_dispatched_total: 已分派次數
//      - trainfleet_jobs_completed_total: 成功完成次數
//      - trainfleet_jobs_failed_total: 失敗回報次數（每次嘗試）
//      - trainfleet_jobs_exhausted_total: 達到重試上限而永久失敗的任務數
//      - trainfleet_jobs_requeued_total{reason}: 因驅逐 / 重新註冊而放回佇列
//      - trainfleet_worker_evictions_total: 心跳逾時驅逐次數
//
//   2. 性能指標 (Histogram)：
//      - trainfleet_job_duration_seconds: 從分派到回報的時間
//        * 訓練任務通常以小時計，桶從 1s 指數成長到約 3 天
//      - trainfleet_rpc_duration_seconds{method,code}: gRPC 處理時間
//
//   3. 狀態指標 (Gauge)：
//      - trainfleet_jobs_pending / trainfleet_jobs_in_flight
//      - trainfleet_workers{status}
//      - trainfleet_recovery_time_seconds: 最近一次從快照恢復的時間
//
//   4. Agent 指標：
//      - trainfleet_agent_state{state}: 目前狀態（one-hot）
//      - trainfleet_agent_heartbeats_total{result}
//      - trainfleet_agent_executions_total{outcome}
//      - trainfleet_agent_autonomous_runs_total
//      - trainfleet_agent_breaker_transitions_total{to}
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(trainfleet_jobs_failed_total[1h]) / rate(trainfleet_jobs_dispatched_total[1h])
//
//   # 任務積壓
//   trainfleet_jobs_pending + trainfleet_jobs_in_flight
//
// 所有收集器都註冊到呼叫者提供的 prometheus.Registerer，測試時可使用獨立 Registry
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 協調器指標收集器
type Collector struct {
	// 任務相關指標
	jobsEnqueued   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsExhausted  prometheus.Counter
	jobsRequeued   *prometheus.CounterVec
	evictions      prometheus.Counter

	// 效能指標
	jobDuration  prometheus.Histogram
	rpcDuration  *prometheus.HistogramVec
	recoveryTime prometheus.Gauge

	// 狀態指標
	jobsPending  prometheus.Gauge
	jobsInFlight prometheus.Gauge
	workers      *prometheus.GaugeVec
}

// NewCollector 創建協調器指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trainfleet_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trainfleet_jobs_dispatched_total",
			Help: "Total number of job dispatches to workers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trainfleet_jobs_completed_total",
			Help: "Total number of attempts reported as successful",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trainfleet_jobs_failed_total",
			Help: "Total number of attempts reported as failed",
		}),
		jobsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trainfleet_jobs_exhausted_total",
			Help: "Total number of jobs that reached the failure limit",
		}),
		jobsRequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainfleet_jobs_requeued_total",
			Help: "Jobs returned to the queue without counting a failure",
		}, []string{"reason"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trainfleet_worker_evictions_total",
			Help: "Workers evicted after missing heartbeats",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trainfleet_job_duration_seconds",
			Help:    "Time from dispatch to result report",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trainfleet_rpc_duration_seconds",
			Help:    "Coordinator RPC handling time",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "code"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trainfleet_recovery_time_seconds",
			Help: "Time taken to restore queue state on startup",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trainfleet_jobs_pending",
			Help: "Current number of pending jobs",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trainfleet_jobs_in_flight",
			Help: "Current number of assigned jobs",
		}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trainfleet_workers",
			Help: "Registered workers by status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsExhausted,
		c.jobsRequeued,
		c.evictions,
		c.jobDuration,
		c.rpcDuration,
		c.recoveryTime,
		c.jobsPending,
		c.jobsInFlight,
		c.workers,
	)
	return c
}

// RecordEnqueue 記錄任務加入佇列
func (c *Collector) RecordEnqueue() { c.jobsEnqueued.Inc() }

// RecordDispatch 記錄任務分派
func (c *Collector) RecordDispatch() { c.jobsDispatched.Inc() }

// RecordCompleted 記錄成功回報
func (c *Collector) RecordCompleted(durationSeconds float64) {
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordFailed 記錄失敗回報
func (c *Collector) RecordFailed(durationSeconds float64) {
	c.jobsFailed.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordExhausted 記錄任務永久失敗
func (c *Collector) RecordExhausted() { c.jobsExhausted.Inc() }

// RecordRequeue 記錄不計入失敗的重新排隊
func (c *Collector) RecordRequeue(reason string) { c.jobsRequeued.WithLabelValues(reason).Inc() }

// RecordEviction 記錄 worker 被驅逐
func (c *Collector) RecordEviction() { c.evictions.Inc() }

// ObserveRPC 記錄 RPC 處理時間
func (c *Collector) ObserveRPC(method, code string, seconds float64) {
	c.rpcDuration.WithLabelValues(method, code).Observe(seconds)
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) { c.recoveryTime.Set(seconds) }

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, inFlight int) {
	c.jobsPending.Set(float64(pending))
	c.jobsInFlight.Set(float64(inFlight))
}

// UpdateWorkers 更新各狀態 worker 數量
func (c *Collector) UpdateWorkers(counts map[string]int) {
	for status, n := range counts {
		c.workers.WithLabelValues(status).Set(float64(n))
	}
}

// ============================================================================
// Agent 指標
// ============================================================================

// AgentCollector worker agent 指標收集器
type AgentCollector struct {
	state          *prometheus.GaugeVec
	heartbeats     *prometheus.CounterVec
	executions     *prometheus.CounterVec
	autonomousRuns prometheus.Counter
	breaker        *prometheus.CounterVec
	states         []string
}

// NewAgentCollector 創建 agent 指標收集器；states 為所有可能狀態名稱
func NewAgentCollector(reg prometheus.Registerer, states []string) *AgentCollector {
	c := &AgentCollector{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trainfleet_agent_state",
			Help: "Current agent state (1 for the active state)",
		}, []string{"state"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainfleet_agent_heartbeats_total",
			Help: "Heartbeats sent by result",
		}, []string{"result"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainfleet_agent_executions_total",
			Help: "Jobs executed by outcome",
		}, []string{"outcome"}),
		autonomousRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trainfleet_agent_autonomous_runs_total",
			Help: "Default-job runs executed while the coordinator was unreachable",
		}),
		breaker: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainfleet_agent_breaker_transitions_total",
			Help: "Coordinator circuit breaker state transitions",
		}, []string{"to"}),
		states: states,
	}
	reg.MustRegister(c.state, c.heartbeats, c.executions, c.autonomousRuns, c.breaker)
	return c
}

// SetState 設定目前狀態（其餘狀態歸零）
func (c *AgentCollector) SetState(current string) {
	for _, s := range c.states {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(s).Set(v)
	}
}

// RecordHeartbeat 記錄心跳結果（ok / unknown_worker / error）
func (c *AgentCollector) RecordHeartbeat(result string) { c.heartbeats.WithLabelValues(result).Inc() }

// RecordExecution 記錄執行結果（success / failure）
func (c *AgentCollector) RecordExecution(outcome string) { c.executions.WithLabelValues(outcome).Inc() }

// RecordAutonomousRun 記錄自主模式執行
func (c *AgentCollector) RecordAutonomousRun() { c.autonomousRuns.Inc() }

// RecordBreakerTransition 記錄斷路器狀態轉換
func (c *AgentCollector) RecordBreakerTransition(to string) { c.breaker.WithLabelValues(to).Inc() }

// Handler 回傳 /metrics 端點的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
