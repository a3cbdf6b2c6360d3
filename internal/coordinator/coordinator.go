// ============================================================================
// trainfleet 協調器 - 系統核心
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 協調 worker 註冊、心跳、任務分派與結果彙整，並在重啟後恢復佇列
//
// 架構設計:
//   協調器擁有三個子結構，所有跨結構的變更都在 c.mu 之下完成：
//   - Registry: worker 表（idle / training / offline）
//   - JobManager: FIFO 佇列與每個任務唯一的 Assignment
//   - Aggregator: 已完成嘗試的只追加記錄（可鏡像到 recordlog 檔案）
//
// 背景循環 (2 個 Goroutine):
//   1. Monitor Loop - 每 MonitorInterval 驅逐心跳逾時的 worker，任務放回佇列尾端
//   2. Snapshot Loop - 每 SnapshotInterval 將佇列狀態原子寫入快照
//
// 崩潰恢復流程:
//   Start() 時：
//   1. loadResults() - 從結果日誌載入先前的完成記錄（建構時執行）
//   2. loadSnapshot() - 從快照恢復佇列
//   3. replayResultsLocked() - 快照之後才寫入結果日誌的 attempt 依序重放，
//      校正 attempt 序號、失敗次數與終止狀態
//   4. 快照中仍為 assigned 的任務一律放回佇列（worker 表不持久化，需重新註冊）
//
// 並發安全:
//   - c.mu 串行化所有變更；Registry / JobManager / Aggregator 各自另有 RWMutex
//   - Monitor Loop 與 RPC 共用同一把鎖，驅逐不會與同一 worker 的心跳競爭
//   - stopCh + sync.WaitGroup 用於優雅關閉
//
// ============================================================================

package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/trainfleet/internal/aggregator"
	"github.com/ChuLiYu/trainfleet/internal/jobmanager"
	"github.com/ChuLiYu/trainfleet/internal/metrics"
	"github.com/ChuLiYu/trainfleet/internal/registry"
	"github.com/ChuLiYu/trainfleet/internal/snapshot"
	"github.com/ChuLiYu/trainfleet/internal/storage/recordlog"
	"github.com/ChuLiYu/trainfleet/pkg/types"
)

// 重新排隊原因（metrics label）
const (
	RequeueEviction   = "eviction"
	RequeueReregister = "reregister"
	RequeueRecovery   = "recovery"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 協調器配置
type Config struct {
	HeartbeatTimeout  time.Duration // 心跳逾時，超過即驅逐（預設 90s）
	HeartbeatInterval time.Duration // 告知 agent 的心跳間隔（預設 30s）
	MonitorInterval   time.Duration // 存活檢查間隔（預設 10s）
	OfflineRetention  time.Duration // offline 記錄保留時間（預設 1h）
	MaxAttempts       int           // 失敗上限（預設 3）
	SnapshotPath      string        // 快照檔案路徑，空字串表示不持久化
	SnapshotInterval  time.Duration // 快照間隔
	ResultsLog        string        // 結果匯出日誌路徑，空字串表示只保存在記憶體

	Logger  *slog.Logger
	Metrics *metrics.Collector
	Now     func() time.Time // 時鐘（測試可注入）
}

func (cfg *Config) setDefaults() {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 10 * time.Second
	}
	if cfg.OfflineRetention <= 0 {
		cfg.OfflineRetention = time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector(prometheus.NewRegistry())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// Coordinator 協調器
type Coordinator struct {
	mu         sync.Mutex
	registry   *registry.Registry
	jobs       *jobmanager.JobManager
	results    *aggregator.Aggregator
	resultsLog *recordlog.Log     // 可為 nil
	snapshot   *snapshot.Manager  // 可為 nil
	metrics    *metrics.Collector
	log        *slog.Logger
	config     Config
	now        func() time.Time

	stopCh    chan struct{}
	loopWg    sync.WaitGroup
	started   bool
	stopped   bool
	startTime time.Time
}

// ============================================================================
// 建構與生命週期
// ============================================================================

// New 建立協調器
//
// 若設定了 ResultsLog，先讀回既有記錄再以追加模式開啟
func New(cfg Config) (*Coordinator, error) {
	cfg.setDefaults()

	c := &Coordinator{
		registry:  registry.New(),
		jobs:      jobmanager.NewJobManagerWithClock(cfg.Now),
		metrics:   cfg.Metrics,
		log:       cfg.Logger.With("component", "coordinator"),
		config:    cfg,
		now:       cfg.Now,
		stopCh:    make(chan struct{}),
		startTime: cfg.Now(),
	}

	if cfg.HeartbeatTimeout < 3*cfg.HeartbeatInterval {
		c.log.Warn("Heartbeat timeout shorter than three heartbeat intervals, healthy workers may be evicted",
			"heartbeat_timeout", cfg.HeartbeatTimeout, "heartbeat_interval", cfg.HeartbeatInterval)
	}

	var sink aggregator.Sink
	if cfg.ResultsLog != "" {
		previous, err := recordlog.ReadAll(cfg.ResultsLog)
		if err != nil {
			return nil, fmt.Errorf("failed to read results log: %w", err)
		}
		l, err := recordlog.Open(cfg.ResultsLog, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open results log: %w", err)
		}
		c.resultsLog = l
		sink = l
		c.results = aggregator.New(sink)
		loaded := c.results.Load(previous)
		c.log.Info("Results loaded", "path", cfg.ResultsLog, "records", loaded)
	} else {
		c.results = aggregator.New(nil)
	}

	if cfg.SnapshotPath != "" {
		c.snapshot = snapshot.NewManager(cfg.SnapshotPath)
	}
	return c, nil
}

// Start 恢復快照並啟動背景循環
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.loadSnapshot(); err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}

	c.loopWg.Add(1)
	go c.monitorLoop()
	if c.snapshot != nil {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	c.log.Info("Coordinator started",
		"heartbeat_timeout", c.config.HeartbeatTimeout,
		"monitor_interval", c.config.MonitorInterval,
		"max_attempts", c.config.MaxAttempts)
	return nil
}

// Stop 停止背景循環、寫最後一次快照並關閉結果日誌
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	close(c.stopCh)
	c.loopWg.Wait()

	if started && c.snapshot != nil {
		if err := c.takeSnapshot(); err != nil {
			c.log.Error("Failed to take final snapshot", "error", err)
		}
	}
	if c.resultsLog != nil {
		if err := c.resultsLog.Close(); err != nil {
			c.log.Error("Failed to close results log", "error", err)
		}
	}
	c.log.Info("Coordinator stopped")
}

// loadSnapshot 從快照恢復佇列；已分派的任務放回佇列尾端
func (c *Coordinator) loadSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	start := time.Now()

	data, err := c.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.jobs.Restore(data); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	replayed := c.replayResultsLocked()
	requeued := 0
	for _, jobID := range c.jobs.AssignedJobs() {
		if err := c.jobs.Requeue(jobID); err != nil {
			c.log.Error("Failed to requeue assigned job during recovery", "job", jobID, "error", err)
			continue
		}
		c.metrics.RecordRequeue(RequeueRecovery)
		requeued++
	}

	elapsed := time.Since(start)
	c.metrics.SetRecoveryTime(elapsed.Seconds())
	c.updateGaugesLocked()
	c.log.Info("Snapshot loaded",
		"duration", elapsed,
		"jobs", len(data.Jobs),
		"replayed_jobs", replayed,
		"requeued_jobs", requeued)
	return nil
}

// replayResultsLocked 以結果日誌校正快照之後才記錄的 attempt
//
// 避免崩潰後重用 attempt 序號（重複鍵會被 aggregator 拒絕），
// 也避免崩潰重設重試上限。呼叫者必須持有 c.mu
func (c *Coordinator) replayResultsLocked() int {
	byJob := make(map[types.JobID][]types.CompletedJobRecord)
	for _, rec := range c.results.Query(aggregator.Filter{}) {
		byJob[rec.JobID] = append(byJob[rec.JobID], rec)
	}

	replayed := 0
	for jobID, recs := range byJob {
		sort.Slice(recs, func(i, j int) bool { return recs[i].Attempt < recs[j].Attempt })
		if c.jobs.ReplayAttempts(jobID, recs, c.config.MaxAttempts) {
			replayed++
			job, _ := c.jobs.Get(jobID)
			c.log.Warn("Job state replayed from results log",
				"job", jobID, "state", job.State, "attempt", job.Dispatches, "failures", job.Failures)
		}
	}
	return replayed
}

// ============================================================================
// 協調器 API
// ============================================================================

// Register 註冊（或重新註冊）worker，回傳 worker ID（即位址）
//
// 重新註冊時若 worker 仍持有任務，代表 agent 重啟後遺失了該任務：
// 解除 Assignment 並將任務放回佇列尾端，不計入失敗
func (c *Coordinator) Register(address, hostname string, caps map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	workerID, orphaned, err := c.registry.Register(address, hostname, caps, c.now())
	if err != nil {
		return "", err
	}
	if orphaned != "" {
		if err := c.jobs.Requeue(orphaned); err != nil {
			c.log.Error("Failed to requeue orphaned job", "worker", workerID, "job", orphaned, "error", err)
		} else {
			c.metrics.RecordRequeue(RequeueReregister)
			c.log.Warn("Worker re-registered while holding a job, requeued",
				"worker", workerID, "job", orphaned)
		}
	}

	c.updateGaugesLocked()
	c.log.Info("Worker registered", "worker", workerID, "hostname", hostname)
	return workerID, nil
}

// Heartbeat 更新 worker 最後心跳時間
//
// 錯誤處理：
//   - types.ErrUnknownWorker: 未註冊或已被驅逐，agent 應重新註冊
func (c *Coordinator) Heartbeat(workerID, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.registry.Heartbeat(workerID, status, c.now())
}

// RequestJob 取出佇列頭部任務分派給 worker
//
// 返回值：
//   - types.JobSpec: 任務規格
//   - int: 本次 attempt 序號
//   - error: types.ErrNoJobsAvailable / ErrUnknownWorker / ErrWorkerBusy
func (c *Coordinator) RequestJob(workerID string) (types.JobSpec, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.registry.CheckLive(workerID)
	if err != nil {
		return types.JobSpec{}, 0, err
	}
	if rec.CurrentJob != "" {
		return types.JobSpec{}, 0, fmt.Errorf("%w: %s is training %s", types.ErrWorkerBusy, workerID, rec.CurrentJob)
	}

	job, err := c.jobs.Dispatch(workerID)
	if err != nil {
		return types.JobSpec{}, 0, err
	}
	if err := c.registry.Assign(workerID, job.Spec.ID); err != nil {
		// 前面已檢查過，這裡失敗代表狀態不一致；任務放回佇列避免遺失
		if rqErr := c.jobs.Requeue(job.Spec.ID); rqErr != nil {
			c.log.Error("Failed to requeue after assign failure", "job", job.Spec.ID, "error", rqErr)
		}
		return types.JobSpec{}, 0, err
	}

	c.metrics.RecordDispatch()
	c.updateGaugesLocked()
	c.log.Info("Job dispatched", "job", job.Spec.ID, "worker", workerID, "attempt", job.Dispatches)
	return job.Spec, job.Dispatches, nil
}

// ReportResult 接收 worker 的執行結果
//
// Assignment 必須存在且屬於 workerID，否則回傳 types.ErrInvalidAssignment 且不做任何變更
//
// 成功：記錄、任務完成、worker 回到 idle
// 失敗：記錄、失敗次數 +1；未達上限放回佇列尾端，否則永久失敗
func (c *Coordinator) ReportResult(workerID string, jobID types.JobID, success bool, payload types.ResultPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	asg, ok := c.jobs.Assignment(jobID)
	if !ok {
		return fmt.Errorf("%w: job %s has no active assignment", types.ErrInvalidAssignment, jobID)
	}
	if asg.WorkerID != workerID {
		return fmt.Errorf("%w: job %s is assigned to %s, not %s",
			types.ErrInvalidAssignment, jobID, asg.WorkerID, workerID)
	}

	now := c.now()
	duration := now.Sub(asg.AssignedAt)
	if duration < 0 {
		duration = 0
	}
	rec := types.CompletedJobRecord{
		JobID:       jobID,
		Attempt:     asg.Attempt,
		WorkerID:    workerID,
		Success:     success,
		Metrics:     payload.Metrics,
		ArtifactRef: payload.ArtifactRef,
		Error:       payload.Error,
		CompletedAt: now,
		Duration:    duration,
	}
	if w, ok := c.registry.Get(workerID); ok {
		rec.Hostname = w.Hostname
	}

	if success {
		if err := c.jobs.Complete(jobID, workerID); err != nil {
			return err
		}
		c.metrics.RecordCompleted(duration.Seconds())
		c.log.Info("Job completed", "job", jobID, "worker", workerID, "attempt", asg.Attempt, "duration", duration)
	} else {
		reason := payload.Error
		if reason == "" {
			reason = "execution failed"
		}
		dead, err := c.jobs.Fail(jobID, workerID, reason, c.config.MaxAttempts)
		if err != nil {
			return err
		}
		c.metrics.RecordFailed(duration.Seconds())
		if dead {
			c.metrics.RecordExhausted()
			c.log.Warn("Job permanently failed", "job", jobID, "worker", workerID, "attempt", asg.Attempt, "error", reason)
		} else {
			c.log.Info("Job failed, requeued", "job", jobID, "worker", workerID, "attempt", asg.Attempt, "error", reason)
		}
	}
	c.registry.Release(workerID, jobID)

	if err := c.results.Append(rec); err != nil {
		// 記憶體中的記錄已保留（或為重複），狀態轉換不回滾
		c.log.Error("Failed to record result", "job", jobID, "attempt", asg.Attempt, "error", err)
	}
	c.updateGaugesLocked()
	return nil
}

// EnqueueJob 驗證並加入任務
//
// 錯誤處理：
//   - types.ErrInvalidJob
//   - types.ErrDuplicateJobID
func (c *Coordinator) EnqueueJob(spec types.JobSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.jobs.Enqueue(spec); err != nil {
		return err
	}
	c.metrics.RecordEnqueue()
	c.updateGaugesLocked()
	c.log.Debug("Job enqueued", "job", spec.ID)
	return nil
}

// EnqueueJobs 依序加入多個任務；遇到第一個錯誤即停止並回傳已加入數量
func (c *Coordinator) EnqueueJobs(specs []types.JobSpec) (int, error) {
	for i, spec := range specs {
		if err := c.EnqueueJob(spec); err != nil {
			return i, fmt.Errorf("job %q: %w", spec.ID, err)
		}
	}
	return len(specs), nil
}

// Status 取得協調器狀態摘要
func (c *Coordinator) Status() types.StatusSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	return types.StatusSummary{
		Workers:    c.registry.List(),
		Queue:      c.jobs.Stats(),
		FailedJobs: c.jobs.FailedJobs(),
		Results:    c.results.Count(),
		Uptime:     c.now().Sub(c.startTime),
	}
}

// ListWorkers 取得 worker 表的深拷貝，依位址排序
func (c *Coordinator) ListWorkers() []types.WorkerRecord {
	return c.registry.List()
}

// ListResults 查詢已完成的嘗試記錄
func (c *Coordinator) ListResults(f aggregator.Filter) []types.CompletedJobRecord {
	return c.results.Query(f)
}

// Job 取得任務副本
func (c *Coordinator) Job(jobID types.JobID) (types.Job, bool) {
	return c.jobs.Get(jobID)
}

// HeartbeatInterval 告知 agent 的心跳間隔
func (c *Coordinator) HeartbeatInterval() time.Duration {
	return c.config.HeartbeatInterval
}

// ============================================================================
// 背景循環
// ============================================================================

// monitorLoop 定期執行存活檢查
func (c *Coordinator) monitorLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Debug("Monitor loop stopped")
			return
		case <-ticker.C:
			c.checkLiveness()
		}
	}
}

// checkLiveness 驅逐心跳逾時的 worker，任務恰好放回佇列一次
func (c *Coordinator) checkLiveness() []registry.Eviction {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := c.registry.Expire(now, c.config.HeartbeatTimeout)
	for _, ev := range evicted {
		c.metrics.RecordEviction()
		if ev.Job == "" {
			c.log.Warn("Worker evicted", "worker", ev.WorkerID, "silence", ev.Silence)
			continue
		}
		if err := c.jobs.Requeue(ev.Job); err != nil {
			c.log.Error("Failed to requeue job of evicted worker", "worker", ev.WorkerID, "job", ev.Job, "error", err)
			continue
		}
		c.metrics.RecordRequeue(RequeueEviction)
		c.log.Warn("Worker evicted, job requeued", "worker", ev.WorkerID, "job", ev.Job, "silence", ev.Silence)
	}

	for _, addr := range c.registry.Prune(now, c.config.OfflineRetention) {
		c.log.Info("Offline worker pruned", "worker", addr)
	}
	c.updateGaugesLocked()
	return evicted
}

// snapshotLoop 定期生成快照
func (c *Coordinator) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Debug("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				c.log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot 在鎖內取得狀態，鎖外寫檔
func (c *Coordinator) takeSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	start := time.Now()

	c.mu.Lock()
	data := c.jobs.Snapshot()
	c.mu.Unlock()

	if err := c.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	c.log.Debug("Snapshot taken", "duration", time.Since(start), "jobs", len(data.Jobs))
	return nil
}

// updateGaugesLocked 呼叫者必須持有 c.mu
func (c *Coordinator) updateGaugesLocked() {
	stats := c.jobs.Stats()
	c.metrics.UpdateQueueStats(stats.Pending, stats.Assigned)

	counts := make(map[string]int)
	for status, n := range c.registry.CountByStatus() {
		counts[string(status)] = n
	}
	c.metrics.UpdateWorkers(counts)
}
