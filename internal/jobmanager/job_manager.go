// ============================================================================
// trainfleet 任務佇列 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理訓練任務的完整生命週期、FIFO 佇列與唯一 Assignment
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ Dispatch()
//   Assigned (已分派，唯一 Assignment)
//      ├─ Complete()          → Completed (終止)
//      ├─ Fail() 未達上限      → Pending (佇列尾端)
//      ├─ Fail() 達到上限      → Failed (終止)
//      └─ Requeue()           → Pending (佇列尾端，不計入失敗)
//
// 數據結構設計:
//   jobs map[JobID]*Job - 主存儲，單一真實來源
//   輔助索引:
//   - queue []JobID     - pending 任務隊列，保證 FIFO
//   - assigned map      - 已分派任務索引
//   - completed map     - 已完成任務索引
//   - failed map        - 永久失敗任務索引（failedOrder 保留失敗順序）
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 協調器另持有一把外層鎖，使跨模組操作成為原子操作
//
// ============================================================================

package jobmanager

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/trainfleet/pkg/types"
)

// JobManager 代表任務管理器
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[types.JobID]*types.Job // 所有任務的統一儲存
	queue       []types.JobID              // 待處理佇列
	assigned    map[types.JobID]*types.Job // 已分派任務
	completed   map[types.JobID]*types.Job // 已完成任務
	failed      map[types.JobID]*types.Job // 永久失敗任務
	failedOrder []types.JobID
	now         func() time.Time
}

// NewJobManager 建立新的任務管理器實例
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager() *JobManager {
	return NewJobManagerWithClock(time.Now)
}

// NewJobManagerWithClock 使用指定時鐘建立任務管理器（測試用）
func NewJobManagerWithClock(now func() time.Time) *JobManager {
	if now == nil {
		now = time.Now
	}
	return &JobManager{
		jobs:      make(map[types.JobID]*types.Job),
		queue:     make([]types.JobID, 0),
		assigned:  make(map[types.JobID]*types.Job),
		completed: make(map[types.JobID]*types.Job),
		failed:    make(map[types.JobID]*types.Job),
		now:       now,
	}
}

// Validate 檢查任務規格
//
// 規則：
//   - ID 不可為空白
//   - Config 的值必須是純量（string、number、bool、null）
//
// 錯誤處理：
//   - types.ErrInvalidJob（包裝具體原因）
func Validate(spec types.JobSpec) error {
	if strings.TrimSpace(string(spec.ID)) == "" {
		return fmt.Errorf("%w: empty job id", types.ErrInvalidJob)
	}
	for key, raw := range spec.Config {
		v, err := structpb.NewValue(raw)
		if err != nil {
			return fmt.Errorf("%w: config %q: %v", types.ErrInvalidJob, key, err)
		}
		switch v.GetKind().(type) {
		case *structpb.Value_StructValue, *structpb.Value_ListValue:
			return fmt.Errorf("%w: config %q must be a scalar", types.ErrInvalidJob, key)
		}
	}
	return nil
}

// Enqueue 將任務加入佇列尾端
//
// 錯誤處理：
//   - types.ErrInvalidJob: 規格不合法
//   - types.ErrDuplicateJobID: 相同 ID 仍在非終止狀態
//
// 終止狀態的 ID 可以再次加入；分派序號延續上一輪，確保 (JobID, attempt) 唯一
func (jm *JobManager) Enqueue(spec types.JobSpec) error {
	if err := Validate(spec); err != nil {
		return err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	now := jm.now().UnixMilli()
	if job, exists := jm.jobs[spec.ID]; exists {
		if !job.State.Terminal() {
			return fmt.Errorf("%w: %s", types.ErrDuplicateJobID, spec.ID)
		}
		delete(jm.completed, spec.ID)
		if _, ok := jm.failed[spec.ID]; ok {
			delete(jm.failed, spec.ID)
			jm.failedOrder = removeID(jm.failedOrder, spec.ID)
		}
		job.Spec = spec.Clone()
		job.State = types.JobPending
		job.Failures = 0
		job.Requeues = 0
		job.LastError = ""
		job.CreatedAt = now
		job.UpdatedAt = now
		jm.queue = append(jm.queue, spec.ID)
		return nil
	}

	jm.jobs[spec.ID] = &types.Job{
		Spec:      spec.Clone(),
		State:     types.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	jm.queue = append(jm.queue, spec.ID)
	return nil
}

// Dispatch 取出佇列頭部任務並分派給 workerID
//
// 返回值：
//   - types.Job: 分派後的任務副本（Dispatches 即本次 attempt 序號）
//   - error: 佇列為空時回傳 types.ErrNoJobsAvailable
func (jm *JobManager) Dispatch(workerID string) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for len(jm.queue) > 0 {
		jobID := jm.queue[0]
		jm.queue = jm.queue[1:]

		job, ok := jm.jobs[jobID]
		if !ok || job.State != types.JobPending {
			continue
		}

		now := jm.now().UnixMilli()
		job.State = types.JobAssigned
		job.Dispatches++
		job.WorkerID = workerID
		job.AssignedAt = now
		job.UpdatedAt = now
		jm.assigned[jobID] = job
		return copyJob(job), nil
	}
	return types.Job{}, types.ErrNoJobsAvailable
}

// Assignment 取得任務目前的 Assignment
func (jm *JobManager) Assignment(jobID types.JobID) (types.Assignment, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.assigned[jobID]
	if !ok {
		return types.Assignment{}, false
	}
	return types.Assignment{
		JobID:      jobID,
		WorkerID:   job.WorkerID,
		Attempt:    job.Dispatches,
		AssignedAt: time.UnixMilli(job.AssignedAt),
	}, true
}

// Complete 將 workerID 持有的任務標記為已完成
//
// 錯誤處理：
//   - types.ErrInvalidAssignment: 任務未分派給 workerID
func (jm *JobManager) Complete(jobID types.JobID, workerID string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.heldBy(jobID, workerID)
	if err != nil {
		return err
	}

	job.State = types.JobCompleted
	job.WorkerID = ""
	job.LastError = ""
	job.UpdatedAt = jm.now().UnixMilli()

	delete(jm.assigned, jobID)
	jm.completed[jobID] = job
	return nil
}

// Fail 記錄一次失敗回報
//
// 參數說明：
//   - maxAttempts: 失敗上限，達到後任務進入永久失敗
//
// 返回值：
//   - bool: 任務是否已永久失敗
//   - error: types.ErrInvalidAssignment
func (jm *JobManager) Fail(jobID types.JobID, workerID, reason string, maxAttempts int) (bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.heldBy(jobID, workerID)
	if err != nil {
		return false, err
	}

	job.Failures++
	job.LastError = reason
	job.WorkerID = ""
	job.UpdatedAt = jm.now().UnixMilli()
	delete(jm.assigned, jobID)

	if job.Failures >= maxAttempts {
		job.State = types.JobFailed
		jm.failed[jobID] = job
		jm.failedOrder = append(jm.failedOrder, jobID)
		return true, nil
	}

	job.State = types.JobPending
	jm.queue = append(jm.queue, jobID)
	return false, nil
}

// Requeue 解除 Assignment 並將任務放回佇列尾端，不計入失敗次數
//
// 用於 worker 被驅逐或重新註冊時
func (jm *JobManager) Requeue(jobID types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.assigned[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s is not assigned", types.ErrInvalidAssignment, jobID)
	}

	job.State = types.JobPending
	job.Requeues++
	job.WorkerID = ""
	job.UpdatedAt = jm.now().UnixMilli()

	delete(jm.assigned, jobID)
	jm.queue = append(jm.queue, jobID)
	return nil
}

// heldBy 呼叫者必須持有 jm.mu
func (jm *JobManager) heldBy(jobID types.JobID, workerID string) (*types.Job, error) {
	job, ok := jm.assigned[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s has no active assignment", types.ErrInvalidAssignment, jobID)
	}
	if job.WorkerID != workerID {
		return nil, fmt.Errorf("%w: job %s is assigned to %s, not %s",
			types.ErrInvalidAssignment, jobID, job.WorkerID, workerID)
	}
	return job, nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得任務副本
func (jm *JobManager) Get(jobID types.JobID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return types.Job{}, false
	}
	return copyJob(job), true
}

// PendingIDs 依 FIFO 順序列出待處理任務
func (jm *JobManager) PendingIDs() []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.JobID, 0, len(jm.queue))
	for _, id := range jm.queue {
		if job, ok := jm.jobs[id]; ok && job.State == types.JobPending {
			out = append(out, id)
		}
	}
	return out
}

// AssignedJobs 列出所有已分派任務 ID（依 ID 排序）
//
// 用途：恢復時重新調度崩潰前已分派的任務
func (jm *JobManager) AssignedJobs() []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.JobID, 0, len(jm.assigned))
	for id := range jm.assigned {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FailedJobs 依失敗順序列出永久失敗的任務
func (jm *JobManager) FailedJobs() []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.JobID, len(jm.failedOrder))
	copy(out, jm.failedOrder)
	return out
}

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() types.QueueStats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	pending := 0
	for _, id := range jm.queue {
		if job, ok := jm.jobs[id]; ok && job.State == types.JobPending {
			pending++
		}
	}
	return types.QueueStats{
		Pending:   pending,
		Assigned:  len(jm.assigned),
		Completed: len(jm.completed),
		Failed:    len(jm.failed),
	}
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 生成快照資料（深拷貝）
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobsCopy := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		c := copyJob(job)
		jobsCopy[id] = &c
	}
	order := make([]types.JobID, 0, len(jm.queue))
	for _, id := range jm.queue {
		if job, ok := jm.jobs[id]; ok && job.State == types.JobPending {
			order = append(order, id)
		}
	}

	return types.SnapshotData{
		Jobs:      jobsCopy,
		Order:     order,
		SchemaVer: types.SnapshotSchemaVersion,
		TakenAt:   jm.now().UnixMilli(),
	}
}

// Restore 從快照恢復狀態
//
// pending 任務依 Order 排序；不在 Order 中的 pending 任務依建立時間附加在後
func (jm *JobManager) Restore(data types.SnapshotData) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	jm.queue = make([]types.JobID, 0)
	jm.assigned = make(map[types.JobID]*types.Job)
	jm.completed = make(map[types.JobID]*types.Job)
	jm.failed = make(map[types.JobID]*types.Job)
	jm.failedOrder = nil

	var failed []*types.Job
	for id, job := range data.Jobs {
		if job == nil {
			continue
		}
		if job.Spec.ID != id {
			return fmt.Errorf("snapshot entry %s carries spec id %s", id, job.Spec.ID)
		}
		c := copyJob(job)
		jm.jobs[id] = &c

		switch c.State {
		case types.JobPending:
		case types.JobAssigned:
			jm.assigned[id] = &c
		case types.JobCompleted:
			jm.completed[id] = &c
		case types.JobFailed:
			jm.failed[id] = &c
			failed = append(failed, &c)
		default:
			return fmt.Errorf("snapshot entry %s has unknown state %q", id, c.State)
		}
	}

	seen := make(map[types.JobID]bool, len(data.Order))
	for _, id := range data.Order {
		if job, ok := jm.jobs[id]; ok && job.State == types.JobPending && !seen[id] {
			jm.queue = append(jm.queue, id)
			seen[id] = true
		}
	}
	var rest []*types.Job
	for id, job := range jm.jobs {
		if job.State == types.JobPending && !seen[id] {
			rest = append(rest, job)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].CreatedAt != rest[j].CreatedAt {
			return rest[i].CreatedAt < rest[j].CreatedAt
		}
		return rest[i].Spec.ID < rest[j].Spec.ID
	})
	for _, job := range rest {
		jm.queue = append(jm.queue, job.Spec.ID)
	}

	sort.Slice(failed, func(i, j int) bool { return failed[i].UpdatedAt < failed[j].UpdatedAt })
	for _, job := range failed {
		jm.failedOrder = append(jm.failedOrder, job.Spec.ID)
	}
	return nil
}

// ReplayAttempts 以結果日誌中快照之後的記錄校正任務狀態
//
// 快照是週期性的，結果日誌則逐筆寫入；崩潰後快照中的 Dispatches 可能落後於
// 已記錄的 attempt。recs 必須是同一任務依 attempt 遞增排序的記錄，
// 應在 Restore 之後、重新排隊已分派任務之前呼叫：
//   - Dispatches 提升到最大的 attempt，之後的分派不會重用序號
//   - 非終止任務：快照分派中的 attempt 與之後的 attempt 依序重放，
//     失敗計入 Failures（達到 maxAttempts 即永久失敗），成功即標記為已完成
//
// 返回值：任務狀態是否因此改變
func (jm *JobManager) ReplayAttempts(jobID types.JobID, recs []types.CompletedJobRecord, maxAttempts int) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return false
	}

	changed := false
	for _, rec := range recs {
		held := job.State == types.JobAssigned && rec.Attempt == job.Dispatches
		if rec.Attempt <= job.Dispatches && !held {
			continue
		}
		job.Dispatches = rec.Attempt
		if job.State.Terminal() {
			continue
		}
		changed = true
		if job.State == types.JobAssigned {
			delete(jm.assigned, jobID)
			job.WorkerID = ""
		} else {
			jm.queue = removeID(jm.queue, jobID)
		}
		job.UpdatedAt = rec.CompletedAt.UnixMilli()

		if rec.Success {
			job.State = types.JobCompleted
			job.LastError = ""
			jm.completed[jobID] = job
			continue
		}
		job.Failures++
		job.LastError = rec.Error
		if job.Failures >= maxAttempts {
			job.State = types.JobFailed
			jm.failed[jobID] = job
			jm.failedOrder = append(jm.failedOrder, jobID)
			continue
		}
		job.State = types.JobPending
		jm.queue = append(jm.queue, jobID)
	}
	return changed
}

func copyJob(job *types.Job) types.Job {
	c := *job
	c.Spec = job.Spec.Clone()
	return c
}

func removeID(ids []types.JobID, target types.JobID) []types.JobID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
