// Package types 定義了 trainfleet 系統中使用的核心領域模型
package types

import (
	"errors"
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobState 任務在協調器佇列中的狀態
type JobState string

// 定義任務狀態常數
const (
	JobPending   JobState = "pending"   // 待處理：在 FIFO 佇列中等待分派
	JobAssigned  JobState = "assigned"  // 已分派：某個 worker 持有唯一的 Assignment
	JobCompleted JobState = "completed" // 已完成：成功回報，終止狀態
	JobFailed    JobState = "failed"    // 永久失敗：失敗次數達到上限，終止狀態
)

// Terminal 是否為終止狀態
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// WorkerStatus worker 狀態
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"     // 閒置，可接受任務
	WorkerTraining WorkerStatus = "training" // 執行中，持有 CurrentJob
	WorkerOffline  WorkerStatus = "offline"  // 心跳逾時已被驅逐，保留作稽核
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownWorker worker 未註冊或已被驅逐，需要重新註冊
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrInvalidAssignment 回報的任務與 worker 目前的 Assignment 不符
	ErrInvalidAssignment = errors.New("invalid assignment")
	// ErrDuplicateJobID 任務 ID 已存在於非終止狀態
	ErrDuplicateJobID = errors.New("duplicate job id")
	// ErrNoJobsAvailable 佇列為空（訊號，不是錯誤狀態）
	ErrNoJobsAvailable = errors.New("no jobs available")
	// ErrWorkerBusy worker 已持有一個 Assignment
	ErrWorkerBusy = errors.New("worker already holds an assignment")
	// ErrInvalidJob 任務規格不合法（空 ID 或非純量 config）
	ErrInvalidJob = errors.New("invalid job spec")
	// ErrUnreachable 協調器無法連線（傳輸錯誤、逾時或斷路器開啟）
	ErrUnreachable = errors.New("coordinator unreachable")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// JobSpec 由操作者提交的不可變任務規格
// Config 僅允許純量值（string、number、bool、null）
type JobSpec struct {
	ID          JobID                  `json:"id" yaml:"id"`
	Description string                 `json:"description,omitempty" yaml:"description"`
	Config      map[string]interface{} `json:"config,omitempty" yaml:"config"`
}

// Clone 深拷貝（config 只含純量，淺拷貝 map 即可）
func (s JobSpec) Clone() JobSpec {
	out := s
	if s.Config != nil {
		out.Config = make(map[string]interface{}, len(s.Config))
		for k, v := range s.Config {
			out.Config[k] = v
		}
	}
	return out
}

// Job 佇列對單一 JobSpec 的簿記
type Job struct {
	Spec  JobSpec  `json:"spec"`
	State JobState `json:"state"`

	// Dispatches 最近一次分派的序號，用作 CompletedJobRecord 的 attempt
	Dispatches int `json:"dispatches"`
	// Failures 計入重試上限的失敗回報次數
	Failures int `json:"failures"`
	// Requeues 因驅逐或重新註冊而放回佇列的次數（不計入失敗）
	Requeues int `json:"requeues"`

	WorkerID   string `json:"worker_id,omitempty"`   // 目前持有此任務的 worker
	AssignedAt int64  `json:"assigned_at,omitempty"` // 分派時間（Unix 毫秒）
	CreatedAt  int64  `json:"created_at"`            // 建立時間（Unix 毫秒）
	UpdatedAt  int64  `json:"updated_at"`            // 最後更新時間（Unix 毫秒）
	LastError  string `json:"last_error,omitempty"`  // 最近一次失敗的錯誤訊息
}

// Assignment 任務到 worker 的綁定，每個任務最多一個
type Assignment struct {
	JobID      JobID     `json:"job_id"`
	WorkerID   string    `json:"worker_id"`
	Attempt    int       `json:"attempt"`
	AssignedAt time.Time `json:"assigned_at"`
}

// WorkerRecord 協調器對單一 worker 的權威記錄，以網路位址為鍵
//
// 不變式：CurrentJob 非空 ⇔ Status == WorkerTraining
type WorkerRecord struct {
	Address        string            `json:"address"`
	Hostname       string            `json:"hostname"`
	Capabilities   map[string]string `json:"capabilities,omitempty"`
	Status         WorkerStatus      `json:"status"`
	ReportedStatus string            `json:"reported_status,omitempty"` // agent 在心跳中自報的狀態，僅供參考
	CurrentJob     JobID             `json:"current_job,omitempty"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	RegisteredAt   time.Time         `json:"registered_at"`
}

// Clone 深拷貝，供快照查詢使用
func (w WorkerRecord) Clone() WorkerRecord {
	out := w
	if w.Capabilities != nil {
		out.Capabilities = make(map[string]string, len(w.Capabilities))
		for k, v := range w.Capabilities {
			out.Capabilities[k] = v
		}
	}
	return out
}

// ResultPayload worker 回報的執行結果
type ResultPayload struct {
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
	ArtifactRef string                 `json:"artifact_ref,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// CompletedJobRecord 一次執行嘗試的最終記錄，以 (JobID, Attempt) 為鍵，只追加
type CompletedJobRecord struct {
	JobID       JobID                  `json:"job_id"`
	Attempt     int                    `json:"attempt"`
	WorkerID    string                 `json:"worker_id"`
	Hostname    string                 `json:"hostname,omitempty"`
	Success     bool                   `json:"success"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
	ArtifactRef string                 `json:"artifact_ref,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CompletedAt time.Time              `json:"completed_at"`
	Duration    time.Duration          `json:"duration"`
}

// Clone 深拷貝（metrics 為不透明 map，只複製第一層）
func (r CompletedJobRecord) Clone() CompletedJobRecord {
	out := r
	if r.Metrics != nil {
		out.Metrics = make(map[string]interface{}, len(r.Metrics))
		for k, v := range r.Metrics {
			out.Metrics[k] = v
		}
	}
	return out
}

// QueueStats 佇列各狀態計數
type QueueStats struct {
	Pending   int `json:"pending"`
	Assigned  int `json:"in_flight"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// StatusSummary 協調器狀態摘要
type StatusSummary struct {
	Workers    []WorkerRecord `json:"workers"`
	Queue      QueueStats     `json:"queue"`
	FailedJobs []JobID        `json:"failed_jobs,omitempty"`
	Results    int            `json:"results"`
	Uptime     time.Duration  `json:"uptime"`
}

// SnapshotSchemaVersion 快照資料結構版本
const SnapshotSchemaVersion = 2

// SnapshotData 快照資料，用於協調器狀態的持久化和恢復
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`       // 所有任務的完整資料
	Order     []JobID        `json:"order"`      // pending 佇列順序
	SchemaVer int            `json:"schema_ver"` // 資料結構版本號
	TakenAt   int64          `json:"taken_at"`   // 快照時間（Unix 毫秒）
}
