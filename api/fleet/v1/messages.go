// Package fleetv1 defines the trainfleet.v1.Coordinator gRPC contract.
//
// The schema lives in fleet.proto. Messages are plain Go structs encoded to
// the protobuf wire format by wire.go; the json tags only shape the CLI's
// --json output.
package fleetv1

// JobSpec is an operator-submitted job. Config values are scalars.
type JobSpec struct {
	Id          string                 `json:"id"`
	Description string                 `json:"description,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
}

// Worker is one row of the coordinator's worker table.
type Worker struct {
	Address         string            `json:"address"`
	Hostname        string            `json:"hostname,omitempty"`
	Capabilities    map[string]string `json:"capabilities,omitempty"`
	Status          string            `json:"status"`
	ReportedStatus  string            `json:"reported_status,omitempty"`
	CurrentJob      string            `json:"current_job,omitempty"`
	LastHeartbeatMs int64             `json:"last_heartbeat_ms"`
	RegisteredAtMs  int64             `json:"registered_at_ms"`
}

// Result is one finished job attempt.
type Result struct {
	JobId         string                 `json:"job_id"`
	Attempt       int32                  `json:"attempt"`
	WorkerId      string                 `json:"worker_id"`
	Hostname      string                 `json:"hostname,omitempty"`
	Success       bool                   `json:"success"`
	Metrics       map[string]interface{} `json:"metrics,omitempty"`
	ArtifactRef   string                 `json:"artifact_ref,omitempty"`
	Error         string                 `json:"error,omitempty"`
	CompletedAtMs int64                  `json:"completed_at_ms"`
	DurationMs    int64                  `json:"duration_ms"`
}

type RegisterRequest struct {
	// Address is optional; empty means the peer IP of the connection.
	Address      string            `json:"address,omitempty"`
	Hostname     string            `json:"hostname"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

type RegisterResponse struct {
	WorkerId            string `json:"worker_id"`
	HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms"`
}

type HeartbeatRequest struct {
	WorkerId string `json:"worker_id"`
	Status   string `json:"status"`
}

type HeartbeatResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

type RequestJobRequest struct {
	WorkerId string `json:"worker_id"`
}

// RequestJobResponse carries a nil Job when the queue is empty.
type RequestJobResponse struct {
	Job     *JobSpec `json:"job,omitempty"`
	Attempt int32    `json:"attempt,omitempty"`
}

type ReportResultRequest struct {
	WorkerId    string                 `json:"worker_id"`
	JobId       string                 `json:"job_id"`
	Success     bool                   `json:"success"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
	ArtifactRef string                 `json:"artifact_ref,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

type ReportResultResponse struct {
	Recorded bool `json:"recorded"`
}

type StatusRequest struct{}

type StatusResponse struct {
	Workers    []*Worker `json:"workers"`
	Pending    int32     `json:"pending"`
	InFlight   int32     `json:"in_flight"`
	Completed  int32     `json:"completed"`
	Failed     int32     `json:"failed"`
	FailedJobs []string  `json:"failed_jobs,omitempty"`
	Results    int32     `json:"results"`
	UptimeMs   int64     `json:"uptime_ms"`
}

type EnqueueJobRequest struct {
	Job *JobSpec `json:"job"`
}

type EnqueueJobResponse struct {
	JobId string `json:"job_id"`
}

// ListResultsRequest filters by job id and/or outcome; zero values match all.
type ListResultsRequest struct {
	JobId   string `json:"job_id,omitempty"`
	Success *bool  `json:"success,omitempty"`
}

type ListResultsResponse struct {
	Records []*Result `json:"records"`
}
