package fleetv1

import (
	"time"

	"github.com/ChuLiYu/trainfleet/pkg/types"
)

func JobSpecFromTypes(s types.JobSpec) *JobSpec {
	return &JobSpec{Id: string(s.ID), Description: s.Description, Config: s.Config}
}

func (j *JobSpec) ToTypes() types.JobSpec {
	if j == nil {
		return types.JobSpec{}
	}
	return types.JobSpec{ID: types.JobID(j.Id), Description: j.Description, Config: j.Config}
}

func WorkerFromRecord(w types.WorkerRecord) *Worker {
	return &Worker{
		Address:         w.Address,
		Hostname:        w.Hostname,
		Capabilities:    w.Capabilities,
		Status:          string(w.Status),
		ReportedStatus:  w.ReportedStatus,
		CurrentJob:      string(w.CurrentJob),
		LastHeartbeatMs: w.LastHeartbeat.UnixMilli(),
		RegisteredAtMs:  w.RegisteredAt.UnixMilli(),
	}
}

func (w *Worker) ToRecord() types.WorkerRecord {
	return types.WorkerRecord{
		Address:        w.Address,
		Hostname:       w.Hostname,
		Capabilities:   w.Capabilities,
		Status:         types.WorkerStatus(w.Status),
		ReportedStatus: w.ReportedStatus,
		CurrentJob:     types.JobID(w.CurrentJob),
		LastHeartbeat:  time.UnixMilli(w.LastHeartbeatMs),
		RegisteredAt:   time.UnixMilli(w.RegisteredAtMs),
	}
}

func ResultFromRecord(r types.CompletedJobRecord) *Result {
	return &Result{
		JobId:         string(r.JobID),
		Attempt:       int32(r.Attempt),
		WorkerId:      r.WorkerID,
		Hostname:      r.Hostname,
		Success:       r.Success,
		Metrics:       r.Metrics,
		ArtifactRef:   r.ArtifactRef,
		Error:         r.Error,
		CompletedAtMs: r.CompletedAt.UnixMilli(),
		DurationMs:    r.Duration.Milliseconds(),
	}
}

func (r *Result) ToRecord() types.CompletedJobRecord {
	return types.CompletedJobRecord{
		JobID:       types.JobID(r.JobId),
		Attempt:     int(r.Attempt),
		WorkerID:    r.WorkerId,
		Hostname:    r.Hostname,
		Success:     r.Success,
		Metrics:     r.Metrics,
		ArtifactRef: r.ArtifactRef,
		Error:       r.Error,
		CompletedAt: time.UnixMilli(r.CompletedAtMs),
		Duration:    time.Duration(r.DurationMs) * time.Millisecond,
	}
}

// StatusFromSummary flattens a coordinator summary onto the wire message.
func StatusFromSummary(s types.StatusSummary) *StatusResponse {
	out := &StatusResponse{
		Workers:   make([]*Worker, 0, len(s.Workers)),
		Pending:   int32(s.Queue.Pending),
		InFlight:  int32(s.Queue.Assigned),
		Completed: int32(s.Queue.Completed),
		Failed:    int32(s.Queue.Failed),
		Results:   int32(s.Results),
		UptimeMs:  s.Uptime.Milliseconds(),
	}
	for _, w := range s.Workers {
		out.Workers = append(out.Workers, WorkerFromRecord(w))
	}
	for _, id := range s.FailedJobs {
		out.FailedJobs = append(out.FailedJobs, string(id))
	}
	return out
}

// ToSummary is the inverse of StatusFromSummary.
func (s *StatusResponse) ToSummary() types.StatusSummary {
	out := types.StatusSummary{
		Queue: types.QueueStats{
			Pending:   int(s.Pending),
			Assigned:  int(s.InFlight),
			Completed: int(s.Completed),
			Failed:    int(s.Failed),
		},
		Results: int(s.Results),
		Uptime:  time.Duration(s.UptimeMs) * time.Millisecond,
	}
	for _, w := range s.Workers {
		out.Workers = append(out.Workers, w.ToRecord())
	}
	for _, id := range s.FailedJobs {
		out.FailedJobs = append(out.FailedJobs, types.JobID(id))
	}
	return out
}
