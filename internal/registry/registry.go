// Package registry keeps the coordinator's authoritative table of workers.
//
// Workers are keyed by network address. The registry only tracks liveness
// and the worker-side view of an assignment; the job queue owns the job side.
// Callers that need both views to change together hold the coordinator lock.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/trainfleet/pkg/types"
)

// Registry is a mutex-protected map of WorkerRecords.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*types.WorkerRecord
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{workers: make(map[string]*types.WorkerRecord)}
}

// Register creates or refreshes the record for address and returns the
// worker id (the address itself). A refreshed record comes back idle; if it
// still held a job, that job id is returned as orphaned so the caller can
// requeue it.
func (r *Registry) Register(address, hostname string, caps map[string]string, now time.Time) (workerID string, orphaned types.JobID, err error) {
	if address == "" {
		return "", "", fmt.Errorf("register: empty worker address")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[address]
	if !ok {
		rec = &types.WorkerRecord{Address: address, RegisteredAt: now}
		r.workers[address] = rec
	}
	orphaned = rec.CurrentJob

	rec.Hostname = hostname
	rec.Capabilities = copyCaps(caps)
	rec.Status = types.WorkerIdle
	rec.CurrentJob = ""
	rec.ReportedStatus = ""
	rec.LastHeartbeat = now
	return address, orphaned, nil
}

// Heartbeat refreshes last-seen for a live worker. Evicted (offline) and
// unknown workers get types.ErrUnknownWorker.
func (r *Registry) Heartbeat(workerID, reported string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.liveLocked(workerID)
	if err != nil {
		return err
	}
	rec.LastHeartbeat = now
	rec.ReportedStatus = reported
	return nil
}

// Get returns a copy of the record.
func (r *Registry) Get(workerID string) (types.WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.workers[workerID]
	if !ok {
		return types.WorkerRecord{}, false
	}
	return rec.Clone(), true
}

// CheckLive returns the record if the worker is registered and not offline.
func (r *Registry) CheckLive(workerID string) (types.WorkerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, err := r.liveLocked(workerID)
	if err != nil {
		return types.WorkerRecord{}, err
	}
	return rec.Clone(), nil
}

// Assign marks the worker as training jobID. It fails if the worker is not
// live or already holds a job.
func (r *Registry) Assign(workerID string, jobID types.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.liveLocked(workerID)
	if err != nil {
		return err
	}
	if rec.CurrentJob != "" {
		return fmt.Errorf("%w: %s is training %s", types.ErrWorkerBusy, workerID, rec.CurrentJob)
	}
	rec.Status = types.WorkerTraining
	rec.CurrentJob = jobID
	return nil
}

// Release clears the worker's current job if it is jobID.
func (r *Registry) Release(workerID string, jobID types.JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[workerID]
	if !ok || rec.CurrentJob != jobID {
		return
	}
	rec.CurrentJob = ""
	if rec.Status == types.WorkerTraining {
		rec.Status = types.WorkerIdle
	}
}

// Eviction describes one worker taken offline by Expire.
type Eviction struct {
	WorkerID string
	Job      types.JobID // empty if the worker was idle
	Silence  time.Duration
}

// Expire marks every live worker whose last heartbeat is older than timeout
// as offline and clears its job. Evictions are returned sorted by address.
func (r *Registry) Expire(now time.Time, timeout time.Duration) []Eviction {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Eviction
	for addr, rec := range r.workers {
		if rec.Status == types.WorkerOffline {
			continue
		}
		silence := now.Sub(rec.LastHeartbeat)
		if silence <= timeout {
			continue
		}
		out = append(out, Eviction{WorkerID: addr, Job: rec.CurrentJob, Silence: silence})
		rec.Status = types.WorkerOffline
		rec.CurrentJob = ""
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Prune deletes offline records whose last heartbeat is older than retention.
func (r *Registry) Prune(now time.Time, retention time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for addr, rec := range r.workers {
		if rec.Status == types.WorkerOffline && now.Sub(rec.LastHeartbeat) > retention {
			delete(r.workers, addr)
			removed = append(removed, addr)
		}
	}
	sort.Strings(removed)
	return removed
}

// List returns copies of every record sorted by address.
func (r *Registry) List() []types.WorkerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.WorkerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// CountByStatus returns how many records are in each status.
func (r *Registry) CountByStatus() map[types.WorkerStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[types.WorkerStatus]int{
		types.WorkerIdle:     0,
		types.WorkerTraining: 0,
		types.WorkerOffline:  0,
	}
	for _, rec := range r.workers {
		counts[rec.Status]++
	}
	return counts
}

func (r *Registry) liveLocked(workerID string) (*types.WorkerRecord, error) {
	rec, ok := r.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownWorker, workerID)
	}
	if rec.Status == types.WorkerOffline {
		return nil, fmt.Errorf("%w: %s was evicted", types.ErrUnknownWorker, workerID)
	}
	return rec, nil
}

func copyCaps(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
