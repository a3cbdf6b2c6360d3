package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/trainfleet/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestSpec creates a test JobSpec
func newTestSpec(id string) types.JobSpec {
	return types.JobSpec{
		ID:          types.JobID(id),
		Description: "lr sweep",
		Config:      map[string]interface{}{"learning_rate": 0.001, "epochs": 10},
	}
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertJobState asserts job state
func assertJobState(t *testing.T, jm *JobManager, jobID types.JobID, want types.JobState) {
	t.Helper()
	job, exists := jm.jobs[jobID]
	if !exists {
		t.Errorf("job %s not found", jobID)
		return
	}
	if job.State != want {
		t.Errorf("job %s state: got %s, want %s", jobID, job.State, want)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager()

	if jm.jobs == nil || jm.queue == nil || jm.assigned == nil || jm.completed == nil || jm.failed == nil {
		t.Fatal("job manager indexes not initialized")
	}
	if stats := jm.Stats(); stats != (types.QueueStats{}) {
		t.Errorf("initial stats: got %+v, want zero", stats)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    types.JobSpec
		wantErr error
	}{
		{name: "scalar config", spec: newTestSpec("job-1")},
		{name: "nil config", spec: types.JobSpec{ID: "job-1"}},
		{
			name: "null and bool values",
			spec: types.JobSpec{ID: "job-1", Config: map[string]interface{}{"seed": nil, "augment": true}},
		},
		{name: "empty id", spec: types.JobSpec{ID: "  "}, wantErr: types.ErrInvalidJob},
		{
			name:    "nested map rejected",
			spec:    types.JobSpec{ID: "job-1", Config: map[string]interface{}{"opt": map[string]interface{}{"lr": 1}}},
			wantErr: types.ErrInvalidJob,
		},
		{
			name:    "list rejected",
			spec:    types.JobSpec{ID: "job-1", Config: map[string]interface{}{"layers": []interface{}{1, 2}}},
			wantErr: types.ErrInvalidJob,
		},
		{
			name:    "unsupported type rejected",
			spec:    types.JobSpec{ID: "job-1", Config: map[string]interface{}{"ch": make(chan int)}},
			wantErr: types.ErrInvalidJob,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.spec)
			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
			} else {
				assertNoError(t, err)
			}
		})
	}
}

func TestEnqueue(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*JobManager)
		spec    types.JobSpec
		wantErr error
	}{
		{
			name:  "Normal single job enqueue",
			setup: func(jm *JobManager) {},
			spec:  newTestSpec("job-001"),
		},
		{
			name:  "Enqueue multiple jobs",
			setup: func(jm *JobManager) { jm.Enqueue(newTestSpec("job-001")) },
			spec:  newTestSpec("job-002"),
		},
		{
			name:    "Duplicate pending ID",
			setup:   func(jm *JobManager) { jm.Enqueue(newTestSpec("job-001")) },
			spec:    newTestSpec("job-001"),
			wantErr: types.ErrDuplicateJobID,
		},
		{
			name: "Duplicate assigned ID",
			setup: func(jm *JobManager) {
				jm.Enqueue(newTestSpec("job-001"))
				jm.Dispatch("10.0.0.1")
			},
			spec:    newTestSpec("job-001"),
			wantErr: types.ErrDuplicateJobID,
		},
		{
			name: "Completed ID may be enqueued again",
			setup: func(jm *JobManager) {
				jm.Enqueue(newTestSpec("job-001"))
				jm.Dispatch("10.0.0.1")
				jm.Complete("job-001", "10.0.0.1")
			},
			spec: newTestSpec("job-001"),
		},
		{
			name:    "Invalid spec",
			setup:   func(jm *JobManager) {},
			spec:    types.JobSpec{ID: ""},
			wantErr: types.ErrInvalidJob,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager()
			tt.setup(jm)

			err := jm.Enqueue(tt.spec)

			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
				return
			}
			assertNoError(t, err)
			assertJobState(t, jm, tt.spec.ID, types.JobPending)
			pending := jm.PendingIDs()
			if len(pending) == 0 || pending[len(pending)-1] != tt.spec.ID {
				t.Errorf("job %s not at queue tail: %v", tt.spec.ID, pending)
			}
		})
	}
}

func TestDispatchFIFO(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Enqueue(newTestSpec("A")))
	assertNoError(t, jm.Enqueue(newTestSpec("B")))

	first, err := jm.Dispatch("w1")
	assertNoError(t, err)
	second, err := jm.Dispatch("w2")
	assertNoError(t, err)

	if first.Spec.ID != "A" || second.Spec.ID != "B" {
		t.Errorf("dispatch order: got %s,%s want A,B", first.Spec.ID, second.Spec.ID)
	}
	if first.Dispatches != 1 || first.WorkerID != "w1" {
		t.Errorf("first dispatch bookkeeping wrong: %+v", first)
	}

	_, err = jm.Dispatch("w3")
	assertError(t, err, types.ErrNoJobsAvailable)

	asg, ok := jm.Assignment("A")
	if !ok || asg.WorkerID != "w1" || asg.Attempt != 1 {
		t.Errorf("assignment for A: got %+v ok=%v", asg, ok)
	}
}

func TestDispatchReturnsCopy(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Enqueue(newTestSpec("A")))

	job, err := jm.Dispatch("w1")
	assertNoError(t, err)
	job.Spec.Config["epochs"] = 999

	stored, _ := jm.Get("A")
	if stored.Spec.Config["epochs"] != 10 {
		t.Errorf("dispatch leaked internal config map: %v", stored.Spec.Config)
	}
}

func TestComplete(t *testing.T) {
	tests := []struct {
		name     string
		workerID string
		jobID    types.JobID
		wantErr  error
	}{
		{name: "Complete normally", workerID: "w1", jobID: "A"},
		{name: "Wrong worker", workerID: "w2", jobID: "A", wantErr: types.ErrInvalidAssignment},
		{name: "Unknown job", workerID: "w1", jobID: "Z", wantErr: types.ErrInvalidAssignment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager()
			jm.Enqueue(newTestSpec("A"))
			jm.Dispatch("w1")

			err := jm.Complete(tt.jobID, tt.workerID)

			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
				assertJobState(t, jm, "A", types.JobAssigned)
				return
			}
			assertNoError(t, err)
			assertJobState(t, jm, "A", types.JobCompleted)
			if _, ok := jm.Assignment("A"); ok {
				t.Error("assignment still present after completion")
			}
		})
	}
}

func TestFailRetriesThenFails(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Enqueue(newTestSpec("A")))
	assertNoError(t, jm.Enqueue(newTestSpec("B")))

	for attempt := 1; attempt <= 3; attempt++ {
		// B is ahead of the requeued A after the first failure, so drain until A shows up.
		var job types.Job
		var err error
		for {
			job, err = jm.Dispatch("w1")
			assertNoError(t, err)
			if job.Spec.ID == "A" {
				break
			}
			jm.Complete(job.Spec.ID, "w1")
		}
		if job.Dispatches != attempt {
			t.Errorf("attempt %d: dispatch ordinal %d", attempt, job.Dispatches)
		}

		dead, err := jm.Fail("A", "w1", "exit status 1", 3)
		assertNoError(t, err)
		if dead != (attempt == 3) {
			t.Errorf("attempt %d: dead=%v", attempt, dead)
		}
	}

	assertJobState(t, jm, "A", types.JobFailed)
	failed := jm.FailedJobs()
	if len(failed) != 1 || failed[0] != "A" {
		t.Errorf("failed jobs: %v", failed)
	}
	if got, _ := jm.Get("A"); got.LastError != "exit status 1" || got.Failures != 3 {
		t.Errorf("failure bookkeeping: %+v", got)
	}
}

func TestFailRequeuesAtTail(t *testing.T) {
	jm := NewJobManager()
	jm.Enqueue(newTestSpec("A"))
	jm.Enqueue(newTestSpec("B"))
	jm.Dispatch("w1")

	dead, err := jm.Fail("A", "w1", "boom", 3)
	assertNoError(t, err)
	if dead {
		t.Fatal("first failure should not be terminal")
	}

	pending := jm.PendingIDs()
	if len(pending) != 2 || pending[0] != "B" || pending[1] != "A" {
		t.Errorf("queue after failure: got %v want [B A]", pending)
	}
}

func TestRequeue(t *testing.T) {
	jm := NewJobManager()
	jm.Enqueue(newTestSpec("A"))
	jm.Enqueue(newTestSpec("B"))
	jm.Dispatch("w1")

	assertNoError(t, jm.Requeue("A"))
	assertJobState(t, jm, "A", types.JobPending)

	job, _ := jm.Get("A")
	if job.Failures != 0 || job.Requeues != 1 {
		t.Errorf("requeue must not count as failure: %+v", job)
	}
	pending := jm.PendingIDs()
	if pending[len(pending)-1] != "A" {
		t.Errorf("requeued job not at tail: %v", pending)
	}

	assertError(t, jm.Requeue("A"), types.ErrInvalidAssignment)
}

func TestReenqueueKeepsAttemptOrdinal(t *testing.T) {
	jm := NewJobManager()
	jm.Enqueue(newTestSpec("A"))
	jm.Dispatch("w1")
	jm.Complete("A", "w1")

	assertNoError(t, jm.Enqueue(newTestSpec("A")))
	job, err := jm.Dispatch("w1")
	assertNoError(t, err)
	if job.Dispatches != 2 {
		t.Errorf("attempt ordinal after re-enqueue: got %d want 2", job.Dispatches)
	}
	if s := jm.Stats(); s.Completed != 0 || s.Assigned != 1 {
		t.Errorf("stats after re-enqueue: %+v", s)
	}
}

func TestSnapshotRestore(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	jm := NewJobManagerWithClock(func() time.Time { return clock })
	for _, id := range []string{"A", "B", "C", "D"} {
		assertNoError(t, jm.Enqueue(newTestSpec(id)))
	}
	jm.Dispatch("w1") // A assigned
	jm.Dispatch("w2") // B assigned
	jm.Complete("B", "w2")

	data := jm.Snapshot()
	if data.SchemaVer != types.SnapshotSchemaVersion || len(data.Jobs) != 4 {
		t.Fatalf("snapshot: %+v", data)
	}

	restored := NewJobManager()
	assertNoError(t, restored.Restore(data))

	if got := restored.PendingIDs(); len(got) != 2 || got[0] != "C" || got[1] != "D" {
		t.Errorf("restored pending order: %v", got)
	}
	if got := restored.AssignedJobs(); len(got) != 1 || got[0] != "A" {
		t.Errorf("restored assigned: %v", got)
	}
	assertJobState(t, restored, "B", types.JobCompleted)

	// 修改快照不影響原管理器
	data.Jobs["C"].State = types.JobFailed
	assertJobState(t, jm, "C", types.JobPending)
}

func TestRestoreRejectsUnknownState(t *testing.T) {
	jm := NewJobManager()
	err := jm.Restore(types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{"A": {Spec: types.JobSpec{ID: "A"}, State: "weird"}},
	})
	if err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestReplayAttempts(t *testing.T) {
	jm := NewJobManager()
	for _, id := range []string{"A", "B", "C", "D"} {
		assertNoError(t, jm.Enqueue(newTestSpec(id)))
	}
	jm.Dispatch("w1") // A attempt 1, held at snapshot time
	data := jm.Snapshot()

	restored := NewJobManager()
	assertNoError(t, restored.Restore(data))

	failed := func(id types.JobID, attempt int) types.CompletedJobRecord {
		return types.CompletedJobRecord{JobID: id, Attempt: attempt, Error: "oom"}
	}
	ok := func(id types.JobID, attempt int) types.CompletedJobRecord {
		return types.CompletedJobRecord{JobID: id, Attempt: attempt, Success: true}
	}

	// A: the held attempt failed, a second attempt succeeded
	if !restored.ReplayAttempts("A", []types.CompletedJobRecord{failed("A", 1), ok("A", 2)}, 3) {
		t.Error("A should change")
	}
	assertJobState(t, restored, "A", types.JobCompleted)
	if job, _ := restored.Get("A"); job.Dispatches != 2 || job.Failures != 1 {
		t.Errorf("A after replay: %+v", job)
	}

	// B: one failure, still pending, next dispatch continues the ordinal
	restored.ReplayAttempts("B", []types.CompletedJobRecord{failed("B", 1)}, 3)
	assertJobState(t, restored, "B", types.JobPending)

	// C: three failures exhaust the limit
	restored.ReplayAttempts("C", []types.CompletedJobRecord{failed("C", 1), failed("C", 2), failed("C", 3)}, 3)
	assertJobState(t, restored, "C", types.JobFailed)
	if got := restored.FailedJobs(); len(got) != 1 || got[0] != "C" {
		t.Errorf("failed jobs: %v", got)
	}

	// records already covered by the snapshot are ignored
	if restored.ReplayAttempts("D", nil, 3) || restored.ReplayAttempts("missing", []types.CompletedJobRecord{ok("missing", 1)}, 3) {
		t.Error("nothing to replay")
	}

	if got := restored.PendingIDs(); len(got) != 2 || got[0] != "D" || got[1] != "B" {
		t.Errorf("pending after replay: %v", got)
	}
	job, err := restored.Dispatch("w2")
	assertNoError(t, err)
	if job.Spec.ID != "D" {
		t.Fatalf("dispatched %s, want D", job.Spec.ID)
	}
	job, _ = restored.Dispatch("w2")
	if job.Spec.ID != "B" || job.Dispatches != 2 {
		t.Errorf("B redispatch: %+v", job)
	}
}

func TestConcurrentDispatch(t *testing.T) {
	jm := NewJobManager()
	const jobs = 50
	for i := 0; i < jobs; i++ {
		jm.Enqueue(newTestSpec(fmt.Sprintf("job-%03d", i)))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[types.JobID]int)
	for w := 0; w < 100; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := jm.Dispatch("w")
			if err != nil {
				return
			}
			mu.Lock()
			seen[job.Spec.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Errorf("dispatched %d distinct jobs, want %d", len(seen), jobs)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s dispatched %d times", id, n)
		}
	}
}
