// Package aggregator stores the append-only log of finished job attempts.
package aggregator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/trainfleet/pkg/types"
)

// ErrDuplicateRecord is returned when (job id, attempt) was already appended.
var ErrDuplicateRecord = errors.New("aggregator: duplicate record")

// Sink receives every record after it has been accepted in memory.
// *recordlog.Log satisfies it.
type Sink interface {
	Append(rec types.CompletedJobRecord) error
}

type key struct {
	job     types.JobID
	attempt int
}

// Filter selects records in Query. Zero values match everything.
type Filter struct {
	JobID   types.JobID
	Success *bool
}

func (f Filter) match(r types.CompletedJobRecord) bool {
	if f.JobID != "" && r.JobID != f.JobID {
		return false
	}
	if f.Success != nil && r.Success != *f.Success {
		return false
	}
	return true
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu      sync.RWMutex
	records []types.CompletedJobRecord
	index   map[key]int
	sink    Sink
}

// New returns an empty aggregator. sink may be nil.
func New(sink Sink) *Aggregator {
	return &Aggregator{index: make(map[key]int), sink: sink}
}

// Append stores rec. Records are never modified or removed afterwards.
// A sink failure is returned wrapped, but the in-memory record is kept.
func (a *Aggregator) Append(rec types.CompletedJobRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := key{rec.JobID, rec.Attempt}
	if _, dup := a.index[k]; dup {
		return fmt.Errorf("%w: job %s attempt %d", ErrDuplicateRecord, rec.JobID, rec.Attempt)
	}
	stored := rec.Clone()
	a.index[k] = len(a.records)
	a.records = append(a.records, stored)

	if a.sink != nil {
		if err := a.sink.Append(stored.Clone()); err != nil {
			return fmt.Errorf("aggregator: export record %s/%d: %w", rec.JobID, rec.Attempt, err)
		}
	}
	return nil
}

// Load seeds the aggregator from previously exported records without
// writing them to the sink again. Duplicates are skipped.
func (a *Aggregator) Load(recs []types.CompletedJobRecord) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, rec := range recs {
		k := key{rec.JobID, rec.Attempt}
		if _, dup := a.index[k]; dup {
			continue
		}
		a.index[k] = len(a.records)
		a.records = append(a.records, rec.Clone())
		n++
	}
	return n
}

// Query returns copies of matching records in append order.
func (a *Aggregator) Query(f Filter) []types.CompletedJobRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]types.CompletedJobRecord, 0)
	for _, r := range a.records {
		if f.match(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Get looks up a single attempt.
func (a *Aggregator) Get(jobID types.JobID, attempt int) (types.CompletedJobRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	i, ok := a.index[key{jobID, attempt}]
	if !ok {
		return types.CompletedJobRecord{}, false
	}
	return a.records[i].Clone(), true
}

// Count returns the number of stored records.
func (a *Aggregator) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}
