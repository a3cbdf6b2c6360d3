// Package jobgen turns operator job files into JobSpecs.
//
// A job file is YAML with two optional sections:
//
//	jobs:
//	  - id: baseline
//	    description: reference run
//	    config: {learning_rate: 0.001, batch_size: 32}
//	sweep:
//	  name: lr-bs
//	  description: learning rate x batch size
//	  base: {timesteps: 50000}
//	  params:
//	    learning_rate: [0.001, 0.0005, 0.0001]
//	    batch_size: [32, 64]
//
// The sweep expands to the cartesian product of params, each merged over
// base, in a deterministic order (parameter names sorted, later names vary
// fastest). Explicit jobs come first.
package jobgen

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/trainfleet/internal/jobmanager"
	"github.com/ChuLiYu/trainfleet/pkg/types"
)

// MaxSweepJobs caps a single sweep expansion.
const MaxSweepJobs = 10000

// File is the decoded job file.
type File struct {
	Jobs  []types.JobSpec `yaml:"jobs"`
	Sweep *Sweep          `yaml:"sweep"`
}

// Sweep describes a hyperparameter grid.
type Sweep struct {
	// Name prefixes the generated ids: <name>-001, <name>-002, ...
	// Empty means "sweep-" plus a random suffix.
	Name        string                   `yaml:"name"`
	Description string                   `yaml:"description"`
	Base        map[string]interface{}   `yaml:"base"`
	Params      map[string][]interface{} `yaml:"params"`
}

// LoadFile reads and expands a job file.
func LoadFile(path string) ([]types.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and expands job file contents. Jobs without an id get
// "job-<uuid>". Every resulting spec is validated.
func Parse(data []byte) ([]types.JobSpec, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}

	specs := make([]types.JobSpec, 0, len(f.Jobs))
	for _, j := range f.Jobs {
		if j.ID == "" {
			j.ID = types.JobID("job-" + uuid.NewString())
		}
		specs = append(specs, j)
	}
	if f.Sweep != nil {
		swept, err := f.Sweep.Expand()
		if err != nil {
			return nil, err
		}
		specs = append(specs, swept...)
	}

	seen := make(map[types.JobID]bool, len(specs))
	for _, s := range specs {
		if seen[s.ID] {
			return nil, fmt.Errorf("%w: %s appears twice in job file", types.ErrDuplicateJobID, s.ID)
		}
		seen[s.ID] = true
		if err := jobmanager.Validate(s); err != nil {
			return nil, err
		}
	}
	return specs, nil
}

// Expand returns one JobSpec per point of the grid.
func (s Sweep) Expand() ([]types.JobSpec, error) {
	if len(s.Params) == 0 {
		return nil, errors.New("sweep: no params")
	}

	names := make([]string, 0, len(s.Params))
	total := 1
	for name, values := range s.Params {
		if len(values) == 0 {
			return nil, fmt.Errorf("sweep: param %q has no values", name)
		}
		names = append(names, name)
		total *= len(values)
		if total > MaxSweepJobs {
			return nil, fmt.Errorf("sweep: more than %d combinations", MaxSweepJobs)
		}
	}
	sort.Strings(names)

	prefix := s.Name
	if prefix == "" {
		prefix = "sweep-" + uuid.NewString()[:8]
	}
	width := len(fmt.Sprint(total))
	if width < 3 {
		width = 3
	}

	specs := make([]types.JobSpec, 0, total)
	idx := make([]int, len(names))
	for n := 0; n < total; n++ {
		cfg := make(map[string]interface{}, len(s.Base)+len(names))
		for k, v := range s.Base {
			cfg[k] = v
		}
		for i, name := range names {
			cfg[name] = s.Params[name][idx[i]]
		}
		specs = append(specs, types.JobSpec{
			ID:          types.JobID(fmt.Sprintf("%s-%0*d", prefix, width, n+1)),
			Description: s.Description,
			Config:      cfg,
		})

		// odometer increment, last name fastest
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(s.Params[names[i]]) {
				break
			}
			idx[i] = 0
		}
	}
	return specs, nil
}
