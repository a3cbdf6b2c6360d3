package jobgen

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/trainfleet/pkg/types"
)

func TestParseExplicitJobs(t *testing.T) {
	specs, err := Parse([]byte(`
jobs:
  - id: baseline
    description: reference run
    config:
      learning_rate: 0.001
      batch_size: 32
  - description: no id given
    config:
      learning_rate: 0.01
`))
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, types.JobID("baseline"), specs[0].ID)
	assert.Equal(t, "reference run", specs[0].Description)
	assert.Equal(t, 0.001, specs[0].Config["learning_rate"])
	assert.Equal(t, 32, specs[0].Config["batch_size"])

	assert.Regexp(t, `^job-[0-9a-f-]{36}$`, string(specs[1].ID))
}

func TestSweepCartesianProduct(t *testing.T) {
	s := Sweep{
		Name: "grid",
		Base: map[string]interface{}{"timesteps": 50000},
		Params: map[string][]interface{}{
			"learning_rate": {0.001, 0.0005, 0.0001},
			"batch_size":    {32, 64},
		},
	}

	specs, err := s.Expand()
	require.NoError(t, err)
	require.Len(t, specs, 6)

	// batch_size sorts first, learning_rate varies fastest
	want := []struct {
		bs int
		lr float64
	}{
		{32, 0.001}, {32, 0.0005}, {32, 0.0001},
		{64, 0.001}, {64, 0.0005}, {64, 0.0001},
	}
	for i, w := range want {
		assert.Equal(t, types.JobID(fmt.Sprintf("grid-%03d", i+1)), specs[i].ID)
		assert.Equal(t, w.bs, specs[i].Config["batch_size"])
		assert.Equal(t, w.lr, specs[i].Config["learning_rate"])
		assert.Equal(t, 50000, specs[i].Config["timesteps"])
	}
}

func TestSweepParamOverridesBase(t *testing.T) {
	s := Sweep{
		Name:   "o",
		Base:   map[string]interface{}{"lr": 1.0, "epochs": 3},
		Params: map[string][]interface{}{"lr": {0.5}},
	}
	specs, err := s.Expand()
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, 0.5, specs[0].Config["lr"])
	assert.Equal(t, 3, specs[0].Config["epochs"])
}

func TestSweepWithoutNameGetsRandomPrefix(t *testing.T) {
	specs, err := Sweep{Params: map[string][]interface{}{"x": {1, 2}}}.Expand()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Regexp(t, `^sweep-[0-9a-f]{8}-001$`, string(specs[0].ID))
	assert.NotEqual(t, specs[0].ID, specs[1].ID)
}

func TestSweepErrors(t *testing.T) {
	_, err := Sweep{}.Expand()
	assert.Error(t, err)

	_, err = Sweep{Params: map[string][]interface{}{"x": {}}}.Expand()
	assert.Error(t, err)

	big := make([]interface{}, 200)
	for i := range big {
		big[i] = i
	}
	_, err = Sweep{Params: map[string][]interface{}{"a": big, "b": big}}.Expand()
	assert.Error(t, err)
}

func TestParseJobsAndSweep(t *testing.T) {
	specs, err := Parse([]byte(`
jobs:
  - id: first
sweep:
  name: s
  params:
    seed: [1, 2]
`))
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, types.JobID("first"), specs[0].ID)
	assert.Equal(t, types.JobID("s-001"), specs[1].ID)
	assert.Equal(t, types.JobID("s-002"), specs[2].ID)
}

func TestParseRejectsNonScalarConfig(t *testing.T) {
	_, err := Parse([]byte(`
jobs:
  - id: bad
    config:
      layers: [64, 64]
`))
	assert.ErrorIs(t, err, types.ErrInvalidJob)
}

func TestParseRejectsDuplicateIDs(t *testing.T) {
	_, err := Parse([]byte(`
jobs:
  - id: a
  - id: a
`))
	assert.ErrorIs(t, err, types.ErrDuplicateJobID)
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("jobs: [unterminated"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs:\n  - id: only\n"), 0o644))

	specs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, types.JobID("only"), specs[0].ID)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
