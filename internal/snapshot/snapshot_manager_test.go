package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/trainfleet/pkg/types"
)

func testJob(id string, state types.JobState, dispatches int) *types.Job {
	return &types.Job{
		Spec: types.JobSpec{
			ID:     types.JobID(id),
			Config: map[string]interface{}{"learning_rate": 0.0003},
		},
		State:      state,
		Dispatches: dispatches,
	}
}

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.Path())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "state", "coordinator.json")
	manager := NewManager(snapshotPath)

	originalData := types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			"job-001": testJob("job-001", types.JobPending, 0),
			"job-002": testJob("job-002", types.JobAssigned, 1),
			"job-003": testJob("job-003", types.JobCompleted, 2),
		},
		Order:   []types.JobID{"job-001"},
		TakenAt: 1700000000000,
	}

	require.NoError(t, manager.Write(originalData))
	assert.True(t, manager.Exists())

	loadedData, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, types.SnapshotSchemaVersion, loadedData.SchemaVer)
	assert.Equal(t, originalData.Order, loadedData.Order)
	assert.Equal(t, originalData.TakenAt, loadedData.TakenAt)
	require.Len(t, loadedData.Jobs, 3)
	for jobID, originalJob := range originalData.Jobs {
		loadedJob, exists := loadedData.Jobs[jobID]
		require.True(t, exists, "Job %s should exist", jobID)
		assert.Equal(t, originalJob.Spec.ID, loadedJob.Spec.ID)
		assert.Equal(t, originalJob.State, loadedJob.State)
		assert.Equal(t, originalJob.Dispatches, loadedJob.Dispatches)
	}
}

// TestLoadMissingFile 首次啟動回傳空狀態
func TestLoadMissingFile(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "none.json"))
	assert.False(t, manager.Exists())

	data, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Jobs)
	assert.Empty(t, data.Jobs)
}

// TestAtomicWrite 測試原子性寫入
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.SnapshotData{
		Jobs:    map[types.JobID]*types.Job{"job-old": testJob("job-old", types.JobPending, 0)},
		TakenAt: 50,
	}))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		err := manager.Write(types.SnapshotData{
			Jobs:    map[types.JobID]*types.Job{"job-new": testJob("job-new", types.JobPending, 0)},
			TakenAt: 100,
		})
		assert.NoError(t, err)
	}()

	var loadedData types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loadedData = data
	}()

	wg.Wait()

	// 應該讀到完整的快照（舊的或新的），不會是半成品
	assert.True(t, loadedData.TakenAt == 50 || loadedData.TakenAt == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loadedData.TakenAt)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestLoadCorrupted 測試損壞檔案
func TestLoadCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(snapshotPath, []byte("{\"jobs\": [1,"), 0o644))

	_, err := NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestLoadIncompatibleVersion 測試版本不相容
func TestLoadIncompatibleVersion(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "old.json")
	raw, err := json.Marshal(map[string]interface{}{
		"jobs":       map[string]interface{}{},
		"schema_ver": 1,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, raw, 0o644))

	_, err = NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
