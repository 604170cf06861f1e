package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medqa/conductor/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedGPUs(t *testing.T, store *SQLiteStore, n int) {
	t.Helper()
	var metrics []types.GPUMetrics
	for i := 0; i < n; i++ {
		metrics = append(metrics, types.GPUMetrics{GPUID: i, UUID: "GPU-" + string(rune('a'+i))})
	}
	require.NoError(t, store.UpsertGPUMetrics(metrics))
}

func TestSchemaCreationIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, first.UpdateCaseStatus("c1", types.CaseStatusQueued, "New case detected", nil))
	require.NoError(t, first.Close())

	// Re-opening an existing database must not disturb its contents.
	second, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()

	c, err := second.GetCase("c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, types.CaseStatusQueued, c.Status)
}

func TestUpdateCaseStatusCreatesRowAndHistory(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpdateCaseStatus("c1", types.CaseStatusQueued, "New case detected", nil))

	exists, err := store.CaseExists("c1")
	require.NoError(t, err)
	assert.True(t, exists)

	step := "stepA"
	require.NoError(t, store.UpdateCaseStatus("c1", types.CaseStatusProcessing, "Dispatching step stepA on GPU 0", &step))

	c, err := store.GetCase("c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, types.CaseStatusProcessing, c.Status)
	require.NotNil(t, c.WorkflowStep)
	assert.Equal(t, "stepA", *c.WorkflowStep)

	history, err := store.GetCaseHistory("c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.CaseStatusQueued, history[0].Status)
	assert.Equal(t, types.CaseStatusProcessing, history[1].Status)
	assert.Equal(t, "New case detected", history[0].Message)
}

func TestUpdateCaseStatusNilStepLeavesStepUntouched(t *testing.T) {
	store := newTestStore(t)

	step := "stepA"
	require.NoError(t, store.UpdateCaseStatus("c1", types.CaseStatusProcessing, "", &step))
	require.NoError(t, store.UpdateCaseStatus("c1", types.CaseStatusPendingResource, "Waiting for available GPU", nil))

	c, err := store.GetCase("c1")
	require.NoError(t, err)
	require.NotNil(t, c.WorkflowStep)
	assert.Equal(t, "stepA", *c.WorkflowStep)

	// An explicit empty step clears it.
	clear := ""
	require.NoError(t, store.UpdateCaseStatus("c1", types.CaseStatusCompleted, "Workflow completed", &clear))
	c, err = store.GetCase("c1")
	require.NoError(t, err)
	assert.Nil(t, c.WorkflowStep)
}

func TestGetCaseUnknownReturnsNil(t *testing.T) {
	store := newTestStore(t)
	c, err := store.GetCase("missing")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestReserveAvailableGPU(t *testing.T) {
	store := newTestStore(t)
	seedGPUs(t, store, 2)

	id1, err := store.ReserveAvailableGPU("c1")
	require.NoError(t, err)
	id2, err := store.ReserveAvailableGPU("c2")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	// Pool exhausted.
	_, err = store.ReserveAvailableGPU("c3")
	assert.True(t, errors.Is(err, types.ErrResourceUnavailable))

	// Reservation created the case row if it did not exist.
	c, err := store.GetCase("c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	require.NotNil(t, c.AssignedGPUID)
	assert.Equal(t, id1, *c.AssignedGPUID)

	gpus, err := store.ListGPUs()
	require.NoError(t, err)
	for _, g := range gpus {
		assert.Equal(t, types.GPUStatusReserved, g.Status)
		require.NotNil(t, g.ReservedByCaseID)
	}
}

func TestReserveAvailableGPUConcurrent(t *testing.T) {
	store := newTestStore(t)
	seedGPUs(t, store, 2)

	const callers = 8
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		caseID := fmt.Sprintf("c%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ReserveAvailableGPU(caseID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, noResource int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, types.ErrResourceUnavailable):
			noResource++
		default:
			t.Fatalf("unexpected error kind: %v", err)
		}
	}

	// Two GPUs admit at most two winners; every loser sees the
	// resource-unavailable kind, never a storage failure.
	assert.LessOrEqual(t, wins, 2)
	assert.GreaterOrEqual(t, wins, 1)
	assert.Equal(t, callers, wins+noResource)

	gpus, err := store.ListGPUs()
	require.NoError(t, err)
	holders := make(map[string]bool)
	reserved := 0
	for _, g := range gpus {
		if g.Status != types.GPUStatusReserved {
			continue
		}
		reserved++
		require.NotNil(t, g.ReservedByCaseID)
		assert.False(t, holders[*g.ReservedByCaseID], "case %s holds two GPUs", *g.ReservedByCaseID)
		holders[*g.ReservedByCaseID] = true
	}
	assert.Equal(t, wins, reserved)
}

func TestReleaseGPUForCase(t *testing.T) {
	store := newTestStore(t)
	seedGPUs(t, store, 1)

	_, err := store.ReserveAvailableGPU("c1")
	require.NoError(t, err)
	require.NoError(t, store.ReleaseGPUForCase("c1"))

	gpus, err := store.ListGPUs()
	require.NoError(t, err)
	require.Len(t, gpus, 1)
	assert.Equal(t, types.GPUStatusAvailable, gpus[0].Status)
	assert.Nil(t, gpus[0].ReservedByCaseID)

	c, err := store.GetCase("c1")
	require.NoError(t, err)
	assert.Nil(t, c.AssignedGPUID)

	// Releasing with nothing reserved is a no-op.
	require.NoError(t, store.ReleaseGPUForCase("c1"))
}

func TestMarkCaseFailed(t *testing.T) {
	store := newTestStore(t)
	seedGPUs(t, store, 1)

	_, err := store.ReserveAvailableGPU("c1")
	require.NoError(t, err)
	require.NoError(t, store.MarkCaseFailed("c1", "exit status 1"))

	c, err := store.GetCase("c1")
	require.NoError(t, err)
	assert.Equal(t, types.CaseStatusFailed, c.Status)
	require.NotNil(t, c.ErrorMessage)
	assert.Equal(t, "exit status 1", *c.ErrorMessage)
	assert.Nil(t, c.AssignedGPUID)

	history, err := store.GetCaseHistory("c1")
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, types.CaseStatusFailed, last.Status)
}

func TestCaseHistoryRecordsHeldGPU(t *testing.T) {
	store := newTestStore(t)
	seedGPUs(t, store, 1)

	gpuID, err := store.ReserveAvailableGPU("c1")
	require.NoError(t, err)

	step := "stepA"
	require.NoError(t, store.UpdateCaseStatus("c1", types.CaseStatusProcessing, "Dispatching step stepA on GPU 0", &step))
	require.NoError(t, store.MarkCaseFailed("c1", "exit status 1"))

	history, err := store.GetCaseHistory("c1")
	require.NoError(t, err)
	require.Len(t, history, 2)

	require.NotNil(t, history[0].GPUID)
	assert.Equal(t, gpuID, *history[0].GPUID)
	// The failure row still names the GPU the case held when it failed.
	require.NotNil(t, history[1].GPUID)
	assert.Equal(t, gpuID, *history[1].GPUID)

	// Rows written with no GPU assigned stay NULL.
	require.NoError(t, store.UpdateCaseStatus("c2", types.CaseStatusQueued, "New case detected", nil))
	history, err = store.GetCaseHistory("c2")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].GPUID)
}

func TestListCasesByStatus(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpdateCaseStatus("c1", types.CaseStatusPendingResource, "", nil))
	require.NoError(t, store.UpdateCaseStatus("c2", types.CaseStatusPendingResource, "", nil))
	require.NoError(t, store.UpdateCaseStatus("c3", types.CaseStatusCompleted, "", nil))

	pending, err := store.ListCasesByStatus(types.CaseStatusPendingResource)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	done, err := store.ListCasesByStatus(types.CaseStatusCompleted)
	require.NoError(t, err)
	assert.Len(t, done, 1)
}

func TestUpsertGPUMetricsPreservesReservation(t *testing.T) {
	store := newTestStore(t)
	seedGPUs(t, store, 1)

	_, err := store.ReserveAvailableGPU("c1")
	require.NoError(t, err)

	require.NoError(t, store.UpsertGPUMetrics([]types.GPUMetrics{
		{GPUID: 0, UUID: "GPU-a", UtilizationPct: 97, MemoryUsedMB: 1024, MemoryTotalMB: 8192, TemperatureC: 71},
	}))

	gpus, err := store.ListGPUs()
	require.NoError(t, err)
	require.Len(t, gpus, 1)
	assert.Equal(t, types.GPUStatusReserved, gpus[0].Status)
	assert.Equal(t, 97.0, gpus[0].UtilizationPct)
	assert.Equal(t, 1024, gpus[0].MemoryUsedMB)
}

func TestScannedCases(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AddScannedCase("/data/c1", types.ScanStatusProcessed))
	require.NoError(t, store.AddScannedCase("/data/c2", types.ScanStatusFailed))

	paths, err := store.ScannedCasePaths()
	require.NoError(t, err)
	assert.Contains(t, paths, "/data/c1")
	assert.Contains(t, paths, "/data/c2")

	require.NoError(t, store.RemoveScannedCase("/data/c2"))
	paths, err = store.ScannedCasePaths()
	require.NoError(t, err)
	assert.NotContains(t, paths, "/data/c2")
}

func TestListScannedCases(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AddScannedCase("/data/c1", types.ScanStatusProcessed))
	require.NoError(t, store.AddScannedCase("/data/c2", types.ScanStatusFailed))

	scanned, err := store.ListScannedCases()
	require.NoError(t, err)
	require.Len(t, scanned, 2)
	assert.Equal(t, "/data/c1", scanned[0].CasePath)
	assert.Equal(t, types.ScanStatusProcessed, scanned[0].Status)
	assert.Equal(t, "/data/c2", scanned[1].CasePath)
	assert.Equal(t, types.ScanStatusFailed, scanned[1].Status)
	assert.False(t, scanned[0].ScannedAt.IsZero())
}

func TestProcessStatusRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveProcessStatus(types.ProcessStatus{
		ProcessName: "remote_executor",
		PID:         4242,
		IsRemote:    true,
		Host:        "gpu-node-1",
	}))

	statuses, err := store.LoadProcessStatuses()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "remote_executor", statuses[0].ProcessName)
	assert.Equal(t, 4242, statuses[0].PID)
	assert.True(t, statuses[0].IsRemote)
	assert.Equal(t, "gpu-node-1", statuses[0].Host)

	// Save again replaces rather than duplicates.
	require.NoError(t, store.SaveProcessStatus(types.ProcessStatus{
		ProcessName: "remote_executor",
		PID:         4243,
		IsRemote:    true,
		Host:        "gpu-node-1",
	}))
	statuses, err = store.LoadProcessStatuses()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, 4243, statuses[0].PID)

	require.NoError(t, store.ClearProcessStatus("remote_executor"))
	statuses, err = store.LoadProcessStatuses()
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestWriteLog(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.WriteLog(types.LogEntry{
		Component:     "conductor",
		Level:         "INFO",
		CorrelationID: "c1",
		Message:       "workflow started",
	}))

	// Defaults fill missing component and timestamp.
	require.NoError(t, store.WriteLog(types.LogEntry{Level: "ERROR", Message: "boom"}))
}
