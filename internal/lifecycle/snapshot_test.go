package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/deploy"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/infra"
)

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.SetBackend(deploy.NewMockBackend())
	ctx := context.Background()

	runningAgent(t, mgr, "a1")
	require.NoError(t, mgr.AssignWorkload(ctx, "a1", map[string]any{"w1": "task"}))

	state := map[string]any{"cursor": "batch-42", "processed": float64(1000)}
	require.NoError(t, mgr.CreateSnapshot(ctx, "a1", state, nil))

	// Уводим агента в FAILED и возвращаем из снапшота
	require.NoError(t, mgr.UpdateState(ctx, "a1", domain.StateFailed, nil))
	require.NoError(t, mgr.RestoreFromSnapshot(ctx, "a1", nil))

	st, err := mgr.State("a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, st.CurrentState)
	assert.Equal(t, "batch-42", st.AppState["cursor"])
	assert.Len(t, st.Workload, 1)
	assert.NotEmpty(t, st.Metadata["restored_from"])
}

func TestSnapshotDefaultsToCurrentState(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	runningAgent(t, mgr, "a1")
	require.NoError(t, mgr.AssignWorkload(ctx, "a1", map[string]any{"w1": 1, "w2": 2}))
	require.NoError(t, mgr.CreateSnapshot(ctx, "a1", nil, nil))

	snaps, err := mgr.Snapshots(ctx, "a1", 5)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Len(t, snaps[0].Workload, 2)
	assert.NoError(t, snaps[0].Verify())

	// Срез несет наблюдательные счетчики агента
	assert.Contains(t, snaps[0].Metrics, "failure_count")
	assert.Contains(t, snaps[0].Metrics, "restart_count")
}

func TestRestoreRejectsCorruptedSnapshot(t *testing.T) {
	mgr, sink := newTestManager(t)
	mgr.SetBackend(deploy.NewMockBackend())
	ctx := context.Background()

	runningAgent(t, mgr, "a1")

	// Снапшот с подмененным содержимым: checksum больше не сходится
	ts := time.Now()
	spec, err := mgr.Spec("a1")
	require.NoError(t, err)
	checksum, err := domain.ComputeChecksum(map[string]any{"cursor": "original"}, map[string]any{}, spec)
	require.NoError(t, err)
	tampered := domain.StateSnapshot{
		AgentID:   "a1",
		Timestamp: ts,
		State:     map[string]any{"cursor": "tampered"},
		Workload:  map[string]any{},
		Config:    spec,
		Checksum:  checksum,
	}
	key := infra.SnapshotKey("a1", ts)
	require.NoError(t, mgr.store.Set(ctx, key, tampered, infra.TTLSnapshot))
	require.NoError(t, mgr.store.IndexAdd(ctx, infra.RedisIdxSnapshots+"a1", key, ts))

	err = mgr.RestoreFromSnapshot(ctx, "a1", nil)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.Len(t, sink.byTitle("snapshot integrity failure"), 1)

	// Битый снапшот ничего не изменил
	st, stErr := mgr.State("a1")
	require.NoError(t, stErr)
	assert.Equal(t, domain.StateRunning, st.CurrentState)
}

func TestRestoreWithoutSnapshots(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.SetBackend(deploy.NewMockBackend())
	runningAgent(t, mgr, "a1")

	err := mgr.RestoreFromSnapshot(context.Background(), "a1", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRestoreBackendFailureMarksAgentFailed(t *testing.T) {
	mgr, _ := newTestManager(t)
	backend := deploy.NewMockBackend()
	backend.FailOps["recreate"] = true
	mgr.SetBackend(backend)
	ctx := context.Background()

	runningAgent(t, mgr, "a1")
	require.NoError(t, mgr.CreateSnapshot(ctx, "a1", map[string]any{"k": "v"}, nil))

	err := mgr.RestoreFromSnapshot(ctx, "a1", nil)
	require.Error(t, err)

	st, stErr := mgr.State("a1")
	require.NoError(t, stErr)
	assert.Equal(t, domain.StateFailed, st.CurrentState)
	assert.NotEmpty(t, st.Metadata["restore_error"])
}

func TestSnapshotHistoryBounded(t *testing.T) {
	mgr, _ := newTestManager(t) // SnapshotHistory: 3
	ctx := context.Background()
	runningAgent(t, mgr, "a1")

	for i := 0; i < 5; i++ {
		require.NoError(t, mgr.CreateSnapshot(ctx, "a1", map[string]any{"i": i}, nil))
		time.Sleep(time.Millisecond) // Различимые метки времени в индексе
	}

	snaps, err := mgr.Snapshots(ctx, "a1", 10)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(snaps), 3)

	// Новые первыми
	for i := 1; i < len(snaps); i++ {
		assert.True(t, snaps[i-1].Timestamp.After(snaps[i].Timestamp))
	}
}
