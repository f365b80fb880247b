package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumStableAcrossInsertionOrder(t *testing.T) {
	spec := AgentSpec{ID: "a1", Type: "worker", TenantID: "acme"}

	first := map[string]any{"alpha": 1, "beta": 2, "gamma": 3}
	second := map[string]any{"gamma": 3, "alpha": 1, "beta": 2}

	sumA, err := ComputeChecksum(first, nil, spec)
	require.NoError(t, err)
	sumB, err := ComputeChecksum(second, nil, spec)
	require.NoError(t, err)
	assert.Equal(t, sumA, sumB)
}

func TestChecksumSensitiveToContent(t *testing.T) {
	spec := AgentSpec{ID: "a1", Type: "worker", TenantID: "acme"}

	sumA, err := ComputeChecksum(map[string]any{"cursor": "p1"}, nil, spec)
	require.NoError(t, err)
	sumB, err := ComputeChecksum(map[string]any{"cursor": "p2"}, nil, spec)
	require.NoError(t, err)
	assert.NotEqual(t, sumA, sumB)
}

func TestSnapshotVerify(t *testing.T) {
	spec := AgentSpec{ID: "a1", Type: "worker", TenantID: "acme"}
	state := map[string]any{"cursor": "batch-7"}
	workload := map[string]any{"w1": "task"}

	checksum, err := ComputeChecksum(state, workload, spec)
	require.NoError(t, err)

	snap := StateSnapshot{
		AgentID:   "a1",
		Timestamp: time.Now(),
		State:     state,
		Workload:  workload,
		Config:    spec,
		Checksum:  checksum,
	}
	assert.NoError(t, snap.Verify())

	snap.State["cursor"] = "tampered"
	assert.ErrorIs(t, snap.Verify(), ErrIntegrity)
}
