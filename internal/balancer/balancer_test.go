package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

func newTestBalancer(t *testing.T) *Balancer {
	t.Helper()
	return New(0, zap.NewNop())
}

func endpoint(id string) domain.AgentEndpoint {
	return domain.AgentEndpoint{
		AgentID:        id,
		AgentType:      "worker",
		TenantID:       "acme",
		MaxConnections: 10,
		Health:         domain.HealthHealthy,
		Weight:         1.0,
	}
}

func TestSelectFiltersCandidates(t *testing.T) {
	b := newTestBalancer(t)

	wrongTenant := endpoint("tenant")
	wrongTenant.TenantID = "other"
	b.Upsert(wrongTenant)

	wrongType := endpoint("type")
	wrongType.AgentType = "scraper"
	b.Upsert(wrongType)

	sick := endpoint("sick")
	sick.Health = domain.HealthUnhealthy
	b.Upsert(sick)

	full := endpoint("full")
	full.CurrentConnections = 10
	b.Upsert(full)

	assert.Nil(t, b.SelectAgent("worker", "acme", nil))

	b.Upsert(endpoint("ok"))
	got := b.SelectAgent("worker", "acme", nil)
	require.NotNil(t, got)
	assert.Equal(t, "ok", got.AgentID)
}

func TestSelectRequiresCapabilitySuperset(t *testing.T) {
	b := newTestBalancer(t)

	partial := endpoint("partial")
	partial.Capabilities = []string{"ocr"}
	b.Upsert(partial)

	complete := endpoint("complete")
	complete.Capabilities = []string{"ocr", "gpu", "batch"}
	b.Upsert(complete)

	got := b.SelectAgent("worker", "acme", []string{"ocr", "gpu"})
	require.NotNil(t, got)
	assert.Equal(t, "complete", got.AgentID)

	assert.Nil(t, b.SelectAgent("worker", "acme", []string{"quantum"}))
}

func TestSelectPrefersLessLoaded(t *testing.T) {
	b := newTestBalancer(t)

	busy := endpoint("busy")
	busy.CurrentConnections = 8
	b.Upsert(busy)
	b.Upsert(endpoint("idle"))

	got := b.SelectAgent("worker", "acme", nil)
	require.NotNil(t, got)
	assert.Equal(t, "idle", got.AgentID)
}

func TestSelectPrefersHealthyOverDegraded(t *testing.T) {
	b := newTestBalancer(t)

	degraded := endpoint("degraded")
	degraded.Health = domain.HealthDegraded
	b.Upsert(degraded)
	b.Upsert(endpoint("healthy"))

	got := b.SelectAgent("worker", "acme", nil)
	require.NotNil(t, got)
	assert.Equal(t, "healthy", got.AgentID)
}

func TestSelectReservesConnection(t *testing.T) {
	b := newTestBalancer(t)
	ep := endpoint("a1")
	ep.MaxConnections = 2
	b.Upsert(ep)

	require.NotNil(t, b.SelectAgent("worker", "acme", nil))
	require.NotNil(t, b.SelectAgent("worker", "acme", nil))
	// Емкость исчерпана
	assert.Nil(t, b.SelectAgent("worker", "acme", nil))

	b.Release("a1", 10*time.Millisecond, true)
	assert.NotNil(t, b.SelectAgent("worker", "acme", nil))
}

func TestReleaseSmoothsResponseTime(t *testing.T) {
	b := newTestBalancer(t)
	b.Upsert(endpoint("a1"))

	require.NotNil(t, b.SelectAgent("worker", "acme", nil))
	b.Release("a1", 100*time.Millisecond, true)

	snap := b.Snapshot()
	require.Len(t, snap, 1)
	// Первое наблюдение задает базу EMA
	assert.Equal(t, 100*time.Millisecond, snap[0].AvgResponseTime)

	require.NotNil(t, b.SelectAgent("worker", "acme", nil))
	b.Release("a1", 200*time.Millisecond, true)

	snap = b.Snapshot()
	// 100*0.9 + 200*0.1 = 110ms
	assert.InDelta(t, float64(110*time.Millisecond), float64(snap[0].AvgResponseTime), float64(time.Millisecond))
	assert.Zero(t, snap[0].CurrentConnections)
}

func TestUpsertKeepsConnectionCount(t *testing.T) {
	b := newTestBalancer(t)
	b.Upsert(endpoint("a1"))
	require.NotNil(t, b.SelectAgent("worker", "acme", nil))

	updated := endpoint("a1")
	updated.CPUPercent = 55
	b.Upsert(updated)

	snap := b.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].CurrentConnections)
	assert.Equal(t, 55.0, snap[0].CPUPercent)
}

func TestRefreshHealthUpdatesRouting(t *testing.T) {
	b := newTestBalancer(t)
	b.Upsert(endpoint("a1"))

	b.RefreshHealth("a1", domain.HealthUnhealthy, 50*time.Millisecond)
	assert.Nil(t, b.SelectAgent("worker", "acme", nil))

	b.RefreshHealth("a1", domain.HealthHealthy, 50*time.Millisecond)
	assert.NotNil(t, b.SelectAgent("worker", "acme", nil))
}

func TestRemoveStopsRouting(t *testing.T) {
	b := newTestBalancer(t)
	b.Upsert(endpoint("a1"))
	b.Remove("a1")
	assert.Nil(t, b.SelectAgent("worker", "acme", nil))
	assert.Empty(t, b.Snapshot())
}

func TestSnapshotSorted(t *testing.T) {
	b := newTestBalancer(t)
	b.Upsert(endpoint("charlie"))
	b.Upsert(endpoint("alpha"))
	b.Upsert(endpoint("bravo"))

	snap := b.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "alpha", snap[0].AgentID)
	assert.Equal(t, "bravo", snap[1].AgentID)
	assert.Equal(t, "charlie", snap[2].AgentID)
}
