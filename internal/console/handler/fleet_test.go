package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/alerting"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/balancer"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/console/handler"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/console/server"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/deploy"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/health"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/infra"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/journal"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/lifecycle"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/metrics"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/recovery"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/resilience"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/statestore"
)

type testEnv struct {
	api     *server.FleetServer
	mgr     *lifecycle.Manager
	lb      *balancer.Balancer
	backend *deploy.MockBackend
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	collector := metrics.NewCollector(nil)

	alerts := alerting.NewDispatcher(nil, logger, 64)
	alerts.Start()
	t.Cleanup(alerts.Stop)

	mgr := lifecycle.NewManager(
		infra.LifecycleConfig{},
		statestore.NewMemoryStore(),
		journal.New(journal.NewMemoryStorage(), logger, 100, 10, time.Second),
		alerts,
		collector,
		logger,
	)
	backend := deploy.NewMockBackend()
	mgr.SetBackend(backend)

	engine, err := recovery.NewEngine(mgr, backend, alerts, collector, 2, 0, logger)
	require.NoError(t, err)

	monitor, err := health.NewMonitor(resilience.BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
	}, 20, alerts, collector, logger)
	require.NoError(t, err)

	lb := balancer.New(0, logger)

	fleetH := handler.NewFleetHandler(mgr, engine, monitor, lb, backend, logger)
	return &testEnv{
		api:     server.NewFleetServer(logger, fleetH),
		mgr:     mgr,
		lb:      lb,
		backend: backend,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.api.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndGetAgent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/agents", domain.AgentSpec{
		ID: "a1", Type: "worker", TenantID: "acme",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, env.backend.DeployedCount())

	rec = env.do(t, http.MethodGet, "/v1/agents/a1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st domain.AgentLifecycleState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, domain.StateCreated, st.CurrentState)
	assert.Equal(t, "acme", st.TenantID)
}

func TestCreateAgentRejectsBadSpec(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/agents", domain.AgentSpec{ID: "a1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownAgentIs404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAgents(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/v1/agents", domain.AgentSpec{
			ID: fmt.Sprintf("a%d", i), Type: "worker", TenantID: "acme",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var states []domain.AgentLifecycleState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &states))
	assert.Len(t, states, 3)
}

func TestReportFailureEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/agents", domain.AgentSpec{
		ID: "a1", Type: "worker", TenantID: "acme",
	}).Code)

	rec := env.do(t, http.MethodPost, "/v1/agents/a1/failure", map[string]string{"reason": "manual kill"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	st, err := env.mgr.State("a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, st.CurrentState)

	// Пустой reason — ошибка клиента
	rec = env.do(t, http.MethodPost, "/v1/agents/a1/failure", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/agents", domain.AgentSpec{
		ID: "a1", Type: "worker", TenantID: "acme",
	}).Code)

	assert.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/agents/a1/snapshot", nil).Code)

	rec := env.do(t, http.MethodGet, "/v1/agents/a1/snapshots?n=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snaps []domain.StateSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	assert.Len(t, snaps, 1)

	assert.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/v1/agents/a1/restore", nil).Code)
}

func TestSetStrategyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/agents", domain.AgentSpec{
		ID: "a1", Type: "worker", TenantID: "acme",
	}).Code)

	strategy := domain.DefaultRecoveryStrategy()
	strategy.Kind = domain.RecoveryScale
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodPut, "/v1/agents/a1/strategy", strategy).Code)

	bad := strategy
	bad.MaxAttempts = 0
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPut, "/v1/agents/a1/strategy", bad).Code)
}

func TestRouteAndRelease(t *testing.T) {
	env := newTestEnv(t)
	env.lb.Upsert(domain.AgentEndpoint{
		AgentID:        "a1",
		AgentType:      "worker",
		TenantID:       "acme",
		MaxConnections: 10,
		Health:         domain.HealthHealthy,
		Weight:         1.0,
	})

	rec := env.do(t, http.MethodPost, "/v1/route", map[string]any{
		"agent_type": "worker",
		"tenant_id":  "acme",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var ep domain.AgentEndpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ep))
	assert.Equal(t, "a1", ep.AgentID)
	assert.Equal(t, 1, ep.CurrentConnections)

	rec = env.do(t, http.MethodPost, "/v1/route/release", map[string]any{
		"agent_id": "a1", "response_time_ms": 42, "success": true,
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Несовпадающий тенант — 503
	rec = env.do(t, http.MethodPost, "/v1/route", map[string]any{
		"agent_type": "worker", "tenant_id": "other",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFleetStats(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/agents", domain.AgentSpec{
		ID: "a1", Type: "worker", TenantID: "acme",
	}).Code)

	rec := env.do(t, http.MethodGet, "/v1/fleet/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	byState := stats["agents_by_state"].(map[string]any)
	assert.EqualValues(t, 1, byState["created"])
}
