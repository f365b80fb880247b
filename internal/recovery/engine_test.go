package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/deploy"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/infra"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/journal"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/lifecycle"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/metrics"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/statestore"
)

type capturedAlert struct {
	severity domain.Severity
	title    string
}

type capturingSink struct {
	mu     sync.Mutex
	alerts []capturedAlert
}

func (s *capturingSink) Send(severity domain.Severity, title, _ string, _ map[string]string) {
	s.mu.Lock()
	s.alerts = append(s.alerts, capturedAlert{severity: severity, title: title})
	s.mu.Unlock()
}

func (s *capturingSink) count(title string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.title == title {
			n++
		}
	}
	return n
}

// fastStrategy — рестарт с миллисекундными задержками, чтобы тесты не спали.
func fastStrategy() domain.RecoveryStrategy {
	return domain.RecoveryStrategy{
		Kind:          domain.RecoveryRestart,
		MaxAttempts:   3,
		BackoffFactor: 2.0,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Timeout:       2 * time.Second,
	}
}

func newTestEngine(t *testing.T) (*Engine, *lifecycle.Manager, *deploy.MockBackend, *capturingSink) {
	t.Helper()
	sink := &capturingSink{}
	mgr := lifecycle.NewManager(
		infra.LifecycleConfig{},
		statestore.NewMemoryStore(),
		journal.New(journal.NewMemoryStorage(), zap.NewNop(), 100, 10, time.Second),
		sink,
		metrics.NewCollector(nil),
		zap.NewNop(),
	)
	backend := deploy.NewMockBackend()
	mgr.SetBackend(backend)

	engine, err := NewEngine(mgr, backend, sink, metrics.NewCollector(nil), 2, 0, zap.NewNop())
	require.NoError(t, err)
	return engine, mgr, backend, sink
}

func failedAgent(t *testing.T, mgr *lifecycle.Manager, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mgr.Register(ctx, domain.AgentSpec{
		ID: id, Type: "worker", TenantID: "acme",
	}, domain.DeploymentHandle{Name: id + "-seed", Namespace: "acme"}))
	require.NoError(t, mgr.ReplaceStrategy(ctx, id, fastStrategy()))
	require.NoError(t, mgr.UpdateState(ctx, id, domain.StateRunning, nil))
	require.NoError(t, mgr.UpdateState(ctx, id, domain.StateFailed, nil))
}

func TestRestartRecoveryBringsAgentBack(t *testing.T) {
	engine, mgr, backend, _ := newTestEngine(t)
	failedAgent(t, mgr, "a1")

	require.NoError(t, engine.InitiateRecovery(context.Background(), "a1", "crash"))

	st, err := mgr.State("a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, st.CurrentState)
	assert.Equal(t, "restart", st.Metadata["recovered_by"])
	// Пересозданный юнит получил новый хэндл
	assert.NotEqual(t, "a1-seed", st.Deployment.Name)
	assert.Equal(t, 1, backend.DeployedCount())

	// Вход в RUNNING обнулил счетчик попыток
	attempts, _, _, err := mgr.RecoveryStatus("a1")
	require.NoError(t, err)
	assert.Zero(t, attempts)

	actions := engine.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, domain.RecoveryRestart, actions[0].Strategy)
	assert.Equal(t, "crash", actions[0].Reason)
}

func TestFailedAttemptKeepsAgentFailed(t *testing.T) {
	engine, mgr, backend, _ := newTestEngine(t)
	failedAgent(t, mgr, "a1")
	backend.FailOps["deploy"] = true

	err := engine.InitiateRecovery(context.Background(), "a1", "crash")
	require.Error(t, err)

	st, stErr := mgr.State("a1")
	require.NoError(t, stErr)
	assert.Equal(t, domain.StateFailed, st.CurrentState)
	assert.NotEmpty(t, st.Metadata["recovery_error"])

	attempts, _, _, rErr := mgr.RecoveryStatus("a1")
	require.NoError(t, rErr)
	assert.Equal(t, 1, attempts)
}

func TestRecoveryExhaustionAlertsOnce(t *testing.T) {
	engine, mgr, _, sink := newTestEngine(t)
	failedAgent(t, mgr, "a1")
	ctx := context.Background()

	// Выбираем лимит попыток
	for i := 0; i < fastStrategy().MaxAttempts; i++ {
		_, _, err := mgr.BeginRecoveryAttempt(ctx, "a1")
		require.NoError(t, err)
	}

	err := engine.InitiateRecovery(ctx, "a1", "crash")
	assert.ErrorIs(t, err, domain.ErrRecoveryExhausted)
	assert.Equal(t, 1, sink.count("recovery attempts exhausted"))
}

// Исчерпание через штатный путь: повторные восстановления, как их гонит
// координатор (пока лимит не выбран), при стабильно падающем бэкенде.
func TestExhaustionAlertFiresOnFinalFailedAttempt(t *testing.T) {
	engine, mgr, backend, sink := newTestEngine(t)
	failedAgent(t, mgr, "a1")
	backend.FailOps["deploy"] = true
	ctx := context.Background()

	for {
		attempts, strategy, _, err := mgr.RecoveryStatus("a1")
		require.NoError(t, err)
		if attempts >= strategy.MaxAttempts {
			break
		}
		require.Error(t, engine.InitiateRecovery(ctx, "a1", "coordinator retry"))
	}

	st, err := mgr.State("a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, st.CurrentState)
	assert.Equal(t, 1, sink.count("recovery attempts exhausted"))

	// Повторный репорт по уже упавшему агенту — no-op, второго алерта нет
	require.NoError(t, mgr.ReportFailure(ctx, "a1", "still down"))
	assert.Equal(t, 1, sink.count("recovery attempts exhausted"))
}

func TestMigrationStrategyRelocates(t *testing.T) {
	engine, mgr, _, _ := newTestEngine(t)
	ctx := context.Background()

	strategy := fastStrategy()
	strategy.Kind = domain.RecoveryMigrate

	require.NoError(t, mgr.Register(ctx, domain.AgentSpec{
		ID: "a1", Type: "worker", TenantID: "acme",
	}, domain.DeploymentHandle{Name: "a1-1", Namespace: "acme"}))
	require.NoError(t, mgr.ReplaceStrategy(ctx, "a1", strategy))
	require.NoError(t, mgr.UpdateState(ctx, "a1", domain.StateRunning, nil))
	require.NoError(t, mgr.UpdateState(ctx, "a1", domain.StateFailed, nil))

	require.NoError(t, engine.InitiateRecovery(ctx, "a1", "node pressure"))

	st, err := mgr.State("a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, st.CurrentState)
	assert.Equal(t, "migrate", st.Metadata["recovered_by"])
	assert.Contains(t, st.Deployment.Name, "relocated")
}

func TestRepeatedFailuresEscalateToMigration(t *testing.T) {
	engine, mgr, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, mgr.Register(ctx, domain.AgentSpec{
		ID: "a1", Type: "worker", TenantID: "acme",
	}, domain.DeploymentHandle{Name: "a1-1", Namespace: "acme"}))
	require.NoError(t, mgr.ReplaceStrategy(ctx, "a1", fastStrategy()))

	// Три одинаковых сбоя формируют паттерн
	for i := 0; i < 3; i++ {
		require.NoError(t, mgr.UpdateState(ctx, "a1", domain.StateRunning, nil))
		require.NoError(t, mgr.ReportFailure(ctx, "a1", "oom killed"))
	}
	require.NoError(t, mgr.UpdateState(ctx, "a1", domain.StateFailed, nil))

	require.NoError(t, engine.InitiateRecovery(ctx, "a1", "oom killed"))

	actions := engine.Actions()
	require.NotEmpty(t, actions)
	assert.Equal(t, domain.RecoveryMigrate, actions[len(actions)-1].Strategy)
}

func TestManualStrategyOnlyAlerts(t *testing.T) {
	engine, mgr, backend, sink := newTestEngine(t)
	ctx := context.Background()

	strategy := fastStrategy()
	strategy.Kind = domain.RecoveryManual

	require.NoError(t, mgr.Register(ctx, domain.AgentSpec{
		ID: "a1", Type: "worker", TenantID: "acme",
	}, domain.DeploymentHandle{Name: "a1-1", Namespace: "acme"}))
	require.NoError(t, mgr.ReplaceStrategy(ctx, "a1", strategy))
	require.NoError(t, mgr.UpdateState(ctx, "a1", domain.StateRunning, nil))
	require.NoError(t, mgr.UpdateState(ctx, "a1", domain.StateFailed, nil))

	require.NoError(t, engine.InitiateRecovery(ctx, "a1", "disk corruption"))

	st, err := mgr.State("a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, st.CurrentState)
	assert.Equal(t, 1, sink.count("manual recovery required"))
	assert.Zero(t, backend.DeployedCount())
}

func TestInitiateRecoveryCancellableDuringBackoff(t *testing.T) {
	engine, mgr, _, _ := newTestEngine(t)
	ctx := context.Background()

	slow := fastStrategy()
	slow.InitialDelay = time.Minute
	slow.MaxDelay = time.Minute

	require.NoError(t, mgr.Register(ctx, domain.AgentSpec{
		ID: "a1", Type: "worker", TenantID: "acme",
	}, domain.DeploymentHandle{Name: "a1-1", Namespace: "acme"}))
	require.NoError(t, mgr.ReplaceStrategy(ctx, "a1", slow))
	require.NoError(t, mgr.UpdateState(ctx, "a1", domain.StateFailed, nil))

	cancelCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- engine.InitiateRecovery(cancelCtx, "a1", "crash") }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("recovery did not abort on context cancellation")
	}
}
