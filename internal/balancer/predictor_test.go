package balancer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/alerting"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/infra"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/metrics"
)

type decisionRecorder struct {
	mu        sync.Mutex
	decisions []domain.ScalingDecision
}

func (r *decisionRecorder) handle(_ context.Context, d domain.ScalingDecision) {
	r.mu.Lock()
	r.decisions = append(r.decisions, d)
	r.mu.Unlock()
}

func (r *decisionRecorder) all() []domain.ScalingDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ScalingDecision, len(r.decisions))
	copy(out, r.decisions)
	return out
}

func newTestPredictor(t *testing.T, b *Balancer, cooldown time.Duration) (*Predictor, *decisionRecorder) {
	t.Helper()
	alerts := alerting.NewDispatcher(nil, zap.NewNop(), 64)
	alerts.Start()
	t.Cleanup(alerts.Stop)

	p := NewPredictor(b, infra.BalancerConfig{
		PredictInterval: time.Minute,
		ScaleCooldown:   cooldown,
	}, metrics.NewCollector(nil), alerts, nil, zap.NewNop())
	rec := &decisionRecorder{}
	p.SetHandler(rec.handle)
	return p, rec
}

func loadedEndpoint(id string, conns int) domain.AgentEndpoint {
	ep := endpoint(id)
	ep.CurrentConnections = conns
	return ep
}

func TestPredictorScalesUpOnUtilization(t *testing.T) {
	b := newTestBalancer(t)
	// Два агента, 9/10 соединений каждый: утилизация 0.9
	b.Upsert(loadedEndpoint("a1", 9))
	b.Upsert(loadedEndpoint("a2", 9))

	p, rec := newTestPredictor(t, b, time.Hour)
	p.Evaluate(context.Background())

	decisions := rec.all()
	require.Len(t, decisions, 1)
	d := decisions[0]
	assert.Equal(t, domain.ScaleUp, d.Direction)
	assert.Equal(t, 2, d.CurrentReplicas)
	// +max(1, round(n*0.5)) = +1
	assert.Equal(t, 3, d.TargetReplicas)
	assert.Equal(t, "worker", d.AgentType)
	assert.Equal(t, "acme", d.TenantID)
}

func TestPredictorScalesUpOnResourcePressure(t *testing.T) {
	b := newTestBalancer(t)
	hot := endpoint("a1")
	hot.CPUPercent = 95
	b.Upsert(hot)

	p, rec := newTestPredictor(t, b, time.Hour)
	p.Evaluate(context.Background())

	decisions := rec.all()
	require.Len(t, decisions, 1)
	assert.Equal(t, domain.ScaleUp, decisions[0].Direction)
	assert.Equal(t, "cpu utilization above threshold", decisions[0].Reason)
}

func TestPredictorScalesDownIdleGroup(t *testing.T) {
	b := newTestBalancer(t)
	// Утилизация 0.1, ресурсы холодные, реплик больше одной
	b.Upsert(loadedEndpoint("a1", 1))
	b.Upsert(loadedEndpoint("a2", 1))
	b.Upsert(loadedEndpoint("a3", 1))

	p, rec := newTestPredictor(t, b, time.Hour)
	p.Evaluate(context.Background())

	decisions := rec.all()
	require.Len(t, decisions, 1)
	assert.Equal(t, domain.ScaleDown, decisions[0].Direction)
	assert.Equal(t, 2, decisions[0].TargetReplicas)
}

func TestPredictorNeverScalesBelowOneReplica(t *testing.T) {
	b := newTestBalancer(t)
	b.Upsert(loadedEndpoint("solo", 0))

	p, rec := newTestPredictor(t, b, time.Hour)
	p.Evaluate(context.Background())
	assert.Empty(t, rec.all())
}

func TestPredictorCooldownSuppressesRepeats(t *testing.T) {
	b := newTestBalancer(t)
	b.Upsert(loadedEndpoint("a1", 9))

	p, rec := newTestPredictor(t, b, time.Hour)
	ctx := context.Background()

	p.Evaluate(ctx)
	p.Evaluate(ctx)
	p.Evaluate(ctx)
	assert.Len(t, rec.all(), 1)
}

func TestPredictorCooldownExpires(t *testing.T) {
	b := newTestBalancer(t)
	b.Upsert(loadedEndpoint("a1", 9))

	p, rec := newTestPredictor(t, b, 20*time.Millisecond)
	ctx := context.Background()

	p.Evaluate(ctx)
	time.Sleep(30 * time.Millisecond)
	p.Evaluate(ctx)
	assert.Len(t, rec.all(), 2)
}

func TestPredictorIgnoresUnhealthyEndpoints(t *testing.T) {
	b := newTestBalancer(t)
	dead := loadedEndpoint("a1", 9)
	dead.Health = domain.HealthUnhealthy
	b.Upsert(dead)

	p, rec := newTestPredictor(t, b, time.Hour)
	p.Evaluate(context.Background())
	assert.Empty(t, rec.all())
}

func TestPredictorBalancedGroupStaysQuiet(t *testing.T) {
	b := newTestBalancer(t)
	b.Upsert(loadedEndpoint("a1", 5))
	b.Upsert(loadedEndpoint("a2", 5))

	p, rec := newTestPredictor(t, b, time.Hour)
	p.Evaluate(context.Background())
	assert.Empty(t, rec.all())
}
