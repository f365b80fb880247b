package balancer

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/alerting"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/infra"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/metrics"
)

// Пороги предиктивного скейлинга по группе (type, tenant)
const (
	scaleUpUtil       = 0.8
	scaleUpResource   = 80.0
	scaleUpLatency    = 500 * time.Millisecond
	scaleDownUtil     = 0.3
	scaleDownResource = 30.0
)

// DecisionHandler получает принятые решения. Обычно — прослойка,
// дергающая деплой-бекенд или внешний оркестратор.
type DecisionHandler func(ctx context.Context, d domain.ScalingDecision)

// Predictor периодически оценивает загрузку групп агентов и
// рекомендует изменение размера группы. Повторные решения по одной
// группе гасятся окном cooldown, чтобы не раскачивать флот.
type Predictor struct {
	balancer *Balancer
	cfg      infra.BalancerConfig
	metrics  *metrics.Collector
	alerts   *alerting.Dispatcher
	logger   *zap.Logger
	rdb      *redis.Client // nil — без публикации в канал
	handler  DecisionHandler

	lastDecision map[string]time.Time // group key -> момент последнего решения
}

func NewPredictor(b *Balancer, cfg infra.BalancerConfig, mc *metrics.Collector, alerts *alerting.Dispatcher, rdb *redis.Client, logger *zap.Logger) *Predictor {
	return &Predictor{
		balancer:     b,
		cfg:          cfg,
		metrics:      mc,
		alerts:       alerts,
		logger:       logger.Named("predictor"),
		rdb:          rdb,
		lastDecision: make(map[string]time.Time),
	}
}

// SetHandler подключает исполнителя решений. Опционально: без него
// решения только публикуются и логируются.
func (p *Predictor) SetHandler(h DecisionHandler) { p.handler = h }

// Run — цикл оценки. Блокируется до отмены контекста.
func (p *Predictor) Run(ctx context.Context) {
	interval := p.cfg.PredictInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	p.logger.Info("predictor started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("predictor stopped")
			return
		case <-ticker.C:
			p.Evaluate(ctx)
		}
	}
}

type groupStats struct {
	agentType string
	tenantID  string
	replicas  int
	conns     int
	capacity  int
	cpuSum    float64
	memSum    float64
	latSum    time.Duration
}

// Evaluate — один проход оценки всех групп. Вынесен отдельно для тестов.
func (p *Predictor) Evaluate(ctx context.Context) {
	groups := make(map[string]*groupStats)
	for _, ep := range p.balancer.Snapshot() {
		if ep.Health != domain.HealthHealthy && ep.Health != domain.HealthDegraded {
			continue
		}
		key := ep.AgentType + "/" + ep.TenantID
		g, ok := groups[key]
		if !ok {
			g = &groupStats{agentType: ep.AgentType, tenantID: ep.TenantID}
			groups[key] = g
		}
		g.replicas++
		g.conns += ep.CurrentConnections
		g.capacity += ep.MaxConnections
		g.cpuSum += ep.CPUPercent
		g.memSum += ep.MemPercent
		g.latSum += ep.AvgResponseTime
	}

	now := time.Now()
	for key, g := range groups {
		d, ok := p.decide(g)
		if !ok {
			continue
		}
		if last, seen := p.lastDecision[key]; seen && now.Sub(last) < p.cooldown() {
			continue
		}
		p.lastDecision[key] = now
		p.emit(ctx, d)
	}
}

func (p *Predictor) cooldown() time.Duration {
	if p.cfg.ScaleCooldown > 0 {
		return p.cfg.ScaleCooldown
	}
	return 3 * time.Minute
}

func (p *Predictor) decide(g *groupStats) (domain.ScalingDecision, bool) {
	n := float64(g.replicas)
	util := 0.0
	if g.capacity > 0 {
		util = float64(g.conns) / float64(g.capacity)
	}
	avgCPU := g.cpuSum / n
	avgMem := g.memSum / n
	avgLat := time.Duration(float64(g.latSum) / n)

	d := domain.ScalingDecision{
		AgentType:       g.agentType,
		TenantID:        g.tenantID,
		CurrentReplicas: g.replicas,
		DecidedAt:       time.Now(),
	}

	switch {
	case util > scaleUpUtil:
		d.Direction, d.Reason = domain.ScaleUp, "connection utilization above threshold"
	case avgCPU > scaleUpResource:
		d.Direction, d.Reason = domain.ScaleUp, "cpu utilization above threshold"
	case avgMem > scaleUpResource:
		d.Direction, d.Reason = domain.ScaleUp, "memory utilization above threshold"
	case avgLat > scaleUpLatency:
		d.Direction, d.Reason = domain.ScaleUp, "response latency above threshold"
	case util < scaleDownUtil && avgCPU < scaleDownResource && avgMem < scaleDownResource && g.replicas > 1:
		d.Direction, d.Reason = domain.ScaleDown, "group underutilized"
	default:
		return domain.ScalingDecision{}, false
	}

	if d.Direction == domain.ScaleUp {
		d.TargetReplicas = g.replicas + int(math.Max(1, math.Round(n*0.5)))
	} else {
		d.TargetReplicas = g.replicas - 1
	}
	return d, true
}

func (p *Predictor) emit(ctx context.Context, d domain.ScalingDecision) {
	p.logger.Info("scaling decision",
		zap.String("agent_type", d.AgentType),
		zap.String("tenant_id", d.TenantID),
		zap.String("direction", string(d.Direction)),
		zap.Int("current", d.CurrentReplicas),
		zap.Int("target", d.TargetReplicas),
		zap.String("reason", d.Reason))
	p.metrics.ScalingDecisions.WithLabelValues(d.AgentType, d.TenantID, string(d.Direction)).Inc()
	p.alerts.Send(domain.SeverityInfo, "scaling recommended", d.Reason, map[string]string{
		"agent_type": d.AgentType,
		"tenant_id":  d.TenantID,
		"direction":  string(d.Direction),
	})

	if p.rdb != nil {
		if payload, err := json.Marshal(d); err == nil {
			if err := p.rdb.Publish(ctx, infra.RedisChanScaling, payload).Err(); err != nil {
				p.logger.Warn("scaling decision publish failed", zap.Error(err))
			}
		}
	}
	if p.handler != nil {
		p.handler(ctx, d)
	}
}
