package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/resilience"
)

type Collector struct {
	// Переходы машины состояний
	LifecycleTransitions *prometheus.CounterVec

	// Попытки восстановления (success = "true"/"false")
	RecoveryAttempts *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - open, 2 - half-open)
	CircuitBreakerState *prometheus.GaugeVec

	// Нагрузка: число work-item-ов на агенте
	WorkloadItems *prometheus.GaugeVec

	// Время непрерывной работы RUNNING-агента
	AgentUptime *prometheus.GaugeVec

	// Здоровье эндпоинтов
	EndpointLatency *prometheus.GaugeVec
	EndpointUptime  *prometheus.GaugeVec

	// Решения скейлера
	ScalingDecisions *prometheus.CounterVec

	// Алерты по severity
	AlertsTotal *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Collector{
		LifecycleTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_lifecycle_transitions_total",
			Help: "Total number of agent state transitions.",
		}, []string{"agent_type", "tenant_id", "to_state"}),

		RecoveryAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_recovery_attempts_total",
			Help: "Total number of recovery attempts by outcome.",
		}, []string{"agent_type", "tenant_id", "strategy", "success"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_circuit_breaker_state",
			Help: "Current state of a circuit breaker (0=closed, 1=open, 2=half-open).",
		}, []string{"breaker"}),

		WorkloadItems: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_workload_items",
			Help: "Number of workload items currently assigned to an agent.",
		}, []string{"agent_type", "tenant_id", "agent_id"}),

		AgentUptime: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_agent_uptime_seconds",
			Help: "Seconds since the agent last entered RUNNING; 0 when not running.",
		}, []string{"agent_type", "tenant_id", "agent_id"}),

		EndpointLatency: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_endpoint_latency_seconds",
			Help: "Smoothed health-check latency per endpoint.",
		}, []string{"endpoint"}),

		EndpointUptime: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_endpoint_uptime_percent",
			Help: "Uptime percentage per endpoint since registration.",
		}, []string{"endpoint"}),

		ScalingDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_scaling_decisions_total",
			Help: "Predictive scaling decisions by direction.",
		}, []string{"agent_type", "tenant_id", "direction"}),

		AlertsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_alerts_total",
			Help: "Alerts emitted by severity.",
		}, []string{"severity"}),
	}
}

// SetBreakerState реализует resilience.StateGauge.
func (c *Collector) SetBreakerState(name string, state resilience.BreakerState) {
	var v float64
	switch state {
	case resilience.BreakerOpen:
		v = 1
	case resilience.BreakerHalfOpen:
		v = 2
	}
	c.CircuitBreakerState.WithLabelValues(name).Set(v)
}
