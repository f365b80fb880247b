// Package health — распределенный монитор здоровья эндпоинтов флота.
//
// На каждый зарегистрированный эндпоинт живет свой цикл проверок:
// медленная или зависшая проверка одной точки не задерживает остальные.
// Результаты сглаживаются (EMA), стрики управляют статусом и алертами,
// сбои агентских эндпоинтов уходят менеджеру жизненного цикла.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/alerting"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/metrics"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/resilience"
)

const (
	// Коэффициент экспоненциального сглаживания задержки
	latencyAlpha = 0.1
	// Окно «недавнего сбоя» для алерта о восстановлении
	recoveryWindow = 5 * time.Minute
)

// FailureReporter — менеджер жизненного цикла с точки зрения монитора.
type FailureReporter interface {
	ReportFailure(ctx context.Context, agentID, reason string) error
}

// EndpointSink — получатель обновлений здоровья (балансировщик).
type EndpointSink interface {
	RefreshHealth(agentID string, status domain.HealthStatus, latency time.Duration)
}

type monitoredEndpoint struct {
	cfg     domain.HealthCheckConfig
	check   CheckFunc
	breaker *resilience.Breaker // nil — без предохранителя
	cancel  context.CancelFunc

	mu      sync.Mutex
	metrics domain.HealthMetrics
}

// Monitor владеет реестром эндпоинтов. Реестр — явная коллекция,
// создается на старте и гасится на шатдауне.
type Monitor struct {
	breakerCfg resilience.BreakerConfig
	checks     *resilience.Bulkhead // Потолок одновременных проверок
	alerts     alerting.Sink
	collector  *metrics.Collector
	logger     *zap.Logger
	httpClient *http.Client

	fleet FailureReporter // Может быть nil
	sink  EndpointSink    // Может быть nil

	mu        sync.RWMutex
	endpoints map[string]*monitoredEndpoint

	runMu sync.Mutex
	ctx   context.Context // Базовый контекст циклов; nil до Start
}

func NewMonitor(
	breakerCfg resilience.BreakerConfig,
	maxConcurrent int,
	alerts alerting.Sink,
	collector *metrics.Collector,
	logger *zap.Logger,
) (*Monitor, error) {
	checks, err := resilience.NewBulkhead("health-checks", maxConcurrent)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		breakerCfg: breakerCfg,
		checks:     checks,
		alerts:     alerts,
		collector:  collector,
		logger:     logger.Named("health"),
		httpClient: &http.Client{},
		endpoints:  make(map[string]*monitoredEndpoint),
	}, nil
}

// SetFleet подключает менеджер для репортов о сбоях агентских эндпоинтов.
func (m *Monitor) SetFleet(fleet FailureReporter) { m.fleet = fleet }

// SetSink подключает балансировщик для обновлений здоровья.
func (m *Monitor) SetSink(sink EndpointSink) { m.sink = sink }

// Start запускает циклы проверок для всех уже зарегистрированных
// эндпоинтов; последующие регистрации стартуют сразу.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	m.ctx = ctx
	m.runMu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ep := range m.endpoints {
		if ep.cancel == nil {
			m.launch(ctx, ep)
		}
	}
}

// RegisterEndpoint валидирует конфиг, резолвит чекер и (если монитор
// запущен) сразу начинает цикл проверок.
func (m *Monitor) RegisterEndpoint(cfg domain.HealthCheckConfig) error {
	check, err := m.resolveChecker(cfg)
	if err != nil {
		return err
	}
	return m.register(cfg, check)
}

// RegisterCustom регистрирует эндпоинт с прикладной функцией проверки.
func (m *Monitor) RegisterCustom(cfg domain.HealthCheckConfig, check CheckFunc) error {
	if check == nil {
		return domain.Validationf("endpoint %s: nil custom check", cfg.Name)
	}
	cfg.Type = domain.CheckCustom
	return m.register(cfg, check)
}

func (m *Monitor) register(cfg domain.HealthCheckConfig, check CheckFunc) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	breaker, err := resilience.NewBreaker("health:"+cfg.Name, m.breakerCfg, m.logger, m.collector)
	if err != nil {
		return err
	}

	ep := &monitoredEndpoint{
		cfg:     cfg,
		check:   check,
		breaker: breaker,
		metrics: domain.HealthMetrics{
			Name:          cfg.Name,
			CurrentStatus: domain.HealthUnknown,
		},
	}

	m.mu.Lock()
	if _, exists := m.endpoints[cfg.Name]; exists {
		m.mu.Unlock()
		return domain.Validationf("endpoint %s already registered", cfg.Name)
	}
	m.endpoints[cfg.Name] = ep
	m.mu.Unlock()

	m.runMu.Lock()
	ctx := m.ctx
	m.runMu.Unlock()
	if ctx != nil {
		m.launch(ctx, ep)
	}

	m.logger.Info("endpoint registered",
		zap.String("endpoint", cfg.Name),
		zap.String("type", string(cfg.Type)),
		zap.Duration("interval", cfg.Interval))
	return nil
}

// Deregister останавливает цикл и убирает эндпоинт из реестра.
func (m *Monitor) Deregister(name string) error {
	m.mu.Lock()
	ep, ok := m.endpoints[name]
	if ok {
		delete(m.endpoints, name)
	}
	m.mu.Unlock()
	if !ok {
		return domain.NotFoundf("endpoint %s", name)
	}
	if ep.cancel != nil {
		ep.cancel()
	}
	return nil
}

// Metrics возвращает копию накопленных метрик эндпоинта.
func (m *Monitor) Metrics(name string) (domain.HealthMetrics, error) {
	m.mu.RLock()
	ep, ok := m.endpoints[name]
	m.mu.RUnlock()
	if !ok {
		return domain.HealthMetrics{}, domain.NotFoundf("endpoint %s", name)
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.metrics, nil
}

// AllMetrics — проекция для консоли.
func (m *Monitor) AllMetrics() []domain.HealthMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.HealthMetrics, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		ep.mu.Lock()
		out = append(out, ep.metrics)
		ep.mu.Unlock()
	}
	return out
}

func (m *Monitor) launch(parent context.Context, ep *monitoredEndpoint) {
	ctx, cancel := context.WithCancel(parent)
	ep.cancel = cancel
	go m.loop(ctx, ep)
}

func (m *Monitor) loop(ctx context.Context, ep *monitoredEndpoint) {
	ticker := time.NewTicker(ep.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCheck(ctx, ep)
		}
	}
}

// RunCheckNow выполняет внеплановую проверку. Используется тестами
// и ручным «проверить сейчас» из консоли.
func (m *Monitor) RunCheckNow(ctx context.Context, name string) error {
	m.mu.RLock()
	ep, ok := m.endpoints[name]
	m.mu.RUnlock()
	if !ok {
		return domain.NotFoundf("endpoint %s", name)
	}
	m.runCheck(ctx, ep)
	return nil
}

func (m *Monitor) runCheck(ctx context.Context, ep *monitoredEndpoint) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health check panic",
				zap.String("endpoint", ep.cfg.Name), zap.Any("panic", r))
		}
	}()

	// Задержка меряется по самой проверке, не по ожиданию слота в пуле
	var latency time.Duration
	err := m.checks.Do(ctx, func() error {
		start := time.Now()
		defer func() { latency = time.Since(start) }()
		return ep.breaker.Execute(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, ep.cfg.Timeout)
			defer cancel()
			return ep.check(checkCtx)
		})
	})

	// Проверка здорова только если прошла И уложилась в ожидаемую задержку
	healthy := err == nil && latency <= ep.cfg.ExpectedLatency

	reason := ""
	switch {
	case errors.Is(err, domain.ErrBreakerOpen):
		reason = "circuit breaker open"
	case err != nil:
		reason = err.Error()
	case !healthy:
		reason = fmt.Sprintf("latency %v above expected %v", latency, ep.cfg.ExpectedLatency)
	}

	m.applyResult(ctx, ep, healthy, latency, reason)
}

// applyResult — ядро правил §EMA/стриков/алертов.
func (m *Monitor) applyResult(ctx context.Context, ep *monitoredEndpoint, healthy bool, latency time.Duration, reason string) {
	ep.mu.Lock()
	hm := &ep.metrics
	hm.TotalChecks++
	hm.LastCheckAt = time.Now()

	if healthy {
		hm.SuccessChecks++
		hm.ConsecutiveSuccesses++
		hm.ConsecutiveFailures = 0
		if hm.AvgLatency == 0 {
			hm.AvgLatency = latency
		} else {
			hm.AvgLatency = time.Duration(float64(hm.AvgLatency)*(1-latencyAlpha) + float64(latency)*latencyAlpha)
		}
	} else {
		hm.FailedChecks++
		hm.ConsecutiveFailures++
		hm.ConsecutiveSuccesses = 0
	}
	hm.UptimePercent = float64(hm.SuccessChecks) / float64(hm.TotalChecks) * 100

	prevFailureAt := hm.LastFailureAt
	if !healthy {
		hm.LastFailureAt = hm.LastCheckAt
	}

	// Деривация статуса
	switch {
	case hm.ConsecutiveFailures >= ep.cfg.FailureThreshold:
		hm.CurrentStatus = domain.HealthUnhealthy
	case hm.ConsecutiveFailures > 0:
		hm.CurrentStatus = domain.HealthDegraded
	default:
		hm.CurrentStatus = domain.HealthHealthy
	}

	status := hm.CurrentStatus
	failStreak := hm.ConsecutiveFailures
	okStreak := hm.ConsecutiveSuccesses
	avgLatency := hm.AvgLatency
	uptime := hm.UptimePercent
	ep.mu.Unlock()

	m.collector.EndpointLatency.WithLabelValues(ep.cfg.Name).Set(avgLatency.Seconds())
	m.collector.EndpointUptime.WithLabelValues(ep.cfg.Name).Set(uptime)

	// «Стал нездоров» — ровно один раз на стрик: в момент, когда стрик
	// впервые сравнялся с порогом
	if !healthy && failStreak == ep.cfg.FailureThreshold {
		m.alerts.Send(domain.SeverityCritical, "endpoint became unhealthy",
			fmt.Sprintf("endpoint %s failed %d consecutive checks: %s", ep.cfg.Name, failStreak, reason),
			map[string]string{"endpoint": ep.cfg.Name})

		if m.fleet != nil && ep.cfg.AgentID != "" {
			if err := m.fleet.ReportFailure(ctx, ep.cfg.AgentID, "health check failure: "+ep.cfg.Name); err != nil {
				m.logger.Warn("agent failure report failed",
					zap.String("endpoint", ep.cfg.Name),
					zap.String("agent_id", ep.cfg.AgentID),
					zap.Error(err))
			}
		}
	}

	// «Восстановился» — один раз на стрик успехов, и только если сбой
	// был недавним (иначе это не восстановление, а штатная работа)
	if healthy && okStreak == ep.cfg.SuccessThreshold &&
		!prevFailureAt.IsZero() && time.Since(prevFailureAt) <= recoveryWindow {
		m.alerts.Send(domain.SeverityInfo, "endpoint recovered",
			fmt.Sprintf("endpoint %s recovered after %d consecutive successful checks", ep.cfg.Name, okStreak),
			map[string]string{"endpoint": ep.cfg.Name})
	}

	// Высокая задержка — независимо от логики стриков
	if latency > 2*ep.cfg.ExpectedLatency {
		m.alerts.Send(domain.SeverityWarning, "endpoint high latency",
			fmt.Sprintf("endpoint %s latency %v exceeds 2x expected %v", ep.cfg.Name, latency, ep.cfg.ExpectedLatency),
			map[string]string{"endpoint": ep.cfg.Name})
	}

	if m.sink != nil && ep.cfg.AgentID != "" {
		m.sink.RefreshHealth(ep.cfg.AgentID, status, avgLatency)
	}
}
