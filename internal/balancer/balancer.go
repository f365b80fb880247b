// Package balancer — интеллектуальный балансировщик флота.
//
// Выбор агента под входящую единицу работы: фильтрация по тенанту,
// здоровью, емкости и способностям, затем скоринг — обученной моделью,
// когда накоплена история, или детерминированной эвристикой.
package balancer

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

const (
	// Сглаживание времени ответа при Release
	responseAlpha = 0.1
	// Нормировка задержки в фичах скоринга: 1s и выше — потолок
	latencyCeiling = float64(time.Second)
)

type slot struct {
	mu sync.Mutex // Короткая секция: счетчик соединений и EMA
	ep domain.AgentEndpoint
}

// Balancer владеет реестром эндпоинтов. Реестр обновляется монитором
// здоровья (read-mostly), счетчики соединений мутируются на каждом
// запросе под per-endpoint локом, не глобальным.
type Balancer struct {
	logger *zap.Logger
	model  *Model

	mu        sync.RWMutex
	endpoints map[string]*slot
}

func New(minSamples int, logger *zap.Logger) *Balancer {
	return &Balancer{
		logger:    logger.Named("balancer"),
		model:     NewModel(minSamples),
		endpoints: make(map[string]*slot),
	}
}

// Upsert добавляет или обновляет проекцию агента.
// Счетчик соединений существующей записи сохраняется.
func (b *Balancer) Upsert(ep domain.AgentEndpoint) {
	if ep.Weight == 0 {
		ep.Weight = 1.0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.endpoints[ep.AgentID]; ok {
		existing.mu.Lock()
		ep.CurrentConnections = existing.ep.CurrentConnections
		if ep.AvgResponseTime == 0 {
			ep.AvgResponseTime = existing.ep.AvgResponseTime
		}
		existing.ep = ep
		existing.mu.Unlock()
		return
	}
	b.endpoints[ep.AgentID] = &slot{ep: ep}
}

// Remove убирает агента из маршрутизации.
func (b *Balancer) Remove(agentID string) {
	b.mu.Lock()
	delete(b.endpoints, agentID)
	b.mu.Unlock()
}

// RefreshHealth — приемник обновлений от монитора здоровья.
func (b *Balancer) RefreshHealth(agentID string, status domain.HealthStatus, latency time.Duration) {
	b.mu.RLock()
	s, ok := b.endpoints[agentID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.ep.Health = status
	if latency > 0 {
		s.ep.AvgResponseTime = latency
	}
	s.ep.LastCheckAt = time.Now()
	s.mu.Unlock()
}

// RefreshUtilization обновляет cpu/mem проекции агента.
func (b *Balancer) RefreshUtilization(agentID string, cpuPercent, memPercent float64) {
	b.mu.RLock()
	s, ok := b.endpoints[agentID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.ep.CPUPercent = cpuPercent
	s.ep.MemPercent = memPercent
	s.mu.Unlock()
}

// SelectAgent выбирает лучшего кандидата под запрос и резервирует
// соединение. nil — подходящих агентов нет.
func (b *Balancer) SelectAgent(requestType, tenantID string, requiredCapabilities []string) *domain.AgentEndpoint {
	type scored struct {
		s     *slot
		score float64
	}

	b.mu.RLock()
	candidates := make([]*slot, 0, len(b.endpoints))
	for _, s := range b.endpoints {
		candidates = append(candidates, s)
	}
	b.mu.RUnlock()

	var best *scored
	for _, s := range candidates {
		s.mu.Lock()
		ep := s.ep
		s.mu.Unlock()

		// Фильтры: тип, тенант, здоровье, емкость, способности
		if ep.AgentType != requestType || ep.TenantID != tenantID {
			continue
		}
		if ep.Health != domain.HealthHealthy && ep.Health != domain.HealthDegraded {
			continue
		}
		if ep.CurrentConnections >= ep.MaxConnections {
			continue
		}
		if !ep.HasCapabilities(requiredCapabilities) {
			continue
		}

		score := b.score(ep)
		if best == nil || score > best.score {
			best = &scored{s: s, score: score}
		}
	}

	if best == nil {
		return nil
	}

	// Резервируем слот. Между скорингом и резервацией кандидат мог
	// заполниться — тогда отдаем nil, следующий запрос увидит свежую картину.
	best.s.mu.Lock()
	defer best.s.mu.Unlock()
	if best.s.ep.CurrentConnections >= best.s.ep.MaxConnections {
		return nil
	}
	best.s.ep.CurrentConnections++
	cp := best.s.ep
	return &cp
}

// Release завершает запрос: снимает соединение, сглаживает время ответа
// и скармливает наблюдение модели.
func (b *Balancer) Release(agentID string, responseTime time.Duration, success bool) {
	b.mu.RLock()
	s, ok := b.endpoints[agentID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.ep.CurrentConnections > 0 {
		s.ep.CurrentConnections--
	}
	if s.ep.AvgResponseTime == 0 {
		s.ep.AvgResponseTime = responseTime
	} else {
		s.ep.AvgResponseTime = time.Duration(
			float64(s.ep.AvgResponseTime)*(1-responseAlpha) + float64(responseTime)*responseAlpha)
	}
	ep := s.ep
	s.mu.Unlock()

	// Наблюдение: фичи на момент завершения + фактическая результативность
	label := 0.0
	if success {
		label = 1.0 / (1.0 + responseTime.Seconds())
	}
	b.model.Observe(features(ep), label)
}

// score — модель, когда обучена; иначе детерминированная эвристика:
// weight * healthBonus * (1-connRatio) * (1-cpu) * (1-mem) * (1-latencyNorm).
func (b *Balancer) score(ep domain.AgentEndpoint) float64 {
	if predicted, ok := b.model.Predict(features(ep)); ok {
		return predicted
	}
	return heuristicScore(ep)
}

func heuristicScore(ep domain.AgentEndpoint) float64 {
	connRatio := 0.0
	if ep.MaxConnections > 0 {
		connRatio = float64(ep.CurrentConnections) / float64(ep.MaxConnections)
	}
	cpuNorm := clamp01(ep.CPUPercent / 100)
	memNorm := clamp01(ep.MemPercent / 100)
	latencyNorm := clamp01(float64(ep.AvgResponseTime) / latencyCeiling)

	return ep.Weight * healthBonus(ep.Health) *
		(1 - connRatio) * (1 - cpuNorm) * (1 - memNorm) * (1 - latencyNorm)
}

// features — нормированный вектор фич для модели; порядок фиксирован.
func features(ep domain.AgentEndpoint) []float64 {
	connRatio := 0.0
	if ep.MaxConnections > 0 {
		connRatio = float64(ep.CurrentConnections) / float64(ep.MaxConnections)
	}
	return []float64{
		connRatio,
		clamp01(float64(ep.AvgResponseTime) / latencyCeiling),
		clamp01(ep.CPUPercent / 100),
		clamp01(ep.MemPercent / 100),
		ep.Weight,
		float64(len(ep.Capabilities)),
		healthBonus(ep.Health),
	}
}

func healthBonus(h domain.HealthStatus) float64 {
	switch h {
	case domain.HealthHealthy:
		return 1.0
	case domain.HealthDegraded:
		return 0.5
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Snapshot возвращает копии всех эндпоинтов, отсортированные по agent_id.
func (b *Balancer) Snapshot() []domain.AgentEndpoint {
	b.mu.RLock()
	out := make([]domain.AgentEndpoint, 0, len(b.endpoints))
	for _, s := range b.endpoints {
		s.mu.Lock()
		out = append(out, s.ep)
		s.mu.Unlock()
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
