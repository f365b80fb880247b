// Package lifecycle — машина состояний и учет жизненного цикла агентов.
//
// Менеджер владеет записями всех агентов флота и является единственной
// точкой их мутации. Переходы одного агента линеаризованы через
// per-agent мьютекс; между агентами порядок не гарантируется и не нужен.
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/alerting"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/deploy"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/infra"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/journal"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/metrics"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/statestore"
)

// RecoveryInitiator — то, что менеджеру нужно от движка восстановления.
// Реализуется recovery.Engine; интерфейс разрывает циклическую зависимость.
type RecoveryInitiator interface {
	InitiateRecovery(ctx context.Context, agentID, reason string) error
}

type trackedAgent struct {
	mu    sync.Mutex // Линеаризует переходы этого агента
	state *domain.AgentLifecycleState
	spec  domain.AgentSpec
}

// Manager — владелец реестра агентов. Все коллекции явные, без
// package-level глобалов: создается на старте, гасится на шатдауне.
type Manager struct {
	cfg     infra.LifecycleConfig
	store   statestore.Store
	journal journal.Recorder
	alerts  alerting.Sink
	metrics *metrics.Collector
	logger  *zap.Logger

	mu     sync.RWMutex
	agents map[string]*trackedAgent

	// Паттерны сбоев для смещения выбора стратегии
	patternsMu sync.Mutex
	patterns   map[string]*domain.FailurePattern // key: agentID + ":" + failureType

	recovery RecoveryInitiator // Инжектится после сборки (SetRecovery)

	backendMu sync.Mutex
	backend   deploy.Backend // Для восстановления из снапшота
}

func NewManager(
	cfg infra.LifecycleConfig,
	store statestore.Store,
	rec journal.Recorder,
	alerts alerting.Sink,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		journal:  rec,
		alerts:   alerts,
		metrics:  collector,
		logger:   logger.Named("lifecycle"),
		agents:   make(map[string]*trackedAgent),
		patterns: make(map[string]*domain.FailurePattern),
	}
}

// SetRecovery подключает движок восстановления. Вызывается один раз при сборке.
func (m *Manager) SetRecovery(r RecoveryInitiator) {
	m.recovery = r
}

// Register создает запись агента в фазе CREATED с дефолтной стратегией.
// Повторная регистрация того же ID — ошибка.
//
// Политика персистентности: регистрация — все или ничего. Не записали
// в хранилище — не трекаем, вставка откатывается и ошибка уходит
// вызывающему. Дальнейшие переходы см. UpdateState.
func (m *Manager) Register(ctx context.Context, spec domain.AgentSpec, handle domain.DeploymentHandle) error {
	if spec.ID == "" || spec.Type == "" || spec.TenantID == "" {
		return domain.Validationf("agent spec requires id, type and tenant")
	}

	m.mu.Lock()
	if _, exists := m.agents[spec.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrAlreadyTracked, spec.ID)
	}

	now := time.Now()
	state := &domain.AgentLifecycleState{
		AgentID:       spec.ID,
		AgentType:     spec.Type,
		TenantID:      spec.TenantID,
		CurrentState:  domain.StateCreated,
		PreviousState: domain.StateCreated,
		StateChangeAt: now,
		Deployment:    handle,
		NodeHint:      spec.NodeHint,
		Workload:      make(map[string]any),
		AppState:      make(map[string]any),
		Metadata:      make(map[string]string),
		Strategy:      domain.DefaultRecoveryStrategy(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.agents[spec.ID] = &trackedAgent{state: state, spec: spec}
	m.mu.Unlock()

	if err := m.persist(ctx, state); err != nil {
		m.release(spec.ID)
		return err
	}
	if err := m.store.Set(ctx, infra.RecoveryKey(spec.ID), state.Strategy, infra.TTLState); err != nil {
		m.release(spec.ID)
		return err
	}

	m.recordEvent(state, "registered", "", domain.StateCreated, map[string]any{
		"deployment": handle,
	})
	m.logger.Info("agent registered",
		zap.String("agent_id", spec.ID),
		zap.String("agent_type", spec.Type),
		zap.String("tenant_id", spec.TenantID))
	return nil
}

// UpdateState применяет переход машины состояний.
//
// Таблица переходов намеренно пермиссивная (any -> any): мониторы
// используют принудительные коррекции, которые строгая таблица бы
// запретила. Неизвестное значение фазы — fail fast.
//
// Политика персистентности: источник истины для уже отслеживаемого
// агента — память. Переход применяется всегда, ошибка записи в
// хранилище логируется и не отменяет его: допишут фоновые циклы и
// финальный Flush. Регистрация, наоборот, без записи не проходит.
func (m *Manager) UpdateState(ctx context.Context, agentID string, newState domain.AgentState, meta map[string]string) error {
	if !newState.Valid() {
		return domain.Validationf("unknown agent state %q", newState)
	}

	agent, err := m.tracked(agentID)
	if err != nil {
		return err
	}

	agent.mu.Lock()
	st := agent.state
	prev := st.CurrentState
	st.PreviousState = prev
	st.CurrentState = newState
	st.StateChangeAt = time.Now()
	st.UpdatedAt = st.StateChangeAt
	for k, v := range meta {
		st.Metadata[k] = v
	}

	// Побочные эффекты перехода
	switch newState {
	case domain.StateRunning:
		// Достигли RUNNING — счетчики сбоев и восстановления сбрасываются
		st.FailureCount = 0
		st.RecoveryAttempts = 0
		st.LastHeartbeat = time.Now()
	case domain.StateStarting:
		st.RestartCount++
	}
	snapshot := *st
	agent.mu.Unlock()

	m.metrics.LifecycleTransitions.WithLabelValues(snapshot.AgentType, snapshot.TenantID, string(newState)).Inc()
	m.recordEvent(&snapshot, "state_transition", prev, newState, nil)

	if err := m.persist(ctx, &snapshot); err != nil {
		m.logger.Error("state persistence failed", zap.String("agent_id", agentID), zap.Error(err))
	}

	// Эффекты, требующие чужих локов — строго после освобождения своего
	switch {
	case newState == domain.StateFailed && prev == domain.StateRunning:
		if err := m.RedistributeWorkload(ctx, agentID); err != nil {
			m.logger.Warn("workload redistribution failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	case newState == domain.StateTerminated:
		m.metrics.AgentUptime.DeleteLabelValues(snapshot.AgentType, snapshot.TenantID, agentID)
		m.release(agentID)
	}

	m.logger.Debug("state transition",
		zap.String("agent_id", agentID),
		zap.String("from", string(prev)),
		zap.String("to", string(newState)))
	return nil
}

// ReportFailure фиксирует сбой: счетчик, переход в FAILED, алерт и
// асинхронный запуск восстановления. Повторный репорт по уже упавшему
// агенту — no-op (идемпотентность в рамках одного инцидента).
func (m *Manager) ReportFailure(ctx context.Context, agentID, reason string) error {
	agent, err := m.tracked(agentID)
	if err != nil {
		return err
	}

	agent.mu.Lock()
	if agent.state.CurrentState == domain.StateFailed {
		agent.mu.Unlock()
		return nil
	}
	agent.state.FailureCount++
	failures := agent.state.FailureCount
	instance := agent.state.Deployment.Name
	agent.mu.Unlock()

	m.trackFailurePattern(agentID, reason, instance)

	if err := m.UpdateState(ctx, agentID, domain.StateFailed, map[string]string{
		"failure_reason": reason,
	}); err != nil {
		return err
	}

	m.alerts.Send(domain.SeverityWarning, "agent failure",
		fmt.Sprintf("agent %s failed: %s (failure #%d)", agentID, reason, failures),
		map[string]string{"agent_id": agentID})

	if m.recovery != nil {
		// Восстановление не должно держать вызывающего: бэкофф может быть долгим
		go func() {
			if err := m.recovery.InitiateRecovery(context.Background(), agentID, reason); err != nil {
				m.logger.Warn("recovery initiation failed",
					zap.String("agent_id", agentID), zap.Error(err))
			}
		}()
	}
	return nil
}

// Heartbeat обновляет отметку живости RUNNING-агента.
func (m *Manager) Heartbeat(_ context.Context, agentID string, summary string) error {
	agent, err := m.tracked(agentID)
	if err != nil {
		return err
	}
	agent.mu.Lock()
	agent.state.LastHeartbeat = time.Now()
	if summary != "" {
		agent.state.HealthSummary = summary
	}
	agent.mu.Unlock()
	return nil
}

// ReplaceStrategy — операторская замена стратегии восстановления целиком.
func (m *Manager) ReplaceStrategy(ctx context.Context, agentID string, strategy domain.RecoveryStrategy) error {
	if err := strategy.Validate(); err != nil {
		return err
	}
	agent, err := m.tracked(agentID)
	if err != nil {
		return err
	}
	agent.mu.Lock()
	agent.state.Strategy = strategy
	agent.mu.Unlock()

	return m.store.Set(ctx, infra.RecoveryKey(agentID), strategy, infra.TTLState)
}

// Terminate переводит агента в терминальную фазу и снимает с учета.
// История снапшотов и событий остается в хранилище для аудита.
func (m *Manager) Terminate(ctx context.Context, agentID string) error {
	return m.UpdateState(ctx, agentID, domain.StateTerminated, nil)
}

// State возвращает копию записи агента.
func (m *Manager) State(agentID string) (domain.AgentLifecycleState, error) {
	agent, err := m.tracked(agentID)
	if err != nil {
		return domain.AgentLifecycleState{}, err
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	cp := *agent.state
	cp.Workload = copyMap(agent.state.Workload)
	cp.AppState = copyMap(agent.state.AppState)
	cp.Metadata = copyStringMap(agent.state.Metadata)
	return cp, nil
}

// Spec возвращает спецификацию, с которой агент зарегистрирован.
func (m *Manager) Spec(agentID string) (domain.AgentSpec, error) {
	agent, err := m.tracked(agentID)
	if err != nil {
		return domain.AgentSpec{}, err
	}
	return agent.spec, nil
}

// SetDeployment обновляет хэндл после миграции/пересоздания.
func (m *Manager) SetDeployment(ctx context.Context, agentID string, handle domain.DeploymentHandle) error {
	agent, err := m.tracked(agentID)
	if err != nil {
		return err
	}
	agent.mu.Lock()
	agent.state.Deployment = handle
	snapshot := *agent.state
	agent.mu.Unlock()
	return m.persist(ctx, &snapshot)
}

// BeginRecoveryAttempt атомарно инкрементирует счетчик попыток и
// возвращает номер попытки (с нуля) вместе со стратегией.
func (m *Manager) BeginRecoveryAttempt(ctx context.Context, agentID string) (int, domain.RecoveryStrategy, error) {
	agent, err := m.tracked(agentID)
	if err != nil {
		return 0, domain.RecoveryStrategy{}, err
	}
	agent.mu.Lock()
	attempt := agent.state.RecoveryAttempts
	agent.state.RecoveryAttempts++
	agent.state.LastRecoveryAt = time.Now()
	strategy := agent.state.Strategy
	snapshot := *agent.state
	agent.mu.Unlock()

	if err := m.persist(ctx, &snapshot); err != nil {
		m.logger.Warn("recovery attempt persistence failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	return attempt, strategy, nil
}

// RecoveryStatus возвращает счетчики восстановления без копирования всей записи.
func (m *Manager) RecoveryStatus(agentID string) (attempts int, strategy domain.RecoveryStrategy, lastAt time.Time, err error) {
	agent, err := m.tracked(agentID)
	if err != nil {
		return 0, domain.RecoveryStrategy{}, time.Time{}, err
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	return agent.state.RecoveryAttempts, agent.state.Strategy, agent.state.LastRecoveryAt, nil
}

// AgentIDs возвращает отсортированный список отслеживаемых агентов.
func (m *Manager) AgentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// States возвращает копии всех записей (проекция для консоли).
func (m *Manager) States() []domain.AgentLifecycleState {
	ids := m.AgentIDs()
	out := make([]domain.AgentLifecycleState, 0, len(ids))
	for _, id := range ids {
		if st, err := m.State(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Flush сбрасывает все записи в хранилище. Вызывается на шатдауне.
func (m *Manager) Flush(ctx context.Context) {
	for _, st := range m.States() {
		if err := m.persist(ctx, &st); err != nil {
			m.logger.Warn("final flush failed", zap.String("agent_id", st.AgentID), zap.Error(err))
		}
	}
}

func (m *Manager) tracked(agentID string) (*trackedAgent, error) {
	m.mu.RLock()
	agent, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.NotFoundf("agent %s", agentID)
	}
	return agent, nil
}

func (m *Manager) release(agentID string) {
	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()
	m.logger.Info("agent released from tracking", zap.String("agent_id", agentID))
}

func (m *Manager) persist(ctx context.Context, st *domain.AgentLifecycleState) error {
	return m.store.Set(ctx, infra.StateKey(st.AgentID), st, infra.TTLState)
}

func (m *Manager) recordEvent(st *domain.AgentLifecycleState, eventType string, from, to domain.AgentState, details map[string]any) {
	event := domain.LifecycleEvent{
		ID:        uuid.New().String(),
		AgentID:   st.AgentID,
		AgentType: st.AgentType,
		TenantID:  st.TenantID,
		EventType: eventType,
		FromState: from,
		ToState:   to,
		Details:   details,
		Timestamp: time.Now(),
	}
	m.journal.Record(event)

	// Дублируем в KV-хранилище с индексом по времени, чтобы консоль могла
	// поднять последние события агента без похода в Postgres
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := infra.EventKey(st.AgentID, event.Timestamp)
	if err := m.store.Set(ctx, key, event, infra.TTLState); err == nil {
		_ = m.store.IndexAdd(ctx, infra.RedisIdxEvents+st.AgentID, key, event.Timestamp)
	}
}

func (m *Manager) trackFailurePattern(agentID, failureType, instance string) {
	m.patternsMu.Lock()
	defer m.patternsMu.Unlock()
	key := agentID + ":" + failureType
	p, ok := m.patterns[key]
	if !ok {
		p = &domain.FailurePattern{
			AgentID:     agentID,
			FailureType: failureType,
			FirstSeen:   time.Now(),
			Instances:   make(map[string]bool),
		}
		m.patterns[key] = p
	}
	p.Frequency++
	p.LastSeen = time.Now()
	if instance != "" {
		p.Instances[instance] = true
	}
}

// FailurePattern возвращает накопленную статистику по (агент, тип сбоя).
func (m *Manager) FailurePattern(agentID, failureType string) (domain.FailurePattern, bool) {
	m.patternsMu.Lock()
	defer m.patternsMu.Unlock()
	p, ok := m.patterns[agentID+":"+failureType]
	if !ok {
		return domain.FailurePattern{}, false
	}
	cp := *p
	cp.Instances = make(map[string]bool, len(p.Instances))
	for k, v := range p.Instances {
		cp.Instances[k] = v
	}
	return cp, true
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
