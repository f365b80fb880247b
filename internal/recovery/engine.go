// Package recovery — движок восстановления упавших агентов.
//
// На каждый сбой выбирается стратегия (рестарт, миграция, замена, ручное
// вмешательство), применяется экспоненциальный бэкофф и исполняется
// действие через бэкенд деплоя. Восстановления разных агентов идут
// конкурентно, общий потолок держит bulkhead, чтобы не завалить бэкенд.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/alerting"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/deploy"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/metrics"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/resilience"
)

// Fleet — то, что движку нужно от менеджера жизненного цикла.
type Fleet interface {
	State(agentID string) (domain.AgentLifecycleState, error)
	Spec(agentID string) (domain.AgentSpec, error)
	UpdateState(ctx context.Context, agentID string, newState domain.AgentState, meta map[string]string) error
	BeginRecoveryAttempt(ctx context.Context, agentID string) (int, domain.RecoveryStrategy, error)
	SetDeployment(ctx context.Context, agentID string, handle domain.DeploymentHandle) error
	FailurePattern(agentID, failureType string) (domain.FailurePattern, bool)
}

// executor исполняет одну стратегию. recovered=false означает, что
// автоматического действия не было (ручное вмешательство).
type executor func(ctx context.Context, agentID string, st domain.AgentLifecycleState) (recovered bool, err error)

type Engine struct {
	fleet    Fleet
	backend  deploy.Backend
	alerts   alerting.Sink
	metrics  *metrics.Collector
	bulkhead *resilience.Bulkhead
	logger   *zap.Logger

	settleWindow time.Duration

	// Таблица стратегий резолвится один раз при сборке,
	// без строковых сравнений на каждом сбое
	executors map[domain.RecoveryKind]executor

	actionsMu sync.Mutex
	actions   []domain.RecoveryAction
}

func NewEngine(
	fleet Fleet,
	backend deploy.Backend,
	alerts alerting.Sink,
	collector *metrics.Collector,
	maxConcurrent int,
	settleWindow time.Duration,
	logger *zap.Logger,
) (*Engine, error) {
	bh, err := resilience.NewBulkhead("recovery", maxConcurrent)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		fleet:        fleet,
		backend:      backend,
		alerts:       alerts,
		metrics:      collector,
		bulkhead:     bh,
		logger:       logger.Named("recovery"),
		settleWindow: settleWindow,
	}
	e.executors = map[domain.RecoveryKind]executor{
		domain.RecoveryRestart: e.executeRestart,
		domain.RecoveryMigrate: e.executeMigrate,
		domain.RecoveryScale:   e.executeScaleReplacement,
		domain.RecoveryManual:  e.executeManual,
	}
	return e, nil
}

// InitiateRecovery — точка входа. Вызывается асинхронно менеджером при
// сбое и координатором при плановых повторах.
func (e *Engine) InitiateRecovery(ctx context.Context, agentID, reason string) error {
	st, err := e.fleet.State(agentID)
	if err != nil {
		return err
	}
	strategy := st.Strategy

	if st.RecoveryAttempts >= strategy.MaxAttempts {
		// Дальше этот путь агента не трогает: только координатор по
		// явной операторской команде (сброс стратегии) вернет его в работу
		e.alertExhausted(agentID, fmt.Sprintf("%d/%d attempts used, last reason: %s",
			st.RecoveryAttempts, strategy.MaxAttempts, reason))
		return fmt.Errorf("%w: agent %s", domain.ErrRecoveryExhausted, agentID)
	}

	kind := e.chooseStrategy(agentID, reason, strategy)

	// Бэкофф: min(initial * factor^attempts, max). Сон отменяемый —
	// шатдаун не ждет завершения задержки.
	delay := strategy.Delay(st.RecoveryAttempts)
	e.logger.Info("recovery scheduled",
		zap.String("agent_id", agentID),
		zap.String("strategy", string(kind)),
		zap.Int("attempt", st.RecoveryAttempts+1),
		zap.Duration("delay", delay))
	if err := sleepCtx(ctx, delay); err != nil {
		return err
	}

	attempt, strategy, err := e.fleet.BeginRecoveryAttempt(ctx, agentID)
	if err != nil {
		return err
	}
	if attempt >= strategy.MaxAttempts {
		// Гонка с параллельным инициатором: лимит выбрали, пока мы спали
		return fmt.Errorf("%w: agent %s", domain.ErrRecoveryExhausted, agentID)
	}

	action := domain.RecoveryAction{
		ID:                uuid.New().String(),
		AgentID:           agentID,
		Strategy:          kind,
		Priority:          attempt, // Поздние попытки — выше приоритет внимания
		EstimatedDuration: strategy.Timeout,
		Reason:            reason,
		CreatedAt:         time.Now(),
	}
	e.recordAction(action)

	// Общий потолок конкурентных восстановлений
	return e.bulkhead.Do(ctx, func() error {
		return e.executeAttempt(ctx, agentID, kind, strategy, attempt)
	})
}

func (e *Engine) executeAttempt(ctx context.Context, agentID string, kind domain.RecoveryKind, strategy domain.RecoveryStrategy, attempt int) error {
	exec, ok := e.executors[kind]
	if !ok {
		return domain.Validationf("no executor for recovery kind %q", kind)
	}

	st, err := e.fleet.State(agentID)
	if err != nil {
		return err
	}

	// Попытка, вылезшая за таймаут стратегии, бросается и считается неуспехом
	attemptCtx, cancel := context.WithTimeout(ctx, strategy.Timeout)
	defer cancel()

	recovered, execErr := exec(attemptCtx, agentID, st)
	success := execErr == nil && recovered

	e.metrics.RecoveryAttempts.WithLabelValues(
		st.AgentType, st.TenantID, string(kind), fmt.Sprintf("%t", success)).Inc()

	// Исчерпание фиксируется здесь, на последней неуспешной попытке:
	// координатор исчерпанных агентов больше не трогает, а повторный
	// ReportFailure по уже упавшему агенту — no-op
	lastAttempt := attempt+1 >= strategy.MaxAttempts

	if execErr != nil {
		// Агент остается в FAILED — координатор возьмет его на следующем тике
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			execErr = domain.Externalf(execErr, "recovery attempt timed out after %v", strategy.Timeout)
		}
		if uErr := e.fleet.UpdateState(ctx, agentID, domain.StateFailed, map[string]string{
			"recovery_error": execErr.Error(),
		}); uErr != nil {
			e.logger.Error("failed to record recovery error", zap.String("agent_id", agentID), zap.Error(uErr))
		}
		e.logger.Warn("recovery attempt failed",
			zap.String("agent_id", agentID),
			zap.String("strategy", string(kind)),
			zap.Int("attempt", attempt+1),
			zap.Error(execErr))
		if lastAttempt {
			e.alertExhausted(agentID, fmt.Sprintf("%d/%d attempts used, last error: %v",
				attempt+1, strategy.MaxAttempts, execErr))
		}
		return execErr
	}

	if !recovered {
		// manual_intervention: алерт отправлен, действий нет
		if lastAttempt {
			e.alertExhausted(agentID, fmt.Sprintf("%d/%d attempts used, no automatic action available",
				attempt+1, strategy.MaxAttempts))
		}
		return nil
	}

	// Вход в RUNNING сбрасывает recovery_attempts — оба пути согласованы
	if err := e.fleet.UpdateState(ctx, agentID, domain.StateRunning, map[string]string{
		"recovered_by": string(kind),
	}); err != nil {
		return err
	}
	e.logger.Info("recovery succeeded",
		zap.String("agent_id", agentID),
		zap.String("strategy", string(kind)),
		zap.Int("attempt", attempt+1))
	return nil
}

func (e *Engine) alertExhausted(agentID, detail string) {
	e.alerts.Send(domain.SeverityCritical, "recovery attempts exhausted",
		fmt.Sprintf("agent %s: manual intervention required (%s)", agentID, detail),
		map[string]string{"agent_id": agentID})
}

// chooseStrategy смещает выбор по накопленным паттернам: повторяющийся
// сбой того же типа при стратегии "рестарт" — аргумент сменить ноду.
func (e *Engine) chooseStrategy(agentID, reason string, strategy domain.RecoveryStrategy) domain.RecoveryKind {
	kind := strategy.Kind
	if kind != domain.RecoveryRestart {
		return kind
	}
	if p, ok := e.fleet.FailurePattern(agentID, reason); ok && p.Frequency >= 3 {
		e.logger.Info("failure pattern detected, escalating restart to migration",
			zap.String("agent_id", agentID),
			zap.String("failure_type", reason),
			zap.Int("frequency", p.Frequency))
		return domain.RecoveryMigrate
	}
	return kind
}

// executeRestart гасит юнит и пересоздает его на прежнем размещении.
func (e *Engine) executeRestart(ctx context.Context, agentID string, st domain.AgentLifecycleState) (bool, error) {
	if err := e.fleet.UpdateState(ctx, agentID, domain.StateRecovering, nil); err != nil {
		return false, err
	}
	if err := e.backend.Terminate(ctx, st.Deployment); err != nil {
		return false, err
	}

	// Окно на осадку: даем платформе время поднять процесс
	if err := sleepCtx(ctx, e.settleWindow); err != nil {
		return false, err
	}

	spec, err := e.fleet.Spec(agentID)
	if err != nil {
		return false, err
	}
	spec.NodeHint = st.NodeHint // То же размещение
	handle, err := e.backend.Deploy(ctx, spec)
	if err != nil {
		return false, err
	}
	if err := e.fleet.SetDeployment(ctx, agentID, handle); err != nil {
		return false, err
	}
	return true, nil
}

// executeMigrate просит бэкенд разместить юнит на другой ноде,
// сохраняя конфигурацию.
func (e *Engine) executeMigrate(ctx context.Context, agentID string, st domain.AgentLifecycleState) (bool, error) {
	if err := e.fleet.UpdateState(ctx, agentID, domain.StateMigrating, nil); err != nil {
		return false, err
	}
	handle, err := e.backend.Relocate(ctx, st.Deployment, "")
	if err != nil {
		return false, err
	}
	if err := e.fleet.SetDeployment(ctx, agentID, handle); err != nil {
		return false, err
	}
	return true, nil
}

// executeScaleReplacement поднимает замену того же типа, отличную от упавшего юнита.
func (e *Engine) executeScaleReplacement(ctx context.Context, agentID string, st domain.AgentLifecycleState) (bool, error) {
	if err := e.fleet.UpdateState(ctx, agentID, domain.StateRecovering, nil); err != nil {
		return false, err
	}
	spec, err := e.fleet.Spec(agentID)
	if err != nil {
		return false, err
	}
	spec.NodeHint = "" // Размещение на усмотрение планировщика
	handle, err := e.backend.Deploy(ctx, spec)
	if err != nil {
		return false, err
	}
	// Старый юнит гасим по возможности; замена уже живет
	if err := e.backend.Terminate(ctx, st.Deployment); err != nil {
		e.logger.Warn("failed to terminate replaced unit",
			zap.String("agent_id", agentID), zap.Error(err))
	}
	if err := e.fleet.SetDeployment(ctx, agentID, handle); err != nil {
		return false, err
	}
	return true, nil
}

// executeManual — только алерт, никаких автоматических действий.
func (e *Engine) executeManual(_ context.Context, agentID string, st domain.AgentLifecycleState) (bool, error) {
	e.alerts.Send(domain.SeverityCritical, "manual recovery required",
		fmt.Sprintf("agent %s requires operator action (failure: %s)", agentID, st.Metadata["failure_reason"]),
		map[string]string{"agent_id": agentID})
	return false, nil
}

func (e *Engine) recordAction(action domain.RecoveryAction) {
	e.actionsMu.Lock()
	e.actions = append(e.actions, action)
	// Ограниченная история для консоли
	if len(e.actions) > 1000 {
		e.actions = e.actions[len(e.actions)-1000:]
	}
	e.actionsMu.Unlock()
}

// Actions возвращает копию истории действий восстановления, новые в конце.
func (e *Engine) Actions() []domain.RecoveryAction {
	e.actionsMu.Lock()
	defer e.actionsMu.Unlock()
	out := make([]domain.RecoveryAction, len(e.actions))
	copy(out, e.actions)
	return out
}

// Utilization — занятость пула восстановлений в процентах.
func (e *Engine) Utilization() float64 {
	return e.bulkhead.Utilization()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
