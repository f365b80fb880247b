package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

// Run стартует фоновые циклы менеджера. Каждый цикл — независимая
// горутина на тикере; ошибка одной итерации логируется и не роняет цикл.
// Все циклы наблюдают ctx и завершаются сразу после его отмены.
func (m *Manager) Run(ctx context.Context) {
	go m.loop(ctx, "lifecycle-monitor", m.cfg.MonitorInterval, m.monitorStuckAgents)
	go m.loop(ctx, "heartbeat-monitor", m.cfg.HeartbeatInterval, m.monitorHeartbeats)
	go m.loop(ctx, "recovery-coordinator", m.coordinatorInterval(), m.coordinateRecovery)
	go m.loop(ctx, "snapshot-loop", m.cfg.SnapshotInterval, m.snapshotRunningAgents)
	go m.loop(ctx, "workload-rebalancer", m.cfg.RebalanceInterval, m.rebalanceGroups)
}

func (m *Manager) coordinatorInterval() time.Duration {
	if m.cfg.CoordinatorInterval > 0 {
		return m.cfg.CoordinatorInterval
	}
	return time.Minute
}

func (m *Manager) loop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("background loop started", zap.String("loop", name), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("background loop stopped", zap.String("loop", name))
			return
		case <-ticker.C:
			m.safeIteration(ctx, name, fn)
		}
	}
}

// safeIteration изолирует итерацию: паника одного агента не должна
// останавливать мониторинг остальных.
func (m *Manager) safeIteration(ctx context.Context, name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("background loop iteration panic",
				zap.String("loop", name), zap.Any("panic", r))
		}
	}()
	fn(ctx)
}

// monitorStuckAgents принудительно корректирует зависшие переходы:
// STARTING дольше лимита — сбой, STOPPING дольше лимита — STOPPED.
func (m *Manager) monitorStuckAgents(ctx context.Context) {
	now := time.Now()
	for _, st := range m.States() {
		switch st.CurrentState {
		case domain.StateStarting:
			if now.Sub(st.StateChangeAt) > m.cfg.StartingStuckAfter {
				m.logger.Warn("agent stuck in STARTING, forcing failure",
					zap.String("agent_id", st.AgentID),
					zap.Duration("stuck_for", now.Sub(st.StateChangeAt)))
				if err := m.ReportFailure(ctx, st.AgentID, "startup timeout"); err != nil {
					m.logger.Error("stuck correction failed", zap.String("agent_id", st.AgentID), zap.Error(err))
				}
			}
		case domain.StateStopping:
			if now.Sub(st.StateChangeAt) > m.cfg.StoppingStuckAfter {
				m.logger.Warn("agent stuck in STOPPING, forcing STOPPED",
					zap.String("agent_id", st.AgentID))
				if err := m.UpdateState(ctx, st.AgentID, domain.StateStopped, map[string]string{
					"forced": "stop timeout",
				}); err != nil {
					m.logger.Error("stuck correction failed", zap.String("agent_id", st.AgentID), zap.Error(err))
				}
			}
		}
	}
}

// monitorHeartbeats переводит в FAILED RUNNING-агентов, молчащих дольше
// таймаута, и попутно экспортирует аптайм каждого агента.
func (m *Manager) monitorHeartbeats(ctx context.Context) {
	now := time.Now()
	for _, st := range m.States() {
		if st.CurrentState != domain.StateRunning {
			m.metrics.AgentUptime.WithLabelValues(st.AgentType, st.TenantID, st.AgentID).Set(0)
			continue
		}
		m.metrics.AgentUptime.WithLabelValues(st.AgentType, st.TenantID, st.AgentID).
			Set(now.Sub(st.StateChangeAt).Seconds())
		silence := now.Sub(st.LastHeartbeat)
		if silence > m.cfg.HeartbeatTimeout {
			m.logger.Warn("heartbeat timeout",
				zap.String("agent_id", st.AgentID),
				zap.Duration("silence", silence))
			if err := m.ReportFailure(ctx, st.AgentID, "heartbeat timeout"); err != nil {
				m.logger.Error("heartbeat failure report failed", zap.String("agent_id", st.AgentID), zap.Error(err))
			}
		}
	}
}

// coordinateRecovery повторно запускает восстановление FAILED-агентов,
// чья последняя попытка старше retry-окна и лимит попыток не исчерпан.
// CircuitBreakerOpen/ExternalService ошибки попадут сюда же на следующем тике.
func (m *Manager) coordinateRecovery(ctx context.Context) {
	if m.recovery == nil {
		return
	}
	now := time.Now()
	for _, st := range m.States() {
		if st.CurrentState != domain.StateFailed {
			continue
		}
		if st.RecoveryAttempts >= st.Strategy.MaxAttempts {
			// Исчерпано: критический алерт ушел на последней неуспешной
			// попытке, дальше агент ждет ручного вмешательства
			continue
		}
		if !st.LastRecoveryAt.IsZero() && now.Sub(st.LastRecoveryAt) < m.retryAfter() {
			continue
		}
		agentID := st.AgentID
		go func() {
			if err := m.recovery.InitiateRecovery(ctx, agentID, "coordinator retry"); err != nil {
				m.logger.Warn("coordinated recovery failed",
					zap.String("agent_id", agentID), zap.Error(err))
			}
		}()
	}
}

func (m *Manager) retryAfter() time.Duration {
	if m.cfg.RecoveryRetryAfter > 0 {
		return m.cfg.RecoveryRetryAfter
	}
	return 5 * time.Minute
}

// snapshotRunningAgents периодически снимает срезы всех RUNNING-агентов.
func (m *Manager) snapshotRunningAgents(ctx context.Context) {
	for _, st := range m.States() {
		if st.CurrentState != domain.StateRunning {
			continue
		}
		if err := m.CreateSnapshot(ctx, st.AgentID, nil, nil); err != nil {
			m.logger.Warn("periodic snapshot failed",
				zap.String("agent_id", st.AgentID), zap.Error(err))
		}
	}
}
