package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/deploy"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/infra"
)

// SetBackend подключает бэкенд деплоя для восстановления из снапшота.
func (m *Manager) SetBackend(b deploy.Backend) {
	m.backendMu.Lock()
	m.backend = b
	m.backendMu.Unlock()
}

func (m *Manager) getBackend() deploy.Backend {
	m.backendMu.Lock()
	defer m.backendMu.Unlock()
	return m.backend
}

// CreateSnapshot создает иммутабельный срез состояния агента, считает
// контрольную сумму и дописывает его в ограниченную историю.
// Если блобы не переданы, снимаются текущие state/workload агента.
func (m *Manager) CreateSnapshot(ctx context.Context, agentID string, stateBlob, workloadBlob map[string]any) error {
	agent, err := m.tracked(agentID)
	if err != nil {
		return err
	}

	agent.mu.Lock()
	if stateBlob == nil {
		stateBlob = copyMap(agent.state.AppState)
	}
	if workloadBlob == nil {
		workloadBlob = copyMap(agent.state.Workload)
	}
	spec := agent.spec
	// Наблюдательные счетчики на момент среза; в контрольную сумму не входят
	metricsBlob := map[string]any{
		"failure_count":     agent.state.FailureCount,
		"restart_count":     agent.state.RestartCount,
		"recovery_attempts": agent.state.RecoveryAttempts,
		"last_heartbeat":    agent.state.LastHeartbeat,
	}
	agent.mu.Unlock()

	checksum, err := domain.ComputeChecksum(stateBlob, workloadBlob, spec)
	if err != nil {
		return err
	}

	snapshot := domain.StateSnapshot{
		AgentID:   agentID,
		Timestamp: time.Now(),
		State:     stateBlob,
		Workload:  workloadBlob,
		Config:    spec,
		Metrics:   metricsBlob,
		Checksum:  checksum,
	}

	key := infra.SnapshotKey(agentID, snapshot.Timestamp)
	if err := m.store.Set(ctx, key, snapshot, infra.TTLSnapshot); err != nil {
		return err
	}
	index := infra.RedisIdxSnapshots + agentID
	if err := m.store.IndexAdd(ctx, index, key, snapshot.Timestamp); err != nil {
		return err
	}

	m.trimSnapshotHistory(ctx, agentID, index)
	m.recordEvent(&domain.AgentLifecycleState{
		AgentID: agentID, AgentType: spec.Type, TenantID: spec.TenantID,
	}, "snapshot_created", "", "", map[string]any{
		"checksum": checksum,
		"items":    len(workloadBlob),
	})
	return nil
}

// trimSnapshotHistory держит историю в границах: последние N и не старше TTL.
func (m *Manager) trimSnapshotHistory(ctx context.Context, agentID, index string) {
	// Возрастная граница
	removed, err := m.store.IndexTrimBefore(ctx, index, time.Now().Add(-infra.TTLSnapshot))
	if err == nil {
		for _, key := range removed {
			_ = m.store.Delete(ctx, key)
		}
	}

	// Количественная граница: держим SnapshotHistory, выборка с запасом
	limit := m.cfg.SnapshotHistory
	if limit <= 0 {
		limit = 10
	}
	keys, err := m.store.IndexRecent(ctx, index, limit*2)
	if err != nil || len(keys) <= limit {
		return
	}
	for _, key := range keys[limit:] {
		_ = m.store.Delete(ctx, key)
	}
}

// Snapshots возвращает до n последних снапшотов агента, новые первыми.
func (m *Manager) Snapshots(ctx context.Context, agentID string, n int) ([]domain.StateSnapshot, error) {
	keys, err := m.store.IndexRecent(ctx, infra.RedisIdxSnapshots+agentID, n)
	if err != nil {
		return nil, err
	}
	out := make([]domain.StateSnapshot, 0, len(keys))
	for _, key := range keys {
		var s domain.StateSnapshot
		if err := m.store.Get(ctx, key, &s); err != nil {
			continue // Обрезан ретеншеном между выборкой индекса и чтением
		}
		out = append(out, s)
	}
	return out, nil
}

// RestoreFromSnapshot восстанавливает агента из снапшота: выбранного по
// метке времени или последнего. Контрольная сумма сверяется до любых
// действий — битый снапшот возвращает ErrIntegrity и ничего не трогает.
func (m *Manager) RestoreFromSnapshot(ctx context.Context, agentID string, at *time.Time) error {
	agent, err := m.tracked(agentID)
	if err != nil {
		return err
	}

	var snapshot domain.StateSnapshot
	if at != nil {
		key := infra.SnapshotKey(agentID, *at)
		if err := m.store.Get(ctx, key, &snapshot); err != nil {
			return err
		}
	} else {
		keys, err := m.store.IndexRecent(ctx, infra.RedisIdxSnapshots+agentID, 1)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return domain.NotFoundf("no snapshots for agent %s", agentID)
		}
		if err := m.store.Get(ctx, keys[0], &snapshot); err != nil {
			return err
		}
	}

	if err := snapshot.Verify(); err != nil {
		m.alerts.Send(domain.SeverityCritical, "snapshot integrity failure",
			fmt.Sprintf("agent %s: %v", agentID, err),
			map[string]string{"agent_id": agentID})
		return err
	}

	if err := m.UpdateState(ctx, agentID, domain.StateRecovering, map[string]string{
		"restore_from": snapshot.Timestamp.Format(time.RFC3339),
	}); err != nil {
		return err
	}

	backend := m.getBackend()
	if backend == nil {
		return domain.Validationf("no deployment backend configured")
	}

	agent.mu.Lock()
	handle := agent.state.Deployment
	agent.mu.Unlock()

	if err := backend.RecreateWithState(ctx, handle, snapshot); err != nil {
		if stErr := m.UpdateState(ctx, agentID, domain.StateFailed, map[string]string{
			"restore_error": err.Error(),
		}); stErr != nil {
			m.logger.Error("failed to mark restore failure", zap.String("agent_id", agentID), zap.Error(stErr))
		}
		return err
	}

	// Возвращаем восстановленные блобы в запись до перехода в RUNNING
	agent.mu.Lock()
	agent.state.AppState = copyMap(snapshot.State)
	agent.state.Workload = copyMap(snapshot.Workload)
	agent.mu.Unlock()

	return m.UpdateState(ctx, agentID, domain.StateRunning, map[string]string{
		"restored_from": snapshot.Timestamp.Format(time.RFC3339),
	})
}
