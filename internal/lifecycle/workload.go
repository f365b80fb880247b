package lifecycle

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

// AssignWorkload закрепляет work-item-ы за агентом.
func (m *Manager) AssignWorkload(ctx context.Context, agentID string, items map[string]any) error {
	agent, err := m.tracked(agentID)
	if err != nil {
		return err
	}
	agent.mu.Lock()
	for id, payload := range items {
		agent.state.Workload[id] = payload
	}
	snapshot := *agent.state
	size := len(agent.state.Workload)
	agent.mu.Unlock()

	m.metrics.WorkloadItems.WithLabelValues(snapshot.AgentType, snapshot.TenantID, agentID).Set(float64(size))
	return m.persist(ctx, &snapshot)
}

// RedistributeWorkload раздает нагрузку упавшего агента живым пирам его
// группы (тот же тип + тенант, фаза RUNNING). Свойство сохранения: каждый
// item уходит ровно одному пиру, нагрузка донора обнуляется.
// Пиры получают K/N или K/N+1 item-ов; остаток — первым по порядку обхода.
func (m *Manager) RedistributeWorkload(ctx context.Context, failedAgentID string) error {
	failed, err := m.tracked(failedAgentID)
	if err != nil {
		return err
	}

	failed.mu.Lock()
	items := copyMap(failed.state.Workload)
	agentType := failed.state.AgentType
	tenantID := failed.state.TenantID
	failed.mu.Unlock()

	if len(items) == 0 {
		return nil
	}

	peers := m.runningPeers(agentType, tenantID, failedAgentID)
	if len(peers) == 0 {
		m.alerts.Send(domain.SeverityCritical, "manual intervention required",
			fmt.Sprintf("agent %s holds %d workload items and no healthy peers exist in group %s/%s",
				failedAgentID, len(items), agentType, tenantID),
			map[string]string{"agent_id": failedAgentID})
		return fmt.Errorf("no running peers for agent %s in group %s/%s", failedAgentID, agentType, tenantID)
	}

	// Детерминированный порядок обхода: item-ы и пиры по возрастанию ключа
	itemIDs := make([]string, 0, len(items))
	for id := range items {
		itemIDs = append(itemIDs, id)
	}
	sort.Strings(itemIDs)

	base := len(itemIDs) / len(peers)
	remainder := len(itemIDs) % len(peers)

	cursor := 0
	for i, peerID := range peers {
		count := base
		if i < remainder {
			count++
		}
		if count == 0 {
			continue
		}
		partition := make(map[string]any, count)
		for _, id := range itemIDs[cursor : cursor+count] {
			partition[id] = items[id]
		}
		cursor += count

		if err := m.AssignWorkload(ctx, peerID, partition); err != nil {
			return fmt.Errorf("assign workload to peer %s: %w", peerID, err)
		}
	}

	// Нагрузка донора очищается только после успешной раздачи
	failed.mu.Lock()
	failed.state.Workload = make(map[string]any)
	snapshot := *failed.state
	failed.mu.Unlock()
	m.metrics.WorkloadItems.WithLabelValues(agentType, tenantID, failedAgentID).Set(0)
	if err := m.persist(ctx, &snapshot); err != nil {
		m.logger.Warn("failed agent persistence after redistribution", zap.Error(err))
	}

	m.recordEvent(&snapshot, "workload_redistributed", "", "", map[string]any{
		"items": len(itemIDs),
		"peers": peers,
	})
	m.logger.Info("workload redistributed",
		zap.String("agent_id", failedAgentID),
		zap.Int("items", len(itemIDs)),
		zap.Int("peers", len(peers)))
	return nil
}

// runningPeers возвращает отсортированные ID RUNNING-агентов группы, кроме исключенного.
func (m *Manager) runningPeers(agentType, tenantID, exclude string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var peers []string
	for id, agent := range m.agents {
		if id == exclude {
			continue
		}
		agent.mu.Lock()
		ok := agent.state.AgentType == agentType &&
			agent.state.TenantID == tenantID &&
			agent.state.CurrentState == domain.StateRunning
		agent.mu.Unlock()
		if ok {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	return peers
}

// rebalanceGroups выравнивает нагрузку внутри групп (тип, тенант):
// если один пир держит >1.5x среднего, а другой <0.5x — переносим дельту
// четвертями, но не больше половины нагрузки донора за проход.
func (m *Manager) rebalanceGroups(ctx context.Context) {
	type member struct {
		id   string
		size int
	}
	groups := make(map[string][]member)

	for _, id := range m.AgentIDs() {
		st, err := m.State(id)
		if err != nil || st.CurrentState != domain.StateRunning {
			continue
		}
		key := st.AgentType + "/" + st.TenantID
		groups[key] = append(groups[key], member{id: id, size: st.WorkloadSize()})
	}

	for key, members := range groups {
		if len(members) < 2 {
			continue
		}
		total := 0
		for _, mb := range members {
			total += mb.size
		}
		avg := float64(total) / float64(len(members))
		if avg == 0 {
			continue
		}

		sort.Slice(members, func(i, j int) bool { return members[i].size > members[j].size })
		donor := members[0]
		recipient := members[len(members)-1]

		if float64(donor.size) <= 1.5*avg || float64(recipient.size) >= 0.5*avg {
			continue
		}

		delta := float64(donor.size) - avg
		move := int(delta * 0.25)
		if move < 1 {
			move = 1
		}
		if move > donor.size/2 {
			move = donor.size / 2
		}
		if move == 0 {
			continue
		}

		if err := m.moveWorkload(ctx, donor.id, recipient.id, move); err != nil {
			m.logger.Warn("rebalance move failed",
				zap.String("group", key),
				zap.String("donor", donor.id),
				zap.String("recipient", recipient.id),
				zap.Error(err))
			continue
		}
		m.logger.Info("workload rebalanced",
			zap.String("group", key),
			zap.String("donor", donor.id),
			zap.String("recipient", recipient.id),
			zap.Int("moved", move))
	}
}

// moveWorkload переносит count item-ов от донора получателю.
func (m *Manager) moveWorkload(ctx context.Context, donorID, recipientID string, count int) error {
	donor, err := m.tracked(donorID)
	if err != nil {
		return err
	}

	donor.mu.Lock()
	ids := make([]string, 0, len(donor.state.Workload))
	for id := range donor.state.Workload {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if count > len(ids) {
		count = len(ids)
	}
	moved := make(map[string]any, count)
	for _, id := range ids[:count] {
		moved[id] = donor.state.Workload[id]
		delete(donor.state.Workload, id)
	}
	snapshot := *donor.state
	size := len(donor.state.Workload)
	donor.mu.Unlock()

	if err := m.AssignWorkload(ctx, recipientID, moved); err != nil {
		// Возврат item-ов донору: перенос не должен терять работу
		donor.mu.Lock()
		for id, payload := range moved {
			donor.state.Workload[id] = payload
		}
		donor.mu.Unlock()
		return err
	}

	m.metrics.WorkloadItems.WithLabelValues(snapshot.AgentType, snapshot.TenantID, donorID).Set(float64(size))
	return m.persist(ctx, &snapshot)
}
