package deploy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

// MockBackend — имитация оркестратора для тестов и демо-стенда.
// Управляемые режимы сбоя позволяют гонять сценарии восстановления
// без реальной инфраструктуры.
type MockBackend struct {
	mu sync.Mutex

	// FailureRate: доля вызовов, завершающихся ошибкой (0..1)
	FailureRate float64
	// Latency: базовая задержка; 0 — без имитации задержки
	Latency time.Duration
	// FailOps: операции, падающие всегда ("deploy", "terminate", "recreate", "relocate")
	FailOps map[string]bool

	deployed map[string]domain.AgentSpec // handle name -> spec
	seq      int
}

func NewMockBackend() *MockBackend {
	return &MockBackend{
		deployed: make(map[string]domain.AgentSpec),
		FailOps:  make(map[string]bool),
	}
}

func (m *MockBackend) simulate(ctx context.Context, op string) error {
	if m.Latency > 0 {
		// Разброс 50-150% от базовой задержки
		jitter := time.Duration(float64(m.Latency) * (0.5 + rand.Float64()))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailOps[op] {
		return fmt.Errorf("mock backend: %s forced failure", op)
	}
	if m.FailureRate > 0 && rand.Float64() < m.FailureRate {
		return fmt.Errorf("mock backend: %s transient failure", op)
	}
	return nil
}

func (m *MockBackend) Deploy(ctx context.Context, spec domain.AgentSpec) (domain.DeploymentHandle, error) {
	if err := m.simulate(ctx, "deploy"); err != nil {
		return domain.DeploymentHandle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	handle := domain.DeploymentHandle{
		Name:      fmt.Sprintf("%s-%d", spec.ID, m.seq),
		Namespace: spec.TenantID,
	}
	m.deployed[handle.Name] = spec
	return handle, nil
}

func (m *MockBackend) Terminate(ctx context.Context, handle domain.DeploymentHandle) error {
	if err := m.simulate(ctx, "terminate"); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.deployed, handle.Name)
	m.mu.Unlock()
	return nil
}

func (m *MockBackend) RecreateWithState(ctx context.Context, handle domain.DeploymentHandle, snapshot domain.StateSnapshot) error {
	if err := m.simulate(ctx, "recreate"); err != nil {
		return err
	}
	m.mu.Lock()
	m.deployed[handle.Name] = snapshot.Config
	m.mu.Unlock()
	return nil
}

func (m *MockBackend) Relocate(ctx context.Context, handle domain.DeploymentHandle, nodeHint string) (domain.DeploymentHandle, error) {
	if err := m.simulate(ctx, "relocate"); err != nil {
		return domain.DeploymentHandle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	spec := m.deployed[handle.Name]
	delete(m.deployed, handle.Name)
	m.seq++
	moved := domain.DeploymentHandle{
		Name:      fmt.Sprintf("%s-relocated-%d", spec.ID, m.seq),
		Namespace: handle.Namespace,
	}
	m.deployed[moved.Name] = spec
	return moved, nil
}

// DeployedCount — число живых юнитов (для ассертов в тестах).
func (m *MockBackend) DeployedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deployed)
}
