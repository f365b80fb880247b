package domain

import "time"

// AgentEndpoint — проекция агента для балансировщика.
// Read-mostly: health monitor обновляет здоровье и утилизацию,
// счетчик соединений мутируется на каждом запросе под коротким локом.
type AgentEndpoint struct {
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type"`
	TenantID  string `json:"tenant_id"`
	Address   string `json:"address"`

	CurrentConnections int `json:"current_connections"`
	MaxConnections     int `json:"max_connections"`

	AvgResponseTime time.Duration `json:"avg_response_time"` // EMA
	CPUPercent      float64       `json:"cpu_percent"`
	MemPercent      float64       `json:"mem_percent"`

	Health       HealthStatus `json:"health"`
	Weight       float64      `json:"weight"` // Вес маршрутизации, 1.0 по умолчанию
	Capabilities []string     `json:"capabilities"`
	LastCheckAt  time.Time    `json:"last_check_at"`
}

// HasCapabilities — candidate должен покрывать все требуемые способности.
func (e *AgentEndpoint) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(e.Capabilities))
	for _, c := range e.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// ScalingDirection — решение предиктивного скейлера.
type ScalingDirection string

const (
	ScaleUp   ScalingDirection = "up"
	ScaleDown ScalingDirection = "down"
)

// ScalingDecision — рекомендация по размеру группы (type, tenant).
type ScalingDecision struct {
	AgentType       string           `json:"agent_type"`
	TenantID        string           `json:"tenant_id"`
	Direction       ScalingDirection `json:"direction"`
	CurrentReplicas int              `json:"current_replicas"`
	TargetReplicas  int              `json:"target_replicas"`
	Reason          string           `json:"reason"`
	DecidedAt       time.Time        `json:"decided_at"`
}
