package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// StateSnapshot — иммутабельный срез состояния агента на момент времени.
// Снапшоты только добавляются; история ограничена по количеству и возрасту.
type StateSnapshot struct {
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`    // Прикладное состояние
	Workload  map[string]any `json:"workload"` // Нагрузка на момент среза
	Config    AgentSpec      `json:"config"`   // Конфигурация, с которой агент создан
	Metrics   map[string]any `json:"metrics,omitempty"`

	// Checksum считается по (state, workload, config) — см. ComputeChecksum.
	Checksum string `json:"checksum"`
}

// ComputeChecksum — blake3 поверх канонического JSON трех полей.
// encoding/json сортирует ключи мап, поэтому сериализация
// не зависит от порядка вставки.
func ComputeChecksum(state, workload map[string]any, config AgentSpec) (string, error) {
	canonical := map[string]any{
		"state":    state,
		"workload": workload,
		"config":   config,
	}
	raw, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("checksum serialization: %w", err)
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Verify пересчитывает контрольную сумму и сверяет с записанной.
func (s *StateSnapshot) Verify() error {
	sum, err := ComputeChecksum(s.State, s.Workload, s.Config)
	if err != nil {
		return err
	}
	if sum != s.Checksum {
		return fmt.Errorf("%w: snapshot %s@%s checksum mismatch", ErrIntegrity, s.AgentID, s.Timestamp.Format(time.RFC3339))
	}
	return nil
}
