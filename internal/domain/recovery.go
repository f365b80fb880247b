package domain

import "time"

// RecoveryKind — вид стратегии восстановления.
type RecoveryKind string

const (
	RecoveryRestart RecoveryKind = "restart"            // Перезапуск на том же месте
	RecoveryMigrate RecoveryKind = "migrate"            // Переезд на другую ноду
	RecoveryScale   RecoveryKind = "scale_replacement"  // Поднять замену того же типа
	RecoveryManual  RecoveryKind = "manual_intervention" // Только алерт, руками
)

// Valid проверяет известность вида стратегии.
func (k RecoveryKind) Valid() bool {
	switch k {
	case RecoveryRestart, RecoveryMigrate, RecoveryScale, RecoveryManual:
		return true
	}
	return false
}

// RecoveryStrategy — value object, прикрепленный к агенту.
// Иммутабелен, пока оператор явно не заменит его целиком.
type RecoveryStrategy struct {
	Kind             RecoveryKind  `json:"kind"`
	MaxAttempts      int           `json:"max_attempts"`
	BackoffFactor    float64       `json:"backoff_factor"`
	InitialDelay     time.Duration `json:"initial_delay"`
	MaxDelay         time.Duration `json:"max_delay"`
	Timeout          time.Duration `json:"timeout"` // Лимит на одну попытку
	PreserveState    bool          `json:"preserve_state"`
	MigrateWorkload  bool          `json:"migrate_workload"`
	NotifyDependents bool          `json:"notify_dependents"`
}

// DefaultRecoveryStrategy — стратегия по умолчанию при регистрации агента.
func DefaultRecoveryStrategy() RecoveryStrategy {
	return RecoveryStrategy{
		Kind:            RecoveryRestart,
		MaxAttempts:     3,
		BackoffFactor:   2.0,
		InitialDelay:    5 * time.Second,
		MaxDelay:        2 * time.Minute,
		Timeout:         5 * time.Minute,
		PreserveState:   true,
		MigrateWorkload: true,
	}
}

// Validate отсекает заведомо неисполнимые стратегии.
func (s RecoveryStrategy) Validate() error {
	if !s.Kind.Valid() {
		return Validationf("unknown recovery kind %q", s.Kind)
	}
	if s.MaxAttempts <= 0 {
		return Validationf("max_attempts must be positive, got %d", s.MaxAttempts)
	}
	if s.BackoffFactor < 1 {
		return Validationf("backoff_factor must be >= 1, got %v", s.BackoffFactor)
	}
	if s.InitialDelay <= 0 || s.MaxDelay < s.InitialDelay {
		return Validationf("invalid delay bounds: initial=%v max=%v", s.InitialDelay, s.MaxDelay)
	}
	return nil
}

// Delay считает задержку перед попыткой attempt (нумерация с нуля):
// min(initial * factor^attempt, max).
func (s RecoveryStrategy) Delay(attempt int) time.Duration {
	d := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= s.BackoffFactor
		if time.Duration(d) >= s.MaxDelay {
			return s.MaxDelay
		}
	}
	if time.Duration(d) > s.MaxDelay {
		return s.MaxDelay
	}
	return time.Duration(d)
}

// FailurePattern — накопленная статистика по (агент, тип сбоя).
// Используется движком восстановления, чтобы смещать выбор стратегии:
// повторяющийся сбой на той же ноде — аргумент в пользу миграции.
type FailurePattern struct {
	AgentID     string          `json:"agent_id"`
	FailureType string          `json:"failure_type"`
	Frequency   int             `json:"frequency"`
	FirstSeen   time.Time       `json:"first_seen"`
	LastSeen    time.Time       `json:"last_seen"`
	Instances   map[string]bool `json:"instances"` // Затронутые размещения
}

// RecoveryAction — единица работы движка восстановления,
// поставленная в очередь на асинхронное исполнение.
type RecoveryAction struct {
	ID                string        `json:"id"` // UUID
	AgentID           string        `json:"agent_id"`
	Strategy          RecoveryKind  `json:"strategy"`
	Priority          int           `json:"priority"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Reason            string        `json:"reason"`
	CreatedAt         time.Time     `json:"created_at"`
}
