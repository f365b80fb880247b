package domain

import "time"

// AgentState — фаза жизненного цикла агента.
type AgentState string

const (
	StateCreated    AgentState = "created"    // Запись создана, деплоя еще нет
	StateStarting   AgentState = "starting"   // Бэкенд поднимает процесс
	StateRunning    AgentState = "running"    // Штатная работа, идут heartbeat-ы
	StateStopping   AgentState = "stopping"   // Плавная остановка
	StateStopped    AgentState = "stopped"    // Остановлен оператором
	StateFailed     AgentState = "failed"     // Сбой (heartbeat timeout или явный репорт)
	StateRecovering AgentState = "recovering" // RecoveryEngine выполняет стратегию
	StateMigrating  AgentState = "migrating"  // Переезд на другую ноду
	StateTerminated AgentState = "terminated" // Терминальное состояние, ресурсы освобождены
)

// Valid проверяет, что значение входит в известный набор фаз.
// Неизвестная фаза — ошибка программиста, а не данных.
func (s AgentState) Valid() bool {
	switch s {
	case StateCreated, StateStarting, StateRunning, StateStopping, StateStopped,
		StateFailed, StateRecovering, StateMigrating, StateTerminated:
		return true
	}
	return false
}

// AgentSpec — декларация агента при регистрации.
// Это то, что мы отдаем бэкенду деплоя при создании/пересоздании.
type AgentSpec struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`      // Напр. "worker", "scraper"
	TenantID       string            `json:"tenant_id"` // Изоляция по клиенту
	Image          string            `json:"image"`
	Env            map[string]string `json:"env"`
	Capabilities   []string          `json:"capabilities"`
	MaxConnections int               `json:"max_connections"`
	NodeHint       string            `json:"node_hint"` // Пожелание по размещению
}

// DeploymentHandle — непрозрачная ссылка на юнит бэкенда деплоя
// (имя + namespace, как в контейнерных оркестраторах).
type DeploymentHandle struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// AgentLifecycleState — полная запись о жизненном цикле одного агента.
// Мутируется исключительно через AgentLifecycleManager.
type AgentLifecycleState struct {
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type"`
	TenantID  string `json:"tenant_id"`

	// Машина состояний. PreviousState всегда хранит фазу,
	// непосредственно предшествовавшую CurrentState.
	CurrentState  AgentState `json:"current_state"`
	PreviousState AgentState `json:"previous_state"`
	StateChangeAt time.Time  `json:"state_change_at"`

	Deployment DeploymentHandle `json:"deployment"`
	NodeHint   string           `json:"node_hint"`

	// Счетчики надежности
	RestartCount int `json:"restart_count"`
	FailureCount int `json:"failure_count"`

	LastHeartbeat time.Time `json:"last_heartbeat"`
	HealthSummary string    `json:"health_summary"`

	// Текущая нагрузка: work-item-id -> непрозрачный payload
	Workload map[string]any `json:"workload"`

	// Произвольное прикладное состояние (blob)
	AppState map[string]any `json:"app_state"`

	// Восстановление
	RecoveryAttempts int              `json:"recovery_attempts"`
	LastRecoveryAt   time.Time        `json:"last_recovery_at"`
	Strategy         RecoveryStrategy `json:"strategy"`

	// Последняя ошибка для оператора (видна в консоли)
	Metadata map[string]string `json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkloadSize возвращает число закрепленных work-item-ов.
func (s *AgentLifecycleState) WorkloadSize() int {
	return len(s.Workload)
}

// LifecycleEvent — запись журнала о переходе/действии над агентом.
type LifecycleEvent struct {
	ID        string         `json:"id"` // UUID события
	AgentID   string         `json:"agent_id"`
	AgentType string         `json:"agent_type"`
	TenantID  string         `json:"tenant_id"`
	EventType string         `json:"event_type"` // state_transition, snapshot, redistribution...
	FromState AgentState     `json:"from_state,omitempty"`
	ToState   AgentState     `json:"to_state,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
