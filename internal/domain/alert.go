package domain

import "time"

// Severity — важность алерта.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert — событие для оператора. Доставка (email/webhook/pager) вне ядра:
// диспетчер лишь решает, когда алерт должен появиться.
type Alert struct {
	Severity    Severity          `json:"severity"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Tags        map[string]string `json:"tags,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}
