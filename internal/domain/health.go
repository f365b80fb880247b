package domain

import "time"

// CheckType — тип проверки здоровья. Резолвится в конкретный чекер
// один раз при регистрации эндпоинта, а не по строке на каждом тике.
type CheckType string

const (
	CheckHTTP   CheckType = "http"
	CheckTCP    CheckType = "tcp"
	CheckDB     CheckType = "db"
	CheckRedis  CheckType = "redis"
	CheckCustom CheckType = "custom"
)

// HealthStatus — производный статус эндпоинта.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// HealthCheckConfig — настройка одной наблюдаемой точки.
type HealthCheckConfig struct {
	Name             string        `json:"name"`
	Type             CheckType     `json:"type"`
	Target           string        `json:"target"` // URL / host:port / DSN
	Interval         time.Duration `json:"interval"`
	Timeout          time.Duration `json:"timeout"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	ExpectedStatus   []int         `json:"expected_status,omitempty"` // Для HTTP
	ExpectedLatency  time.Duration `json:"expected_latency"`

	// Привязка к агенту: сбой этой точки репортится менеджеру жизненного цикла.
	AgentID string `json:"agent_id,omitempty"`
}

// Validate отсекает конфиги с нулевыми интервалами/порогами.
func (c HealthCheckConfig) Validate() error {
	if c.Name == "" {
		return Validationf("endpoint name is required")
	}
	if c.Interval <= 0 || c.Timeout <= 0 {
		return Validationf("endpoint %s: interval and timeout must be positive", c.Name)
	}
	if c.FailureThreshold <= 0 || c.SuccessThreshold <= 0 {
		return Validationf("endpoint %s: thresholds must be positive", c.Name)
	}
	if c.ExpectedLatency <= 0 {
		return Validationf("endpoint %s: expected_latency must be positive", c.Name)
	}
	return nil
}

// HealthMetrics — накопленные счетчики по эндпоинту.
type HealthMetrics struct {
	Name                 string        `json:"name"`
	TotalChecks          int64         `json:"total_checks"`
	SuccessChecks        int64         `json:"success_checks"`
	FailedChecks         int64         `json:"failed_checks"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	AvgLatency           time.Duration `json:"avg_latency"` // EMA, alpha=0.1
	UptimePercent        float64       `json:"uptime_percent"`
	CurrentStatus        HealthStatus  `json:"current_status"`
	LastCheckAt          time.Time     `json:"last_check_at"`
	LastFailureAt        time.Time     `json:"last_failure_at"`
}
