package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации оркестратора.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Health    HealthConfig    `mapstructure:"health"`
	Balancer  BalancerConfig  `mapstructure:"balancer"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера (ops API + /metrics).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL (журнал событий).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (персистентность состояния и сигналы).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LifecycleConfig — интервалы фоновых циклов менеджера жизненного цикла.
type LifecycleConfig struct {
	MonitorInterval     time.Duration `mapstructure:"monitor_interval"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	StartingStuckAfter  time.Duration `mapstructure:"starting_stuck_after"`
	StoppingStuckAfter  time.Duration `mapstructure:"stopping_stuck_after"`
	SnapshotInterval    time.Duration `mapstructure:"snapshot_interval"`
	SnapshotHistory     int           `mapstructure:"snapshot_history"`
	RebalanceInterval   time.Duration `mapstructure:"rebalance_interval"`
	CoordinatorInterval time.Duration `mapstructure:"coordinator_interval"`
	RecoveryRetryAfter  time.Duration `mapstructure:"recovery_retry_after"` // FAILED старше этого — повторяем
}

// RecoveryConfig — настройки движка восстановления.
type RecoveryConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	SettleWindow  time.Duration `mapstructure:"settle_window"` // Пауза после рестарта перед проверкой
}

// HealthConfig — настройки монитора здоровья.
type HealthConfig struct {
	// Circuit Breaker для обертки проверок
	CBFailureThreshold int           `mapstructure:"cb_failure_threshold"`
	CBRecoveryTimeout  time.Duration `mapstructure:"cb_recovery_timeout"`
	CBSuccessThreshold int           `mapstructure:"cb_success_threshold"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
}

// BalancerConfig — настройки балансировщика и предиктивного скейлера.
type BalancerConfig struct {
	PredictInterval time.Duration `mapstructure:"predict_interval"`
	ScaleCooldown   time.Duration `mapstructure:"scale_cooldown"`
	MinSamples      int           `mapstructure:"min_samples"` // До этого числа наблюдений — эвристика
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Переменные окружения перекрывают файл: LIFECYCLE_HEARTBEAT_TIMEOUT=90s
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("lifecycle.monitor_interval", 30*time.Second)
	v.SetDefault("lifecycle.heartbeat_interval", 30*time.Second)
	v.SetDefault("lifecycle.heartbeat_timeout", 2*time.Minute)
	v.SetDefault("lifecycle.starting_stuck_after", 5*time.Minute)
	v.SetDefault("lifecycle.stopping_stuck_after", 2*time.Minute)
	v.SetDefault("lifecycle.snapshot_interval", 5*time.Minute)
	v.SetDefault("lifecycle.snapshot_history", 10)
	v.SetDefault("lifecycle.rebalance_interval", 2*time.Minute)
	v.SetDefault("lifecycle.coordinator_interval", 1*time.Minute)
	v.SetDefault("lifecycle.recovery_retry_after", 5*time.Minute)

	v.SetDefault("recovery.max_concurrent", 5)
	v.SetDefault("recovery.settle_window", 10*time.Second)

	v.SetDefault("health.cb_failure_threshold", 3)
	v.SetDefault("health.cb_recovery_timeout", 60*time.Second)
	v.SetDefault("health.cb_success_threshold", 2)
	v.SetDefault("health.max_concurrent", 20)

	v.SetDefault("balancer.predict_interval", 60*time.Second)
	v.SetDefault("balancer.scale_cooldown", 180*time.Second)
	v.SetDefault("balancer.min_samples", 200)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}
