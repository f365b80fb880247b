package infra

import (
	"fmt"
	"time"
)

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "fleet"
)

// Ключи персистентности состояния
const (
	RedisKeyStatePrefix    = RedisNamespace + ":state:"    // + agentID
	RedisKeyRecoveryPrefix = RedisNamespace + ":recovery:" // + agentID
	RedisKeySnapshotPrefix = RedisNamespace + ":snapshot:" // + agentID:timestamp
	RedisKeyEventPrefix    = RedisNamespace + ":event:"    // + agentID:timestamp
)

// Индексы (Sorted Sets, score = unix timestamp)
const (
	RedisIdxSnapshots = RedisNamespace + ":idx:snapshots:" // + agentID
	RedisIdxEvents    = RedisNamespace + ":idx:events:"    // + agentID
)

// Каналы Pub/Sub (события)
const (
	// RedisChanAlerts — канал трансляции алертов подписчикам (консоль, пейджеры).
	RedisChanAlerts = RedisNamespace + ":alerts"
	// RedisChanScaling — решения предиктивного скейлера.
	RedisChanScaling = RedisNamespace + ":scaling"
)

// Политика хранения
const (
	TTLState    = 30 * 24 * time.Hour // Состояние, стратегии, события
	TTLSnapshot = 7 * 24 * time.Hour  // Снапшоты
)

// StateKey собирает ключ состояния агента.
func StateKey(agentID string) string {
	return RedisKeyStatePrefix + agentID
}

// RecoveryKey собирает ключ стратегии восстановления.
func RecoveryKey(agentID string) string {
	return RedisKeyRecoveryPrefix + agentID
}

// SnapshotKey собирает ключ снапшота по метке времени.
func SnapshotKey(agentID string, ts time.Time) string {
	return fmt.Sprintf("%s%s:%d", RedisKeySnapshotPrefix, agentID, ts.UnixNano())
}

// EventKey собирает ключ события журнала.
func EventKey(agentID string, ts time.Time) string {
	return fmt.Sprintf("%s%s:%d", RedisKeyEventPrefix, agentID, ts.UnixNano())
}
