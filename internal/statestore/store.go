// Package statestore — персистентность состояния оркестратора.
//
// Хранилище ключ-значение с TTL-ретеншеном плюс сортированные по времени
// индексы для выборки последних N снапшотов/событий агента. Боевая
// реализация — Redis; in-memory двойник используется в тестах и в
// standalone-режиме без внешних зависимостей.
package statestore

import (
	"context"
	"time"
)

// Store — контракт персистентности для менеджера жизненного цикла.
type Store interface {
	// Set сериализует значение в JSON и кладет по ключу с TTL (0 — без TTL).
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Get читает ключ и десериализует в out. Отсутствие ключа — domain.ErrNotFound.
	Get(ctx context.Context, key string, out any) error
	// Delete удаляет ключ. Отсутствие ключа ошибкой не считается.
	Delete(ctx context.Context, key string) error
	// ScanPrefix возвращает все ключи с данным префиксом.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// IndexAdd добавляет member в сортированный индекс со score = ts.
	IndexAdd(ctx context.Context, index, member string, ts time.Time) error
	// IndexRecent возвращает до n member-ов, новые первыми.
	IndexRecent(ctx context.Context, index string, n int) ([]string, error)
	// IndexTrimBefore выкидывает member-ы старше cutoff, возвращает удаленные.
	IndexTrimBefore(ctx context.Context, index string, cutoff time.Time) ([]string, error)
}
