package journal

import (
	"context"
	"sync"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

// MemoryStorage копит события в памяти. Для тестов и standalone-режима.
type MemoryStorage struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) WriteBatch(_ context.Context, events []domain.LifecycleEvent) error {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

// Events возвращает копию накопленного.
func (s *MemoryStorage) Events() []domain.LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LifecycleEvent, len(s.events))
	copy(out, s.events)
	return out
}
