package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

// MemoryStore — потокобезопасный in-memory двойник RedisStore.
// Семантика TTL упрощена: срок проверяется лениво при чтении.
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string]memEntry
	indexes map[string][]memIndexEntry
}

type memEntry struct {
	raw       []byte
	expiresAt time.Time // Нулевое значение — без TTL
}

type memIndexEntry struct {
	member string
	score  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]memEntry),
		indexes: make(map[string][]memIndexEntry),
	}
}

func (s *MemoryStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("statestore: marshal %s: %w", key, err)
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.data[key] = memEntry{raw: raw, expiresAt: exp}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string, out any) error {
	s.mu.RLock()
	entry, ok := s.data[key]
	s.mu.RUnlock()
	if !ok || (!entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)) {
		return domain.NotFoundf("key %s", key)
	}
	if err := json.Unmarshal(entry.raw, out); err != nil {
		return fmt.Errorf("statestore: unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) IndexAdd(_ context.Context, index, member string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.indexes[index]
	// Обновление score существующего member-а, как в ZADD
	for i := range entries {
		if entries[i].member == member {
			entries[i].score = ts.UnixNano()
			s.sortIndexLocked(index, entries)
			return nil
		}
	}
	entries = append(entries, memIndexEntry{member: member, score: ts.UnixNano()})
	s.sortIndexLocked(index, entries)
	return nil
}

func (s *MemoryStore) sortIndexLocked(index string, entries []memIndexEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].score < entries[j].score })
	s.indexes[index] = entries
}

func (s *MemoryStore) IndexRecent(_ context.Context, index string, n int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.indexes[index]
	var out []string
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, entries[i].member)
	}
	return out, nil
}

func (s *MemoryStore) IndexTrimBefore(_ context.Context, index string, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.indexes[index]
	limit := cutoff.UnixNano()
	var removed []string
	kept := entries[:0]
	for _, e := range entries {
		if e.score < limit {
			removed = append(removed, e.member)
		} else {
			kept = append(kept, e)
		}
	}
	s.indexes[index] = kept
	return removed, nil
}
