package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

// RedisStore — боевая реализация Store поверх go-redis.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("statestore: marshal %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("statestore: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string, out any) error {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.NotFoundf("key %s", key)
	}
	if err != nil {
		return fmt.Errorf("statestore: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("statestore: unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// ScanPrefix итерирует курсором SCAN: блокирующая команда KEYS на проде недопустима.
func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("statestore: scan %s: %w", prefix, err)
	}
	return keys, nil
}

func (s *RedisStore) IndexAdd(ctx context.Context, index, member string, ts time.Time) error {
	return s.rdb.ZAdd(ctx, index, redis.Z{
		Score:  float64(ts.UnixNano()),
		Member: member,
	}).Err()
}

func (s *RedisStore) IndexRecent(ctx context.Context, index string, n int) ([]string, error) {
	members, err := s.rdb.ZRevRange(ctx, index, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("statestore: zrevrange %s: %w", index, err)
	}
	return members, nil
}

func (s *RedisStore) IndexTrimBefore(ctx context.Context, index string, cutoff time.Time) ([]string, error) {
	max := fmt.Sprintf("%d", cutoff.UnixNano())
	removed, err := s.rdb.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("statestore: zrangebyscore %s: %w", index, err)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := s.rdb.ZRemRangeByScore(ctx, index, "-inf", "("+max).Err(); err != nil {
		return nil, fmt.Errorf("statestore: zremrangebyscore %s: %w", index, err)
	}
	return removed, nil
}
