package health

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres для db-проверок
	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

// CheckFunc — разрешенная проверка одного эндпоинта. Возвращает ошибку,
// если точка нездорова; замер задержки делает вызывающий.
type CheckFunc func(ctx context.Context) error

// resolveChecker переводит тип проверки в функцию один раз при регистрации.
// Дальше горячий цикл работает без строковых сравнений.
func (m *Monitor) resolveChecker(cfg domain.HealthCheckConfig) (CheckFunc, error) {
	switch cfg.Type {
	case domain.CheckHTTP:
		return m.httpChecker(cfg), nil
	case domain.CheckTCP:
		return tcpChecker(cfg), nil
	case domain.CheckDB:
		return dbChecker(cfg)
	case domain.CheckRedis:
		return redisChecker(cfg), nil
	case domain.CheckCustom:
		return nil, domain.Validationf("endpoint %s: custom checks require RegisterCustom", cfg.Name)
	default:
		return nil, domain.Validationf("endpoint %s: unknown check type %q", cfg.Name, cfg.Type)
	}
}

func (m *Monitor) httpChecker(cfg domain.HealthCheckConfig) CheckFunc {
	expected := cfg.ExpectedStatus
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Target, nil)
		if err != nil {
			return err
		}
		resp, err := m.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if len(expected) == 0 {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		for _, code := range expected {
			if resp.StatusCode == code {
				return nil
			}
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func tcpChecker(cfg domain.HealthCheckConfig) CheckFunc {
	dialer := &net.Dialer{}
	return func(ctx context.Context) error {
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Target)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// dbChecker открывает пул один раз при регистрации; каждая проверка — Ping.
func dbChecker(cfg domain.HealthCheckConfig) (CheckFunc, error) {
	db, err := sql.Open("pgx", cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: open db: %w", cfg.Name, err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}, nil
}

func redisChecker(cfg domain.HealthCheckConfig) CheckFunc {
	client := redis.NewClient(&redis.Options{Addr: cfg.Target})
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
