package deploy

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/resilience"
)

// ReliableBackend оборачивает Backend стеком надежности:
// Rate Limiter -> Circuit Breaker -> Retry с умной задержкой.
// Все отказы наружу приводятся к domain.ErrExternalService,
// кроме отказа предохранителя (domain.ErrBreakerOpen).
type ReliableBackend struct {
	next        Backend
	cb          *resilience.Breaker
	limiter     *rate.Limiter
	attempts    uint
	callTimeout time.Duration
	logger      *zap.Logger
}

// ReliableConfig — настройки стека надежности перед бэкендом.
type ReliableConfig struct {
	Breaker     resilience.BreakerConfig
	RatePerSec  float64
	Burst       int
	Attempts    int
	CallTimeout time.Duration
}

func DefaultReliableConfig() ReliableConfig {
	return ReliableConfig{
		Breaker: resilience.BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 3,
		},
		RatePerSec:  50,
		Burst:       10,
		Attempts:    3,
		CallTimeout: 10 * time.Second,
	}
}

func NewReliableBackend(next Backend, cfg ReliableConfig, logger *zap.Logger, gauge resilience.StateGauge) (*ReliableBackend, error) {
	cb, err := resilience.NewBreaker("deploy-backend", cfg.Breaker, logger, gauge)
	if err != nil {
		return nil, err
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	return &ReliableBackend{
		next:        next,
		cb:          cb,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		attempts:    uint(attempts),
		callTimeout: cfg.CallTimeout,
		logger:      logger.Named("deploy"),
	}, nil
}

func (w *ReliableBackend) Deploy(ctx context.Context, spec domain.AgentSpec) (domain.DeploymentHandle, error) {
	var handle domain.DeploymentHandle
	err := w.call(ctx, "deploy", func(tCtx context.Context) error {
		var callErr error
		handle, callErr = w.next.Deploy(tCtx, spec)
		return callErr
	})
	return handle, err
}

func (w *ReliableBackend) Terminate(ctx context.Context, handle domain.DeploymentHandle) error {
	return w.call(ctx, "terminate", func(tCtx context.Context) error {
		return w.next.Terminate(tCtx, handle)
	})
}

func (w *ReliableBackend) RecreateWithState(ctx context.Context, handle domain.DeploymentHandle, snapshot domain.StateSnapshot) error {
	return w.call(ctx, "recreate", func(tCtx context.Context) error {
		return w.next.RecreateWithState(tCtx, handle, snapshot)
	})
}

func (w *ReliableBackend) Relocate(ctx context.Context, handle domain.DeploymentHandle, nodeHint string) (domain.DeploymentHandle, error) {
	var moved domain.DeploymentHandle
	err := w.call(ctx, "relocate", func(tCtx context.Context) error {
		var callErr error
		moved, callErr = w.next.Relocate(tCtx, handle, nodeHint)
		return callErr
	})
	return moved, err
}

func (w *ReliableBackend) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return domain.Externalf(err, "rate limit wait for %s", op)
	}

	// 2. Circuit Breaker
	err := w.cb.Execute(func() error {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Если бэкенд вернул ThrottleError (считал Retry-After заголовок)
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}

				// В остальных случаях — стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		return r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
			defer cancel()
			return fn(tCtx)
		})
	})

	if errors.Is(err, domain.ErrBreakerOpen) {
		return err
	}
	if err != nil {
		w.logger.Warn("backend call failed", zap.String("op", op), zap.Error(err))
		return domain.Externalf(err, "backend %s", op)
	}
	return nil
}
