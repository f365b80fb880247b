// Package resilience — примитивы устойчивости: предохранитель и bulkhead.
package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

// BreakerState — состояние предохранителя в терминах ядра.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig — пороги предохранителя.
type BreakerConfig struct {
	FailureThreshold int           // Подряд идущие ошибки до размыкания
	RecoveryTimeout  time.Duration // Сколько держим OPEN до пробы
	SuccessThreshold int           // Подряд идущие успехи в HALF_OPEN до замыкания
}

// Validate отсекает неположительные пороги.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 || c.SuccessThreshold <= 0 {
		return domain.Validationf("breaker thresholds must be positive")
	}
	if c.RecoveryTimeout <= 0 {
		return domain.Validationf("breaker recovery timeout must be positive")
	}
	return nil
}

// StateGauge — приемник смен состояния (для prometheus gauge).
type StateGauge interface {
	SetBreakerState(name string, state BreakerState)
}

// Breaker оборачивает gobreaker, приводя его семантику к контракту ядра:
// отказ в OPEN — это всегда domain.ErrBreakerOpen, а не ошибка вложенного
// вызова; успех/ошибка учитываются ровно один раз на вызов.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(name string, cfg BreakerConfig, logger *zap.Logger, gauge StateGauge) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	settings := gobreaker.Settings{
		Name: name,
		// HALF_OPEN замыкается после SuccessThreshold успехов подряд
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
	}
	if logger != nil || gauge != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			state := fromGobreaker(to)
			if logger != nil {
				logger.Info("circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", string(fromGobreaker(from))),
					zap.String("to", string(state)))
			}
			if gauge != nil {
				gauge.SetBreakerState(name, state)
			}
		}
	}

	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}, nil
}

// Execute прогоняет fn через предохранитель.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.ErrBreakerOpen
	}
	return err
}

// Name возвращает имя предохранителя.
func (b *Breaker) Name() string { return b.name }

// State возвращает текущее состояние.
func (b *Breaker) State() BreakerState {
	return fromGobreaker(b.cb.State())
}

func fromGobreaker(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}
