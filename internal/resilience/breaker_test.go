package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, cfg BreakerConfig) *Breaker {
	t.Helper()
	b, err := NewBreaker("test", cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	return b
}

func fail(b *Breaker) error { return b.Execute(func() error { return errBoom }) }
func ok(b *Breaker) error   { return b.Execute(func() error { return nil }) }

func TestBreakerConfigValidate(t *testing.T) {
	_, err := NewBreaker("bad", BreakerConfig{}, zap.NewNop(), nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newTestBreaker(t, BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
	})

	assert.ErrorIs(t, fail(b), errBoom)
	assert.ErrorIs(t, fail(b), errBoom)
	assert.Equal(t, BreakerClosed, b.State())

	// Третья подряд ошибка размыкает цепь
	assert.ErrorIs(t, fail(b), errBoom)
	assert.Equal(t, BreakerOpen, b.State())

	// В OPEN вложенный вызов не исполняется, наружу уходит доменная ошибка
	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, domain.ErrBreakerOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := newTestBreaker(t, BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
	})

	require.ErrorIs(t, fail(b), errBoom)
	require.ErrorIs(t, fail(b), errBoom)
	require.NoError(t, ok(b))
	require.ErrorIs(t, fail(b), errBoom)
	require.ErrorIs(t, fail(b), errBoom)
	// Серия прервана успехом — цепь все еще замкнута
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := newTestBreaker(t, BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
	})

	require.ErrorIs(t, fail(b), errBoom)
	require.Equal(t, BreakerOpen, b.State())

	time.Sleep(70 * time.Millisecond)
	assert.Equal(t, BreakerHalfOpen, b.State())

	// Два успеха подряд замыкают цепь обратно
	require.NoError(t, ok(b))
	require.NoError(t, ok(b))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := newTestBreaker(t, BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
	})

	require.ErrorIs(t, fail(b), errBoom)
	time.Sleep(70 * time.Millisecond)

	// Пробный вызов упал — обратно в OPEN
	require.ErrorIs(t, fail(b), errBoom)
	assert.Equal(t, BreakerOpen, b.State())
}
