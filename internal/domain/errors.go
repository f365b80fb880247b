package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок ядра. Фоновые циклы логируют и продолжают,
// публичные вызовы возвращают их явно.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrIntegrity         = errors.New("integrity check failed")
	ErrBreakerOpen       = errors.New("circuit breaker is open")
	ErrExternalService   = errors.New("external service failure")
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
	ErrAlreadyTracked    = errors.New("agent already tracked")
)

// NotFoundf оборачивает ErrNotFound с контекстом (кто именно не найден).
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Validationf оборачивает ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Externalf оборачивает ErrExternalService, сохраняя причину для errors.Is/As.
func Externalf(cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", ErrExternalService, fmt.Sprintf(format, args...), cause)
}
