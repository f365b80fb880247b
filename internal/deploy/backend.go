// Package deploy — граница с бэкендом деплоя (контейнерным оркестратором).
// Ядро видит его как непрозрачный, медленный и иногда падающий RPC.
package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

// Backend — контракт платформы, физически управляющей процессами агентов.
type Backend interface {
	// Deploy поднимает юнит по спецификации и возвращает хэндл.
	Deploy(ctx context.Context, spec domain.AgentSpec) (domain.DeploymentHandle, error)
	// Terminate гасит юнит. Идемпотентен.
	Terminate(ctx context.Context, handle domain.DeploymentHandle) error
	// RecreateWithState пересоздает юнит с восстановленным состоянием из снапшота.
	RecreateWithState(ctx context.Context, handle domain.DeploymentHandle, snapshot domain.StateSnapshot) error
	// Relocate пересоздает юнит на другой ноде, сохраняя конфигурацию.
	Relocate(ctx context.Context, handle domain.DeploymentHandle, nodeHint string) (domain.DeploymentHandle, error)
}

// ThrottleError — бэкенд попросил притормозить (прочитан Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }
