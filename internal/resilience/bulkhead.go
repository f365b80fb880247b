package resilience

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

// Bulkhead — ограничитель одновременности для одного класса операций.
// Восстановления, проверки здоровья и внешние вызовы получают каждый свой
// пул и не душат друг друга при перегрузке.
type Bulkhead struct {
	name   string
	max    int64
	sem    *semaphore.Weighted
	active atomic.Int64
}

func NewBulkhead(name string, maxConcurrent int) (*Bulkhead, error) {
	if maxConcurrent <= 0 {
		return nil, domain.Validationf("bulkhead %s: max concurrency must be positive", name)
	}
	return &Bulkhead{
		name: name,
		max:  int64(maxConcurrent),
		sem:  semaphore.NewWeighted(int64(maxConcurrent)),
	}, nil
}

// Do ждет свободный слот (уважая ctx) и выполняет fn.
func (b *Bulkhead) Do(ctx context.Context, fn func() error) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	b.active.Add(1)
	defer func() {
		b.active.Add(-1)
		b.sem.Release(1)
	}()
	return fn()
}

// TryDo выполняет fn только если слот доступен сразу; иначе false.
func (b *Bulkhead) TryDo(fn func() error) (bool, error) {
	if !b.sem.TryAcquire(1) {
		return false, nil
	}
	b.active.Add(1)
	defer func() {
		b.active.Add(-1)
		b.sem.Release(1)
	}()
	return true, fn()
}

// Active — число операций в полете.
func (b *Bulkhead) Active() int64 {
	return b.active.Load()
}

// Utilization — занятость пула в процентах.
func (b *Bulkhead) Utilization() float64 {
	return float64(b.active.Load()) / float64(b.max) * 100
}

// Name возвращает имя пула.
func (b *Bulkhead) Name() string { return b.name }
