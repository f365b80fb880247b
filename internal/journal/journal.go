package journal

/*
Файл journal.go реализует журнал событий жизненного цикла флота.

Ключевые особенности архитектуры:
- Non-blocking Recording: события уходят из горячего пути менеджера через
  неблокирующий канал, запись в БД не влияет на скорость переходов.
- Batching: накопление в памяти и пакетная вставка (Bulk Insert) по таймеру
  или при достижении лимита.
- Drain Pattern: при остановке канал закрывается, воркер дочитывает остаток
  и делает финальный flush — события переходов не теряются при рестарте.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

// Storage определяет, куда физически сохраняются события
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []domain.LifecycleEvent) error
}

// Recorder — интерфейс для компонентов, пишущих в журнал.
type Recorder interface {
	Record(event domain.LifecycleEvent)
}

type Journal struct {
	ch     chan domain.LifecycleEvent
	repo   Storage
	logger *zap.Logger
	wg     sync.WaitGroup

	batchSize     int
	flushInterval time.Duration

	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
}

func New(repo Storage, logger *zap.Logger, bufferSize, batchSize int, flushInterval time.Duration) *Journal {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &Journal{
		ch:            make(chan domain.LifecycleEvent, bufferSize),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "journal")),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (j *Journal) Stop() {
	atomic.StoreInt32(&j.isClosed, 1)

	// Крошечная пауза, чтобы текущие Record успели проскочить
	time.Sleep(10 * time.Millisecond)

	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

// Record кладет событие в буфер. Никогда не блокирует вызывающего:
// при переполнении применяется Load Shedding с логированием потери.
func (j *Journal) Record(event domain.LifecycleEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&j.isClosed) == 1 {
		j.logger.Warn("lifecycle event dropped: journal is stopping", zap.String("agent_id", event.AgentID))
		return
	}

	select {
	case j.ch <- event:
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("agent_id", event.AgentID),
			zap.String("event_type", event.EventType),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]domain.LifecycleEvent, 0, j.batchSize)
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст к этому моменту может быть закрыт
			if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
				j.logger.Error("journal flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop() — дочитали остаток, финальный сброс и выход
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= j.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
