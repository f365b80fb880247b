package alerting

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/infra"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/metrics"
)

// Sink — получатель алертов. Fire-and-forget: фан-аут по каналам доставки
// (email/webhook/chat) живет за пределами ядра.
type Sink interface {
	Send(severity domain.Severity, title, description string, tags map[string]string)
}

// Dispatcher принимает алерты из горячего пути без блокировки и асинхронно
// логирует их + транслирует в Redis канал для внешних подписчиков.
type Dispatcher struct {
	ch     chan domain.Alert
	rdb    *redis.Client // Может быть nil — тогда только лог
	logger *zap.Logger
	wg     sync.WaitGroup

	isClosed int32
	dropped  atomic.Int64

	collector *metrics.Collector // Может быть nil
}

// SetMetrics подключает счетчик эмитированных алертов.
func (d *Dispatcher) SetMetrics(c *metrics.Collector) { d.collector = c }

func NewDispatcher(rdb *redis.Client, logger *zap.Logger, bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Dispatcher{
		ch:     make(chan domain.Alert, bufferSize),
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "alerts")),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.worker()
}

// Stop дожидается доставки всего, что уже в буфере.
func (d *Dispatcher) Stop() {
	atomic.StoreInt32(&d.isClosed, 1)
	time.Sleep(10 * time.Millisecond)
	close(d.ch)
	d.wg.Wait()
}

// Send — неблокирующая постановка алерта. При переполнении буфера алерт
// уходит сразу в лог, чтобы критика не потерялась молча.
func (d *Dispatcher) Send(severity domain.Severity, title, description string, tags map[string]string) {
	alert := domain.Alert{
		Severity:    severity,
		Title:       title,
		Description: description,
		Tags:        tags,
		Timestamp:   time.Now(),
	}

	if d.collector != nil {
		d.collector.AlertsTotal.WithLabelValues(string(severity)).Inc()
	}

	if atomic.LoadInt32(&d.isClosed) == 1 {
		d.log(alert)
		return
	}

	select {
	case d.ch <- alert:
	default:
		d.dropped.Add(1)
		d.log(alert) // Load shedding: буфер полон, доставляем хотя бы в лог
	}
}

// Dropped возвращает число алертов, не попавших в буфер.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for alert := range d.ch {
		d.log(alert)
		d.publish(alert)
	}
}

func (d *Dispatcher) log(a domain.Alert) {
	fields := []zap.Field{
		zap.String("title", a.Title),
		zap.String("description", a.Description),
		zap.Any("tags", a.Tags),
	}
	switch a.Severity {
	case domain.SeverityCritical:
		d.logger.Error("ALERT", fields...)
	case domain.SeverityWarning:
		d.logger.Warn("ALERT", fields...)
	default:
		d.logger.Info("ALERT", fields...)
	}
}

func (d *Dispatcher) publish(a domain.Alert) {
	if d.rdb == nil {
		return
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.rdb.Publish(ctx, infra.RedisChanAlerts, payload).Err(); err != nil {
		d.logger.Warn("alert broadcast failed", zap.Error(err))
	}
}
