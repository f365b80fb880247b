package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/alerting"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/balancer"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/console/handler"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/console/server"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/deploy"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/health"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/infra"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/journal"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/lifecycle"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/metrics"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/recovery"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/resilience"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/statestore"
)

func main() {
	// 1. Конфигурация и инфраструктура
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Контекст для управления жизненным циклом фоновых горутин
	// При срабатывании SIGTERM cancel() остановит все циклы
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Персистентность: Redis, если доступен; иначе in-memory режим
	var store statestore.Store
	if err := rdb.Ping(appCtx).Err(); err != nil {
		logger.Warn("redis unavailable, falling back to in-memory state store", zap.Error(err))
		store = statestore.NewMemoryStore()
		rdb = nil
	} else {
		store = statestore.NewRedisStore(rdb)
	}

	// Журнал событий: Postgres пачками, без DB_URL — in-memory
	var journalStorage journal.Storage
	if cfg.Database.URL != "" {
		pg, err := journal.NewPostgresStorage(cfg.Database.URL)
		if err != nil {
			log.Fatalf("failed to init postgres journal: %v", err)
		}
		defer pg.Close()
		journalStorage = pg
	} else {
		logger.Warn("database.url is empty, lifecycle events stay in memory")
		journalStorage = journal.NewMemoryStorage()
	}
	eventJournal := journal.New(journalStorage, logger, 1000, 100, 500*time.Millisecond)
	eventJournal.Start()

	// Метрики
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// Алерты: лог + трансляция в Redis канал
	alerts := alerting.NewDispatcher(rdb, logger, 256)
	alerts.SetMetrics(collector)
	alerts.Start()

	// 2. Control Plane
	mgr := lifecycle.NewManager(cfg.Lifecycle, store, eventJournal, alerts, collector, logger)

	// Деплой-бекенд. Пока только mock: интеграция с оркестратором
	// подключается реализацией deploy.Backend.
	backend := deploy.NewMockBackend()
	reliable, err := deploy.NewReliableBackend(backend, deploy.DefaultReliableConfig(), logger, collector)
	if err != nil {
		log.Fatalf("failed to init deploy backend: %v", err)
	}
	mgr.SetBackend(reliable)

	engine, err := recovery.NewEngine(mgr, reliable, alerts, collector,
		cfg.Recovery.MaxConcurrent, cfg.Recovery.SettleWindow, logger)
	if err != nil {
		log.Fatalf("failed to init recovery engine: %v", err)
	}
	mgr.SetRecovery(engine)

	// 3. Наблюдение и балансировка
	monitor, err := health.NewMonitor(resilience.BreakerConfig{
		FailureThreshold: cfg.Health.CBFailureThreshold,
		RecoveryTimeout:  cfg.Health.CBRecoveryTimeout,
		SuccessThreshold: cfg.Health.CBSuccessThreshold,
	}, cfg.Health.MaxConcurrent, alerts, collector, logger)
	if err != nil {
		log.Fatalf("failed to init health monitor: %v", err)
	}
	monitor.SetFleet(mgr)

	lb := balancer.New(cfg.Balancer.MinSamples, logger)
	monitor.SetSink(lb)

	predictor := balancer.NewPredictor(lb, cfg.Balancer, collector, alerts, rdb, logger)

	// 4. Фоновые циклы
	mgr.Run(appCtx)
	monitor.Start(appCtx)
	go predictor.Run(appCtx)

	// Экспортируем метрики для Prometheus
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 5. Операторский HTTP API
	fleetH := handler.NewFleetHandler(mgr, engine, monitor, lb, reliable, logger)
	api := server.NewFleetServer(logger, fleetH)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("fleet api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 6. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	// Останавливаем фоновые циклы и дожимаем буферы
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}

	mgr.Flush(shutdownCtx)
	eventJournal.Stop()
	alerts.Stop()
	logger.Info("fleet runtime stopped")
}
