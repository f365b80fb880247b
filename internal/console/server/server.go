// Package server — операторский HTTP API рантайма флота.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/console/handler"
)

type FleetServer struct {
	router *chi.Mux
	logger *zap.Logger

	fleetHandler *handler.FleetHandler // /v1/agents, /v1/route, /v1/fleet
}

// NewFleetServer собирает роутер операторского API
func NewFleetServer(logger *zap.Logger, fleetH *handler.FleetHandler) *FleetServer {
	s := &FleetServer{
		router:       chi.NewRouter(),
		logger:       logger.Named("fleet-api"),
		fleetHandler: fleetH,
	}
	s.routes()
	return s
}

func (s *FleetServer) routes() {
	r := s.router

	// --- Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Healthcheck для мониторинга
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Управление агентами: жизненный цикл, срезы, восстановление
	r.Route("/v1/agents", func(r chi.Router) {
		r.Get("/", s.fleetHandler.List)
		r.Post("/", s.fleetHandler.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.fleetHandler.Get)
			r.Delete("/", s.fleetHandler.Terminate)
			r.Post("/failure", s.fleetHandler.ReportFailure)
			r.Post("/heartbeat", s.fleetHandler.Heartbeat)
			r.Post("/snapshot", s.fleetHandler.Snapshot)
			r.Get("/snapshots", s.fleetHandler.Snapshots)
			r.Post("/restore", s.fleetHandler.Restore)
			r.Put("/strategy", s.fleetHandler.SetStrategy)
			r.Post("/workload", s.fleetHandler.AssignWorkload)
		})
	})

	// Маршрутизация запросов через балансировщик
	r.Route("/v1/route", func(r chi.Router) {
		r.Post("/", s.fleetHandler.Route)
		r.Post("/release", s.fleetHandler.ReleaseRoute)
	})

	// Наблюдение: эндпоинты, восстановление, сводка
	r.Get("/v1/endpoints", s.fleetHandler.Endpoints)
	r.Get("/v1/endpoints/health", s.fleetHandler.EndpointHealth)
	r.Get("/v1/recovery/actions", s.fleetHandler.RecoveryActions)
	r.Get("/v1/fleet/stats", s.fleetHandler.FleetStats)
}

// ServeHTTP позволяет использовать FleetServer как стандартный http.Handler
func (s *FleetServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
