// Package handler — HTTP-обработчики операторского API флота.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/balancer"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/deploy"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/health"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/lifecycle"
	"github.com/xela07ax/spaceai-fleet-runtime/internal/recovery"
)

type FleetHandler struct {
	mgr      *lifecycle.Manager
	engine   *recovery.Engine
	monitor  *health.Monitor
	balancer *balancer.Balancer
	backend  deploy.Backend
	logger   *zap.Logger
}

func NewFleetHandler(
	mgr *lifecycle.Manager,
	engine *recovery.Engine,
	monitor *health.Monitor,
	b *balancer.Balancer,
	backend deploy.Backend,
	logger *zap.Logger,
) *FleetHandler {
	return &FleetHandler{
		mgr:      mgr,
		engine:   engine,
		monitor:  monitor,
		balancer: b,
		backend:  backend,
		logger:   logger.Named("fleet-api"),
	}
}

// --- Агенты ---

// List возвращает состояния всех агентов.
// GET /v1/agents
func (h *FleetHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.mgr.States())
}

// Create деплоит агента через бекенд и ставит его под управление.
// POST /v1/agents
func (h *FleetHandler) Create(w http.ResponseWriter, r *http.Request) {
	var spec domain.AgentSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	handle, err := h.backend.Deploy(r.Context(), spec)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.mgr.Register(r.Context(), spec, handle); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"agent_id": spec.ID, "deployment": handle})
}

// Get возвращает lifecycle-состояние агента.
// GET /v1/agents/{id}
func (h *FleetHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.mgr.State(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// Terminate выводит агента из эксплуатации.
// DELETE /v1/agents/{id}
func (h *FleetHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Terminate(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReportFailure — ручная фиксация отказа оператором или внешним монитором.
// POST /v1/agents/{id}/failure
func (h *FleetHandler) ReportFailure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}
	if err := h.mgr.ReportFailure(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Heartbeat принимает сигнал живости от самого агента.
// POST /v1/agents/{id}/heartbeat
func (h *FleetHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Summary string `json:"summary"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req) // Пустое тело допустимо
	if err := h.mgr.Heartbeat(r.Context(), chi.URLParam(r, "id"), req.Summary); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Snapshot форсирует срез состояния вне планового цикла.
// POST /v1/agents/{id}/snapshot
func (h *FleetHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.CreateSnapshot(r.Context(), chi.URLParam(r, "id"), nil, nil); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// Snapshots отдает историю срезов, свежие первыми.
// GET /v1/agents/{id}/snapshots?n=10
func (h *FleetHandler) Snapshots(w http.ResponseWriter, r *http.Request) {
	n := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	snaps, err := h.mgr.Snapshots(r.Context(), chi.URLParam(r, "id"), n)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snaps)
}

// Restore пересоздает агента из среза. Без at — последний срез.
// POST /v1/agents/{id}/restore
func (h *FleetHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		At *time.Time `json:"at"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := h.mgr.RestoreFromSnapshot(r.Context(), chi.URLParam(r, "id"), req.At); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// SetStrategy заменяет стратегию восстановления агента.
// PUT /v1/agents/{id}/strategy
func (h *FleetHandler) SetStrategy(w http.ResponseWriter, r *http.Request) {
	var strategy domain.RecoveryStrategy
	if err := json.NewDecoder(r.Body).Decode(&strategy); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.mgr.ReplaceStrategy(r.Context(), chi.URLParam(r, "id"), strategy); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AssignWorkload добавляет единицы работы агенту.
// POST /v1/agents/{id}/workload
func (h *FleetHandler) AssignWorkload(w http.ResponseWriter, r *http.Request) {
	var items map[string]any
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil || len(items) == 0 {
		http.Error(w, "non-empty workload object is required", http.StatusBadRequest)
		return
	}
	if err := h.mgr.AssignWorkload(r.Context(), chi.URLParam(r, "id"), items); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Маршрутизация ---

// Route подбирает агента под запрос и резервирует соединение.
// POST /v1/route
func (h *FleetHandler) Route(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentType    string   `json:"agent_type"`
		TenantID     string   `json:"tenant_id"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentType == "" {
		http.Error(w, "agent_type is required", http.StatusBadRequest)
		return
	}
	ep := h.balancer.SelectAgent(req.AgentType, req.TenantID, req.Capabilities)
	if ep == nil {
		http.Error(w, "no healthy agents available", http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, ep)
}

// ReleaseRoute закрывает ранее выданное соединение.
// POST /v1/route/release
func (h *FleetHandler) ReleaseRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID        string `json:"agent_id"`
		ResponseTimeMS int64  `json:"response_time_ms"`
		Success        bool   `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	h.balancer.Release(req.AgentID, time.Duration(req.ResponseTimeMS)*time.Millisecond, req.Success)
	w.WriteHeader(http.StatusNoContent)
}

// --- Наблюдение ---

// Endpoints — текущая картина балансировщика.
// GET /v1/endpoints
func (h *FleetHandler) Endpoints(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.balancer.Snapshot())
}

// EndpointHealth — метрики проб здоровья.
// GET /v1/endpoints/health
func (h *FleetHandler) EndpointHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.monitor.AllMetrics())
}

// RecoveryActions — история действий движка восстановления.
// GET /v1/recovery/actions
func (h *FleetHandler) RecoveryActions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Actions())
}

// FleetStats — сводка по флоту для дашборда.
// GET /v1/fleet/stats
func (h *FleetHandler) FleetStats(w http.ResponseWriter, r *http.Request) {
	byState := make(map[domain.AgentState]int)
	workloadItems := 0
	for _, st := range h.mgr.States() {
		byState[st.CurrentState]++
		workloadItems += len(st.Workload)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"agents_by_state":      byState,
		"workload_items":       workloadItems,
		"recovery_utilization": h.engine.Utilization(),
		"endpoints":            len(h.balancer.Snapshot()),
	})
}

// --- Ответы и ошибки ---

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError транслирует доменные ошибки в HTTP-статусы
func (h *FleetHandler) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrAlreadyTracked):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrIntegrity):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrBreakerOpen), errors.Is(err, domain.ErrExternalService):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}
