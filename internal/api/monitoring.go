// Package api exposes the read-only monitoring surface: health, queue and
// pool stats, warnings, and circuit breaker state.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/haulstream/relay/internal/health"
	"github.com/haulstream/relay/internal/mediator"
	"github.com/haulstream/relay/internal/metrics"
	"github.com/haulstream/relay/internal/warning"
)

// MonitoringHandler serves /monitoring. Dependencies are setter-injected
// so partial wiring (tests, standby mode) still serves what it has.
type MonitoringHandler struct {
	health    *health.Service
	poolStats metrics.PoolStatsService
	queues    metrics.QueueStatsService
	warnings  warning.Service
	breakers  *mediator.BreakerRegistry
}

func NewMonitoringHandler() *MonitoringHandler {
	return &MonitoringHandler{}
}

func (h *MonitoringHandler) SetHealthService(s *health.Service)          { h.health = s }
func (h *MonitoringHandler) SetPoolStats(s metrics.PoolStatsService)     { h.poolStats = s }
func (h *MonitoringHandler) SetQueueStats(s metrics.QueueStatsService)   { h.queues = s }
func (h *MonitoringHandler) SetWarningService(s warning.Service)         { h.warnings = s }
func (h *MonitoringHandler) SetBreakers(r *mediator.BreakerRegistry)     { h.breakers = r }

// RegisterRoutes mounts everything under /monitoring.
func (h *MonitoringHandler) RegisterRoutes(r chi.Router) {
	r.Route("/monitoring", func(r chi.Router) {
		r.Get("/health", h.getHealth)
		r.Get("/queue-stats", h.getQueueStats)
		r.Get("/pool-stats", h.getPoolStats)
		r.Get("/pool-stats/{poolCode}", h.getPoolStatsByCode)

		r.Route("/circuit-breakers", func(r chi.Router) {
			r.Get("/", h.getBreakers)
			r.Get("/{name}", h.getBreaker)
			r.Post("/{name}/reset", h.resetBreaker)
			r.Post("/reset-all", h.resetAllBreakers)
		})

		if h.warnings != nil {
			warning.NewHandler(h.warnings).RegisterRoutes(r)
		}
	})
}

func (h *MonitoringHandler) getHealth(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		http.Error(w, "health service not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.health.Current())
}

func (h *MonitoringHandler) getQueueStats(w http.ResponseWriter, r *http.Request) {
	if h.queues == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, h.queues.SnapshotAll())
}

func (h *MonitoringHandler) getPoolStats(w http.ResponseWriter, r *http.Request) {
	if h.poolStats == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, h.poolStats.SnapshotAll())
}

func (h *MonitoringHandler) getPoolStatsByCode(w http.ResponseWriter, r *http.Request) {
	if h.poolStats == nil {
		http.Error(w, "pool stats not configured", http.StatusServiceUnavailable)
		return
	}
	code := chi.URLParam(r, "poolCode")
	snap, ok := h.poolStats.Snapshot(code)
	if !ok {
		http.Error(w, "pool not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *MonitoringHandler) getBreakers(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, h.breakers.Statuses())
}

func (h *MonitoringHandler) getBreaker(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		http.Error(w, "breakers not configured", http.StatusServiceUnavailable)
		return
	}
	name := chi.URLParam(r, "name")
	status, ok := h.breakers.Status(name)
	if !ok {
		http.Error(w, "circuit breaker not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *MonitoringHandler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		http.Error(w, "breakers not configured", http.StatusServiceUnavailable)
		return
	}
	name := chi.URLParam(r, "name")
	if h.breakers.Reset(name) {
		w.WriteHeader(http.StatusNoContent)
	} else {
		http.Error(w, "circuit breaker not found", http.StatusNotFound)
	}
}

func (h *MonitoringHandler) resetAllBreakers(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		http.Error(w, "breakers not configured", http.StatusServiceUnavailable)
		return
	}
	h.breakers.ResetAll()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
