// Package health aggregates router state into the monitoring API's health
// payloads and serves the liveness endpoints.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/haulstream/relay/internal/warning"
)

// Overall status values, worst wins.
const (
	StatusHealthy  = "HEALTHY"
	StatusWarning  = "WARNING"
	StatusDegraded = "DEGRADED"
)

// Status is the /monitoring/health payload.
type Status struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	Timestamp      string `json:"timestamp"`
	PipelineSize   int    `json:"pipelineSize"`
	ActivePools    int    `json:"activePools"`
	UnackedWarning int    `json:"unacknowledgedWarnings"`
}

// PipelineStats is the slice of manager state the health service reads.
type PipelineStats interface {
	PipelineSize() int
	PoolCount() int
}

// Service computes the overall health from warnings and pipeline state.
type Service struct {
	warnings warning.Service
	pipeline PipelineStats
	started  time.Time
}

func NewService(warnings warning.Service, pipeline PipelineStats) *Service {
	return &Service{warnings: warnings, pipeline: pipeline, started: time.Now()}
}

// Current derives the health status. Any unacknowledged CRITICAL warning
// degrades the router; ERROR or WARNING severities report WARNING.
func (s *Service) Current() Status {
	status := StatusHealthy
	unacked := 0

	if s.warnings != nil {
		ws := s.warnings.Unacknowledged()
		unacked = len(ws)
		for _, w := range ws {
			switch w.Severity {
			case warning.SeverityCritical:
				status = StatusDegraded
			case warning.SeverityError, warning.SeverityWarning:
				if status == StatusHealthy {
					status = StatusWarning
				}
			}
		}
	}

	st := Status{
		Status:         status,
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		Timestamp:      time.Now().Format(time.RFC3339),
		UnackedWarning: unacked,
	}
	if s.pipeline != nil {
		st.PipelineSize = s.pipeline.PipelineSize()
		st.ActivePools = s.pipeline.PoolCount()
	}
	return st
}

// CheckFunc is a named readiness probe.
type CheckFunc func() error

// Checker serves the /q/health liveness and readiness endpoints.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// AddReadinessCheck registers a named probe evaluated on /q/health/ready.
func (c *Checker) AddReadinessCheck(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

func (c *Checker) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, "UP", nil)
}

func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	c.handleChecks(w)
}

func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	c.handleChecks(w)
}

func (c *Checker) handleChecks(w http.ResponseWriter) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := http.StatusOK
	overall := "UP"
	results := make(map[string]string, len(c.checks))
	for name, fn := range c.checks {
		if err := fn(); err != nil {
			results[name] = "DOWN: " + err.Error()
			overall = "DOWN"
			status = http.StatusServiceUnavailable
		} else {
			results[name] = "UP"
		}
	}
	writeHealth(w, status, overall, results)
}

func writeHealth(w http.ResponseWriter, status int, overall string, checks map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]any{"status": overall}
	if len(checks) > 0 {
		payload["checks"] = checks
	}
	json.NewEncoder(w).Encode(payload)
}
