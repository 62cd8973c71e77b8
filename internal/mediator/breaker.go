package mediator

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/haulstream/relay/internal/metrics"
)

// BreakerSettings controls the per-target circuit breakers.
type BreakerSettings struct {
	// MinRequests before the failure ratio is considered.
	MinRequests uint32

	// FailureRatio at or above which the breaker opens.
	FailureRatio float64

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration

	// HalfOpenSuccesses closes the breaker after this many consecutive
	// successes while half-open.
	HalfOpenSuccesses uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:       10,
		FailureRatio:      0.5,
		OpenTimeout:       5 * time.Second,
		HalfOpenSuccesses: 3,
	}
}

// BreakerStatus is the monitoring view of one breaker.
type BreakerStatus struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Requests   uint32 `json:"requests"`
	Failures   uint32 `json:"totalFailures"`
	Successes  uint32 `json:"totalSuccesses"`
	ConsecFail uint32 `json:"consecutiveFailures"`
}

// BreakerRegistry keeps one circuit breaker per mediation-target host so a
// failing endpoint cannot poison delivery to healthy ones.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings BreakerSettings
}

func NewBreakerRegistry(settings BreakerSettings) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	s := r.settings
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenSuccesses,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.MediatorBreakerState.WithLabelValues(name).Set(stateGauge(to))
			if to == gobreaker.StateOpen {
				metrics.MediatorBreakerTrips.WithLabelValues(name).Inc()
			}
		},
	})
	r.breakers[name] = cb
	return cb
}

// Reset replaces a breaker with a fresh closed one. Returns false when the
// name is unknown.
func (r *BreakerRegistry) Reset(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.breakers[name]; !ok {
		return false
	}
	delete(r.breakers, name)
	metrics.MediatorBreakerState.WithLabelValues(name).Set(metrics.BreakerClosed)
	return true
}

// ResetAll drops every breaker.
func (r *BreakerRegistry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.breakers {
		metrics.MediatorBreakerState.WithLabelValues(name).Set(metrics.BreakerClosed)
	}
	r.breakers = make(map[string]*gobreaker.CircuitBreaker)
}

// Statuses returns the monitoring view of all breakers.
func (r *BreakerRegistry) Statuses() []BreakerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerStatus, 0, len(r.breakers))
	for name, cb := range r.breakers {
		counts := cb.Counts()
		out = append(out, BreakerStatus{
			Name:       name,
			State:      cb.State().String(),
			Requests:   counts.Requests,
			Failures:   counts.TotalFailures,
			Successes:  counts.TotalSuccesses,
			ConsecFail: counts.ConsecutiveFailures,
		})
	}
	return out
}

// Status returns one breaker's view.
func (r *BreakerRegistry) Status(name string) (BreakerStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		return BreakerStatus{}, false
	}
	counts := cb.Counts()
	return BreakerStatus{
		Name:       name,
		State:      cb.State().String(),
		Requests:   counts.Requests,
		Failures:   counts.TotalFailures,
		Successes:  counts.TotalSuccesses,
		ConsecFail: counts.ConsecutiveFailures,
	}, true
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	default:
		return metrics.BreakerClosed
	}
}
