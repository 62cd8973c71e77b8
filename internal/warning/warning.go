// Package warning collects operational warnings for the monitoring API.
package warning

import "time"

// Severity levels, highest first.
const (
	SeverityCritical = "CRITICAL"
	SeverityError    = "ERROR"
	SeverityWarning  = "WARNING"
	SeverityInfo     = "INFO"
)

// Categories group warnings by the subsystem that raised them.
const (
	CategoryPipelineLeak    = "PIPELINE_LEAK"
	CategoryShutdownCleanup = "SHUTDOWN_CLEANUP"
	CategoryStalledPool     = "STALLED_POOL"
	CategoryMediation       = "MEDIATION"
	CategoryConfiguration   = "CONFIGURATION"
	CategoryBroker          = "BROKER"
	CategoryCircuitBreaker  = "CIRCUIT_BREAKER"
	CategoryLeaderElection  = "LEADER_ELECTION"
)

// Warning is a single operational alert.
type Warning struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Source       string    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}
