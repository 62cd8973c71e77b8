// Package model defines the wire-level types exchanged between brokers,
// the queue manager, and the HTTP mediator.
package model

// MediationType identifies how a message is delivered downstream.
type MediationType string

const (
	// MediationHTTP delivers the pointer to a webhook via HTTP POST
	MediationHTTP MediationType = "HTTP"
)

// DefaultMessageGroup is used when a message carries no group id.
// All ungrouped messages share one FIFO lane.
const DefaultMessageGroup = "__DEFAULT__"

// MessagePointer is a lightweight reference to a unit of work. It is the
// broker message body, not the business payload itself; the downstream
// endpoint resolves the id to the real work.
//
// BatchID is assigned by the consumer that polled the message and never
// serialized; it scopes the batch+group failure cascade.
type MessagePointer struct {
	ID                 string        `json:"id"`
	PoolCode           string        `json:"poolCode,omitempty"`
	AuthToken          string        `json:"authToken,omitempty"`
	MediationType      MediationType `json:"mediationType"`
	MediationTarget    string        `json:"mediationTarget"`
	MessageGroupID     string        `json:"messageGroupId,omitempty"`
	RateLimitKey       string        `json:"rateLimitKey,omitempty"`
	RateLimitPerMinute int           `json:"rateLimitPerMinute,omitempty"`

	BatchID string `json:"-"`
}

// GroupID returns the effective FIFO group for this message.
func (m *MessagePointer) GroupID() string {
	if m.MessageGroupID == "" {
		return DefaultMessageGroup
	}
	return m.MessageGroupID
}

// MediationResult classifies the outcome of one mediation attempt.
type MediationResult string

const (
	// MediationSuccess - downstream accepted the work (or reported it gone)
	MediationSuccess MediationResult = "SUCCESS"

	// MediationErrorConnection - network fault, DNS failure, timeout, or open breaker
	MediationErrorConnection MediationResult = "ERROR_CONNECTION"

	// MediationErrorServer - downstream returned a retryable server-side status
	MediationErrorServer MediationResult = "ERROR_SERVER"

	// MediationErrorProcess - downstream rejected the request; retrying as-is will not help
	MediationErrorProcess MediationResult = "ERROR_PROCESS"
)

// MaxRetryDelaySeconds caps the Retry-After hint a downstream can request (12 hours).
const MaxRetryDelaySeconds = 43200

// MediationOutcome is the full result of a mediation including the optional
// redelivery-delay hint from a 429 Retry-After header.
type MediationOutcome struct {
	Result       MediationResult
	StatusCode   int
	DelaySeconds int
	Err          error
}

// Succeeded reports whether the outcome is terminal-success.
func (o *MediationOutcome) Succeeded() bool {
	return o != nil && o.Result == MediationSuccess
}
