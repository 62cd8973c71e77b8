package model

// RouterConfig is the shape served by the control endpoint at
// GET <control>/queue-config. The manager reconciles its pools and
// consumers against it on every sync.
type RouterConfig struct {
	Queues          []QueueConfig `json:"queues"`
	ProcessingPools []PoolConfig  `json:"processingPools"`
}

// QueueConfig describes one broker source to consume from.
type QueueConfig struct {
	// Name is the queue identity: an SQS queue URL, a JetStream subject,
	// or an embedded queue name.
	Name string `json:"name"`

	// Type is one of "sqs", "sqs_fifo", "jetstream", "embedded".
	Type string `json:"type"`

	// Connections is the poll parallelism (default 1).
	Connections int `json:"connections,omitempty"`
}

// PoolConfig describes one processing pool.
type PoolConfig struct {
	Code          string `json:"code"`
	Concurrency   int    `json:"concurrency"`
	QueueCapacity int    `json:"queueCapacity,omitempty"`

	// RateLimitPerMinute, when set, applies a pool-wide limit in addition
	// to any per-message rateLimitKey.
	RateLimitPerMinute *int `json:"rateLimitPerMinute,omitempty"`
}

// Queue type identifiers accepted in QueueConfig.Type.
const (
	QueueTypeSQS       = "sqs"
	QueueTypeSQSFIFO   = "sqs_fifo"
	QueueTypeJetStream = "jetstream"
	QueueTypeEmbedded  = "embedded"
)
