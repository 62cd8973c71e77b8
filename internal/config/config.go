// Package config loads router configuration from the environment, with
// an optional TOML file seeding the same structure. Environment wins.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haulstream/relay/internal/secrets"
)

// Config is the full runtime configuration for the relay binary.
type Config struct {
	HTTP     HTTPConfig
	Control  ControlConfig
	Queue    QueueConfig
	Mediator MediatorConfig
	Pool     PoolConfig
	Leader   LeaderConfig
	DataDir  string
	DevMode  bool
}

// HTTPConfig configures the monitoring HTTP server.
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// ControlConfig points at the control plane that serves pool and queue
// definitions.
type ControlConfig struct {
	URL          string
	Token        string
	SyncInterval time.Duration
}

// QueueConfig selects the message source.
type QueueConfig struct {
	Type string // sqs, sqs_fifo, jetstream, embedded

	SQSRegion      string
	SQSWaitSeconds int
	SQSVisibility  int

	NATSURL    string
	NATSStream string

	EmbeddedQueueName string
}

// MediatorConfig tunes the outbound HTTP processor.
type MediatorConfig struct {
	Timeout    time.Duration
	MaxRetries int
}

// PoolConfig sets the fallback pool used for messages that name an
// unknown pool.
type PoolConfig struct {
	DefaultConcurrency int
	DefaultCapacity    int
	GroupIdleTimeout   time.Duration
}

// LeaderConfig configures primary/standby failover.
type LeaderConfig struct {
	Enabled         bool
	InstanceID      string
	RedisAddr       string
	TTL             time.Duration
	RefreshInterval time.Duration
}

// Load reads configuration from an optional TOML file and the
// environment, then resolves any secret:// references.
func Load() (*Config, error) {
	cfg, err := fromFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)

	if err := resolveSecrets(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

func defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Control: ControlConfig{
			SyncInterval: 5 * time.Minute,
		},
		Queue: QueueConfig{
			Type:              "embedded",
			SQSRegion:         "us-east-1",
			SQSWaitSeconds:    20,
			SQSVisibility:     120,
			NATSURL:           "nats://localhost:4222",
			NATSStream:        "RELAY",
			EmbeddedQueueName: "relay",
		},
		Mediator: MediatorConfig{
			Timeout:    15 * time.Minute,
			MaxRetries: 3,
		},
		Pool: PoolConfig{
			DefaultConcurrency: 20,
			DefaultCapacity:    500,
			GroupIdleTimeout:   5 * time.Minute,
		},
		Leader: LeaderConfig{
			TTL:             30 * time.Second,
			RefreshInterval: 10 * time.Second,
		},
		DataDir: "./data",
	}
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Port = getEnvInt("RELAY_HTTP_PORT", cfg.HTTP.Port)
	cfg.HTTP.CORSOrigins = getEnvSlice("RELAY_CORS_ORIGINS", cfg.HTTP.CORSOrigins)

	cfg.Control.URL = getEnv("RELAY_CONTROL_URL", cfg.Control.URL)
	cfg.Control.Token = getEnv("RELAY_CONTROL_TOKEN", cfg.Control.Token)
	cfg.Control.SyncInterval = getEnvDuration("RELAY_SYNC_INTERVAL", cfg.Control.SyncInterval)

	cfg.Queue.Type = getEnv("RELAY_QUEUE_TYPE", cfg.Queue.Type)
	cfg.Queue.SQSRegion = getEnv("RELAY_SQS_REGION", cfg.Queue.SQSRegion)
	cfg.Queue.SQSWaitSeconds = getEnvInt("RELAY_SQS_WAIT_SECONDS", cfg.Queue.SQSWaitSeconds)
	cfg.Queue.SQSVisibility = getEnvInt("RELAY_SQS_VISIBILITY", cfg.Queue.SQSVisibility)
	cfg.Queue.NATSURL = getEnv("RELAY_NATS_URL", cfg.Queue.NATSURL)
	cfg.Queue.NATSStream = getEnv("RELAY_NATS_STREAM", cfg.Queue.NATSStream)
	cfg.Queue.EmbeddedQueueName = getEnv("RELAY_EMBEDDED_QUEUE", cfg.Queue.EmbeddedQueueName)

	cfg.Mediator.Timeout = getEnvDuration("RELAY_MEDIATOR_TIMEOUT", cfg.Mediator.Timeout)
	cfg.Mediator.MaxRetries = getEnvInt("RELAY_MEDIATOR_MAX_RETRIES", cfg.Mediator.MaxRetries)

	cfg.Pool.DefaultConcurrency = getEnvInt("RELAY_DEFAULT_POOL_CONCURRENCY", cfg.Pool.DefaultConcurrency)
	cfg.Pool.DefaultCapacity = getEnvInt("RELAY_DEFAULT_POOL_CAPACITY", cfg.Pool.DefaultCapacity)
	cfg.Pool.GroupIdleTimeout = getEnvDuration("RELAY_GROUP_IDLE_TIMEOUT", cfg.Pool.GroupIdleTimeout)

	cfg.Leader.Enabled = getEnvBool("RELAY_LEADER_ENABLED", cfg.Leader.Enabled)
	cfg.Leader.InstanceID = getEnv("RELAY_INSTANCE_ID", getEnv("HOSTNAME", cfg.Leader.InstanceID))
	cfg.Leader.RedisAddr = getEnv("RELAY_REDIS_ADDR", cfg.Leader.RedisAddr)
	cfg.Leader.TTL = getEnvDuration("RELAY_LEADER_TTL", cfg.Leader.TTL)
	cfg.Leader.RefreshInterval = getEnvDuration("RELAY_LEADER_REFRESH_INTERVAL", cfg.Leader.RefreshInterval)

	cfg.DataDir = getEnv("RELAY_DATA_DIR", cfg.DataDir)
	cfg.DevMode = getEnvBool("RELAY_DEV", cfg.DevMode)
}

// resolveSecrets replaces secret:// references in sensitive fields.
func resolveSecrets(cfg *Config) error {
	if !secrets.IsReference(cfg.Control.Token) {
		return nil
	}

	resolver := secrets.NewResolver(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token, err := resolver.Resolve(ctx, cfg.Control.Token)
	if err != nil {
		return fmt.Errorf("resolve control token: %w", err)
	}
	cfg.Control.Token = token
	return nil
}

func (c *Config) validate() error {
	switch c.Queue.Type {
	case "sqs", "sqs_fifo", "jetstream", "embedded":
	default:
		return fmt.Errorf("unknown queue type %q", c.Queue.Type)
	}

	// Embedded mode runs from a static config; everything else pulls
	// pool definitions from the control plane.
	if c.Queue.Type != "embedded" && c.Control.URL == "" {
		return fmt.Errorf("RELAY_CONTROL_URL is required for queue type %q", c.Queue.Type)
	}

	if c.Pool.DefaultConcurrency < 1 {
		return fmt.Errorf("default pool concurrency must be at least 1")
	}
	if c.Pool.DefaultCapacity < 1 {
		return fmt.Errorf("default pool capacity must be at least 1")
	}
	return nil
}

// Environment parsing helpers.

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
