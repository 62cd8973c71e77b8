package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the TOML layout. Every field is optional; unset
// values keep their defaults.
type fileConfig struct {
	HTTP struct {
		Port        int      `toml:"port"`
		CORSOrigins []string `toml:"cors_origins"`
	} `toml:"http"`

	Control struct {
		URL          string `toml:"url"`
		Token        string `toml:"token"`
		SyncInterval string `toml:"sync_interval"`
	} `toml:"control"`

	Queue struct {
		Type string `toml:"type"`

		SQS struct {
			Region          string `toml:"region"`
			WaitTimeSeconds int    `toml:"wait_time_seconds"`
			Visibility      int    `toml:"visibility_timeout"`
		} `toml:"sqs"`

		NATS struct {
			URL    string `toml:"url"`
			Stream string `toml:"stream"`
		} `toml:"nats"`

		Embedded struct {
			QueueName string `toml:"queue_name"`
		} `toml:"embedded"`
	} `toml:"queue"`

	Mediator struct {
		Timeout    string `toml:"timeout"`
		MaxRetries int    `toml:"max_retries"`
	} `toml:"mediator"`

	Pool struct {
		DefaultConcurrency int    `toml:"default_concurrency"`
		DefaultCapacity    int    `toml:"default_capacity"`
		GroupIdleTimeout   string `toml:"group_idle_timeout"`
	} `toml:"pool"`

	Leader struct {
		Enabled         bool   `toml:"enabled"`
		InstanceID      string `toml:"instance_id"`
		RedisAddr       string `toml:"redis_addr"`
		TTL             string `toml:"ttl"`
		RefreshInterval string `toml:"refresh_interval"`
	} `toml:"leader"`

	DataDir string `toml:"data_dir"`
	DevMode bool   `toml:"dev_mode"`
}

var configPaths = []string{
	"relay.toml",
	"config.toml",
	"./config/relay.toml",
	"/etc/relay/relay.toml",
}

// fromFile returns defaults overlaid with the first config file found.
// RELAY_CONFIG names an explicit file; a missing explicit file is an
// error, missing search-path files are not.
func fromFile() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("RELAY_CONFIG")
	if path == "" {
		for _, candidate := range configPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return cfg, nil
		}
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	applyFile(cfg, &fc)
	return cfg, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.HTTP.Port != 0 {
		cfg.HTTP.Port = fc.HTTP.Port
	}
	if len(fc.HTTP.CORSOrigins) > 0 {
		cfg.HTTP.CORSOrigins = fc.HTTP.CORSOrigins
	}

	if fc.Control.URL != "" {
		cfg.Control.URL = fc.Control.URL
	}
	if fc.Control.Token != "" {
		cfg.Control.Token = fc.Control.Token
	}
	setDuration(&cfg.Control.SyncInterval, fc.Control.SyncInterval)

	if fc.Queue.Type != "" {
		cfg.Queue.Type = fc.Queue.Type
	}
	if fc.Queue.SQS.Region != "" {
		cfg.Queue.SQSRegion = fc.Queue.SQS.Region
	}
	if fc.Queue.SQS.WaitTimeSeconds != 0 {
		cfg.Queue.SQSWaitSeconds = fc.Queue.SQS.WaitTimeSeconds
	}
	if fc.Queue.SQS.Visibility != 0 {
		cfg.Queue.SQSVisibility = fc.Queue.SQS.Visibility
	}
	if fc.Queue.NATS.URL != "" {
		cfg.Queue.NATSURL = fc.Queue.NATS.URL
	}
	if fc.Queue.NATS.Stream != "" {
		cfg.Queue.NATSStream = fc.Queue.NATS.Stream
	}
	if fc.Queue.Embedded.QueueName != "" {
		cfg.Queue.EmbeddedQueueName = fc.Queue.Embedded.QueueName
	}

	setDuration(&cfg.Mediator.Timeout, fc.Mediator.Timeout)
	if fc.Mediator.MaxRetries != 0 {
		cfg.Mediator.MaxRetries = fc.Mediator.MaxRetries
	}

	if fc.Pool.DefaultConcurrency != 0 {
		cfg.Pool.DefaultConcurrency = fc.Pool.DefaultConcurrency
	}
	if fc.Pool.DefaultCapacity != 0 {
		cfg.Pool.DefaultCapacity = fc.Pool.DefaultCapacity
	}
	setDuration(&cfg.Pool.GroupIdleTimeout, fc.Pool.GroupIdleTimeout)

	if fc.Leader.Enabled {
		cfg.Leader.Enabled = true
	}
	if fc.Leader.InstanceID != "" {
		cfg.Leader.InstanceID = fc.Leader.InstanceID
	}
	if fc.Leader.RedisAddr != "" {
		cfg.Leader.RedisAddr = fc.Leader.RedisAddr
	}
	setDuration(&cfg.Leader.TTL, fc.Leader.TTL)
	setDuration(&cfg.Leader.RefreshInterval, fc.Leader.RefreshInterval)

	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.DevMode {
		cfg.DevMode = true
	}
}

func setDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}
