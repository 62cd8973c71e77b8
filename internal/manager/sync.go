package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/haulstream/relay/internal/metrics"
	"github.com/haulstream/relay/internal/model"
	"github.com/haulstream/relay/internal/warning"
)

// SyncConfig controls the configuration sync loop.
type SyncConfig struct {
	// ControlURL is the base URL of the control endpoint; the config is
	// fetched from <ControlURL>/queue-config.
	ControlURL string

	// Token, when set, is sent as a bearer token.
	Token string

	// Interval between syncs.
	Interval time.Duration

	// StartupRetries bounds the initial fetch attempts before the router
	// gives up starting.
	StartupRetries int

	// StartupRetryDelay between initial attempts.
	StartupRetryDelay time.Duration

	// HTTPTimeout for one fetch.
	HTTPTimeout time.Duration
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:          5 * time.Minute,
		StartupRetries:    12,
		StartupRetryDelay: 5 * time.Second,
		HTTPTimeout:       30 * time.Second,
	}
}

// ConfigSyncer pulls router configuration from the control endpoint and
// applies it to the manager. On fetch failures after startup the last known
// config stays in force.
type ConfigSyncer struct {
	manager  *QueueManager
	warnings warning.Service
	config   SyncConfig
	client   *http.Client
}

func NewConfigSyncer(m *QueueManager, warnings warning.Service, cfg SyncConfig) *ConfigSyncer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSyncConfig().Interval
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultSyncConfig().HTTPTimeout
	}
	return &ConfigSyncer{
		manager:  m,
		warnings: warnings,
		config:   cfg,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// SyncOnceWithRetry performs the startup fetch, retrying a bounded number
// of times. The router cannot start without an initial configuration.
func (s *ConfigSyncer) SyncOnceWithRetry(ctx context.Context) error {
	retries := s.config.StartupRetries
	if retries < 1 {
		retries = 1
	}
	delay := s.config.StartupRetryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if err := s.syncOnce(ctx); err == nil {
			return nil
		} else {
			lastErr = err
			slog.Warn("Initial configuration fetch failed",
				"attempt", attempt,
				"maxAttempts", retries,
				"error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("initial configuration fetch failed after %d attempts: %w", retries, lastErr)
}

// Run loops until the context ends, syncing on the configured interval.
func (s *ConfigSyncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				// Keep running on the last known config.
				slog.Warn("Configuration sync failed, keeping current config", "error", err)
				if s.warnings != nil {
					s.warnings.Add(warning.CategoryConfiguration, warning.SeverityWarning,
						fmt.Sprintf("config sync failed: %v", err), "config-syncer")
				}
			}
		}
	}
}

func (s *ConfigSyncer) syncOnce(ctx context.Context) error {
	cfg, err := s.fetch(ctx)
	if err != nil {
		metrics.ConfigSyncs.WithLabelValues("fetch_error").Inc()
		return err
	}
	if err := s.manager.ApplyConfig(cfg); err != nil {
		metrics.ConfigSyncs.WithLabelValues("apply_error").Inc()
		return err
	}
	metrics.ConfigSyncs.WithLabelValues("success").Inc()
	return nil
}

func (s *ConfigSyncer) fetch(ctx context.Context) (*model.RouterConfig, error) {
	url := s.config.ControlURL + "/queue-config"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build config request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch config from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("config endpoint returned %d", resp.StatusCode)
	}

	var cfg model.RouterConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
