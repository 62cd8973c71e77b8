package manager

import (
	"context"
	"log/slog"
	"sync"
)

// RouterService drives the manager and its config syncer as one lifecycle
// unit, with pause/resume hooks for standby mode.
type RouterService struct {
	manager *QueueManager
	syncer  *ConfigSyncer

	// static, when non-nil, replaces the control endpoint entirely.
	static *staticConfig

	mu     sync.Mutex
	paused bool
}

type staticConfig struct {
	apply func() error
}

func NewRouterService(m *QueueManager, syncer *ConfigSyncer) *RouterService {
	return &RouterService{manager: m, syncer: syncer}
}

// NewStaticRouterService runs without a control endpoint, applying one
// fixed configuration at startup. Used for local development with the
// embedded queue.
func NewStaticRouterService(m *QueueManager, apply func() error) *RouterService {
	return &RouterService{manager: m, static: &staticConfig{apply: apply}}
}

func (s *RouterService) Name() string { return "message-router" }

// Start fetches the initial configuration (bounded retries), then blocks
// running the sync loop until the context ends.
func (s *RouterService) Start(ctx context.Context) error {
	if s.static != nil {
		if err := s.static.apply(); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}

	if err := s.syncer.SyncOnceWithRetry(ctx); err != nil {
		return err
	}

	slog.Info("Router configured, consuming messages")
	s.syncer.Run(ctx)
	return nil
}

func (s *RouterService) Stop(ctx context.Context) error {
	s.manager.Shutdown()
	return nil
}

func (s *RouterService) Health() error { return nil }

// Pause stops consumption when leadership is lost. In-flight messages
// finish; nothing new is polled.
func (s *RouterService) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.manager.PauseConsumers()
}

// Resume restarts consumption after leadership is gained.
func (s *RouterService) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	if err := s.manager.ResumeConsumers(); err != nil {
		slog.Error("Failed to resume consumers", "error", err)
	}
}
