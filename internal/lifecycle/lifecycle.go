// Package lifecycle coordinates service startup and shutdown for the
// router binary. Each long-running component implements Service; Run wires
// signal handling and ordered teardown.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Service is a startable, stoppable component.
type Service interface {
	// Name identifies the service in logs.
	Name() string

	// Start runs the service, blocking until ctx is cancelled or a
	// fatal error occurs.
	Start(ctx context.Context) error

	// Stop shuts the service down within the context deadline.
	Stop(ctx context.Context) error

	// Health returns nil when the service is healthy.
	Health() error
}

const (
	startupGrace    = 100 * time.Millisecond
	stopTimeout     = 30 * time.Second
	shutdownTimeout = 35 * time.Second
)

// Supervisor starts services in order and stops them in reverse order.
type Supervisor struct {
	services []Service
	mu       sync.RWMutex
	running  bool
}

func NewSupervisor(services ...Service) *Supervisor {
	return &Supervisor{services: services}
}

// Run starts everything and blocks until ctx ends, then tears down.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	var started []Service
	for _, svc := range s.services {
		slog.Info("Starting service", "service", svc.Name())

		errCh := make(chan error, 1)
		go func(service Service) {
			errCh <- service.Start(ctx)
		}(svc)

		// Catch immediate startup failures; long-running services keep
		// blocking in Start.
		select {
		case err := <-errCh:
			if err != nil {
				s.stopAll(started)
				return fmt.Errorf("service %s failed to start: %w", svc.Name(), err)
			}
		case <-time.After(startupGrace):
		}

		started = append(started, svc)
	}

	<-ctx.Done()
	slog.Info("Stopping services")
	s.stopAll(started)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) stopAll(services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := svc.Stop(stopCtx); err != nil {
			slog.Error("Service stop failed", "service", svc.Name(), "error", err)
		}
		cancel()
	}
}

// Health reports the first unhealthy service, or nil.
func (s *Supervisor) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, svc := range s.services {
		if err := svc.Health(); err != nil {
			return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
		}
	}
	return nil
}

// Run starts services and blocks until SIGINT/SIGTERM or a fatal service
// error. The standard main loop for router binaries.
func Run(ctx context.Context, services ...Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	supervisor := NewSupervisor(services...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- supervisor.Run(ctx)
	}()

	select {
	case sig := <-quit:
		slog.Info("Shutdown signal received", "signal", sig)
		cancel()
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(shutdownTimeout):
		slog.Error("Shutdown timed out")
		return nil
	}
}

// HTTPService adapts an http.Server to Service.
type HTTPService struct {
	server *http.Server
	name   string
}

func NewHTTPService(name string, server *http.Server) *HTTPService {
	return &HTTPService{server: server, name: name}
}

func (s *HTTPService) Name() string { return s.name }

func (s *HTTPService) Start(ctx context.Context) error {
	slog.Info("Starting HTTP server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(startupGrace):
	}

	<-ctx.Done()
	return nil
}

func (s *HTTPService) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPService) Health() error { return nil }

// ServiceFunc adapts plain functions to Service.
type ServiceFunc struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func NewServiceFunc(name string, start, stop func(ctx context.Context) error) *ServiceFunc {
	return &ServiceFunc{name: name, start: start, stop: stop}
}

func (s *ServiceFunc) Name() string                    { return s.name }
func (s *ServiceFunc) Start(ctx context.Context) error { return s.start(ctx) }
func (s *ServiceFunc) Stop(ctx context.Context) error  { return s.stop(ctx) }
func (s *ServiceFunc) Health() error                   { return nil }
