// Relay Message Router
//
// Consumes message pointers from a broker (SQS, JetStream, or the
// embedded SQLite queue) and delivers them to mediation targets over
// HTTP, with per-pool concurrency, group ordering, and rate limits.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haulstream/relay/internal/api"
	"github.com/haulstream/relay/internal/broker"
	"github.com/haulstream/relay/internal/broker/embedded"
	"github.com/haulstream/relay/internal/broker/jetstream"
	sqsbroker "github.com/haulstream/relay/internal/broker/sqs"
	"github.com/haulstream/relay/internal/config"
	"github.com/haulstream/relay/internal/health"
	"github.com/haulstream/relay/internal/lifecycle"
	"github.com/haulstream/relay/internal/manager"
	"github.com/haulstream/relay/internal/mediator"
	"github.com/haulstream/relay/internal/metrics"
	"github.com/haulstream/relay/internal/model"
	"github.com/haulstream/relay/internal/ratelimit"
	"github.com/haulstream/relay/internal/standby"
	"github.com/haulstream/relay/internal/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting Relay Message Router",
		"version", version,
		"build_time", buildTime)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Shared services.
	warnings := warning.NewInMemoryService()
	poolStats := metrics.NewInMemoryPoolStats()
	queueStats := metrics.NewInMemoryQueueStats()
	limiters := ratelimit.NewRegistry()

	med := newMediator(cfg)

	// Broker wiring. The factory is invoked by the manager on every config
	// sync; shared broker resources (SQLite store, embedded NATS) are set
	// up once here.
	factory, brokerCleanup, brokerCheck, err := setupBroker(cfg, queueStats)
	if err != nil {
		slog.Error("Failed to set up broker", "error", err)
		os.Exit(1)
	}
	defer brokerCleanup()

	qm := manager.New(manager.Options{
		Mediator:        med,
		Limiters:        limiters,
		Warnings:        warnings,
		PoolStats:       poolStats,
		QueueStats:      queueStats,
		ConsumerFactory: factory,
		Timeouts:        timeoutsFromConfig(cfg),
	})

	routerService := newRouterService(cfg, qm, warnings)

	// Standby service for leader election.
	standbyService, err := setupStandby(cfg, routerService)
	if err != nil {
		slog.Error("Failed to set up leader election", "error", err)
		os.Exit(1)
	}

	// Health and monitoring surface.
	healthService := health.NewService(warnings, qm)
	checker := health.NewChecker()
	if brokerCheck != nil {
		checker.AddReadinessCheck("broker", brokerCheck)
	}

	monitoring := api.NewMonitoringHandler()
	monitoring.SetHealthService(healthService)
	monitoring.SetPoolStats(poolStats)
	monitoring.SetQueueStats(queueStats)
	monitoring.SetWarningService(warnings)
	monitoring.SetBreakers(med.Breakers())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      setupHTTPRouter(cfg, checker, monitoring, standbyService),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	services := []lifecycle.Service{
		lifecycle.NewHTTPService("http-server", httpServer),
	}
	if cfg.Leader.Enabled {
		services = append(services, newStandbyUnit(standbyService), routerService)
	} else {
		services = append(services, routerService)
	}

	slog.Info("Router ready",
		"port", cfg.HTTP.Port,
		"queueType", cfg.Queue.Type,
		"leaderElection", cfg.Leader.Enabled)

	if err := lifecycle.Run(context.Background(), services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("Relay Message Router stopped")
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("RELAY_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func newMediator(cfg *config.Config) *mediator.HTTPMediator {
	mcfg := mediator.DefaultConfig()
	mcfg.Timeout = cfg.Mediator.Timeout
	mcfg.MaxAttempts = cfg.Mediator.MaxRetries
	return mediator.NewHTTPMediator(mcfg)
}

func timeoutsFromConfig(cfg *config.Config) manager.Timeouts {
	t := manager.DefaultTimeouts()
	if cfg.Pool.GroupIdleTimeout > 0 {
		t.GroupIdle = cfg.Pool.GroupIdleTimeout
	}
	return t
}

// setupBroker prepares shared broker state and returns the consumer
// factory the manager calls on each config sync, a cleanup function, and
// an optional readiness check.
func setupBroker(cfg *config.Config, queueStats metrics.QueueStatsService) (manager.ConsumerFactory, func(), health.CheckFunc, error) {
	switch cfg.Queue.Type {
	case model.QueueTypeSQS, model.QueueTypeSQSFIFO:
		return setupSQS(cfg, queueStats)
	case model.QueueTypeJetStream:
		return setupJetStream(cfg, queueStats)
	case model.QueueTypeEmbedded:
		return setupEmbedded(cfg, queueStats)
	default:
		return nil, nil, nil, fmt.Errorf("unknown queue type %q", cfg.Queue.Type)
	}
}

func setupSQS(cfg *config.Config, queueStats metrics.QueueStatsService) (manager.ConsumerFactory, func(), health.CheckFunc, error) {
	factory := func(qc model.QueueConfig, router broker.Router) (broker.Consumer, error) {
		return sqsbroker.NewConsumer(context.Background(), sqsbroker.Config{
			QueueURL:        qc.Name,
			Region:          cfg.Queue.SQSRegion,
			FIFO:            qc.Type == model.QueueTypeSQSFIFO,
			Connections:     qc.Connections,
			WaitTimeSeconds: int32(cfg.Queue.SQSWaitSeconds),
		}, router, queueStats)
	}
	return factory, func() {}, nil, nil
}

func setupJetStream(cfg *config.Config, queueStats metrics.QueueStatsService) (manager.ConsumerFactory, func(), health.CheckFunc, error) {
	url := cfg.Queue.NATSURL
	cleanup := func() {}

	// "embedded" runs a NATS server inside this process; single-node
	// deployments get durable queueing without external infrastructure.
	var embeddedServer *jetstream.EmbeddedServer
	if url == "embedded" {
		ecfg := jetstream.DefaultEmbeddedConfig()
		ecfg.DataDir = filepath.Join(cfg.DataDir, "nats")
		ecfg.StreamName = cfg.Queue.NATSStream

		srv, err := jetstream.StartEmbeddedServer(ecfg)
		if err != nil {
			return nil, nil, nil, err
		}
		embeddedServer = srv
		cleanup = func() { srv.Close() }
	}

	factory := func(qc model.QueueConfig, router broker.Router) (broker.Consumer, error) {
		jcfg := jetstream.Config{
			StreamName:    cfg.Queue.NATSStream,
			ConsumerName:  "relay-router",
			FilterSubject: qc.Name,
			Connections:   qc.Connections,
		}
		if embeddedServer != nil {
			return jetstream.NewConsumerWithConn(embeddedServer.Connection(), jcfg, router, queueStats)
		}
		jcfg.URL = url
		return jetstream.NewConsumer(jcfg, router, queueStats)
	}

	check := func() error {
		if embeddedServer != nil && embeddedServer.Connection().IsClosed() {
			return fmt.Errorf("embedded NATS connection closed")
		}
		return nil
	}
	return factory, cleanup, check, nil
}

func setupEmbedded(cfg *config.Config, queueStats metrics.QueueStatsService) (manager.ConsumerFactory, func(), health.CheckFunc, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := embedded.Open(filepath.Join(cfg.DataDir, "queue.db"))
	if err != nil {
		return nil, nil, nil, err
	}

	factory := func(qc model.QueueConfig, router broker.Router) (broker.Consumer, error) {
		return embedded.NewConsumer(store, embedded.Config{
			QueueName:  qc.Name,
			Visibility: time.Duration(cfg.Queue.SQSVisibility) * time.Second,
		}, router, queueStats), nil
	}

	cleanup := func() { store.Close() }
	check := func() error { return store.Ping() }
	return factory, cleanup, check, nil
}

// newRouterService picks between control-plane sync and the static
// single-queue config used by embedded mode without a control URL.
func newRouterService(cfg *config.Config, qm *manager.QueueManager, warnings warning.Service) *manager.RouterService {
	if cfg.Control.URL != "" {
		syncer := manager.NewConfigSyncer(qm, warnings, manager.SyncConfig{
			ControlURL: cfg.Control.URL,
			Token:      cfg.Control.Token,
			Interval:   cfg.Control.SyncInterval,
		})
		return manager.NewRouterService(qm, syncer)
	}

	static := &model.RouterConfig{
		Queues: []model.QueueConfig{
			{Name: cfg.Queue.EmbeddedQueueName, Type: model.QueueTypeEmbedded},
		},
		ProcessingPools: []model.PoolConfig{
			{
				Code:          manager.DefaultPoolCode,
				Concurrency:   cfg.Pool.DefaultConcurrency,
				QueueCapacity: cfg.Pool.DefaultCapacity,
			},
		},
	}
	return manager.NewStaticRouterService(qm, func() error {
		return qm.ApplyConfig(static)
	})
}

func setupStandby(cfg *config.Config, routerService *manager.RouterService) (*standby.Service, error) {
	scfg := standby.DefaultConfig()
	scfg.Enabled = cfg.Leader.Enabled
	scfg.InstanceID = cfg.Leader.InstanceID
	scfg.LockTTL = cfg.Leader.TTL
	scfg.RefreshInterval = cfg.Leader.RefreshInterval

	svc := standby.NewService(scfg, &standby.Callbacks{
		OnBecomePrimary: func() {
			slog.Info("Became PRIMARY, starting message processing")
			routerService.Resume()
		},
		OnBecomeStandby: func() {
			slog.Info("Became STANDBY, stopping message processing")
			routerService.Pause()
		},
	})

	if cfg.Leader.Enabled {
		if cfg.Leader.RedisAddr == "" {
			return nil, fmt.Errorf("RELAY_REDIS_ADDR is required when leader election is enabled")
		}
		provider, err := standby.NewRedisLockProvider(cfg.Leader.RedisAddr)
		if err != nil {
			return nil, err
		}
		svc.SetLockProvider(provider)
	}
	return svc, nil
}

func setupHTTPRouter(cfg *config.Config, checker *health.Checker, monitoring *api.MonitoringHandler, standbyService *standby.Service) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/q/health", checker.HandleHealth)
	r.Get("/q/health/live", checker.HandleLive)
	r.Get("/q/health/ready", checker.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Get("/router/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeStatusJSON(w, standbyService.GetStatus())
	})

	monitoring.RegisterRoutes(r)

	return r
}

func writeStatusJSON(w http.ResponseWriter, status standby.Status) {
	fmt.Fprintf(w, `{"role":%q,"instanceId":%q,"standbyEnabled":%v}`,
		status.Role, status.InstanceID, status.Enabled)
}

// standbyUnit adapts standby.Service to lifecycle.Service.
type standbyUnit struct {
	service *standby.Service
}

func newStandbyUnit(svc *standby.Service) *standbyUnit {
	return &standbyUnit{service: svc}
}

func (s *standbyUnit) Name() string { return "standby-service" }

func (s *standbyUnit) Start(ctx context.Context) error {
	if err := s.service.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *standbyUnit) Stop(ctx context.Context) error {
	s.service.Stop()
	return nil
}

func (s *standbyUnit) Health() error { return nil }
