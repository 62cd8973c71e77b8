// Package manager owns message routing: the pool registry, in-flight
// deduplication, callback bookkeeping, configuration reconciliation, and
// ordered shutdown.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haulstream/relay/internal/broker"
	"github.com/haulstream/relay/internal/mediator"
	"github.com/haulstream/relay/internal/metrics"
	"github.com/haulstream/relay/internal/model"
	"github.com/haulstream/relay/internal/pool"
	"github.com/haulstream/relay/internal/ratelimit"
	"github.com/haulstream/relay/internal/warning"
)

// Defaults for the on-demand pool used when a message names no pool or an
// unknown one.
const (
	DefaultPoolCode        = "DEFAULT-POOL"
	DefaultPoolConcurrency = 20
	DefaultPoolCapacity    = 500
)

// Timeouts govern the manager's background and shutdown behavior.
type Timeouts struct {
	ConsumerStop  time.Duration // graceful stop per consumer
	PoolDrain     time.Duration // total drain budget across pools
	AuditInterval time.Duration // leak/stall audit cadence
	GroupIdle     time.Duration // group worker idle cleanup
	StallWindow   time.Duration // queued-but-silent window before warning
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		ConsumerStop:  30 * time.Second,
		PoolDrain:     60 * time.Second,
		AuditInterval: 30 * time.Second,
		GroupIdle:     5 * time.Minute,
		StallWindow:   5 * time.Minute,
	}
}

// ConsumerFactory builds a consumer for one queue config. Wired in cmd so
// the manager stays broker-agnostic.
type ConsumerFactory func(cfg model.QueueConfig, router broker.Router) (broker.Consumer, error)

// QueueManager routes messages to pools and settles them with brokers.
// It implements broker.Router for consumers and pool.MessageCallback for
// pools.
type QueueManager struct {
	mediator   mediator.Mediator
	limiters   *ratelimit.Registry
	warnings   warning.Service
	poolStats  metrics.PoolStatsService
	queueStats metrics.QueueStatsService
	timeouts   Timeouts

	newConsumer ConsumerFactory

	poolsMu sync.RWMutex
	pools   map[string]*pool.ProcessPool

	consumersMu     sync.Mutex
	consumers       []broker.Consumer
	consumersPaused atomic.Bool

	// inPipeline holds id -> *model.MessagePointer for every in-flight
	// message; callbacks holds id -> broker.Callback. Entries are created
	// before pool submission and removed on ack/nack.
	inPipeline    sync.Map
	callbacks     sync.Map
	pipelineSize  atomic.Int64
	callbackSize  atomic.Int64
	defaultPoolWarned atomic.Bool

	// syncMu serializes ApplyConfig; no two syncs run concurrently.
	syncMu        sync.Mutex
	currentConfig *model.RouterConfig

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// Options carries the manager's collaborators.
type Options struct {
	Mediator        mediator.Mediator
	Limiters        *ratelimit.Registry
	Warnings        warning.Service
	PoolStats       metrics.PoolStatsService
	QueueStats      metrics.QueueStatsService
	ConsumerFactory ConsumerFactory
	Timeouts        Timeouts
}

func New(opts Options) *QueueManager {
	if opts.Limiters == nil {
		opts.Limiters = ratelimit.NewRegistry()
	}
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = DefaultTimeouts()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &QueueManager{
		mediator:    opts.Mediator,
		limiters:    opts.Limiters,
		warnings:    opts.Warnings,
		poolStats:   opts.PoolStats,
		queueStats:  opts.QueueStats,
		timeouts:    opts.Timeouts,
		newConsumer: opts.ConsumerFactory,
		pools:       make(map[string]*pool.ProcessPool),
		ctx:         ctx,
		cancel:      cancel,
	}

	m.wg.Add(1)
	go m.runAudit()

	return m
}

// RouteMessage places a delivery into its pool. Implements broker.Router.
func (m *QueueManager) RouteMessage(msg *model.MessagePointer, cb broker.Callback) broker.RouteResult {
	if m.shutdown.Load() {
		return broker.RouteRejected
	}

	if _, loaded := m.inPipeline.LoadOrStore(msg.ID, msg); loaded {
		metrics.DuplicatesDropped.Inc()
		slog.Debug("Duplicate in-flight message dropped", "messageId", msg.ID)
		return broker.RouteDuplicate
	}
	m.pipelineSize.Add(1)
	m.callbacks.Store(msg.ID, cb)
	m.callbackSize.Add(1)

	p := m.resolvePool(msg.PoolCode)

	if !p.Submit(msg) {
		m.removeInFlight(msg.ID)
		metrics.RoutingRejections.WithLabelValues("pool_full").Inc()
		return broker.RouteRejected
	}

	m.updatePipelineGauges()
	return broker.RouteAccepted
}

// resolvePool returns the configured pool, falling back to the on-demand
// default pool for unknown codes.
func (m *QueueManager) resolvePool(poolCode string) *pool.ProcessPool {
	if poolCode == "" {
		poolCode = DefaultPoolCode
	}

	m.poolsMu.RLock()
	p, ok := m.pools[poolCode]
	m.poolsMu.RUnlock()
	if ok {
		return p
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	// Unknown pool codes all share the default pool.
	if p, ok = m.pools[DefaultPoolCode]; ok {
		if poolCode != DefaultPoolCode && m.defaultPoolWarned.CompareAndSwap(false, true) {
			slog.Warn("Unknown pool code, routing to default pool", "poolCode", poolCode)
		}
		return p
	}

	if m.defaultPoolWarned.CompareAndSwap(false, true) {
		slog.Warn("Creating default pool on demand",
			"requestedPool", poolCode,
			"concurrency", DefaultPoolConcurrency,
			"capacity", DefaultPoolCapacity)
	}

	p = pool.New(DefaultPoolCode, DefaultPoolConcurrency, DefaultPoolCapacity, nil,
		m.mediator, m, m.limiters, m.poolStats)
	p.SetGroupIdleTimeout(m.timeouts.GroupIdle)
	p.Start()
	m.pools[DefaultPoolCode] = p
	return p
}

// Ack settles a message successfully. Implements pool.MessageCallback.
func (m *QueueManager) Ack(msg *model.MessagePointer) {
	cb := m.takeCallback(msg.ID)
	if cb == nil {
		return
	}
	if err := cb.Ack(); err != nil {
		slog.Warn("Broker ack failed", "messageId", msg.ID, "error", err)
	}
	m.updatePipelineGauges()
}

// Nack returns a message for redelivery. Implements pool.MessageCallback.
func (m *QueueManager) Nack(msg *model.MessagePointer) {
	cb := m.takeCallback(msg.ID)
	if cb == nil {
		return
	}
	if err := cb.Nack(); err != nil {
		slog.Warn("Broker nack failed", "messageId", msg.ID, "error", err)
	}
	m.updatePipelineGauges()
}

// NackWithDelay returns a message requesting delayed redelivery.
func (m *QueueManager) NackWithDelay(msg *model.MessagePointer, delaySeconds int) {
	cb := m.takeCallback(msg.ID)
	if cb == nil {
		return
	}
	if err := cb.NackWithDelay(time.Duration(delaySeconds) * time.Second); err != nil {
		slog.Warn("Broker delayed nack failed", "messageId", msg.ID, "error", err)
	}
	m.updatePipelineGauges()
}

// takeCallback removes and returns the callback for id. A missing entry
// means the message was already settled; that is logged, not an error.
func (m *QueueManager) takeCallback(id string) broker.Callback {
	v, ok := m.callbacks.LoadAndDelete(id)
	if !ok {
		slog.Debug("No callback registered for message", "messageId", id)
		return nil
	}
	m.callbackSize.Add(-1)
	if _, had := m.inPipeline.LoadAndDelete(id); had {
		m.pipelineSize.Add(-1)
	}
	return v.(broker.Callback)
}

// removeInFlight drops both map entries without touching the broker.
func (m *QueueManager) removeInFlight(id string) {
	if _, had := m.inPipeline.LoadAndDelete(id); had {
		m.pipelineSize.Add(-1)
	}
	if _, had := m.callbacks.LoadAndDelete(id); had {
		m.callbackSize.Add(-1)
	}
	m.updatePipelineGauges()
}

func (m *QueueManager) updatePipelineGauges() {
	metrics.PipelineSize.Set(float64(m.pipelineSize.Load()))
	metrics.CallbackRegistrySize.Set(float64(m.callbackSize.Load()))
}

// ApplyConfig reconciles pools and consumers against cfg. Idempotent and
// serialized; a no-op when the config has not changed.
func (m *QueueManager) ApplyConfig(cfg *model.RouterConfig) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	if m.shutdown.Load() {
		return fmt.Errorf("manager is shut down")
	}
	if m.currentConfig != nil && reflect.DeepEqual(m.currentConfig, cfg) {
		slog.Debug("Configuration unchanged, skipping sync")
		return nil
	}

	slog.Info("Applying configuration",
		"pools", len(cfg.ProcessingPools),
		"queues", len(cfg.Queues))

	m.stopConsumers()

	wanted := make(map[string]model.PoolConfig, len(cfg.ProcessingPools))
	for _, pc := range cfg.ProcessingPools {
		wanted[pc.Code] = pc
	}

	// Remove pools that are gone or changed; pools are replaced, never
	// mutated in place.
	var removed []*pool.ProcessPool
	m.poolsMu.Lock()
	for code, p := range m.pools {
		pc, keep := wanted[code]
		if keep && pc.Concurrency == p.Concurrency() && effectiveCapacity(pc) == p.QueueCapacity() {
			delete(wanted, code)
			continue
		}
		delete(m.pools, code)
		removed = append(removed, p)
	}
	m.poolsMu.Unlock()

	for _, p := range removed {
		code := p.PoolCode()
		slog.Info("Removing pool", "pool", code)
		p.Drain(m.timeouts.PoolDrain)
		p.Stop()
		metrics.UnregisterPool(code)
		if m.poolStats != nil {
			m.poolStats.Remove(code)
		}
	}

	m.poolsMu.Lock()
	for code, pc := range wanted {
		np := pool.New(code, pc.Concurrency, effectiveCapacity(pc), pc.RateLimitPerMinute,
			m.mediator, m, m.limiters, m.poolStats)
		np.SetGroupIdleTimeout(m.timeouts.GroupIdle)
		np.Start()
		m.pools[code] = np
	}
	m.poolsMu.Unlock()

	if err := m.startConsumers(cfg.Queues); err != nil {
		return err
	}

	m.currentConfig = cfg
	return nil
}

func effectiveCapacity(pc model.PoolConfig) int {
	if pc.QueueCapacity > 0 {
		return pc.QueueCapacity
	}
	return DefaultPoolCapacity
}

// startConsumers builds and starts one consumer per queue entry. While
// paused (standby role) the config is recorded but no consumer runs.
func (m *QueueManager) startConsumers(queues []model.QueueConfig) error {
	if m.consumersPaused.Load() {
		slog.Info("Consumers paused, deferring start", "queues", len(queues))
		return nil
	}

	m.consumersMu.Lock()
	defer m.consumersMu.Unlock()

	for _, qc := range queues {
		if m.newConsumer == nil {
			return fmt.Errorf("no consumer factory configured")
		}
		c, err := m.newConsumer(qc, m)
		if err != nil {
			if m.warnings != nil {
				m.warnings.Add(warning.CategoryConfiguration, warning.SeverityError,
					fmt.Sprintf("failed to build consumer for %s: %v", qc.Name, err), "manager")
			}
			return fmt.Errorf("build consumer %s: %w", qc.Name, err)
		}
		if err := c.Start(m.ctx); err != nil {
			return fmt.Errorf("start consumer %s: %w", qc.Name, err)
		}
		if m.queueStats != nil {
			conns := qc.Connections
			if conns < 1 {
				conns = 1
			}
			m.queueStats.Register(qc.Name, qc.Type, conns)
		}
		m.consumers = append(m.consumers, c)
		slog.Info("Consumer started", "queue", qc.Name, "type", qc.Type)
	}
	return nil
}

// stopConsumers stops every consumer with a per-consumer timeout.
func (m *QueueManager) stopConsumers() {
	m.consumersMu.Lock()
	consumers := m.consumers
	m.consumers = nil
	m.consumersMu.Unlock()

	for _, c := range consumers {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeouts.ConsumerStop)
		if err := c.Stop(ctx); err != nil {
			slog.Warn("Consumer stop failed", "queue", c.Name(), "error", err)
		}
		cancel()
	}
}

// PauseConsumers stops polling without touching pools or in-flight work.
// Used when this instance loses leadership.
func (m *QueueManager) PauseConsumers() {
	slog.Info("Pausing consumers")
	m.consumersPaused.Store(true)
	m.stopConsumers()
}

// ResumeConsumers restarts consumers from the current config after a
// leadership gain.
func (m *QueueManager) ResumeConsumers() error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	m.consumersPaused.Store(false)
	if m.currentConfig == nil {
		return nil
	}
	slog.Info("Resuming consumers")
	return m.startConsumers(m.currentConfig.Queues)
}

// Shutdown stops consumers, drains pools, then nacks whatever is left.
// Safe to call more than once.
func (m *QueueManager) Shutdown() {
	if !m.shutdown.CompareAndSwap(false, true) {
		m.cleanupRemaining()
		return
	}

	slog.Info("Queue manager shutting down")

	m.stopConsumers()

	deadline := time.Now().Add(m.timeouts.PoolDrain)
	m.poolsMu.Lock()
	pools := make([]*pool.ProcessPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*pool.ProcessPool)
	m.poolsMu.Unlock()

	for _, p := range pools {
		remaining := time.Until(deadline)
		if remaining > 0 {
			p.Drain(remaining)
		}
		p.Stop()
	}

	m.cleanupRemaining()

	m.cancel()
	m.wg.Wait()
	slog.Info("Queue manager stopped")
}

// cleanupRemaining nacks every message still in flight and clears both
// maps. Idempotent: a second run over empty maps changes nothing.
func (m *QueueManager) cleanupRemaining() {
	errorCount := 0
	remaining := 0

	m.inPipeline.Range(func(key, _ any) bool {
		id := key.(string)
		remaining++
		func() {
			defer func() {
				if r := recover(); r != nil {
					errorCount++
					slog.Error("Panic nacking message during cleanup", "messageId", id, "panic", fmt.Sprint(r))
				}
			}()
			if v, ok := m.callbacks.LoadAndDelete(id); ok {
				m.callbackSize.Add(-1)
				if err := v.(broker.Callback).Nack(); err != nil {
					errorCount++
					slog.Warn("Nack failed during cleanup", "messageId", id, "error", err)
				}
			}
		}()
		if _, had := m.inPipeline.LoadAndDelete(id); had {
			m.pipelineSize.Add(-1)
		}
		return true
	})

	m.updatePipelineGauges()

	if remaining > 0 {
		slog.Info("Shutdown cleanup finished", "remaining", remaining, "errors", errorCount)
	}
	if errorCount > 0 && m.warnings != nil {
		m.warnings.Add(warning.CategoryShutdownCleanup, warning.SeverityError,
			fmt.Sprintf("%d messages failed to nack during shutdown cleanup", errorCount), "manager")
	}
}

// PoolSnapshots returns live stats for every pool.
func (m *QueueManager) PoolSnapshots() []pool.Stats {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	out := make([]pool.Stats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	return out
}

// PipelineSize returns the number of in-flight messages.
func (m *QueueManager) PipelineSize() int {
	return int(m.pipelineSize.Load())
}

// PoolCount returns the number of live pools.
func (m *QueueManager) PoolCount() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return len(m.pools)
}

// runAudit periodically checks for bookkeeping leaks, stalled pools, and
// sweeps idle rate limiters.
func (m *QueueManager) runAudit() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.timeouts.AuditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.audit()
		}
	}
}

func (m *QueueManager) audit() {
	pipeline := m.pipelineSize.Load()
	callbacks := m.callbackSize.Load()

	if pipeline != callbacks && m.warnings != nil {
		m.warnings.Add(warning.CategoryPipelineLeak, warning.SeverityWarning,
			fmt.Sprintf("pipeline size %d does not match callback registry size %d", pipeline, callbacks),
			"manager")
	}

	// The pipeline can never legitimately exceed what the pools can hold:
	// permits plus queued capacity across live groups.
	var bound int64
	now := time.Now()
	m.poolsMu.RLock()
	for code, p := range m.pools {
		s := p.Stats()
		groups := s.MessageGroups
		if groups < 1 {
			groups = 1
		}
		bound += int64(s.Concurrency + p.QueueCapacity()*groups)

		if s.TotalQueued > 0 {
			last := p.LastCompletion()
			if !last.IsZero() && now.Sub(last) > m.timeouts.StallWindow && m.warnings != nil {
				m.warnings.Add(warning.CategoryStalledPool, warning.SeverityCritical,
					fmt.Sprintf("pool %s has %d queued messages and no completions for %s",
						code, s.TotalQueued, now.Sub(last).Round(time.Second)),
					"manager")
			}
		}
	}
	m.poolsMu.RUnlock()

	if bound > 0 && pipeline > bound && m.warnings != nil {
		m.warnings.Add(warning.CategoryPipelineLeak, warning.SeverityCritical,
			fmt.Sprintf("pipeline size %d exceeds total pool capacity %d, likely leak", pipeline, bound),
			"manager")
	}

	if swept := m.limiters.Sweep(); swept > 0 {
		slog.Debug("Swept idle rate limiters", "count", swept)
	}

	m.updatePipelineGauges()
}
