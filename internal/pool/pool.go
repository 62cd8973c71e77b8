// Package pool implements the processing pool: per-message-group FIFO
// workers under one pool-wide concurrency semaphore, with rate limiting and
// batch+group failure cascade.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haulstream/relay/internal/mediator"
	"github.com/haulstream/relay/internal/metrics"
	"github.com/haulstream/relay/internal/model"
	"github.com/haulstream/relay/internal/ratelimit"
)

// MessageCallback is how the pool reports terminal outcomes. Implemented by
// the queue manager, which settles the broker message and releases the
// in-flight bookkeeping.
type MessageCallback interface {
	Ack(msg *model.MessagePointer)
	Nack(msg *model.MessagePointer)
	NackWithDelay(msg *model.MessagePointer, delaySeconds int)
}

// Stats is a point-in-time view of pool internals.
type Stats struct {
	PoolCode         string
	Concurrency      int
	ActiveWorkers    int
	AvailablePermits int
	TotalQueued      int
	MessageGroups    int
	Submitted        int64
}

const (
	// groupIdleTimeout removes a group's queue and worker after inactivity.
	defaultGroupIdleTimeout = 5 * time.Minute

	gaugeRefreshInterval = 500 * time.Millisecond
)

// ProcessPool runs mediation for one pool code.
//
// Each message group gets a dedicated bounded queue and a lazily spawned
// worker goroutine, so FIFO within a group is structural and groups never
// block each other except through the shared semaphore.
type ProcessPool struct {
	poolCode      string
	concurrency   int
	queueCapacity int

	mediator  mediator.Mediator
	callback  MessageCallback
	limiters  *ratelimit.Registry
	poolLimit *ratelimit.Registry // nil unless the pool has its own cap
	poolRate  int

	stats metrics.PoolStatsService

	groupIdleTimeout time.Duration

	// semaphore holds one token per in-flight mediation. Active workers
	// and available permits are always derived from its occupancy.
	semaphore chan struct{}

	groupsMu sync.Mutex
	groups   map[string]chan *model.MessagePointer

	// failedBatches and batchCounts key on "batchId|groupId".
	failedBatches sync.Map
	batchCounts   sync.Map

	totalQueued    atomic.Int32
	submitted      atomic.Int64
	lastCompletion atomic.Int64 // unix nanos of the last terminal outcome

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// New creates a pool. rateLimitPerMinute, when non-nil, adds a pool-wide
// limit on top of any per-message rate limit keys.
func New(poolCode string, concurrency, queueCapacity int, rateLimitPerMinute *int,
	med mediator.Mediator, cb MessageCallback, limiters *ratelimit.Registry,
	stats metrics.PoolStatsService) *ProcessPool {

	if concurrency < 1 {
		concurrency = 1
	}
	if queueCapacity < 1 {
		queueCapacity = 1
	}
	if limiters == nil {
		limiters = ratelimit.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &ProcessPool{
		poolCode:         poolCode,
		concurrency:      concurrency,
		queueCapacity:    queueCapacity,
		mediator:         med,
		callback:         cb,
		limiters:         limiters,
		stats:            stats,
		groupIdleTimeout: defaultGroupIdleTimeout,
		semaphore:        make(chan struct{}, concurrency),
		groups:           make(map[string]chan *model.MessagePointer),
		ctx:              ctx,
		cancel:           cancel,
	}
	if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
		p.poolLimit = ratelimit.NewRegistry()
		p.poolRate = *rateLimitPerMinute
	}
	return p
}

// SetGroupIdleTimeout overrides the idle cleanup window. Used by tests and
// the manager's configuration.
func (p *ProcessPool) SetGroupIdleTimeout(d time.Duration) {
	if d > 0 {
		p.groupIdleTimeout = d
	}
}

// Start launches the gauge refresher. Group workers spawn on demand.
func (p *ProcessPool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.refreshGauges()
	slog.Info("Process pool started",
		"pool", p.poolCode,
		"concurrency", p.concurrency,
		"queueCapacity", p.queueCapacity)
}

// Submit enqueues a message to its group queue, spawning the group worker
// if needed. Returns false when the group queue is full or the pool is
// shutting down; the caller nacks in that case.
func (p *ProcessPool) Submit(msg *model.MessagePointer) bool {
	if p.ctx.Err() != nil {
		return false
	}

	groupID := msg.GroupID()

	p.groupsMu.Lock()
	q, ok := p.groups[groupID]
	if !ok {
		q = make(chan *model.MessagePointer, p.queueCapacity)
		p.groups[groupID] = q
		p.wg.Add(1)
		go p.runGroupWorker(groupID, q)
	}

	select {
	case q <- msg:
	default:
		p.groupsMu.Unlock()
		slog.Warn("Group queue full, rejecting message",
			"pool", p.poolCode,
			"group", groupID,
			"messageId", msg.ID)
		return false
	}
	p.groupsMu.Unlock()

	p.totalQueued.Add(1)
	p.submitted.Add(1)
	metrics.PoolMessagesSubmitted.WithLabelValues(p.poolCode).Inc()

	if msg.BatchID != "" {
		key := batchKey(msg.BatchID, groupID)
		count, _ := p.batchCounts.LoadOrStore(key, new(atomic.Int32))
		count.(*atomic.Int32).Add(1)
	}

	return true
}

// runGroupWorker drains one group's queue in FIFO order. Exits when the
// pool stops or the group has been idle past the timeout.
func (p *ProcessPool) runGroupWorker(groupID string, q chan *model.MessagePointer) {
	defer p.wg.Done()

	idle := time.NewTimer(p.groupIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return

		case msg := <-q:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			p.totalQueued.Add(-1)
			p.processMessage(msg, groupID)
			idle.Reset(p.groupIdleTimeout)

		case <-idle.C:
			// Remove the group entry only while holding the creation
			// lock and only if nothing raced in.
			p.groupsMu.Lock()
			if len(q) == 0 {
				delete(p.groups, groupID)
				p.groupsMu.Unlock()
				slog.Debug("Group worker idle, cleaning up",
					"pool", p.poolCode,
					"group", groupID)
				return
			}
			p.groupsMu.Unlock()
			idle.Reset(p.groupIdleTimeout)
		}
	}
}

// processMessage owns the complete lifecycle of one message: cascade
// check, semaphore, rate limit, mediation, terminal callback. Every exit
// path settles the message exactly once and releases what it acquired.
func (p *ProcessPool) processMessage(msg *model.MessagePointer, groupID string) {
	key := ""
	if msg.BatchID != "" {
		key = batchKey(msg.BatchID, groupID)
	}

	settled := false
	acquired := false
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic processing message",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", fmt.Sprint(r))
			if !settled {
				p.nackSafely(msg)
			}
		}
		if acquired {
			<-p.semaphore
		}
		if key != "" {
			p.releaseBatchSlot(key)
		}
		p.lastCompletion.Store(time.Now().UnixNano())
	}()

	// Earlier failure in this batch+group: skip mediation, keep broker-side
	// FIFO intact by returning the message immediately.
	if key != "" {
		if _, failed := p.failedBatches.Load(key); failed {
			metrics.PoolCascadeNacks.WithLabelValues(p.poolCode).Inc()
			p.nackSafely(msg)
			settled = true
			return
		}
	}

	select {
	case p.semaphore <- struct{}{}:
		acquired = true
	case <-p.ctx.Done():
		p.nackSafely(msg)
		settled = true
		return
	}

	if !p.allowedByRateLimits(msg) {
		metrics.PoolRateLimitRejections.WithLabelValues(p.poolCode).Inc()
		if p.stats != nil {
			p.stats.RecordRateLimited(p.poolCode)
		}
		p.nackSafely(msg)
		settled = true
		return
	}

	start := time.Now()
	outcome := p.mediator.Process(msg)
	duration := time.Since(start)
	metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(duration.Seconds())

	p.handleOutcome(msg, key, outcome, duration)
	settled = true
}

// allowedByRateLimits checks the pool-wide limit first, then the
// per-message key.
func (p *ProcessPool) allowedByRateLimits(msg *model.MessagePointer) bool {
	if p.poolLimit != nil && !p.poolLimit.TryAcquire(p.poolCode, p.poolRate) {
		return false
	}
	if msg.RateLimitKey != "" && msg.RateLimitPerMinute > 0 {
		return p.limiters.TryAcquire(msg.RateLimitKey, msg.RateLimitPerMinute)
	}
	return true
}

func (p *ProcessPool) handleOutcome(msg *model.MessagePointer, key string, outcome *model.MediationOutcome, duration time.Duration) {
	success := outcome.Succeeded()
	if p.stats != nil {
		p.stats.RecordOutcome(p.poolCode, success, duration)
	}

	if success {
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
		p.ackSafely(msg)
		return
	}

	metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, string(outcome.Result)).Inc()
	slog.Warn("Mediation failed",
		"pool", p.poolCode,
		"messageId", msg.ID,
		"result", string(outcome.Result),
		"status", outcome.StatusCode,
		"error", outcome.Err)

	// Any failure poisons the rest of the batch for this group so the
	// broker can redeliver the whole run in order.
	if key != "" {
		p.failedBatches.Store(key, struct{}{})
	}

	if outcome.DelaySeconds > 0 {
		p.nackWithDelaySafely(msg, outcome.DelaySeconds)
	} else {
		p.nackSafely(msg)
	}
}

// releaseBatchSlot decrements the batch+group counter and clears both the
// counter and any failed flag once the last message has settled.
func (p *ProcessPool) releaseBatchSlot(key string) {
	v, ok := p.batchCounts.Load(key)
	if !ok {
		return
	}
	if v.(*atomic.Int32).Add(-1) <= 0 {
		p.batchCounts.Delete(key)
		p.failedBatches.Delete(key)
	}
}

func (p *ProcessPool) ackSafely(msg *model.MessagePointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in ack callback", "pool", p.poolCode, "messageId", msg.ID, "panic", fmt.Sprint(r))
		}
	}()
	p.callback.Ack(msg)
}

func (p *ProcessPool) nackSafely(msg *model.MessagePointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in nack callback", "pool", p.poolCode, "messageId", msg.ID, "panic", fmt.Sprint(r))
		}
	}()
	p.callback.Nack(msg)
}

func (p *ProcessPool) nackWithDelaySafely(msg *model.MessagePointer, delaySeconds int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in nack callback", "pool", p.poolCode, "messageId", msg.ID, "panic", fmt.Sprint(r))
		}
	}()
	p.callback.NackWithDelay(msg, delaySeconds)
}

// refreshGauges publishes derived gauges on a short cadence. Active
// workers is semaphore occupancy, never an independent counter.
func (p *ProcessPool) refreshGauges() {
	defer p.wg.Done()

	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(s.ActiveWorkers))
			metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(s.AvailablePermits))
			metrics.PoolQueuedMessages.WithLabelValues(p.poolCode).Set(float64(s.TotalQueued))
			metrics.PoolMessageGroups.WithLabelValues(p.poolCode).Set(float64(s.MessageGroups))
			if p.stats != nil {
				p.stats.SetGauges(p.poolCode, s.Concurrency, s.ActiveWorkers, s.AvailablePermits, s.TotalQueued, s.MessageGroups)
			}
		}
	}
}

// Stats returns the live pool state.
func (p *ProcessPool) Stats() Stats {
	active := len(p.semaphore)
	p.groupsMu.Lock()
	groups := len(p.groups)
	p.groupsMu.Unlock()

	return Stats{
		PoolCode:         p.poolCode,
		Concurrency:      p.concurrency,
		ActiveWorkers:    active,
		AvailablePermits: p.concurrency - active,
		TotalQueued:      int(p.totalQueued.Load()),
		MessageGroups:    groups,
		Submitted:        p.submitted.Load(),
	}
}

// PoolCode returns the pool identifier.
func (p *ProcessPool) PoolCode() string { return p.poolCode }

// Concurrency returns the configured permit count.
func (p *ProcessPool) Concurrency() int { return p.concurrency }

// QueueCapacity returns the per-group queue bound.
func (p *ProcessPool) QueueCapacity() int { return p.queueCapacity }

// LastCompletion returns the time of the most recent terminal outcome, or
// the zero time if nothing has completed yet.
func (p *ProcessPool) LastCompletion() time.Time {
	n := p.lastCompletion.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// IsDrained reports whether no messages are queued or in flight.
func (p *ProcessPool) IsDrained() bool {
	return p.totalQueued.Load() == 0 && len(p.semaphore) == 0
}

// Drain blocks until the pool is empty or the timeout lapses. It does not
// stop the workers; call Stop afterwards.
func (p *ProcessPool) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.IsDrained() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return p.IsDrained()
}

// Stop cancels all workers and waits for them to exit. In-flight
// mediations finish; queued messages are nacked by the manager's shutdown
// cleanup, not here.
func (p *ProcessPool) Stop() {
	p.cancel()
	p.wg.Wait()
	slog.Info("Process pool stopped", "pool", p.poolCode)
}

func batchKey(batchID, groupID string) string {
	return batchID + "|" + groupID
}
