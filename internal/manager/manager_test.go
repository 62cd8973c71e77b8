package manager

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haulstream/relay/internal/broker"
	"github.com/haulstream/relay/internal/model"
	"github.com/haulstream/relay/internal/warning"
)

type mockMediator struct {
	processFunc func(msg *model.MessagePointer) *model.MediationOutcome
}

func (m *mockMediator) Process(msg *model.MessagePointer) *model.MediationOutcome {
	if m.processFunc != nil {
		return m.processFunc(msg)
	}
	return &model.MediationOutcome{Result: model.MediationSuccess, StatusCode: 200}
}

// brokerCallback is a fake broker.Callback counting settlements.
type brokerCallback struct {
	acks       atomic.Int32
	nacks      atomic.Int32
	delayNacks atomic.Int32
}

func (c *brokerCallback) Ack() error  { c.acks.Add(1); return nil }
func (c *brokerCallback) Nack() error { c.nacks.Add(1); return nil }
func (c *brokerCallback) NackWithDelay(d time.Duration) error {
	c.delayNacks.Add(1)
	return nil
}

// fakeConsumer records starts and stops.
type fakeConsumer struct {
	name    string
	started atomic.Int32
	stopped atomic.Int32
}

func (c *fakeConsumer) Name() string                  { return c.name }
func (c *fakeConsumer) Start(ctx context.Context) error { c.started.Add(1); return nil }
func (c *fakeConsumer) Stop(ctx context.Context) error  { c.stopped.Add(1); return nil }

func testTimeouts() Timeouts {
	t := DefaultTimeouts()
	t.PoolDrain = 2 * time.Second
	t.ConsumerStop = time.Second
	return t
}

func newTestManager(med *mockMediator, factory ConsumerFactory) *QueueManager {
	if med == nil {
		med = &mockMediator{}
	}
	return New(Options{
		Mediator:        med,
		Warnings:        warning.NewInMemoryService(),
		ConsumerFactory: factory,
		Timeouts:        testTimeouts(),
	})
}

func ptr(id string) *model.MessagePointer {
	return &model.MessagePointer{
		ID:              id,
		MediationType:   model.MediationHTTP,
		MediationTarget: "http://example.com/hook",
		PoolCode:        "POOL-A",
	}
}

func applyOnePool(t *testing.T, m *QueueManager, concurrency, capacity int) {
	t.Helper()
	err := m.ApplyConfig(&model.RouterConfig{
		ProcessingPools: []model.PoolConfig{
			{Code: "POOL-A", Concurrency: concurrency, QueueCapacity: capacity},
		},
	})
	if err != nil {
		t.Fatalf("ApplyConfig failed: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestRouteMessage_AcceptsAndSettles(t *testing.T) {
	m := newTestManager(nil, nil)
	defer m.Shutdown()
	applyOnePool(t, m, 2, 10)

	cb := &brokerCallback{}
	if got := m.RouteMessage(ptr("m1"), cb); got != broker.RouteAccepted {
		t.Fatalf("Expected RouteAccepted, got %v", got)
	}

	waitFor(t, 2*time.Second, func() bool { return cb.acks.Load() == 1 })

	if m.PipelineSize() != 0 {
		t.Errorf("Expected empty pipeline after settle, got %d", m.PipelineSize())
	}
}

func TestRouteMessage_DuplicateDropped(t *testing.T) {
	block := make(chan struct{})
	med := &mockMediator{processFunc: func(msg *model.MessagePointer) *model.MediationOutcome {
		<-block
		return &model.MediationOutcome{Result: model.MediationSuccess}
	}}

	m := newTestManager(med, nil)
	defer m.Shutdown()
	defer close(block)
	applyOnePool(t, m, 2, 10)

	first := &brokerCallback{}
	second := &brokerCallback{}

	if got := m.RouteMessage(ptr("m1"), first); got != broker.RouteAccepted {
		t.Fatalf("Expected first delivery accepted, got %v", got)
	}
	if got := m.RouteMessage(ptr("m1"), second); got != broker.RouteDuplicate {
		t.Errorf("Expected second delivery flagged duplicate, got %v", got)
	}

	if m.PipelineSize() != 1 {
		t.Errorf("Expected pipeline size 1, got %d", m.PipelineSize())
	}
}

func TestRouteMessage_SameIDAgainAfterSettle(t *testing.T) {
	m := newTestManager(nil, nil)
	defer m.Shutdown()
	applyOnePool(t, m, 2, 10)

	cb1 := &brokerCallback{}
	m.RouteMessage(ptr("m1"), cb1)
	waitFor(t, 2*time.Second, func() bool { return cb1.acks.Load() == 1 })

	// Redelivery after settlement is a fresh message, not a duplicate.
	cb2 := &brokerCallback{}
	if got := m.RouteMessage(ptr("m1"), cb2); got != broker.RouteAccepted {
		t.Errorf("Expected redelivery accepted after settle, got %v", got)
	}
	waitFor(t, 2*time.Second, func() bool { return cb2.acks.Load() == 1 })
}

func TestRouteMessage_PoolFullRejected(t *testing.T) {
	block := make(chan struct{})
	med := &mockMediator{processFunc: func(msg *model.MessagePointer) *model.MediationOutcome {
		<-block
		return &model.MediationOutcome{Result: model.MediationSuccess}
	}}

	m := newTestManager(med, nil)
	defer m.Shutdown()
	defer close(block)
	applyOnePool(t, m, 1, 1)

	accepted, rejected := 0, 0
	for i := 0; i < 10; i++ {
		msg := ptr(fmt.Sprintf("m%d", i))
		switch m.RouteMessage(msg, &brokerCallback{}) {
		case broker.RouteAccepted:
			accepted++
		case broker.RouteRejected:
			rejected++
		}
	}

	if rejected == 0 {
		t.Error("Expected some rejections with capacity 1")
	}

	// Rejected messages must not leak pipeline entries.
	if m.PipelineSize() != accepted {
		t.Errorf("Expected pipeline size %d, got %d", accepted, m.PipelineSize())
	}
}

func TestRouteMessage_UnknownPoolUsesDefault(t *testing.T) {
	m := newTestManager(nil, nil)
	defer m.Shutdown()

	cb := &brokerCallback{}
	msg := ptr("m1")
	msg.PoolCode = "NO-SUCH-POOL"

	if got := m.RouteMessage(msg, cb); got != broker.RouteAccepted {
		t.Fatalf("Expected acceptance via default pool, got %v", got)
	}
	waitFor(t, 2*time.Second, func() bool { return cb.acks.Load() == 1 })

	found := false
	for _, s := range m.PoolSnapshots() {
		if s.PoolCode == DefaultPoolCode {
			found = true
		}
	}
	if !found {
		t.Error("Expected default pool to exist")
	}
}

func TestRouteMessage_FailureNacksBroker(t *testing.T) {
	med := &mockMediator{processFunc: func(msg *model.MessagePointer) *model.MediationOutcome {
		return &model.MediationOutcome{Result: model.MediationErrorServer, StatusCode: 503}
	}}

	m := newTestManager(med, nil)
	defer m.Shutdown()
	applyOnePool(t, m, 2, 10)

	cb := &brokerCallback{}
	m.RouteMessage(ptr("m1"), cb)

	waitFor(t, 2*time.Second, func() bool { return cb.nacks.Load() == 1 })
}

func TestRouteMessage_DelayedNackPassesThrough(t *testing.T) {
	med := &mockMediator{processFunc: func(msg *model.MessagePointer) *model.MediationOutcome {
		return &model.MediationOutcome{Result: model.MediationErrorServer, StatusCode: 429, DelaySeconds: 10}
	}}

	m := newTestManager(med, nil)
	defer m.Shutdown()
	applyOnePool(t, m, 2, 10)

	cb := &brokerCallback{}
	m.RouteMessage(ptr("m1"), cb)

	waitFor(t, 2*time.Second, func() bool { return cb.delayNacks.Load() == 1 })
}

func TestApplyConfig_StartsAndStopsConsumers(t *testing.T) {
	var consumers []*fakeConsumer
	factory := func(qc model.QueueConfig, router broker.Router) (broker.Consumer, error) {
		c := &fakeConsumer{name: qc.Name}
		consumers = append(consumers, c)
		return c, nil
	}

	m := newTestManager(nil, factory)
	defer m.Shutdown()

	err := m.ApplyConfig(&model.RouterConfig{
		Queues: []model.QueueConfig{
			{Name: "queue-1", Type: model.QueueTypeEmbedded},
		},
		ProcessingPools: []model.PoolConfig{
			{Code: "POOL-A", Concurrency: 2, QueueCapacity: 10},
		},
	})
	if err != nil {
		t.Fatalf("ApplyConfig failed: %v", err)
	}

	if len(consumers) != 1 || consumers[0].started.Load() != 1 {
		t.Fatalf("Expected one started consumer, got %d", len(consumers))
	}

	m.Shutdown()
	if consumers[0].stopped.Load() != 1 {
		t.Errorf("Expected consumer stopped on shutdown")
	}
}

func TestApplyConfig_UnchangedConfigIsNoop(t *testing.T) {
	var built atomic.Int32
	factory := func(qc model.QueueConfig, router broker.Router) (broker.Consumer, error) {
		built.Add(1)
		return &fakeConsumer{name: qc.Name}, nil
	}

	m := newTestManager(nil, factory)
	defer m.Shutdown()

	cfg := &model.RouterConfig{
		Queues: []model.QueueConfig{{Name: "queue-1", Type: model.QueueTypeEmbedded}},
		ProcessingPools: []model.PoolConfig{
			{Code: "POOL-A", Concurrency: 2, QueueCapacity: 10},
		},
	}
	if err := m.ApplyConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyConfig(cfg); err != nil {
		t.Fatal(err)
	}

	if built.Load() != 1 {
		t.Errorf("Expected identical config to be skipped, consumers built %d times", built.Load())
	}
}

func TestApplyConfig_ReplacesChangedPool(t *testing.T) {
	m := newTestManager(nil, nil)
	defer m.Shutdown()

	applyOnePool(t, m, 2, 10)
	applyOnePool(t, m, 4, 10) // concurrency change forces replacement

	snaps := m.PoolSnapshots()
	if len(snaps) != 1 {
		t.Fatalf("Expected one pool, got %d", len(snaps))
	}
	if snaps[0].Concurrency != 4 {
		t.Errorf("Expected replaced pool concurrency 4, got %d", snaps[0].Concurrency)
	}
}

func TestApplyConfig_RemovesDroppedPool(t *testing.T) {
	m := newTestManager(nil, nil)
	defer m.Shutdown()

	err := m.ApplyConfig(&model.RouterConfig{
		ProcessingPools: []model.PoolConfig{
			{Code: "POOL-A", Concurrency: 2, QueueCapacity: 10},
			{Code: "POOL-B", Concurrency: 2, QueueCapacity: 10},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	applyOnePool(t, m, 2, 10)

	snaps := m.PoolSnapshots()
	if len(snaps) != 1 || snaps[0].PoolCode != "POOL-A" {
		t.Errorf("Expected only POOL-A to survive, got %+v", snaps)
	}
}

func TestShutdown_NacksRemaining(t *testing.T) {
	block := make(chan struct{})
	med := &mockMediator{processFunc: func(msg *model.MessagePointer) *model.MediationOutcome {
		<-block
		return &model.MediationOutcome{Result: model.MediationSuccess}
	}}

	m := New(Options{
		Mediator: med,
		Warnings: warning.NewInMemoryService(),
		Timeouts: Timeouts{
			ConsumerStop:  time.Second,
			PoolDrain:     200 * time.Millisecond,
			AuditInterval: time.Minute,
			GroupIdle:     time.Minute,
			StallWindow:   time.Minute,
		},
	})
	applyOnePool(t, m, 1, 10)

	// Queue several behind one blocked mediation.
	callbacks := make([]*brokerCallback, 5)
	for i := range callbacks {
		callbacks[i] = &brokerCallback{}
		m.RouteMessage(ptr(fmt.Sprintf("m%d", i)), callbacks[i])
	}

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()

	time.Sleep(300 * time.Millisecond)
	close(block)
	<-done

	var settled int32
	for _, cb := range callbacks {
		settled += cb.acks.Load() + cb.nacks.Load()
	}
	if settled != 5 {
		t.Errorf("Expected every message settled on shutdown, got %d of 5", settled)
	}
	if m.PipelineSize() != 0 {
		t.Errorf("Expected empty pipeline after shutdown, got %d", m.PipelineSize())
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	m := newTestManager(nil, nil)
	applyOnePool(t, m, 2, 10)

	m.Shutdown()
	m.Shutdown() // second call must be safe

	if got := m.RouteMessage(ptr("late"), &brokerCallback{}); got != broker.RouteRejected {
		t.Errorf("Expected rejection after shutdown, got %v", got)
	}
}

func TestPauseAndResumeConsumers(t *testing.T) {
	var built atomic.Int32
	factory := func(qc model.QueueConfig, router broker.Router) (broker.Consumer, error) {
		built.Add(1)
		return &fakeConsumer{name: qc.Name}, nil
	}

	m := newTestManager(nil, factory)
	defer m.Shutdown()

	err := m.ApplyConfig(&model.RouterConfig{
		Queues: []model.QueueConfig{{Name: "queue-1", Type: model.QueueTypeEmbedded}},
		ProcessingPools: []model.PoolConfig{
			{Code: "POOL-A", Concurrency: 2, QueueCapacity: 10},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	m.PauseConsumers()

	// A config change while paused must not start consumers.
	err = m.ApplyConfig(&model.RouterConfig{
		Queues: []model.QueueConfig{{Name: "queue-1", Type: model.QueueTypeEmbedded}},
		ProcessingPools: []model.PoolConfig{
			{Code: "POOL-A", Concurrency: 4, QueueCapacity: 10},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if built.Load() != 1 {
		t.Fatalf("Expected no consumer builds while paused, got %d", built.Load())
	}

	if err := m.ResumeConsumers(); err != nil {
		t.Fatal(err)
	}
	if built.Load() != 2 {
		t.Errorf("Expected consumer rebuilt on resume, got %d builds", built.Load())
	}
}
