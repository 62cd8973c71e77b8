package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haulstream/relay/internal/model"
	"github.com/haulstream/relay/internal/ratelimit"
)

// mockMediator runs a configurable process function.
type mockMediator struct {
	processFunc func(msg *model.MessagePointer) *model.MediationOutcome
}

func (m *mockMediator) Process(msg *model.MessagePointer) *model.MediationOutcome {
	if m.processFunc != nil {
		return m.processFunc(msg)
	}
	return &model.MediationOutcome{Result: model.MediationSuccess, StatusCode: 200}
}

// mockCallback counts terminal outcomes.
type mockCallback struct {
	acks        atomic.Int32
	nacks       atomic.Int32
	nacksDelay  atomic.Int32
	mu          sync.Mutex
	ackedOrder  []string
	nackedIDs   []string
}

func (c *mockCallback) Ack(msg *model.MessagePointer) {
	c.acks.Add(1)
	c.mu.Lock()
	c.ackedOrder = append(c.ackedOrder, msg.ID)
	c.mu.Unlock()
}

func (c *mockCallback) Nack(msg *model.MessagePointer) {
	c.nacks.Add(1)
	c.mu.Lock()
	c.nackedIDs = append(c.nackedIDs, msg.ID)
	c.mu.Unlock()
}

func (c *mockCallback) NackWithDelay(msg *model.MessagePointer, delaySeconds int) {
	c.nacksDelay.Add(1)
	c.Nack(msg)
}

func (c *mockCallback) settled() int32 {
	return c.acks.Load() + c.nacks.Load()
}

func msg(id, group string) *model.MessagePointer {
	return &model.MessagePointer{
		ID:              id,
		MediationType:   model.MediationHTTP,
		MediationTarget: "http://example.com/hook",
		MessageGroupID:  group,
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

func TestSubmit_ProcessesAndAcks(t *testing.T) {
	cb := &mockCallback{}
	p := New("TEST-POOL", 2, 10, nil, &mockMediator{}, cb, ratelimit.NewRegistry(), nil)
	p.Start()
	defer p.Stop()

	if !p.Submit(msg("m1", "g1")) {
		t.Fatal("Submit returned false")
	}

	waitFor(t, 2*time.Second, func() bool { return cb.acks.Load() == 1 })
}

func TestSubmit_FIFOWithinGroup(t *testing.T) {
	cb := &mockCallback{}
	med := &mockMediator{processFunc: func(m *model.MessagePointer) *model.MediationOutcome {
		time.Sleep(5 * time.Millisecond)
		return &model.MediationOutcome{Result: model.MediationSuccess}
	}}

	p := New("TEST-POOL", 4, 50, nil, med, cb, ratelimit.NewRegistry(), nil)
	p.Start()
	defer p.Stop()

	for i := 0; i < 10; i++ {
		if !p.Submit(msg(fmt.Sprintf("m%02d", i), "g1")) {
			t.Fatalf("Submit %d returned false", i)
		}
	}

	waitFor(t, 5*time.Second, func() bool { return cb.acks.Load() == 10 })

	cb.mu.Lock()
	defer cb.mu.Unlock()
	for i, id := range cb.ackedOrder {
		want := fmt.Sprintf("m%02d", i)
		if id != want {
			t.Fatalf("Out of order at %d: got %s, want %s", i, id, want)
		}
	}
}

func TestSubmit_GroupsRunConcurrently(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32

	med := &mockMediator{processFunc: func(m *model.MessagePointer) *model.MediationOutcome {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return &model.MediationOutcome{Result: model.MediationSuccess}
	}}

	cb := &mockCallback{}
	p := New("TEST-POOL", 4, 10, nil, med, cb, ratelimit.NewRegistry(), nil)
	p.Start()
	defer p.Stop()

	for i := 0; i < 4; i++ {
		p.Submit(msg(fmt.Sprintf("m%d", i), fmt.Sprintf("g%d", i)))
	}

	waitFor(t, 5*time.Second, func() bool { return cb.acks.Load() == 4 })

	if maxInFlight.Load() < 2 {
		t.Errorf("Expected distinct groups to overlap, max in flight was %d", maxInFlight.Load())
	}
}

func TestSubmit_SingleGroupNeverOverlaps(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32

	med := &mockMediator{processFunc: func(m *model.MessagePointer) *model.MediationOutcome {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return &model.MediationOutcome{Result: model.MediationSuccess}
	}}

	cb := &mockCallback{}
	p := New("TEST-POOL", 8, 50, nil, med, cb, ratelimit.NewRegistry(), nil)
	p.Start()
	defer p.Stop()

	for i := 0; i < 10; i++ {
		p.Submit(msg(fmt.Sprintf("m%d", i), "g1"))
	}

	waitFor(t, 5*time.Second, func() bool { return cb.acks.Load() == 10 })

	if maxInFlight.Load() != 1 {
		t.Errorf("Expected one message in flight for a single group, got %d", maxInFlight.Load())
	}
}

func TestSubmit_ConcurrencyBound(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32

	med := &mockMediator{processFunc: func(m *model.MessagePointer) *model.MediationOutcome {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return &model.MediationOutcome{Result: model.MediationSuccess}
	}}

	cb := &mockCallback{}
	p := New("TEST-POOL", 2, 10, nil, med, cb, ratelimit.NewRegistry(), nil)
	p.Start()
	defer p.Stop()

	for i := 0; i < 8; i++ {
		p.Submit(msg(fmt.Sprintf("m%d", i), fmt.Sprintf("g%d", i)))
	}

	waitFor(t, 10*time.Second, func() bool { return cb.acks.Load() == 8 })

	if maxInFlight.Load() > 2 {
		t.Errorf("Concurrency 2 exceeded: %d in flight", maxInFlight.Load())
	}
}

func TestSubmit_QueueFullRejected(t *testing.T) {
	block := make(chan struct{})
	med := &mockMediator{processFunc: func(m *model.MessagePointer) *model.MediationOutcome {
		<-block
		return &model.MediationOutcome{Result: model.MediationSuccess}
	}}

	cb := &mockCallback{}
	p := New("TEST-POOL", 1, 2, nil, med, cb, ratelimit.NewRegistry(), nil)
	p.Start()
	defer p.Stop()
	defer close(block)

	// One in flight plus a full queue of 2; further submits are refused.
	accepted := 0
	for i := 0; i < 10; i++ {
		if p.Submit(msg(fmt.Sprintf("m%d", i), "g1")) {
			accepted++
		}
	}

	if accepted > 3 {
		t.Errorf("Expected at most 3 accepted with capacity 2, got %d", accepted)
	}
	if accepted < 2 {
		t.Errorf("Expected queue capacity to be usable, only %d accepted", accepted)
	}
}

func TestBatchFailureCascades(t *testing.T) {
	var mediated atomic.Int32
	med := &mockMediator{processFunc: func(m *model.MessagePointer) *model.MediationOutcome {
		mediated.Add(1)
		if m.ID == "m0" {
			return &model.MediationOutcome{Result: model.MediationErrorServer, StatusCode: 500}
		}
		return &model.MediationOutcome{Result: model.MediationSuccess}
	}}

	cb := &mockCallback{}
	p := New("TEST-POOL", 1, 20, nil, med, cb, ratelimit.NewRegistry(), nil)
	p.Start()
	defer p.Stop()

	batch := "batch-1"
	for i := 0; i < 5; i++ {
		m := msg(fmt.Sprintf("m%d", i), "g1")
		m.BatchID = batch
		if !p.Submit(m) {
			t.Fatalf("Submit %d returned false", i)
		}
	}

	waitFor(t, 5*time.Second, func() bool { return cb.settled() == 5 })

	// m0 fails, the remaining 4 are nacked without mediation.
	if mediated.Load() != 1 {
		t.Errorf("Expected 1 mediation before the cascade, got %d", mediated.Load())
	}
	if cb.nacks.Load() != 5 {
		t.Errorf("Expected all 5 nacked, got %d", cb.nacks.Load())
	}
}

func TestBatchCascadeScopedToGroup(t *testing.T) {
	med := &mockMediator{processFunc: func(m *model.MessagePointer) *model.MediationOutcome {
		if m.MessageGroupID == "bad" {
			return &model.MediationOutcome{Result: model.MediationErrorServer}
		}
		return &model.MediationOutcome{Result: model.MediationSuccess}
	}}

	cb := &mockCallback{}
	p := New("TEST-POOL", 2, 20, nil, med, cb, ratelimit.NewRegistry(), nil)
	p.Start()
	defer p.Stop()

	batch := "batch-1"
	for i := 0; i < 3; i++ {
		bad := msg(fmt.Sprintf("bad%d", i), "bad")
		bad.BatchID = batch
		good := msg(fmt.Sprintf("good%d", i), "good")
		good.BatchID = batch
		p.Submit(bad)
		p.Submit(good)
	}

	waitFor(t, 5*time.Second, func() bool { return cb.settled() == 6 })

	// Same batch, different group: the good group is untouched.
	if cb.acks.Load() != 3 {
		t.Errorf("Expected 3 acks in the healthy group, got %d", cb.acks.Load())
	}
	if cb.nacks.Load() != 3 {
		t.Errorf("Expected 3 nacks in the failed group, got %d", cb.nacks.Load())
	}
}

func TestBatchStateClearedAfterSettle(t *testing.T) {
	fail := atomic.Bool{}
	fail.Store(true)
	med := &mockMediator{processFunc: func(m *model.MessagePointer) *model.MediationOutcome {
		if fail.Load() {
			return &model.MediationOutcome{Result: model.MediationErrorServer}
		}
		return &model.MediationOutcome{Result: model.MediationSuccess}
	}}

	cb := &mockCallback{}
	p := New("TEST-POOL", 1, 20, nil, med, cb, ratelimit.NewRegistry(), nil)
	p.Start()
	defer p.Stop()

	first := msg("m1", "g1")
	first.BatchID = "batch-1"
	p.Submit(first)
	waitFor(t, 2*time.Second, func() bool { return cb.nacks.Load() == 1 })

	// Redelivery reuses the same batch id; the failed flag must not leak
	// from the settled run.
	fail.Store(false)
	second := msg("m1", "g1")
	second.BatchID = "batch-1"
	p.Submit(second)
	waitFor(t, 2*time.Second, func() bool { return cb.acks.Load() == 1 })
}

func TestRateLimitedMessageNacked(t *testing.T) {
	cb := &mockCallback{}
	limiters := ratelimit.NewRegistry()
	p := New("TEST-POOL", 2, 20, nil, &mockMediator{}, cb, limiters, nil)
	p.Start()
	defer p.Stop()

	// Exhaust the key up front.
	for i := 0; i < 5; i++ {
		limiters.TryAcquire("tenant-1", 5)
	}

	m := msg("m1", "g1")
	m.RateLimitKey = "tenant-1"
	m.RateLimitPerMinute = 5
	p.Submit(m)

	waitFor(t, 2*time.Second, func() bool { return cb.nacks.Load() == 1 })
	if cb.acks.Load() != 0 {
		t.Errorf("Expected no acks for rate-limited message, got %d", cb.acks.Load())
	}
}

func TestDelayedNackForThrottleOutcome(t *testing.T) {
	med := &mockMediator{processFunc: func(m *model.MessagePointer) *model.MediationOutcome {
		return &model.MediationOutcome{Result: model.MediationErrorServer, StatusCode: 429, DelaySeconds: 30}
	}}

	cb := &mockCallback{}
	p := New("TEST-POOL", 1, 10, nil, med, cb, ratelimit.NewRegistry(), nil)
	p.Start()
	defer p.Stop()

	p.Submit(msg("m1", "g1"))

	waitFor(t, 2*time.Second, func() bool { return cb.nacksDelay.Load() == 1 })
}

func TestMediatorPanicNacks(t *testing.T) {
	med := &mockMediator{processFunc: func(m *model.MessagePointer) *model.MediationOutcome {
		panic("mediation blew up")
	}}

	cb := &mockCallback{}
	p := New("TEST-POOL", 1, 10, nil, med, cb, ratelimit.NewRegistry(), nil)
	p.Start()
	defer p.Stop()

	p.Submit(msg("m1", "g1"))

	waitFor(t, 2*time.Second, func() bool { return cb.nacks.Load() == 1 })

	// The permit must be released despite the panic.
	waitFor(t, 2*time.Second, func() bool { return p.Stats().ActiveWorkers == 0 })
}

func TestGroupIdleCleanup(t *testing.T) {
	cb := &mockCallback{}
	p := New("TEST-POOL", 2, 10, nil, &mockMediator{}, cb, ratelimit.NewRegistry(), nil)
	p.SetGroupIdleTimeout(50 * time.Millisecond)
	p.Start()
	defer p.Stop()

	p.Submit(msg("m1", "g1"))
	waitFor(t, 2*time.Second, func() bool { return cb.acks.Load() == 1 })

	waitFor(t, 2*time.Second, func() bool { return p.Stats().MessageGroups == 0 })
}

func TestGroupRecreatedAfterCleanup(t *testing.T) {
	cb := &mockCallback{}
	p := New("TEST-POOL", 2, 10, nil, &mockMediator{}, cb, ratelimit.NewRegistry(), nil)
	p.SetGroupIdleTimeout(50 * time.Millisecond)
	p.Start()
	defer p.Stop()

	p.Submit(msg("m1", "g1"))
	waitFor(t, 2*time.Second, func() bool { return p.Stats().MessageGroups == 0 })

	if !p.Submit(msg("m2", "g1")) {
		t.Fatal("Submit after cleanup returned false")
	}
	waitFor(t, 2*time.Second, func() bool { return cb.acks.Load() == 2 })
}

func TestDrainAndStop(t *testing.T) {
	med := &mockMediator{processFunc: func(m *model.MessagePointer) *model.MediationOutcome {
		time.Sleep(20 * time.Millisecond)
		return &model.MediationOutcome{Result: model.MediationSuccess}
	}}

	cb := &mockCallback{}
	p := New("TEST-POOL", 2, 20, nil, med, cb, ratelimit.NewRegistry(), nil)
	p.Start()

	for i := 0; i < 6; i++ {
		p.Submit(msg(fmt.Sprintf("m%d", i), fmt.Sprintf("g%d", i%2)))
	}

	if !p.Drain(5 * time.Second) {
		t.Fatal("Drain timed out")
	}
	if cb.acks.Load() != 6 {
		t.Errorf("Expected 6 acks after drain, got %d", cb.acks.Load())
	}

	p.Stop()
	if p.Submit(msg("late", "g1")) {
		t.Error("Expected Submit to fail after Stop")
	}
}

func TestDefaultGroupForMissingGroupID(t *testing.T) {
	cb := &mockCallback{}
	p := New("TEST-POOL", 2, 10, nil, &mockMediator{}, cb, ratelimit.NewRegistry(), nil)
	p.Start()
	defer p.Stop()

	p.Submit(msg("m1", ""))
	p.Submit(msg("m2", ""))

	waitFor(t, 2*time.Second, func() bool { return cb.acks.Load() == 2 })

	if groups := p.Stats().MessageGroups; groups != 1 {
		t.Errorf("Expected ungrouped messages to share one group, got %d", groups)
	}
}
