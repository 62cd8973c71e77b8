package embedded

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haulstream/relay/internal/broker"
	"github.com/haulstream/relay/internal/model"
)

type recordingRouter struct {
	mu       sync.Mutex
	messages []*model.MessagePointer
	result   broker.RouteResult
	settle   func(cb broker.Callback)
}

func (r *recordingRouter) RouteMessage(msg *model.MessagePointer, cb broker.Callback) broker.RouteResult {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	if r.settle != nil {
		r.settle(cb)
	}
	return r.result
}

func (r *recordingRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func testConsumerConfig() Config {
	return Config{
		QueueName:    "orders",
		BatchSize:    10,
		Visibility:   time.Minute,
		PollInterval: 10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestConsumer_DeliversEnqueuedMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, "orders", []byte(`{"id":"m1","mediationTarget":"https://example.com"}`), "")
	s.Enqueue(ctx, "orders", []byte(`{"id":"m2","mediationTarget":"https://example.com"}`), "group-1")

	router := &recordingRouter{
		result: broker.RouteAccepted,
		settle: func(cb broker.Callback) { cb.Ack() },
	}

	c := NewConsumer(s, testConsumerConfig(), router, nil)
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return router.count() == 2 })

	router.mu.Lock()
	defer router.mu.Unlock()
	if router.messages[0].ID != "m1" || router.messages[1].ID != "m2" {
		t.Errorf("Expected FIFO delivery m1,m2, got %s,%s", router.messages[0].ID, router.messages[1].ID)
	}
	if router.messages[1].MessageGroupID != "group-1" {
		t.Errorf("Expected row group to override pointer, got %q", router.messages[1].MessageGroupID)
	}
	if router.messages[0].BatchID == "" {
		t.Error("Expected a batch id on delivered messages")
	}
	if router.messages[0].BatchID != router.messages[1].BatchID {
		t.Error("Expected one batch id per claimed batch")
	}
}

func TestConsumer_AckedMessageNotRedelivered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, "orders", []byte(`{"id":"m1","mediationTarget":"https://example.com"}`), "")

	router := &recordingRouter{
		result: broker.RouteAccepted,
		settle: func(cb broker.Callback) { cb.Ack() },
	}

	c := NewConsumer(s, testConsumerConfig(), router, nil)
	c.Start(ctx)
	defer c.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return router.count() == 1 })
	waitFor(t, 2*time.Second, func() bool {
		depth, _ := s.Depth(context.Background(), "orders")
		return depth == 0
	})
}

func TestConsumer_RejectedMessageRedelivered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, "orders", []byte(`{"id":"m1","mediationTarget":"https://example.com"}`), "")

	// Dispatch nacks on rejection; the row becomes visible again and the
	// consumer picks it up on a later poll.
	router := &recordingRouter{result: broker.RouteRejected}

	c := NewConsumer(s, testConsumerConfig(), router, nil)
	c.Start(ctx)
	defer c.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return router.count() >= 2 })
}

func TestConsumer_PoisonMessageDropped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, "orders", []byte(`not json`), "")
	s.Enqueue(ctx, "orders", []byte(`{"id":"m1","mediationTarget":"https://example.com"}`), "")

	router := &recordingRouter{
		result: broker.RouteAccepted,
		settle: func(cb broker.Callback) { cb.Ack() },
	}

	c := NewConsumer(s, testConsumerConfig(), router, nil)
	c.Start(ctx)
	defer c.Stop(context.Background())

	// The poison row is acked away without ever reaching the router.
	waitFor(t, 2*time.Second, func() bool { return router.count() == 1 })
	waitFor(t, 2*time.Second, func() bool {
		depth, _ := s.Depth(context.Background(), "orders")
		return depth == 0
	})

	router.mu.Lock()
	defer router.mu.Unlock()
	if router.messages[0].ID != "m1" {
		t.Errorf("Expected only the valid message routed, got %s", router.messages[0].ID)
	}
}

func TestConsumer_StopHaltsPolling(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	router := &recordingRouter{result: broker.RouteAccepted}
	c := NewConsumer(s, testConsumerConfig(), router, nil)
	c.Start(ctx)

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	s.Enqueue(ctx, "orders", []byte(`{"id":"late","mediationTarget":"https://example.com"}`), "")
	time.Sleep(50 * time.Millisecond)

	if router.count() != 0 {
		t.Errorf("Expected no deliveries after stop, got %d", router.count())
	}
}
