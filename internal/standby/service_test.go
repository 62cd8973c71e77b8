package standby

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeLock is a scriptable in-memory lock provider.
type fakeLock struct {
	mu        sync.Mutex
	holder    string
	available bool
}

func newFakeLock() *fakeLock {
	return &fakeLock{available: true}
}

func (f *fakeLock) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder == "" || f.holder == instanceID {
		f.holder = instanceID
		return true, nil
	}
	return false, nil
}

func (f *fakeLock) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holder == instanceID, nil
}

func (f *fakeLock) Release(ctx context.Context, key, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder == instanceID {
		f.holder = ""
	}
	return nil
}

func (f *fakeLock) GetHolder(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holder, nil
}

func (f *fakeLock) IsAvailable(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeLock) Close() error { return nil }

func (f *fakeLock) setHolder(id string) {
	f.mu.Lock()
	f.holder = id
	f.mu.Unlock()
}

func testServiceConfig(id string) *Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.InstanceID = id
	cfg.LockTTL = time.Second
	cfg.RefreshInterval = 20 * time.Millisecond
	return cfg
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

func TestStart_DisabledAssumesPrimary(t *testing.T) {
	var becamePrimary atomic.Int32
	s := NewService(&Config{Enabled: false}, &Callbacks{
		OnBecomePrimary: func() { becamePrimary.Add(1) },
	})

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if !s.IsPrimary() {
		t.Error("Expected standalone instance to be primary")
	}
	if becamePrimary.Load() != 1 {
		t.Errorf("Expected one primary callback, got %d", becamePrimary.Load())
	}
}

func TestStart_AcquiresLockAndBecomesPrimary(t *testing.T) {
	lock := newFakeLock()
	var becamePrimary atomic.Int32
	s := NewService(testServiceConfig("node-1"), &Callbacks{
		OnBecomePrimary: func() { becamePrimary.Add(1) },
	})
	s.SetLockProvider(lock)

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	// Start runs the first election synchronously.
	if !s.IsPrimary() {
		t.Fatal("Expected primary role after start with free lock")
	}
	if becamePrimary.Load() != 1 {
		t.Errorf("Expected one transition, got %d", becamePrimary.Load())
	}

	status := s.GetStatus()
	if status.Role != string(RolePrimary) || status.LockHolder != "node-1" {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestStart_HeldLockMeansStandby(t *testing.T) {
	lock := newFakeLock()
	lock.setHolder("node-other")

	var becameStandby atomic.Int32
	s := NewService(testServiceConfig("node-1"), &Callbacks{
		OnBecomeStandby: func() { becameStandby.Add(1) },
	})
	s.SetLockProvider(lock)

	s.Start()
	defer s.Stop()

	if s.Role() != RoleStandby {
		t.Fatalf("Expected standby, got %s", s.Role())
	}
	if becameStandby.Load() != 1 {
		t.Errorf("Expected one standby callback, got %d", becameStandby.Load())
	}
	if got := s.GetStatus().LockHolder; got != "node-other" {
		t.Errorf("Expected holder node-other, got %s", got)
	}
}

func TestFailover_StandbyTakesOverWhenLockFreed(t *testing.T) {
	lock := newFakeLock()
	lock.setHolder("node-other")

	var becamePrimary atomic.Int32
	s := NewService(testServiceConfig("node-1"), &Callbacks{
		OnBecomePrimary: func() { becamePrimary.Add(1) },
	})
	s.SetLockProvider(lock)

	s.Start()
	defer s.Stop()

	if s.Role() != RoleStandby {
		t.Fatal("Expected to start as standby")
	}

	// The primary dies; its lock expires.
	lock.setHolder("")

	waitFor(t, 2*time.Second, func() bool { return s.IsPrimary() })
	if becamePrimary.Load() != 1 {
		t.Errorf("Expected one takeover, got %d", becamePrimary.Load())
	}
}

func TestDemotion_LostLockMeansStandby(t *testing.T) {
	lock := newFakeLock()

	var becameStandby atomic.Int32
	s := NewService(testServiceConfig("node-1"), &Callbacks{
		OnBecomeStandby: func() { becameStandby.Add(1) },
	})
	s.SetLockProvider(lock)

	s.Start()
	defer s.Stop()

	if !s.IsPrimary() {
		t.Fatal("Expected to start as primary")
	}

	// Lock store handed the lock to someone else (TTL lapse plus takeover).
	lock.setHolder("node-usurper")

	waitFor(t, 2*time.Second, func() bool { return s.Role() == RoleStandby })
}

func TestUnavailableProviderKeepsRole(t *testing.T) {
	lock := newFakeLock()
	s := NewService(testServiceConfig("node-1"), nil)
	s.SetLockProvider(lock)

	s.Start()
	defer s.Stop()

	if !s.IsPrimary() {
		t.Fatal("Expected primary")
	}

	// A lock-store blip must not demote a working primary.
	lock.mu.Lock()
	lock.available = false
	lock.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool { return s.GetStatus().HasWarning })
	if !s.IsPrimary() {
		t.Error("Expected role kept while provider unavailable")
	}
}

func TestStop_ReleasesHeldLock(t *testing.T) {
	lock := newFakeLock()
	s := NewService(testServiceConfig("node-1"), nil)
	s.SetLockProvider(lock)

	s.Start()
	if !s.IsPrimary() {
		t.Fatal("Expected primary")
	}

	s.Stop()

	holder, _ := lock.GetHolder(context.Background(), "relay:router:leader")
	if holder != "" {
		t.Errorf("Expected lock released on stop, held by %s", holder)
	}
}
