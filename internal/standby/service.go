// Package standby provides primary/standby failover via a distributed
// lock. Instances compete for the lock; the holder consumes messages,
// the rest idle with the HTTP surface up, ready to take over.
package standby

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role of this instance.
type Role string

const (
	RolePrimary Role = "PRIMARY"
	RoleStandby Role = "STANDBY"
	RoleUnknown Role = "UNKNOWN"
)

// Config for the standby service.
type Config struct {
	Enabled         bool
	InstanceID      string
	LockKey         string
	LockTTL         time.Duration
	RefreshInterval time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		LockKey:         "relay:router:leader",
		LockTTL:         30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// Callbacks fire on role transitions.
type Callbacks struct {
	OnBecomePrimary func()
	OnBecomeStandby func()
}

// LockProvider is a distributed lock backend.
type LockProvider interface {
	TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, instanceID string) error
	GetHolder(ctx context.Context, key string) (string, error)
	IsAvailable(ctx context.Context) bool
	Close() error
}

// Status is the monitoring view of the standby service.
type Status struct {
	Enabled        bool   `json:"standbyEnabled"`
	InstanceID     string `json:"instanceId"`
	Role           string `json:"role"`
	LockAvailable  bool   `json:"lockProviderAvailable"`
	LockHolder     string `json:"currentLockHolder,omitempty"`
	LastRefresh    string `json:"lastSuccessfulRefresh,omitempty"`
	HasWarning     bool   `json:"hasWarning"`
	WarningMessage string `json:"warningMessage,omitempty"`
}

// Service runs the leader election loop.
type Service struct {
	mu sync.RWMutex

	config    *Config
	callbacks *Callbacks
	provider  LockProvider

	instanceID    string
	role          Role
	lockAvailable bool
	lockHolder    string
	lastRefresh   time.Time
	warningMsg    string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg *Config, callbacks *Callbacks) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		config:     cfg,
		callbacks:  callbacks,
		instanceID: instanceID,
		role:       RoleUnknown,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetLockProvider installs the lock backend before Start.
func (s *Service) SetLockProvider(p LockProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = p
}

// Start begins leader election, or immediately assumes PRIMARY when
// standby mode is disabled.
func (s *Service) Start() error {
	if !s.config.Enabled {
		slog.Info("Standby mode disabled, running as standalone primary")
		s.setRole(RolePrimary)
		return nil
	}

	slog.Info("Starting leader election",
		"instanceId", s.instanceID,
		"lockKey", s.config.LockKey,
		"lockTTL", s.config.LockTTL)

	s.tick()

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts the loop and releases a held lock.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.RLock()
	role := s.role
	provider := s.provider
	s.mu.RUnlock()

	if provider == nil {
		return
	}
	if role == RolePrimary {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Release(ctx, s.config.LockKey, s.instanceID); err != nil {
			slog.Warn("Failed to release leader lock on shutdown", "error", err)
		}
	}
	provider.Close()
}

func (s *Service) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick acquires or refreshes the lock and adjusts the role.
func (s *Service) tick() {
	s.mu.RLock()
	provider := s.provider
	role := s.role
	s.mu.RUnlock()

	if provider == nil {
		s.setRole(RolePrimary)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	available := provider.IsAvailable(ctx)
	s.mu.Lock()
	s.lockAvailable = available
	s.mu.Unlock()

	if !available {
		// Keep the current role; flapping on a lock-store blip would
		// stop message processing for no reason.
		s.setWarning("lock provider unavailable")
		return
	}

	if role == RolePrimary {
		refreshed, err := provider.Refresh(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
		if err != nil {
			s.setWarning("lock refresh error: " + err.Error())
			return
		}
		if refreshed {
			s.mu.Lock()
			s.lastRefresh = time.Now()
			s.warningMsg = ""
			s.mu.Unlock()
			return
		}
		slog.Warn("Lost leader lock, transitioning to standby")
		s.setRole(RoleStandby)
		s.updateHolder(ctx, provider)
		return
	}

	acquired, err := provider.TryAcquire(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		s.setWarning("lock acquisition error: " + err.Error())
		s.updateHolder(ctx, provider)
		return
	}
	if acquired {
		slog.Info("Acquired leader lock, transitioning to primary")
		s.mu.Lock()
		s.lastRefresh = time.Now()
		s.lockHolder = s.instanceID
		s.warningMsg = ""
		s.mu.Unlock()
		s.setRole(RolePrimary)
		return
	}

	s.updateHolder(ctx, provider)
	if role == RoleUnknown {
		s.setRole(RoleStandby)
	}
}

func (s *Service) setRole(role Role) {
	s.mu.Lock()
	old := s.role
	s.role = role
	s.mu.Unlock()

	if old == role {
		return
	}
	slog.Info("Role changed", "instanceId", s.instanceID, "from", string(old), "to", string(role))

	if s.callbacks == nil {
		return
	}
	switch role {
	case RolePrimary:
		if s.callbacks.OnBecomePrimary != nil {
			s.callbacks.OnBecomePrimary()
		}
	case RoleStandby:
		if s.callbacks.OnBecomeStandby != nil {
			s.callbacks.OnBecomeStandby()
		}
	}
}

func (s *Service) setWarning(msg string) {
	s.mu.Lock()
	s.warningMsg = msg
	s.mu.Unlock()
	slog.Warn("Standby service warning", "message", msg)
}

func (s *Service) updateHolder(ctx context.Context, provider LockProvider) {
	holder, err := provider.GetHolder(ctx, s.config.LockKey)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.lockHolder = holder
	s.mu.Unlock()
}

func (s *Service) IsPrimary() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role == RolePrimary
}

func (s *Service) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Service) InstanceID() string { return s.instanceID }

func (s *Service) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Enabled:        s.config.Enabled,
		InstanceID:     s.instanceID,
		Role:           string(s.role),
		LockAvailable:  s.lockAvailable,
		LockHolder:     s.lockHolder,
		HasWarning:     s.warningMsg != "",
		WarningMessage: s.warningMsg,
	}
	if !s.lastRefresh.IsZero() {
		st.LastRefresh = s.lastRefresh.Format(time.RFC3339)
	}
	return st
}
