package metrics

import (
	"sync"
	"time"
)

// PoolSnapshot is a point-in-time view of one pool for the monitoring API.
type PoolSnapshot struct {
	PoolCode         string  `json:"poolCode"`
	Concurrency      int     `json:"concurrency"`
	ActiveWorkers    int     `json:"activeWorkers"`
	AvailablePermits int     `json:"availablePermits"`
	QueuedMessages   int     `json:"queuedMessages"`
	MessageGroups    int     `json:"messageGroups"`
	TotalProcessed   int64   `json:"totalProcessed"`
	TotalSucceeded   int64   `json:"totalSucceeded"`
	TotalFailed      int64   `json:"totalFailed"`
	TotalRateLimited int64   `json:"totalRateLimited"`
	SuccessRate5Min  float64 `json:"successRate5Min"`
	SuccessRate30Min float64 `json:"successRate30Min"`
	AvgDurationMs    float64 `json:"avgDurationMs"`
	LastActivity     string  `json:"lastActivity,omitempty"`
}

// PoolStatsService accumulates per-pool outcome history for the monitoring
// dashboard. Prometheus counters cover alerting; this service answers the
// "how is this pool doing right now" question with rolling windows.
type PoolStatsService interface {
	RecordOutcome(poolCode string, success bool, duration time.Duration)
	RecordRateLimited(poolCode string)
	SetGauges(poolCode string, concurrency, activeWorkers, availablePermits, queued, groups int)
	Snapshot(poolCode string) (PoolSnapshot, bool)
	SnapshotAll() []PoolSnapshot
	Remove(poolCode string)
}

type timedOutcome struct {
	at       time.Time
	success  bool
	duration time.Duration
}

type poolStats struct {
	mu sync.Mutex

	poolCode         string
	concurrency      int
	activeWorkers    int
	availablePermits int
	queued           int
	groups           int

	totalProcessed   int64
	totalSucceeded   int64
	totalFailed      int64
	totalRateLimited int64
	lastActivity     time.Time

	outcomes []timedOutcome
}

const outcomeRetention = 30 * time.Minute

func (p *poolStats) record(success bool, d time.Duration, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalProcessed++
	if success {
		p.totalSucceeded++
	} else {
		p.totalFailed++
	}
	p.lastActivity = now
	p.outcomes = append(p.outcomes, timedOutcome{at: now, success: success, duration: d})
	p.prune(now)
}

// prune drops outcomes older than the longest window (lock held).
func (p *poolStats) prune(now time.Time) {
	cutoff := now.Add(-outcomeRetention)
	i := 0
	for i < len(p.outcomes) && p.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		p.outcomes = p.outcomes[i:]
	}
}

func (p *poolStats) successRate(window time.Duration, now time.Time) float64 {
	cutoff := now.Add(-window)
	var total, ok int
	for _, o := range p.outcomes {
		if o.at.After(cutoff) {
			total++
			if o.success {
				ok++
			}
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(ok) / float64(total)
}

func (p *poolStats) avgDurationMs(now time.Time) float64 {
	cutoff := now.Add(-5 * time.Minute)
	var total int
	var sum time.Duration
	for _, o := range p.outcomes {
		if o.at.After(cutoff) {
			total++
			sum += o.duration
		}
	}
	if total == 0 {
		return 0
	}
	return float64(sum.Milliseconds()) / float64(total)
}

func (p *poolStats) snapshot(now time.Time) PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune(now)

	snap := PoolSnapshot{
		PoolCode:         p.poolCode,
		Concurrency:      p.concurrency,
		ActiveWorkers:    p.activeWorkers,
		AvailablePermits: p.availablePermits,
		QueuedMessages:   p.queued,
		MessageGroups:    p.groups,
		TotalProcessed:   p.totalProcessed,
		TotalSucceeded:   p.totalSucceeded,
		TotalFailed:      p.totalFailed,
		TotalRateLimited: p.totalRateLimited,
		SuccessRate5Min:  p.successRate(5*time.Minute, now),
		SuccessRate30Min: p.successRate(30*time.Minute, now),
		AvgDurationMs:    p.avgDurationMs(now),
	}
	if !p.lastActivity.IsZero() {
		snap.LastActivity = p.lastActivity.Format(time.RFC3339)
	}
	return snap
}

// InMemoryPoolStats is the default PoolStatsService.
type InMemoryPoolStats struct {
	mu    sync.RWMutex
	pools map[string]*poolStats
	now   func() time.Time
}

func NewInMemoryPoolStats() *InMemoryPoolStats {
	return &InMemoryPoolStats{
		pools: make(map[string]*poolStats),
		now:   time.Now,
	}
}

func (s *InMemoryPoolStats) get(poolCode string) *poolStats {
	s.mu.RLock()
	p, ok := s.pools[poolCode]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.pools[poolCode]; ok {
		return p
	}
	p = &poolStats{poolCode: poolCode}
	s.pools[poolCode] = p
	return p
}

func (s *InMemoryPoolStats) RecordOutcome(poolCode string, success bool, duration time.Duration) {
	s.get(poolCode).record(success, duration, s.now())
}

func (s *InMemoryPoolStats) RecordRateLimited(poolCode string) {
	p := s.get(poolCode)
	p.mu.Lock()
	p.totalRateLimited++
	p.mu.Unlock()
}

func (s *InMemoryPoolStats) SetGauges(poolCode string, concurrency, activeWorkers, availablePermits, queued, groups int) {
	p := s.get(poolCode)
	p.mu.Lock()
	p.concurrency = concurrency
	p.activeWorkers = activeWorkers
	p.availablePermits = availablePermits
	p.queued = queued
	p.groups = groups
	p.mu.Unlock()
}

func (s *InMemoryPoolStats) Snapshot(poolCode string) (PoolSnapshot, bool) {
	s.mu.RLock()
	p, ok := s.pools[poolCode]
	s.mu.RUnlock()
	if !ok {
		return PoolSnapshot{}, false
	}
	return p.snapshot(s.now()), true
}

func (s *InMemoryPoolStats) SnapshotAll() []PoolSnapshot {
	s.mu.RLock()
	pools := make([]*poolStats, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.RUnlock()

	now := s.now()
	out := make([]PoolSnapshot, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.snapshot(now))
	}
	return out
}

func (s *InMemoryPoolStats) Remove(poolCode string) {
	s.mu.Lock()
	delete(s.pools, poolCode)
	s.mu.Unlock()
}
