// Package ratelimit provides a registry of per-key token-bucket limiters.
//
// Keys arrive on messages (rateLimitKey / rateLimitPerMinute), so cardinality
// is unbounded from the router's point of view. Entries idle for more than
// the TTL are evicted, and the registry is capped by count with
// stalest-first eviction.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTTL evicts limiters untouched for an hour.
	DefaultTTL = time.Hour

	// DefaultMaxEntries bounds memory under high key cardinality.
	DefaultMaxEntries = 10000
)

type entry struct {
	limiter    *rate.Limiter
	perMinute  int
	lastAccess time.Time
}

// Registry hands out non-blocking permits per key.
type Registry struct {
	mu         sync.Mutex
	entries    map[string]*entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
	}
}

// NewRegistryWithLimits is used by tests to tighten eviction behavior.
func NewRegistryWithLimits(ttl time.Duration, maxEntries int) *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// TryAcquire takes one permit for key without blocking. The limiter is
// created on first use sized at perMinute tokens per rolling minute, with a
// burst of perMinute so a full minute's quota can be consumed at once.
//
// If perMinute changes for an existing key the limiter is rebuilt, since
// producers own the limit and may tune it between deliveries.
func (r *Registry) TryAcquire(key string, perMinute int) bool {
	if key == "" || perMinute <= 0 {
		return true
	}

	now := r.now()

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.perMinute != perMinute {
		if !ok && len(r.entries) >= r.maxEntries {
			r.evictStalest()
		}
		e = &entry{
			limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
			perMinute: perMinute,
		}
		r.entries[key] = e
	}
	e.lastAccess = now
	r.mu.Unlock()

	return e.limiter.Allow()
}

// Sweep removes entries idle past the TTL. The manager calls this from its
// audit loop.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, e := range r.entries {
		if e.lastAccess.Before(cutoff) {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// evictStalest removes the least recently used entry; caller holds the lock.
func (r *Registry) evictStalest() {
	var stalest string
	var stalestAt time.Time
	for key, e := range r.entries {
		if stalest == "" || e.lastAccess.Before(stalestAt) {
			stalest = key
			stalestAt = e.lastAccess
		}
	}
	if stalest != "" {
		delete(r.entries, stalest)
	}
}

// Size returns the number of live limiters.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
