package warning

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service is the warning bus consumed by the monitoring API and fed by the
// manager's audits, the mediator, and the consumers.
type Service interface {
	Add(category, severity, message, source string)
	All() []Warning
	BySeverity(severity string) []Warning
	Unacknowledged() []Warning
	Acknowledge(id string) bool
	ClearAll()
	ClearOlderThan(age time.Duration)
}

// InMemoryService keeps warnings in memory, bounded by count. Oldest entries
// are evicted first when full.
type InMemoryService struct {
	mu   sync.RWMutex
	byID map[string]*Warning
	max  int
}

const defaultMaxWarnings = 1000

func NewInMemoryService() *InMemoryService {
	return &InMemoryService{byID: make(map[string]*Warning), max: defaultMaxWarnings}
}

func NewInMemoryServiceWithLimit(max int) *InMemoryService {
	return &InMemoryService{byID: make(map[string]*Warning), max: max}
}

func (s *InMemoryService) Add(category, severity, message, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.byID) >= s.max {
		s.evictOldest()
	}

	w := &Warning{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Source:    source,
		Timestamp: time.Now(),
	}
	s.byID[w.ID] = w

	slog.Warn("Warning raised",
		"severity", severity,
		"category", category,
		"source", source,
		"message", message)
}

// evictOldest removes the oldest warning; caller holds the lock.
func (s *InMemoryService) evictOldest() {
	var oldestID string
	var oldestAt time.Time
	for id, w := range s.byID {
		if oldestID == "" || w.Timestamp.Before(oldestAt) {
			oldestID = id
			oldestAt = w.Timestamp
		}
	}
	if oldestID != "" {
		delete(s.byID, oldestID)
	}
}

func (s *InMemoryService) All() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(nil)
}

func (s *InMemoryService) BySeverity(severity string) []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(w *Warning) bool {
		return strings.EqualFold(w.Severity, severity)
	})
}

func (s *InMemoryService) Unacknowledged() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(w *Warning) bool { return !w.Acknowledged })
}

// sorted returns matching warnings newest first; caller holds at least RLock.
func (s *InMemoryService) sorted(match func(*Warning) bool) []Warning {
	out := make([]Warning, 0, len(s.byID))
	for _, w := range s.byID {
		if match == nil || match(w) {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (s *InMemoryService) Acknowledge(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.byID[id]
	if !ok {
		return false
	}
	w.Acknowledged = true
	return true
}

func (s *InMemoryService) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*Warning)
}

func (s *InMemoryService) ClearOlderThan(age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-age)
	for id, w := range s.byID {
		if w.Timestamp.Before(cutoff) {
			delete(s.byID, id)
		}
	}
}

// Count returns the number of stored warnings.
func (s *InMemoryService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
