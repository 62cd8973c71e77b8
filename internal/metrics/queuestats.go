package metrics

import (
	"sync"
	"time"
)

// QueueSnapshot is a point-in-time view of one consumed queue.
type QueueSnapshot struct {
	QueueName     string `json:"queueName"`
	QueueType     string `json:"queueType"`
	Connections   int    `json:"connections"`
	Received      int64  `json:"received"`
	Routed        int64  `json:"routed"`
	Duplicates    int64  `json:"duplicates"`
	Rejected      int64  `json:"rejected"`
	ParseFailures int64  `json:"parseFailures"`
	PollErrors    int64  `json:"pollErrors"`
	LastReceived  string `json:"lastReceived,omitempty"`
}

// QueueStatsService accumulates per-queue counters for the monitoring API.
type QueueStatsService interface {
	RecordReceived(queueName string)
	RecordRouted(queueName string)
	RecordDuplicate(queueName string)
	RecordRejected(queueName string)
	RecordParseFailure(queueName string)
	RecordPollError(queueName string)
	Register(queueName, queueType string, connections int)
	SnapshotAll() []QueueSnapshot
	Remove(queueName string)
}

type queueStats struct {
	mu sync.Mutex

	name        string
	queueType   string
	connections int

	received      int64
	routed        int64
	duplicates    int64
	rejected      int64
	parseFailures int64
	pollErrors    int64
	lastReceived  time.Time
}

// InMemoryQueueStats is the default QueueStatsService.
type InMemoryQueueStats struct {
	mu     sync.RWMutex
	queues map[string]*queueStats
}

func NewInMemoryQueueStats() *InMemoryQueueStats {
	return &InMemoryQueueStats{queues: make(map[string]*queueStats)}
}

func (s *InMemoryQueueStats) get(name string) *queueStats {
	s.mu.RLock()
	q, ok := s.queues[name]
	s.mu.RUnlock()
	if ok {
		return q
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok = s.queues[name]; ok {
		return q
	}
	q = &queueStats{name: name}
	s.queues[name] = q
	return q
}

func (s *InMemoryQueueStats) Register(queueName, queueType string, connections int) {
	q := s.get(queueName)
	q.mu.Lock()
	q.queueType = queueType
	q.connections = connections
	q.mu.Unlock()
}

func (s *InMemoryQueueStats) RecordReceived(queueName string) {
	q := s.get(queueName)
	q.mu.Lock()
	q.received++
	q.lastReceived = time.Now()
	q.mu.Unlock()
}

func (s *InMemoryQueueStats) RecordRouted(queueName string) {
	q := s.get(queueName)
	q.mu.Lock()
	q.routed++
	q.mu.Unlock()
}

func (s *InMemoryQueueStats) RecordDuplicate(queueName string) {
	q := s.get(queueName)
	q.mu.Lock()
	q.duplicates++
	q.mu.Unlock()
}

func (s *InMemoryQueueStats) RecordRejected(queueName string) {
	q := s.get(queueName)
	q.mu.Lock()
	q.rejected++
	q.mu.Unlock()
}

func (s *InMemoryQueueStats) RecordParseFailure(queueName string) {
	q := s.get(queueName)
	q.mu.Lock()
	q.parseFailures++
	q.mu.Unlock()
}

func (s *InMemoryQueueStats) RecordPollError(queueName string) {
	q := s.get(queueName)
	q.mu.Lock()
	q.pollErrors++
	q.mu.Unlock()
}

func (s *InMemoryQueueStats) SnapshotAll() []QueueSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]QueueSnapshot, 0, len(s.queues))
	for _, q := range s.queues {
		q.mu.Lock()
		snap := QueueSnapshot{
			QueueName:     q.name,
			QueueType:     q.queueType,
			Connections:   q.connections,
			Received:      q.received,
			Routed:        q.routed,
			Duplicates:    q.duplicates,
			Rejected:      q.rejected,
			ParseFailures: q.parseFailures,
			PollErrors:    q.pollErrors,
		}
		if !q.lastReceived.IsZero() {
			snap.LastReceived = q.lastReceived.Format(time.RFC3339)
		}
		q.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

func (s *InMemoryQueueStats) Remove(queueName string) {
	s.mu.Lock()
	delete(s.queues, queueName)
	s.mu.Unlock()
}
