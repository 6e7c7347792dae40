package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"bkaudit/core"
	"bkaudit/metrics"
)

// MemoryEventStorage is the event store used when ClickHouse is disabled:
// local runs and tests. Same contract as ClickHouseEventStorage.
type MemoryEventStorage struct {
	mu     sync.RWMutex
	events []*core.Event
}

// NewMemoryEventStorage creates an empty in-memory event store.
func NewMemoryEventStorage() *MemoryEventStorage {
	return &MemoryEventStorage{}
}

// InsertEvents appends reported events.
func (s *MemoryEventStorage) InsertEvents(ctx context.Context, events []*core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.events = append(s.events, ev)
		metrics.EventsIngested.WithLabelValues(ev.SourceSystem).Inc()
	}
	return nil
}

// QueryWindow returns events in [from, to) ordered by timestamp.
func (s *MemoryEventStorage) QueryWindow(ctx context.Context, from, to time.Time) ([]*core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Event
	for _, ev := range s.events {
		if !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
