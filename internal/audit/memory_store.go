package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory security event store for demo/development mode.
type MemoryStore struct {
	events map[string][]*SecurityEvent // by subject ID, append order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory security event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]*SecurityEvent),
	}
}

func (m *MemoryStore) Record(_ context.Context, event *SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneEvent(event)
	m.events[event.SubjectID] = append(m.events[event.SubjectID], cp)
	return nil
}

func (m *MemoryStore) QueryRecent(_ context.Context, subjectID string, limit int) ([]*SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SecurityEvent
	for _, e := range m.events[subjectID] {
		result = append(result, cloneEvent(e))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].OccurredAt.After(result[j].OccurredAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) QueryWindow(_ context.Context, subjectID string, since time.Time) ([]*SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SecurityEvent
	for _, e := range m.events[subjectID] {
		if !e.OccurredAt.Before(since) {
			result = append(result, cloneEvent(e))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].OccurredAt.After(result[j].OccurredAt)
	})

	return result, nil
}

func cloneEvent(e *SecurityEvent) *SecurityEvent {
	cp := *e
	if e.Detail != nil {
		cp.Detail = make(map[string]string, len(e.Detail))
		for k, v := range e.Detail {
			cp.Detail[k] = v
		}
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
