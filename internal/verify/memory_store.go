package verify

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory attempt store. Attempts are working state with
// no durability requirement, so this is the production store as well as the
// test store; the audit trail carries the durable record.
type MemoryStore struct {
	attempts map[string]*Attempt
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory attempt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string]*Attempt),
	}
}

func (m *MemoryStore) Create(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ID] = cloneAttempt(a)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return cloneAttempt(a), nil
}

func (m *MemoryStore) Update(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[a.ID]; !ok {
		return ErrAttemptNotFound
	}
	m.attempts[a.ID] = cloneAttempt(a)
	return nil
}

func cloneAttempt(a *Attempt) *Attempt {
	cp := *a
	if a.ThreatTags != nil {
		cp.ThreatTags = append(cp.ThreatTags[:0:0], a.ThreatTags...)
	}
	if a.Assessments != nil {
		cp.Assessments = append(cp.Assessments[:0:0], a.Assessments...)
	}
	if a.Signal != nil {
		sig := *a.Signal
		cp.Signal = &sig
	}
	if a.DecidedAt != nil {
		ts := *a.DecidedAt
		cp.DecidedAt = &ts
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
