package webhooks

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps subscriptions in memory. Callers always receive copies.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sub), nil
}

func (m *MemoryStore) ListByCaregiver(_ context.Context, caregiverID string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.CaregiverID == caregiverID }), nil
}

func (m *MemoryStore) ListByPatient(_ context.Context, patientID string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.PatientID == patientID }), nil
}

func (m *MemoryStore) RecordSuccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	cur.LastSuccess = &at
	cur.LastError = ""
	cur.ConsecutiveFailures = 0
	return nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, id, lastError string, deactivateAfter int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[id]
	if !ok {
		return 0, false, ErrNotFound
	}
	cur.LastError = lastError
	cur.ConsecutiveFailures++
	if cur.ConsecutiveFailures >= deactivateAfter {
		cur.Active = false
	}
	return cur.ConsecutiveFailures, cur.Active, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

// filter returns matching subscriptions, newest first.
func (m *MemoryStore) filter(match func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, s := range m.subs {
		if match(s) {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func clone(s *Subscription) *Subscription {
	c := *s
	c.Events = slices.Clone(s.Events)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}
