package outbox

import (
	"context"
	"sync"
	"time"
)

// MemStore keeps outbox rows in memory. It backs the in-memory backend and
// the relay tests; the relay cannot tell it apart from PGStore.
type MemStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []*Event
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

// Append records a pending event. Callers invoke it under whatever lock
// guards the state change, mirroring the single-transaction guarantee.
func (s *MemStore) Append(p Pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.EventID == p.EventID {
			return
		}
	}
	s.nextID++
	s.rows = append(s.rows, &Event{
		ID:        s.nextID,
		EventID:   p.EventID,
		Topic:     p.Topic,
		Key:       p.Key,
		Payload:   p.Payload,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *MemStore) LockBatch(_ context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, r := range s.rows {
		if len(out) == limit {
			break
		}
		if r.Status != StatusPending {
			continue
		}
		r.Status = StatusPublishing
		out = append(out, *r)
	}
	return out, nil
}

func (s *MemStore) MarkPublished(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range ids {
		for _, r := range s.rows {
			if r.ID == id {
				r.Status = StatusPublished
				r.PublishedAt = &now
			}
		}
	}
	return nil
}

func (s *MemStore) MarkFailed(_ context.Context, id int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID == id {
			r.Status = StatusPending
			r.RetryCount++
			r.LastError = cause
		}
	}
	return nil
}

func (s *MemStore) Release(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		for _, r := range s.rows {
			if r.ID == id && r.Status == StatusPublishing {
				r.Status = StatusPending
			}
		}
	}
	return nil
}

// All returns a copy of every row in insertion order, for tests.
func (s *MemStore) All() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, *r)
	}
	return out
}

// Published returns the topics of published rows in publish order, for tests.
func (s *MemStore) Published() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.rows {
		if r.Status == StatusPublished {
			out = append(out, r.Topic)
		}
	}
	return out
}
