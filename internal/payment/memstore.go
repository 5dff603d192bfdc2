package payment

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is the in-memory intent store for BACKEND=memory and tests.
type MemStore struct {
	mu      sync.Mutex
	intents map[string]*Intent
	byKey   map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		intents: make(map[string]*Intent),
		byKey:   make(map[string]string),
	}
}

func (s *MemStore) Create(_ context.Context, in Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[in.IdempotencyKey]; ok {
		return fmt.Errorf("payment: duplicate key %s", in.IdempotencyKey)
	}
	cp := in
	s.intents[in.ID] = &cp
	s.byKey[in.IdempotencyKey] = in.ID
	return nil
}

func (s *MemStore) GetByKey(_ context.Context, idemKey string) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[idemKey]
	if !ok {
		return Intent{}, ErrNotFound
	}
	return *s.intents[id], nil
}

func (s *MemStore) GetByID(_ context.Context, intentID string) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[intentID]
	if !ok {
		return Intent{}, ErrNotFound
	}
	return *in, nil
}

func (s *MemStore) UpdateStatus(_ context.Context, intentID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[intentID]
	if !ok {
		return ErrNotFound
	}
	in.Status = status
	in.UpdatedAt = time.Now().UTC()
	return nil
}
