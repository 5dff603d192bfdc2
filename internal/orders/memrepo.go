package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-checkout-saga/internal/outbox"
)

// MemRepo is an in-memory drop-in for Repo. BACKEND=memory runs on it and so
// do the orchestrator tests. The single mutex stands in for the row lock the
// SQL implementation takes.
type MemRepo struct {
	mu         sync.Mutex
	orders     map[string]*Order
	sagas      map[string]*Saga
	byExternal map[string]string
	events     *outbox.MemStore
}

func NewMemRepo(events *outbox.MemStore) *MemRepo {
	return &MemRepo{
		orders:     make(map[string]*Order),
		sagas:      make(map[string]*Saga),
		byExternal: make(map[string]string),
		events:     events,
	}
}

func (r *MemRepo) CreateCheckout(_ context.Context, o Order, s Saga, evs []outbox.Pending) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; ok {
		return fmt.Errorf("orders: duplicate order %s", o.ID)
	}
	if o.ExternalID != "" {
		if _, ok := r.byExternal[o.ExternalID]; ok {
			return ErrDuplicateRequest
		}
		r.byExternal[o.ExternalID] = o.ID
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	s.CreatedAt, s.UpdatedAt = now, now
	r.orders[o.ID] = &o
	r.sagas[s.OrderID] = &s
	for _, ev := range evs {
		r.events.Append(ev)
	}
	return nil
}

func (r *MemRepo) GetOrder(_ context.Context, orderID string) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return *o, nil
}

func (r *MemRepo) GetOrderByExternalID(_ context.Context, externalID string) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byExternal[externalID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return *r.orders[id], nil
}

func (r *MemRepo) Get(_ context.Context, orderID string) (Order, Saga, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return Order{}, Saga{}, ErrNotFound
	}
	s, ok := r.sagas[orderID]
	if !ok {
		return Order{}, Saga{}, ErrNotFound
	}
	return *o, *s, nil
}

func (r *MemRepo) Transition(_ context.Context, t Transition) error {
	if t.From != t.To && !CanTransition(t.From, t.To) {
		return fmt.Errorf("orders: illegal transition %s -> %s", t.From, t.To)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sagas[t.OrderID]
	if !ok {
		return ErrNotFound
	}
	if s.Step != t.From {
		return ErrConflict
	}

	s.Step = t.To
	if t.Update != nil {
		t.Update(s)
	}
	s.UpdatedAt = time.Now().UTC()

	o := r.orders[t.OrderID]
	o.Status = t.To
	if t.PaymentStatus != "" {
		o.PaymentStatus = t.PaymentStatus
	}
	o.UpdatedAt = s.UpdatedAt

	for _, ev := range t.Events {
		r.events.Append(ev)
	}
	return nil
}

func (r *MemRepo) ListRunning(_ context.Context, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.sagas {
		if len(ids) == limit {
			break
		}
		if IsTerminal(s.Step) {
			continue
		}
		if s.Step == StatusConfirmed && s.ReservationCommitted {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
