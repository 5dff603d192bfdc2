package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-checkout-saga/internal/orders"
	"github.com/ariefcatur/go-checkout-saga/internal/outbox"
)

type variantKey struct {
	productID string
	variantID string
}

type counters struct {
	stock    int
	reserved int
}

type memReservation struct {
	id        string
	orderID   string
	state     string
	items     []orders.LineItem
	expiresAt time.Time
}

// MemEngine is the in-memory Engine used by BACKEND=memory and the tests.
// One mutex covers every counter, which is exactly the serialization the row
// locks give the SQL engine.
type MemEngine struct {
	mu           sync.Mutex
	stock        map[variantKey]*counters
	reservations map[string]*memReservation
	byKey        map[string]string
	ttl          time.Duration
	events       *outbox.MemStore
	now          func() time.Time
}

func NewMemEngine(ttl time.Duration, events *outbox.MemStore) *MemEngine {
	return &MemEngine{
		stock:        make(map[variantKey]*counters),
		reservations: make(map[string]*memReservation),
		byKey:        make(map[string]string),
		ttl:          ttl,
		events:       events,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Seed sets the stock level for a variant.
func (e *MemEngine) Seed(productID, variantID string, stock int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stock[variantKey{productID, variantID}] = &counters{stock: stock}
}

// Levels reports (stock, reserved) for a variant.
func (e *MemEngine) Levels(productID, variantID string) (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.stock[variantKey{productID, variantID}]
	if !ok {
		return 0, 0
	}
	return c.stock, c.reserved
}

func (e *MemEngine) Reserve(_ context.Context, orderID string, items []orders.LineItem, idemKey string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byKey[idemKey]; ok {
		return id, nil
	}

	var short []Shortage
	for _, li := range items {
		c, ok := e.stock[variantKey{li.ProductID, li.VariantID}]
		if !ok {
			short = append(short, Shortage{li.ProductID, li.VariantID, li.Qty, 0})
			continue
		}
		if available := c.stock - c.reserved; available < li.Qty {
			short = append(short, Shortage{li.ProductID, li.VariantID, li.Qty, available})
		}
	}
	if len(short) > 0 {
		return "", &ShortageError{Lines: short}
	}

	for _, li := range items {
		e.stock[variantKey{li.ProductID, li.VariantID}].reserved += li.Qty
	}
	id := uuid.NewString()
	e.reservations[id] = &memReservation{
		id:        id,
		orderID:   orderID,
		state:     StateHeld,
		items:     append([]orders.LineItem(nil), items...),
		expiresAt: e.now().Add(e.ttl),
	}
	e.byKey[idemKey] = id
	return id, nil
}

func (e *MemEngine) Commit(_ context.Context, reservationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.reservations[reservationID]
	if !ok {
		return ErrNotFound
	}
	switch res.state {
	case StateCommitted:
		return nil
	case StateHeld:
	default:
		return fmt.Errorf("inventory: commit %s reservation: %w", res.state, ErrInvalidState)
	}

	for _, li := range res.items {
		c := e.stock[variantKey{li.ProductID, li.VariantID}]
		c.stock -= li.Qty
		c.reserved -= li.Qty
	}
	res.state = StateCommitted
	return nil
}

func (e *MemEngine) Release(_ context.Context, reservationID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseLocked(reservationID, reason, StateReleased)
}

func (e *MemEngine) releaseLocked(reservationID, reason, state string) error {
	res, ok := e.reservations[reservationID]
	if !ok {
		return ErrNotFound
	}
	switch res.state {
	case StateReleased, StateExpired:
		return nil
	case StateHeld:
	default:
		return fmt.Errorf("inventory: release %s reservation: %w", res.state, ErrInvalidState)
	}

	for _, li := range res.items {
		e.stock[variantKey{li.ProductID, li.VariantID}].reserved -= li.Qty
	}
	res.state = state

	if e.events != nil {
		env := orders.NewEnvelope(orders.EventInventoryReleased, res.orderID, orders.InventoryReleasedPayload{
			OrderID:       res.orderID,
			ReservationID: res.id,
			Items:         res.items,
			Reason:        reason,
		})
		e.events.Append(orders.ToPending(env))
	}
	return nil
}

func (e *MemEngine) SweepExpired(_ context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	n := 0
	for id, res := range e.reservations {
		if res.state != StateHeld || res.expiresAt.After(now) {
			continue
		}
		if err := e.releaseLocked(id, "expired", StateExpired); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
