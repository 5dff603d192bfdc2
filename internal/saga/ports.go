// Package saga drives an order from CREATED to a terminal state, one durable
// transition at a time, compensating on failure.
package saga

import (
	"context"

	"github.com/ariefcatur/go-checkout-saga/internal/orders"
	"github.com/ariefcatur/go-checkout-saga/internal/outbox"
)

// Store persists orders and saga cursors. Transition must apply the status
// move, the saga mutation, and the events atomically, and must return
// orders.ErrConflict when the stored step no longer matches From.
type Store interface {
	CreateCheckout(ctx context.Context, o orders.Order, s orders.Saga, evs []outbox.Pending) error
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	GetOrderByExternalID(ctx context.Context, externalID string) (orders.Order, error)
	Get(ctx context.Context, orderID string) (orders.Order, orders.Saga, error)
	Transition(ctx context.Context, t orders.Transition) error
	ListRunning(ctx context.Context, limit int) ([]string, error)
}
