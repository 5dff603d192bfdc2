// Package inventory holds hard reservations against per-variant stock.
// Reserving never oversells: for every variant, 0 <= reserved <= stock, and a
// multi-line reserve either holds every line or none.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-checkout-saga/internal/orders"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotFound          = errors.New("reservation not found")
	// ErrInvalidState means the reservation is in a state the requested
	// operation cannot act on, e.g. releasing a committed reservation.
	ErrInvalidState = errors.New("reservation in invalid state")
)

const (
	StateHeld      = "HELD"
	StateCommitted = "COMMITTED"
	StateReleased  = "RELEASED"
	StateExpired   = "EXPIRED"
)

// Shortage names one line that could not be held.
type Shortage struct {
	ProductID string
	VariantID string
	Requested int
	Available int
}

// ShortageError wraps ErrInsufficientStock with the lines that fell short.
type ShortageError struct {
	Lines []Shortage
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("insufficient stock for %d line(s)", len(e.Lines))
}

func (e *ShortageError) Unwrap() error { return ErrInsufficientStock }

// Engine is the reservation surface the orchestrator drives. All three
// operations are idempotent: Reserve keyed by idemKey, Commit and Release by
// reservation state.
type Engine interface {
	Reserve(ctx context.Context, orderID string, items []orders.LineItem, idemKey string) (string, error)
	Commit(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID, reason string) error
}
