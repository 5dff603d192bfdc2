package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-checkout-saga/internal/outbox"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrConflict means the saga moved while the caller was deciding; reload
	// and decide again.
	ErrConflict = errors.New("saga step conflict")
	// ErrDuplicateRequest means another checkout with the same external id
	// already exists; callers should load and return that order.
	ErrDuplicateRequest = errors.New("duplicate checkout request")
)

// Transition describes one atomic saga step: the status move, an optional
// saga mutation, and the events that must be persisted with it or not at all.
type Transition struct {
	OrderID       string
	From, To      Status
	PaymentStatus string
	Update        func(*Saga)
	Events        []outbox.Pending
}

type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// CreateCheckout persists the order, its lines, the saga row, and the
// order.created event in one transaction. Creation is idempotent on the
// order's external id: the unique index rejects a concurrent duplicate and
// the caller gets ErrDuplicateRequest instead of a second order.
func (r *Repo) CreateCheckout(ctx context.Context, o Order, s Saga, evs []outbox.Pending) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("orders: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, external_id, user_id, total_cents, currency, status, payment_status,
			payment_method, ship_name, ship_line1, ship_city, ship_postal_code, ship_country)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.ExternalID, o.UserID, o.TotalCents, o.Currency, o.Status, o.PaymentStatus,
		o.PaymentMethod, o.ShipTo.FullName, o.ShipTo.Line1, o.ShipTo.City,
		o.ShipTo.PostalCode, o.ShipTo.Country)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrDuplicateRequest
		}
		return fmt.Errorf("orders: insert order: %w", err)
	}

	for _, li := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, variant_id, qty, unit_price_cents)
			VALUES ($1, $2, $3, $4, $5)`,
			o.ID, li.ProductID, li.VariantID, li.Qty, li.UnitPriceCents)
		if err != nil {
			return fmt.Errorf("orders: insert item: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sagas (order_id, step, reserve_key, payment_key)
		VALUES ($1, $2, $3, $4)`,
		s.OrderID, s.Step, s.ReserveKey, s.PaymentKey)
	if err != nil {
		return fmt.Errorf("orders: insert saga: %w", err)
	}

	for _, ev := range evs {
		if err := outbox.Enqueue(ctx, tx, ev); err != nil {
			return fmt.Errorf("orders: enqueue event: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var o Order
	err := r.pool.QueryRow(ctx, `
		SELECT id, external_id, user_id, total_cents, currency, status, payment_status, payment_method,
			ship_name, ship_line1, ship_city, ship_postal_code, ship_country,
			created_at, updated_at
		FROM orders WHERE id = $1`, orderID).Scan(
		&o.ID, &o.ExternalID, &o.UserID, &o.TotalCents, &o.Currency, &o.Status, &o.PaymentStatus,
		&o.PaymentMethod, &o.ShipTo.FullName, &o.ShipTo.Line1, &o.ShipTo.City,
		&o.ShipTo.PostalCode, &o.ShipTo.Country, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("orders: get order: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT product_id, variant_id, qty, unit_price_cents
		FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return Order{}, fmt.Errorf("orders: get items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var li LineItem
		if err := rows.Scan(&li.ProductID, &li.VariantID, &li.Qty, &li.UnitPriceCents); err != nil {
			return Order{}, fmt.Errorf("orders: scan item: %w", err)
		}
		o.Items = append(o.Items, li)
	}
	return o, rows.Err()
}

// GetOrderByExternalID resolves a client request id to the order it already
// created, if any.
func (r *Repo) GetOrderByExternalID(ctx context.Context, externalID string) (Order, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		SELECT id FROM orders WHERE external_id = $1`, externalID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("orders: get by external id: %w", err)
	}
	return r.GetOrder(ctx, id)
}

func (r *Repo) Get(ctx context.Context, orderID string) (Order, Saga, error) {
	o, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, Saga{}, err
	}
	var s Saga
	err = r.pool.QueryRow(ctx, `
		SELECT order_id, step, reserve_key, payment_key, reservation_id, payment_intent_id,
			reservation_committed, payment_deadline, attempts, last_error, created_at, updated_at
		FROM sagas WHERE order_id = $1`, orderID).Scan(
		&s.OrderID, &s.Step, &s.ReserveKey, &s.PaymentKey, &s.ReservationID,
		&s.PaymentIntentID, &s.ReservationCommitted, &s.PaymentDeadline,
		&s.Attempts, &s.LastError, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, Saga{}, ErrNotFound
	}
	if err != nil {
		return Order{}, Saga{}, fmt.Errorf("orders: get saga: %w", err)
	}
	return o, s, nil
}

// Transition applies one saga step atomically. The saga row is locked first
// and the expected step re-checked under the lock, so two workers racing on
// the same order cannot both win.
func (r *Repo) Transition(ctx context.Context, t Transition) error {
	if t.From != t.To && !CanTransition(t.From, t.To) {
		return fmt.Errorf("orders: illegal transition %s -> %s", t.From, t.To)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("orders: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var s Saga
	err = tx.QueryRow(ctx, `
		SELECT order_id, step, reserve_key, payment_key, reservation_id, payment_intent_id,
			reservation_committed, payment_deadline, attempts, last_error
		FROM sagas WHERE order_id = $1 FOR UPDATE`, t.OrderID).Scan(
		&s.OrderID, &s.Step, &s.ReserveKey, &s.PaymentKey, &s.ReservationID,
		&s.PaymentIntentID, &s.ReservationCommitted, &s.PaymentDeadline,
		&s.Attempts, &s.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("orders: lock saga: %w", err)
	}
	if s.Step != t.From {
		return ErrConflict
	}

	s.Step = t.To
	if t.Update != nil {
		t.Update(&s)
	}

	_, err = tx.Exec(ctx, `
		UPDATE sagas SET step = $2, reservation_id = $3, payment_intent_id = $4,
			reservation_committed = $5, payment_deadline = $6, attempts = $7,
			last_error = $8, updated_at = now()
		WHERE order_id = $1`,
		s.OrderID, s.Step, s.ReservationID, s.PaymentIntentID,
		s.ReservationCommitted, s.PaymentDeadline, s.Attempts, s.LastError)
	if err != nil {
		return fmt.Errorf("orders: update saga: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders SET status = $2,
			payment_status = COALESCE(NULLIF($3, ''), payment_status),
			updated_at = now()
		WHERE id = $1`, t.OrderID, t.To, t.PaymentStatus)
	if err != nil {
		return fmt.Errorf("orders: update order: %w", err)
	}

	for _, ev := range t.Events {
		if err := outbox.Enqueue(ctx, tx, ev); err != nil {
			return fmt.Errorf("orders: enqueue event: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ListRunning returns orders whose saga still needs the orchestrator: any
// non-terminal step, plus CONFIRMED sagas whose reservation commit has not
// landed yet.
func (r *Repo) ListRunning(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT order_id FROM sagas
		WHERE step NOT IN ('FAILED', 'CANCELLED', 'REFUNDED')
		  AND NOT (step = 'CONFIRMED' AND reservation_committed)
		ORDER BY updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("orders: list running: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("orders: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
