package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-checkout-saga/internal/orders"
	"github.com/ariefcatur/go-checkout-saga/internal/outbox"
)

// PGEngine enforces the no-oversell invariant with row locks: every reserve
// takes SELECT ... FOR UPDATE on each (product, variant) row before touching
// counters, so concurrent reserves for the last unit serialize.
type PGEngine struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewPGEngine(pool *pgxpool.Pool, ttl time.Duration) *PGEngine {
	return &PGEngine{pool: pool, ttl: ttl}
}

func (e *PGEngine) Reserve(ctx context.Context, orderID string, items []orders.LineItem, idemKey string) (string, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("inventory: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Replays of the same key return the original hold without touching stock.
	var existing string
	err = tx.QueryRow(ctx,
		`SELECT id FROM reservations WHERE idem_key = $1`, idemKey).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("inventory: lookup key: %w", err)
	}

	// Lock variant rows in a fixed order so two multi-line reserves cannot
	// deadlock each other.
	sorted := make([]orders.LineItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ProductID != sorted[j].ProductID {
			return sorted[i].ProductID < sorted[j].ProductID
		}
		return sorted[i].VariantID < sorted[j].VariantID
	})

	var short []Shortage
	for _, li := range sorted {
		var stock, reserved int
		err = tx.QueryRow(ctx, `
			SELECT stock, reserved FROM inventory
			WHERE product_id = $1 AND variant_id = $2
			FOR UPDATE`, li.ProductID, li.VariantID).Scan(&stock, &reserved)
		if errors.Is(err, pgx.ErrNoRows) {
			short = append(short, Shortage{li.ProductID, li.VariantID, li.Qty, 0})
			continue
		}
		if err != nil {
			return "", fmt.Errorf("inventory: lock variant: %w", err)
		}
		if available := stock - reserved; available < li.Qty {
			short = append(short, Shortage{li.ProductID, li.VariantID, li.Qty, available})
		}
	}
	if len(short) > 0 {
		return "", &ShortageError{Lines: short}
	}

	id := uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO reservations (id, order_id, idem_key, state, expires_at)
		VALUES ($1, $2, $3, 'HELD', $4)`,
		id, orderID, idemKey, time.Now().UTC().Add(e.ttl))
	if err != nil {
		return "", fmt.Errorf("inventory: insert reservation: %w", err)
	}
	for _, li := range sorted {
		_, err = tx.Exec(ctx, `
			INSERT INTO reservation_items (reservation_id, product_id, variant_id, qty)
			VALUES ($1, $2, $3, $4)`, id, li.ProductID, li.VariantID, li.Qty)
		if err != nil {
			return "", fmt.Errorf("inventory: insert reservation item: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE inventory SET reserved = reserved + $3
			WHERE product_id = $1 AND variant_id = $2`,
			li.ProductID, li.VariantID, li.Qty)
		if err != nil {
			return "", fmt.Errorf("inventory: bump reserved: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("inventory: commit reserve: %w", err)
	}
	return id, nil
}

func (e *PGEngine) Commit(ctx context.Context, reservationID string) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("inventory: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	state, items, _, err := e.lock(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	switch state {
	case StateCommitted:
		return nil
	case StateHeld:
	default:
		return fmt.Errorf("inventory: commit %s reservation: %w", state, ErrInvalidState)
	}

	for _, li := range items {
		_, err = tx.Exec(ctx, `
			UPDATE inventory SET stock = stock - $3, reserved = reserved - $3
			WHERE product_id = $1 AND variant_id = $2`,
			li.ProductID, li.VariantID, li.Qty)
		if err != nil {
			return fmt.Errorf("inventory: decrement stock: %w", err)
		}
	}
	_, err = tx.Exec(ctx,
		`UPDATE reservations SET state = 'COMMITTED', updated_at = now() WHERE id = $1`,
		reservationID)
	if err != nil {
		return fmt.Errorf("inventory: mark committed: %w", err)
	}
	return tx.Commit(ctx)
}

func (e *PGEngine) Release(ctx context.Context, reservationID, reason string) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("inventory: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	state, items, orderID, err := e.lock(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	switch state {
	case StateReleased, StateExpired:
		return nil
	case StateHeld:
	default:
		return fmt.Errorf("inventory: release %s reservation: %w", state, ErrInvalidState)
	}

	if err := releaseHeld(ctx, tx, reservationID, orderID, items, reason, StateReleased); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// lock fetches the reservation row FOR UPDATE together with its lines.
func (e *PGEngine) lock(ctx context.Context, tx pgx.Tx, reservationID string) (string, []orders.LineItem, string, error) {
	var state, orderID string
	err := tx.QueryRow(ctx,
		`SELECT state, order_id FROM reservations WHERE id = $1 FOR UPDATE`,
		reservationID).Scan(&state, &orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, "", ErrNotFound
	}
	if err != nil {
		return "", nil, "", fmt.Errorf("inventory: lock reservation: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT product_id, variant_id, qty FROM reservation_items
		WHERE reservation_id = $1
		ORDER BY product_id, variant_id`, reservationID)
	if err != nil {
		return "", nil, "", fmt.Errorf("inventory: load items: %w", err)
	}
	defer rows.Close()

	var items []orders.LineItem
	for rows.Next() {
		var li orders.LineItem
		if err := rows.Scan(&li.ProductID, &li.VariantID, &li.Qty); err != nil {
			return "", nil, "", fmt.Errorf("inventory: scan item: %w", err)
		}
		items = append(items, li)
	}
	return state, items, orderID, rows.Err()
}

// releaseHeld returns held units to the pool and records the release event in
// the same transaction.
func releaseHeld(ctx context.Context, tx pgx.Tx, reservationID, orderID string, items []orders.LineItem, reason, state string) error {
	for _, li := range items {
		_, err := tx.Exec(ctx, `
			UPDATE inventory SET reserved = reserved - $3
			WHERE product_id = $1 AND variant_id = $2`,
			li.ProductID, li.VariantID, li.Qty)
		if err != nil {
			return fmt.Errorf("inventory: restore reserved: %w", err)
		}
	}
	_, err := tx.Exec(ctx,
		`UPDATE reservations SET state = $2, updated_at = now() WHERE id = $1`,
		reservationID, state)
	if err != nil {
		return fmt.Errorf("inventory: mark released: %w", err)
	}

	env := orders.NewEnvelope(orders.EventInventoryReleased, orderID, orders.InventoryReleasedPayload{
		OrderID:       orderID,
		ReservationID: reservationID,
		Items:         items,
		Reason:        reason,
	})
	if err := outbox.Enqueue(ctx, tx, orders.ToPending(env)); err != nil {
		return fmt.Errorf("inventory: enqueue release event: %w", err)
	}
	return nil
}

// SweepExpired releases holds whose TTL elapsed. SKIP LOCKED keeps the
// sweeper from blocking behind an in-flight commit for the same reservation.
func (e *PGEngine) SweepExpired(ctx context.Context) (int, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("inventory: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, order_id FROM reservations
		WHERE state = 'HELD' AND expires_at < now()
		ORDER BY expires_at
		LIMIT 100
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return 0, fmt.Errorf("inventory: find expired: %w", err)
	}
	type hit struct{ id, orderID string }
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.orderID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("inventory: scan expired: %w", err)
		}
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, h := range hits {
		irows, err := tx.Query(ctx, `
			SELECT product_id, variant_id, qty FROM reservation_items
			WHERE reservation_id = $1`, h.id)
		if err != nil {
			return 0, fmt.Errorf("inventory: load expired items: %w", err)
		}
		var items []orders.LineItem
		for irows.Next() {
			var li orders.LineItem
			if err := irows.Scan(&li.ProductID, &li.VariantID, &li.Qty); err != nil {
				irows.Close()
				return 0, fmt.Errorf("inventory: scan expired item: %w", err)
			}
			items = append(items, li)
		}
		irows.Close()
		if err := irows.Err(); err != nil {
			return 0, err
		}
		if err := releaseHeld(ctx, tx, h.id, h.orderID, items, "expired", StateExpired); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("inventory: commit sweep: %w", err)
	}
	return len(hits), nil
}
