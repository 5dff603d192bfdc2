package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Create(ctx context.Context, in Intent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_intents (id, order_id, amount_cents, currency, method, status, idem_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.ID, in.OrderID, in.AmountCents, in.Currency, in.Method, in.Status, in.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("payment: insert intent: %w", err)
	}
	return nil
}

func (s *PGStore) GetByKey(ctx context.Context, idemKey string) (Intent, error) {
	return s.get(ctx, `WHERE idem_key = $1`, idemKey)
}

func (s *PGStore) GetByID(ctx context.Context, intentID string) (Intent, error) {
	return s.get(ctx, `WHERE id = $1`, intentID)
}

func (s *PGStore) get(ctx context.Context, where, arg string) (Intent, error) {
	var in Intent
	err := s.pool.QueryRow(ctx, `
		SELECT id, order_id, amount_cents, currency, method, status, idem_key, created_at, updated_at
		FROM payment_intents `+where, arg).Scan(
		&in.ID, &in.OrderID, &in.AmountCents, &in.Currency, &in.Method,
		&in.Status, &in.IdempotencyKey, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Intent{}, ErrNotFound
	}
	if err != nil {
		return Intent{}, fmt.Errorf("payment: get intent: %w", err)
	}
	return in, nil
}

func (s *PGStore) UpdateStatus(ctx context.Context, intentID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payment_intents SET status = $2, updated_at = now() WHERE id = $1`,
		intentID, status)
	if err != nil {
		return fmt.Errorf("payment: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
