package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore drains the outbox table. Claiming flips rows to PUBLISHING so
// concurrent relay replicas never pick the same row; SKIP LOCKED keeps the
// claim itself contention-free. Rows stuck in PUBLISHING (a relay died mid
// batch) are re-claimed after a minute.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) LockBatch(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM outbox_events
			WHERE status = 'PENDING'
			   OR (status = 'PUBLISHING' AND claimed_at < now() - interval '1 minute')
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o
		SET status = 'PUBLISHING', claimed_at = now()
		FROM picked
		WHERE o.id = picked.id
		RETURNING o.id, o.event_id, o.topic, o.key, o.payload, o.status, o.retry_count, o.created_at`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: lock batch: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Topic, &ev.Key, &ev.Payload, &ev.Status, &ev.RetryCount, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan row: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PUBLISHED', published_at = now()
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("outbox: mark published: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id int64, cause string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PENDING', retry_count = retry_count + 1, last_error = $2
		WHERE id = $1`, id, cause)
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

func (s *PGStore) Release(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PENDING'
		WHERE id = ANY($1) AND status = 'PUBLISHING'`, ids)
	if err != nil {
		return fmt.Errorf("outbox: release batch: %w", err)
	}
	return nil
}
