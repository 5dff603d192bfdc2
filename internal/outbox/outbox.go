// Package outbox implements the transactional outbox: events are written in
// the same database transaction as the state change that caused them, and a
// relay drains them to Kafka with at-least-once delivery.
package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	StatusPending    = "PENDING"
	StatusPublishing = "PUBLISHING"
	StatusPublished  = "PUBLISHED"
)

// Pending is an event handed to a store inside the caller's transaction.
type Pending struct {
	EventID string
	Topic   string
	Key     string
	Payload []byte
}

// Event is a persisted outbox row.
type Event struct {
	ID          int64
	EventID     string
	Topic       string
	Key         string
	Payload     []byte
	Status      string
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// Store is what the relay drains. LockBatch claims pending rows so no other
// relay instance sees them; every claimed row must end up in MarkPublished,
// MarkFailed, or Release.
type Store interface {
	LockBatch(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, cause string) error
	Release(ctx context.Context, ids []int64) error
}

// Enqueue inserts an event inside the caller's transaction. The ON CONFLICT
// guard makes replayed transitions harmless.
func Enqueue(ctx context.Context, tx pgx.Tx, p Pending) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, topic, key, payload, status)
		VALUES ($1, $2, $3, $4, 'PENDING')
		ON CONFLICT (event_id) DO NOTHING`,
		p.EventID, p.Topic, p.Key, p.Payload)
	return err
}
