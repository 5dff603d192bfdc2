package outbox

import (
	"context"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-checkout-saga/internal/kafka"
	"github.com/ariefcatur/go-checkout-saga/internal/metrics"
)

// Relay polls for pending rows and pushes them to Kafka. Rows are marked
// published only after the broker acks, so delivery is at-least-once and
// consumers must dedup on event_id.
type Relay struct {
	store    Store
	pub      kafka.Publisher
	log      *slog.Logger
	met      *metrics.Metrics
	interval time.Duration
	batch    int
}

func NewRelay(store Store, pub kafka.Publisher, log *slog.Logger, met *metrics.Metrics) *Relay {
	return &Relay{
		store:    store,
		pub:      pub,
		log:      log,
		met:      met,
		interval: time.Second,
		batch:    100,
	}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.drain(ctx); err != nil {
				r.log.ErrorContext(ctx, "outbox drain failed", "error", err)
			}
		}
	}
}

func (r *Relay) drain(ctx context.Context) error {
	for {
		events, err := r.store.LockBatch(ctx, r.batch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		var done []int64
		for i, ev := range events {
			msg := kafkago.Message{
				Topic: ev.Topic,
				Key:   []byte(ev.Key),
				Value: ev.Payload,
			}
			if err := r.pub.WriteMessages(ctx, msg); err != nil {
				r.met.PublishFailed()
				r.log.ErrorContext(ctx, "publish failed",
					"event_id", ev.EventID, "topic", ev.Topic, "error", err)
				if mfErr := r.store.MarkFailed(ctx, ev.ID, err.Error()); mfErr != nil {
					r.log.ErrorContext(ctx, "mark failed errored", "error", mfErr)
				}
				// Keep per-key ordering: stop at the first failure so a later
				// event for the same order cannot overtake it, and hand the
				// untouched remainder back.
				var rest []int64
				for _, left := range events[i+1:] {
					rest = append(rest, left.ID)
				}
				if rlErr := r.store.Release(ctx, rest); rlErr != nil {
					r.log.ErrorContext(ctx, "release batch errored", "error", rlErr)
				}
				break
			}
			done = append(done, ev.ID)
		}

		if err := r.store.MarkPublished(ctx, done); err != nil {
			return err
		}
		r.met.Published(len(done))
		if len(done) < len(events) {
			return nil
		}
	}
}
