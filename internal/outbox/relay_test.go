package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
)

type fakePublisher struct {
	mu      sync.Mutex
	written []kafkago.Message
	failOn  map[string]bool
}

func (p *fakePublisher) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if p.failOn[m.Topic] {
			return errors.New("broker unavailable")
		}
		p.written = append(p.written, m)
	}
	return nil
}

func (p *fakePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.written))
	for i, m := range p.written {
		out[i] = m.Topic
	}
	return out
}

func testRelay(store Store, pub *fakePublisher) *Relay {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRelay(store, pub, log, nil)
}

func TestDrainPublishesPendingInOrder(t *testing.T) {
	store := NewMemStore()
	store.Append(Pending{EventID: "e1", Topic: "order.created", Key: "o1", Payload: []byte(`{}`)})
	store.Append(Pending{EventID: "e2", Topic: "order.confirmed", Key: "o1", Payload: []byte(`{}`)})
	pub := &fakePublisher{}

	if err := testRelay(store, pub).drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	got := pub.topics()
	if len(got) != 2 || got[0] != "order.created" || got[1] != "order.confirmed" {
		t.Fatalf("published %v, want [order.created order.confirmed]", got)
	}
	if pubd := store.Published(); len(pubd) != 2 {
		t.Fatalf("%d rows marked published, want 2", len(pubd))
	}
}

func TestDrainIsEmptySafe(t *testing.T) {
	if err := testRelay(NewMemStore(), &fakePublisher{}).drain(context.Background()); err != nil {
		t.Fatalf("drain on empty store: %v", err)
	}
}

func TestDrainStopsBatchOnFailure(t *testing.T) {
	store := NewMemStore()
	store.Append(Pending{EventID: "e1", Topic: "order.created", Key: "o1", Payload: []byte(`{}`)})
	store.Append(Pending{EventID: "e2", Topic: "order.confirmed", Key: "o1", Payload: []byte(`{}`)})
	pub := &fakePublisher{failOn: map[string]bool{"order.created": true}}

	if err := testRelay(store, pub).drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// Nothing may overtake the failed first event.
	if got := pub.topics(); len(got) != 0 {
		t.Fatalf("published %v, want nothing", got)
	}
	all := store.All()
	if all[0].RetryCount != 1 || all[0].Status != StatusPending {
		t.Fatalf("failed row not recorded: %+v", all[0])
	}

	// After the broker recovers, both go out and stay ordered.
	pub.failOn = nil
	if err := testRelay(store, pub).drain(context.Background()); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	got := pub.topics()
	if len(got) != 2 || got[0] != "order.created" {
		t.Fatalf("published %v after recovery", got)
	}
}

func TestAppendDedupsOnEventID(t *testing.T) {
	store := NewMemStore()
	store.Append(Pending{EventID: "e1", Topic: "order.created", Key: "o1"})
	store.Append(Pending{EventID: "e1", Topic: "order.created", Key: "o1"})
	if n := len(store.All()); n != 1 {
		t.Fatalf("%d rows, want 1", n)
	}
}
