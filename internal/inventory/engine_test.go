package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-checkout-saga/internal/orders"
	"github.com/ariefcatur/go-checkout-saga/internal/outbox"
)

func newEngine(t *testing.T) (*MemEngine, *outbox.MemStore) {
	t.Helper()
	events := outbox.NewMemStore()
	e := NewMemEngine(time.Minute, events)
	e.Seed("p1", "v1", 5)
	e.Seed("p2", "v1", 3)
	return e, events
}

func line(product, variant string, qty int) orders.LineItem {
	return orders.LineItem{ProductID: product, VariantID: variant, Qty: qty}
}

func TestReserveHoldsStock(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	id, err := e.Reserve(ctx, "o1", []orders.LineItem{line("p1", "v1", 2)}, "key-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if id == "" {
		t.Fatal("reserve returned empty id")
	}
	if stock, reserved := e.Levels("p1", "v1"); stock != 5 || reserved != 2 {
		t.Fatalf("levels = (%d, %d), want (5, 2)", stock, reserved)
	}
}

func TestReserveIsIdempotent(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	first, err := e.Reserve(ctx, "o1", []orders.LineItem{line("p1", "v1", 2)}, "key-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	second, err := e.Reserve(ctx, "o1", []orders.LineItem{line("p1", "v1", 2)}, "key-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first != second {
		t.Fatalf("replay returned %s, want %s", second, first)
	}
	if _, reserved := e.Levels("p1", "v1"); reserved != 2 {
		t.Fatalf("reserved = %d after replay, want 2", reserved)
	}
}

func TestReserveAllOrNothing(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.Reserve(ctx, "o1", []orders.LineItem{
		line("p1", "v1", 2),
		line("p2", "v1", 99),
	}, "key-1")
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}

	var short *ShortageError
	if !errors.As(err, &short) {
		t.Fatalf("err is not a ShortageError: %v", err)
	}
	if len(short.Lines) != 1 || short.Lines[0].ProductID != "p2" || short.Lines[0].Available != 3 {
		t.Fatalf("unexpected shortage detail: %+v", short.Lines)
	}

	// The satisfiable line must not be held either.
	if _, reserved := e.Levels("p1", "v1"); reserved != 0 {
		t.Fatalf("reserved = %d after failed reserve, want 0", reserved)
	}
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	events := outbox.NewMemStore()
	e := NewMemEngine(time.Minute, events)
	e.Seed("hot", "v1", 10)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", n)
			_, err := e.Reserve(ctx, "o", []orders.LineItem{line("hot", "v1", 3)}, key)
			if err == nil {
				wins <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	won := len(wins)
	if won != 3 {
		t.Fatalf("%d reserves won, want 3", won)
	}
	if stock, reserved := e.Levels("hot", "v1"); reserved > stock || reserved != 9 {
		t.Fatalf("levels = (%d, %d), want (10, 9)", stock, reserved)
	}
}

func TestCommitDecrementsStock(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	id, err := e.Reserve(ctx, "o1", []orders.LineItem{line("p1", "v1", 2)}, "key-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := e.Commit(ctx, id); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if stock, reserved := e.Levels("p1", "v1"); stock != 3 || reserved != 0 {
		t.Fatalf("levels = (%d, %d), want (3, 0)", stock, reserved)
	}

	// Replayed commit must not decrement twice.
	if err := e.Commit(ctx, id); err != nil {
		t.Fatalf("commit replay: %v", err)
	}
	if stock, _ := e.Levels("p1", "v1"); stock != 3 {
		t.Fatalf("stock = %d after replay, want 3", stock)
	}
}

func TestReleaseRestoresAvailability(t *testing.T) {
	e, events := newEngine(t)
	ctx := context.Background()

	id, err := e.Reserve(ctx, "o1", []orders.LineItem{line("p1", "v1", 4)}, "key-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := e.Release(ctx, id, "compensated"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if stock, reserved := e.Levels("p1", "v1"); stock != 5 || reserved != 0 {
		t.Fatalf("levels = (%d, %d), want (5, 0)", stock, reserved)
	}
	if err := e.Release(ctx, id, "compensated"); err != nil {
		t.Fatalf("release replay: %v", err)
	}
	if _, reserved := e.Levels("p1", "v1"); reserved != 0 {
		t.Fatal("replayed release changed counters")
	}

	released := 0
	for _, ev := range events.All() {
		if ev.Topic == orders.EventInventoryReleased {
			released++
		}
	}
	if released != 1 {
		t.Fatalf("%d inventory.released events, want 1", released)
	}
}

func TestReleaseCommittedIsInvalid(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	id, _ := e.Reserve(ctx, "o1", []orders.LineItem{line("p1", "v1", 1)}, "key-1")
	if err := e.Commit(ctx, id); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := e.Release(ctx, id, "compensated"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestSweepReleasesExpiredHolds(t *testing.T) {
	events := outbox.NewMemStore()
	e := NewMemEngine(time.Minute, events)
	e.Seed("p1", "v1", 5)
	ctx := context.Background()

	now := time.Now().UTC()
	e.now = func() time.Time { return now }

	id, err := e.Reserve(ctx, "o1", []orders.LineItem{line("p1", "v1", 3)}, "key-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	e.now = func() time.Time { return now.Add(2 * time.Minute) }
	n, err := e.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, reserved := e.Levels("p1", "v1"); reserved != 0 {
		t.Fatalf("reserved = %d after sweep, want 0", reserved)
	}

	// An expired hold cannot be committed anymore.
	if err := e.Commit(ctx, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("commit after expiry: err = %v, want ErrInvalidState", err)
	}
}
