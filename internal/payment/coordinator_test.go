package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testCoordinator(gw Gateway) *Coordinator {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(NewMemStore(), gw, "test-secret", log)
}

func TestInitiateIsIdempotent(t *testing.T) {
	gw := NewStubGateway(0)
	c := testCoordinator(gw)
	ctx := context.Background()

	first, err := c.Initiate(ctx, "o1", 1000, "USD", "card", "pay:o1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	second, err := c.Initiate(ctx, "o1", 1000, "USD", "card", "pay:o1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay created a second intent: %s vs %s", first.ID, second.ID)
	}
	if first.Status != IntentAuthorized {
		t.Fatalf("status = %s, want AUTHORIZED", first.Status)
	}
}

func TestInitiateDeclined(t *testing.T) {
	gw := NewStubGateway(5000)
	c := testCoordinator(gw)

	in, err := c.Initiate(context.Background(), "o1", 9000, "USD", "card", "pay:o1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if in.Status != IntentFailed {
		t.Fatalf("status = %s, want FAILED", in.Status)
	}
}

func TestInitiateAsyncStaysPending(t *testing.T) {
	gw := NewStubGateway(0)
	gw.Async = true
	c := testCoordinator(gw)

	in, err := c.Initiate(context.Background(), "o1", 1000, "USD", "card", "pay:o1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if in.Status != IntentPending {
		t.Fatalf("status = %s, want PENDING", in.Status)
	}
}

func TestMapGatewayStatus(t *testing.T) {
	cases := map[string]Outcome{
		"authorized":       OutcomeAuthorized,
		"requires_capture": OutcomeAuthorized,
		"captured":         OutcomeCaptured,
		"succeeded":        OutcomeCaptured,
		"failed":           OutcomeFailed,
		"declined":         OutcomeFailed,
		"canceled":         OutcomeFailed,
	}
	for in, want := range cases {
		got, err := MapGatewayStatus(in)
		if err != nil || got != want {
			t.Errorf("MapGatewayStatus(%q) = (%s, %v), want %s", in, got, err, want)
		}
	}
	if _, err := MapGatewayStatus("weird"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("err = %v, want ErrUnknownStatus", err)
	}
}

func webhookRaw(t *testing.T, eventID, intentID, status string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]string{
		"event_id":  eventID,
		"intent_id": intentID,
		"status":    status,
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestReconcileWebhook(t *testing.T) {
	gw := NewStubGateway(0)
	gw.Async = true
	c := testCoordinator(gw)
	ctx := context.Background()

	in, err := c.Initiate(ctx, "o1", 1000, "USD", "card", "pay:o1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	raw := webhookRaw(t, "evt-1", in.ID, "captured")
	res, err := c.ReconcileWebhook(ctx, raw, Sign([]byte("test-secret"), raw))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.OrderID != "o1" || res.Outcome != OutcomeCaptured || res.EventID != "evt-1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	stored, err := c.IntentByID(ctx, in.ID)
	if err != nil {
		t.Fatalf("intent lookup: %v", err)
	}
	if stored.Status != string(OutcomeCaptured) {
		t.Fatalf("intent status = %s, want CAPTURED", stored.Status)
	}
}

func TestReconcileWebhookKeepsTerminalStatus(t *testing.T) {
	gw := NewStubGateway(0)
	gw.Async = true
	c := testCoordinator(gw)
	ctx := context.Background()

	in, err := c.Initiate(ctx, "o1", 1000, "USD", "card", "pay:o1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	captured := webhookRaw(t, "evt-1", in.ID, "captured")
	if _, err := c.ReconcileWebhook(ctx, captured, Sign([]byte("test-secret"), captured)); err != nil {
		t.Fatalf("capture: %v", err)
	}

	// A replayed failure after capture is acknowledged but must not rewrite
	// the stored intent.
	failed := webhookRaw(t, "evt-2", in.ID, "failed")
	res, err := c.ReconcileWebhook(ctx, failed, Sign([]byte("test-secret"), failed))
	if err != nil {
		t.Fatalf("late failure: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED passed through", res.Outcome)
	}
	stored, err := c.IntentByID(ctx, in.ID)
	if err != nil {
		t.Fatalf("intent lookup: %v", err)
	}
	if stored.Status != IntentCaptured {
		t.Fatalf("intent status = %s after late failure, want CAPTURED", stored.Status)
	}
}

func TestReconcileWebhookRejectsBadSignature(t *testing.T) {
	c := testCoordinator(NewStubGateway(0))
	raw := webhookRaw(t, "evt-1", "pi_x", "captured")

	if _, err := c.ReconcileWebhook(context.Background(), raw, "deadbeef"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
	if _, err := c.ReconcileWebhook(context.Background(), raw, Sign([]byte("wrong-secret"), raw)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
	// A valid signature over a tampered body must not verify either.
	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)-2] = 'X'
	if _, err := c.ReconcileWebhook(context.Background(), tampered, Sign([]byte("test-secret"), raw)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestReconcileWebhookUnknownIntent(t *testing.T) {
	c := testCoordinator(NewStubGateway(0))
	raw := webhookRaw(t, "evt-1", "pi_missing", "captured")

	_, err := c.ReconcileWebhook(context.Background(), raw, Sign([]byte("test-secret"), raw))
	if !errors.Is(err, ErrUnknownIntent) {
		t.Fatalf("err = %v, want ErrUnknownIntent", err)
	}
}

func TestRefund(t *testing.T) {
	gw := NewStubGateway(0)
	c := testCoordinator(gw)
	ctx := context.Background()

	in, err := c.Initiate(ctx, "o1", 1000, "USD", "card", "pay:o1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := c.Refund(ctx, in.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !gw.Refunded(in.ID) {
		t.Fatal("gateway never saw the refund")
	}
	stored, _ := c.IntentByID(ctx, in.ID)
	if stored.Status != IntentRefunded {
		t.Fatalf("intent status = %s, want REFUNDED", stored.Status)
	}
}

func TestStubGatewayTransientFailures(t *testing.T) {
	gw := NewStubGateway(0)
	gw.FailFirst(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := gw.CreateIntent(ctx, CreateIntentRequest{IdempotencyKey: "k"}); err == nil {
			t.Fatal("expected transient failure")
		}
	}
	res, err := gw.CreateIntent(ctx, CreateIntentRequest{IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if res.Status != "authorized" {
		t.Fatalf("status = %s, want authorized", res.Status)
	}
}
