package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ariefcatur/go-checkout-saga/internal/cart"
	"github.com/ariefcatur/go-checkout-saga/internal/inventory"
	"github.com/ariefcatur/go-checkout-saga/internal/orders"
	"github.com/ariefcatur/go-checkout-saga/internal/outbox"
	"github.com/ariefcatur/go-checkout-saga/internal/payment"
	"github.com/ariefcatur/go-checkout-saga/internal/saga"
)

const testSecret = "test-secret"

type apiFixture struct {
	srv   *Server
	orch  *saga.Orchestrator
	coord *payment.Coordinator
	repo  *orders.MemRepo
}

// newAPI wires the full in-memory stack behind the router. Redis is left nil;
// every handler treats the cache as optional.
func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	events := outbox.NewMemStore()
	repo := orders.NewMemRepo(events)
	inv := inventory.NewMemEngine(time.Minute, events)
	inv.Seed("p1", "v1", 10)

	gw := payment.NewStubGateway(0)
	gw.Async = true
	coord := payment.NewCoordinator(payment.NewMemStore(), gw, testSecret, log)

	carts := cart.NewStaticSource()
	carts.Put(cart.Snapshot{
		CartID:   "cart-1",
		UserID:   "user-1",
		Currency: "USD",
		Items:    []orders.LineItem{{ProductID: "p1", VariantID: "v1", Qty: 1, UnitPriceCents: 2000}},
	})

	cfg := saga.DefaultConfig()
	cfg.RetryBase = time.Millisecond
	orch := saga.New(repo, inv, coord, carts, log, nil, cfg)

	return &apiFixture{
		srv:   NewServer(orch, coord, nil, log, nil),
		orch:  orch,
		coord: coord,
		repo:  repo,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.([]byte); ok {
			buf.Write(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestCreateOrder(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodPost, "/orders", createOrderRequest{
		UserID:        "user-1",
		CartID:        "cart-1",
		PaymentMethod: "card",
	}, nil)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	var resp orderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID == "" || resp.TotalCents != 2000 || resp.Status != string(orders.StatusCreated) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreateOrderIdempotencyKeyWithoutRedis(t *testing.T) {
	f := newAPI(t)
	body := createOrderRequest{
		UserID:        "user-1",
		CartID:        "cart-1",
		PaymentMethod: "card",
	}
	header := map[string]string{"Idempotency-Key": "key-1"}

	first := f.do(t, http.MethodPost, "/orders", body, header)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first: status = %d, want 202: %s", first.Code, first.Body)
	}
	// Redis is nil here: the retry must still land on the same order via the
	// durable external id.
	second := f.do(t, http.MethodPost, "/orders", body, header)
	if second.Code != http.StatusAccepted {
		t.Fatalf("second: status = %d, want 202: %s", second.Code, second.Body)
	}

	var a, b orderResponse
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if a.ID == "" || a.ID != b.ID {
		t.Fatalf("retry created order %q, want existing %q", b.ID, a.ID)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/orders", []byte("{not json"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad JSON: status = %d, want 400", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/orders", createOrderRequest{UserID: "user-1"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing fields: status = %d, want 400", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/orders", createOrderRequest{
		UserID: "user-1", CartID: "missing", PaymentMethod: "card",
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown cart: status = %d, want 404", rec.Code)
	}
}

func TestGetOrder(t *testing.T) {
	f := newAPI(t)
	o, err := f.orch.StartCheckout(context.Background(), "user-1", "cart-1", orders.Address{}, "card", "")
	if err != nil {
		t.Fatalf("start checkout: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/orders/"+o.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp orderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != o.ID || len(resp.Items) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/orders/does-not-exist", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodPost, "/orders/nope/cancel", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newAPI(t)
	raw, _ := json.Marshal(map[string]string{
		"event_id": "evt-1", "intent_id": "pi_x", "status": "captured",
	})

	rec := f.do(t, http.MethodPost, "/payments/webhook", raw, map[string]string{
		"X-Gateway-Signature": "deadbeef",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/payments/webhook", raw, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature: status = %d, want 401", rec.Code)
	}
}

func TestWebhookUnknownIntent(t *testing.T) {
	f := newAPI(t)
	raw, _ := json.Marshal(map[string]string{
		"event_id": "evt-1", "intent_id": "pi_missing", "status": "captured",
	})
	rec := f.do(t, http.MethodPost, "/payments/webhook", raw, map[string]string{
		"X-Gateway-Signature": payment.Sign([]byte(testSecret), raw),
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookConfirmsOrder(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()
	o, err := f.orch.StartCheckout(ctx, "user-1", "cart-1", orders.Address{}, "card", "")
	if err != nil {
		t.Fatalf("start checkout: %v", err)
	}
	// Run the worker pool until the saga parks in PAYMENT_PENDING, so an
	// intent exists for the webhook to hit.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go f.orch.Run(runCtx)
	waitStatus(t, f, o.ID, orders.StatusPaymentPending)
	stop()

	_, sg, err := f.repo.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("load saga: %v", err)
	}
	raw, _ := json.Marshal(map[string]string{
		"event_id": "evt-1", "intent_id": sg.PaymentIntentID, "status": "captured",
	})
	rec := f.do(t, http.MethodPost, "/payments/webhook", raw, map[string]string{
		"X-Gateway-Signature": payment.Sign([]byte(testSecret), raw),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}

	got, _, err := f.repo.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	if got.Status != orders.StatusConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", got.Status)
	}
}

func waitStatus(t *testing.T, f *apiFixture, orderID string, want orders.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		o, err := f.repo.GetOrder(context.Background(), orderID)
		if err == nil && o.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("order %s never reached %s", orderID, want)
}

func TestHealthz(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
