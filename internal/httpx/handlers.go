package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-checkout-saga/internal/cart"
	"github.com/ariefcatur/go-checkout-saga/internal/orders"
	"github.com/ariefcatur/go-checkout-saga/internal/payment"
	"github.com/ariefcatur/go-checkout-saga/internal/redisx"
	"github.com/ariefcatur/go-checkout-saga/internal/saga"
)

const maxWebhookBody = 64 << 10

type createOrderRequest struct {
	UserID          string         `json:"user_id"`
	CartID          string         `json:"cart_id"`
	ShippingAddress orders.Address `json:"shipping_address"`
	PaymentMethod   string         `json:"payment_method"`
}

type orderResponse struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id"`
	Items         []orders.LineItem  `json:"items,omitempty"`
	TotalCents    int64              `json:"total_cents"`
	Currency      string             `json:"currency"`
	Status        string             `json:"status"`
	PaymentStatus string             `json:"payment_status"`
	CreatedAt     time.Time          `json:"created_at"`
}

func toOrderResponse(o orders.Order) orderResponse {
	return orderResponse{
		ID:            o.ID,
		UserID:        o.UserID,
		Items:         o.Items,
		TotalCents:    o.TotalCents,
		Currency:      o.Currency,
		Status:        string(o.Status),
		PaymentStatus: o.PaymentStatus,
		CreatedAt:     o.CreatedAt,
	}
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.CartID == "" || req.PaymentMethod == "" {
		writeError(w, http.StatusBadRequest, "user_id, cart_id and payment_method are required")
		return
	}

	ctx := r.Context()
	idemKey := r.Header.Get("Idempotency-Key")

	// Redis is only a fast path; the durable dedup lives on the order's
	// external id inside StartCheckout.
	if idemKey != "" && s.rdb != nil {
		cacheKey := fmt.Sprintf(redisx.KeyIdemCheckout, idemKey)
		if orderID, err := s.rdb.Get(ctx, cacheKey).Result(); err == nil {
			if o, err := s.orch.GetOrder(ctx, orderID); err == nil {
				writeJSON(w, http.StatusOK, toOrderResponse(o))
				return
			}
		} else if !errors.Is(err, redis.Nil) {
			s.log.ErrorContext(ctx, "idempotency lookup failed", "error", err)
		}
	}

	o, err := s.orch.StartCheckout(ctx, req.UserID, req.CartID, req.ShippingAddress, req.PaymentMethod, idemKey)
	if err != nil {
		switch {
		case errors.Is(err, cart.ErrNotFound):
			writeError(w, http.StatusNotFound, "cart not found")
		case errors.Is(err, cart.ErrEmpty), errors.Is(err, cart.ErrStale):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.log.ErrorContext(ctx, "start checkout failed", "error", err)
			writeError(w, http.StatusInternalServerError, "could not start checkout")
		}
		return
	}

	if idemKey != "" && s.rdb != nil {
		cacheKey := fmt.Sprintf(redisx.KeyIdemCheckout, idemKey)
		if err := s.rdb.SetNX(ctx, cacheKey, o.ID, redisx.TTLIdempotency).Err(); err != nil {
			s.log.ErrorContext(ctx, "idempotency record failed", "error", err)
		}
	}
	writeJSON(w, http.StatusAccepted, toOrderResponse(o))
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "orderID")

	cacheKey := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s.rdb != nil {
		if cached, err := s.rdb.Get(ctx, cacheKey).Bytes(); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	o, err := s.orch.GetOrder(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.log.ErrorContext(ctx, "get order failed", "order_id", orderID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load order")
		return
	}

	resp := toOrderResponse(o)
	if s.rdb != nil {
		if body, err := json.Marshal(resp); err == nil {
			if err := s.rdb.Set(ctx, cacheKey, body, redisx.TTLStatusCache).Err(); err != nil {
				s.log.ErrorContext(ctx, "order cache write failed", "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "orderID")

	err := s.orch.Cancel(ctx, orderID)
	switch {
	case err == nil:
		s.invalidate(ctx, orderID)
		writeJSON(w, http.StatusAccepted, map[string]string{"order_id": orderID, "status": "cancelling"})
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, saga.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.ErrorContext(ctx, "cancel failed", "order_id", orderID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not cancel order")
	}
}

func (s *Server) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "orderID")

	err := s.orch.Refund(ctx, orderID)
	switch {
	case err == nil:
		s.invalidate(ctx, orderID)
		writeJSON(w, http.StatusAccepted, map[string]string{"order_id": orderID, "status": "refunding"})
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, saga.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.ErrorContext(ctx, "refund failed", "order_id", orderID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not refund order")
	}
}

// paymentWebhook verifies the gateway signature over the raw body, dedups on
// the gateway event id, and hands the verdict to the saga. Replays and late
// verdicts are acknowledged with 200 so the gateway stops retrying them.
func (s *Server) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := r.Header.Get("X-Gateway-Signature")

	res, err := s.pay.ReconcileWebhook(ctx, raw, signature)
	switch {
	case err == nil:
	case errors.Is(err, payment.ErrInvalidSignature):
		s.met.WebhookDropped("bad_signature")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	case errors.Is(err, payment.ErrUnknownIntent):
		s.met.WebhookDropped("unknown_intent")
		writeError(w, http.StatusNotFound, "unknown payment intent")
		return
	case errors.Is(err, payment.ErrUnknownStatus):
		s.met.WebhookDropped("bad_status")
		writeError(w, http.StatusBadRequest, "unknown gateway status")
		return
	default:
		s.log.ErrorContext(ctx, "webhook reconcile failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if res.EventID != "" && s.rdb != nil {
		key := fmt.Sprintf(redisx.KeyDedup, "gateway", res.EventID)
		first, err := redisx.SetNXOnce(ctx, s.rdb, key, redisx.TTLDedup)
		if err != nil {
			s.log.ErrorContext(ctx, "webhook dedup failed", "error", err)
		} else if !first {
			s.met.WebhookDropped("duplicate")
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	if err := s.orch.HandlePaymentOutcome(ctx, res.OrderID, res.Outcome); err != nil {
		s.log.ErrorContext(ctx, "apply payment outcome failed",
			"order_id", res.OrderID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not apply outcome")
		return
	}
	s.invalidate(ctx, res.OrderID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// invalidate drops the cached order view after a state change so the next
// read does not serve a stale status for the whole cache TTL.
func (s *Server) invalidate(ctx context.Context, orderID string) {
	if s.rdb == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		s.log.ErrorContext(ctx, "order cache invalidate failed", "error", err)
	}
}
