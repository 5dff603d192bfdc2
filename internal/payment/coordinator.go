package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Coordinator owns every gateway interaction. The saga never sees gateway
// status strings, only Outcomes.
type Coordinator struct {
	store  Store
	gw     Gateway
	secret []byte
	log    *slog.Logger
}

func NewCoordinator(store Store, gw Gateway, secret string, log *slog.Logger) *Coordinator {
	return &Coordinator{store: store, gw: gw, secret: []byte(secret), log: log}
}

// Initiate creates a payment intent for the order, exactly once per
// idempotency key. A replay with the same key returns the stored intent
// without a second gateway call.
func (c *Coordinator) Initiate(ctx context.Context, orderID string, amountCents int64, currency, method, idemKey string) (Intent, error) {
	existing, err := c.store.GetByKey(ctx, idemKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Intent{}, fmt.Errorf("payment: lookup key: %w", err)
	}

	res, err := c.gw.CreateIntent(ctx, CreateIntentRequest{
		IdempotencyKey: idemKey,
		OrderID:        orderID,
		AmountCents:    amountCents,
		Currency:       currency,
		Method:         method,
	})
	if err != nil {
		return Intent{}, fmt.Errorf("payment: create intent: %w", err)
	}

	status := IntentPending
	if res.Status != "" && res.Status != "pending" {
		outcome, err := MapGatewayStatus(res.Status)
		if err != nil {
			return Intent{}, fmt.Errorf("payment: status %q: %w", res.Status, err)
		}
		status = string(outcome)
	}

	in := Intent{
		ID:             res.IntentID,
		OrderID:        orderID,
		AmountCents:    amountCents,
		Currency:       currency,
		Method:         method,
		Status:         status,
		IdempotencyKey: idemKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.Create(ctx, in); err != nil {
		// A concurrent replay may have won the insert; the stored row is the
		// truth either way.
		if stored, lookupErr := c.store.GetByKey(ctx, idemKey); lookupErr == nil {
			return stored, nil
		}
		return Intent{}, fmt.Errorf("payment: store intent: %w", err)
	}
	return in, nil
}

// IntentByID resolves an intent, used to route webhook outcomes to an order.
func (c *Coordinator) IntentByID(ctx context.Context, intentID string) (Intent, error) {
	in, err := c.store.GetByID(ctx, intentID)
	if errors.Is(err, ErrNotFound) {
		return Intent{}, ErrUnknownIntent
	}
	return in, err
}

// Refund asks the gateway to return the captured amount. Safe to retry: the
// gateway dedups on intent id and a second refund of a refunded intent is a
// no-op on its side.
func (c *Coordinator) Refund(ctx context.Context, intentID string) error {
	if err := c.gw.Refund(ctx, intentID); err != nil {
		return fmt.Errorf("payment: refund: %w", err)
	}
	if err := c.store.UpdateStatus(ctx, intentID, IntentRefunded); err != nil {
		return fmt.Errorf("payment: record refund: %w", err)
	}
	return nil
}

type webhookBody struct {
	EventID  string `json:"event_id"`
	IntentID string `json:"intent_id"`
	Status   string `json:"status"`
}

// WebhookResult is a verified, translated gateway notification.
type WebhookResult struct {
	EventID  string
	IntentID string
	OrderID  string
	Outcome  Outcome
}

// ReconcileWebhook verifies the signature over the raw body, resolves the
// intent, and maps the gateway status. Verification happens before any parse
// of untrusted input beyond the JSON decode.
func (c *Coordinator) ReconcileWebhook(ctx context.Context, raw []byte, signature string) (WebhookResult, error) {
	if !verify(c.secret, raw, signature) {
		return WebhookResult{}, ErrInvalidSignature
	}

	var body webhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return WebhookResult{}, fmt.Errorf("payment: decode webhook: %w", err)
	}

	in, err := c.IntentByID(ctx, body.IntentID)
	if err != nil {
		return WebhookResult{}, err
	}

	outcome, err := MapGatewayStatus(body.Status)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("payment: webhook status %q: %w", body.Status, err)
	}

	// A replayed webhook must not downgrade an intent that already reached a
	// terminal status; the stored row keeps the first verdict.
	if terminal(in.Status) {
		c.log.InfoContext(ctx, "webhook ignored for terminal intent",
			"intent_id", in.ID, "status", in.Status, "outcome", string(outcome))
	} else if err := c.store.UpdateStatus(ctx, in.ID, string(outcome)); err != nil {
		return WebhookResult{}, fmt.Errorf("payment: update intent: %w", err)
	}

	c.log.InfoContext(ctx, "webhook reconciled",
		"intent_id", in.ID, "order_id", in.OrderID, "outcome", string(outcome))
	return WebhookResult{
		EventID:  body.EventID,
		IntentID: in.ID,
		OrderID:  in.OrderID,
		Outcome:  outcome,
	}, nil
}
