package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-checkout-saga/internal/kafka"
	"github.com/ariefcatur/go-checkout-saga/internal/outbox"
)

// Event types double as Kafka topic names.
const (
	EventOrderCreated      = "order.created"
	EventOrderConfirmed    = "order.confirmed"
	EventOrderCancelled    = "order.cancelled"
	EventOrderRefunded     = "order.refunded"
	EventPaymentCompleted  = "payment.completed"
	EventInventoryReleased = "inventory.released"
)

// Envelope is the wire format shared by every published event. Consumers
// dedup on EventID; the partition key is the order id so per-order ordering
// holds within a topic.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, orderID string, payload any) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      "checkout-saga",
		CorrelationID: orderID,
		Payload:       kafka.MustMarshal(payload),
	}
}

// ToPending turns an envelope into an outbox row keyed by the order id.
func ToPending(env Envelope) outbox.Pending {
	return outbox.Pending{
		EventID: env.EventID,
		Topic:   env.EventType,
		Key:     env.CorrelationID,
		Payload: kafka.MustMarshal(env),
	}
}

type OrderCreatedPayload struct {
	OrderID    string     `json:"order_id"`
	UserID     string     `json:"user_id"`
	Items      []LineItem `json:"items"`
	TotalCents int64      `json:"total_cents"`
	Currency   string     `json:"currency"`
}

type OrderConfirmedPayload struct {
	OrderID         string `json:"order_id"`
	UserID          string `json:"user_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	TotalCents      int64  `json:"total_cents"`
}

type OrderCancelledPayload struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Reason  string `json:"reason"`
}

type OrderRefundedPayload struct {
	OrderID         string `json:"order_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	AmountCents     int64  `json:"amount_cents"`
}

type PaymentCompletedPayload struct {
	OrderID         string `json:"order_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	AmountCents     int64  `json:"amount_cents"`
	Status          string `json:"status"`
}

type InventoryReleasedPayload struct {
	OrderID       string     `json:"order_id"`
	ReservationID string     `json:"reservation_id"`
	Items         []LineItem `json:"items"`
	Reason        string     `json:"reason"`
}
