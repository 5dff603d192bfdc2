// Package payment talks to the external gateway and maps its status
// vocabulary onto the narrow set the saga understands.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Outcome is the saga-facing verdict of a payment attempt.
type Outcome string

const (
	OutcomeAuthorized Outcome = "AUTHORIZED"
	OutcomeCaptured   Outcome = "CAPTURED"
	OutcomeFailed     Outcome = "FAILED"
)

const (
	IntentPending    = "PENDING"
	IntentAuthorized = "AUTHORIZED"
	IntentCaptured   = "CAPTURED"
	IntentFailed     = "FAILED"
	IntentRefunded   = "REFUNDED"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownIntent    = errors.New("unknown payment intent")
	ErrUnknownStatus    = errors.New("unknown gateway status")
	ErrNotFound         = errors.New("payment intent not found")
)

type Intent struct {
	ID             string
	OrderID        string
	AmountCents    int64
	Currency       string
	Method         string
	Status         string
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type CreateIntentRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	OrderID        string `json:"order_id"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	Method         string `json:"method"`
}

// GatewayResult is the gateway's answer to an intent creation: the gateway's
// own id for the intent plus its status in the gateway's vocabulary.
type GatewayResult struct {
	IntentID string `json:"intent_id"`
	Status   string `json:"status"`
}

type Gateway interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (GatewayResult, error)
	Refund(ctx context.Context, intentID string) error
}

type Store interface {
	Create(ctx context.Context, in Intent) error
	GetByKey(ctx context.Context, idemKey string) (Intent, error)
	GetByID(ctx context.Context, intentID string) (Intent, error)
	UpdateStatus(ctx context.Context, intentID, status string) error
}

// MapGatewayStatus translates the gateway's vocabulary. Anything it does not
// recognize is rejected rather than guessed at.
func MapGatewayStatus(s string) (Outcome, error) {
	switch s {
	case "authorized", "requires_capture":
		return OutcomeAuthorized, nil
	case "captured", "succeeded":
		return OutcomeCaptured, nil
	case "failed", "declined", "canceled":
		return OutcomeFailed, nil
	}
	return "", ErrUnknownStatus
}

// terminal reports whether an intent status can never change again.
// AUTHORIZED is not terminal: capture or failure still follows it.
func terminal(status string) bool {
	switch status {
	case IntentCaptured, IntentFailed, IntentRefunded:
		return true
	}
	return false
}

// Sign computes the hex HMAC-SHA256 the gateway puts in X-Gateway-Signature.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func verify(secret, payload []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), want)
}
