package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HTTPGateway talks to a real gateway over its REST surface. The idempotency
// key rides in a header, which is what lets us retry the same attempt safely.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (g *HTTPGateway) CreateIntent(ctx context.Context, req CreateIntentRequest) (GatewayResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return GatewayResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/intents", bytes.NewReader(body))
	if err != nil {
		return GatewayResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return GatewayResult{}, fmt.Errorf("gateway: create intent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return GatewayResult{}, fmt.Errorf("gateway: create intent: status %d: %s", resp.StatusCode, data)
	}

	var res GatewayResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return GatewayResult{}, fmt.Errorf("gateway: decode response: %w", err)
	}
	return res, nil
}

func (g *HTTPGateway) Refund(ctx context.Context, intentID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/intents/%s/refund", g.baseURL, intentID), nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway: refund: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway: refund: status %d", resp.StatusCode)
	}
	return nil
}

// StubGateway approves or declines locally. It backs BACKEND=memory and the
// tests: amounts at or above DeclineAtCents are declined, FailFirst makes the
// first N calls fail transiently to exercise retries, and Async answers
// "pending" so the outcome arrives via webhook instead.
type StubGateway struct {
	DeclineAtCents int64
	Async          bool

	mu        sync.Mutex
	failFirst int
	byKey     map[string]GatewayResult
	refunded  map[string]bool
}

func NewStubGateway(declineAtCents int64) *StubGateway {
	return &StubGateway{
		DeclineAtCents: declineAtCents,
		byKey:          make(map[string]GatewayResult),
		refunded:       make(map[string]bool),
	}
}

// FailFirst makes the next n CreateIntent calls return a transient error.
func (g *StubGateway) FailFirst(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failFirst = n
}

func (g *StubGateway) CreateIntent(_ context.Context, req CreateIntentRequest) (GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if res, ok := g.byKey[req.IdempotencyKey]; ok {
		return res, nil
	}
	if g.failFirst > 0 {
		g.failFirst--
		return GatewayResult{}, fmt.Errorf("gateway: temporarily unavailable")
	}

	res := GatewayResult{IntentID: "pi_" + uuid.NewString()}
	switch {
	case g.DeclineAtCents > 0 && req.AmountCents >= g.DeclineAtCents:
		res.Status = "declined"
	case g.Async:
		res.Status = "pending"
	default:
		res.Status = "authorized"
	}
	g.byKey[req.IdempotencyKey] = res
	return res, nil
}

func (g *StubGateway) Refund(_ context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunded[intentID] = true
	return nil
}

// Refunded reports whether a refund was issued for the intent, for tests.
func (g *StubGateway) Refunded(intentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[intentID]
}
