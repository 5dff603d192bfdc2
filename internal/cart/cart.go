// Package cart fetches priced cart snapshots. The checkout total is frozen
// from the snapshot; nothing downstream ever re-prices an order.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ariefcatur/go-checkout-saga/internal/orders"
)

var (
	ErrNotFound = errors.New("cart not found")
	ErrEmpty    = errors.New("cart is empty")
	// ErrStale means the snapshot's prices are older than the freshness
	// window and checkout must not trust them.
	ErrStale = errors.New("cart snapshot is stale")
)

type Snapshot struct {
	CartID   string             `json:"cart_id"`
	UserID   string             `json:"user_id"`
	Items    []orders.LineItem  `json:"items"`
	Currency string             `json:"currency"`
	PricedAt time.Time          `json:"priced_at"`
}

type Source interface {
	GetCartSnapshot(ctx context.Context, cartID string) (Snapshot, error)
}

// Validate rejects snapshots checkout cannot act on.
func Validate(s Snapshot, freshness time.Duration) error {
	if len(s.Items) == 0 {
		return ErrEmpty
	}
	for _, li := range s.Items {
		if li.Qty <= 0 || li.UnitPriceCents < 0 {
			return fmt.Errorf("cart: bad line %s/%s: %w", li.ProductID, li.VariantID, ErrEmpty)
		}
	}
	if time.Since(s.PricedAt) > freshness {
		return ErrStale
	}
	return nil
}

// HTTPSource reads snapshots from the cart service.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 3 * time.Second},
	}
}

func (s *HTTPSource) GetCartSnapshot(ctx context.Context, cartID string) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/carts/"+cartID, nil)
	if err != nil {
		return Snapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("cart: fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Snapshot{}, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Snapshot{}, fmt.Errorf("cart: fetch snapshot: status %d: %s", resp.StatusCode, data)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("cart: decode snapshot: %w", err)
	}
	return snap, nil
}

// StaticSource serves fixed snapshots for BACKEND=memory and tests. PricedAt
// is stamped at read time so freshness checks pass.
type StaticSource struct {
	mu    sync.Mutex
	carts map[string]Snapshot
}

func NewStaticSource() *StaticSource {
	return &StaticSource{carts: make(map[string]Snapshot)}
}

func (s *StaticSource) Put(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[snap.CartID] = snap
}

func (s *StaticSource) GetCartSnapshot(_ context.Context, cartID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.carts[cartID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if snap.PricedAt.IsZero() {
		snap.PricedAt = time.Now().UTC()
	}
	return snap, nil
}
