package orders

import "time"

type LineItem struct {
	ProductID      string `json:"product_id"`
	VariantID      string `json:"variant_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

func (li LineItem) SubtotalCents() int64 {
	return int64(li.Qty) * li.UnitPriceCents
}

type Address struct {
	FullName   string `json:"full_name"`
	Line1      string `json:"line1"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type Order struct {
	ID string
	// ExternalID is the client's request id. Unique when set, so a retried
	// checkout maps back to the order it already created.
	ExternalID    string
	UserID        string
	Items         []LineItem
	TotalCents    int64 // snapshotted at creation, never recomputed
	Currency      string
	Status        Status
	PaymentStatus string
	PaymentMethod string
	ShipTo        Address
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func TotalOf(items []LineItem) int64 {
	var total int64
	for _, li := range items {
		total += li.SubtotalCents()
	}
	return total
}

// Saga is the durable cursor that lets the orchestrator resume an order
// after a crash without replaying completed side-effecting steps.
type Saga struct {
	OrderID string
	Step    Status

	// Idempotency keys handed to collaborators. ReserveKey is the order id;
	// PaymentKey is derived from it, so a retried step never double-spends.
	ReserveKey string
	PaymentKey string

	ReservationID        string
	PaymentIntentID      string
	ReservationCommitted bool

	// PaymentDeadline is set when entering PAYMENT_PENDING; a webhook that
	// never arrives before it triggers compensation.
	PaymentDeadline time.Time

	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}
