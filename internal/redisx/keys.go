package redisx

import "time"

const (
	// Idempotency for checkout start: idem:checkout:{idempotency_key} -> order_id
	KeyIdemCheckout = "idem:checkout:%s"

	// Cache status order: order_status:{order_id} -> {"order_id":..,"status":..}
	KeyOrderStatus = "order_status:%s"

	// Dedup processed webhooks/events: dedup:{consumer}:{id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	// Short on purpose: background transitions (resume loop, expiry sweeper)
	// never pass through the HTTP layer's cache invalidation.
	TTLStatusCache = 15 * time.Second
	TTLDedup       = 48 * time.Hour
)
