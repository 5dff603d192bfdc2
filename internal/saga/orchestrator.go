package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-checkout-saga/internal/cart"
	"github.com/ariefcatur/go-checkout-saga/internal/inventory"
	"github.com/ariefcatur/go-checkout-saga/internal/metrics"
	"github.com/ariefcatur/go-checkout-saga/internal/orders"
	"github.com/ariefcatur/go-checkout-saga/internal/outbox"
	"github.com/ariefcatur/go-checkout-saga/internal/payment"
)

// ErrInvalidState is returned when an operation is not legal for the order's
// current step, e.g. cancelling a confirmed order.
var ErrInvalidState = errors.New("operation not valid in current order state")

type Config struct {
	Workers         int
	MaxRetries      uint64
	RetryBase       time.Duration
	RetryMax        time.Duration
	CallTimeout     time.Duration
	PriceFreshness  time.Duration
	PaymentDeadline time.Duration
	ResumeInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:         8,
		MaxRetries:      2,
		RetryBase:       50 * time.Millisecond,
		RetryMax:        2 * time.Second,
		CallTimeout:     3 * time.Second,
		PriceFreshness:  30 * time.Minute,
		PaymentDeadline: 10 * time.Minute,
		ResumeInterval:  30 * time.Second,
	}
}

// Orchestrator advances checkout sagas. All work on one order funnels through
// a per-order lock, so steps for the same order never interleave even when a
// webhook and a worker race.
type Orchestrator struct {
	store  Store
	inv    inventory.Engine
	pay    *payment.Coordinator
	carts  cart.Source
	log    *slog.Logger
	met    *metrics.Metrics
	cfg    Config
	locks  *keyLock
	work   chan string
	tracer trace.Tracer
}

func New(store Store, inv inventory.Engine, pay *payment.Coordinator, carts cart.Source, log *slog.Logger, met *metrics.Metrics, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Orchestrator{
		store:  store,
		inv:    inv,
		pay:    pay,
		carts:  carts,
		log:    log,
		met:    met,
		cfg:    cfg,
		locks:  newKeyLock(),
		work:   make(chan string, 256),
		tracer: otel.Tracer("checkout-saga"),
	}
}

// Run starts the worker pool and the resume loop, and blocks until ctx is
// cancelled. The startup scan re-drives every saga the previous process left
// unfinished.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-o.work:
					o.advance(ctx, id)
				}
			}
		}()
	}

	o.resumePending(ctx)
	ticker := time.NewTicker(o.cfg.ResumeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			o.resumePending(ctx)
		}
	}
}

func (o *Orchestrator) resumePending(ctx context.Context) {
	ids, err := o.store.ListRunning(ctx, 500)
	if err != nil {
		o.log.ErrorContext(ctx, "resume scan failed", "error", err)
		return
	}
	for _, id := range ids {
		select {
		case o.work <- id:
		case <-ctx.Done():
			return
		}
	}
}

// StartCheckout snapshots the cart, persists the order with its saga and the
// order.created event in one transaction, and hands the saga to a worker.
// requestID is the client's idempotency key: a non-empty value is stored on
// the order under a unique index, so a retry or a concurrent duplicate gets
// the order already created instead of a second one.
func (o *Orchestrator) StartCheckout(ctx context.Context, userID, cartID string, shipTo orders.Address, method, requestID string) (orders.Order, error) {
	ctx, span := o.tracer.Start(ctx, "saga.start_checkout",
		trace.WithAttributes(attribute.String("cart_id", cartID)))
	defer span.End()

	if requestID != "" {
		existing, err := o.store.GetOrderByExternalID(ctx, requestID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, orders.ErrNotFound) {
			return orders.Order{}, fmt.Errorf("saga: lookup request id: %w", err)
		}
	}

	snap, err := o.carts.GetCartSnapshot(ctx, cartID)
	if err != nil {
		return orders.Order{}, fmt.Errorf("saga: cart snapshot: %w", err)
	}
	if err := cart.Validate(snap, o.cfg.PriceFreshness); err != nil {
		return orders.Order{}, fmt.Errorf("saga: cart snapshot: %w", err)
	}

	ord := orders.Order{
		ID:            uuid.NewString(),
		ExternalID:    requestID,
		UserID:        userID,
		Items:         snap.Items,
		TotalCents:    orders.TotalOf(snap.Items),
		Currency:      snap.Currency,
		Status:        orders.StatusCreated,
		PaymentStatus: payment.IntentPending,
		PaymentMethod: method,
		ShipTo:        shipTo,
	}
	sg := orders.Saga{
		OrderID:    ord.ID,
		Step:       orders.StatusCreated,
		ReserveKey: ord.ID,
		PaymentKey: "pay:" + ord.ID,
	}
	env := orders.NewEnvelope(orders.EventOrderCreated, ord.ID, orders.OrderCreatedPayload{
		OrderID:    ord.ID,
		UserID:     ord.UserID,
		Items:      ord.Items,
		TotalCents: ord.TotalCents,
		Currency:   ord.Currency,
	})
	if err := o.store.CreateCheckout(ctx, ord, sg, []outbox.Pending{orders.ToPending(env)}); err != nil {
		if errors.Is(err, orders.ErrDuplicateRequest) && requestID != "" {
			// Lost the race to a concurrent duplicate; return its order.
			return o.store.GetOrderByExternalID(ctx, requestID)
		}
		return orders.Order{}, fmt.Errorf("saga: create checkout: %w", err)
	}

	o.log.InfoContext(ctx, "checkout started",
		"order_id", ord.ID, "user_id", userID, "total_cents", ord.TotalCents)
	o.enqueue(ord.ID)
	return ord, nil
}

// GetOrder reads the current order view.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (orders.Order, error) {
	return o.store.GetOrder(ctx, orderID)
}

// HandlePaymentOutcome is the single funnel for gateway verdicts, whether
// they arrive via webhook or synchronously. A verdict for an order that is
// no longer PAYMENT_PENDING is acknowledged and ignored.
func (o *Orchestrator) HandlePaymentOutcome(ctx context.Context, orderID string, outcome payment.Outcome) error {
	unlock := o.locks.Lock(orderID)
	defer unlock()

	if err := o.applyOutcome(ctx, orderID, outcome); err != nil {
		return err
	}
	o.drive(ctx, orderID)
	return nil
}

// Cancel compensates an order that has not been confirmed yet.
func (o *Orchestrator) Cancel(ctx context.Context, orderID string) error {
	unlock := o.locks.Lock(orderID)
	defer unlock()

	_, sg, err := o.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !orders.IsCancellable(sg.Step) {
		return fmt.Errorf("saga: cancel %s order: %w", sg.Step, ErrInvalidState)
	}
	err = o.transition(ctx, orders.Transition{
		OrderID: orderID,
		From:    sg.Step,
		To:      orders.StatusCompensating,
		Update:  func(s *orders.Saga) { s.LastError = "cancelled by request" },
	})
	if err != nil {
		return err
	}
	o.drive(ctx, orderID)
	return nil
}

// Refund reverses a confirmed order: refund at the gateway, then REFUNDED.
// Committed stock is not restocked; returns are a warehouse concern.
func (o *Orchestrator) Refund(ctx context.Context, orderID string) error {
	unlock := o.locks.Lock(orderID)
	defer unlock()

	_, sg, err := o.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if sg.Step != orders.StatusConfirmed {
		return fmt.Errorf("saga: refund %s order: %w", sg.Step, ErrInvalidState)
	}
	err = o.transition(ctx, orders.Transition{
		OrderID: orderID,
		From:    orders.StatusConfirmed,
		To:      orders.StatusRefunding,
	})
	if err != nil {
		return err
	}
	o.drive(ctx, orderID)
	return nil
}

func (o *Orchestrator) enqueue(orderID string) {
	select {
	case o.work <- orderID:
	default:
		// Queue full; drop the nudge. The saga is durable and the resume scan
		// re-drives it within ResumeInterval.
	}
}

func (o *Orchestrator) advance(ctx context.Context, orderID string) {
	unlock := o.locks.Lock(orderID)
	defer unlock()
	o.drive(ctx, orderID)
}

// drive pushes the saga forward until it reaches a terminal step or a step
// that waits on an external signal. Caller must hold the order's lock.
func (o *Orchestrator) drive(ctx context.Context, orderID string) {
	ctx, span := o.tracer.Start(ctx, "saga.drive",
		trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	for {
		ord, sg, err := o.store.Get(ctx, orderID)
		if err != nil {
			o.log.ErrorContext(ctx, "load saga failed", "order_id", orderID, "error", err)
			return
		}

		switch sg.Step {
		case orders.StatusCreated:
			err = o.transition(ctx, orders.Transition{
				OrderID: orderID, From: orders.StatusCreated, To: orders.StatusReserving,
			})
		case orders.StatusReserving:
			err = o.reserve(ctx, ord, sg)
		case orders.StatusReserved:
			err = o.initiate(ctx, ord, sg)
		case orders.StatusPaymentPending:
			if sg.PaymentDeadline.IsZero() || time.Now().Before(sg.PaymentDeadline) {
				return // waiting on the gateway
			}
			err = o.transition(ctx, orders.Transition{
				OrderID: orderID, From: orders.StatusPaymentPending, To: orders.StatusCompensating,
				Update: func(s *orders.Saga) { s.LastError = "payment deadline elapsed" },
			})
		case orders.StatusCompensating:
			err = o.compensate(ctx, ord, sg)
		case orders.StatusConfirmed:
			if sg.ReservationCommitted {
				return
			}
			err = o.commitStock(ctx, sg)
		case orders.StatusRefunding:
			err = o.refundStep(ctx, ord, sg)
		default:
			return // terminal
		}

		if errors.Is(err, orders.ErrConflict) {
			continue // someone else moved the saga; reload and re-decide
		}
		if err != nil {
			o.log.ErrorContext(ctx, "saga step failed",
				"order_id", orderID, "step", string(sg.Step), "error", err)
			return
		}
	}
}

// reserve holds stock for every line or fails the order. A reserve attempt
// whose ack was lost leaves a hold behind; its TTL returns it via the sweeper.
func (o *Orchestrator) reserve(ctx context.Context, ord orders.Order, sg orders.Saga) error {
	var reservationID string
	attempts := 0
	err := o.retry(ctx, func(cctx context.Context) error {
		attempts++
		id, err := o.inv.Reserve(cctx, ord.ID, ord.Items, sg.ReserveKey)
		if errors.Is(err, inventory.ErrInsufficientStock) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		reservationID = id
		return nil
	})
	if err != nil {
		if errors.Is(err, inventory.ErrInsufficientStock) {
			o.met.StockRejected()
		}
		cause := err.Error()
		return o.transition(ctx, orders.Transition{
			OrderID: ord.ID, From: orders.StatusReserving, To: orders.StatusFailed,
			Update: func(s *orders.Saga) { s.Attempts = attempts; s.LastError = cause },
		})
	}
	return o.transition(ctx, orders.Transition{
		OrderID: ord.ID, From: orders.StatusReserving, To: orders.StatusReserved,
		Update: func(s *orders.Saga) { s.Attempts = attempts; s.ReservationID = reservationID },
	})
}

// initiate creates the payment intent. If the gateway answers synchronously
// the outcome is applied immediately; otherwise the saga parks in
// PAYMENT_PENDING until the webhook lands.
func (o *Orchestrator) initiate(ctx context.Context, ord orders.Order, sg orders.Saga) error {
	var in payment.Intent
	attempts := 0
	err := o.retry(ctx, func(cctx context.Context) error {
		attempts++
		var err error
		in, err = o.pay.Initiate(cctx, ord.ID, ord.TotalCents, ord.Currency, ord.PaymentMethod, sg.PaymentKey)
		return err
	})
	if err != nil {
		cause := err.Error()
		return o.transition(ctx, orders.Transition{
			OrderID: ord.ID, From: orders.StatusReserved, To: orders.StatusCompensating,
			Update: func(s *orders.Saga) { s.Attempts = attempts; s.LastError = cause },
		})
	}

	deadline := time.Now().UTC().Add(o.cfg.PaymentDeadline)
	err = o.transition(ctx, orders.Transition{
		OrderID: ord.ID, From: orders.StatusReserved, To: orders.StatusPaymentPending,
		PaymentStatus: in.Status,
		Update: func(s *orders.Saga) {
			s.Attempts = attempts
			s.PaymentIntentID = in.ID
			s.PaymentDeadline = deadline
		},
	})
	if err != nil {
		return err
	}

	switch in.Status {
	case string(payment.OutcomeAuthorized), string(payment.OutcomeCaptured):
		return o.applyOutcome(ctx, ord.ID, payment.Outcome(in.Status))
	case string(payment.OutcomeFailed):
		return o.applyOutcome(ctx, ord.ID, payment.OutcomeFailed)
	}
	return nil
}

// applyOutcome moves PAYMENT_PENDING to CONFIRMED or COMPENSATING. Any other
// step means the verdict is late or duplicated and is dropped. Caller must
// hold the order's lock.
func (o *Orchestrator) applyOutcome(ctx context.Context, orderID string, outcome payment.Outcome) error {
	ord, sg, err := o.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if sg.Step != orders.StatusPaymentPending {
		o.log.InfoContext(ctx, "payment outcome ignored",
			"order_id", orderID, "step", string(sg.Step), "outcome", string(outcome))
		return nil
	}

	if outcome == payment.OutcomeFailed {
		return o.transition(ctx, orders.Transition{
			OrderID: orderID, From: orders.StatusPaymentPending, To: orders.StatusCompensating,
			PaymentStatus: string(payment.OutcomeFailed),
			Update:        func(s *orders.Saga) { s.LastError = "payment failed" },
		})
	}

	confirmed := orders.NewEnvelope(orders.EventOrderConfirmed, orderID, orders.OrderConfirmedPayload{
		OrderID:         orderID,
		UserID:          ord.UserID,
		PaymentIntentID: sg.PaymentIntentID,
		TotalCents:      ord.TotalCents,
	})
	completed := orders.NewEnvelope(orders.EventPaymentCompleted, orderID, orders.PaymentCompletedPayload{
		OrderID:         orderID,
		PaymentIntentID: sg.PaymentIntentID,
		AmountCents:     ord.TotalCents,
		Status:          string(outcome),
	})
	return o.transition(ctx, orders.Transition{
		OrderID: orderID, From: orders.StatusPaymentPending, To: orders.StatusConfirmed,
		PaymentStatus: string(outcome),
		Events:        []outbox.Pending{orders.ToPending(confirmed), orders.ToPending(completed)},
	})
}

// compensate releases held stock and closes the saga as CANCELLED. If the
// release keeps failing the saga stays COMPENSATING and the resume loop
// retries it.
func (o *Orchestrator) compensate(ctx context.Context, ord orders.Order, sg orders.Saga) error {
	if sg.ReservationID != "" {
		err := o.retry(ctx, func(cctx context.Context) error {
			return o.inv.Release(cctx, sg.ReservationID, "compensated")
		})
		if err != nil {
			return fmt.Errorf("saga: release reservation: %w", err)
		}
	}

	reason := sg.LastError
	if reason == "" {
		reason = "compensated"
	}
	cancelled := orders.NewEnvelope(orders.EventOrderCancelled, ord.ID, orders.OrderCancelledPayload{
		OrderID: ord.ID,
		UserID:  ord.UserID,
		Reason:  reason,
	})
	return o.transition(ctx, orders.Transition{
		OrderID: ord.ID, From: orders.StatusCompensating, To: orders.StatusCancelled,
		Events: []outbox.Pending{orders.ToPending(cancelled)},
	})
}

// commitStock turns the hold into a permanent decrement after confirmation.
// Commit is idempotent, so a crash between the gateway ack and this step is
// repaired by the resume loop replaying it.
func (o *Orchestrator) commitStock(ctx context.Context, sg orders.Saga) error {
	err := o.retry(ctx, func(cctx context.Context) error {
		return o.inv.Commit(cctx, sg.ReservationID)
	})
	if err != nil {
		return fmt.Errorf("saga: commit reservation: %w", err)
	}
	return o.transition(ctx, orders.Transition{
		OrderID: sg.OrderID, From: orders.StatusConfirmed, To: orders.StatusConfirmed,
		Update: func(s *orders.Saga) { s.ReservationCommitted = true },
	})
}

func (o *Orchestrator) refundStep(ctx context.Context, ord orders.Order, sg orders.Saga) error {
	err := o.retry(ctx, func(cctx context.Context) error {
		return o.pay.Refund(cctx, sg.PaymentIntentID)
	})
	if err != nil {
		return fmt.Errorf("saga: refund: %w", err)
	}
	refunded := orders.NewEnvelope(orders.EventOrderRefunded, ord.ID, orders.OrderRefundedPayload{
		OrderID:         ord.ID,
		PaymentIntentID: sg.PaymentIntentID,
		AmountCents:     ord.TotalCents,
	})
	return o.transition(ctx, orders.Transition{
		OrderID: ord.ID, From: orders.StatusRefunding, To: orders.StatusRefunded,
		PaymentStatus: payment.IntentRefunded,
		Events:        []outbox.Pending{orders.ToPending(refunded)},
	})
}

func (o *Orchestrator) transition(ctx context.Context, t orders.Transition) error {
	if err := o.store.Transition(ctx, t); err != nil {
		return err
	}
	o.met.Transition(string(t.From), string(t.To))
	o.log.InfoContext(ctx, "saga transition",
		"order_id", t.OrderID, "from", string(t.From), "to", string(t.To))
	return nil
}

// retry runs op with exponential backoff and a per-attempt timeout. Business
// verdicts must be wrapped in backoff.Permanent by the op; only transport
// errors are retried.
func (o *Orchestrator) retry(ctx context.Context, op func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.RetryBase
	bo.MaxInterval = o.cfg.RetryMax
	return backoff.Retry(func() error {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()
		return op(cctx)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, o.cfg.MaxRetries), ctx))
}
