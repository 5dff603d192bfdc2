package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec

	SagaTransitions  *prometheus.CounterVec
	StockRejections  prometheus.Counter
	WebhookRejected  *prometheus.CounterVec
	OutboxPublished  prometheus.Counter
	OutboxFailed     prometheus.Counter
	ExpiredReleases  prometheus.Counter
}

func New(service string) *Metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "saga_transitions_total",
		Help:      "Saga state transitions.",
	}, []string{"from", "to"})
	rejections := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "stock_rejections_total",
		Help:      "Reservations rejected for insufficient stock.",
	})
	webhookRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "webhook_rejected_total",
		Help:      "Webhooks rejected before reaching the saga.",
	}, []string{"reason"})
	published := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "outbox_published_total",
		Help:      "Outbox events acknowledged by the bus.",
	})
	outboxFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "outbox_failed_total",
		Help:      "Outbox publish attempts that failed.",
	})
	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "expired_reservations_released_total",
		Help:      "Reservations released by the expiry sweeper.",
	})

	prometheus.MustRegister(requests, latency, transitions, rejections, webhookRejected, published, outboxFailed, expired)
	return &Metrics{
		Requests:        requests,
		LatencyMS:       latency,
		SagaTransitions: transitions,
		StockRejections: rejections,
		WebhookRejected: webhookRejected,
		OutboxPublished: published,
		OutboxFailed:    outboxFailed,
		ExpiredReleases: expired,
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// The helpers below are nil-safe so components can run without metrics wired
// (tests, memory backend).

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.SagaTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) StockRejected() {
	if m == nil {
		return
	}
	m.StockRejections.Inc()
}

func (m *Metrics) WebhookDropped(reason string) {
	if m == nil {
		return
	}
	m.WebhookRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Published(n int) {
	if m == nil {
		return
	}
	m.OutboxPublished.Add(float64(n))
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.OutboxFailed.Inc()
}

func (m *Metrics) ExpiredReleased(n int) {
	if m == nil {
		return
	}
	m.ExpiredReleases.Add(float64(n))
}
