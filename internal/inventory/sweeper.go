package inventory

import (
	"context"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-checkout-saga/internal/metrics"
)

type expirer interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Sweeper periodically returns expired holds to the pool so an abandoned
// checkout cannot pin stock forever.
type Sweeper struct {
	engine   expirer
	log      *slog.Logger
	met      *metrics.Metrics
	interval time.Duration
}

func NewSweeper(engine expirer, interval time.Duration, log *slog.Logger, met *metrics.Metrics) *Sweeper {
	return &Sweeper{engine: engine, log: log, met: met, interval: interval}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.engine.SweepExpired(ctx)
			if err != nil {
				s.log.ErrorContext(ctx, "expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.met.ExpiredReleased(n)
				s.log.InfoContext(ctx, "released expired reservations", "count", n)
			}
		}
	}
}
