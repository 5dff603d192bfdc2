package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/go-checkout-saga/internal/cart"
	"github.com/ariefcatur/go-checkout-saga/internal/config"
	"github.com/ariefcatur/go-checkout-saga/internal/httpx"
	"github.com/ariefcatur/go-checkout-saga/internal/inventory"
	"github.com/ariefcatur/go-checkout-saga/internal/kafka"
	"github.com/ariefcatur/go-checkout-saga/internal/metrics"
	"github.com/ariefcatur/go-checkout-saga/internal/orders"
	"github.com/ariefcatur/go-checkout-saga/internal/outbox"
	"github.com/ariefcatur/go-checkout-saga/internal/payment"
	"github.com/ariefcatur/go-checkout-saga/internal/postgres"
	"github.com/ariefcatur/go-checkout-saga/internal/redisx"
	"github.com/ariefcatur/go-checkout-saga/internal/saga"
	"github.com/ariefcatur/go-checkout-saga/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := telemetry.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := telemetry.SetupTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			log.Error("tracer setup failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	met := metrics.New("api")
	rdb := redisx.New(cfg.RedisAddr)

	var (
		store    saga.Store
		engine   inventory.Engine
		sweepSrc *inventory.Sweeper
		obStore  outbox.Store
		payStore payment.Store
	)

	switch cfg.Backend {
	case "memory":
		events := outbox.NewMemStore()
		memRepo := orders.NewMemRepo(events)
		memEngine := inventory.NewMemEngine(cfg.ReservationTTL, events)
		seedDemo(memEngine)
		store = memRepo
		engine = memEngine
		sweepSrc = inventory.NewSweeper(memEngine, cfg.SweepInterval, log, met)
		obStore = events
		payStore = payment.NewMemStore()
	default:
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		pgEngine := inventory.NewPGEngine(pool, cfg.ReservationTTL)
		store = orders.NewRepo(pool)
		engine = pgEngine
		sweepSrc = inventory.NewSweeper(pgEngine, cfg.SweepInterval, log, met)
		obStore = outbox.NewPGStore(pool)
		payStore = payment.NewPGStore(pool)
	}

	var gw payment.Gateway
	if cfg.GatewayBaseURL != "" {
		gw = payment.NewHTTPGateway(cfg.GatewayBaseURL)
	} else {
		stub := payment.NewStubGateway(50_000_00)
		stub.Async = true
		gw = stub
	}
	coordinator := payment.NewCoordinator(payStore, gw, cfg.GatewaySecret, log)

	var carts cart.Source
	if cfg.CartBaseURL != "" {
		carts = cart.NewHTTPSource(cfg.CartBaseURL)
	} else {
		carts = demoCarts()
	}

	sagaCfg := saga.DefaultConfig()
	sagaCfg.Workers = cfg.SagaWorkers
	sagaCfg.PriceFreshness = cfg.PriceFreshness
	sagaCfg.PaymentDeadline = cfg.PaymentDeadline
	orch := saga.New(store, engine, coordinator, carts, log, met, sagaCfg)

	writer := kafka.NewWriter(cfg.KafkaBrokers)
	defer writer.Close()
	relay := outbox.NewRelay(obStore, writer, log, met)

	go orch.Run(ctx)
	go relay.Run(ctx)
	go sweepSrc.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpx.NewServer(orch, coordinator, rdb, log, met).Router(),
	}
	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr, "backend", cfg.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
}

// seedDemo gives the in-memory backend something to sell.
func seedDemo(e *inventory.MemEngine) {
	e.Seed("sku-keyboard", "black", 25)
	e.Seed("sku-keyboard", "white", 10)
	e.Seed("sku-mouse", "default", 100)
}

func demoCarts() *cart.StaticSource {
	src := cart.NewStaticSource()
	src.Put(cart.Snapshot{
		CartID:   "cart-demo",
		UserID:   "user-demo",
		Currency: "USD",
		Items: []orders.LineItem{
			{ProductID: "sku-keyboard", VariantID: "black", Qty: 1, UnitPriceCents: 12900},
			{ProductID: "sku-mouse", VariantID: "default", Qty: 2, UnitPriceCents: 4500},
		},
	})
	return src
}
