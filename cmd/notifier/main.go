// Notifier consumes terminal order events and records a notification per
// order. It is the reference consumer for the event contract: dedup on
// event_id, since the relay delivers at least once.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-checkout-saga/internal/config"
	"github.com/ariefcatur/go-checkout-saga/internal/kafka"
	"github.com/ariefcatur/go-checkout-saga/internal/orders"
	"github.com/ariefcatur/go-checkout-saga/internal/redisx"
	"github.com/ariefcatur/go-checkout-saga/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := telemetry.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redisx.New(cfg.RedisAddr)

	topics := []string{
		orders.EventOrderConfirmed,
		orders.EventOrderCancelled,
		orders.EventOrderRefunded,
	}
	for _, topic := range topics {
		c := kafka.NewConsumer(cfg.KafkaBrokers, "notifier", topic, 2)
		go func(topic string) {
			handler := func(ctx context.Context, m kafkago.Message) error {
				var env orders.Envelope
				if err := json.Unmarshal(m.Value, &env); err != nil {
					log.ErrorContext(ctx, "bad envelope", "topic", topic, "error", err)
					return nil // poison message, commit and move on
				}

				key := fmt.Sprintf(redisx.KeyDedup, "notifier", env.EventID)
				first, err := redisx.SetNXOnce(ctx, rdb, key, redisx.TTLDedup)
				if err != nil {
					return err
				}
				if !first {
					return nil
				}

				attrs := []any{
					"order_id", env.CorrelationID,
					"event_type", env.EventType,
					"event_id", env.EventID,
				}
				if env.EventType == orders.EventOrderConfirmed {
					if p, err := kafka.UnwrapPayload[orders.OrderConfirmedPayload](env.Payload); err == nil {
						attrs = append(attrs, "total_cents", p.TotalCents)
					}
				}
				log.InfoContext(ctx, "notification sent", attrs...)
				return nil
			}
			if err := c.Start(ctx, handler); err != nil {
				log.Error("consumer stopped", "topic", topic, "error", err)
				stop()
			}
		}(topic)
	}

	log.Info("notifier running", "topics", topics)
	<-ctx.Done()
	log.Info("notifier shutting down")
	os.Exit(0)
}
