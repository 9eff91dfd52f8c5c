package main

import (
	"context"
	"fmt"
	"os"

	"bookstore/config"
	"bookstore/internal/broker"
	"bookstore/internal/cli"
	"bookstore/internal/payment"
	"bookstore/internal/redisclient"
	"bookstore/internal/service"
	"bookstore/internal/store"
	"bookstore/internal/util"
)

func main() {
	if err := cli.NewRootCommand(connect).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// connect wires the same dependencies as the server, without HTTP or workers.
func connect(ctx context.Context) (*cli.Runtime, error) {
	cfg := config.Load()
	if err := util.InitLogger(cfg.Server.Env); err != nil {
		return nil, err
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		db.Close()
		return nil, err
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	processor := payment.NewStripeProcessor(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, nil)

	reconciler := service.NewReconciler(db, db, processor, broker.NewEventPublisher(producer), redisClient, service.ReconcilerConfig{
		StockMaxAttempts: cfg.Business.StockMaxAttempts,
		PaymentTimeout:   cfg.Business.PaymentTimeout(),
		OrderTimeout:     cfg.Business.OrderTimeout(),
	})

	return &cli.Runtime{
		Migrator:   db,
		Operations: reconciler,
		Close: func() error {
			producer.Close()
			redisClient.Close()
			util.SyncLogger()
			return db.Close()
		},
	}, nil
}
