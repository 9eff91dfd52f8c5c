package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookstore/config"
	"bookstore/internal/api"
	"bookstore/internal/broker"
	"bookstore/internal/payment"
	"bookstore/internal/redisclient"
	"bookstore/internal/service"
	"bookstore/internal/store"
	"bookstore/internal/util"
	"bookstore/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// stockRetryDelay is how long after a failed adjustment the stock worker
// tries again.
const stockRetryDelay = 5 * time.Second

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting bookstore checkout service")

	if cfg.Stripe.SecretKey == "" || cfg.Stripe.WebhookSecret == "" {
		logger.Fatal("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}

	decimal.MarshalJSONWithoutQuotes = true

	tp, err := util.InitTracer("bookstore", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connected")

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		logger.Fatal("Failed to apply migrations", zap.Error(err))
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)
	processor := payment.NewStripeProcessor(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, nil)

	reconciler := service.NewReconciler(db, db, processor, eventPublisher, redisClient, service.ReconcilerConfig{
		StockMaxAttempts: cfg.Business.StockMaxAttempts,
		PaymentTimeout:   cfg.Business.PaymentTimeout(),
		OrderTimeout:     cfg.Business.OrderTimeout(),
	})
	checkoutService := service.NewCheckoutService(db, db, processor, eventPublisher, service.CheckoutConfig{
		BaseURL:        cfg.Server.BaseURL,
		Currency:       cfg.Stripe.Currency,
		PaymentTimeout: cfg.Business.PaymentTimeout(),
	})
	orderService := service.NewOrderService(db, db, redisClient, eventPublisher, cfg.Business.ReportCacheTTL())

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	stockConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	stockWorker := worker.NewStockWorker(stockConsumer, reconciler, stockRetryDelay)
	go func() {
		if err := stockWorker.Start(workerCtx); err != nil {
			logger.Error("Stock worker error", zap.Error(err))
		}
	}()

	sweeper := worker.NewSweeper(reconciler, cfg.Business.SweepInterval())
	go func() {
		if err := sweeper.Start(workerCtx); err != nil {
			logger.Error("Sweeper error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(checkoutService, reconciler, orderService, api.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		RateLimitRPS:   cfg.Business.RateLimitRPS,
		RateLimitBurst: cfg.Business.RateLimitBurst,
		Dependencies: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := stockWorker.Stop(); err != nil {
		logger.Warn("Failed to stop stock worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
