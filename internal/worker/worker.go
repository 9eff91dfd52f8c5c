package worker

import (
	"context"
	"time"

	"bookstore/internal/broker"
	"bookstore/internal/models"
	"bookstore/internal/service"
	"bookstore/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageSource delivers broker messages to a handler until ctx is done.
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// StockRetrier re-applies the pending stock adjustments of an order.
type StockRetrier interface {
	RetryOrderAdjustments(ctx context.Context, orderID uuid.UUID) (int, error)
}

// StockWorker retries stock adjustments announced as failed on the event topic
type StockWorker struct {
	source       MessageSource
	eventHandler *broker.EventHandler
	retrier      StockRetrier
	delay        time.Duration
	logger       *zap.Logger
}

// NewStockWorker creates a new stock worker. Each retry waits until delay has
// passed since the failure was announced.
func NewStockWorker(source MessageSource, retrier StockRetrier, delay time.Duration) *StockWorker {
	w := &StockWorker{
		source:       source,
		eventHandler: broker.NewEventHandler(),
		retrier:      retrier,
		delay:        delay,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnStockAdjustmentFailed(w.handleStockAdjustmentFailed)
	return w
}

// Start consumes events until ctx is cancelled
func (w *StockWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting stock worker")
	return w.source.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *StockWorker) Stop() error {
	w.logger.Info("Stopping stock worker")
	return w.source.Close()
}

func (w *StockWorker) handleStockAdjustmentFailed(ctx context.Context, event *models.StockAdjustmentFailedEvent) error {
	if wait := time.Until(event.Timestamp.Add(w.delay)); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	applied, err := w.retrier.RetryOrderAdjustments(ctx, event.OrderID)
	if err != nil {
		return err
	}
	w.logger.Info("Retried stock adjustments",
		zap.String("order_id", event.OrderID.String()),
		zap.String("book_id", event.BookID.String()),
		zap.Int("applied", applied))
	return nil
}

// SweepTarget settles stale orders and retries pending stock adjustments.
type SweepTarget interface {
	SweepStaleOrders(ctx context.Context) (service.SweepSummary, error)
	RetryPendingAdjustments(ctx context.Context) (int, error)
}

// Sweeper periodically settles what no signal settled
type Sweeper struct {
	target   SweepTarget
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(target SweepTarget, interval time.Duration) *Sweeper {
	return &Sweeper{target: target, interval: interval, logger: util.GetLogger()}
}

// Start runs a sweep immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Stopping sweeper")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep bounded by the sweep interval.
func (s *Sweeper) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	summary, err := s.target.SweepStaleOrders(ctx)
	if err != nil {
		s.logger.Error("Stale order sweep failed", zap.Error(err))
	} else if summary != (service.SweepSummary{}) {
		s.logger.Info("Swept stale orders",
			zap.Int("polled", summary.Polled),
			zap.Int("paid", summary.Paid),
			zap.Int("failed", summary.Failed),
			zap.Int("cancelled", summary.Cancelled),
			zap.Int("errors", summary.Errors))
	}

	applied, err := s.target.RetryPendingAdjustments(ctx)
	if err != nil {
		s.logger.Error("Stock adjustment retry failed", zap.Error(err))
	} else if applied > 0 {
		s.logger.Info("Applied pending stock adjustments", zap.Int("applied", applied))
	}
}
