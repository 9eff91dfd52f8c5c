package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bookstore/internal/apperr"
	"bookstore/internal/models"
	"bookstore/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// adjustmentTimeout bounds the stock work a winning reconciliation does after
// the paid transition committed. It is detached from the caller's context.
const adjustmentTimeout = 15 * time.Second

// ReconcilerConfig tunes retries and background sweeps.
type ReconcilerConfig struct {
	StockMaxAttempts int
	PaymentTimeout   time.Duration
	OrderTimeout     time.Duration
	WebhookDedupTTL  time.Duration
	BatchSize        int
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.StockMaxAttempts <= 0 {
		c.StockMaxAttempts = 5
	}
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = 10 * time.Second
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 5 * time.Minute
	}
	if c.WebhookDedupTTL <= 0 {
		c.WebhookDedupTTL = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// ReconcileResult is the outcome of one settlement signal.
type ReconcileResult struct {
	Order *models.Order
	// Paid reports whether the order is paid after this signal.
	Paid bool
	// Applied reports whether this signal performed a payment transition.
	Applied bool
}

// SweepSummary counts what one sweep over stale orders did.
type SweepSummary struct {
	Polled    int `json:"polled"`
	Paid      int `json:"paid"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Errors    int `json:"errors"`
}

// Reconciler turns settlement signals from every channel into at most one
// payment transition per order.
type Reconciler struct {
	orders    OrderRepository
	catalog   Catalog
	processor PaymentProcessor
	publisher EventPublisher
	events    ProcessedEvents
	cfg       ReconcilerConfig
	logger    *zap.Logger

	// sweepMu serialises sweeps; sweepCursor is where the next one resumes
	// polling open sessions.
	sweepMu     sync.Mutex
	sweepCursor models.OrderCursor
}

// NewReconciler creates a reconciler. events may be nil, which disables
// webhook redelivery short-circuiting.
func NewReconciler(
	orders OrderRepository,
	catalog Catalog,
	processor PaymentProcessor,
	publisher EventPublisher,
	events ProcessedEvents,
	cfg ReconcilerConfig,
) *Reconciler {
	return &Reconciler{
		orders:    orders,
		catalog:   catalog,
		processor: processor,
		publisher: publisher,
		events:    events,
		cfg:       cfg.withDefaults(),
		logger:    util.GetLogger(),
	}
}

// Reconcile applies a settlement signal to the order owning its session.
// An unknown session fails with a not-found error and touches nothing.
func (r *Reconciler) Reconcile(ctx context.Context, signal models.SettlementSignal) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Reconcile",
		attribute.String("session_id", signal.SessionID),
		attribute.String("channel", string(signal.Channel)),
		attribute.String("state", string(signal.State)))
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconcileLatency.WithLabelValues(string(signal.Channel)).Observe(time.Since(start).Seconds())
	}()

	result, outcome, err := r.reconcile(ctx, signal)
	if err != nil {
		util.RecordError(span, err)
	}
	util.SettlementSignalsTotal.WithLabelValues(string(signal.Channel), string(signal.State), outcome).Inc()
	return result, err
}

func (r *Reconciler) reconcile(ctx context.Context, signal models.SettlementSignal) (*ReconcileResult, string, error) {
	if signal.SessionID == "" {
		return nil, "rejected", apperr.Validation("session id is required", map[string]string{"sessionId": "required"})
	}

	order, err := r.orders.GetOrderBySessionID(ctx, signal.SessionID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			r.logger.Warn("Settlement signal for unknown session",
				zap.String("session_id", signal.SessionID),
				zap.String("channel", string(signal.Channel)))
			return nil, "not_found", err
		}
		return nil, "error", err
	}

	if signal.OrderID != "" && signal.OrderID != order.ID.String() {
		r.logger.Warn("Settlement signal order reference does not match session",
			zap.String("session_id", signal.SessionID),
			zap.String("signal_order_id", signal.OrderID),
			zap.String("order_id", order.ID.String()),
			zap.String("channel", string(signal.Channel)))
		return nil, "not_found", apperr.NotFound("order not found for session %s", signal.SessionID)
	}

	switch signal.State {
	case models.SettlementSettled:
		return r.settle(ctx, order, signal.Channel)
	case models.SettlementFailed:
		return r.fail(ctx, order, signal.Channel)
	case models.SettlementPending:
		return &ReconcileResult{Order: order, Paid: order.PaymentStatus == models.PaymentStatusPaid}, "pending", nil
	default:
		return nil, "rejected", apperr.Validation(fmt.Sprintf("unknown settlement state %q", signal.State), nil)
	}
}

func (r *Reconciler) settle(ctx context.Context, order *models.Order, channel models.Channel) (*ReconcileResult, string, error) {
	switch order.PaymentStatus {
	case models.PaymentStatusPaid:
		return &ReconcileResult{Order: order, Paid: true}, "noop", nil
	case models.PaymentStatusFailed:
		r.logger.Error("Settled signal for an order whose payment already failed, manual review required",
			zap.String("order_id", order.ID.String()),
			zap.String("session_id", order.SessionID()),
			zap.String("channel", string(channel)))
		return &ReconcileResult{Order: order}, "anomaly", nil
	}

	won, err := r.orders.MarkOrderPaid(ctx, order.ID)
	if err != nil {
		return nil, "error", fmt.Errorf("failed to mark order paid: %w", err)
	}
	if !won {
		current, err := r.orders.GetOrderByID(ctx, order.ID)
		if err != nil {
			return nil, "error", err
		}
		return &ReconcileResult{Order: current, Paid: current.PaymentStatus == models.PaymentStatusPaid}, "noop", nil
	}

	now := time.Now()
	order.PaymentStatus = models.PaymentStatusPaid
	order.Status = models.OrderStatusProcessing
	order.PaidAt = &now

	util.OrdersPaidTotal.WithLabelValues(string(channel)).Inc()
	r.logger.Info("Order paid",
		zap.String("order_id", order.ID.String()),
		zap.String("session_id", order.SessionID()),
		zap.String("channel", string(channel)))

	// The payment is committed; stock work must not be lost to a caller hanging up.
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adjustmentTimeout)
	defer cancel()

	if _, err := r.applyOrderAdjustments(sideCtx, order.ID, true); err != nil {
		r.logger.Error("Failed to apply stock adjustments for paid order",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	}

	event := &models.OrderPaidEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderPaid),
		OrderID:     order.ID,
		SessionID:   order.SessionID(),
		Channel:     string(channel),
		TotalAmount: order.TotalAmount,
	}
	if err := r.publisher.PublishOrderPaid(sideCtx, event); err != nil {
		r.logger.Error("Failed to publish OrderPaid event", zap.String("order_id", order.ID.String()), zap.Error(err))
	}

	return &ReconcileResult{Order: order, Paid: true, Applied: true}, "applied", nil
}

func (r *Reconciler) fail(ctx context.Context, order *models.Order, channel models.Channel) (*ReconcileResult, string, error) {
	if order.PaymentStatus != models.PaymentStatusPending {
		return &ReconcileResult{Order: order, Paid: order.PaymentStatus == models.PaymentStatusPaid}, "noop", nil
	}

	won, err := r.orders.MarkOrderPaymentFailed(ctx, order.ID)
	if err != nil {
		return nil, "error", fmt.Errorf("failed to mark order payment failed: %w", err)
	}
	if !won {
		current, err := r.orders.GetOrderByID(ctx, order.ID)
		if err != nil {
			return nil, "error", err
		}
		return &ReconcileResult{Order: current, Paid: current.PaymentStatus == models.PaymentStatusPaid}, "noop", nil
	}

	order.PaymentStatus = models.PaymentStatusFailed
	order.Status = models.OrderStatusCancelled

	util.OrdersPaymentFailedTotal.WithLabelValues(string(channel)).Inc()
	util.OrdersCancelledTotal.WithLabelValues("payment_failed").Inc()
	r.logger.Info("Order payment failed",
		zap.String("order_id", order.ID.String()),
		zap.String("session_id", order.SessionID()),
		zap.String("channel", string(channel)))

	event := &models.OrderPaymentFailedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderPaymentFailed),
		OrderID:   order.ID,
		SessionID: order.SessionID(),
		Channel:   string(channel),
	}
	if err := r.publisher.PublishOrderPaymentFailed(ctx, event); err != nil {
		r.logger.Error("Failed to publish OrderPaymentFailed event", zap.String("order_id", order.ID.String()), zap.Error(err))
	}

	return &ReconcileResult{Order: order, Applied: true}, "applied", nil
}

// Verify handles the customer's return from the hosted checkout page. The
// order is looked up before the processor is asked about the session.
func (r *Reconciler) Verify(ctx context.Context, sessionID string) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Verify", attribute.String("session_id", sessionID))
	defer span.End()

	if sessionID == "" {
		return nil, apperr.Validation("session id is required", map[string]string{"sessionId": "required"})
	}

	order, err := r.orders.GetOrderBySessionID(ctx, sessionID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if order.PaymentStatus != models.PaymentStatusPending {
		return &ReconcileResult{Order: order, Paid: order.PaymentStatus == models.PaymentStatusPaid}, nil
	}

	return r.poll(ctx, order, models.ChannelRedirect)
}

// ReconcileOrder asks the processor for the state of an order's session and
// reconciles it. For an order that is already paid it retries any stock
// adjustments still pending.
func (r *Reconciler) ReconcileOrder(ctx context.Context, orderID uuid.UUID) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.ReconcileOrder", attribute.String("order_id", orderID.String()))
	defer span.End()

	order, err := r.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if order.PaymentSessionID == nil {
		return nil, apperr.Validation("order has no payment session", map[string]string{"orderId": "no payment session attached"})
	}

	if order.PaymentStatus == models.PaymentStatusPaid {
		if _, err := r.RetryOrderAdjustments(ctx, orderID); err != nil {
			return nil, err
		}
		return &ReconcileResult{Order: order, Paid: true}, nil
	}

	return r.poll(ctx, order, models.ChannelManual)
}

func (r *Reconciler) poll(ctx context.Context, order *models.Order, channel models.Channel) (*ReconcileResult, error) {
	pollCtx, cancel := context.WithTimeout(ctx, r.cfg.PaymentTimeout)
	session, err := r.processor.RetrieveSession(pollCtx, order.SessionID())
	cancel()
	if err != nil {
		return nil, err
	}

	return r.Reconcile(ctx, models.SettlementSignal{
		SessionID: order.SessionID(),
		State:     session.SettlementState(),
		Channel:   channel,
		OrderID:   session.OrderID,
	})
}

// HandleWebhook verifies a processor event and reconciles the checkout
// session it reports on. Only signature failures are returned; anything that
// goes wrong after verification is logged and the event is acknowledged.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleWebhook")
	defer span.End()

	event, err := r.processor.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, apperr.ErrAuthentication) {
			util.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
			r.logger.Warn("Webhook signature verification failed", zap.Error(err))
			util.RecordError(span, err)
			return err
		}
		util.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		r.logger.Error("Failed to decode verified webhook event", zap.Error(err))
		return nil
	}
	span.SetAttributes(attribute.String("event_id", event.ID), attribute.String("event_type", event.Type))

	state, ok := webhookState(event)
	if !ok {
		util.WebhookEventsTotal.WithLabelValues(event.Type, "ignored").Inc()
		r.logger.Debug("Ignoring webhook event", zap.String("event_id", event.ID), zap.String("type", event.Type))
		return nil
	}

	if r.events != nil {
		processed, err := r.events.IsEventProcessed(ctx, event.ID)
		if err != nil {
			r.logger.Warn("Failed to check processed webhook event", zap.String("event_id", event.ID), zap.Error(err))
		}
		if processed {
			util.WebhookEventsTotal.WithLabelValues(event.Type, "duplicate").Inc()
			r.logger.Info("Webhook event already processed", zap.String("event_id", event.ID))
			return nil
		}
	}

	result, err := r.Reconcile(ctx, models.SettlementSignal{
		SessionID: event.Session.ID,
		State:     state,
		Channel:   models.ChannelWebhook,
		OrderID:   event.Session.OrderID,
	})
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(event.Type, "error").Inc()
		r.logger.Error("Failed to reconcile webhook event",
			zap.String("event_id", event.ID),
			zap.String("type", event.Type),
			zap.String("session_id", event.Session.ID),
			zap.Error(err))
		return nil
	}

	util.WebhookEventsTotal.WithLabelValues(event.Type, "processed").Inc()
	r.logger.Info("Webhook event reconciled",
		zap.String("event_id", event.ID),
		zap.String("type", event.Type),
		zap.String("order_id", result.Order.ID.String()),
		zap.Bool("paid", result.Paid),
		zap.Bool("applied", result.Applied))

	if r.events != nil {
		if _, err := r.events.MarkEventProcessed(ctx, event.ID, r.cfg.WebhookDedupTTL); err != nil {
			r.logger.Warn("Failed to mark webhook event processed", zap.String("event_id", event.ID), zap.Error(err))
		}
	}
	return nil
}

// webhookState maps a checkout session event to the state it reports.
func webhookState(event *models.WebhookEvent) (models.SettlementState, bool) {
	if event.Session == nil || event.Session.ID == "" {
		return "", false
	}
	switch event.Type {
	case models.WebhookCheckoutCompleted:
		// Delayed payment methods complete the session before the money moves.
		return event.Session.SettlementState(), true
	case models.WebhookCheckoutAsyncPaymentOK:
		return models.SettlementSettled, true
	case models.WebhookCheckoutAsyncPaymentFailed, models.WebhookCheckoutExpired:
		return models.SettlementFailed, true
	default:
		return "", false
	}
}

// RetryOrderAdjustments re-applies the pending stock adjustments of one order
// and returns how many were applied. Failures are recorded per adjustment.
func (r *Reconciler) RetryOrderAdjustments(ctx context.Context, orderID uuid.UUID) (int, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.RetryOrderAdjustments", attribute.String("order_id", orderID.String()))
	defer span.End()

	return r.applyOrderAdjustments(ctx, orderID, false)
}

// RetryPendingAdjustments re-applies up to one batch of pending stock
// adjustments across all orders.
func (r *Reconciler) RetryPendingAdjustments(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.RetryPendingAdjustments")
	defer span.End()

	adjustments, err := r.catalog.ListPendingAdjustments(ctx, nil, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending stock adjustments: %w", err)
	}

	applied := 0
	for _, adj := range adjustments {
		if ok, _ := r.applyAdjustment(ctx, adj, false); ok {
			applied++
		}
	}
	return applied, nil
}

func (r *Reconciler) applyOrderAdjustments(ctx context.Context, orderID uuid.UUID, announce bool) (int, error) {
	adjustments, err := r.catalog.ListPendingAdjustments(ctx, &orderID, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending stock adjustments: %w", err)
	}

	applied, failed := 0, 0
	for _, adj := range adjustments {
		ok, err := r.applyAdjustment(ctx, adj, announce)
		if err != nil {
			failed++
			continue
		}
		if ok {
			applied++
		}
	}

	if failed > 0 {
		r.logger.Warn("Order stock only partially adjusted",
			zap.String("order_id", orderID.String()),
			zap.Int("applied", applied),
			zap.Int("failed", failed))
	}
	return applied, nil
}

// applyAdjustment decrements stock for one adjustment. A failure is recorded
// against the adjustment; missing books and short stock are not retried.
func (r *Reconciler) applyAdjustment(ctx context.Context, adj models.StockAdjustment, announce bool) (bool, error) {
	ok, err := r.catalog.ApplyStockAdjustment(ctx, adj.OrderID, adj.BookID)
	if err == nil {
		if ok {
			util.StockAdjustmentsAppliedTotal.Inc()
			r.logger.Info("Stock decremented",
				zap.String("order_id", adj.OrderID.String()),
				zap.String("book_id", adj.BookID.String()),
				zap.Int("quantity", adj.Quantity))
		}
		return ok, nil
	}

	reason, permanent := "dependency", false
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		reason, permanent = "book_not_found", true
	case errors.Is(err, apperr.ErrInsufficientStock):
		reason, permanent = "insufficient_stock", true
	}
	util.StockAdjustmentFailuresTotal.WithLabelValues(reason).Inc()

	fields := []zap.Field{
		zap.String("order_id", adj.OrderID.String()),
		zap.String("book_id", adj.BookID.String()),
		zap.Int("quantity", adj.Quantity),
		zap.String("reason", reason),
		zap.Error(err),
	}

	status, recErr := r.catalog.RecordAdjustmentFailure(ctx, adj.OrderID, adj.BookID, err.Error(), permanent, r.cfg.StockMaxAttempts)
	if recErr != nil {
		r.logger.Error("Failed to record stock adjustment failure", append(fields, zap.NamedError("record_error", recErr))...)
	}

	if status == models.AdjustmentStatusFailed {
		r.logger.Error("Stock adjustment abandoned, manual reconciliation required", fields...)
		return false, err
	}
	r.logger.Warn("Stock adjustment failed, will retry", fields...)

	if announce {
		event := &models.StockAdjustmentFailedEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeStockAdjustmentFailed),
			OrderID:   adj.OrderID,
			BookID:    adj.BookID,
			Quantity:  adj.Quantity,
			Reason:    err.Error(),
		}
		if err := r.publisher.PublishStockAdjustmentFailed(ctx, event); err != nil {
			r.logger.Error("Failed to publish StockAdjustmentFailed event", append(fields, zap.NamedError("publish_error", err))...)
		}
	}
	return false, err
}

// SweepStaleOrders settles pending orders older than the order timeout.
// Orders that never got a session are cancelled. Orders with a session are
// polled at the processor one batch per sweep, resuming where the previous
// sweep stopped so sessions that stay open do not starve the rest.
func (r *Reconciler) SweepStaleOrders(ctx context.Context) (SweepSummary, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.SweepStaleOrders")
	defer span.End()

	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	var summary SweepSummary
	olderThan := time.Now().Add(-r.cfg.OrderTimeout)

	orphans, err := r.orders.ListOrphanedOrders(ctx, olderThan, r.cfg.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("failed to list orphaned orders: %w", err)
	}
	for _, order := range orphans {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		won, err := r.orders.CancelOrphanedOrder(ctx, order.ID)
		if err != nil {
			summary.Errors++
			r.logger.Error("Failed to cancel orphaned order", zap.String("order_id", order.ID.String()), zap.Error(err))
			continue
		}
		if won {
			summary.Cancelled++
			util.OrdersCancelledTotal.WithLabelValues("orphaned").Inc()
			r.logger.Info("Cancelled orphaned order", zap.String("order_id", order.ID.String()))
		}
	}

	orders, err := r.orders.ListStaleSessionOrders(ctx, olderThan, r.sweepCursor, r.cfg.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("failed to list stale orders: %w", err)
	}
	if len(orders) < r.cfg.BatchSize {
		r.sweepCursor = models.OrderCursor{}
	}

	for i := range orders {
		order := &orders[i]
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if len(orders) == r.cfg.BatchSize {
			r.sweepCursor = models.OrderCursor{CreatedAt: order.CreatedAt, ID: order.ID}
		}

		summary.Polled++
		result, err := r.poll(ctx, order, models.ChannelSweep)
		if err != nil {
			summary.Errors++
			r.logger.Warn("Failed to poll stale order",
				zap.String("order_id", order.ID.String()),
				zap.String("session_id", order.SessionID()),
				zap.Error(err))
			continue
		}
		if result.Applied {
			if result.Paid {
				summary.Paid++
			} else {
				summary.Failed++
			}
		}
	}
	return summary, nil
}
