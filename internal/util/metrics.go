package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created at checkout",
	})

	OrdersOrphanedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_orphaned_total",
		Help: "Orders created whose payment session could not be created",
	})

	OrdersPaidTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Orders transitioned to paid, by winning channel",
	}, []string{"channel"})

	OrdersPaymentFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_payment_failed_total",
		Help: "Orders transitioned to payment failed, by channel",
	}, []string{"channel"})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	}, []string{"reason"})

	CheckoutFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_failed_total",
		Help: "Checkout attempts rejected or failed",
	}, []string{"reason"})

	CartPriceMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_price_mismatch_total",
		Help: "Cart lines whose price differs from the catalog price",
	})

	SettlementSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_signals_total",
		Help: "Settlement signals by channel, reported state and outcome",
	}, []string{"channel", "state", "outcome"})

	ReconcileLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconcile_latency_seconds",
		Help:    "Latency of settlement reconciliation",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	StockAdjustmentsAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_adjustments_applied_total",
		Help: "Stock decrements applied for paid orders",
	})

	StockAdjustmentFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_adjustment_failures_total",
		Help: "Failed stock decrement attempts",
	}, []string{"reason"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Payment processor webhook events by type and result",
	}, []string{"type", "result"})

	PaymentProcessorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_processor_latency_seconds",
		Help:    "Latency of payment processor calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
