package service

import (
	"context"
	"time"

	"bookstore/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderRepository persists orders. Every state transition is a conditional
// update that reports whether it applied.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	AttachPaymentSession(ctx context.Context, orderID uuid.UUID, sessionID, sessionURL string) (bool, error)
	GetOrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	MarkOrderPaid(ctx context.Context, orderID uuid.UUID) (bool, error)
	MarkOrderPaymentFailed(ctx context.Context, orderID uuid.UUID) (bool, error)
	CancelOrphanedOrder(ctx context.Context, orderID uuid.UUID) (bool, error)
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status models.OrderStatus) error
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error)
	ListOrphanedOrders(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error)
	ListStaleSessionOrders(ctx context.Context, olderThan time.Time, after models.OrderCursor, limit int) ([]models.Order, error)
}

// Catalog is the book store collaborator. It is read at checkout and its
// stock is decremented through stock adjustments once an order is paid.
type Catalog interface {
	FindBook(ctx context.Context, id uuid.UUID) (*models.Book, error)
	ApplyStockAdjustment(ctx context.Context, orderID, bookID uuid.UUID) (bool, error)
	RecordAdjustmentFailure(ctx context.Context, orderID, bookID uuid.UUID, reason string, permanent bool, maxAttempts int) (models.AdjustmentStatus, error)
	ListPendingAdjustments(ctx context.Context, orderID *uuid.UUID, limit int) ([]models.StockAdjustment, error)
}

// ReportStore aggregates paid orders.
type ReportStore interface {
	TotalPaidRevenue(ctx context.Context) (decimal.Decimal, error)
	PaidOrdersByWeekday(ctx context.Context) ([]models.RevenuePoint, error)
	PaidRevenueByMonth(ctx context.Context) ([]models.RevenuePoint, error)
	PurchasedBooks(ctx context.Context, userID *uuid.UUID) ([]models.PurchasedBook, error)
}

// PaymentProcessor hosts checkout sessions and signs webhooks.
type PaymentProcessor interface {
	CreateSession(ctx context.Context, req *models.SessionRequest) (*models.PaymentSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (*models.PaymentSession, error)
	ParseWebhook(payload []byte, signature string) (*models.WebhookEvent, error)
}

// EventPublisher emits order domain events. Publishing is best effort.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderPaymentFailed(ctx context.Context, event *models.OrderPaymentFailedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishStockAdjustmentFailed(ctx context.Context, event *models.StockAdjustmentFailedEvent) error
}

// ProcessedEvents remembers webhook event ids that were handled.
type ProcessedEvents interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

// ReportCache caches report results as JSON.
type ReportCache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}
