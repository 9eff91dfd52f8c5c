package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated          = "ORDER_CREATED"
	EventTypeOrderPaid             = "ORDER_PAID"
	EventTypeOrderPaymentFailed    = "ORDER_PAYMENT_FAILED"
	EventTypeOrderStatusChanged    = "ORDER_STATUS_CHANGED"
	EventTypeStockAdjustmentFailed = "STOCK_ADJUSTMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and the current time.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// OrderCreatedEvent published once a checkout session is attached to an order
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     uuid.UUID       `json:"order_id"`
	SessionID   string          `json:"session_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderPaidEvent published by the reconciliation that won the paid transition
type OrderPaidEvent struct {
	BaseEvent
	OrderID     uuid.UUID       `json:"order_id"`
	SessionID   string          `json:"session_id"`
	Channel     string          `json:"channel"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// OrderPaymentFailedEvent published when a session is reported failed or expired
type OrderPaymentFailedEvent struct {
	BaseEvent
	OrderID   uuid.UUID `json:"order_id"`
	SessionID string    `json:"session_id"`
	Channel   string    `json:"channel"`
}

// OrderStatusChangedEvent published on administrative status updates
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID   uuid.UUID   `json:"order_id"`
	OldStatus OrderStatus `json:"old_status"`
	NewStatus OrderStatus `json:"new_status"`
}

// StockAdjustmentFailedEvent asks the stock worker to retry an order's pending decrements
type StockAdjustmentFailedEvent struct {
	BaseEvent
	OrderID  uuid.UUID `json:"order_id"`
	BookID   uuid.UUID `json:"book_id"`
	Quantity int       `json:"quantity"`
	Reason   string    `json:"reason"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	BookID   uuid.UUID       `json:"book_id"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}
