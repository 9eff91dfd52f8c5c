package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is the fulfilment status of an order.
type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// OrderStatuses lists every status an operator may set.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// Valid reports whether s is one of OrderStatuses.
func (s OrderStatus) Valid() bool {
	for _, status := range OrderStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// PaymentStatus is the settlement status of an order. Paid and failed are terminal.
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// DefaultCountry is used when a shipping address omits the country.
const DefaultCountry = "Nepal"

// Book is a catalog record. The order service only reads it and decrements stock.
type Book struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	Title      string          `db:"title" json:"title"`
	AuthorName string          `db:"author_name" json:"authorName"`
	Price      decimal.Decimal `db:"price" json:"price"`
	Discount   decimal.Decimal `db:"discount" json:"discount"`
	Stock      int             `db:"stock" json:"stock"`
	Image      string          `db:"image" json:"image"`
	Category   string          `db:"category" json:"category"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updatedAt"`
}

// FinalPrice is the price after discount.
func (b *Book) FinalPrice() decimal.Decimal {
	return b.Price.Sub(b.Discount)
}

// ShippingAddress is snapshotted onto the order at checkout.
type ShippingAddress struct {
	FullName string `db:"shipping_full_name" json:"fullName"`
	Phone    string `db:"shipping_phone" json:"phone"`
	Address  string `db:"shipping_address" json:"address"`
	City     string `db:"shipping_city" json:"city"`
	State    string `db:"shipping_state" json:"state"`
	ZipCode  string `db:"shipping_zip_code" json:"zipCode"`
	Country  string `db:"shipping_country" json:"country"`
}

// Order is the central entity. Orders are never deleted.
type Order struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	UserID            *uuid.UUID      `db:"user_id" json:"userId,omitempty"`
	Items             []OrderItem     `db:"-" json:"items"`
	ShippingAddress   `json:"shippingAddress"`
	TotalAmount       decimal.Decimal `db:"total_amount" json:"totalAmount"`
	Currency          string          `db:"currency" json:"currency"`
	Status            OrderStatus     `db:"status" json:"status"`
	PaymentStatus     PaymentStatus   `db:"payment_status" json:"paymentStatus"`
	PaymentSessionID  *string         `db:"payment_session_id" json:"paymentSessionId,omitempty"`
	PaymentSessionURL *string         `db:"payment_session_url" json:"-"`
	IdempotencyKey    *string         `db:"idempotency_key" json:"-"`
	PaidAt            *time.Time      `db:"paid_at" json:"paidAt,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
}

// SessionID returns the attached payment session reference, or "".
func (o *Order) SessionID() string {
	if o.PaymentSessionID == nil {
		return ""
	}
	return *o.PaymentSessionID
}

// SessionURL returns the attached hosted checkout URL, or "".
func (o *Order) SessionURL() string {
	if o.PaymentSessionURL == nil {
		return ""
	}
	return *o.PaymentSessionURL
}

// OrderItem is a line item snapshot taken at checkout.
type OrderItem struct {
	ID       int64           `db:"id" json:"-"`
	OrderID  uuid.UUID       `db:"order_id" json:"-"`
	BookID   uuid.UUID       `db:"book_id" json:"bookId"`
	Title    string          `db:"title" json:"title"`
	Price    decimal.Decimal `db:"price" json:"price"`
	Quantity int             `db:"quantity" json:"quantity"`
	Image    string          `db:"image" json:"image"`
}

// Subtotal is price times quantity.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// AdjustmentStatus tracks a pending stock decrement.
type AdjustmentStatus string

// Stock adjustment statuses
const (
	AdjustmentStatusPending AdjustmentStatus = "pending"
	AdjustmentStatusApplied AdjustmentStatus = "applied"
	AdjustmentStatusFailed  AdjustmentStatus = "failed"
)

// StockAdjustment is the durable record of one stock decrement owed by a paid
// order. There is at most one per (order, book).
type StockAdjustment struct {
	OrderID   uuid.UUID        `db:"order_id" json:"orderId"`
	BookID    uuid.UUID        `db:"book_id" json:"bookId"`
	Quantity  int              `db:"quantity" json:"quantity"`
	Status    AdjustmentStatus `db:"status" json:"status"`
	Attempts  int              `db:"attempts" json:"attempts"`
	LastError *string          `db:"last_error" json:"lastError,omitempty"`
	CreatedAt time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time        `db:"updated_at" json:"updatedAt"`
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	Status        OrderStatus
	PaymentStatus PaymentStatus
	UserID        *uuid.UUID
	Limit         int
	Offset        int
}

// OrderCursor is a position in creation order. The zero cursor is the start.
type OrderCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// RevenuePoint is one bucket of a revenue or order-count report.
type RevenuePoint struct {
	Name    string          `json:"name"`
	Orders  int             `json:"orders,omitempty"`
	Revenue decimal.Decimal `json:"revenue"`
}

// PurchasedBook aggregates paid line items per book.
type PurchasedBook struct {
	BookID        uuid.UUID       `db:"book_id" json:"bookId"`
	Title         string          `db:"title" json:"title"`
	Price         decimal.Decimal `db:"price" json:"price"`
	Image         string          `db:"image" json:"image"`
	PurchaseCount int             `db:"purchase_count" json:"purchaseCount"`
}
