package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookstore/internal/apperr"
	"bookstore/internal/models"
	"bookstore/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// shippingLineName labels the line item covering the part of the total that
// is not attributable to books.
const shippingLineName = "Shipping"

// CheckoutConfig configures session creation.
type CheckoutConfig struct {
	BaseURL        string
	Currency       string
	PaymentTimeout time.Duration
}

// CheckoutService creates orders and their hosted payment sessions.
type CheckoutService struct {
	orders    OrderRepository
	catalog   Catalog
	processor PaymentProcessor
	publisher EventPublisher
	cfg       CheckoutConfig
	logger    *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	orders OrderRepository,
	catalog Catalog,
	processor PaymentProcessor,
	publisher EventPublisher,
	cfg CheckoutConfig,
) *CheckoutService {
	if cfg.Currency == "" {
		cfg.Currency = "npr"
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &CheckoutService{
		orders:    orders,
		catalog:   catalog,
		processor: processor,
		publisher: publisher,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// CheckoutItem is one cart line as submitted by the storefront.
type CheckoutItem struct {
	BookID   string          `json:"bookId"`
	Title    string          `json:"title"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Image    string          `json:"image"`
}

// CreateSessionRequest represents a checkout request
type CreateSessionRequest struct {
	Items           []CheckoutItem          `json:"items"`
	ShippingAddress *models.ShippingAddress `json:"shippingAddress"`
	TotalAmount     decimal.Decimal         `json:"totalAmount"`

	UserID         *uuid.UUID `json:"-"`
	IdempotencyKey string     `json:"-"`
}

// CreateSessionResponse is returned once the session is attached to the order
type CreateSessionResponse struct {
	OrderID    uuid.UUID `json:"orderId"`
	SessionID  string    `json:"sessionId"`
	SessionURL string    `json:"sessionUrl"`
}

// CreateSession validates the cart, records a pending order and opens a
// hosted payment session for it. The order is persisted before the processor
// is called and the session is attached only after the processor confirmed it.
func (s *CheckoutService) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateSession")
	defer span.End()

	items, err := validateCheckout(req)
	if err != nil {
		util.CheckoutFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.orders.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate checkout request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("order_id", existing.ID.String()))
			return s.resume(ctx, existing)
		}
	}

	if err := s.checkCatalog(ctx, items); err != nil {
		util.CheckoutFailedTotal.WithLabelValues("catalog").Inc()
		return nil, err
	}

	address := *req.ShippingAddress
	if address.Country == "" {
		address.Country = models.DefaultCountry
	}

	order := &models.Order{
		ID:              uuid.New(),
		UserID:          req.UserID,
		Items:           items,
		ShippingAddress: address,
		TotalAmount:     req.TotalAmount,
		Currency:        s.cfg.Currency,
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.PaymentStatusPending,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	if err := s.orders.CreateOrder(ctx, order); err != nil {
		if req.IdempotencyKey != "" {
			if existing, lookupErr := s.orders.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil && existing != nil {
				return s.resume(ctx, existing)
			}
		}
		util.CheckoutFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	span.SetAttributes(attribute.String("order_id", order.ID.String()))
	s.logger.Info("Order created",
		zap.String("order_id", order.ID.String()),
		zap.String("total_amount", order.TotalAmount.String()),
		zap.Int("items", len(order.Items)))

	return s.openSession(ctx, order)
}

// resume answers a repeated checkout request for an order that already exists.
func (s *CheckoutService) resume(ctx context.Context, order *models.Order) (*CreateSessionResponse, error) {
	if order.PaymentSessionID != nil {
		return &CreateSessionResponse{OrderID: order.ID, SessionID: order.SessionID(), SessionURL: order.SessionURL()}, nil
	}
	if order.PaymentStatus != models.PaymentStatusPending {
		return nil, apperr.Validation("checkout for this idempotency key was cancelled",
			map[string]string{"idempotencyKey": "already used by a cancelled order"})
	}
	return s.openSession(ctx, order)
}

func (s *CheckoutService) openSession(ctx context.Context, order *models.Order) (*CreateSessionResponse, error) {
	sessCtx, cancel := context.WithTimeout(ctx, s.cfg.PaymentTimeout)
	session, err := s.processor.CreateSession(sessCtx, s.sessionRequest(order))
	cancel()
	if err != nil {
		// The order stays pending without a session until the sweeper cancels it.
		util.OrdersOrphanedTotal.Inc()
		util.CheckoutFailedTotal.WithLabelValues("processor").Inc()
		s.logger.Error("Failed to create payment session, order left without session",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
		return nil, asDependency(err, "failed to create payment session")
	}

	attached, err := s.orders.AttachPaymentSession(ctx, order.ID, session.ID, session.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to attach payment session: %w", err)
	}
	if !attached {
		current, err := s.orders.GetOrderByID(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if current.PaymentStatus != models.PaymentStatusPending {
			// Cancelled while the processor was answering; the new session is never handed out.
			s.logger.Warn("Order settled before its payment session was attached",
				zap.String("order_id", order.ID.String()),
				zap.String("session_id", session.ID),
				zap.String("payment_status", string(current.PaymentStatus)))
			return nil, apperr.Validation("checkout for this order was cancelled",
				map[string]string{"orderId": "order is no longer awaiting payment"})
		}
		if current.PaymentSessionID == nil {
			return nil, apperr.Dependency(nil, "payment session for order %s could not be attached", order.ID)
		}
		return &CreateSessionResponse{OrderID: current.ID, SessionID: current.SessionID(), SessionURL: current.SessionURL()}, nil
	}

	s.logger.Info("Payment session attached",
		zap.String("order_id", order.ID.String()),
		zap.String("session_id", session.ID))

	itemData := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		itemData = append(itemData, models.OrderItemData{BookID: item.BookID, Quantity: item.Quantity, Price: item.Price})
	}
	event := &models.OrderCreatedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCreated),
		OrderID:     order.ID,
		SessionID:   session.ID,
		TotalAmount: order.TotalAmount,
		Items:       itemData,
	}
	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.String("order_id", order.ID.String()), zap.Error(err))
	}

	return &CreateSessionResponse{OrderID: order.ID, SessionID: session.ID, SessionURL: session.URL}, nil
}

func (s *CheckoutService) sessionRequest(order *models.Order) *models.SessionRequest {
	lineItems := make([]models.SessionLineItem, 0, len(order.Items)+1)
	subtotal := decimal.Zero
	for _, item := range order.Items {
		lineItems = append(lineItems, models.SessionLineItem{
			Name:      item.Title,
			Image:     item.Image,
			UnitPrice: item.Price,
			Quantity:  item.Quantity,
		})
		subtotal = subtotal.Add(item.Subtotal())
	}
	if extra := order.TotalAmount.Sub(subtotal); extra.IsPositive() {
		lineItems = append(lineItems, models.SessionLineItem{Name: shippingLineName, UnitPrice: extra, Quantity: 1})
	}

	return &models.SessionRequest{
		OrderID:    order.ID.String(),
		Currency:   order.Currency,
		LineItems:  lineItems,
		SuccessURL: s.cfg.BaseURL + "/order-success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.cfg.BaseURL + "/order-failed",
		Metadata:   map[string]string{models.MetadataOrderID: order.ID.String()},
	}
}

// checkCatalog confirms every book exists and has enough stock for the cart.
// Cart prices are charged as submitted; a line priced differently from the
// catalog is logged and counted.
func (s *CheckoutService) checkCatalog(ctx context.Context, items []models.OrderItem) error {
	need := make(map[uuid.UUID]int, len(items))
	for _, item := range items {
		need[item.BookID] += item.Quantity
	}

	fields := map[string]string{}
	books := make(map[uuid.UUID]*models.Book, len(need))
	for i, item := range items {
		book, seen := books[item.BookID]
		if !seen {
			var err error
			book, err = s.catalog.FindBook(ctx, item.BookID)
			if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				return asDependency(err, "failed to load book %s", item.BookID)
			}
			books[item.BookID] = book
			if book == nil {
				fields[fmt.Sprintf("items[%d].bookId", i)] = "book not found"
				continue
			}
			if book.Stock < need[item.BookID] {
				fields[fmt.Sprintf("items[%d].quantity", i)] = fmt.Sprintf("only %d in stock", book.Stock)
			}
		}
		if book == nil {
			continue
		}

		if catalogPrice := book.FinalPrice(); !item.Price.Equal(catalogPrice) {
			util.CartPriceMismatchTotal.Inc()
			s.logger.Warn("Cart price differs from catalog price",
				zap.String("book_id", item.BookID.String()),
				zap.String("cart_price", item.Price.String()),
				zap.String("catalog_price", catalogPrice.String()))
		}
	}

	if len(fields) > 0 {
		return apperr.Validation("some items are unavailable", fields)
	}
	return nil
}

// validateCheckout checks the request shape and snapshots the line items.
func validateCheckout(req *CreateSessionRequest) ([]models.OrderItem, error) {
	fields := map[string]string{}

	if len(req.Items) == 0 {
		fields["items"] = "cart is empty"
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	subtotal := decimal.Zero
	for i, it := range req.Items {
		prefix := fmt.Sprintf("items[%d]", i)

		bookID, err := uuid.Parse(it.BookID)
		if err != nil {
			fields[prefix+".bookId"] = "must be a valid book id"
		}
		if strings.TrimSpace(it.Title) == "" {
			fields[prefix+".title"] = "required"
		}
		if it.Quantity < 1 {
			fields[prefix+".quantity"] = "must be at least 1"
		}
		if it.Price.IsNegative() {
			fields[prefix+".price"] = "must not be negative"
		}

		item := models.OrderItem{
			BookID:   bookID,
			Title:    strings.TrimSpace(it.Title),
			Price:    it.Price,
			Quantity: it.Quantity,
			Image:    it.Image,
		}
		items = append(items, item)
		subtotal = subtotal.Add(item.Subtotal())
	}

	if req.ShippingAddress == nil {
		fields["shippingAddress"] = "required"
	} else {
		a := req.ShippingAddress
		required := []struct{ name, value string }{
			{"fullName", a.FullName},
			{"phone", a.Phone},
			{"address", a.Address},
			{"city", a.City},
			{"state", a.State},
			{"zipCode", a.ZipCode},
		}
		for _, f := range required {
			if strings.TrimSpace(f.value) == "" {
				fields["shippingAddress."+f.name] = "required"
			}
		}
	}

	switch {
	case !req.TotalAmount.IsPositive():
		fields["totalAmount"] = "must be positive"
	case len(req.Items) > 0 && req.TotalAmount.LessThan(subtotal):
		fields["totalAmount"] = "is less than the sum of the items"
	}

	if len(fields) > 0 {
		return nil, apperr.Validation("invalid checkout request", fields)
	}
	return items, nil
}

// asDependency keeps classified errors as they are and wraps everything else
// as a dependency failure.
func asDependency(err error, format string, args ...interface{}) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Dependency(err, format, args...)
}
