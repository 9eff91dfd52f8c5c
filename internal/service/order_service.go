package service

import (
	"context"
	"fmt"
	"time"

	"bookstore/internal/apperr"
	"bookstore/internal/models"
	"bookstore/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Report cache keys
const (
	cacheKeyRevenueTotal   = "reports:revenue:total"
	cacheKeyOrdersWeekly   = "reports:orders:weekly"
	cacheKeyRevenueMonthly = "reports:revenue:monthly"
)

// OrderService handles order administration and reporting
type OrderService struct {
	orders    OrderRepository
	reports   ReportStore
	cache     ReportCache
	publisher EventPublisher
	cacheTTL  time.Duration
	logger    *zap.Logger
}

// NewOrderService creates a new order service. cache may be nil.
func NewOrderService(
	orders OrderRepository,
	reports ReportStore,
	cache ReportCache,
	publisher EventPublisher,
	cacheTTL time.Duration,
) *OrderService {
	return &OrderService{
		orders:    orders,
		reports:   reports,
		cache:     cache,
		publisher: publisher,
		cacheTTL:  cacheTTL,
		logger:    util.GetLogger(),
	}
}

// UpdateStatusRequest represents an administrative status change
type UpdateStatusRequest struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// UpdateStatus sets the fulfilment status of an order. The payment status is
// not touched.
func (s *OrderService) UpdateStatus(ctx context.Context, req *UpdateStatusRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()

	fields := map[string]string{}
	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		fields["orderId"] = "must be a valid order id"
	}
	status := models.OrderStatus(req.Status)
	if !status.Valid() {
		fields["status"] = fmt.Sprintf("must be one of %v", models.OrderStatuses)
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid status update", fields)
	}
	span.SetAttributes(attribute.String("order_id", orderID.String()))

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	oldStatus := order.Status

	if err := s.orders.UpdateOrderStatus(ctx, orderID, status); err != nil {
		return nil, err
	}

	s.logger.Info("Order status updated",
		zap.String("order_id", orderID.String()),
		zap.String("old_status", string(oldStatus)),
		zap.String("new_status", string(status)))

	if status == models.OrderStatusCancelled && oldStatus != models.OrderStatusCancelled {
		util.OrdersCancelledTotal.WithLabelValues("admin").Inc()
	}

	event := &models.OrderStatusChangedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:   orderID,
		OldStatus: oldStatus,
		NewStatus: status,
	}
	if err := s.publisher.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.String("order_id", orderID.String()), zap.Error(err))
	}

	return s.orders.GetOrderByID(ctx, orderID)
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder", attribute.String("order_id", orderID.String()))
	defer span.End()

	return s.orders.GetOrderByID(ctx, orderID)
}

// ListOrders returns orders newest first.
func (s *OrderService) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	fields := map[string]string{}
	if filter.Status != "" && !filter.Status.Valid() {
		fields["status"] = fmt.Sprintf("must be one of %v", models.OrderStatuses)
	}
	switch filter.PaymentStatus {
	case "", models.PaymentStatusPending, models.PaymentStatusPaid, models.PaymentStatusFailed:
	default:
		fields["paymentStatus"] = "must be one of pending, paid, failed"
	}
	if filter.Offset < 0 {
		fields["offset"] = "must not be negative"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid order filter", fields)
	}

	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return s.orders.ListOrders(ctx, filter)
}

// TotalRevenue sums the totals of all paid orders.
func (s *OrderService) TotalRevenue(ctx context.Context) (decimal.Decimal, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.TotalRevenue")
	defer span.End()

	return cached(ctx, s, cacheKeyRevenueTotal, s.reports.TotalPaidRevenue)
}

// WeeklyOrders counts paid orders per weekday.
func (s *OrderService) WeeklyOrders(ctx context.Context) ([]models.RevenuePoint, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.WeeklyOrders")
	defer span.End()

	return cached(ctx, s, cacheKeyOrdersWeekly, s.reports.PaidOrdersByWeekday)
}

// MonthlyRevenue sums paid revenue per calendar month.
func (s *OrderService) MonthlyRevenue(ctx context.Context) ([]models.RevenuePoint, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.MonthlyRevenue")
	defer span.End()

	return cached(ctx, s, cacheKeyRevenueMonthly, s.reports.PaidRevenueByMonth)
}

// PurchasedBooks aggregates books bought in paid orders, optionally for one user.
func (s *OrderService) PurchasedBooks(ctx context.Context, userID *uuid.UUID) ([]models.PurchasedBook, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PurchasedBooks")
	defer span.End()

	return s.reports.PurchasedBooks(ctx, userID)
}

func cached[T any](ctx context.Context, s *OrderService, key string, load func(context.Context) (T, error)) (T, error) {
	if s.cache != nil {
		var hit T
		found, err := s.cache.GetJSON(ctx, key, &hit)
		if err != nil {
			s.logger.Warn("Report cache read failed", zap.String("key", key), zap.Error(err))
		}
		if found && err == nil {
			return hit, nil
		}
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, value, s.cacheTTL); err != nil {
			s.logger.Warn("Report cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return value, nil
}
