package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookstore/internal/apperr"
	"bookstore/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CreateOrder inserts an order and its line items in one transaction
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Dependency(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (
			id, user_id,
			shipping_full_name, shipping_phone, shipping_address, shipping_city,
			shipping_state, shipping_zip_code, shipping_country,
			total_amount, currency, status, payment_status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at`

	addr := order.ShippingAddress
	err = tx.QueryRowxContext(ctx, query,
		order.ID, order.UserID,
		addr.FullName, addr.Phone, addr.Address, addr.City,
		addr.State, addr.ZipCode, addr.Country,
		order.TotalAmount, order.Currency, order.Status, order.PaymentStatus, order.IdempotencyKey,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return apperr.Dependency(err, "failed to create order")
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err := tx.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, book_id, title, price, quantity, image)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			item.OrderID, item.BookID, item.Title, item.Price, item.Quantity, item.Image)
		if err != nil {
			return apperr.Dependency(err, "failed to create order item")
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Dependency(err, "failed to commit order")
	}
	return nil
}

// AttachPaymentSession sets the session reference once. It reports false when
// the order already carries a session or is no longer payment pending.
func (s *Store) AttachPaymentSession(ctx context.Context, orderID uuid.UUID, sessionID, sessionURL string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_session_id = $1, payment_session_url = $2, updated_at = NOW()
		WHERE id = $3 AND payment_session_id IS NULL AND payment_status = 'pending'`,
		sessionID, sessionURL, orderID)
	if err != nil {
		return false, apperr.Dependency(err, "failed to attach payment session")
	}
	return applied(res)
}

// GetOrderByID retrieves an order with its items
func (s *Store) GetOrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT * FROM orders WHERE id = $1", id)
}

// GetOrderBySessionID retrieves an order by its payment session reference
func (s *Store) GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT * FROM orders WHERE payment_session_id = $1", sessionID)
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key; nil when absent
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	order, err := s.getOrder(ctx, "SELECT * FROM orders WHERE idempotency_key = $1", key)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return order, err
}

func (s *Store) getOrder(ctx context.Context, query string, arg interface{}) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("order not found: %v", arg)
	}
	if err != nil {
		return nil, apperr.Dependency(err, "failed to load order")
	}

	if err := s.loadItems(ctx, []*models.Order{&order}); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) loadItems(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(orders))
	byID := make(map[uuid.UUID]*models.Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = o
		o.Items = []models.OrderItem{}
	}

	query, args, err := sqlx.In("SELECT * FROM order_items WHERE order_id IN (?) ORDER BY id", ids)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)

	var items []models.OrderItem
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return apperr.Dependency(err, "failed to load order items")
	}
	for _, item := range items {
		o := byID[item.OrderID]
		o.Items = append(o.Items, item)
	}
	return nil
}

// MarkOrderPaid moves an order from payment pending to paid/processing and
// queues one pending stock adjustment per book, all in one transaction. It
// reports false, changing nothing, when the order is no longer payment pending.
func (s *Store) MarkOrderPaid(ctx context.Context, orderID uuid.UUID) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, apperr.Dependency(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = 'paid', status = 'processing', paid_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND payment_status = 'pending'`,
		orderID)
	if err != nil {
		return false, apperr.Dependency(err, "failed to mark order paid")
	}
	ok, err := applied(res)
	if err != nil || !ok {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_adjustments (order_id, book_id, quantity, status)
		SELECT order_id, book_id, SUM(quantity), 'pending'
		FROM order_items
		WHERE order_id = $1
		GROUP BY order_id, book_id
		ON CONFLICT (order_id, book_id) DO NOTHING`,
		orderID)
	if err != nil {
		return false, apperr.Dependency(err, "failed to queue stock adjustments")
	}

	if err := tx.Commit(); err != nil {
		return false, apperr.Dependency(err, "failed to commit paid transition")
	}
	return true, nil
}

// MarkOrderPaymentFailed moves a payment pending order to failed/cancelled
func (s *Store) MarkOrderPaymentFailed(ctx context.Context, orderID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = 'failed', status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND payment_status = 'pending'`,
		orderID)
	if err != nil {
		return false, apperr.Dependency(err, "failed to mark order payment failed")
	}
	return applied(res)
}

// CancelOrphanedOrder cancels a payment pending order that never got a session
func (s *Store) CancelOrphanedOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = 'failed', status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND payment_status = 'pending' AND payment_session_id IS NULL`,
		orderID)
	if err != nil {
		return false, apperr.Dependency(err, "failed to cancel orphaned order")
	}
	return applied(res)
}

// UpdateOrderStatus sets the fulfilment status
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status models.OrderStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	if err != nil {
		return apperr.Dependency(err, "failed to update order status")
	}
	ok, err := applied(res)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("order not found: %s", orderID)
	}
	return nil
}

// ListOrders returns orders newest first
func (s *Store) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.PaymentStatus != "" {
		args = append(args, filter.PaymentStatus)
		where = append(where, fmt.Sprintf("payment_status = $%d", len(args)))
	}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}

	query := "SELECT * FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var orders []models.Order
	if err := s.db.SelectContext(ctx, &orders, query, args...); err != nil {
		return nil, apperr.Dependency(err, "failed to list orders")
	}

	ptrs := make([]*models.Order, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	if err := s.loadItems(ctx, ptrs); err != nil {
		return nil, err
	}
	return orders, nil
}

// ListOrphanedOrders returns payment pending orders without a session created
// before olderThan, oldest first.
func (s *Store) ListOrphanedOrders(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE payment_status = 'pending' AND payment_session_id IS NULL AND created_at < $1
		ORDER BY created_at, id
		LIMIT $2`,
		olderThan, limit)
	if err != nil {
		return nil, apperr.Dependency(err, "failed to list orphaned orders")
	}
	return orders, nil
}

// ListStaleSessionOrders returns payment pending orders with a session created
// before olderThan and after the cursor, in creation order.
func (s *Store) ListStaleSessionOrders(ctx context.Context, olderThan time.Time, after models.OrderCursor, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE payment_status = 'pending' AND payment_session_id IS NOT NULL
			AND created_at < $1 AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4`,
		olderThan, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, apperr.Dependency(err, "failed to list stale orders")
	}
	return orders, nil
}

func applied(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Dependency(err, "failed to read affected rows")
	}
	return n > 0, nil
}
