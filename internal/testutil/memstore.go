// Package testutil provides in-memory stand-ins for the order service's
// collaborators. All types are safe for concurrent use.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"bookstore/internal/apperr"
	"bookstore/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type adjustmentKey struct {
	orderID uuid.UUID
	bookID  uuid.UUID
}

// MemoryStore implements the order repository and catalog against maps. Each
// method holds the lock for its whole body, which gives the same per-call
// atomicity as a single SQL statement or transaction.
type MemoryStore struct {
	mu          sync.Mutex
	orders      map[uuid.UUID]*models.Order
	books       map[uuid.UUID]*models.Book
	adjustments map[adjustmentKey]*models.StockAdjustment

	// FailDecrement makes ApplyStockAdjustment fail for the given books.
	FailDecrement map[uuid.UUID]error

	SessionLookups   int
	StockDecrements  int
	MarkPaidAttempts int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:        make(map[uuid.UUID]*models.Order),
		books:         make(map[uuid.UUID]*models.Book),
		adjustments:   make(map[adjustmentKey]*models.StockAdjustment),
		FailDecrement: make(map[uuid.UUID]error),
	}
}

// AddBook seeds a catalog book and returns its id.
func (m *MemoryStore) AddBook(title string, price string, stock int) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	book := &models.Book{
		ID:        uuid.New(),
		Title:     title,
		Price:     decimal.RequireFromString(price),
		Discount:  decimal.Zero,
		Stock:     stock,
		CreatedAt: time.Now(),
	}
	m.books[book.ID] = book
	return book.ID
}

// Stock returns the current stock of a book.
func (m *MemoryStore) Stock(bookID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.books[bookID].Stock
}

// SetFailDecrement toggles a decrement failure for a book; nil clears it.
func (m *MemoryStore) SetFailDecrement(bookID uuid.UUID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.FailDecrement, bookID)
		return
	}
	m.FailDecrement[bookID] = err
}

// Adjustment returns a copy of the adjustment for (order, book), if any.
func (m *MemoryStore) Adjustment(orderID, bookID uuid.UUID) (models.StockAdjustment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	adj, ok := m.adjustments[adjustmentKey{orderID, bookID}]
	if !ok {
		return models.StockAdjustment{}, false
	}
	return *adj, true
}

// OrderCount returns the number of stored orders.
func (m *MemoryStore) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// Backdate moves an order's creation time into the past.
func (m *MemoryStore) Backdate(orderID uuid.UUID, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[orderID].CreatedAt = m.orders[orderID].CreatedAt.Add(-by)
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.Items = append([]models.OrderItem(nil), o.Items...)
	return &c
}

func (m *MemoryStore) FindBook(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	book, ok := m.books[id]
	if !ok {
		return nil, apperr.NotFound("book not found: %s", id)
	}
	c := *book
	return &c, nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if order.IdempotencyKey != nil {
		for _, o := range m.orders {
			if o.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
				return apperr.Dependency(nil, "duplicate idempotency key")
			}
		}
	}
	now := time.Now()
	order.CreatedAt, order.UpdatedAt = now, now
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *MemoryStore) AttachPaymentSession(ctx context.Context, orderID uuid.UUID, sessionID, sessionURL string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || o.PaymentSessionID != nil || o.PaymentStatus != models.PaymentStatusPending {
		return false, nil
	}
	o.PaymentSessionID = &sessionID
	o.PaymentSessionURL = &sessionURL
	o.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) GetOrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, apperr.NotFound("order not found: %s", id)
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SessionLookups++
	for _, o := range m.orders {
		if o.PaymentSessionID != nil && *o.PaymentSessionID == sessionID {
			return cloneOrder(o), nil
		}
	}
	return nil, apperr.NotFound("order not found: %s", sessionID)
}

func (m *MemoryStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		if o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			return cloneOrder(o), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) MarkOrderPaid(ctx context.Context, orderID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.MarkPaidAttempts++
	o, ok := m.orders[orderID]
	if !ok || o.PaymentStatus != models.PaymentStatusPending {
		return false, nil
	}
	now := time.Now()
	o.PaymentStatus = models.PaymentStatusPaid
	o.Status = models.OrderStatusProcessing
	o.PaidAt = &now
	o.UpdatedAt = now

	for _, item := range o.Items {
		key := adjustmentKey{orderID, item.BookID}
		if adj, ok := m.adjustments[key]; ok {
			adj.Quantity += item.Quantity
			continue
		}
		m.adjustments[key] = &models.StockAdjustment{
			OrderID:   orderID,
			BookID:    item.BookID,
			Quantity:  item.Quantity,
			Status:    models.AdjustmentStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return true, nil
}

func (m *MemoryStore) MarkOrderPaymentFailed(ctx context.Context, orderID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || o.PaymentStatus != models.PaymentStatusPending {
		return false, nil
	}
	o.PaymentStatus = models.PaymentStatusFailed
	o.Status = models.OrderStatusCancelled
	o.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) CancelOrphanedOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || o.PaymentStatus != models.PaymentStatusPending || o.PaymentSessionID != nil {
		return false, nil
	}
	o.PaymentStatus = models.PaymentStatusFailed
	o.Status = models.OrderStatusCancelled
	o.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status models.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return apperr.NotFound("order not found: %s", orderID)
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Order
	for _, o := range m.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.PaymentStatus != "" && o.PaymentStatus != filter.PaymentStatus {
			continue
		}
		if filter.UserID != nil && (o.UserID == nil || *o.UserID != *filter.UserID) {
			continue
		}
		out = append(out, *cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset >= len(out) {
		return []models.Order{}, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListOrphanedOrders(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error) {
	return m.stale(olderThan, limit, func(o *models.Order) bool {
		return o.PaymentSessionID == nil
	}), nil
}

func (m *MemoryStore) ListStaleSessionOrders(ctx context.Context, olderThan time.Time, after models.OrderCursor, limit int) ([]models.Order, error) {
	return m.stale(olderThan, limit, func(o *models.Order) bool {
		return o.PaymentSessionID != nil && cursorLess(after, models.OrderCursor{CreatedAt: o.CreatedAt, ID: o.ID})
	}), nil
}

func (m *MemoryStore) stale(olderThan time.Time, limit int, keep func(*models.Order) bool) []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Order
	for _, o := range m.orders {
		if o.PaymentStatus == models.PaymentStatusPending && o.CreatedAt.Before(olderThan) && keep(o) {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return cursorLess(models.OrderCursor{CreatedAt: out[i].CreatedAt, ID: out[i].ID},
			models.OrderCursor{CreatedAt: out[j].CreatedAt, ID: out[j].ID})
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// cursorLess orders like Postgres compares (created_at, id).
func cursorLess(a, b models.OrderCursor) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func (m *MemoryStore) ApplyStockAdjustment(ctx context.Context, orderID, bookID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	adj, ok := m.adjustments[adjustmentKey{orderID, bookID}]
	if !ok || adj.Status != models.AdjustmentStatusPending {
		return false, nil
	}
	if err := m.FailDecrement[bookID]; err != nil {
		return false, err
	}
	book, ok := m.books[bookID]
	if !ok {
		return false, apperr.NotFound("book not found: %s", bookID)
	}
	if book.Stock < adj.Quantity {
		return false, apperr.ErrInsufficientStock
	}

	book.Stock -= adj.Quantity
	adj.Status = models.AdjustmentStatusApplied
	adj.Attempts++
	adj.LastError = nil
	adj.UpdatedAt = time.Now()
	m.StockDecrements++
	return true, nil
}

func (m *MemoryStore) RecordAdjustmentFailure(ctx context.Context, orderID, bookID uuid.UUID, reason string, permanent bool, maxAttempts int) (models.AdjustmentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	adj, ok := m.adjustments[adjustmentKey{orderID, bookID}]
	if !ok || adj.Status != models.AdjustmentStatusPending {
		return "", apperr.NotFound("no pending stock adjustment for order %s book %s", orderID, bookID)
	}
	adj.Attempts++
	adj.LastError = &reason
	if permanent || adj.Attempts >= maxAttempts {
		adj.Status = models.AdjustmentStatusFailed
	}
	adj.UpdatedAt = time.Now()
	return adj.Status, nil
}

func (m *MemoryStore) ListPendingAdjustments(ctx context.Context, orderID *uuid.UUID, limit int) ([]models.StockAdjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.StockAdjustment
	for _, adj := range m.adjustments {
		if adj.Status != models.AdjustmentStatusPending {
			continue
		}
		if orderID != nil && adj.OrderID != *orderID {
			continue
		}
		out = append(out, *adj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookID.String() < out[j].BookID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TotalPaidRevenue(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for _, o := range m.orders {
		if o.PaymentStatus == models.PaymentStatusPaid {
			total = total.Add(o.TotalAmount)
		}
	}
	return total, nil
}

func (m *MemoryStore) PaidOrdersByWeekday(ctx context.Context) ([]models.RevenuePoint, error) {
	return m.bucket(func(t time.Time) (int, string) {
		return int(t.Weekday()), t.Weekday().String()[:3]
	}), nil
}

func (m *MemoryStore) PaidRevenueByMonth(ctx context.Context) ([]models.RevenuePoint, error) {
	return m.bucket(func(t time.Time) (int, string) {
		return int(t.Month()), t.Month().String()[:3]
	}), nil
}

func (m *MemoryStore) bucket(key func(time.Time) (int, string)) []models.RevenuePoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	points := map[int]*models.RevenuePoint{}
	for _, o := range m.orders {
		if o.PaymentStatus != models.PaymentStatusPaid {
			continue
		}
		k, name := key(o.CreatedAt)
		p, ok := points[k]
		if !ok {
			p = &models.RevenuePoint{Name: name, Revenue: decimal.Zero}
			points[k] = p
		}
		p.Orders++
		p.Revenue = p.Revenue.Add(o.TotalAmount)
	}

	keys := make([]int, 0, len(points))
	for k := range points {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]models.RevenuePoint, 0, len(keys))
	for _, k := range keys {
		out = append(out, *points[k])
	}
	return out
}

func (m *MemoryStore) PurchasedBooks(ctx context.Context, userID *uuid.UUID) ([]models.PurchasedBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byBook := map[uuid.UUID]*models.PurchasedBook{}
	for _, o := range m.orders {
		if o.PaymentStatus != models.PaymentStatusPaid {
			continue
		}
		if userID != nil && (o.UserID == nil || *o.UserID != *userID) {
			continue
		}
		for _, item := range o.Items {
			pb, ok := byBook[item.BookID]
			if !ok {
				pb = &models.PurchasedBook{BookID: item.BookID, Title: item.Title, Price: item.Price, Image: item.Image}
				byBook[item.BookID] = pb
			}
			pb.PurchaseCount += item.Quantity
		}
	}

	out := make([]models.PurchasedBook, 0, len(byBook))
	for _, pb := range byBook {
		out = append(out, *pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurchaseCount > out[j].PurchaseCount })
	return out, nil
}
