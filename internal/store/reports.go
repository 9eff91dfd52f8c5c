package store

import (
	"context"

	"bookstore/internal/apperr"
	"bookstore/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	weekdayNames = []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}
	monthNames   = []string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}
)

type bucketRow struct {
	Bucket  int             `db:"bucket"`
	Orders  int             `db:"orders"`
	Revenue decimal.Decimal `db:"revenue"`
}

// TotalPaidRevenue sums the totals of paid orders
func (s *Store) TotalPaidRevenue(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.GetContext(ctx, &total,
		"SELECT COALESCE(SUM(total_amount), 0) FROM orders WHERE payment_status = 'paid'")
	if err != nil {
		return decimal.Zero, apperr.Dependency(err, "failed to sum revenue")
	}
	return total, nil
}

// PaidOrdersByWeekday counts paid orders per day of week, Sunday first
func (s *Store) PaidOrdersByWeekday(ctx context.Context) ([]models.RevenuePoint, error) {
	var rows []bucketRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT EXTRACT(DOW FROM created_at)::int AS bucket,
			COUNT(*) AS orders,
			COALESCE(SUM(total_amount), 0) AS revenue
		FROM orders
		WHERE payment_status = 'paid'
		GROUP BY bucket
		ORDER BY bucket`)
	if err != nil {
		return nil, apperr.Dependency(err, "failed to aggregate weekly orders")
	}

	points := make([]models.RevenuePoint, 0, len(rows))
	for _, r := range rows {
		points = append(points, models.RevenuePoint{Name: weekdayNames[r.Bucket], Orders: r.Orders, Revenue: r.Revenue})
	}
	return points, nil
}

// PaidRevenueByMonth sums paid order totals per calendar month
func (s *Store) PaidRevenueByMonth(ctx context.Context) ([]models.RevenuePoint, error) {
	var rows []bucketRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT EXTRACT(MONTH FROM created_at)::int AS bucket,
			COUNT(*) AS orders,
			COALESCE(SUM(total_amount), 0) AS revenue
		FROM orders
		WHERE payment_status = 'paid'
		GROUP BY bucket
		ORDER BY bucket`)
	if err != nil {
		return nil, apperr.Dependency(err, "failed to aggregate monthly revenue")
	}

	points := make([]models.RevenuePoint, 0, len(rows))
	for _, r := range rows {
		points = append(points, models.RevenuePoint{Name: monthNames[r.Bucket-1], Orders: r.Orders, Revenue: r.Revenue})
	}
	return points, nil
}

// PurchasedBooks aggregates paid line items per book, optionally for one user
func (s *Store) PurchasedBooks(ctx context.Context, userID *uuid.UUID) ([]models.PurchasedBook, error) {
	query := `
		SELECT oi.book_id,
			MIN(oi.title) AS title,
			MIN(oi.price) AS price,
			MIN(oi.image) AS image,
			SUM(oi.quantity) AS purchase_count
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE o.payment_status = 'paid' AND ($1::uuid IS NULL OR o.user_id = $1)
		GROUP BY oi.book_id
		ORDER BY purchase_count DESC`

	var books []models.PurchasedBook
	if err := s.db.SelectContext(ctx, &books, query, userID); err != nil {
		return nil, apperr.Dependency(err, "failed to aggregate purchased books")
	}
	return books, nil
}
