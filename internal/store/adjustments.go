package store

import (
	"context"
	"database/sql"
	"errors"

	"bookstore/internal/apperr"
	"bookstore/internal/models"

	"github.com/google/uuid"
)

// ApplyStockAdjustment claims a pending adjustment and decrements the book's
// stock in the same transaction. It reports false when the adjustment is not
// pending any more, which makes repeated calls harmless.
func (s *Store) ApplyStockAdjustment(ctx context.Context, orderID, bookID uuid.UUID) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, apperr.Dependency(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var quantity int
	err = tx.GetContext(ctx, &quantity, `
		UPDATE stock_adjustments
		SET status = 'applied', attempts = attempts + 1, last_error = NULL, updated_at = NOW()
		WHERE order_id = $1 AND book_id = $2 AND status = 'pending'
		RETURNING quantity`,
		orderID, bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Dependency(err, "failed to claim stock adjustment")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE books SET stock = stock - $1, updated_at = NOW()
		WHERE id = $2 AND stock >= $1`,
		quantity, bookID)
	if err != nil {
		return false, apperr.Dependency(err, "failed to decrement stock for book %s", bookID)
	}
	ok, err := applied(res)
	if err != nil {
		return false, err
	}
	if !ok {
		var exists bool
		if err := tx.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM books WHERE id = $1)", bookID); err != nil {
			return false, apperr.Dependency(err, "failed to check book %s", bookID)
		}
		if !exists {
			return false, apperr.NotFound("book not found: %s", bookID)
		}
		return false, apperr.ErrInsufficientStock
	}

	if err := tx.Commit(); err != nil {
		return false, apperr.Dependency(err, "failed to commit stock adjustment")
	}
	return true, nil
}

// RecordAdjustmentFailure counts a failed attempt. The adjustment becomes
// failed when permanent is set or maxAttempts is reached; the resulting status
// is returned.
func (s *Store) RecordAdjustmentFailure(ctx context.Context, orderID, bookID uuid.UUID, reason string, permanent bool, maxAttempts int) (models.AdjustmentStatus, error) {
	var status models.AdjustmentStatus
	err := s.db.GetContext(ctx, &status, `
		UPDATE stock_adjustments
		SET attempts = attempts + 1,
			last_error = $3,
			status = CASE WHEN $4 OR attempts + 1 >= $5 THEN 'failed' ELSE 'pending' END,
			updated_at = NOW()
		WHERE order_id = $1 AND book_id = $2 AND status = 'pending'
		RETURNING status`,
		orderID, bookID, reason, permanent, maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("no pending stock adjustment for order %s book %s", orderID, bookID)
	}
	if err != nil {
		return "", apperr.Dependency(err, "failed to record stock adjustment failure")
	}
	return status, nil
}

// ListPendingAdjustments returns pending adjustments, oldest first. A nil
// orderID lists across all orders.
func (s *Store) ListPendingAdjustments(ctx context.Context, orderID *uuid.UUID, limit int) ([]models.StockAdjustment, error) {
	var (
		adjustments []models.StockAdjustment
		err         error
	)
	if orderID != nil {
		err = s.db.SelectContext(ctx, &adjustments, `
			SELECT * FROM stock_adjustments
			WHERE order_id = $1 AND status = 'pending'
			ORDER BY book_id
			LIMIT $2`,
			*orderID, limit)
	} else {
		err = s.db.SelectContext(ctx, &adjustments, `
			SELECT * FROM stock_adjustments
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT $1`,
			limit)
	}
	if err != nil {
		return nil, apperr.Dependency(err, "failed to list stock adjustments")
	}
	return adjustments, nil
}
