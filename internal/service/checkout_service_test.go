package service

import (
	"context"
	"errors"
	"testing"

	"bookstore/internal/apperr"
	"bookstore/internal/models"
	"bookstore/internal/util"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionRecordsPendingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bookA := f.store.AddBook("Sirish", "450", 5)
	bookB := f.store.AddBook("Yogmaya", "300.50", 3)

	resp, err := f.checkout.CreateSession(ctx, checkoutRequest(line{bookA, "450", 2}, line{bookB, "300.50", 1}))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SessionID)
	assert.NotEmpty(t, resp.SessionURL)

	order, err := f.store.GetOrderByID(ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, resp.SessionID, order.SessionID())
	assert.Equal(t, "npr", order.Currency)
	assert.Equal(t, models.DefaultCountry, order.Country)
	assert.True(t, decimal.RequireFromString("1200.50").Equal(order.TotalAmount))
	require.Len(t, order.Items, 2)
	assert.Equal(t, bookA, order.Items[0].BookID)
	assert.Equal(t, 2, order.Items[0].Quantity)

	// Stock is untouched until the payment settles.
	assert.Equal(t, 5, f.store.Stock(bookA))

	require.Len(t, f.processor.Requests, 1)
	req := f.processor.Requests[0]
	assert.Equal(t, order.ID.String(), req.Metadata[models.MetadataOrderID])
	assert.Equal(t, "https://shop.example.com/order-success?session_id={CHECKOUT_SESSION_ID}", req.SuccessURL)
	assert.Equal(t, "https://shop.example.com/order-failed", req.CancelURL)
	require.Len(t, req.LineItems, 2)
	assert.Equal(t, 1, f.publisher.Count(models.EventTypeOrderCreated))
}

func TestCreateSessionChargesShippingAsLineItem(t *testing.T) {
	f := newFixture(t)
	book := f.store.AddBook("Seto Bagh", "500", 5)

	req := checkoutRequest(line{book, "500", 1})
	req.TotalAmount = decimal.RequireFromString("600")

	_, err := f.checkout.CreateSession(context.Background(), req)
	require.NoError(t, err)

	items := f.processor.Requests[0].LineItems
	require.Len(t, items, 2)
	assert.Equal(t, shippingLineName, items[1].Name)
	assert.True(t, decimal.NewFromInt(100).Equal(items[1].UnitPrice))
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	book := f.store.AddBook("Alikhit", "200", 5)

	tests := []struct {
		name   string
		mutate func(*CreateSessionRequest)
		field  string
	}{
		{"empty cart", func(r *CreateSessionRequest) { r.Items = nil }, "items"},
		{"missing address", func(r *CreateSessionRequest) { r.ShippingAddress = nil }, "shippingAddress"},
		{"missing city", func(r *CreateSessionRequest) { r.ShippingAddress.City = " " }, "shippingAddress.city"},
		{"zero total", func(r *CreateSessionRequest) { r.TotalAmount = decimal.Zero }, "totalAmount"},
		{"negative total", func(r *CreateSessionRequest) { r.TotalAmount = decimal.NewFromInt(-5) }, "totalAmount"},
		{"total below items", func(r *CreateSessionRequest) { r.TotalAmount = decimal.NewFromInt(10) }, "totalAmount"},
		{"zero quantity", func(r *CreateSessionRequest) { r.Items[0].Quantity = 0 }, "items[0].quantity"},
		{"bad book id", func(r *CreateSessionRequest) { r.Items[0].BookID = "not-a-uuid" }, "items[0].bookId"},
		{"missing title", func(r *CreateSessionRequest) { r.Items[0].Title = "" }, "items[0].title"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := checkoutRequest(line{book, "200", 1})
			tt.mutate(req)

			_, err := f.checkout.CreateSession(context.Background(), req)
			require.ErrorIs(t, err, apperr.ErrValidation)
			assert.Contains(t, apperr.FieldErrors(err), tt.field)
		})
	}

	assert.Equal(t, 0, f.store.OrderCount())
	assert.Empty(t, f.processor.Requests)
}

func TestCreateSessionChecksCatalog(t *testing.T) {
	f := newFixture(t)
	book := f.store.AddBook("Pagal Basti", "350", 2)
	missing := f.store.AddBook("placeholder", "1", 1)

	// Two lines for the same book count against its stock together.
	_, err := f.checkout.CreateSession(context.Background(), checkoutRequest(line{book, "350", 1}, line{book, "350", 2}))
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, apperr.FieldErrors(err), "items[0].quantity")

	other := newFixture(t)
	_, err = other.checkout.CreateSession(context.Background(), checkoutRequest(line{missing, "1", 1}))
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, apperr.FieldErrors(err), "items[0].bookId")

	assert.Equal(t, 0, f.store.OrderCount())
	assert.Equal(t, 0, other.store.OrderCount())
}

func TestCreateSessionProcessorFailureLeavesOrphan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.store.AddBook("Nepali Brihat Shabdakosh", "1500", 2)
	f.processor.CreateErr = errors.New("connection refused")

	_, err := f.checkout.CreateSession(ctx, checkoutRequest(line{book, "1500", 1}))
	require.ErrorIs(t, err, apperr.ErrDependency)

	orders, err := f.store.ListOrders(ctx, models.OrderFilter{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, models.PaymentStatusPending, orders[0].PaymentStatus)
	assert.Nil(t, orders[0].PaymentSessionID)
	assert.Equal(t, 0, f.publisher.Count(models.EventTypeOrderCreated))
}

func TestCreateSessionHonoursIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.store.AddBook("Shirishko Phool", "275", 5)

	req := checkoutRequest(line{book, "275", 1})
	req.IdempotencyKey = "cart-42"

	f.processor.CreateErr = errors.New("timeout")
	_, err := f.checkout.CreateSession(ctx, req)
	require.Error(t, err)
	f.processor.CreateErr = nil

	first, err := f.checkout.CreateSession(ctx, req)
	require.NoError(t, err)
	second, err := f.checkout.CreateSession(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.store.OrderCount())
	assert.Len(t, f.processor.Requests, 2)
}

func TestCreateSessionNeverAttachesToCancelledOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.store.AddBook("Muna Madan", "120", 4)

	req := checkoutRequest(line{book, "120", 1})
	req.IdempotencyKey = "cart-77"

	f.processor.CreateErr = errors.New("timeout")
	_, err := f.checkout.CreateSession(ctx, req)
	require.ErrorIs(t, err, apperr.ErrDependency)
	f.processor.CreateErr = nil

	orphan, err := f.store.GetOrderByIdempotencyKey(ctx, "cart-77")
	require.NoError(t, err)
	require.NotNil(t, orphan)

	// The sweeper cancels the orphan while the retry waits on the processor.
	f.processor.BeforeCreate = func(*models.SessionRequest) {
		won, err := f.store.CancelOrphanedOrder(ctx, orphan.ID)
		require.NoError(t, err)
		require.True(t, won)
	}

	resp, err := f.checkout.CreateSession(ctx, req)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Nil(t, resp)

	stored, err := f.store.GetOrderByID(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PaymentSessionID)
	assert.Equal(t, models.PaymentStatusFailed, stored.PaymentStatus)
	assert.Equal(t, models.OrderStatusCancelled, stored.Status)
	assert.Equal(t, 0, f.publisher.Count(models.EventTypeOrderCreated))

	// Later retries see the cancelled order and do not reach the processor.
	f.processor.BeforeCreate = nil
	requests := len(f.processor.Requests)
	_, err = f.checkout.CreateSession(ctx, req)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Len(t, f.processor.Requests, requests)
}

func TestCreateSessionKeepsCartPriceAndCountsMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.store.AddBook("Basain", "450", 3)
	before := promtest.ToFloat64(util.CartPriceMismatchTotal)

	order := f.placeOrder(t, line{book, "400", 1})

	assert.Equal(t, 1.0, promtest.ToFloat64(util.CartPriceMismatchTotal)-before)
	assert.True(t, decimal.RequireFromString("400").Equal(order.Items[0].Price))

	before = promtest.ToFloat64(util.CartPriceMismatchTotal)
	_, err := f.checkout.CreateSession(ctx, checkoutRequest(line{book, "450", 1}))
	require.NoError(t, err)
	assert.Equal(t, 0.0, promtest.ToFloat64(util.CartPriceMismatchTotal)-before)
}
