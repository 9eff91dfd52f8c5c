package service

import (
	"context"
	"testing"
	"time"

	"bookstore/internal/models"
	"bookstore/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store      *testutil.MemoryStore
	processor  *testutil.FakeProcessor
	publisher  *testutil.RecordingPublisher
	events     *testutil.MemoryEvents
	cache      *testutil.MemoryCache
	reconciler *Reconciler
	checkout   *CheckoutService
	orders     *OrderService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:     testutil.NewMemoryStore(),
		processor: testutil.NewFakeProcessor(),
		publisher: &testutil.RecordingPublisher{},
		events:    testutil.NewMemoryEvents(),
		cache:     testutil.NewMemoryCache(),
	}
	f.reconciler = NewReconciler(f.store, f.store, f.processor, f.publisher, f.events, ReconcilerConfig{
		StockMaxAttempts: 3,
		PaymentTimeout:   time.Second,
		OrderTimeout:     5 * time.Minute,
	})
	f.checkout = NewCheckoutService(f.store, f.store, f.processor, f.publisher, CheckoutConfig{
		BaseURL:        "https://shop.example.com/",
		Currency:       "npr",
		PaymentTimeout: time.Second,
	})
	f.orders = NewOrderService(f.store, f.store, f.cache, f.publisher, time.Minute)
	return f
}

type line struct {
	book  uuid.UUID
	price string
	qty   int
}

func testAddress() *models.ShippingAddress {
	return &models.ShippingAddress{
		FullName: "Sita Sharma",
		Phone:    "9800000000",
		Address:  "Lazimpat 12",
		City:     "Kathmandu",
		State:    "Bagmati",
		ZipCode:  "44600",
	}
}

func checkoutRequest(lines ...line) *CreateSessionRequest {
	req := &CreateSessionRequest{ShippingAddress: testAddress(), TotalAmount: decimal.Zero}
	for _, l := range lines {
		price := decimal.RequireFromString(l.price)
		req.Items = append(req.Items, CheckoutItem{
			BookID:   l.book.String(),
			Title:    "Book " + l.book.String()[:8],
			Price:    price,
			Quantity: l.qty,
		})
		req.TotalAmount = req.TotalAmount.Add(price.Mul(decimal.NewFromInt(int64(l.qty))))
	}
	return req
}

// placeOrder checks out the given lines and returns the created order.
func (f *fixture) placeOrder(t *testing.T, lines ...line) *models.Order {
	t.Helper()

	resp, err := f.checkout.CreateSession(context.Background(), checkoutRequest(lines...))
	require.NoError(t, err)

	order, err := f.store.GetOrderByID(context.Background(), resp.OrderID)
	require.NoError(t, err)
	return order
}

func settled(sessionID string, channel models.Channel) models.SettlementSignal {
	return models.SettlementSignal{SessionID: sessionID, State: models.SettlementSettled, Channel: channel}
}

// paidWebhook builds a completed checkout event for an order's session.
func paidWebhook(eventID string, order *models.Order) []byte {
	return testutil.WebhookPayload(eventID, models.WebhookCheckoutCompleted, &models.PaymentSession{
		ID:            order.SessionID(),
		Status:        models.SessionStatusComplete,
		PaymentStatus: models.SessionPaymentPaid,
		OrderID:       order.ID.String(),
	})
}
