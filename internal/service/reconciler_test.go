package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bookstore/internal/apperr"
	"bookstore/internal/models"
	"bookstore/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileSettledDecrementsStockExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bookA := f.store.AddBook("The Alchemist", "450", 5)
	bookB := f.store.AddBook("Palpasa Cafe", "300", 3)
	order := f.placeOrder(t, line{bookA, "450", 2}, line{bookB, "300", 1})

	first, err := f.reconciler.Reconcile(ctx, settled(order.SessionID(), models.ChannelRedirect))
	require.NoError(t, err)
	assert.True(t, first.Paid)
	assert.True(t, first.Applied)
	assert.Equal(t, models.PaymentStatusPaid, first.Order.PaymentStatus)
	assert.Equal(t, models.OrderStatusProcessing, first.Order.Status)
	assert.Equal(t, 3, f.store.Stock(bookA))
	assert.Equal(t, 2, f.store.Stock(bookB))

	second, err := f.reconciler.Reconcile(ctx, settled(order.SessionID(), models.ChannelRedirect))
	require.NoError(t, err)
	assert.True(t, second.Paid)
	assert.False(t, second.Applied)
	assert.Equal(t, first.Order.PaymentStatus, second.Order.PaymentStatus)
	assert.Equal(t, first.Order.Status, second.Order.Status)
	assert.Equal(t, 3, f.store.Stock(bookA))
	assert.Equal(t, 2, f.store.Stock(bookB))

	assert.Equal(t, 2, f.store.StockDecrements)
	assert.Equal(t, 1, f.publisher.Count(models.EventTypeOrderPaid))
}

func TestReconcileAlreadyPaidIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.store.AddBook("Seto Dharti", "500", 4)
	order := f.placeOrder(t, line{book, "500", 1})

	require.NoError(t, f.reconciler.HandleWebhook(ctx, paidWebhook("evt_1", order), testutil.ValidSignature))
	require.Equal(t, 3, f.store.Stock(book))
	attempts := f.store.MarkPaidAttempts

	result, err := f.reconciler.Reconcile(ctx, settled(order.SessionID(), models.ChannelManual))
	require.NoError(t, err)
	assert.True(t, result.Paid)
	assert.False(t, result.Applied)
	assert.Equal(t, 3, f.store.Stock(book))
	assert.Equal(t, attempts, f.store.MarkPaidAttempts)
}

func TestReconcileChannelOrderIndependence(t *testing.T) {
	type outcome struct {
		status        models.OrderStatus
		paymentStatus models.PaymentStatus
		stockA        int
		stockB        int
	}

	run := func(t *testing.T, steps ...func(*fixture, *models.Order)) outcome {
		f := newFixture(t)
		bookA := f.store.AddBook("Muna Madan", "200", 5)
		bookB := f.store.AddBook("Shirishko Phool", "350", 3)
		order := f.placeOrder(t, line{bookA, "200", 2}, line{bookB, "350", 1})
		f.processor.Pay(order.SessionID())

		for _, step := range steps {
			step(f, order)
		}

		final, err := f.store.GetOrderByID(context.Background(), order.ID)
		require.NoError(t, err)
		return outcome{final.Status, final.PaymentStatus, f.store.Stock(bookA), f.store.Stock(bookB)}
	}

	webhook := func(f *fixture, o *models.Order) {
		require.NoError(t, f.reconciler.HandleWebhook(context.Background(), paidWebhook("evt_"+o.ID.String(), o), testutil.ValidSignature))
	}
	manual := func(f *fixture, o *models.Order) {
		result, err := f.reconciler.ReconcileOrder(context.Background(), o.ID)
		require.NoError(t, err)
		require.True(t, result.Paid)
	}
	redirect := func(f *fixture, o *models.Order) {
		result, err := f.reconciler.Verify(context.Background(), o.SessionID())
		require.NoError(t, err)
		require.True(t, result.Paid)
	}

	want := outcome{models.OrderStatusProcessing, models.PaymentStatusPaid, 3, 2}
	assert.Equal(t, want, run(t, webhook))
	assert.Equal(t, want, run(t, manual))
	assert.Equal(t, want, run(t, webhook, manual))
	assert.Equal(t, want, run(t, manual, webhook))
	assert.Equal(t, want, run(t, redirect, webhook, manual))
}

func TestReconcileConcurrentSignalsApplyOnce(t *testing.T) {
	f := newFixture(t)
	book := f.store.AddBook("Karnali Blues", "600", 10)
	order := f.placeOrder(t, line{book, "600", 3})

	channels := []models.Channel{models.ChannelWebhook, models.ChannelRedirect, models.ChannelManual, models.ChannelSweep}

	var wg sync.WaitGroup
	var applied, paid int32
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(ch models.Channel) {
			defer wg.Done()
			result, err := f.reconciler.Reconcile(context.Background(), settled(order.SessionID(), ch))
			if !assert.NoError(t, err) {
				return
			}
			if result.Applied {
				atomic.AddInt32(&applied, 1)
			}
			if result.Paid {
				atomic.AddInt32(&paid, 1)
			}
		}(channels[i%len(channels)])
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied)
	assert.Equal(t, int32(40), paid)
	assert.Equal(t, 7, f.store.Stock(book))
	assert.Equal(t, 1, f.store.StockDecrements)
	assert.Equal(t, 1, f.publisher.Count(models.EventTypeOrderPaid))
}

func TestReconcileUnknownSessionFailsWithoutRecords(t *testing.T) {
	f := newFixture(t)

	_, err := f.reconciler.Reconcile(context.Background(), settled("cs_forged", models.ChannelWebhook))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 0, f.store.OrderCount())
	assert.Equal(t, 0, f.store.MarkPaidAttempts)
	assert.Equal(t, 0, f.publisher.Count(models.EventTypeOrderPaid))
}

func TestReconcileRejectsMismatchedOrderReference(t *testing.T) {
	f := newFixture(t)
	book := f.store.AddBook("Summer Love", "250", 2)
	order := f.placeOrder(t, line{book, "250", 1})

	signal := settled(order.SessionID(), models.ChannelWebhook)
	signal.OrderID = "2d1c0a8e-0000-4000-8000-000000000000"

	_, err := f.reconciler.Reconcile(context.Background(), signal)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 2, f.store.Stock(book))
}

func TestReconcilePendingLeavesOrderUnchanged(t *testing.T) {
	f := newFixture(t)
	book := f.store.AddBook("Radha", "700", 2)
	order := f.placeOrder(t, line{book, "700", 1})

	result, err := f.reconciler.Reconcile(context.Background(), models.SettlementSignal{
		SessionID: order.SessionID(),
		State:     models.SettlementPending,
		Channel:   models.ChannelRedirect,
	})
	require.NoError(t, err)
	assert.False(t, result.Paid)
	assert.False(t, result.Applied)
	assert.Equal(t, models.PaymentStatusPending, result.Order.PaymentStatus)
	assert.Equal(t, 2, f.store.Stock(book))
}

func TestReconcileFailedCancelsWithoutStockChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.store.AddBook("Jhola", "150", 4)
	order := f.placeOrder(t, line{book, "150", 2})

	result, err := f.reconciler.Reconcile(ctx, models.SettlementSignal{
		SessionID: order.SessionID(),
		State:     models.SettlementFailed,
		Channel:   models.ChannelWebhook,
	})
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.False(t, result.Paid)
	assert.Equal(t, models.PaymentStatusFailed, result.Order.PaymentStatus)
	assert.Equal(t, models.OrderStatusCancelled, result.Order.Status)
	assert.Equal(t, 1, f.publisher.Count(models.EventTypeOrderPaymentFailed))

	// Failed is terminal: a late settled signal does not pay the order.
	late, err := f.reconciler.Reconcile(ctx, settled(order.SessionID(), models.ChannelManual))
	require.NoError(t, err)
	assert.False(t, late.Paid)
	assert.Equal(t, models.PaymentStatusFailed, late.Order.PaymentStatus)
	assert.Equal(t, 4, f.store.Stock(book))
}

func TestStockFailureIsRecordedAndRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bookA := f.store.AddBook("Basain", "400", 5)
	bookB := f.store.AddBook("Aaja Ramita Chha", "380", 3)
	order := f.placeOrder(t, line{bookA, "400", 2}, line{bookB, "380", 1})

	f.store.SetFailDecrement(bookA, apperr.Dependency(errors.New("connection reset"), "failed to decrement stock"))

	result, err := f.reconciler.Reconcile(ctx, settled(order.SessionID(), models.ChannelWebhook))
	require.NoError(t, err)
	assert.True(t, result.Paid)
	assert.True(t, result.Applied)
	assert.Equal(t, 5, f.store.Stock(bookA))
	assert.Equal(t, 2, f.store.Stock(bookB))

	adj, ok := f.store.Adjustment(order.ID, bookA)
	require.True(t, ok)
	assert.Equal(t, models.AdjustmentStatusPending, adj.Status)
	assert.Equal(t, 1, adj.Attempts)
	require.NotNil(t, adj.LastError)
	assert.Contains(t, *adj.LastError, "connection reset")
	assert.Equal(t, 1, f.publisher.Count(models.EventTypeStockAdjustmentFailed))

	f.store.SetFailDecrement(bookA, nil)

	applied, err := f.reconciler.RetryOrderAdjustments(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 3, f.store.Stock(bookA))

	applied, err = f.reconciler.RetryOrderAdjustments(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Equal(t, 3, f.store.Stock(bookA))
	assert.Equal(t, 2, f.store.Stock(bookB))
}

func TestStockRetryGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.store.AddBook("Loo", "320", 5)
	order := f.placeOrder(t, line{book, "320", 1})

	f.store.SetFailDecrement(book, errors.New("timeout"))

	_, err := f.reconciler.Reconcile(ctx, settled(order.SessionID(), models.ChannelWebhook))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.reconciler.RetryPendingAdjustments(ctx)
		require.NoError(t, err)
	}

	adj, ok := f.store.Adjustment(order.ID, book)
	require.True(t, ok)
	assert.Equal(t, models.AdjustmentStatusFailed, adj.Status)
	assert.Equal(t, 3, adj.Attempts)
	assert.Equal(t, 5, f.store.Stock(book))

	// The order stays paid.
	current, err := f.store.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, current.PaymentStatus)
}

func TestInsufficientStockFailsAdjustmentPermanently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.store.AddBook("Ghamko Chhaya", "280", 5)
	first := f.placeOrder(t, line{book, "280", 3})
	second := f.placeOrder(t, line{book, "280", 3})

	_, err := f.reconciler.Reconcile(ctx, settled(first.SessionID(), models.ChannelWebhook))
	require.NoError(t, err)
	require.Equal(t, 2, f.store.Stock(book))

	result, err := f.reconciler.Reconcile(ctx, settled(second.SessionID(), models.ChannelWebhook))
	require.NoError(t, err)
	assert.True(t, result.Paid)
	assert.Equal(t, 2, f.store.Stock(book))

	adj, ok := f.store.Adjustment(second.ID, book)
	require.True(t, ok)
	assert.Equal(t, models.AdjustmentStatusFailed, adj.Status)
	assert.Equal(t, 0, f.publisher.Count(models.EventTypeStockAdjustmentFailed))
}

func TestHandleWebhookRejectsBadSignatureBeforeLookup(t *testing.T) {
	f := newFixture(t)
	book := f.store.AddBook("Mayur Times", "500", 2)
	order := f.placeOrder(t, line{book, "500", 1})

	err := f.reconciler.HandleWebhook(context.Background(), paidWebhook("evt_forged", order), "t=1,v1=forged")
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
	assert.Equal(t, 0, f.store.SessionLookups)

	current, err := f.store.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, current.PaymentStatus)
	assert.Equal(t, 2, f.store.Stock(book))
}

func TestHandleWebhookIgnoresUnhandledEvents(t *testing.T) {
	f := newFixture(t)

	payload := testutil.WebhookPayload("evt_other", "payment_intent.created", nil)
	assert.NoError(t, f.reconciler.HandleWebhook(context.Background(), payload, testutil.ValidSignature))
	assert.Equal(t, 0, f.store.SessionLookups)
}

func TestHandleWebhookAcknowledgesUnknownSession(t *testing.T) {
	f := newFixture(t)

	payload := testutil.WebhookPayload("evt_stale", models.WebhookCheckoutCompleted, &models.PaymentSession{
		ID:            "cs_unknown",
		PaymentStatus: models.SessionPaymentPaid,
	})
	assert.NoError(t, f.reconciler.HandleWebhook(context.Background(), payload, testutil.ValidSignature))
	assert.Equal(t, 0, f.store.OrderCount())
}

func TestHandleWebhookSkipsRedeliveredEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.store.AddBook("Doshi Chasma", "250", 3)
	order := f.placeOrder(t, line{book, "250", 1})

	payload := paidWebhook("evt_redelivered", order)
	require.NoError(t, f.reconciler.HandleWebhook(ctx, payload, testutil.ValidSignature))
	lookups := f.store.SessionLookups

	require.NoError(t, f.reconciler.HandleWebhook(ctx, payload, testutil.ValidSignature))
	assert.Equal(t, lookups, f.store.SessionLookups)
	assert.Equal(t, 2, f.store.Stock(book))
}

func TestHandleWebhookDelayedPaymentStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.store.AddBook("Phirphire", "220", 3)
	order := f.placeOrder(t, line{book, "220", 1})

	completed := testutil.WebhookPayload("evt_completed", models.WebhookCheckoutCompleted, &models.PaymentSession{
		ID:            order.SessionID(),
		Status:        models.SessionStatusComplete,
		PaymentStatus: models.SessionPaymentUnpaid,
		OrderID:       order.ID.String(),
	})
	require.NoError(t, f.reconciler.HandleWebhook(ctx, completed, testutil.ValidSignature))

	current, err := f.store.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, current.PaymentStatus)

	succeeded := testutil.WebhookPayload("evt_async_ok", models.WebhookCheckoutAsyncPaymentOK, &models.PaymentSession{
		ID:            order.SessionID(),
		Status:        models.SessionStatusComplete,
		PaymentStatus: models.SessionPaymentPaid,
		OrderID:       order.ID.String(),
	})
	require.NoError(t, f.reconciler.HandleWebhook(ctx, succeeded, testutil.ValidSignature))

	current, err = f.store.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, current.PaymentStatus)
	assert.Equal(t, 2, f.store.Stock(book))
}

func TestHandleWebhookExpiredSessionCancelsOrder(t *testing.T) {
	f := newFixture(t)
	book := f.store.AddBook("Sumnima", "180", 3)
	order := f.placeOrder(t, line{book, "180", 1})

	payload := testutil.WebhookPayload("evt_expired", models.WebhookCheckoutExpired, &models.PaymentSession{
		ID:            order.SessionID(),
		Status:        models.SessionStatusExpired,
		PaymentStatus: models.SessionPaymentUnpaid,
		OrderID:       order.ID.String(),
	})
	require.NoError(t, f.reconciler.HandleWebhook(context.Background(), payload, testutil.ValidSignature))

	current, err := f.store.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, current.PaymentStatus)
	assert.Equal(t, models.OrderStatusCancelled, current.Status)
	assert.Equal(t, 3, f.store.Stock(book))
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.store.AddBook("Modiain", "260", 3)
	order := f.placeOrder(t, line{book, "260", 1})

	_, err := f.reconciler.Verify(ctx, "cs_unknown")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 0, f.processor.Retrievals)

	_, err = f.reconciler.Verify(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	open, err := f.reconciler.Verify(ctx, order.SessionID())
	require.NoError(t, err)
	assert.False(t, open.Paid)
	assert.Equal(t, 3, f.store.Stock(book))

	f.processor.Pay(order.SessionID())
	paid, err := f.reconciler.Verify(ctx, order.SessionID())
	require.NoError(t, err)
	assert.True(t, paid.Paid)
	assert.True(t, paid.Applied)
	assert.Equal(t, 2, f.store.Stock(book))

	again, err := f.reconciler.Verify(ctx, order.SessionID())
	require.NoError(t, err)
	assert.True(t, again.Paid)
	assert.False(t, again.Applied)
	assert.Equal(t, 2, f.store.Stock(book))
}

func TestReconcileOrderRequiresSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.store.AddBook("Ek Haraf", "300", 3)

	f.processor.CreateErr = apperr.Dependency(errors.New("processor down"), "failed to create checkout session")
	_, err := f.checkout.CreateSession(ctx, checkoutRequest(line{book, "300", 1}))
	require.ErrorIs(t, err, apperr.ErrDependency)

	orders, err := f.store.ListOrders(ctx, models.OrderFilter{})
	require.NoError(t, err)
	require.Len(t, orders, 1)

	_, err = f.reconciler.ReconcileOrder(ctx, orders[0].ID)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSweepStaleOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.store.AddBook("Bisheshwar", "100", 10)

	paid := f.placeOrder(t, line{book, "100", 1})
	f.processor.Pay(paid.SessionID())
	expired := f.placeOrder(t, line{book, "100", 1})
	f.processor.Expire(expired.SessionID())
	open := f.placeOrder(t, line{book, "100", 1})
	fresh := f.placeOrder(t, line{book, "100", 1})
	f.processor.Pay(fresh.SessionID())

	f.processor.CreateErr = errors.New("processor down")
	_, err := f.checkout.CreateSession(ctx, checkoutRequest(line{book, "100", 1}))
	require.Error(t, err)
	f.processor.CreateErr = nil

	var orphanID uuid.UUID
	for _, o := range mustList(t, f) {
		if o.PaymentSessionID == nil {
			orphanID = o.ID
		}
	}
	require.NotEqual(t, uuid.Nil, orphanID)

	for _, id := range []uuid.UUID{paid.ID, expired.ID, open.ID, orphanID} {
		f.store.Backdate(id, time.Hour)
	}

	summary, err := f.reconciler.SweepStaleOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Polled: 3, Paid: 1, Failed: 1, Cancelled: 1}, summary)

	status := func(id uuid.UUID) models.PaymentStatus {
		o, err := f.store.GetOrderByID(ctx, id)
		require.NoError(t, err)
		return o.PaymentStatus
	}
	assert.Equal(t, models.PaymentStatusPaid, status(paid.ID))
	assert.Equal(t, models.PaymentStatusFailed, status(expired.ID))
	assert.Equal(t, models.PaymentStatusPending, status(open.ID))
	assert.Equal(t, models.PaymentStatusFailed, status(orphanID))
	assert.Equal(t, models.PaymentStatusPending, status(fresh.ID))
	assert.Equal(t, 9, f.store.Stock(book))
}

func TestSweepAdvancesPastOpenSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.store.AddBook("Jhola", "100", 20)
	reconciler := NewReconciler(f.store, f.store, f.processor, f.publisher, f.events, ReconcilerConfig{
		OrderTimeout: 5 * time.Minute,
		BatchSize:    3,
	})

	open := make([]*models.Order, 5)
	for i := range open {
		open[i] = f.placeOrder(t, line{book, "100", 1})
		f.store.Backdate(open[i].ID, time.Duration(10-i)*time.Hour)
	}

	f.processor.CreateErr = errors.New("processor down")
	req := checkoutRequest(line{book, "100", 1})
	req.IdempotencyKey = "late-orphan"
	_, err := f.checkout.CreateSession(ctx, req)
	require.Error(t, err)
	f.processor.CreateErr = nil
	orphan, err := f.store.GetOrderByIdempotencyKey(ctx, "late-orphan")
	require.NoError(t, err)
	require.NotNil(t, orphan)
	f.store.Backdate(orphan.ID, time.Hour)

	// The orphan is newer than a whole batch of open sessions and is still cancelled.
	summary, err := reconciler.SweepStaleOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Polled: 3, Cancelled: 1}, summary)

	cancelled, err := f.store.GetOrderByID(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)

	// The next sweep reaches the sessions the first one did not poll.
	f.processor.Pay(open[3].SessionID())
	f.processor.Pay(open[4].SessionID())
	summary, err = reconciler.SweepStaleOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Polled: 2, Paid: 2}, summary)

	// Then it starts over from the oldest.
	f.processor.Pay(open[0].SessionID())
	summary, err = reconciler.SweepStaleOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Polled: 3, Paid: 1}, summary)
	assert.Equal(t, 17, f.store.Stock(book))
}

func mustList(t *testing.T, f *fixture) []models.Order {
	t.Helper()
	orders, err := f.store.ListOrders(context.Background(), models.OrderFilter{})
	require.NoError(t, err)
	return orders
}
