// Package payment talks to Stripe Checkout on behalf of the order service.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bookstore/internal/apperr"
	"bookstore/internal/models"
	"bookstore/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeProcessor creates and reads Checkout sessions and verifies webhooks.
type StripeProcessor struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
}

// NewStripeProcessor builds a processor for the given secret key. backends may
// be nil to use Stripe's default HTTP backends.
func NewStripeProcessor(secretKey, webhookSecret string, backends *stripe.Backends) *StripeProcessor {
	api := &client.API{}
	api.Init(secretKey, backends)

	return &StripeProcessor{
		api:           api,
		webhookSecret: webhookSecret,
		tolerance:     webhook.DefaultTolerance,
	}
}

// CreateSession creates a hosted payment-mode Checkout session.
func (p *StripeProcessor) CreateSession(ctx context.Context, req *models.SessionRequest) (*models.PaymentSession, error) {
	ctx, span := util.StartSpan(ctx, "StripeProcessor.CreateSession")
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentProcessorLatency.WithLabelValues("create_session").Observe(time.Since(start).Seconds())
	}()

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		ClientReferenceID:  stripe.String(req.OrderID),
		LineItems:          lineItemParams(req),
	}
	params.Context = ctx
	params.SetIdempotencyKey("checkout-" + req.OrderID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	session, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		util.RecordError(span, err)
		return nil, mapStripeError(err, "failed to create checkout session")
	}
	return toPaymentSession(session), nil
}

// RetrieveSession reads the current state of a Checkout session.
func (p *StripeProcessor) RetrieveSession(ctx context.Context, sessionID string) (*models.PaymentSession, error) {
	ctx, span := util.StartSpan(ctx, "StripeProcessor.RetrieveSession")
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentProcessorLatency.WithLabelValues("retrieve_session").Observe(time.Since(start).Seconds())
	}()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	session, err := p.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		util.RecordError(span, err)
		return nil, mapStripeError(err, "failed to retrieve checkout session")
	}
	return toPaymentSession(session), nil
}

// ParseWebhook verifies the Stripe-Signature header against the raw payload
// and decodes the event. Checkout session events carry the session.
func (p *StripeProcessor) ParseWebhook(payload []byte, signature string) (*models.WebhookEvent, error) {
	if signature == "" {
		return nil, apperr.Authentication(errors.New("missing signature header"), "no signature found")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, apperr.Authentication(err, "webhook signature verification failed")
	}

	out := &models.WebhookEvent{ID: event.ID, Type: string(event.Type)}
	switch out.Type {
	case models.WebhookCheckoutCompleted,
		models.WebhookCheckoutAsyncPaymentOK,
		models.WebhookCheckoutAsyncPaymentFailed,
		models.WebhookCheckoutExpired:
		if event.Data == nil {
			return nil, apperr.Validation("webhook event has no data", nil)
		}
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, apperr.Validation(fmt.Sprintf("malformed checkout session in event %s", event.ID), nil)
		}
		out.Session = toPaymentSession(&session)
	}
	return out, nil
}

func lineItemParams(req *models.SessionRequest) []*stripe.CheckoutSessionLineItemParams {
	items := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.LineItems))
	for _, li := range req.LineItems {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(li.Name),
		}
		if li.Image != "" {
			product.Images = stripe.StringSlice([]string{li.Image})
		}

		items = append(items, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(req.Currency),
				ProductData: product,
				UnitAmount:  stripe.Int64(MinorUnits(li.UnitPrice)),
			},
			Quantity: stripe.Int64(int64(li.Quantity)),
		})
	}
	return items
}

// MinorUnits converts a major-unit amount to the smallest currency unit, rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func toPaymentSession(s *stripe.CheckoutSession) *models.PaymentSession {
	return &models.PaymentSession{
		ID:            s.ID,
		URL:           s.URL,
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
		OrderID:       s.Metadata[models.MetadataOrderID],
	}
}

func mapStripeError(err error, msg string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
		return apperr.NotFound("payment session not found")
	}
	return apperr.Dependency(err, msg)
}
