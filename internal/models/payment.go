package models

import "github.com/shopspring/decimal"

// SettlementState is a payment outcome as reported by one signal.
type SettlementState string

const (
	SettlementSettled SettlementState = "settled"
	SettlementPending SettlementState = "pending"
	SettlementFailed  SettlementState = "failed"
)

// Channel identifies where a settlement signal came from. It is used for
// logging and metrics only.
type Channel string

const (
	ChannelRedirect Channel = "redirect"
	ChannelWebhook  Channel = "webhook"
	ChannelManual   Channel = "manual"
	ChannelSweep    Channel = "sweep"
)

// SettlementSignal says "session X reports payment state Y". Not persisted.
type SettlementSignal struct {
	SessionID string
	State     SettlementState
	Channel   Channel
	// OrderID is the order reference carried in processor metadata, if any.
	OrderID string
}

// Processor-reported session payment statuses.
const (
	SessionPaymentPaid              = "paid"
	SessionPaymentUnpaid            = "unpaid"
	SessionPaymentNoPaymentRequired = "no_payment_required"
)

// Processor-reported session lifecycle statuses.
const (
	SessionStatusOpen     = "open"
	SessionStatusComplete = "complete"
	SessionStatusExpired  = "expired"
)

// PaymentSession is a hosted checkout session at the payment processor.
type PaymentSession struct {
	ID            string
	URL           string
	Status        string
	PaymentStatus string
	OrderID       string
}

// SettlementState translates the processor's view of the session.
func (s *PaymentSession) SettlementState() SettlementState {
	switch {
	case s.PaymentStatus == SessionPaymentPaid, s.PaymentStatus == SessionPaymentNoPaymentRequired:
		return SettlementSettled
	case s.Status == SessionStatusExpired:
		return SettlementFailed
	default:
		return SettlementPending
	}
}

// SessionLineItem is one priced line of a checkout session.
type SessionLineItem struct {
	Name      string
	Image     string
	UnitPrice decimal.Decimal
	Quantity  int
}

// MetadataOrderID is the session metadata key carrying the order id.
const MetadataOrderID = "orderId"

// SessionRequest asks the processor for a hosted checkout session.
type SessionRequest struct {
	OrderID    string
	Currency   string
	LineItems  []SessionLineItem
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// Webhook event types handled by the reconciler.
const (
	WebhookCheckoutCompleted          = "checkout.session.completed"
	WebhookCheckoutAsyncPaymentOK     = "checkout.session.async_payment_succeeded"
	WebhookCheckoutAsyncPaymentFailed = "checkout.session.async_payment_failed"
	WebhookCheckoutExpired            = "checkout.session.expired"
)

// WebhookEvent is a verified processor event reduced to the fields the
// reconciler needs. Session is nil for events that do not carry one.
type WebhookEvent struct {
	ID      string
	Type    string
	Session *PaymentSession
}
