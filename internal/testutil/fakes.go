package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"bookstore/internal/apperr"
	"bookstore/internal/models"
)

// ValidSignature is the only signature FakeProcessor.ParseWebhook accepts.
const ValidSignature = "t=1,v1=valid"

// FakeProcessor is an in-memory payment processor.
type FakeProcessor struct {
	mu       sync.Mutex
	sessions map[string]*models.PaymentSession
	seq      int

	// CreateErr and RetrieveErr, when set, are returned by the matching call.
	CreateErr   error
	RetrieveErr error

	// BeforeCreate, when set, runs at the start of CreateSession.
	BeforeCreate func(req *models.SessionRequest)

	Requests    []*models.SessionRequest
	Retrievals  int
	ParseCalled int
}

// NewFakeProcessor returns a processor with no sessions.
func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{sessions: make(map[string]*models.PaymentSession)}
}

func (p *FakeProcessor) CreateSession(ctx context.Context, req *models.SessionRequest) (*models.PaymentSession, error) {
	if p.BeforeCreate != nil {
		p.BeforeCreate(req)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.Requests = append(p.Requests, req)
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	p.seq++
	session := &models.PaymentSession{
		ID:            fmt.Sprintf("cs_test_%d", p.seq),
		URL:           fmt.Sprintf("https://checkout.example.com/pay/cs_test_%d", p.seq),
		Status:        models.SessionStatusOpen,
		PaymentStatus: models.SessionPaymentUnpaid,
		OrderID:       req.OrderID,
	}
	p.sessions[session.ID] = session
	c := *session
	return &c, nil
}

func (p *FakeProcessor) RetrieveSession(ctx context.Context, sessionID string) (*models.PaymentSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Retrievals++
	if p.RetrieveErr != nil {
		return nil, p.RetrieveErr
	}
	session, ok := p.sessions[sessionID]
	if !ok {
		return nil, apperr.NotFound("payment session not found")
	}
	c := *session
	return &c, nil
}

// PutSession registers or replaces a session.
func (p *FakeProcessor) PutSession(session models.PaymentSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[session.ID] = &session
}

// Pay marks a session as completed and paid.
func (p *FakeProcessor) Pay(sessionID string) {
	p.setState(sessionID, models.SessionStatusComplete, models.SessionPaymentPaid)
}

// Expire marks a session as expired and unpaid.
func (p *FakeProcessor) Expire(sessionID string) {
	p.setState(sessionID, models.SessionStatusExpired, models.SessionPaymentUnpaid)
}

func (p *FakeProcessor) setState(sessionID, status, paymentStatus string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[sessionID]; ok {
		s.Status = status
		s.PaymentStatus = paymentStatus
	}
}

type webhookPayload struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Session *models.PaymentSession `json:"session,omitempty"`
}

// WebhookPayload encodes an event the way ParseWebhook expects it.
func WebhookPayload(id, eventType string, session *models.PaymentSession) []byte {
	raw, _ := json.Marshal(webhookPayload{ID: id, Type: eventType, Session: session})
	return raw
}

func (p *FakeProcessor) ParseWebhook(payload []byte, signature string) (*models.WebhookEvent, error) {
	p.mu.Lock()
	p.ParseCalled++
	p.mu.Unlock()

	if signature != ValidSignature {
		return nil, apperr.Authentication(errors.New("signature mismatch"), "webhook signature verification failed")
	}
	var event webhookPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, apperr.Validation("malformed webhook payload", nil)
	}
	return &models.WebhookEvent{ID: event.ID, Type: event.Type, Session: event.Session}, nil
}

// RecordingPublisher remembers the type of every published event.
type RecordingPublisher struct {
	mu    sync.Mutex
	types []string
	Err   error
}

func (p *RecordingPublisher) record(eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
	return p.Err
}

func (p *RecordingPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return p.record(event.EventType)
}

func (p *RecordingPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return p.record(event.EventType)
}

func (p *RecordingPublisher) PublishOrderPaymentFailed(ctx context.Context, event *models.OrderPaymentFailedEvent) error {
	return p.record(event.EventType)
}

func (p *RecordingPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return p.record(event.EventType)
}

func (p *RecordingPublisher) PublishStockAdjustmentFailed(ctx context.Context, event *models.StockAdjustmentFailedEvent) error {
	return p.record(event.EventType)
}

// Count returns how many events of eventType were published.
func (p *RecordingPublisher) Count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, t := range p.types {
		if t == eventType {
			n++
		}
	}
	return n
}

// MemoryEvents tracks processed webhook event ids.
type MemoryEvents struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewMemoryEvents() *MemoryEvents {
	return &MemoryEvents{seen: make(map[string]bool)}
}

func (e *MemoryEvents) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seen[eventID], nil
}

func (e *MemoryEvents) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen[eventID] {
		return false, nil
	}
	e.seen[eventID] = true
	return true, nil
}

// MemoryCache is a JSON cache without expiry.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	Sets    int
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]byte)}
}

func (c *MemoryCache) GetJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	c.mu.Lock()
	raw, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (c *MemoryCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = raw
	c.Sets++
	return nil
}
