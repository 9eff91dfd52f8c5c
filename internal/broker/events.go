package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"bookstore/internal/models"
	"bookstore/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is the producer side used by EventPublisher
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing order domain events
type EventPublisher struct {
	producer Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID uuid.UUID) string {
	return fmt.Sprintf("order-%s", orderID)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderPaid publishes OrderPaid event
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderPaymentFailed publishes OrderPaymentFailed event
func (ep *EventPublisher) PublishOrderPaymentFailed(ctx context.Context, event *models.OrderPaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishStockAdjustmentFailed publishes StockAdjustmentFailed event
func (ep *EventPublisher) PublishStockAdjustmentFailed(ctx context.Context, event *models.StockAdjustmentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventHandler routes incoming events to registered callbacks
type EventHandler struct {
	onStockAdjustmentFailed func(context.Context, *models.StockAdjustmentFailedEvent) error
	logger                  *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnStockAdjustmentFailed registers a handler for StockAdjustmentFailed events
func (eh *EventHandler) OnStockAdjustmentFailed(handler func(context.Context, *models.StockAdjustmentFailedEvent) error) {
	eh.onStockAdjustmentFailed = handler
}

// HandleMessage routes messages to appropriate handlers. Event types without a
// handler are skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeStockAdjustmentFailed:
		if eh.onStockAdjustmentFailed != nil {
			var event models.StockAdjustmentFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal StockAdjustmentFailed event: %w", err)
			}
			eh.logger.Info("Handling event",
				zap.String("type", baseEvent.EventType),
				zap.String("event_id", baseEvent.EventID))
			return eh.onStockAdjustmentFailed(ctx, &event)
		}

	default:
		eh.logger.Debug("Skipping event", zap.String("type", baseEvent.EventType))
	}

	return nil
}
