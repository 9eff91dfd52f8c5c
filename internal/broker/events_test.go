package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"bookstore/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProducer struct {
	keys   []string
	events []interface{}
}

func (p *recordingProducer) PublishEvent(ctx context.Context, key string, event interface{}) error {
	p.keys = append(p.keys, key)
	p.events = append(p.events, event)
	return nil
}

func TestEventPublisherKeysByOrder(t *testing.T) {
	producer := &recordingProducer{}
	publisher := NewEventPublisher(producer)
	orderID := uuid.New()

	err := publisher.PublishOrderPaid(context.Background(), &models.OrderPaidEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderPaid),
		OrderID:   orderID,
		Channel:   string(models.ChannelWebhook),
	})
	require.NoError(t, err)

	require.Len(t, producer.keys, 1)
	assert.Equal(t, "order-"+orderID.String(), producer.keys[0])
}

func TestHandleMessageRoutesStockAdjustmentFailed(t *testing.T) {
	handler := NewEventHandler()

	var got *models.StockAdjustmentFailedEvent
	handler.OnStockAdjustmentFailed(func(ctx context.Context, e *models.StockAdjustmentFailedEvent) error {
		got = e
		return nil
	})

	event := models.StockAdjustmentFailedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeStockAdjustmentFailed),
		OrderID:   uuid.New(),
		BookID:    uuid.New(),
		Quantity:  2,
		Reason:    "connection reset",
	}
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	require.NoError(t, handler.HandleMessage(context.Background(), kafka.Message{Value: raw}))
	require.NotNil(t, got)
	assert.Equal(t, event.OrderID, got.OrderID)
	assert.Equal(t, 2, got.Quantity)
}

func TestHandleMessageSkipsOtherEvents(t *testing.T) {
	handler := NewEventHandler()
	handler.OnStockAdjustmentFailed(func(ctx context.Context, e *models.StockAdjustmentFailedEvent) error {
		return errors.New("should not be called")
	})

	raw, err := json.Marshal(models.OrderPaidEvent{BaseEvent: models.NewBaseEvent(models.EventTypeOrderPaid)})
	require.NoError(t, err)

	assert.NoError(t, handler.HandleMessage(context.Background(), kafka.Message{Value: raw}))
	assert.Error(t, handler.HandleMessage(context.Background(), kafka.Message{Value: []byte("{")}))
}
