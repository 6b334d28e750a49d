package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter is the producer side used by EventPublisher
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing delivery events
type EventPublisher struct {
	producer EventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventWriter) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func deliveryKey(deliveryID int64) string {
	return fmt.Sprintf("delivery-%d", deliveryID)
}

// PublishDeliveryStateChanged publishes DeliveryStateChanged event
func (ep *EventPublisher) PublishDeliveryStateChanged(ctx context.Context, event *models.DeliveryStateChangedEvent) error {
	return ep.producer.PublishEvent(ctx, deliveryKey(event.DeliveryID), event)
}

// PublishNotificationQueued publishes NotificationQueued event
func (ep *EventPublisher) PublishNotificationQueued(ctx context.Context, event *models.NotificationQueuedEvent) error {
	return ep.producer.PublishEvent(ctx, deliveryKey(event.DeliveryID), event)
}

// PublishDeliveryEscalated publishes DeliveryEscalated event
func (ep *EventPublisher) PublishDeliveryEscalated(ctx context.Context, event *models.DeliveryEscalatedEvent) error {
	return ep.producer.PublishEvent(ctx, deliveryKey(event.DeliveryID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onOrderPaid func(context.Context, *models.OrderPaidEvent) error
	logger      *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnOrderPaid registers a handler for OrderPaid events
func (eh *EventHandler) OnOrderPaid(handler func(context.Context, *models.OrderPaidEvent) error) {
	eh.onOrderPaid = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType), zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeOrderPaid:
		if eh.onOrderPaid != nil {
			var event models.OrderPaidEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderPaid event: %w", err)
			}
			return eh.onOrderPaid(ctx, &event)
		}

	default:
		// order-events carries the whole checkout saga; only payment confirmation concerns us
		eh.logger.Debug("Ignoring event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
