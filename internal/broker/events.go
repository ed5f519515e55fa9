package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"storefront/internal/models"
	"storefront/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is anything that can write a keyed event
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing checkout events
type EventPublisher struct {
	producer Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishCheckoutEvent publishes a checkout state transition
func (ep *EventPublisher) PublishCheckoutEvent(ctx context.Context, event *models.CheckoutEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler handles incoming events from the payments channel
type EventHandler struct {
	onPaymentUpdated func(context.Context, *models.PaymentUpdatedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnPaymentUpdated registers a handler for payment.updated events
func (eh *EventHandler) OnPaymentUpdated(handler func(context.Context, *models.PaymentUpdatedEvent) error) {
	eh.onPaymentUpdated = handler
}

// HandleMessage routes messages to appropriate handlers. Payloads without an
// event_type are treated as payment.updated, since the channel's only
// guaranteed field is status.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.PaymentUpdatedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal payment event: %w", err)
	}
	if event.EventType == "" {
		event.EventType = models.EventTypePaymentUpdated
	}

	util.GetLogger().Debug("Handling event",
		zap.String("type", event.EventType),
		zap.String("event_id", event.EventID),
		zap.Int64("order_id", event.OrderID))

	switch event.EventType {
	case models.EventTypePaymentUpdated:
		if event.Status == "" {
			return fmt.Errorf("payment event %q has no status", event.EventID)
		}
		if eh.onPaymentUpdated != nil {
			return eh.onPaymentUpdated(ctx, &event)
		}

	default:
		util.GetLogger().Debug("Unhandled event type", zap.String("type", event.EventType))
	}

	return nil
}
