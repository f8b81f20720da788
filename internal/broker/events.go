package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"energy-bap/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishTransactionSnapshot publishes a state-transition snapshot
func (ep *EventPublisher) PublishTransactionSnapshot(ctx context.Context, event *models.TransactionSnapshot) error {
	return ep.producer.PublishEvent(ctx, txKey(event.TransactionID), event)
}

// PublishBlocksReserved publishes a BlocksReserved event
func (ep *EventPublisher) PublishBlocksReserved(ctx context.Context, event *models.BlocksReservedEvent) error {
	return ep.producer.PublishEvent(ctx, txKey(event.TransactionID), event)
}

// PublishBlocksReleased publishes a BlocksReleased event
func (ep *EventPublisher) PublishBlocksReleased(ctx context.Context, event *models.BlocksReleasedEvent) error {
	return ep.producer.PublishEvent(ctx, txKey(event.TransactionID), event)
}

// PublishOrderConfirmed publishes an OrderConfirmed event
func (ep *EventPublisher) PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error {
	return ep.producer.PublishEvent(ctx, txKey(event.TransactionID), event)
}

// PublishOrderFailed publishes an OrderFailed event
func (ep *EventPublisher) PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error {
	return ep.producer.PublishEvent(ctx, txKey(event.TransactionID), event)
}

func txKey(transactionID string) string {
	return fmt.Sprintf("tx-%s", transactionID)
}

// EventHandler routes consumed events to registered handlers
type EventHandler struct {
	onOrderConfirmed func(context.Context, *models.OrderConfirmedEvent) error
	onOrderFailed    func(context.Context, *models.OrderFailedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnOrderConfirmed registers a handler for OrderConfirmed events
func (eh *EventHandler) OnOrderConfirmed(handler func(context.Context, *models.OrderConfirmedEvent) error) {
	eh.onOrderConfirmed = handler
}

// OnOrderFailed registers a handler for OrderFailed events
func (eh *EventHandler) OnOrderFailed(handler func(context.Context, *models.OrderFailedEvent) error) {
	eh.onOrderFailed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeOrderConfirmed:
		if eh.onOrderConfirmed != nil {
			var event models.OrderConfirmedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderConfirmed event: %w", err)
			}
			return eh.onOrderConfirmed(ctx, &event)
		}

	case models.EventTypeOrderFailed:
		if eh.onOrderFailed != nil {
			var event models.OrderFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderFailed event: %w", err)
			}
			return eh.onOrderFailed(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
