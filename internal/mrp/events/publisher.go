package events

import (
	"context"

	"github.com/planwise/planwise-backend/pkg/logger"
	"github.com/planwise/planwise-backend/pkg/messaging"
)

// MRPEventPublisher publishes planning events. Lifecycle events go to the
// mrp.events exchange for observers; dispatch messages go to the mrp.work
// exchange consumed by the worker.
type MRPEventPublisher struct {
	events *messaging.Publisher
	work   *messaging.Publisher
	logger *logger.Logger
}

// NewMRPEventPublisher creates a new MRP event publisher
func NewMRPEventPublisher(rmq *messaging.RabbitMQ, source string, log *logger.Logger) (*MRPEventPublisher, error) {
	eventsPub, err := messaging.NewPublisher(rmq, messaging.ExchangeMRPEvents, source, log)
	if err != nil {
		return nil, err
	}
	workPub, err := messaging.NewPublisher(rmq, messaging.ExchangeMRPWork, source, log)
	if err != nil {
		return nil, err
	}

	return &MRPEventPublisher{
		events: eventsPub,
		work:   workPub,
		logger: log,
	}, nil
}

// Publish routes an event to the right exchange by type.
func (p *MRPEventPublisher) Publish(ctx context.Context, eventType string, data interface{}) error {
	switch eventType {
	case messaging.EventRunDispatched, messaging.EventChunkDispatched:
		return p.work.Publish(ctx, eventType, data)
	default:
		return p.events.Publish(ctx, eventType, data)
	}
}
