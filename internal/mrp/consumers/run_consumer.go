package consumers

import (
	"context"

	"github.com/planwise/planwise-backend/internal/mrp/service"
	"github.com/planwise/planwise-backend/pkg/logger"
	"github.com/planwise/planwise-backend/pkg/messaging"
	"github.com/planwise/planwise-backend/pkg/tenant"
)

// RunConsumer executes dispatched runs and chunks on the worker.
type RunConsumer struct {
	consumer *messaging.Consumer
	runs     *service.RunService
	logger   *logger.Logger
}

// NewRunConsumer creates a new run consumer
func NewRunConsumer(rmq *messaging.RabbitMQ, runs *service.RunService, log *logger.Logger) (*RunConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, "mrp-worker.run-dispatch", log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeMRPWork, "mrp.#"); err != nil {
		return nil, err
	}

	c := &RunConsumer{
		consumer: consumer,
		runs:     runs,
		logger:   log,
	}

	consumer.RegisterHandler(messaging.EventRunDispatched, c.handleRunDispatched)
	consumer.RegisterHandler(messaging.EventChunkDispatched, c.handleChunkDispatched)

	return c, nil
}

// Start starts consuming messages
func (c *RunConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

func (c *RunConsumer) handleRunDispatched(ctx context.Context, event *messaging.Event) error {
	var data messaging.RunDispatchedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("run_id", data.RunID).
		Str("tenant_id", data.TenantID).
		Msg("executing dispatched run")

	ctx = tenant.WithTenantID(ctx, data.TenantID)
	return c.runs.Execute(ctx, data.RunID)
}

func (c *RunConsumer) handleChunkDispatched(ctx context.Context, event *messaging.Event) error {
	var data messaging.ChunkDispatchedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("run_id", data.RunID).
		Int("chunk_index", data.ChunkIndex).
		Int("products", len(data.ProductIDs)).
		Msg("executing dispatched chunk")

	ctx = tenant.WithTenantID(ctx, data.TenantID)
	return c.runs.ExecuteChunk(ctx, data.RunID, data.ChunkIndex, data.ChunkCount, data.ProductIDs)
}
