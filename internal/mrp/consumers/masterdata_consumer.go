package consumers

import (
	"context"

	"github.com/planwise/planwise-backend/internal/mrp/service"
	"github.com/planwise/planwise-backend/pkg/logger"
	"github.com/planwise/planwise-backend/pkg/messaging"
)

// MasterDataConsumer reacts to structure changes from the master-data
// collaborators. BOM edits invalidate the planning caches and mark the
// affected products dirty; stock adjustments mark products dirty so a
// net-change run picks them up.
type MasterDataConsumer struct {
	consumer  *messaging.Consumer
	lowLevel  *service.LowLevelCodeService
	explosion *service.ExplosionService
	dirty     *service.DirtySetService
	logger    *logger.Logger
}

// NewMasterDataConsumer creates a new master data consumer
func NewMasterDataConsumer(rmq *messaging.RabbitMQ, lowLevel *service.LowLevelCodeService, explosion *service.ExplosionService, dirty *service.DirtySetService, log *logger.Logger) (*MasterDataConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, "mrp-service.masterdata-events", log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeMasterData, "masterdata.#"); err != nil {
		return nil, err
	}

	c := &MasterDataConsumer{
		consumer:  consumer,
		lowLevel:  lowLevel,
		explosion: explosion,
		dirty:     dirty,
		logger:    log,
	}

	consumer.RegisterHandler(messaging.EventBOMChanged, c.handleBOMChanged)
	consumer.RegisterHandler(messaging.EventStockChanged, c.handleStockChanged)

	return c, nil
}

// Start starts consuming messages
func (c *MasterDataConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

func (c *MasterDataConsumer) handleBOMChanged(ctx context.Context, event *messaging.Event) error {
	var data messaging.BOMChangedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("tenant_id", data.TenantID).
		Str("bom_id", data.BOMID).
		Msg("BOM changed, invalidating planning caches")

	if err := c.lowLevel.Invalidate(ctx, data.TenantID); err != nil {
		return err
	}
	if err := c.explosion.Invalidate(ctx, data.TenantID); err != nil {
		return err
	}
	return c.dirty.Mark(ctx, data.TenantID, data.ProductIDs...)
}

func (c *MasterDataConsumer) handleStockChanged(ctx context.Context, event *messaging.Event) error {
	var data messaging.StockChangedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	return c.dirty.Mark(ctx, data.TenantID, data.ProductID)
}
