package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Run lifecycle events
	EventRunStarted   = "mrp.run.started"
	EventRunCompleted = "mrp.run.completed"
	EventRunFailed    = "mrp.run.failed"

	// Dispatch messages consumed by the worker
	EventRunDispatched   = "mrp.run.dispatched"
	EventChunkDispatched = "mrp.chunk.dispatched"

	// Recommendation lifecycle events
	EventRecommendationApproved = "mrp.recommendation.approved"
	EventRecommendationRejected = "mrp.recommendation.rejected"

	// Structure-change events; consumed to invalidate planning caches
	// and mark products dirty for net-change runs
	EventBOMChanged   = "masterdata.bom.changed"
	EventStockChanged = "masterdata.stock.adjusted"
)

// Exchange names
const (
	ExchangeMRPEvents  = "mrp.events"
	ExchangeMRPWork    = "mrp.work"
	ExchangeMasterData = "masterdata.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// RunStartedEvent is published when an MRP run transitions to running
type RunStartedEvent struct {
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`
	Mode     string `json:"mode"`
}

// RunCompletedEvent is published when an MRP run completes
type RunCompletedEvent struct {
	RunID                    string `json:"run_id"`
	TenantID                 string `json:"tenant_id"`
	ProductsProcessed        int    `json:"products_processed"`
	RecommendationsGenerated int    `json:"recommendations_generated"`
	WarningCount             int    `json:"warning_count"`
}

// RunFailedEvent is published when an MRP run fails
type RunFailedEvent struct {
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`
	Error    string `json:"error"`
}

// RunDispatchedEvent asks the worker to execute a full run asynchronously
type RunDispatchedEvent struct {
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`
}

// ChunkDispatchedEvent asks the worker to process one chunk of a
// parallel-chunked run. Chunks are planned independently, so dependent
// demand does not propagate across chunk boundaries.
type ChunkDispatchedEvent struct {
	RunID      string   `json:"run_id"`
	TenantID   string   `json:"tenant_id"`
	ChunkIndex int      `json:"chunk_index"`
	ChunkCount int      `json:"chunk_count"`
	ProductIDs []string `json:"product_ids"`
}

// RecommendationApprovedEvent is published when a recommendation is actioned
type RecommendationApprovedEvent struct {
	RecommendationID string `json:"recommendation_id"`
	TenantID         string `json:"tenant_id"`
	Type             string `json:"type"`
	CreatedOrderID   string `json:"created_order_id"`
	ApprovedBy       string `json:"approved_by"`
}

// RecommendationRejectedEvent is published when a recommendation is rejected
type RecommendationRejectedEvent struct {
	RecommendationID string `json:"recommendation_id"`
	TenantID         string `json:"tenant_id"`
	Reason           string `json:"reason"`
	RejectedBy       string `json:"rejected_by"`
}

// BOMChangedEvent is consumed from master-data collaborators whenever a BOM
// or product structure mutates. It drives explicit cache invalidation and
// dirty-product marking; TTL expiry alone is not a correctness mechanism.
type BOMChangedEvent struct {
	TenantID   string   `json:"tenant_id"`
	BOMID      string   `json:"bom_id"`
	ProductIDs []string `json:"product_ids"`
}

// StockChangedEvent is consumed when stock is adjusted outside a run
type StockChangedEvent struct {
	TenantID  string `json:"tenant_id"`
	ProductID string `json:"product_id"`
}
