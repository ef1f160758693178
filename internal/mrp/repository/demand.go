package repository

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/planwise/planwise-backend/pkg/database"
	"github.com/planwise/planwise-backend/pkg/tenant"
)

// Demand source types carried on recommendations for traceability
const (
	DemandSourceSalesOrder = "sales_order"
	DemandSourceWorkOrder  = "work_order"
	DemandSourceDependent  = "dependent"
	DemandSourceSafety     = "safety_stock"
)

// DemandRow is one dated demand or scheduled receipt for a product.
type DemandRow struct {
	ProductID  string          `db:"product_id"`
	Date       time.Time       `db:"date"`
	Quantity   decimal.Decimal `db:"quantity"`
	SourceType string          `db:"source_type"`
	SourceID   string          `db:"source_id"`
}

// committedSalesStatuses are the sales-order states whose open quantity
// counts as independent demand.
var committedSalesStatuses = pq.StringArray{
	"approved", "pending_approval", "confirmed", "processing", "partially_shipped",
}

// openPurchaseStatuses are the purchase-order states whose open quantity
// counts as a scheduled receipt.
var openPurchaseStatuses = pq.StringArray{
	"approved", "sent", "partially_received",
}

// openWorkOrderStatuses are the work-order states that still produce and
// consume material.
var openWorkOrderStatuses = pq.StringArray{
	"planned", "released", "in_progress",
}

// DemandRepository reads open demand and scheduled receipts from the
// order collaborators. All methods restrict to the given product set and
// planning horizon so one preload per run replaces per-product queries.
type DemandRepository struct {
	db *database.DB
}

// NewDemandRepository creates a new demand repository
func NewDemandRepository(db *database.DB) *DemandRepository {
	return &DemandRepository{db: db}
}

// SalesDemand returns open sales-order line quantities (ordered minus
// shipped) dated by requested date, falling back to order date.
func (r *DemandRepository) SalesDemand(ctx context.Context, productIDs []string, from, to time.Time) ([]DemandRow, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var rows []DemandRow
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			SELECT l.product_id,
			       COALESCE(l.requested_date, o.order_date)::date AS date,
			       SUM(l.quantity - l.shipped_quantity) AS quantity,
			       'sales_order' AS source_type,
			       o.id AS source_id
			FROM sales_order_lines l
			JOIN sales_orders o ON o.id = l.sales_order_id
			WHERE l.product_id = ANY($1)
			  AND o.status = ANY($2)
			  AND l.quantity > l.shipped_quantity
			  AND COALESCE(l.requested_date, o.order_date)::date BETWEEN $3 AND $4
			GROUP BY l.product_id, COALESCE(l.requested_date, o.order_date)::date, o.id
		`
		return r.db.SelectContext(ctx, &rows, query,
			pq.Array(productIDs), committedSalesStatuses, from, to)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// PurchaseReceipts returns open purchase-order line quantities (ordered
// minus received) dated by expected delivery.
func (r *DemandRepository) PurchaseReceipts(ctx context.Context, productIDs []string, from, to time.Time, warehouses WarehouseFilter) ([]DemandRow, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var rows []DemandRow
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			SELECT l.product_id,
			       l.expected_delivery_date::date AS date,
			       SUM(l.quantity - l.received_quantity) AS quantity,
			       'purchase_order' AS source_type,
			       o.id AS source_id
			FROM purchase_order_lines l
			JOIN purchase_orders o ON o.id = l.purchase_order_id
			WHERE l.product_id = ANY($1)
			  AND o.status = ANY($2)
			  AND l.quantity > l.received_quantity
			  AND l.expected_delivery_date::date BETWEEN $3 AND $4
			  AND (COALESCE(cardinality($5::text[]), 0) = 0 OR o.warehouse_id = ANY($5))
			  AND (COALESCE(cardinality($6::text[]), 0) = 0 OR o.warehouse_id <> ALL($6))
			GROUP BY l.product_id, l.expected_delivery_date::date, o.id
		`
		return r.db.SelectContext(ctx, &rows, query,
			pq.Array(productIDs), openPurchaseStatuses, from, to,
			pq.Array(warehouses.Include), pq.Array(warehouses.Exclude))
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// WorkOrderReceipts returns in-horizon planned completions (planned minus
// completed minus scrapped) of open work orders.
func (r *DemandRepository) WorkOrderReceipts(ctx context.Context, productIDs []string, from, to time.Time, warehouses WarehouseFilter) ([]DemandRow, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var rows []DemandRow
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			SELECT w.product_id,
			       w.planned_end_date::date AS date,
			       SUM(w.planned_quantity - w.completed_quantity - w.scrapped_quantity) AS quantity,
			       'work_order' AS source_type,
			       w.id AS source_id
			FROM work_orders w
			WHERE w.product_id = ANY($1)
			  AND w.status = ANY($2)
			  AND w.planned_quantity > w.completed_quantity + w.scrapped_quantity
			  AND w.planned_end_date::date BETWEEN $3 AND $4
			  AND (COALESCE(cardinality($5::text[]), 0) = 0 OR w.warehouse_id = ANY($5))
			  AND (COALESCE(cardinality($6::text[]), 0) = 0 OR w.warehouse_id <> ALL($6))
			GROUP BY w.product_id, w.planned_end_date::date, w.id
		`
		return r.db.SelectContext(ctx, &rows, query,
			pq.Array(productIDs), openWorkOrderStatuses, from, to,
			pq.Array(warehouses.Include), pq.Array(warehouses.Exclude))
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// WorkOrderMaterialDemand returns open material requirements (required
// minus issued) of open work orders, dated by the work order's planned
// start. This is existing dependent demand already committed to the shop
// floor, distinct from the dependent demand a run discovers itself.
func (r *DemandRepository) WorkOrderMaterialDemand(ctx context.Context, productIDs []string, from, to time.Time) ([]DemandRow, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var rows []DemandRow
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			SELECT m.component_id AS product_id,
			       w.planned_start_date::date AS date,
			       SUM(m.required_quantity - m.issued_quantity) AS quantity,
			       'work_order' AS source_type,
			       w.id AS source_id
			FROM work_order_materials m
			JOIN work_orders w ON w.id = m.work_order_id
			WHERE m.component_id = ANY($1)
			  AND w.status = ANY($2)
			  AND m.required_quantity > m.issued_quantity
			  AND w.planned_start_date::date BETWEEN $3 AND $4
			GROUP BY m.component_id, w.planned_start_date::date, w.id
		`
		return r.db.SelectContext(ctx, &rows, query,
			pq.Array(productIDs), openWorkOrderStatuses, from, to)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
