package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/planwise/planwise-backend/pkg/database"
	"github.com/planwise/planwise-backend/pkg/tenant"
)

// NewPurchaseOrder carries the fields needed to open a draft purchase
// order from an approved recommendation.
type NewPurchaseOrder struct {
	SupplierID           *string
	ProductID            string
	Quantity             decimal.Decimal
	UnitPrice            decimal.Decimal
	ExpectedDeliveryDate time.Time
	SourceRecommendation string
	CreatedBy            string
}

// NewWorkOrder carries the fields needed to open a planned work order
// from an approved recommendation.
type NewWorkOrder struct {
	ProductID            string
	BOMID                string
	Quantity             decimal.Decimal
	PlannedStartDate     time.Time
	PlannedEndDate       time.Time
	SourceRecommendation string
	CreatedBy            string
}

// OrderRepository opens draft orders for approved recommendations.
type OrderRepository struct {
	db *database.DB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *database.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// CreatePurchaseOrder opens a single-line draft purchase order and
// returns its ID.
func (r *OrderRepository) CreatePurchaseOrder(ctx context.Context, po NewPurchaseOrder) (string, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return "", err
	}

	orderID := uuid.NewString()
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO purchase_orders (
				id, tenant_id, order_code, supplier_id, status,
				order_date, source_recommendation_id, created_by
			) VALUES (
				$1, $2,
				'PO-' || TO_CHAR(NOW(), 'YYYYMMDD') || '-' || SUBSTRING($1::text, 1, 8),
				$3, 'draft', NOW(), $4, $5
			)
		`, orderID, tenantID, po.SupplierID, po.SourceRecommendation, po.CreatedBy)
		if err != nil {
			return database.MapPQError(err)
		}

		_, err = r.db.ExecContext(ctx, `
			INSERT INTO purchase_order_lines (
				id, purchase_order_id, product_id, quantity, received_quantity,
				unit_price, expected_delivery_date
			) VALUES ($1, $2, $3, $4, 0, $5, $6)
		`, uuid.NewString(), orderID, po.ProductID, po.Quantity, po.UnitPrice, po.ExpectedDeliveryDate)
		if err != nil {
			return database.MapPQError(err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return orderID, nil
}

// CreateWorkOrder opens a planned work order and returns its ID.
func (r *OrderRepository) CreateWorkOrder(ctx context.Context, wo NewWorkOrder) (string, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return "", err
	}

	orderID := uuid.NewString()
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO work_orders (
				id, tenant_id, order_code, product_id, bom_id, status,
				planned_quantity, completed_quantity, scrapped_quantity,
				planned_start_date, planned_end_date,
				source_recommendation_id, created_by
			) VALUES (
				$1, $2,
				'WO-' || TO_CHAR(NOW(), 'YYYYMMDD') || '-' || SUBSTRING($1::text, 1, 8),
				$3, $4, 'planned', $5, 0, 0, $6, $7, $8, $9
			)
		`, orderID, tenantID, wo.ProductID, wo.BOMID, wo.Quantity,
			wo.PlannedStartDate, wo.PlannedEndDate, wo.SourceRecommendation, wo.CreatedBy)
		if err != nil {
			return database.MapPQError(err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return orderID, nil
}
