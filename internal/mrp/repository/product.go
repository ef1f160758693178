package repository

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/planwise/planwise-backend/pkg/database"
	"github.com/planwise/planwise-backend/pkg/tenant"
)

// Make-or-buy codes
const (
	MakeOrBuyMake = "make"
	MakeOrBuyBuy  = "buy"
)

// Product is the planning view of a product master record.
type Product struct {
	ID              string          `db:"id" json:"id"`
	SKU             string          `db:"sku" json:"sku"`
	Name            string          `db:"name" json:"name"`
	Category        *string         `db:"category" json:"category,omitempty"`
	Unit            string          `db:"unit" json:"unit"`
	MakeOrBuy       string          `db:"make_or_buy" json:"make_or_buy"`
	SafetyStock     decimal.Decimal `db:"safety_stock" json:"safety_stock"`
	LeadTimeDays    int             `db:"lead_time_days" json:"lead_time_days"`
	MinimumOrderQty decimal.Decimal `db:"minimum_order_qty" json:"minimum_order_qty"`
	OrderMultiple   decimal.Decimal `db:"order_multiple" json:"order_multiple"`
	UnitCost        decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	LowLevelCode    int             `db:"low_level_code" json:"low_level_code"`
	IsActive        bool            `db:"is_active" json:"is_active"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// ProductFilter narrows product selection for a planning run.
type ProductFilter struct {
	ProductIDs []string
	Categories []string
	MakeOrBuy  *string
}

// ProductRepository handles product master reads and low-level-code writes
type ProductRepository struct {
	db *database.DB
}

// NewProductRepository creates a new product repository
func NewProductRepository(db *database.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// ListActive returns active products matching the filter, ordered by
// ascending low-level code. The ordering is what guarantees that dependent
// demand pushed down from parents is complete before a component's own turn.
func (r *ProductRepository) ListActive(ctx context.Context, filter ProductFilter) ([]Product, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var products []Product
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			SELECT id, sku, name, category, unit, make_or_buy, safety_stock,
			       lead_time_days, minimum_order_qty, order_multiple, unit_cost,
			       low_level_code, is_active, created_at, updated_at
			FROM products
			WHERE is_active = TRUE
			  AND (COALESCE(cardinality($1::text[]), 0) = 0 OR id = ANY($1))
			  AND (COALESCE(cardinality($2::text[]), 0) = 0 OR category = ANY($2))
			  AND ($3::text IS NULL OR make_or_buy = $3)
			ORDER BY low_level_code ASC, sku ASC
		`
		return r.db.SelectContext(ctx, &products, query,
			pq.Array(filter.ProductIDs), pq.Array(filter.Categories), filter.MakeOrBuy)
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

// GetByID returns a single product
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*Product, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var product Product
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			SELECT id, sku, name, category, unit, make_or_buy, safety_stock,
			       lead_time_days, minimum_order_qty, order_multiple, unit_cost,
			       low_level_code, is_active, created_at, updated_at
			FROM products
			WHERE id = $1
		`
		return r.db.GetContext(ctx, &product, query, id)
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// CountActive returns the number of active products for the tenant
func (r *ProductRepository) CountActive(ctx context.Context) (int, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return 0, err
	}

	var count int
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM products WHERE is_active = TRUE`)
	})
	return count, err
}

// UpdateLowLevelCodes persists recalculated low-level codes. Only rows whose
// level actually changed are touched.
func (r *ProductRepository) UpdateLowLevelCodes(ctx context.Context, levels map[string]int) error {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(levels))
	codes := make([]int64, 0, len(levels))
	for id, level := range levels {
		ids = append(ids, id)
		codes = append(codes, int64(level))
	}

	return r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			UPDATE products p
			SET low_level_code = v.code, updated_at = NOW()
			FROM (SELECT UNNEST($1::text[]) AS id, UNNEST($2::bigint[]) AS code) v
			WHERE p.id = v.id AND p.low_level_code <> v.code
		`
		_, err := r.db.ExecContext(ctx, query, pq.Array(ids), pq.Array(codes))
		return err
	})
}
