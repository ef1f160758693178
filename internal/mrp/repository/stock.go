package repository

import (
	"context"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/planwise/planwise-backend/pkg/database"
	"github.com/planwise/planwise-backend/pkg/tenant"
)

// WarehouseFilter restricts stock and scheduled-receipt aggregation to an
// explicit warehouse include or exclude list. The same filter must be
// applied to both sides, otherwise projected stock and receipts disagree.
type WarehouseFilter struct {
	Include []string
	Exclude []string
}

// IsZero reports whether the filter restricts nothing
func (f WarehouseFilter) IsZero() bool {
	return len(f.Include) == 0 && len(f.Exclude) == 0
}

type productQuantityRow struct {
	ProductID string          `db:"product_id"`
	Quantity  decimal.Decimal `db:"quantity"`
}

// StockRepository aggregates on-hand stock
type StockRepository struct {
	db *database.DB
}

// NewStockRepository creates a new stock repository
func NewStockRepository(db *database.DB) *StockRepository {
	return &StockRepository{db: db}
}

// QualityAvailableByProduct sums quality-available on-hand quantity per
// product. Quantities in quarantine or failed inspection do not count
// toward projected stock.
func (r *StockRepository) QualityAvailableByProduct(ctx context.Context, productIDs []string, warehouses WarehouseFilter) (map[string]decimal.Decimal, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var rows []productQuantityRow
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			SELECT product_id, COALESCE(SUM(quantity - quarantined_quantity), 0) AS quantity
			FROM stock_levels
			WHERE product_id = ANY($1)
			  AND quality_status = 'available'
			  AND (COALESCE(cardinality($2::text[]), 0) = 0 OR warehouse_id = ANY($2))
			  AND (COALESCE(cardinality($3::text[]), 0) = 0 OR warehouse_id <> ALL($3))
			GROUP BY product_id
		`
		return r.db.SelectContext(ctx, &rows, query,
			pq.Array(productIDs), pq.Array(warehouses.Include), pq.Array(warehouses.Exclude))
	})
	if err != nil {
		return nil, err
	}

	stock := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		stock[row.ProductID] = row.Quantity
	}
	return stock, nil
}
