package repository

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/planwise/planwise-backend/pkg/database"
	"github.com/planwise/planwise-backend/pkg/tenant"
)

// SupplierProduct links a buy product to a supplier with commercial terms.
type SupplierProduct struct {
	ID           string          `db:"id"`
	SupplierID   string          `db:"supplier_id"`
	ProductID    string          `db:"product_id"`
	SupplierSKU  *string         `db:"supplier_sku"`
	UnitPrice    decimal.Decimal `db:"unit_price"`
	LeadTimeDays *int            `db:"lead_time_days"`
	IsPreferred  bool            `db:"is_preferred"`
}

// SupplierRepository reads supplier links for purchase recommendations.
type SupplierRepository struct {
	db *database.DB
}

// NewSupplierRepository creates a new supplier repository
func NewSupplierRepository(db *database.DB) *SupplierRepository {
	return &SupplierRepository{db: db}
}

// PreferredByProduct returns, for each of the given products, the
// preferred supplier link or any active link when none is preferred.
// Products with no supplier are absent from the result.
func (r *SupplierRepository) PreferredByProduct(ctx context.Context, productIDs []string) (map[string]SupplierProduct, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var rows []SupplierProduct
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			SELECT DISTINCT ON (sp.product_id)
			       sp.id, sp.supplier_id, sp.product_id, sp.supplier_sku,
			       sp.unit_price, sp.lead_time_days, sp.is_preferred
			FROM supplier_products sp
			JOIN suppliers s ON s.id = sp.supplier_id
			WHERE sp.product_id = ANY($1)
			  AND s.is_active = true
			ORDER BY sp.product_id, sp.is_preferred DESC, sp.unit_price ASC
		`
		return r.db.SelectContext(ctx, &rows, query, pq.Array(productIDs))
	})
	if err != nil {
		return nil, err
	}

	result := make(map[string]SupplierProduct, len(rows))
	for _, row := range rows {
		result[row.ProductID] = row
	}
	return result, nil
}

// GetPreferredOrAny returns the preferred supplier link for a product, or
// any active link when none is preferred. Returns sql.ErrNoRows wrapped as
// nil result when the product has no supplier.
func (r *SupplierRepository) GetPreferredOrAny(ctx context.Context, productID string) (*SupplierProduct, error) {
	links, err := r.PreferredByProduct(ctx, []string{productID})
	if err != nil {
		return nil, err
	}
	link, ok := links[productID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &link, nil
}
