package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
	"github.com/planwise/planwise-backend/pkg/database"
	"github.com/planwise/planwise-backend/pkg/errors"
	"github.com/planwise/planwise-backend/pkg/tenant"
)

// BOM statuses
const (
	BOMStatusDraft    = "draft"
	BOMStatusActive   = "active"
	BOMStatusArchived = "archived"
)

// BOM is a bill of materials header. Quantity is the batch size the BOM
// produces; item quantities are per batch.
type BOM struct {
	ID        string          `db:"id" json:"id"`
	ProductID string          `db:"product_id" json:"product_id"`
	Version   string          `db:"version" json:"version"`
	Status    string          `db:"status" json:"status"`
	Quantity  decimal.Decimal `db:"quantity" json:"quantity"`
	IsDefault bool            `db:"is_default" json:"is_default"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`

	Items []BOMItem `db:"-" json:"items,omitempty"`
}

// BOMItem is one component line of a BOM.
type BOMItem struct {
	ID              string          `db:"id" json:"id"`
	BOMID           string          `db:"bom_id" json:"bom_id"`
	ComponentID     string          `db:"component_id" json:"component_id"`
	Quantity        decimal.Decimal `db:"quantity" json:"quantity"`
	Unit            string          `db:"unit" json:"unit"`
	ScrapPercentage decimal.Decimal `db:"scrap_percentage" json:"scrap_percentage"`
	IsOptional      bool            `db:"is_optional" json:"is_optional"`
	IsPhantom       bool            `db:"is_phantom" json:"is_phantom"`
	Position        int             `db:"position" json:"position"`
}

// BOMRepository handles bill-of-materials reads
type BOMRepository struct {
	db *database.DB
}

// NewBOMRepository creates a new BOM repository
func NewBOMRepository(db *database.DB) *BOMRepository {
	return &BOMRepository{db: db}
}

// ListActive returns every active BOM with its items. Used by the low-level
// code calculator, which needs the full parent/component edge set.
func (r *BOMRepository) ListActive(ctx context.Context) ([]BOM, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var boms []BOM
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			SELECT id, product_id, version, status, quantity, is_default, created_at, updated_at
			FROM boms
			WHERE status = $1
			ORDER BY product_id, created_at DESC
		`
		if err := r.db.SelectContext(ctx, &boms, query, BOMStatusActive); err != nil {
			return err
		}

		if len(boms) == 0 {
			return nil
		}

		var items []BOMItem
		itemQuery := `
			SELECT i.id, i.bom_id, i.component_id, i.quantity, i.unit,
			       i.scrap_percentage, i.is_optional, i.is_phantom, i.position
			FROM bom_items i
			JOIN boms b ON b.id = i.bom_id
			WHERE b.status = $1
			ORDER BY i.bom_id, i.position
		`
		if err := r.db.SelectContext(ctx, &items, itemQuery, BOMStatusActive); err != nil {
			return err
		}

		byBOM := make(map[string][]BOMItem, len(boms))
		for _, item := range items {
			byBOM[item.BOMID] = append(byBOM[item.BOMID], item)
		}
		for i := range boms {
			boms[i].Items = byBOM[boms[i].ID]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return boms, nil
}

// GetDefaultByProduct returns a product's default active BOM with items.
// Returns errors.ErrNoActiveBOM (wrapped) when the product has none.
func (r *BOMRepository) GetDefaultByProduct(ctx context.Context, productID string) (*BOM, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var bom BOM
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			SELECT id, product_id, version, status, quantity, is_default, created_at, updated_at
			FROM boms
			WHERE product_id = $1 AND status = $2
			ORDER BY is_default DESC, created_at DESC
			LIMIT 1
		`
		if err := r.db.GetContext(ctx, &bom, query, productID, BOMStatusActive); err != nil {
			if err == sql.ErrNoRows {
				return errors.NoActiveBOM(productID)
			}
			return err
		}

		itemQuery := `
			SELECT id, bom_id, component_id, quantity, unit,
			       scrap_percentage, is_optional, is_phantom, position
			FROM bom_items
			WHERE bom_id = $1
			ORDER BY position
		`
		return r.db.SelectContext(ctx, &bom.Items, itemQuery, bom.ID)
	})
	if err != nil {
		return nil, err
	}
	return &bom, nil
}
