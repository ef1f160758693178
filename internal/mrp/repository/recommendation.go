package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/planwise/planwise-backend/pkg/database"
	apperrors "github.com/planwise/planwise-backend/pkg/errors"
	"github.com/planwise/planwise-backend/pkg/tenant"
)

// Recommendation types
const (
	RecommendationTypeWorkOrder     = "work_order"
	RecommendationTypePurchaseOrder = "purchase_order"
)

// Recommendation priorities
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Recommendation statuses
const (
	RecommendationStatusPending  = "pending"
	RecommendationStatusApproved = "approved"
	RecommendationStatusRejected = "rejected"
	RecommendationStatusActioned = "actioned"
)

// Recommendation is one planned order suggestion produced by a run.
type Recommendation struct {
	ID                   string          `db:"id"`
	RunID                string          `db:"run_id"`
	ProductID            string          `db:"product_id"`
	Type                 string          `db:"recommendation_type"`
	RequiredDate         time.Time       `db:"required_date"`
	SuggestedOrderDate   time.Time       `db:"suggested_order_date"`
	GrossRequirement     decimal.Decimal `db:"gross_requirement"`
	NetRequirement       decimal.Decimal `db:"net_requirement"`
	SuggestedQuantity    decimal.Decimal `db:"suggested_quantity"`
	ProjectedStockBefore decimal.Decimal `db:"projected_stock_before"`
	ProjectedStockAfter  decimal.Decimal `db:"projected_stock_after"`
	SupplierID           *string         `db:"supplier_id"`
	UnitCost             decimal.Decimal `db:"unit_cost"`
	DemandSourceType     string          `db:"demand_source_type"`
	DemandSourceID       *string         `db:"demand_source_id"`
	Priority             string          `db:"priority"`
	IsUrgent             bool            `db:"is_urgent"`
	UrgencyReason        *string         `db:"urgency_reason"`
	Status               string          `db:"status"`
	CalculationDetail    types.JSONText  `db:"calculation_detail"`
	ActionedOrderID      *string         `db:"actioned_order_id"`
	RejectionReason      *string         `db:"rejection_reason"`
	ReviewedBy           *string         `db:"reviewed_by"`
	ReviewedAt           *time.Time      `db:"reviewed_at"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

// RecommendationFilter narrows recommendation listings.
type RecommendationFilter struct {
	RunID     string
	ProductID string
	Type      string
	Status    string
	Priority  string
	Urgent    *bool
	Limit     int
	Offset    int
}

// RecommendationRepository persists planned order suggestions.
type RecommendationRepository struct {
	db *database.DB
}

// NewRecommendationRepository creates a new recommendation repository
func NewRecommendationRepository(db *database.DB) *RecommendationRepository {
	return &RecommendationRepository{db: db}
}

// BatchCreate inserts a run's recommendations in one transaction.
func (r *RecommendationRepository) BatchCreate(ctx context.Context, recs []*Recommendation) error {
	if len(recs) == 0 {
		return nil
	}
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return err
	}

	return r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			INSERT INTO mrp_recommendations (
				id, tenant_id, run_id, product_id, recommendation_type,
				required_date, suggested_order_date,
				gross_requirement, net_requirement, suggested_quantity,
				projected_stock_before, projected_stock_after,
				supplier_id, unit_cost,
				demand_source_type, demand_source_id,
				priority, is_urgent, urgency_reason,
				status, calculation_detail
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
				$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21
			)
		`
		for _, rec := range recs {
			if rec.ID == "" {
				rec.ID = uuid.NewString()
			}
			if rec.Status == "" {
				rec.Status = RecommendationStatusPending
			}
			_, err := r.db.ExecContext(ctx, query,
				rec.ID, tenantID, rec.RunID, rec.ProductID, rec.Type,
				rec.RequiredDate, rec.SuggestedOrderDate,
				rec.GrossRequirement, rec.NetRequirement, rec.SuggestedQuantity,
				rec.ProjectedStockBefore, rec.ProjectedStockAfter,
				rec.SupplierID, rec.UnitCost,
				rec.DemandSourceType, rec.DemandSourceID,
				rec.Priority, rec.IsUrgent, rec.UrgencyReason,
				rec.Status, rec.CalculationDetail,
			)
			if err != nil {
				return database.MapPQError(err)
			}
		}
		return nil
	})
}

// GetByID fetches a recommendation.
func (r *RecommendationRepository) GetByID(ctx context.Context, id string) (*Recommendation, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var rec Recommendation
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `SELECT * FROM mrp_recommendations WHERE id = $1`
		if err := r.db.GetContext(ctx, &rec, query, id); err != nil {
			if err == sql.ErrNoRows {
				return apperrors.NotFound("recommendation")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns recommendations, urgent and early-dated first.
func (r *RecommendationRepository) List(ctx context.Context, filter RecommendationFilter) ([]Recommendation, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	urgent := sql.NullBool{}
	if filter.Urgent != nil {
		urgent = sql.NullBool{Bool: *filter.Urgent, Valid: true}
	}

	var recs []Recommendation
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			SELECT * FROM mrp_recommendations
			WHERE ($1 = '' OR run_id = $1)
			  AND ($2 = '' OR product_id = $2)
			  AND ($3 = '' OR recommendation_type = $3)
			  AND ($4 = '' OR status = $4)
			  AND ($5 = '' OR priority = $5)
			  AND ($6::boolean IS NULL OR is_urgent = $6)
			ORDER BY is_urgent DESC, suggested_order_date ASC, created_at ASC
			LIMIT $7 OFFSET $8
		`
		return r.db.SelectContext(ctx, &recs, query,
			filter.RunID, filter.ProductID, filter.Type, filter.Status, filter.Priority,
			urgent, limit, filter.Offset)
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// DeletePendingForProducts clears pending recommendations before a new run
// writes fresh ones. A full run passes an empty set to clear everything.
func (r *RecommendationRepository) DeletePendingForProducts(ctx context.Context, productIDs []string) error {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return err
	}

	return r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			DELETE FROM mrp_recommendations
			WHERE status = 'pending'
			  AND (COALESCE(cardinality($1::text[]), 0) = 0 OR product_id = ANY($1))
		`
		_, err := r.db.ExecContext(ctx, query, pq.Array(productIDs))
		return err
	})
}

// MarkApproved moves a pending recommendation to approved and links the
// order it produced. Runs inside the caller's RLS transaction when one is
// already open.
func (r *RecommendationRepository) MarkApproved(ctx context.Context, id, reviewedBy, orderID string) error {
	return r.review(ctx, id, `
		UPDATE mrp_recommendations
		SET status = 'actioned', actioned_order_id = $2,
		    reviewed_by = $3, reviewed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, orderID, reviewedBy)
}

// MarkRejected moves a pending recommendation to rejected, recording who
// rejected it and why.
func (r *RecommendationRepository) MarkRejected(ctx context.Context, id, reviewedBy, reason string) error {
	return r.review(ctx, id, `
		UPDATE mrp_recommendations
		SET status = 'rejected', rejection_reason = $2,
		    reviewed_by = $3, reviewed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, reason, reviewedBy)
}

// CountByRun returns the number of recommendations a run produced.
func (r *RecommendationRepository) CountByRun(ctx context.Context, runID string) (int, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return 0, err
	}

	var count int
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM mrp_recommendations WHERE run_id = $1`, runID)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *RecommendationRepository) review(ctx context.Context, id, query string, args ...interface{}) error {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return err
	}

	return r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		params := append([]interface{}{id}, args...)
		res, err := r.db.ExecContext(ctx, query, params...)
		if err != nil {
			return database.MapPQError(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return apperrors.Conflict("recommendation has already been reviewed")
		}
		return nil
	})
}
