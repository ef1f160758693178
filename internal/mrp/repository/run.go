package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/planwise/planwise-backend/pkg/database"
	apperrors "github.com/planwise/planwise-backend/pkg/errors"
	"github.com/planwise/planwise-backend/pkg/tenant"
)

// MRP run statuses
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// MRP run modes
const (
	RunModeFull        = "full"
	RunModeIncremental = "incremental"
)

// MRPRun is one planning calculation with its parameters and outcome.
type MRPRun struct {
	ID                 string         `db:"id"`
	RunCode            string         `db:"run_code"`
	Status             string         `db:"status"`
	Mode               string         `db:"mode"`
	HorizonStart       time.Time      `db:"horizon_start"`
	HorizonEnd         time.Time      `db:"horizon_end"`
	IncludeSafetyStock bool           `db:"include_safety_stock"`
	RespectLeadTimes   bool           `db:"respect_lead_times"`
	ConsiderWIP        bool           `db:"consider_wip"`
	NetChange          bool           `db:"net_change"`
	ProductIDs         pq.StringArray `db:"product_ids"`
	Categories         pq.StringArray `db:"categories"`
	IncludeWarehouses  pq.StringArray `db:"include_warehouses"`
	ExcludeWarehouses  pq.StringArray `db:"exclude_warehouses"`
	ProductsPlanned    int            `db:"products_planned"`
	ProductsProcessed  int            `db:"products_processed"`
	RecommendationsGenerated int      `db:"recommendations_generated"`
	WarningsSummary    types.JSONText `db:"warnings_summary"`
	ErrorMessage       *string        `db:"error_message"`
	TriggeredBy        *string        `db:"triggered_by"`
	StartedAt          *time.Time     `db:"started_at"`
	CompletedAt        *time.Time     `db:"completed_at"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

// RunFilter narrows run listings.
type RunFilter struct {
	Status string
	Mode   string
	Limit  int
	Offset int
}

// RunRepository persists MRP runs.
type RunRepository struct {
	db *database.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *database.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a pending run and fills its generated fields.
func (r *RunRepository) Create(ctx context.Context, run *MRPRun) error {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return err
	}

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunStatusPending
	}

	return r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			INSERT INTO mrp_runs (
				id, tenant_id, run_code, status, mode,
				horizon_start, horizon_end,
				include_safety_stock, respect_lead_times, consider_wip, net_change,
				product_ids, categories, include_warehouses, exclude_warehouses,
				triggered_by
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
			)
			RETURNING created_at, updated_at
		`
		row := r.db.QueryRowxContext(ctx, query,
			run.ID, tenantID, run.RunCode, run.Status, run.Mode,
			run.HorizonStart, run.HorizonEnd,
			run.IncludeSafetyStock, run.RespectLeadTimes, run.ConsiderWIP, run.NetChange,
			run.ProductIDs, run.Categories, run.IncludeWarehouses, run.ExcludeWarehouses,
			run.TriggeredBy,
		)
		if err := row.Scan(&run.CreatedAt, &run.UpdatedAt); err != nil {
			return database.MapPQError(err)
		}
		return nil
	})
}

// GetByID fetches a run.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*MRPRun, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var run MRPRun
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `SELECT * FROM mrp_runs WHERE id = $1`
		if err := r.db.GetContext(ctx, &run, query, id); err != nil {
			if err == sql.ErrNoRows {
				return apperrors.NotFound("mrp run")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// List returns runs newest first.
func (r *RunRepository) List(ctx context.Context, filter RunFilter) ([]MRPRun, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var runs []MRPRun
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			SELECT * FROM mrp_runs
			WHERE ($1 = '' OR status = $1)
			  AND ($2 = '' OR mode = $2)
			ORDER BY created_at DESC
			LIMIT $3 OFFSET $4
		`
		return r.db.SelectContext(ctx, &runs, query, filter.Status, filter.Mode, limit, filter.Offset)
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// MarkRunning moves a pending run to running. The status guard keeps a
// cancelled run from being started by a late worker.
func (r *RunRepository) MarkRunning(ctx context.Context, id string, productsPlanned int) error {
	return r.transition(ctx, id, `
		UPDATE mrp_runs
		SET status = 'running', products_planned = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, productsPlanned)
}

// MarkCompleted records a successful finish with its counters and
// warnings summary.
func (r *RunRepository) MarkCompleted(ctx context.Context, id string, processed, recommendations int, warnings types.JSONText) error {
	return r.transition(ctx, id, `
		UPDATE mrp_runs
		SET status = 'completed', products_processed = $2,
		    recommendations_generated = $3, warnings_summary = $4,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, processed, recommendations, warnings)
}

// MarkFailed records a failure with its message.
func (r *RunRepository) MarkFailed(ctx context.Context, id string, message string) error {
	return r.transition(ctx, id, `
		UPDATE mrp_runs
		SET status = 'failed', error_message = $2,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')
	`, message)
}

// MarkCancelled cancels a run that has not finished.
func (r *RunRepository) MarkCancelled(ctx context.Context, id string) error {
	return r.transition(ctx, id, `
		UPDATE mrp_runs
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')
	`)
}

// UpdateProgress bumps the processed counter.
func (r *RunRepository) UpdateProgress(ctx context.Context, id string, processed int) error {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return err
	}
	return r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`UPDATE mrp_runs SET products_processed = $2, updated_at = NOW() WHERE id = $1`,
			id, processed)
		return err
	})
}

// NextRunCode allocates a sequential run code like MRP-2026-00042.
func (r *RunRepository) NextRunCode(ctx context.Context) (string, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return "", err
	}

	var code string
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		query := `
			SELECT 'MRP-' || TO_CHAR(NOW(), 'YYYY') || '-' ||
			       LPAD((COUNT(*) + 1)::text, 5, '0')
			FROM mrp_runs
			WHERE created_at >= DATE_TRUNC('year', NOW())
		`
		return r.db.GetContext(ctx, &code, query)
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

func (r *RunRepository) transition(ctx context.Context, id, query string, args ...interface{}) error {
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
			return apperrors.Conflict("run is not in a state that allows this transition")
		}
		return nil
	})
}
