package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"github.com/planwise/planwise-backend/internal/mrp/repository"
	"github.com/planwise/planwise-backend/pkg/calendar"
	"github.com/planwise/planwise-backend/pkg/config"
	apperrors "github.com/planwise/planwise-backend/pkg/errors"
	"github.com/planwise/planwise-backend/pkg/logger"
	"github.com/planwise/planwise-backend/pkg/messaging"
	"github.com/planwise/planwise-backend/pkg/tenant"
)

// RunStore persists run records.
type RunStore interface {
	Create(ctx context.Context, run *repository.MRPRun) error
	GetByID(ctx context.Context, id string) (*repository.MRPRun, error)
	List(ctx context.Context, filter repository.RunFilter) ([]repository.MRPRun, error)
	MarkRunning(ctx context.Context, id string, productsPlanned int) error
	MarkCompleted(ctx context.Context, id string, processed, recommendations int, warnings types.JSONText) error
	MarkFailed(ctx context.Context, id string, message string) error
	MarkCancelled(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, processed int) error
	NextRunCode(ctx context.Context) (string, error)
}

// ProductStore reads the plannable product set.
type ProductStore interface {
	ListActive(ctx context.Context, filter repository.ProductFilter) ([]repository.Product, error)
	CountActive(ctx context.Context) (int, error)
}

// StockStore reads current on-hand quantities.
type StockStore interface {
	QualityAvailableByProduct(ctx context.Context, productIDs []string, warehouses repository.WarehouseFilter) (map[string]decimal.Decimal, error)
}

// SupplierStore resolves supplier links for purchase suggestions.
type SupplierStore interface {
	PreferredByProduct(ctx context.Context, productIDs []string) (map[string]repository.SupplierProduct, error)
}

// RecommendationStore persists run output.
type RecommendationStore interface {
	BatchCreate(ctx context.Context, recs []*repository.Recommendation) error
	DeletePendingForProducts(ctx context.Context, productIDs []string) error
	CountByRun(ctx context.Context, runID string) (int, error)
}

// CalendarStore loads the tenant working calendar.
type CalendarStore interface {
	Load(ctx context.Context) (*calendar.Calendar, error)
}

// RunLocker is the per-tenant mutual exclusion surface.
type RunLocker interface {
	AcquireRunLock(ctx context.Context, tenantID string, ttl time.Duration) (string, error)
	ReleaseRunLock(ctx context.Context, tenantID string, token string) error
}

// RunCache tracks live progress and chunk completion.
type RunCache interface {
	HSet(ctx context.Context, key string, values map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)
}

// EventPublisher emits run lifecycle and dispatch events.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// RunServiceDeps bundles the orchestrator's collaborators.
type RunServiceDeps struct {
	Runs            RunStore
	Products        ProductStore
	BOMs            LowLevelBOMStore
	Stocks          StockStore
	Suppliers       SupplierStore
	Recommendations RecommendationStore
	Calendars       CalendarStore
	Aggregator      *AggregatorService
	Explosion       *ExplosionService
	LowLevel        *LowLevelCodeService
	Dirty           *DirtySetService
	Locks           RunLocker
	Cache           RunCache
	Publisher       EventPublisher
}

// RunService drives the planning pipeline: low-level codes, product
// selection, demand preload, per-product netting in dependency order
// with dependent-demand push-down, and recommendation persistence.
type RunService struct {
	deps RunServiceDeps
	cfg  *config.MRPConfig
	log  *logger.Logger
	now  func() time.Time
}

// NewRunService creates a new run service
func NewRunService(deps RunServiceDeps, cfg *config.MRPConfig, log *logger.Logger) *RunService {
	return &RunService{
		deps: deps,
		cfg:  cfg,
		log:  log.WithComponent("mrp-run"),
		now:  time.Now,
	}
}

// CreateRunParams are the caller-supplied run parameters.
type CreateRunParams struct {
	HorizonStart       time.Time
	HorizonEnd         time.Time
	IncludeSafetyStock bool
	RespectLeadTimes   bool
	ConsiderWIP        bool
	NetChange          bool
	ProductIDs         []string
	Categories         []string
	IncludeWarehouses  []string
	ExcludeWarehouses  []string
	TriggeredBy        string
}

// CreateRun records a run, validates its parameters, and either
// executes it in place or hands it to the worker when the tenant is
// large enough that the caller should not wait. Validation failures
// leave the run marked failed with the specific message, so every
// attempt is auditable.
func (s *RunService) CreateRun(ctx context.Context, params CreateRunParams) (*repository.MRPRun, error) {
	runCode, err := s.deps.Runs.NextRunCode(ctx)
	if err != nil {
		return nil, err
	}

	mode := repository.RunModeFull
	if params.NetChange {
		mode = repository.RunModeIncremental
	}
	run := &repository.MRPRun{
		RunCode:            runCode,
		Status:             repository.RunStatusPending,
		Mode:               mode,
		HorizonStart:       calendar.DateOf(params.HorizonStart),
		HorizonEnd:         calendar.DateOf(params.HorizonEnd),
		IncludeSafetyStock: params.IncludeSafetyStock,
		RespectLeadTimes:   params.RespectLeadTimes,
		ConsiderWIP:        params.ConsiderWIP,
		NetChange:          params.NetChange,
		ProductIDs:         params.ProductIDs,
		Categories:         params.Categories,
		IncludeWarehouses:  params.IncludeWarehouses,
		ExcludeWarehouses:  params.ExcludeWarehouses,
	}
	if params.TriggeredBy != "" {
		run.TriggeredBy = &params.TriggeredBy
	}
	if err := s.deps.Runs.Create(ctx, run); err != nil {
		return nil, err
	}

	failMsg := ""
	activeCount := 0
	if !params.HorizonStart.Before(params.HorizonEnd) {
		failMsg = "planning horizon start must be before its end"
	} else {
		activeCount, err = s.deps.Products.CountActive(ctx)
		if err != nil {
			return nil, err
		}
		if activeCount == 0 {
			failMsg = "tenant has no active products to plan"
		}
	}
	if failMsg != "" {
		if markErr := s.deps.Runs.MarkFailed(ctx, run.ID, failMsg); markErr != nil {
			s.log.Error().Err(markErr).Str("run_id", run.ID).Msg("failed to record validation failure")
		}
		return nil, apperrors.BadRequest(failMsg)
	}

	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	if activeCount >= s.cfg.AsyncThreshold {
		if err := s.deps.Publisher.Publish(ctx, messaging.EventRunDispatched, messaging.RunDispatchedEvent{
			RunID:    run.ID,
			TenantID: tenantID,
		}); err != nil {
			return nil, err
		}
		return run, nil
	}

	if err := s.Execute(ctx, run.ID); err != nil {
		s.log.Warn().Err(err).Str("run_id", run.ID).Msg("synchronous run failed")
	}
	return s.deps.Runs.GetByID(ctx, run.ID)
}

// Cancel cancels a run that has not reached running.
func (s *RunService) Cancel(ctx context.Context, runID string) error {
	run, err := s.deps.Runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != repository.RunStatusPending {
		return apperrors.Conflict("only pending runs can be cancelled")
	}
	return s.deps.Runs.MarkCancelled(ctx, runID)
}

// GetRun fetches a run record.
func (s *RunService) GetRun(ctx context.Context, runID string) (*repository.MRPRun, error) {
	return s.deps.Runs.GetByID(ctx, runID)
}

// ListRuns lists run records newest first.
func (s *RunService) ListRuns(ctx context.Context, filter repository.RunFilter) ([]repository.MRPRun, error) {
	return s.deps.Runs.List(ctx, filter)
}

// Progress reports live progress for a running run from the cache, with
// the persisted counters as fallback.
func (s *RunService) Progress(ctx context.Context, runID string) (map[string]string, error) {
	progress, err := s.deps.Cache.HGetAll(ctx, progressKey(runID))
	if err == nil && len(progress) > 0 {
		return progress, nil
	}

	run, err := s.deps.Runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"status":    run.Status,
		"processed": strconv.Itoa(run.ProductsProcessed),
		"total":     strconv.Itoa(run.ProductsPlanned),
	}, nil
}

// runContext carries one execution's accumulated state explicitly
// through the pipeline stages instead of mutating service fields, so
// concurrent runs for different tenants never share state.
type runContext struct {
	run       *repository.MRPRun
	tenantID  string
	cal       *calendar.Calendar
	plan      *DemandPlan
	boms      bomMap
	stocks    map[string]decimal.Decimal
	suppliers map[string]repository.SupplierProduct
	warnings  *WarningsSummary
	recs      []*repository.Recommendation
	processed int
	now       time.Time

	// lockToken fences the per-tenant lock. When a run is dispatched in
	// chunks the token is handed to the workers and the lock stays held
	// until the last chunk completes.
	lockToken     string
	lockHandedOff bool
}

// Execute runs the full pipeline for a pending run. The per-tenant lock
// is acquired before any mutation and released on every exit path,
// except the chunk-dispatch path, where the last chunk worker releases
// it.
func (s *RunService) Execute(ctx context.Context, runID string) error {
	run, err := s.deps.Runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != repository.RunStatusPending {
		return apperrors.Conflict("run has already been executed")
	}
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return err
	}

	log := s.log.WithRunID(runID)

	token, err := s.deps.Locks.AcquireRunLock(ctx, tenantID, s.cfg.RunLockTTL)
	if err != nil {
		failMsg := err.Error()
		if markErr := s.deps.Runs.MarkFailed(ctx, runID, failMsg); markErr != nil {
			log.Error().Err(markErr).Msg("failed to record lock failure")
		}
		return err
	}

	rc := &runContext{
		run:       run,
		tenantID:  tenantID,
		warnings:  NewWarningsSummary(s.cfg.WarningExampleCap),
		now:       s.now(),
		lockToken: token,
	}
	defer func() {
		if rc.lockHandedOff {
			return
		}
		if err := s.deps.Locks.ReleaseRunLock(ctx, tenantID, token); err != nil {
			log.Error().Err(err).Msg("failed to release run lock")
		}
		if err := s.deps.Cache.Del(ctx, progressKey(runID)); err != nil {
			log.Warn().Err(err).Msg("failed to clear run progress")
		}
	}()

	if err := s.execute(ctx, rc); err != nil {
		message := err.Error()
		if !rc.warnings.Empty() {
			message = fmt.Sprintf("%s (warnings: %s)", message, rc.warnings.String())
		}
		if markErr := s.deps.Runs.MarkFailed(ctx, runID, message); markErr != nil {
			log.Error().Err(markErr).Msg("failed to record run failure")
		}
		s.publish(ctx, messaging.EventRunFailed, messaging.RunFailedEvent{
			RunID: runID, TenantID: tenantID, Error: message,
		})
		return err
	}
	return nil
}

func (s *RunService) execute(ctx context.Context, rc *runContext) error {
	run := rc.run
	log := s.log.WithRunID(run.ID)

	llc, err := s.deps.LowLevel.Compute(ctx, rc.tenantID)
	if err != nil {
		return fmt.Errorf("computing low-level codes: %w", err)
	}
	if !llc.Converged {
		rc.warnings.Add(WarnLowLevelCodeCap,
			fmt.Sprintf("relaxation stopped after %d passes", llc.Passes))
	}

	eligible, err := s.deps.Products.ListActive(ctx, repository.ProductFilter{
		ProductIDs: run.ProductIDs,
		Categories: run.Categories,
	})
	if err != nil {
		return fmt.Errorf("selecting eligible products: %w", err)
	}
	if len(eligible) == 0 {
		return apperrors.BadRequest("no eligible products match the run filters")
	}

	allBOMs, err := s.deps.BOMs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active BOMs: %w", err)
	}
	rc.boms = buildBOMMap(allBOMs)

	if run.Mode == repository.RunModeIncremental {
		eligible, err = s.scopeIncremental(ctx, rc, eligible, allBOMs)
		if err != nil {
			return err
		}
		if run.Mode == repository.RunModeIncremental && len(eligible) == 0 {
			// Nothing dirty; complete immediately without planning.
			if err := s.deps.Runs.MarkRunning(ctx, run.ID, 0); err != nil {
				return err
			}
			return s.finish(ctx, rc)
		}
	}

	sortByLowLevelCode(eligible, llc.Codes)

	if err := s.deps.Runs.MarkRunning(ctx, run.ID, len(eligible)); err != nil {
		if apperrors.Is(err, apperrors.ErrConflict) {
			log.Info().Msg("run was cancelled before start")
			return nil
		}
		return err
	}
	s.publish(ctx, messaging.EventRunStarted, messaging.RunStartedEvent{
		RunID: run.ID, TenantID: rc.tenantID, Mode: run.Mode,
	})

	if len(eligible) >= s.cfg.ParallelThreshold {
		return s.dispatchChunks(ctx, rc, eligible)
	}

	clearAll := run.Mode == repository.RunModeFull && len(run.ProductIDs) == 0 && len(run.Categories) == 0
	if err := s.prepare(ctx, rc, eligible, clearAll); err != nil {
		return err
	}
	if err := s.processProducts(ctx, rc, eligible); err != nil {
		return err
	}
	return s.finish(ctx, rc)
}

// prepare preloads everything the per-product loop reads: calendar,
// stock balances, supplier links, and the demand plan. With clearAll set
// every pending recommendation is dropped, otherwise only those of the
// products about to be replanned.
func (s *RunService) prepare(ctx context.Context, rc *runContext, products []repository.Product, clearAll bool) error {
	run := rc.run
	ids := productIDs(products)
	warehouses := repository.WarehouseFilter{
		Include: run.IncludeWarehouses,
		Exclude: run.ExcludeWarehouses,
	}

	cal, err := s.deps.Calendars.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading working calendar: %w", err)
	}
	rc.cal = cal

	stocks, err := s.deps.Stocks.QualityAvailableByProduct(ctx, ids, warehouses)
	if err != nil {
		return fmt.Errorf("loading stock balances: %w", err)
	}
	rc.stocks = stocks

	suppliers, err := s.deps.Suppliers.PreferredByProduct(ctx, ids)
	if err != nil {
		return fmt.Errorf("loading supplier links: %w", err)
	}
	rc.suppliers = suppliers

	plan, err := s.deps.Aggregator.Preload(ctx, ids, run.HorizonStart, run.HorizonEnd, run.ConsiderWIP, warehouses)
	if err != nil {
		return fmt.Errorf("preloading demand plan: %w", err)
	}
	rc.plan = plan

	scope := ids
	if clearAll {
		scope = nil
	}
	if err := s.deps.Recommendations.DeletePendingForProducts(ctx, scope); err != nil {
		return fmt.Errorf("clearing stale recommendations: %w", err)
	}
	return nil
}

// processProducts walks the eligible set in ascending low-level-code
// order. A component's dependent demand is fully accumulated by the
// time its own turn comes, which is what makes one pass sufficient.
func (s *RunService) processProducts(ctx context.Context, rc *runContext, products []repository.Product) error {
	for i := range products {
		product := &products[i]
		if err := s.processProduct(ctx, rc, product); err != nil {
			rc.warnings.Add(WarnProductFailed, fmt.Sprintf("%s: %s", product.SKU, err))
			s.log.WithRunID(rc.run.ID).Warn().Err(err).
				Str("sku", product.SKU).Msg("product skipped")
		}
		rc.plan.Release(product.ID)
		rc.processed++
		if rc.processed%s.cfg.ProgressInterval == 0 {
			s.writeProgress(ctx, rc, product.SKU, len(products))
		}
	}
	return nil
}

func (s *RunService) processProduct(ctx context.Context, rc *runContext, product *repository.Product) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while planning product: %v", r)
		}
	}()

	if !rc.plan.HasDemand(product.ID) {
		return nil
	}

	run := rc.run
	stock := rc.stocks[product.ID]
	requirements := CalculateNetRequirements(product, stock, rc.plan,
		run.HorizonStart, run.HorizonEnd, run.IncludeSafetyStock)
	if len(requirements) == 0 {
		return nil
	}

	isMake := product.MakeOrBuy == repository.MakeOrBuyMake
	_, hasBOM := rc.boms[product.ID]
	if isMake && !hasBOM {
		rc.warnings.Add(WarnMissingBOM, product.SKU)
		return nil
	}

	var supplier *repository.SupplierProduct
	if link, ok := rc.suppliers[product.ID]; ok {
		supplier = &link
	} else if !isMake {
		rc.warnings.Add(WarnNoSupplier, product.SKU)
	}

	for _, req := range requirements {
		rec := BuildRecommendation(RecommendationInput{
			Run:          run,
			Product:      product,
			Requirement:  req,
			CurrentStock: stock,
			Supplier:     supplier,
			Calendar:     rc.cal,
			Now:          rc.now,
		})
		if rec != nil {
			rc.recs = append(rc.recs, rec)
		}
	}

	if isMake {
		s.pushDependentDemand(ctx, rc, product, requirements)
	}
	return nil
}

// pushDependentDemand explodes the product's BOM for each requirement
// and posts component demand at the parent's order date. Explosion
// failures skip this product's push but never abort the run.
func (s *RunService) pushDependentDemand(ctx context.Context, rc *runContext, product *repository.Product, requirements []Requirement) {
	run := rc.run
	for _, req := range requirements {
		lines, err := s.deps.Explosion.ExplodeProduct(ctx, rc.tenantID, rc.boms, product.ID, req.NetRequirement, false)
		if err != nil {
			rc.warnings.Add(WarnCircularBOM, fmt.Sprintf("%s: %s", product.SKU, err))
			return
		}

		componentDate := req.Date
		if run.RespectLeadTimes && product.LeadTimeDays > 0 {
			componentDate = rc.cal.SubtractWorkingDays(req.Date, product.LeadTimeDays)
		}
		if componentDate.Before(run.HorizonStart) {
			componentDate = run.HorizonStart
		}
		for _, line := range lines {
			rc.plan.PushDependent(line.ProductID, componentDate, line.Quantity, product.ID)
		}
	}
}

// finish persists recommendations, marks the run completed, drains the
// dirty set for net-change runs, and emits the completion event.
func (s *RunService) finish(ctx context.Context, rc *runContext) error {
	run := rc.run
	if err := s.deps.Recommendations.BatchCreate(ctx, rc.recs); err != nil {
		return fmt.Errorf("persisting recommendations: %w", err)
	}
	if err := s.deps.Runs.MarkCompleted(ctx, run.ID, rc.processed, len(rc.recs), rc.warnings.JSON()); err != nil {
		return err
	}

	if run.Mode == repository.RunModeIncremental {
		if err := s.deps.Dirty.Drain(ctx, rc.tenantID); err != nil {
			s.log.WithRunID(run.ID).Warn().Err(err).Msg("failed to drain dirty set")
		}
	}

	s.publish(ctx, messaging.EventRunCompleted, messaging.RunCompletedEvent{
		RunID:                    run.ID,
		TenantID:                 rc.tenantID,
		ProductsProcessed:        rc.processed,
		RecommendationsGenerated: len(rc.recs),
		WarningCount:             rc.warnings.Count(),
	})
	s.log.WithRunID(run.ID).Info().
		Int("processed", rc.processed).
		Int("recommendations", len(rc.recs)).
		Int("warnings", rc.warnings.Count()).
		Msg("run completed")
	return nil
}

// scopeIncremental narrows the eligible set to dirty products plus every
// ancestor that consumes them. Falls back to full mode when the dirty
// share is too large for a delta run to be worth it.
func (s *RunService) scopeIncremental(ctx context.Context, rc *runContext, eligible []repository.Product, allBOMs []repository.BOM) ([]repository.Product, error) {
	dirty, err := s.deps.Dirty.Members(ctx, rc.tenantID)
	if err != nil {
		return nil, fmt.Errorf("reading dirty set: %w", err)
	}
	if len(dirty) == 0 {
		return nil, nil
	}
	if float64(len(dirty)) >= float64(len(eligible))*s.cfg.IncrementalDirtyRatio {
		s.log.WithRunID(rc.run.ID).Info().
			Int("dirty", len(dirty)).Int("eligible", len(eligible)).
			Msg("dirty share too large, falling back to full run")
		rc.run.Mode = repository.RunModeFull
		return eligible, nil
	}

	scope := ancestorClosure(dirty, allBOMs)
	scoped := eligible[:0:0]
	for _, p := range eligible {
		if scope[p.ID] {
			scoped = append(scoped, p)
		}
	}
	return scoped, nil
}

// dispatchChunks partitions a very large run into independent chunks for
// the worker pool. Dependent demand does not cross chunk boundaries, an
// accepted approximation for tenants of this size. The tenant lock is
// handed off through the progress hash and stays held until the last
// chunk completes, so no second run can start while workers are still
// writing recommendations.
func (s *RunService) dispatchChunks(ctx context.Context, rc *runContext, products []repository.Product) error {
	run := rc.run
	ids := productIDs(products)
	chunkSize := s.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 500
	}
	chunkCount := (len(ids) + chunkSize - 1) / chunkSize

	if err := s.deps.Cache.HSet(ctx, progressKey(run.ID), map[string]string{
		"lock_token": rc.lockToken,
	}); err != nil {
		return fmt.Errorf("storing lock token for chunk workers: %w", err)
	}

	for i := 0; i < chunkCount; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		err := s.deps.Publisher.Publish(ctx, messaging.EventChunkDispatched, messaging.ChunkDispatchedEvent{
			RunID:      run.ID,
			TenantID:   rc.tenantID,
			ChunkIndex: i,
			ChunkCount: chunkCount,
			ProductIDs: ids[start:end],
		})
		if err != nil {
			return fmt.Errorf("dispatching chunk %d: %w", i, err)
		}
		s.writeChunkProgress(ctx, run.ID, i+1, chunkCount)
	}
	rc.lockHandedOff = true

	s.log.WithRunID(run.ID).Info().
		Int("chunks", chunkCount).Int("products", len(ids)).
		Msg("run dispatched in chunks")
	return nil
}

// ExecuteChunk plans one chunk of a parallel run. The last chunk to
// finish closes the run and releases the tenant lock the dispatcher
// handed off.
func (s *RunService) ExecuteChunk(ctx context.Context, runID string, chunkIndex, chunkCount int, chunkProductIDs []string) error {
	run, err := s.deps.Runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != repository.RunStatusRunning {
		return apperrors.Conflict("run is not running")
	}
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return err
	}

	products, err := s.deps.Products.ListActive(ctx, repository.ProductFilter{ProductIDs: chunkProductIDs})
	if err != nil {
		return err
	}
	allBOMs, err := s.deps.BOMs.ListActive(ctx)
	if err != nil {
		return err
	}

	rc := &runContext{
		run:      run,
		tenantID: tenantID,
		boms:     buildBOMMap(allBOMs),
		warnings: NewWarningsSummary(s.cfg.WarningExampleCap),
		now:      s.now(),
	}
	if err := s.prepare(ctx, rc, products, false); err != nil {
		return err
	}
	if err := s.processProducts(ctx, rc, products); err != nil {
		return err
	}
	if err := s.deps.Recommendations.BatchCreate(ctx, rc.recs); err != nil {
		return fmt.Errorf("persisting chunk recommendations: %w", err)
	}

	key := chunksDoneKey(runID)
	if err := s.deps.Cache.SAdd(ctx, key, strconv.Itoa(chunkIndex)); err != nil {
		return err
	}
	done, err := s.deps.Cache.SCard(ctx, key)
	if err != nil {
		return err
	}
	if int(done) < chunkCount {
		return nil
	}

	recCount, err := s.deps.Recommendations.CountByRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := s.deps.Runs.MarkCompleted(ctx, runID, run.ProductsPlanned, recCount, rc.warnings.JSON()); err != nil {
		return err
	}
	if progress, err := s.deps.Cache.HGetAll(ctx, progressKey(runID)); err == nil {
		if token := progress["lock_token"]; token != "" {
			if err := s.deps.Locks.ReleaseRunLock(ctx, tenantID, token); err != nil {
				s.log.WithRunID(runID).Error().Err(err).Msg("failed to release run lock")
			}
		}
	}
	if err := s.deps.Cache.Del(ctx, key, progressKey(runID)); err != nil {
		s.log.WithRunID(runID).Warn().Err(err).Msg("failed to clear chunk tracking")
	}
	s.publish(ctx, messaging.EventRunCompleted, messaging.RunCompletedEvent{
		RunID:                    runID,
		TenantID:                 tenantID,
		ProductsProcessed:        run.ProductsPlanned,
		RecommendationsGenerated: recCount,
		WarningCount:             rc.warnings.Count(),
	})
	return nil
}

// writeProgress refreshes the live progress hash and persists the
// processed counter. A cache hiccup never stops the database persist.
func (s *RunService) writeProgress(ctx context.Context, rc *runContext, currentSKU string, total int) {
	runID := rc.run.ID
	err := s.deps.Cache.HSet(ctx, progressKey(runID), map[string]string{
		"status":    repository.RunStatusRunning,
		"processed": strconv.Itoa(rc.processed),
		"total":     strconv.Itoa(total),
		"current":   currentSKU,
	})
	if err != nil {
		s.log.WithRunID(runID).Warn().Err(err).Msg("failed to write progress")
	} else if err := s.deps.Cache.Expire(ctx, progressKey(runID), time.Hour); err != nil {
		s.log.WithRunID(runID).Warn().Err(err).Msg("failed to expire progress")
	}
	if err := s.deps.Runs.UpdateProgress(ctx, runID, rc.processed); err != nil {
		s.log.WithRunID(runID).Warn().Err(err).Msg("failed to persist progress")
	}
}

func (s *RunService) writeChunkProgress(ctx context.Context, runID string, dispatched, total int) {
	err := s.deps.Cache.HSet(ctx, progressKey(runID), map[string]string{
		"status":            repository.RunStatusRunning,
		"chunks_dispatched": strconv.Itoa(dispatched),
		"chunks_total":      strconv.Itoa(total),
	})
	if err != nil {
		s.log.WithRunID(runID).Warn().Err(err).Msg("failed to write chunk progress")
	}
}

func (s *RunService) publish(ctx context.Context, eventType string, data interface{}) {
	if err := s.deps.Publisher.Publish(ctx, eventType, data); err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish event")
	}
}

// bomMap resolves default BOMs from the per-run preload so phantom
// chasing never hits the database.
type bomMap map[string]*repository.BOM

func (m bomMap) DefaultBOM(ctx context.Context, productID string) (*repository.BOM, error) {
	if bom, ok := m[productID]; ok {
		return bom, nil
	}
	return nil, apperrors.NoActiveBOM(productID)
}

func buildBOMMap(boms []repository.BOM) bomMap {
	m := make(bomMap, len(boms))
	for i := range boms {
		bom := &boms[i]
		current, ok := m[bom.ProductID]
		if !ok || (bom.IsDefault && !current.IsDefault) {
			m[bom.ProductID] = bom
		}
	}
	return m
}

// ancestorClosure walks the BOM graph upward from the seed products,
// collecting every product whose structure consumes them.
func ancestorClosure(seed []string, boms []repository.BOM) map[string]bool {
	parents := make(map[string][]string)
	for _, bom := range boms {
		for _, item := range bom.Items {
			parents[item.ComponentID] = append(parents[item.ComponentID], bom.ProductID)
		}
	}

	closure := make(map[string]bool, len(seed))
	queue := append([]string(nil), seed...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if closure[id] {
			continue
		}
		closure[id] = true
		queue = append(queue, parents[id]...)
	}
	return closure
}

func sortByLowLevelCode(products []repository.Product, codes map[string]int) {
	sort.SliceStable(products, func(i, j int) bool {
		ci, cj := codes[products[i].ID], codes[products[j].ID]
		if ci != cj {
			return ci < cj
		}
		return products[i].SKU < products[j].SKU
	})
}

func productIDs(products []repository.Product) []string {
	ids := make([]string, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}
	return ids
}

func progressKey(runID string) string {
	return fmt.Sprintf("mrp:progress:%s", runID)
}

func chunksDoneKey(runID string) string {
	return fmt.Sprintf("mrp:chunks:%s", runID)
}
