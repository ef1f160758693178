package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/planwise/planwise-backend/internal/mrp/repository"
	"github.com/planwise/planwise-backend/internal/mrp/service"
	"github.com/planwise/planwise-backend/pkg/calendar"
	"github.com/planwise/planwise-backend/pkg/config"
	apperrors "github.com/planwise/planwise-backend/pkg/errors"
	"github.com/planwise/planwise-backend/pkg/logger"
	"github.com/planwise/planwise-backend/pkg/tenant"
)

// fakeRunStore keeps run records in memory with status-guarded
// transitions, mirroring the SQL guards.
type fakeRunStore struct {
	runs     map[string]*repository.MRPRun
	seq      int
	progress []int
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[string]*repository.MRPRun)}
}

func (f *fakeRunStore) Create(_ context.Context, run *repository.MRPRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunStore) GetByID(_ context.Context, id string) (*repository.MRPRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, apperrors.NotFound("mrp run")
	}
	c := *run
	return &c, nil
}

func (f *fakeRunStore) List(_ context.Context, _ repository.RunFilter) ([]repository.MRPRun, error) {
	out := make([]repository.MRPRun, 0, len(f.runs))
	for _, run := range f.runs {
		out = append(out, *run)
	}
	return out, nil
}

func (f *fakeRunStore) MarkRunning(_ context.Context, id string, planned int) error {
	run := f.runs[id]
	if run.Status != repository.RunStatusPending {
		return apperrors.Conflict("run is not pending")
	}
	run.Status = repository.RunStatusRunning
	run.ProductsPlanned = planned
	return nil
}

func (f *fakeRunStore) MarkCompleted(_ context.Context, id string, processed, recommendations int, warnings types.JSONText) error {
	run := f.runs[id]
	if run.Status != repository.RunStatusRunning {
		return apperrors.Conflict("run is not running")
	}
	run.Status = repository.RunStatusCompleted
	run.ProductsProcessed = processed
	run.RecommendationsGenerated = recommendations
	run.WarningsSummary = warnings
	return nil
}

func (f *fakeRunStore) MarkFailed(_ context.Context, id string, message string) error {
	run := f.runs[id]
	run.Status = repository.RunStatusFailed
	run.ErrorMessage = &message
	return nil
}

func (f *fakeRunStore) MarkCancelled(_ context.Context, id string) error {
	run := f.runs[id]
	if run.Status != repository.RunStatusPending && run.Status != repository.RunStatusRunning {
		return apperrors.Conflict("run is terminal")
	}
	run.Status = repository.RunStatusCancelled
	return nil
}

func (f *fakeRunStore) UpdateProgress(_ context.Context, id string, processed int) error {
	f.runs[id].ProductsProcessed = processed
	f.progress = append(f.progress, processed)
	return nil
}

func (f *fakeRunStore) single(t *testing.T) *repository.MRPRun {
	t.Helper()
	require.Len(t, f.runs, 1)
	for _, run := range f.runs {
		return run
	}
	return nil
}

func (f *fakeRunStore) NextRunCode(_ context.Context) (string, error) {
	f.seq++
	return "MRP-TEST-" + string(rune('0'+f.seq)), nil
}

func (f *fakeProductStore) CountActive(_ context.Context) (int, error) {
	return len(f.products), nil
}

// fakeStockStore serves fixed on-hand balances.
type fakeStockStore map[string]decimal.Decimal

func (f fakeStockStore) QualityAvailableByProduct(_ context.Context, _ []string, _ repository.WarehouseFilter) (map[string]decimal.Decimal, error) {
	return f, nil
}

// fakeSupplierStore serves fixed supplier links.
type fakeSupplierStore map[string]repository.SupplierProduct

func (f fakeSupplierStore) PreferredByProduct(_ context.Context, _ []string) (map[string]repository.SupplierProduct, error) {
	return f, nil
}

// fakeRecommendationStore records output.
type fakeRecommendationStore struct {
	created []*repository.Recommendation
	cleared [][]string
}

func (f *fakeRecommendationStore) BatchCreate(_ context.Context, recs []*repository.Recommendation) error {
	f.created = append(f.created, recs...)
	return nil
}

func (f *fakeRecommendationStore) DeletePendingForProducts(_ context.Context, ids []string) error {
	f.cleared = append(f.cleared, ids)
	return nil
}

func (f *fakeRecommendationStore) CountByRun(_ context.Context, runID string) (int, error) {
	count := 0
	for _, rec := range f.created {
		if rec.RunID == runID {
			count++
		}
	}
	return count, nil
}

// fakeCalendarStore serves the default calendar.
type fakeCalendarStore struct{}

func (fakeCalendarStore) Load(_ context.Context) (*calendar.Calendar, error) {
	return calendar.Default(), nil
}

// fakeLocker enforces one lock per tenant in memory.
type fakeLocker struct {
	held map[string]string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string)}
}

func (f *fakeLocker) AcquireRunLock(_ context.Context, tenantID string, _ time.Duration) (string, error) {
	if _, ok := f.held[tenantID]; ok {
		return "", apperrors.RunInProgress(tenantID)
	}
	token := uuid.NewString()
	f.held[tenantID] = token
	return token, nil
}

func (f *fakeLocker) ReleaseRunLock(_ context.Context, tenantID string, token string) error {
	if f.held[tenantID] == token {
		delete(f.held, tenantID)
	}
	return nil
}

// fakeKV backs the RunCache and DirtySetStore surfaces.
type fakeKV struct {
	hashes map[string]map[string]string
	sets   map[string]map[string]bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]bool),
	}
}

func (f *fakeKV) HSet(_ context.Context, key string, values map[string]string) error {
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range values {
		h[k] = v
	}
	return nil
}

func (f *fakeKV) HGetAll(_ context.Context, key string) (map[string]string, error) {
	return f.hashes[key], nil
}

func (f *fakeKV) Expire(_ context.Context, _ string, _ time.Duration) error { return nil }

func (f *fakeKV) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.hashes, k)
		delete(f.sets, k)
	}
	return nil
}

func (f *fakeKV) SAdd(_ context.Context, key string, members ...string) error {
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]bool)
		f.sets[key] = s
	}
	for _, m := range members {
		s[m] = true
	}
	return nil
}

func (f *fakeKV) SMembers(_ context.Context, key string) ([]string, error) {
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeKV) SRem(_ context.Context, key string, members ...string) error {
	for _, m := range members {
		delete(f.sets[key], m)
	}
	return nil
}

func (f *fakeKV) SCard(_ context.Context, key string) (int64, error) {
	return int64(len(f.sets[key])), nil
}

// failingKV simulates a cache outage for the progress surface.
type failingKV struct{}

var errRedisDown = errors.New("connection refused")

func (failingKV) HSet(context.Context, string, map[string]string) error { return errRedisDown }
func (failingKV) HGetAll(context.Context, string) (map[string]string, error) {
	return nil, errRedisDown
}
func (failingKV) Expire(context.Context, string, time.Duration) error { return errRedisDown }
func (failingKV) Del(context.Context, ...string) error                { return errRedisDown }
func (failingKV) SAdd(context.Context, string, ...string) error       { return errRedisDown }
func (failingKV) SCard(context.Context, string) (int64, error)        { return 0, errRedisDown }

// fakePublisher records published events.
type fakePublisher struct {
	events []string
}

func (f *fakePublisher) Publish(_ context.Context, eventType string, _ interface{}) error {
	f.events = append(f.events, eventType)
	return nil
}

// runFixture wires a RunService over in-memory fakes.
type runFixture struct {
	svc       *service.RunService
	runs      *fakeRunStore
	products  *fakeProductStore
	boms      *fakeBOMStore
	stocks    fakeStockStore
	recs      *fakeRecommendationStore
	locker    *fakeLocker
	kv        *fakeKV
	dirty     *service.DirtySetService
	publisher *fakePublisher
	ctx       context.Context
	tenantID  string
}

func testMRPConfig() *config.MRPConfig {
	return &config.MRPConfig{
		MaxBOMDepth:           10,
		LowLevelCodeMaxPasses: 100,
		ChunkSize:             500,
		ParallelThreshold:     2000,
		AsyncThreshold:        200,
		IncrementalDirtyRatio: 0.2,
		RunLockTTL:            time.Hour,
		LowLevelCodeTTL:       time.Hour,
		ExplosionCacheTTL:     time.Hour,
		ProgressInterval:      10,
		WarningExampleCap:     5,
	}
}

func newRunFixture() *runFixture {
	log := logger.New("test", "development")
	tenantID := uuid.NewString()

	f := &runFixture{
		runs:      newFakeRunStore(),
		products:  &fakeProductStore{},
		boms:      &fakeBOMStore{},
		stocks:    fakeStockStore{},
		recs:      &fakeRecommendationStore{},
		locker:    newFakeLocker(),
		kv:        newFakeKV(),
		publisher: &fakePublisher{},
		tenantID:  tenantID,
		ctx:       tenant.WithTenantID(context.Background(), tenantID),
	}
	f.dirty = service.NewDirtySetService(f.kv, log)

	cfg := testMRPConfig()
	f.svc = service.NewRunService(service.RunServiceDeps{
		Runs:            f.runs,
		Products:        f.products,
		BOMs:            f.boms,
		Stocks:          f.stocks,
		Suppliers:       fakeSupplierStore{},
		Recommendations: f.recs,
		Calendars:       fakeCalendarStore{},
		Aggregator:      service.NewAggregatorService(planSource{}, log),
		Explosion:       service.NewExplosionService(fakeCache{}, log, cfg.MaxBOMDepth, cfg.ExplosionCacheTTL),
		LowLevel:        service.NewLowLevelCodeService(f.products, f.boms, fakeCache{}, log, cfg.LowLevelCodeMaxPasses, cfg.LowLevelCodeTTL),
		Dirty:           f.dirty,
		Locks:           f.locker,
		Cache:           f.kv,
		Publisher:       f.publisher,
	}, cfg, log)
	return f
}

// planSource serves scripted demand rows.
type planSource struct {
	sales []repository.DemandRow
}

func (p planSource) SalesDemand(_ context.Context, _ []string, _, _ time.Time) ([]repository.DemandRow, error) {
	return p.sales, nil
}
func (p planSource) PurchaseReceipts(_ context.Context, _ []string, _, _ time.Time, _ repository.WarehouseFilter) ([]repository.DemandRow, error) {
	return nil, nil
}
func (p planSource) WorkOrderReceipts(_ context.Context, _ []string, _, _ time.Time, _ repository.WarehouseFilter) ([]repository.DemandRow, error) {
	return nil, nil
}
func (p planSource) WorkOrderMaterialDemand(_ context.Context, _ []string, _, _ time.Time) ([]repository.DemandRow, error) {
	return nil, nil
}

func (f *runFixture) withSales(rows ...repository.DemandRow) {
	log := logger.New("test", "development")
	f.svc = f.rebuild(service.NewAggregatorService(planSource{sales: rows}, log))
}

func (f *runFixture) rebuild(agg *service.AggregatorService) *service.RunService {
	log := logger.New("test", "development")
	cfg := testMRPConfig()
	return service.NewRunService(service.RunServiceDeps{
		Runs:            f.runs,
		Products:        f.products,
		BOMs:            f.boms,
		Stocks:          f.stocks,
		Suppliers:       fakeSupplierStore{},
		Recommendations: f.recs,
		Calendars:       fakeCalendarStore{},
		Aggregator:      agg,
		Explosion:       service.NewExplosionService(fakeCache{}, log, cfg.MaxBOMDepth, cfg.ExplosionCacheTTL),
		LowLevel:        service.NewLowLevelCodeService(f.products, f.boms, fakeCache{}, log, cfg.LowLevelCodeMaxPasses, cfg.LowLevelCodeTTL),
		Dirty:           f.dirty,
		Locks:           f.locker,
		Cache:           f.kv,
		Publisher:       f.publisher,
	}, cfg, log)
}

// reconfigure rebuilds the service with a tweaked config or cache.
func (f *runFixture) reconfigure(cfg *config.MRPConfig, cache service.RunCache) {
	log := logger.New("test", "development")
	f.svc = service.NewRunService(service.RunServiceDeps{
		Runs:            f.runs,
		Products:        f.products,
		BOMs:            f.boms,
		Stocks:          f.stocks,
		Suppliers:       fakeSupplierStore{},
		Recommendations: f.recs,
		Calendars:       fakeCalendarStore{},
		Aggregator:      service.NewAggregatorService(planSource{}, log),
		Explosion:       service.NewExplosionService(fakeCache{}, log, cfg.MaxBOMDepth, cfg.ExplosionCacheTTL),
		LowLevel:        service.NewLowLevelCodeService(f.products, f.boms, fakeCache{}, log, cfg.LowLevelCodeMaxPasses, cfg.LowLevelCodeTTL),
		Dirty:           f.dirty,
		Locks:           f.locker,
		Cache:           cache,
		Publisher:       f.publisher,
	}, cfg, log)
}

func (f *runFixture) pendingRun(mods ...func(*repository.MRPRun)) *repository.MRPRun {
	run := &repository.MRPRun{
		ID:           uuid.NewString(),
		RunCode:      "MRP-TEST",
		Status:       repository.RunStatusPending,
		Mode:         repository.RunModeFull,
		HorizonStart: day(1),
		HorizonEnd:   day(30),
	}
	for _, mod := range mods {
		mod(run)
	}
	f.runs.runs[run.ID] = run
	return run
}

func TestRunService_SingleLockPerTenant(t *testing.T) {
	f := newRunFixture()
	f.products.products = activeProducts("p1")
	f.withSales()

	// Another run already holds the tenant lock.
	_, err := f.locker.AcquireRunLock(f.ctx, f.tenantID, time.Hour)
	require.NoError(t, err)

	run := f.pendingRun()
	err = f.svc.Execute(f.ctx, run.ID)

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrRunInProgress))
	assert.Equal(t, repository.RunStatusFailed, f.runs.runs[run.ID].Status)
	assert.Empty(t, f.recs.created, "no output before the lock is held")
}

func TestRunService_LockReleasedAfterRun(t *testing.T) {
	f := newRunFixture()
	f.products.products = activeProducts("p1")
	f.withSales()

	run := f.pendingRun()
	require.NoError(t, f.svc.Execute(f.ctx, run.ID))
	assert.Empty(t, f.locker.held, "lock released on success")

	second := f.pendingRun()
	require.NoError(t, f.svc.Execute(f.ctx, second.ID), "next run can acquire")
}

func TestRunService_DependentDemandPropagation(t *testing.T) {
	// Three levels: fg (make) -> sub (make) -> raw (buy). A sales demand
	// of 10 fg must cascade into 20 sub and 60 raw.
	f := newRunFixture()
	fg := repository.Product{ID: "fg", SKU: "FG", IsActive: true, MakeOrBuy: repository.MakeOrBuyMake}
	sub := repository.Product{ID: "sub", SKU: "SUB", IsActive: true, MakeOrBuy: repository.MakeOrBuyMake}
	raw := repository.Product{ID: "raw", SKU: "RAW", IsActive: true, MakeOrBuy: repository.MakeOrBuyBuy}
	f.products.products = []repository.Product{fg, sub, raw}
	f.boms.boms = []repository.BOM{
		*bom("bom-fg", "fg", 1, item("sub", 2)),
		*bom("bom-sub", "sub", 1, item("raw", 3)),
	}
	f.withSales(demandRow("fg", day(20), 10))

	run := f.pendingRun()
	require.NoError(t, f.svc.Execute(f.ctx, run.ID))
	assert.Equal(t, repository.RunStatusCompleted, f.runs.runs[run.ID].Status)

	byProduct := make(map[string]*repository.Recommendation)
	for _, rec := range f.recs.created {
		byProduct[rec.ProductID] = rec
	}
	require.Len(t, byProduct, 3)

	assert.Equal(t, repository.RecommendationTypeWorkOrder, byProduct["fg"].Type)
	assert.True(t, byProduct["fg"].SuggestedQuantity.Equal(dec(10)))

	assert.Equal(t, repository.RecommendationTypeWorkOrder, byProduct["sub"].Type)
	assert.True(t, byProduct["sub"].SuggestedQuantity.Equal(dec(20)),
		"sub receives fg's exploded requirement")
	assert.Equal(t, repository.DemandSourceDependent, byProduct["sub"].DemandSourceType)

	assert.Equal(t, repository.RecommendationTypePurchaseOrder, byProduct["raw"].Type)
	assert.True(t, byProduct["raw"].SuggestedQuantity.Equal(dec(60)),
		"raw receives sub's exploded requirement, not only direct demand")
}

func TestRunService_EndToEndLotSizing(t *testing.T) {
	// Buy product with MOQ 100 and multiple 50; demand 120 nets to a
	// single 150-unit purchase suggestion.
	f := newRunFixture()
	p := repository.Product{
		ID: "p1", SKU: "P1", IsActive: true,
		MakeOrBuy:       repository.MakeOrBuyBuy,
		MinimumOrderQty: dec(100),
		OrderMultiple:   dec(50),
		LeadTimeDays:    5,
	}
	f.products.products = []repository.Product{p}
	f.withSales(demandRow("p1", day(21), 120))

	run := f.pendingRun(func(r *repository.MRPRun) {
		r.RespectLeadTimes = true
	})
	require.NoError(t, f.svc.Execute(f.ctx, run.ID))

	require.Len(t, f.recs.created, 1)
	rec := f.recs.created[0]
	assert.Equal(t, repository.RecommendationTypePurchaseOrder, rec.Type)
	assert.True(t, rec.SuggestedQuantity.Equal(dec(150)))
	assert.Equal(t, day(21), rec.RequiredDate)
	assert.Equal(t, calendar.Default().SubtractWorkingDays(day(21), 5), rec.SuggestedOrderDate)

	final := f.runs.runs[run.ID]
	assert.Equal(t, repository.RunStatusCompleted, final.Status)
	assert.Equal(t, 1, final.ProductsProcessed)
	assert.Equal(t, 1, final.RecommendationsGenerated)
	assert.Contains(t, f.publisher.events, "mrp.run.completed")
}

func TestRunService_MakeProductWithoutBOMWarns(t *testing.T) {
	f := newRunFixture()
	f.products.products = []repository.Product{
		{ID: "m1", SKU: "M1", IsActive: true, MakeOrBuy: repository.MakeOrBuyMake},
	}
	f.withSales(demandRow("m1", day(10), 5))

	run := f.pendingRun()
	require.NoError(t, f.svc.Execute(f.ctx, run.ID))

	final := f.runs.runs[run.ID]
	assert.Equal(t, repository.RunStatusCompleted, final.Status, "missing BOM is a warning, not a failure")
	assert.Empty(t, f.recs.created)

	var buckets []map[string]interface{}
	require.NoError(t, json.Unmarshal(final.WarningsSummary, &buckets))
	require.Len(t, buckets, 1)
	assert.Equal(t, service.WarnMissingBOM, buckets[0]["category"])
}

func TestRunService_CircularBOMSkipsProduct(t *testing.T) {
	// a and b phantom-reference each other; planning either records a
	// circular warning and the run still completes.
	f := newRunFixture()
	f.products.products = []repository.Product{
		{ID: "a", SKU: "A", IsActive: true, MakeOrBuy: repository.MakeOrBuyMake},
		{ID: "b", SKU: "B", IsActive: true, MakeOrBuy: repository.MakeOrBuyMake},
	}
	toB := item("b", 1)
	toB.IsPhantom = true
	toA := item("a", 1)
	toA.IsPhantom = true
	f.boms.boms = []repository.BOM{
		*bom("bom-a", "a", 1, toB),
		*bom("bom-b", "b", 1, toA),
	}
	f.withSales(demandRow("a", day(10), 5))

	run := f.pendingRun()
	require.NoError(t, f.svc.Execute(f.ctx, run.ID))

	final := f.runs.runs[run.ID]
	assert.Equal(t, repository.RunStatusCompleted, final.Status)
	assert.Contains(t, string(final.WarningsSummary), service.WarnCircularBOM)
}

func TestRunService_IncrementalScopesToDirtyAndAncestors(t *testing.T) {
	// Only raw is dirty; the incremental run must also replan sub and
	// fg (its ancestors) but not the unrelated product.
	f := newRunFixture()
	f.products.products = []repository.Product{
		{ID: "fg", SKU: "FG", IsActive: true, MakeOrBuy: repository.MakeOrBuyMake},
		{ID: "sub", SKU: "SUB", IsActive: true, MakeOrBuy: repository.MakeOrBuyMake},
		{ID: "raw", SKU: "RAW", IsActive: true, MakeOrBuy: repository.MakeOrBuyBuy},
		{ID: "other1", SKU: "OTH1", IsActive: true, MakeOrBuy: repository.MakeOrBuyBuy},
		{ID: "other2", SKU: "OTH2", IsActive: true, MakeOrBuy: repository.MakeOrBuyBuy},
		{ID: "other3", SKU: "OTH3", IsActive: true, MakeOrBuy: repository.MakeOrBuyBuy},
		{ID: "other4", SKU: "OTH4", IsActive: true, MakeOrBuy: repository.MakeOrBuyBuy},
		{ID: "other5", SKU: "OTH5", IsActive: true, MakeOrBuy: repository.MakeOrBuyBuy},
		{ID: "other6", SKU: "OTH6", IsActive: true, MakeOrBuy: repository.MakeOrBuyBuy},
		{ID: "other7", SKU: "OTH7", IsActive: true, MakeOrBuy: repository.MakeOrBuyBuy},
		{ID: "other8", SKU: "OTH8", IsActive: true, MakeOrBuy: repository.MakeOrBuyBuy},
		{ID: "other9", SKU: "OTH9", IsActive: true, MakeOrBuy: repository.MakeOrBuyBuy},
	}
	f.boms.boms = []repository.BOM{
		*bom("bom-fg", "fg", 1, item("sub", 1)),
		*bom("bom-sub", "sub", 1, item("raw", 1)),
	}
	require.NoError(t, f.dirty.Mark(f.ctx, f.tenantID, "raw"))
	f.withSales()

	run := f.pendingRun(func(r *repository.MRPRun) {
		r.Mode = repository.RunModeIncremental
		r.NetChange = true
	})
	require.NoError(t, f.svc.Execute(f.ctx, run.ID))

	final := f.runs.runs[run.ID]
	assert.Equal(t, repository.RunStatusCompleted, final.Status)
	assert.Equal(t, 3, final.ProductsPlanned, "dirty product plus its two ancestors")

	count, err := f.dirty.Count(f.ctx, f.tenantID)
	require.NoError(t, err)
	assert.Zero(t, count, "dirty set drained after success")
}

func TestRunService_Cancel(t *testing.T) {
	f := newRunFixture()

	t.Run("pending run cancels", func(t *testing.T) {
		run := f.pendingRun()
		require.NoError(t, f.svc.Cancel(f.ctx, run.ID))
		assert.Equal(t, repository.RunStatusCancelled, f.runs.runs[run.ID].Status)
	})

	t.Run("cancelled run cannot execute", func(t *testing.T) {
		run := f.pendingRun()
		require.NoError(t, f.svc.Cancel(f.ctx, run.ID))
		err := f.svc.Execute(f.ctx, run.ID)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
	})

	t.Run("completed run cannot cancel", func(t *testing.T) {
		run := f.pendingRun()
		run.Status = repository.RunStatusCompleted
		err := f.svc.Cancel(f.ctx, run.ID)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
	})
}

func TestRunService_ProcessingOrderMatters(t *testing.T) {
	// Processing in descending order understates the raw requirement:
	// raw is planned before sub's demand reaches it. The service sorts
	// ascending, so raw's suggestion reflects the cascade.
	f := newRunFixture()
	f.products.products = []repository.Product{
		// Listed deepest first to prove the service reorders.
		{ID: "raw", SKU: "RAW", IsActive: true, MakeOrBuy: repository.MakeOrBuyBuy},
		{ID: "sub", SKU: "SUB", IsActive: true, MakeOrBuy: repository.MakeOrBuyMake},
		{ID: "fg", SKU: "FG", IsActive: true, MakeOrBuy: repository.MakeOrBuyMake},
	}
	f.boms.boms = []repository.BOM{
		*bom("bom-fg", "fg", 1, item("sub", 2)),
		*bom("bom-sub", "sub", 1, item("raw", 3)),
	}
	f.withSales(demandRow("fg", day(20), 10))

	run := f.pendingRun()
	require.NoError(t, f.svc.Execute(f.ctx, run.ID))

	var rawRec *repository.Recommendation
	for _, rec := range f.recs.created {
		if rec.ProductID == "raw" {
			rawRec = rec
		}
	}
	require.NotNil(t, rawRec, "raw planned despite being listed first")
	assert.True(t, rawRec.SuggestedQuantity.Equal(dec(60)))
}

func TestRunService_FailureMessageCarriesWarnings(t *testing.T) {
	f := newRunFixture()
	f.products.products = nil
	f.withSales()

	run := f.pendingRun()
	err := f.svc.Execute(f.ctx, run.ID)
	require.Error(t, err)

	final := f.runs.runs[run.ID]
	assert.Equal(t, repository.RunStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.True(t, strings.Contains(*final.ErrorMessage, "no eligible products"))
	assert.Contains(t, f.publisher.events, "mrp.run.failed")
}

func TestRunService_ChunkedRunHoldsLockUntilLastChunk(t *testing.T) {
	// Dispatching chunks hands the lock to the workers instead of
	// releasing it; a second run for the tenant must not start until the
	// last chunk closes the run.
	f := newRunFixture()
	f.products.products = activeProducts("p1", "p2", "p3")
	cfg := testMRPConfig()
	cfg.ParallelThreshold = 2
	cfg.ChunkSize = 2
	f.reconfigure(cfg, f.kv)

	run := f.pendingRun()
	require.NoError(t, f.svc.Execute(f.ctx, run.ID))
	assert.Equal(t, repository.RunStatusRunning, f.runs.runs[run.ID].Status)
	assert.Contains(t, f.publisher.events, "mrp.chunk.dispatched")
	require.NotEmpty(t, f.locker.held, "lock stays held after dispatch")

	second := f.pendingRun()
	err := f.svc.Execute(f.ctx, second.ID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrRunInProgress))
	assert.Equal(t, repository.RunStatusFailed, f.runs.runs[second.ID].Status)

	require.NoError(t, f.svc.ExecuteChunk(f.ctx, run.ID, 0, 2, []string{"p1", "p2"}))
	assert.Equal(t, repository.RunStatusRunning, f.runs.runs[run.ID].Status)
	assert.NotEmpty(t, f.locker.held, "lock held while a chunk is outstanding")

	require.NoError(t, f.svc.ExecuteChunk(f.ctx, run.ID, 1, 2, []string{"p3"}))
	assert.Equal(t, repository.RunStatusCompleted, f.runs.runs[run.ID].Status)
	assert.Empty(t, f.locker.held, "last chunk releases the lock")

	third := f.pendingRun()
	require.NoError(t, f.svc.Execute(f.ctx, third.ID), "next run can acquire after close")
}

func TestRunService_CreateRunRecordsValidationFailure(t *testing.T) {
	t.Run("inverted horizon", func(t *testing.T) {
		f := newRunFixture()
		f.products.products = activeProducts("p1")

		_, err := f.svc.CreateRun(f.ctx, service.CreateRunParams{
			HorizonStart: day(10),
			HorizonEnd:   day(5),
		})
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrBadRequest))

		run := f.runs.single(t)
		assert.Equal(t, repository.RunStatusFailed, run.Status)
		require.NotNil(t, run.ErrorMessage)
		assert.Contains(t, *run.ErrorMessage, "horizon start must be before")
	})

	t.Run("no active products", func(t *testing.T) {
		f := newRunFixture()

		_, err := f.svc.CreateRun(f.ctx, service.CreateRunParams{
			HorizonStart: day(1),
			HorizonEnd:   day(30),
		})
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrBadRequest))

		run := f.runs.single(t)
		assert.Equal(t, repository.RunStatusFailed, run.Status)
		require.NotNil(t, run.ErrorMessage)
		assert.Contains(t, *run.ErrorMessage, "no active products")
	})
}

func TestRunService_ProgressPersistsThroughCacheOutage(t *testing.T) {
	// The processed counter keeps reaching the database even with the
	// cache down.
	f := newRunFixture()
	f.products.products = activeProducts(
		"p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8", "p9", "p10")
	f.reconfigure(testMRPConfig(), failingKV{})

	run := f.pendingRun()
	require.NoError(t, f.svc.Execute(f.ctx, run.ID))

	assert.Equal(t, repository.RunStatusCompleted, f.runs.runs[run.ID].Status)
	assert.Contains(t, f.runs.progress, 10, "counter persisted despite cache errors")
}
