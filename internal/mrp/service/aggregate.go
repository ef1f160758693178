package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/planwise/planwise-backend/internal/mrp/repository"
	"github.com/planwise/planwise-backend/pkg/calendar"
	"github.com/planwise/planwise-backend/pkg/logger"
)

// DemandSource reads the open order books.
type DemandSource interface {
	SalesDemand(ctx context.Context, productIDs []string, from, to time.Time) ([]repository.DemandRow, error)
	PurchaseReceipts(ctx context.Context, productIDs []string, from, to time.Time, warehouses repository.WarehouseFilter) ([]repository.DemandRow, error)
	WorkOrderReceipts(ctx context.Context, productIDs []string, from, to time.Time, warehouses repository.WarehouseFilter) ([]repository.DemandRow, error)
	WorkOrderMaterialDemand(ctx context.Context, productIDs []string, from, to time.Time) ([]repository.DemandRow, error)
}

// dateBuckets groups dated rows per product, sub-keyed by UTC midnight.
type dateBuckets map[string]map[time.Time][]repository.DemandRow

func (b dateBuckets) add(row repository.DemandRow) {
	date := calendar.DateOf(row.Date)
	byDate, ok := b[row.ProductID]
	if !ok {
		byDate = make(map[time.Time][]repository.DemandRow)
		b[row.ProductID] = byDate
	}
	row.Date = date
	byDate[date] = append(byDate[date], row)
}

// DemandPlan holds one run's preloaded demand and scheduled receipts,
// plus the dependent demand discovered while processing.
type DemandPlan struct {
	independent dateBuckets
	receipts    dateBuckets
	dependent   dateBuckets
}

// NewDemandPlan creates an empty plan, used by tests and by chunked runs
// that aggregate per chunk.
func NewDemandPlan() *DemandPlan {
	return &DemandPlan{
		independent: make(dateBuckets),
		receipts:    make(dateBuckets),
		dependent:   make(dateBuckets),
	}
}

// AddIndependent posts an independent demand row.
func (p *DemandPlan) AddIndependent(row repository.DemandRow) {
	p.independent.add(row)
}

// AddReceipt posts a scheduled receipt row.
func (p *DemandPlan) AddReceipt(row repository.DemandRow) {
	p.receipts.add(row)
}

// PushDependent posts dependent demand discovered by exploding a parent
// product's net requirement. The component must not have been processed
// yet, which ascending low-level-code order guarantees.
func (p *DemandPlan) PushDependent(componentID string, date time.Time, quantity decimal.Decimal, parentProductID string) {
	p.dependent.add(repository.DemandRow{
		ProductID:  componentID,
		Date:       date,
		Quantity:   quantity,
		SourceType: repository.DemandSourceDependent,
		SourceID:   parentProductID,
	})
}

// DemandDates returns the set of dates on which any demand posts for
// the product. Requirements only fire on these days.
func (p *DemandPlan) DemandDates(productID string) map[time.Time]bool {
	dates := make(map[time.Time]bool)
	for date := range p.independent[productID] {
		dates[date] = true
	}
	for date := range p.dependent[productID] {
		dates[date] = true
	}
	return dates
}

// DemandOn returns the total demand posting for the product on a day and
// the row to credit as the demand source. Independent demand wins the
// source slot over dependent demand.
func (p *DemandPlan) DemandOn(productID string, date time.Time) (decimal.Decimal, *repository.DemandRow) {
	total := decimal.Zero
	var source *repository.DemandRow
	for i, row := range p.independent[productID][date] {
		total = total.Add(row.Quantity)
		if source == nil {
			source = &p.independent[productID][date][i]
		}
	}
	for i, row := range p.dependent[productID][date] {
		total = total.Add(row.Quantity)
		if source == nil {
			source = &p.dependent[productID][date][i]
		}
	}
	return total, source
}

// DemandRowsOn returns every demand row posting for the product on a
// day, independent first. Callers treat the rows as read-only.
func (p *DemandPlan) DemandRowsOn(productID string, date time.Time) []repository.DemandRow {
	independent := p.independent[productID][date]
	dependent := p.dependent[productID][date]
	if len(dependent) == 0 {
		return independent
	}
	rows := make([]repository.DemandRow, 0, len(independent)+len(dependent))
	rows = append(rows, independent...)
	return append(rows, dependent...)
}

// ReceiptsOn returns the total scheduled receipts for the product on a day.
func (p *DemandPlan) ReceiptsOn(productID string, date time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, row := range p.receipts[productID][date] {
		total = total.Add(row.Quantity)
	}
	return total
}

// HasDemand reports whether any demand at all posts for the product.
func (p *DemandPlan) HasDemand(productID string) bool {
	return len(p.independent[productID]) > 0 || len(p.dependent[productID]) > 0
}

// Release drops a product's buckets once it has been processed, keeping
// peak memory bounded on large runs.
func (p *DemandPlan) Release(productID string) {
	delete(p.independent, productID)
	delete(p.receipts, productID)
	delete(p.dependent, productID)
}

// AggregatorService preloads a run's demand plan.
type AggregatorService struct {
	demand DemandSource
	log    *logger.Logger
}

// NewAggregatorService creates a new aggregator service
func NewAggregatorService(demand DemandSource, log *logger.Logger) *AggregatorService {
	return &AggregatorService{demand: demand, log: log.WithComponent("demand-aggregator")}
}

// Preload loads all in-horizon demand and scheduled receipts for the
// product set. Work-in-progress receipts and material requirements are
// only loaded when the run considers WIP.
func (s *AggregatorService) Preload(ctx context.Context, productIDs []string, from, to time.Time, considerWIP bool, warehouses repository.WarehouseFilter) (*DemandPlan, error) {
	plan := NewDemandPlan()

	sales, err := s.demand.SalesDemand(ctx, productIDs, from, to)
	if err != nil {
		return nil, err
	}
	for _, row := range sales {
		plan.AddIndependent(row)
	}

	purchases, err := s.demand.PurchaseReceipts(ctx, productIDs, from, to, warehouses)
	if err != nil {
		return nil, err
	}
	for _, row := range purchases {
		plan.AddReceipt(row)
	}

	if considerWIP {
		woReceipts, err := s.demand.WorkOrderReceipts(ctx, productIDs, from, to, warehouses)
		if err != nil {
			return nil, err
		}
		for _, row := range woReceipts {
			plan.AddReceipt(row)
		}

		woMaterials, err := s.demand.WorkOrderMaterialDemand(ctx, productIDs, from, to)
		if err != nil {
			return nil, err
		}
		for _, row := range woMaterials {
			plan.AddIndependent(row)
		}
	}

	s.log.Debug().
		Int("products", len(productIDs)).
		Int("sales_rows", len(sales)).
		Int("receipt_rows", len(purchases)).
		Msg("demand plan preloaded")
	return plan, nil
}
