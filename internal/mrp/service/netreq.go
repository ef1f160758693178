package service

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/planwise/planwise-backend/internal/mrp/repository"
	"github.com/planwise/planwise-backend/pkg/calendar"
)

// Requirement is one shortfall against the safety floor, emitted on a day
// demand posts.
type Requirement struct {
	Date             time.Time
	GrossRequirement decimal.Decimal
	NetRequirement   decimal.Decimal
	ProjectedStock   decimal.Decimal
	Source           *repository.DemandRow
	Contributors     []repository.DemandRow
	NegativeStock    bool
}

// CalculateNetRequirements walks the horizon day by day, projecting
// on-hand stock against demand and scheduled receipts. A requirement
// fires on any demand day whose consumption would drop projected stock
// below the safety floor; the emitted quantity restores the floor, so the
// projection continues from there and a shortfall is never double
// counted. A negative opening balance is folded into the first demand
// day's shortage only and flags that requirement as stock-out driven.
//
// Requirements fire only at consumption events. Pure drift below safety
// stock with no demand posting in the horizon does not generate an order.
func CalculateNetRequirements(product *repository.Product, currentStock decimal.Decimal, plan *DemandPlan, from, to time.Time, safetyStockEnabled bool) []Requirement {
	safetyStock := decimal.Zero
	if safetyStockEnabled {
		safetyStock = product.SafetyStock
	}

	deficitPending := currentStock.IsNegative()

	projected := currentStock
	var requirements []Requirement

	for day := calendar.DateOf(from); !day.After(calendar.DateOf(to)); day = day.AddDate(0, 0, 1) {
		projected = projected.Add(plan.ReceiptsOn(product.ID, day))

		demand, source := plan.DemandOn(product.ID, day)
		if !demand.IsPositive() {
			continue
		}
		projected = projected.Sub(demand)

		if projected.LessThan(safetyStock) {
			req := Requirement{
				Date:             day,
				GrossRequirement: demand,
				NetRequirement:   safetyStock.Sub(projected),
				ProjectedStock:   projected,
				Source:           source,
				Contributors:     plan.DemandRowsOn(product.ID, day),
				NegativeStock:    deficitPending,
			}
			requirements = append(requirements, req)
			// The suggested order covers the shortfall, so the
			// projection resumes at the floor.
			projected = safetyStock
			deficitPending = false
		}
	}
	return requirements
}
