package service

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"github.com/planwise/planwise-backend/internal/mrp/repository"
	"github.com/planwise/planwise-backend/pkg/calendar"
)

// LotSize rounds a net requirement up to the product's ordering policy:
// first to the minimum order quantity, then to the nearest order
// multiple. This is the only place order quantities are rounded.
func LotSize(minimumOrderQty, orderMultiple, netRequirement decimal.Decimal) decimal.Decimal {
	if !netRequirement.IsPositive() {
		return decimal.Zero
	}

	qty := netRequirement
	if minimumOrderQty.IsPositive() && qty.LessThan(minimumOrderQty) {
		qty = minimumOrderQty
	}
	if orderMultiple.IsPositive() {
		multiples := qty.Div(orderMultiple).Ceil()
		qty = multiples.Mul(orderMultiple)
	}
	return qty
}

// calculationDetail captures the inputs a recommendation was computed
// from, stored alongside it for auditability.
type calculationDetail struct {
	SafetyStock     decimal.Decimal      `json:"safety_stock"`
	LeadTimeDays    int                  `json:"lead_time_days"`
	MinimumOrderQty decimal.Decimal      `json:"minimum_order_qty"`
	OrderMultiple   decimal.Decimal      `json:"order_multiple"`
	CurrentStock    decimal.Decimal      `json:"current_stock"`
	DemandDate      string               `json:"demand_date"`
	DemandQuantity  decimal.Decimal      `json:"demand_quantity"`
	NegativeStock   bool                 `json:"negative_stock"`
	Contributors    []demandContribution `json:"contributing_demands,omitempty"`
}

// demandContribution is one demand row feeding the day's shortfall.
type demandContribution struct {
	SourceType string          `json:"source_type"`
	SourceID   string          `json:"source_id,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
}

func contributions(rows []repository.DemandRow) []demandContribution {
	if len(rows) == 0 {
		return nil
	}
	out := make([]demandContribution, len(rows))
	for i, row := range rows {
		out[i] = demandContribution{
			SourceType: row.SourceType,
			SourceID:   row.SourceID,
			Quantity:   row.Quantity,
		}
	}
	return out
}

// RecommendationInput bundles everything needed to turn one requirement
// into a planned order suggestion.
type RecommendationInput struct {
	Run          *repository.MRPRun
	Product      *repository.Product
	Requirement  Requirement
	CurrentStock decimal.Decimal
	Supplier     *repository.SupplierProduct
	Calendar     *calendar.Calendar
	Now          time.Time
}

// BuildRecommendation turns a requirement into a work-order or
// purchase-order suggestion. Returns nil when lot sizing rounds the
// quantity to zero.
func BuildRecommendation(in RecommendationInput) *repository.Recommendation {
	product := in.Product
	req := in.Requirement

	suggestedQty := LotSize(product.MinimumOrderQty, product.OrderMultiple, req.NetRequirement)
	if !suggestedQty.IsPositive() {
		return nil
	}

	requiredDate := calendar.DateOf(req.Date)
	suggestedDate := requiredDate
	leadTime := product.LeadTimeDays
	if in.Supplier != nil && in.Supplier.LeadTimeDays != nil && *in.Supplier.LeadTimeDays > 0 {
		leadTime = *in.Supplier.LeadTimeDays
	}
	if in.Run.RespectLeadTimes && leadTime > 0 {
		suggestedDate = in.Calendar.SubtractWorkingDays(requiredDate, leadTime)
	}

	recType := repository.RecommendationTypePurchaseOrder
	if product.MakeOrBuy == repository.MakeOrBuyMake {
		recType = repository.RecommendationTypeWorkOrder
	}

	priority, urgent, reason := classifyPriority(in.Now, suggestedDate, req.NegativeStock)

	unitCost := product.UnitCost
	var supplierID *string
	if recType == repository.RecommendationTypePurchaseOrder && in.Supplier != nil {
		supplierID = &in.Supplier.SupplierID
		if in.Supplier.UnitPrice.IsPositive() {
			unitCost = in.Supplier.UnitPrice
		}
	}

	var sourceType string
	var sourceID *string
	if req.Source != nil {
		sourceType = req.Source.SourceType
		if req.Source.SourceID != "" {
			id := req.Source.SourceID
			sourceID = &id
		}
	} else {
		sourceType = repository.DemandSourceSafety
	}

	detail, _ := json.Marshal(calculationDetail{
		SafetyStock:     product.SafetyStock,
		LeadTimeDays:    leadTime,
		MinimumOrderQty: product.MinimumOrderQty,
		OrderMultiple:   product.OrderMultiple,
		CurrentStock:    in.CurrentStock,
		DemandDate:      requiredDate.Format("2006-01-02"),
		DemandQuantity:  req.GrossRequirement,
		NegativeStock:   req.NegativeStock,
		Contributors:    contributions(req.Contributors),
	})

	return &repository.Recommendation{
		RunID:                in.Run.ID,
		ProductID:            product.ID,
		Type:                 recType,
		RequiredDate:         requiredDate,
		SuggestedOrderDate:   suggestedDate,
		GrossRequirement:     req.GrossRequirement,
		NetRequirement:       req.NetRequirement,
		SuggestedQuantity:    suggestedQty,
		ProjectedStockBefore: req.ProjectedStock.Add(req.GrossRequirement),
		ProjectedStockAfter:  req.ProjectedStock.Add(suggestedQty),
		SupplierID:           supplierID,
		UnitCost:             unitCost,
		DemandSourceType:     sourceType,
		DemandSourceID:       sourceID,
		Priority:             priority,
		IsUrgent:             urgent,
		UrgencyReason:        reason,
		Status:               repository.RecommendationStatusPending,
		CalculationDetail:    types.JSONText(detail),
	}
}

// classifyPriority grades how soon the order must be placed. A negative
// opening balance forces high priority whatever the dates say.
func classifyPriority(now, suggestedDate time.Time, negativeStock bool) (string, bool, *string) {
	if negativeStock {
		reason := "stock is already negative, demand is unserved today"
		return repository.PriorityHigh, true, &reason
	}

	today := calendar.DateOf(now)
	switch days := int(suggestedDate.Sub(today).Hours() / 24); {
	case days < 0:
		reason := "suggested order date is already in the past"
		return repository.PriorityCritical, true, &reason
	case days <= 3:
		return repository.PriorityHigh, false, nil
	case days <= 7:
		return repository.PriorityMedium, false, nil
	default:
		return repository.PriorityLow, false, nil
	}
}
