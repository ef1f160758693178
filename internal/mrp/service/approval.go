package service

import (
	"context"

	"github.com/planwise/planwise-backend/internal/mrp/repository"
	"github.com/planwise/planwise-backend/pkg/calendar"
	"github.com/planwise/planwise-backend/pkg/database"
	apperrors "github.com/planwise/planwise-backend/pkg/errors"
	"github.com/planwise/planwise-backend/pkg/logger"
	"github.com/planwise/planwise-backend/pkg/messaging"
	"github.com/planwise/planwise-backend/pkg/tenant"
)

// ReviewableRecommendationStore is the recommendation surface approval needs.
type ReviewableRecommendationStore interface {
	GetByID(ctx context.Context, id string) (*repository.Recommendation, error)
	MarkApproved(ctx context.Context, id, reviewedBy, orderID string) error
	MarkRejected(ctx context.Context, id, reviewedBy, reason string) error
}

// ProductReader fetches a single product.
type ProductReader interface {
	GetByID(ctx context.Context, id string) (*repository.Product, error)
}

// DefaultBOMReader resolves a product's default active BOM.
type DefaultBOMReader interface {
	GetDefaultByProduct(ctx context.Context, productID string) (*repository.BOM, error)
}

// SupplierResolver resolves a supplier link for a purchase order.
type SupplierResolver interface {
	GetPreferredOrAny(ctx context.Context, productID string) (*repository.SupplierProduct, error)
}

// OrderWriter opens the orders an approval produces.
type OrderWriter interface {
	CreatePurchaseOrder(ctx context.Context, po repository.NewPurchaseOrder) (string, error)
	CreateWorkOrder(ctx context.Context, wo repository.NewWorkOrder) (string, error)
}

// ApprovalService actions reviewed recommendations. Approving one creates
// the real purchase or work order and links it back, in one transaction,
// so a recommendation is never actioned without its order existing.
type ApprovalService struct {
	db              *database.DB
	recommendations ReviewableRecommendationStore
	products        ProductReader
	boms            DefaultBOMReader
	suppliers       SupplierResolver
	orders          OrderWriter
	publisher       EventPublisher
	log             *logger.Logger
}

// NewApprovalService creates a new approval service
func NewApprovalService(db *database.DB, recommendations ReviewableRecommendationStore, products ProductReader, boms DefaultBOMReader, suppliers SupplierResolver, orders OrderWriter, publisher EventPublisher, log *logger.Logger) *ApprovalService {
	return &ApprovalService{
		db:              db,
		recommendations: recommendations,
		products:        products,
		boms:            boms,
		suppliers:       suppliers,
		orders:          orders,
		publisher:       publisher,
		log:             log.WithComponent("mrp-approval"),
	}
}

// Approve actions a pending recommendation: creates the suggested order,
// links it, and marks the recommendation actioned. A work-order
// recommendation whose product has lost its BOM fails hard; the
// recommendation stays pending until the structure is fixed.
func (s *ApprovalService) Approve(ctx context.Context, recommendationID, approvedBy string) (string, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return "", err
	}

	rec, err := s.recommendations.GetByID(ctx, recommendationID)
	if err != nil {
		return "", err
	}
	if rec.Status != repository.RecommendationStatusPending {
		return "", apperrors.Conflict("recommendation has already been reviewed")
	}
	product, err := s.products.GetByID(ctx, rec.ProductID)
	if err != nil {
		return "", err
	}

	var orderID string
	err = s.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		switch rec.Type {
		case repository.RecommendationTypeWorkOrder:
			bom, err := s.boms.GetDefaultByProduct(ctx, rec.ProductID)
			if err != nil {
				return err
			}
			orderID, err = s.orders.CreateWorkOrder(ctx, repository.NewWorkOrder{
				ProductID:            rec.ProductID,
				BOMID:                bom.ID,
				Quantity:             rec.SuggestedQuantity,
				PlannedStartDate:     calendar.DateOf(rec.SuggestedOrderDate),
				PlannedEndDate:       calendar.DateOf(rec.RequiredDate),
				SourceRecommendation: rec.ID,
				CreatedBy:            approvedBy,
			})
			if err != nil {
				return err
			}
		case repository.RecommendationTypePurchaseOrder:
			supplierID := rec.SupplierID
			unitPrice := rec.UnitCost
			if supplierID == nil {
				link, err := s.suppliers.GetPreferredOrAny(ctx, rec.ProductID)
				if err == nil && link != nil {
					supplierID = &link.SupplierID
					if link.UnitPrice.IsPositive() {
						unitPrice = link.UnitPrice
					}
				}
			}
			if !unitPrice.IsPositive() {
				unitPrice = product.UnitCost
			}
			var err error
			orderID, err = s.orders.CreatePurchaseOrder(ctx, repository.NewPurchaseOrder{
				SupplierID:           supplierID,
				ProductID:            rec.ProductID,
				Quantity:             rec.SuggestedQuantity,
				UnitPrice:            unitPrice,
				ExpectedDeliveryDate: calendar.DateOf(rec.RequiredDate),
				SourceRecommendation: rec.ID,
				CreatedBy:            approvedBy,
			})
			if err != nil {
				return err
			}
		default:
			return apperrors.BadRequest("unknown recommendation type")
		}
		return s.recommendations.MarkApproved(ctx, rec.ID, approvedBy, orderID)
	})
	if err != nil {
		return "", err
	}

	if err := s.publisher.Publish(ctx, messaging.EventRecommendationApproved, messaging.RecommendationApprovedEvent{
		RecommendationID: rec.ID,
		TenantID:         tenantID,
		Type:             rec.Type,
		CreatedOrderID:   orderID,
		ApprovedBy:       approvedBy,
	}); err != nil {
		s.log.Warn().Err(err).Str("recommendation_id", rec.ID).Msg("failed to publish approval event")
	}
	return orderID, nil
}

// Reject marks a pending recommendation rejected with a reason.
func (s *ApprovalService) Reject(ctx context.Context, recommendationID, rejectedBy, reason string) error {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return err
	}

	if err := s.recommendations.MarkRejected(ctx, recommendationID, rejectedBy, reason); err != nil {
		return err
	}

	if err := s.publisher.Publish(ctx, messaging.EventRecommendationRejected, messaging.RecommendationRejectedEvent{
		RecommendationID: recommendationID,
		TenantID:         tenantID,
		Reason:           reason,
		RejectedBy:       rejectedBy,
	}); err != nil {
		s.log.Warn().Err(err).Str("recommendation_id", recommendationID).Msg("failed to publish rejection event")
	}
	return nil
}
