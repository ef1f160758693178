package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/planwise/planwise-backend/internal/mrp/repository"
	"github.com/planwise/planwise-backend/internal/mrp/service"
	"github.com/planwise/planwise-backend/pkg/httputil"
	"github.com/planwise/planwise-backend/pkg/logger"
)

// RecommendationHandler handles recommendation endpoints
type RecommendationHandler struct {
	repo     *repository.RecommendationRepository
	approval *service.ApprovalService
	logger   *logger.Logger
}

// NewRecommendationHandler creates a new recommendation handler
func NewRecommendationHandler(repo *repository.RecommendationRepository, approval *service.ApprovalService, log *logger.Logger) *RecommendationHandler {
	return &RecommendationHandler{repo: repo, approval: approval, logger: log}
}

// List lists recommendations
// GET /api/v1/mrp/recommendations
func (h *RecommendationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	var urgent *bool
	if u := r.URL.Query().Get("urgent"); u != "" {
		v := u == "true"
		urgent = &v
	}

	recs, err := h.repo.List(r.Context(), repository.RecommendationFilter{
		RunID:     r.URL.Query().Get("run_id"),
		ProductID: r.URL.Query().Get("product_id"),
		Type:      r.URL.Query().Get("type"),
		Status:    r.URL.Query().Get("status"),
		Priority:  r.URL.Query().Get("priority"),
		Urgent:    urgent,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, recs)
}

// Get fetches one recommendation
// GET /api/v1/mrp/recommendations/{id}
func (h *RecommendationHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, rec)
}

// Approve actions a recommendation, creating the suggested order
// POST /api/v1/mrp/recommendations/{id}/approve
func (h *RecommendationHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	approvedBy := httputil.GetUserID(r.Context())

	orderID, err := h.approval.Approve(r.Context(), id, approvedBy)
	if err != nil {
		h.logger.Error().Err(err).Str("recommendation_id", id).Msg("approval failed")
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]string{
		"recommendation_id": id,
		"order_id":          orderID,
		"status":            repository.RecommendationStatusActioned,
	})
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// Reject rejects a recommendation with a reason
// POST /api/v1/mrp/recommendations/{id}/reject
func (h *RecommendationHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req rejectRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	if err := h.approval.Reject(r.Context(), id, httputil.GetUserID(r.Context()), req.Reason); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]string{
		"recommendation_id": id,
		"status":            repository.RecommendationStatusRejected,
	})
}
