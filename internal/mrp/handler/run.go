package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/planwise/planwise-backend/internal/mrp/repository"
	"github.com/planwise/planwise-backend/internal/mrp/service"
	apperrors "github.com/planwise/planwise-backend/pkg/errors"
	"github.com/planwise/planwise-backend/pkg/httputil"
	"github.com/planwise/planwise-backend/pkg/logger"
)

// RunHandler handles MRP run endpoints
type RunHandler struct {
	runs   *service.RunService
	logger *logger.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(runs *service.RunService, log *logger.Logger) *RunHandler {
	return &RunHandler{runs: runs, logger: log}
}

type createRunRequest struct {
	HorizonStart       string   `json:"horizon_start" validate:"required"`
	HorizonEnd         string   `json:"horizon_end" validate:"required"`
	IncludeSafetyStock bool     `json:"include_safety_stock"`
	RespectLeadTimes   bool     `json:"respect_lead_times"`
	ConsiderWIP        bool     `json:"consider_wip"`
	NetChange          bool     `json:"net_change"`
	ProductIDs         []string `json:"product_ids"`
	Categories         []string `json:"categories"`
	IncludeWarehouses  []string `json:"include_warehouses"`
	ExcludeWarehouses  []string `json:"exclude_warehouses"`
}

// Create starts a new MRP run
// POST /api/v1/mrp/runs
func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	start, err := time.Parse("2006-01-02", req.HorizonStart)
	if err != nil {
		httputil.Error(w, apperrors.BadRequest("horizon_start must be a date (YYYY-MM-DD)"))
		return
	}
	end, err := time.Parse("2006-01-02", req.HorizonEnd)
	if err != nil {
		httputil.Error(w, apperrors.BadRequest("horizon_end must be a date (YYYY-MM-DD)"))
		return
	}

	run, err := h.runs.CreateRun(r.Context(), service.CreateRunParams{
		HorizonStart:       start,
		HorizonEnd:         end,
		IncludeSafetyStock: req.IncludeSafetyStock,
		RespectLeadTimes:   req.RespectLeadTimes,
		ConsiderWIP:        req.ConsiderWIP,
		NetChange:          req.NetChange,
		ProductIDs:         req.ProductIDs,
		Categories:         req.Categories,
		IncludeWarehouses:  req.IncludeWarehouses,
		ExcludeWarehouses:  req.ExcludeWarehouses,
		TriggeredBy:        httputil.GetUserID(r.Context()),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to create MRP run")
		httputil.Error(w, err)
		return
	}

	if run.Status == repository.RunStatusPending {
		httputil.Accepted(w, run)
		return
	}
	httputil.Created(w, run)
}

// List lists runs
// GET /api/v1/mrp/runs
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	runs, err := h.runs.ListRuns(r.Context(), repository.RunFilter{
		Status: r.URL.Query().Get("status"),
		Mode:   r.URL.Query().Get("mode"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, runs)
}

// Get fetches one run
// GET /api/v1/mrp/runs/{id}
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, run)
}

// Progress reports live run progress
// GET /api/v1/mrp/runs/{id}/progress
func (h *RunHandler) Progress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.runs.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, progress)
}

// Cancel cancels a pending run
// POST /api/v1/mrp/runs/{id}/cancel
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.runs.Cancel(r.Context(), id); err != nil {
		httputil.Error(w, err)
		return
	}

	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, run)
}
