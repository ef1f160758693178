package handler_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/jmoiron/sqlx/types"
	"github.com/planwise/planwise-backend/internal/mrp/handler"
	"github.com/planwise/planwise-backend/internal/mrp/repository"
	"github.com/planwise/planwise-backend/internal/mrp/service"
	"github.com/planwise/planwise-backend/pkg/config"
	apperrors "github.com/planwise/planwise-backend/pkg/errors"
	"github.com/planwise/planwise-backend/pkg/httputil"
	"github.com/planwise/planwise-backend/pkg/logger"
	"github.com/planwise/planwise-backend/pkg/testutil"
)

// stubRunStore serves a fixed set of runs for handler tests. Only the
// read and cancel paths are exercised here, the orchestration itself is
// covered by the service tests.
type stubRunStore struct {
	runs map[string]*repository.MRPRun
}

func (s *stubRunStore) Create(_ context.Context, run *repository.MRPRun) error {
	s.runs[run.ID] = run
	return nil
}

func (s *stubRunStore) GetByID(_ context.Context, id string) (*repository.MRPRun, error) {
	run, ok := s.runs[id]
	if !ok {
		return nil, apperrors.NotFound("mrp run")
	}
	return run, nil
}

func (s *stubRunStore) List(_ context.Context, _ repository.RunFilter) ([]repository.MRPRun, error) {
	out := make([]repository.MRPRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, *run)
	}
	return out, nil
}

func (s *stubRunStore) MarkRunning(_ context.Context, _ string, _ int) error { return nil }

func (s *stubRunStore) MarkCompleted(_ context.Context, _ string, _, _ int, _ types.JSONText) error {
	return nil
}

func (s *stubRunStore) MarkFailed(_ context.Context, _ string, _ string) error { return nil }

func (s *stubRunStore) MarkCancelled(_ context.Context, id string) error {
	s.runs[id].Status = repository.RunStatusCancelled
	return nil
}

func (s *stubRunStore) UpdateProgress(_ context.Context, _ string, _ int) error { return nil }

func (s *stubRunStore) NextRunCode(_ context.Context) (string, error) { return "MRP-2026-00001", nil }

// stubRunCache is an always-empty progress cache.
type stubRunCache struct{}

func (stubRunCache) HSet(_ context.Context, _ string, _ map[string]string) error { return nil }
func (stubRunCache) HGetAll(_ context.Context, _ string) (map[string]string, error) {
	return nil, nil
}
func (stubRunCache) Expire(_ context.Context, _ string, _ time.Duration) error { return nil }
func (stubRunCache) Del(_ context.Context, _ ...string) error                  { return nil }
func (stubRunCache) SAdd(_ context.Context, _ string, _ ...string) error       { return nil }
func (stubRunCache) SCard(_ context.Context, _ string) (int64, error)          { return 0, nil }

func newRunRouter(store *stubRunStore) http.Handler {
	log := logger.New("test", "development")
	runs := service.NewRunService(service.RunServiceDeps{
		Runs:  store,
		Cache: stubRunCache{},
	}, &config.MRPConfig{ProgressInterval: 10}, log)
	h := handler.NewRunHandler(runs, log)

	r := chi.NewRouter()
	r.Post("/runs", h.Create)
	r.Get("/runs", h.List)
	r.Get("/runs/{id}", h.Get)
	r.Get("/runs/{id}/progress", h.Progress)
	r.Post("/runs/{id}/cancel", h.Cancel)
	return r
}

func seededStore() *stubRunStore {
	return &stubRunStore{runs: map[string]*repository.MRPRun{
		"run-1": {
			ID:           "run-1",
			RunCode:      "MRP-2026-00007",
			Status:       repository.RunStatusPending,
			Mode:         repository.RunModeFull,
			HorizonStart: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
			HorizonEnd:   time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC),
		},
	}}
}

func TestRunHandler_Create_Validation(t *testing.T) {
	router := newRunRouter(seededStore())

	t.Run("invalid JSON body", func(t *testing.T) {
		req := testutil.NewHTTPRequest(http.MethodPost, "/runs", nil)
		rr := testutil.ExecuteRequest(router, req)
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("missing horizon", func(t *testing.T) {
		req := testutil.NewHTTPRequest(http.MethodPost, "/runs", map[string]string{
			"horizon_start": "2026-09-01",
		})
		rr := testutil.ExecuteRequest(router, req)
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("malformed date", func(t *testing.T) {
		req := testutil.NewHTTPRequest(http.MethodPost, "/runs", map[string]string{
			"horizon_start": "01.09.2026",
			"horizon_end":   "2026-09-30",
		})
		rr := testutil.ExecuteRequest(router, req)
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
		testutil.AssertBodyContains(t, rr, "horizon_start must be a date")
	})
}

func TestRunHandler_Get(t *testing.T) {
	router := newRunRouter(seededStore())

	t.Run("existing run", func(t *testing.T) {
		req := testutil.NewHTTPRequest(http.MethodGet, "/runs/run-1", nil)
		rr := testutil.ExecuteRequest(router, req)
		testutil.AssertStatus(t, rr, http.StatusOK)
		testutil.AssertBodyContains(t, rr, "MRP-2026-00007")
	})

	t.Run("unknown run", func(t *testing.T) {
		req := testutil.NewHTTPRequest(http.MethodGet, "/runs/nope", nil)
		rr := testutil.ExecuteRequest(router, req)
		testutil.AssertStatus(t, rr, http.StatusNotFound)
		testutil.AssertBodyContains(t, rr, "NOT_FOUND")
	})
}

func TestRunHandler_Progress_FallsBackToCounters(t *testing.T) {
	store := seededStore()
	store.runs["run-1"].Status = repository.RunStatusRunning
	store.runs["run-1"].ProductsPlanned = 100
	store.runs["run-1"].ProductsProcessed = 40
	router := newRunRouter(store)

	req := testutil.NewHTTPRequest(http.MethodGet, "/runs/run-1/progress", nil)
	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusOK)

	var resp httputil.Response
	testutil.ParseJSONBody(t, rr, &resp)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "40", data["processed"])
	assert.Equal(t, "100", data["total"])
}

func TestRunHandler_Cancel(t *testing.T) {
	t.Run("pending run", func(t *testing.T) {
		router := newRunRouter(seededStore())
		req := testutil.NewHTTPRequest(http.MethodPost, "/runs/run-1/cancel", nil)
		rr := testutil.ExecuteRequest(router, req)
		testutil.AssertStatus(t, rr, http.StatusOK)
		testutil.AssertBodyContains(t, rr, repository.RunStatusCancelled)
	})

	t.Run("completed run", func(t *testing.T) {
		store := seededStore()
		store.runs["run-1"].Status = repository.RunStatusCompleted
		router := newRunRouter(store)

		req := testutil.NewHTTPRequest(http.MethodPost, "/runs/run-1/cancel", nil)
		rr := testutil.ExecuteRequest(router, req)
		testutil.AssertStatus(t, rr, http.StatusConflict)
		testutil.AssertBodyContains(t, rr, "CONFLICT")
	})
}
