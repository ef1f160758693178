package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/planwise/planwise-backend/internal/mrp/consumers"
	"github.com/planwise/planwise-backend/internal/mrp/events"
	"github.com/planwise/planwise-backend/internal/mrp/handler"
	"github.com/planwise/planwise-backend/internal/mrp/repository"
	"github.com/planwise/planwise-backend/internal/mrp/service"
	"github.com/planwise/planwise-backend/pkg/cache"
	"github.com/planwise/planwise-backend/pkg/config"
	"github.com/planwise/planwise-backend/pkg/database"
	"github.com/planwise/planwise-backend/pkg/httputil"
	"github.com/planwise/planwise-backend/pkg/logger"
	"github.com/planwise/planwise-backend/pkg/messaging"
)

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation("mrp-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("mrp-service", cfg.Server.Environment)
	log.Info().Msg("starting MRP Service")

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	redis, err := cache.New(&cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redis.Close()

	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	publisher, err := events.NewMRPEventPublisher(rmq, "mrp-service", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}

	// Repositories
	productRepo := repository.NewProductRepository(db)
	bomRepo := repository.NewBOMRepository(db)
	stockRepo := repository.NewStockRepository(db)
	demandRepo := repository.NewDemandRepository(db)
	supplierRepo := repository.NewSupplierRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	runRepo := repository.NewRunRepository(db)
	recommendationRepo := repository.NewRecommendationRepository(db)
	calendarRepo := repository.NewCalendarRepository(db)

	// Services
	explosionSvc := service.NewExplosionService(redis, log, cfg.MRP.MaxBOMDepth, cfg.MRP.ExplosionCacheTTL)
	lowLevelSvc := service.NewLowLevelCodeService(productRepo, bomRepo, redis, log, cfg.MRP.LowLevelCodeMaxPasses, cfg.MRP.LowLevelCodeTTL)
	aggregatorSvc := service.NewAggregatorService(demandRepo, log)
	dirtySvc := service.NewDirtySetService(redis, log)
	runSvc := service.NewRunService(service.RunServiceDeps{
		Runs:            runRepo,
		Products:        productRepo,
		BOMs:            bomRepo,
		Stocks:          stockRepo,
		Suppliers:       supplierRepo,
		Recommendations: recommendationRepo,
		Calendars:       calendarRepo,
		Aggregator:      aggregatorSvc,
		Explosion:       explosionSvc,
		LowLevel:        lowLevelSvc,
		Dirty:           dirtySvc,
		Locks:           redis,
		Cache:           redis,
		Publisher:       publisher,
	}, &cfg.MRP, log)
	approvalSvc := service.NewApprovalService(db, recommendationRepo, productRepo, bomRepo, supplierRepo, orderRepo, publisher, log)

	// Handlers
	runHandler := handler.NewRunHandler(runSvc, log)
	recommendationHandler := handler.NewRecommendationHandler(recommendationRepo, approvalSvc, log)

	// Master-data consumer keeps planning caches and the dirty set current
	masterDataConsumer, err := consumers.NewMasterDataConsumer(rmq, lowLevelSvc, explosionSvc, dirtySvc, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create master data consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := masterDataConsumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start master data consumer")
	}

	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(httputil.TenantMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  "mrp-service",
			"database": db.Health(r.Context()),
			"redis":    redis.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		})
	})

	r.Route("/api/v1/mrp", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runHandler.List)
			r.Post("/", runHandler.Create)
			r.Get("/{id}", runHandler.Get)
			r.Get("/{id}/progress", runHandler.Progress)
			r.Post("/{id}/cancel", runHandler.Cancel)
		})

		r.Route("/recommendations", func(r chi.Router) {
			r.Get("/", recommendationHandler.List)
			r.Get("/{id}", recommendationHandler.Get)
			r.Post("/{id}/approve", recommendationHandler.Approve)
			r.Post("/{id}/reject", recommendationHandler.Reject)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("MRP Service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down MRP Service")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
}
