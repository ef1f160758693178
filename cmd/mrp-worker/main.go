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
	"github.com/planwise/planwise-backend/internal/mrp/consumers"
	"github.com/planwise/planwise-backend/internal/mrp/events"
	"github.com/planwise/planwise-backend/internal/mrp/repository"
	"github.com/planwise/planwise-backend/internal/mrp/service"
	"github.com/planwise/planwise-backend/pkg/cache"
	"github.com/planwise/planwise-backend/pkg/config"
	"github.com/planwise/planwise-backend/pkg/database"
	"github.com/planwise/planwise-backend/pkg/httputil"
	"github.com/planwise/planwise-backend/pkg/logger"
	"github.com/planwise/planwise-backend/pkg/messaging"
)

// The worker consumes dispatched runs and chunks from the work exchange
// and executes them. It exposes only a health endpoint.
func main() {
	cfg, err := config.LoadWithValidation("mrp-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("mrp-worker", cfg.Server.Environment)
	log.Info().Msg("starting MRP Worker")

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

	publisher, err := events.NewMRPEventPublisher(rmq, "mrp-worker", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}

	productRepo := repository.NewProductRepository(db)
	bomRepo := repository.NewBOMRepository(db)
	stockRepo := repository.NewStockRepository(db)
	demandRepo := repository.NewDemandRepository(db)
	supplierRepo := repository.NewSupplierRepository(db)
	runRepo := repository.NewRunRepository(db)
	recommendationRepo := repository.NewRecommendationRepository(db)
	calendarRepo := repository.NewCalendarRepository(db)

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

	runConsumer, err := consumers.NewRunConsumer(rmq, runSvc, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create run consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runConsumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start run consumer")
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  "mrp-worker",
			"database": db.Health(r.Context()),
			"redis":    redis.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("MRP Worker listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down MRP Worker")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
}
