// Command server runs the portfolio optimization HTTP service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/markowitz/internal/config"
	"github.com/aristath/markowitz/internal/database"
	"github.com/aristath/markowitz/internal/modules/calculations"
	"github.com/aristath/markowitz/internal/modules/charts"
	"github.com/aristath/markowitz/internal/modules/optimization"
	optimizationhandlers "github.com/aristath/markowitz/internal/modules/optimization/handlers"
	"github.com/aristath/markowitz/internal/reliability"
	"github.com/aristath/markowitz/internal/scheduler"
	"github.com/aristath/markowitz/internal/server"
	"github.com/aristath/markowitz/pkg/logger"
)

// main wires the service:
// 1. Loads configuration from the environment (.env supported)
// 2. Opens and migrates the cache database
// 3. Builds the solver, result cache and HTTP handlers
// 4. Schedules cache maintenance
// 5. Serves HTTP until SIGINT/SIGTERM, then shuts down gracefully
func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("backend", cfg.SolverBackend).
		Str("data_dir", cfg.DataDir).
		Msg("Starting optimizer service")

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	if err := cacheDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate cache database")
	}

	minimizer, err := optimization.NewMinimizer(cfg.SolverBackend)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create minimizer")
	}

	cache := calculations.NewOptimizerCache(cacheDB.Conn())
	solver := optimization.NewPortfolioSolver(minimizer, log)
	service := optimization.NewService(solver, cache, cfg.CacheTTL, log)

	defaults := optimization.DefaultOptions()
	defaults.Workers = cfg.FrontierWorkers
	defaults.MaxIterations = cfg.MaxIterations

	handler := optimizationhandlers.NewHandler(service, charts.NewService(log), defaults, log)

	sched := scheduler.New(log)
	maintenance := reliability.NewCacheMaintenanceJob(cache, cacheDB, log)
	if err := sched.AddJob(cfg.MaintenanceSchedule, maintenance); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.MaintenanceSchedule).Msg("Failed to schedule cache maintenance")
	}
	sched.Start()

	// Expired entries from a previous run are swept before serving.
	if err := sched.RunNow(maintenance); err != nil {
		log.Warn().Err(err).Msg("Initial cache maintenance failed")
	}

	srv := server.New(server.Config{
		Log:          log,
		CacheDB:      cacheDB,
		Scheduler:    sched,
		Optimization: handler,
		Backend:      solver.Backend(),
		Port:         cfg.Port,
		DevMode:      cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
