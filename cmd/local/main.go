package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"validation-backend/cmd"
	"validation-backend/internal/api"
	"validation-backend/internal/cache"
	"validation-backend/internal/config"
	"validation-backend/internal/core"
	"validation-backend/internal/core/types"
	"validation-backend/internal/database"
	"validation-backend/internal/health"
	"validation-backend/internal/messaging"
	"validation-backend/internal/orchestrator"
	"validation-backend/internal/progress"
)

// local runs the api and a worker in one process against sqlite and in-memory
// queue, progress and cache backends.
func main() {
	cmd.LoadEnvFile()
	cmd.ConfigureLogging()

	var cfg config.LocalConfig
	if err := config.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	slog.Info("starting local backend", "database", cfg.DatabaseURL, "port", cfg.APIPort, "validator", cfg.Validator.Kind)

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	queue := messaging.NewInMemoryQueue(cfg.Task.Redelivery)
	if err := cmd.RequeueQueuedTasks(context.Background(), db, queue); err != nil {
		log.Fatalf("Failed to requeue pending tasks: %v", err)
	}

	progressStore := progress.NewMemoryStore(cfg.Task.ProgressTTL)
	resultCache := cache.NewMemoryCache()
	metrics := health.NewMetrics()

	v, err := cmd.NewValidator(cfg.Validator)
	if err != nil {
		log.Fatalf("Failed to create validator: %v", err)
	}

	worker := core.NewTaskProcessor(db, queue.Receiver(types.AllQueues), progressStore, resultCache, v, metrics, core.ProcessorConfig{
		Queues:             types.AllQueues,
		Concurrency:        cfg.Concurrency,
		SoftTimeLimit:      cfg.Task.SoftTimeLimit,
		HardTimeLimit:      cfg.Task.HardTimeLimit,
		RevokePollInterval: cfg.Task.RevokePollInterval,
		Heartbeat:          true,
		CacheTTL:           cfg.Task.CacheTTL,
	})

	checker := health.NewChecker(2 * time.Second)
	checker.Register("database", func(ctx context.Context) error { return database.Ping(ctx, db) })

	service := orchestrator.NewService(db, queue, progressStore, resultCache, metrics, orchestrator.Config{})
	backend := api.NewBackendService(service, checker, metrics)

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: cmd.NewRouter(backend.AddRoutes),
	}

	slog.Info("starting worker")
	go worker.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
		queue.Close()
	}()

	slog.Info("server started", "port", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	slog.Info("server stopped")
}
