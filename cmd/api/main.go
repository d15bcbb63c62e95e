package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	"validation-backend/cmd"
	"validation-backend/internal/api"
	"validation-backend/internal/config"
	"validation-backend/internal/database"
	"validation-backend/internal/health"
	"validation-backend/internal/messaging"
	"validation-backend/internal/orchestrator"
)

const healthProbeTimeout = 2 * time.Second

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()
	cmd.ConfigureLogging()

	var cfg config.APIConfig
	if err := config.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	stores, err := cmd.NewRedisStores(ctx, cfg.Redis, cfg.Task)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer stores.Close()

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	metrics := health.NewMetrics()

	checker := health.NewChecker(healthProbeTimeout)
	checker.Register("database", func(ctx context.Context) error { return database.Ping(ctx, db) })
	checker.Register("redis", stores.Ping)
	checker.Register("broker", func(ctx context.Context) error { return publisher.Ping() })

	service := orchestrator.NewService(db, publisher, stores.Progress, stores.Cache, metrics, orchestrator.Config{
		StatusTimeout:    cfg.StatusTimeout,
		WorkerStaleAfter: cfg.WorkerStaleAfter,
	})

	backend := api.NewBackendService(service, checker, metrics)

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: cmd.NewRouter(backend.AddRoutes),
	}

	slog.Info("api configured", "port", cfg.APIPort, "progress_redis_db", cfg.Redis.ProgressDB, "cache_redis_db", cfg.Redis.CacheDB)
	cmd.Serve(ctx, server)
}
