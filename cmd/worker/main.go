package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"validation-backend/cmd"
	"validation-backend/internal/config"
	"validation-backend/internal/core"
	"validation-backend/internal/core/types"
	"validation-backend/internal/database"
	"validation-backend/internal/health"
	"validation-backend/internal/messaging"
)

func main() {
	log.Println("Starting Worker Process...")

	// Flags must be defined before LoadEnvFile calls flag.Parse.
	hostname := flag.String("hostname", "", "fully qualified worker name, e.g. worker1@host")
	queues := flag.String("queues", "", "comma separated queues to consume")
	concurrency := flag.Int("concurrency", 0, "number of tasks to run at once")
	// The worker never gossips or syncs with peers; these are accepted for
	// command line compatibility with the supervisor.
	flag.Bool("without-gossip", false, "disable peer gossip")
	flag.Bool("without-mingle", false, "disable startup peer sync")
	withoutHeartbeat := flag.Bool("without-heartbeat", false, "disable the worker heartbeat")

	cmd.LoadEnvFile()
	cmd.ConfigureLogging()

	var cfg config.WorkerConfig
	if err := config.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	queueNames := types.ParseQueueList(cfg.QueueNames)
	if *queues != "" {
		queueNames = types.ParseQueueList(*queues)
	}
	for _, q := range queueNames {
		if !types.IsKnownQueue(q) {
			log.Fatalf("unknown queue '%s'", q)
		}
	}
	workerConcurrency := cfg.Concurrency
	if *concurrency > 0 {
		workerConcurrency = *concurrency
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

	// One unacked delivery per pool slot keeps tasks on the broker while busy.
	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL, queueNames, workerConcurrency, cfg.Task.Redelivery)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	v, err := cmd.NewValidator(cfg.Validator)
	if err != nil {
		log.Fatalf("Failed to create validator: %v", err)
	}

	worker := core.NewTaskProcessor(db, receiver, stores.Progress, stores.Cache, v, health.NewMetrics(), core.ProcessorConfig{
		WorkerName:         *hostname,
		Queues:             queueNames,
		Concurrency:        workerConcurrency,
		SoftTimeLimit:      cfg.Task.SoftTimeLimit,
		HardTimeLimit:      cfg.Task.HardTimeLimit,
		RevokePollInterval: cfg.Task.RevokePollInterval,
		Heartbeat:          !*withoutHeartbeat,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		CacheTTL:           cfg.Task.CacheTTL,
	})

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for running tasks", "worker", worker.Name())
		worker.Stop()
	}()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")
	worker.Start()

	log.Println("Worker process stopped.")
}
