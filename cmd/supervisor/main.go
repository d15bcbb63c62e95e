package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"validation-backend/cmd"
	"validation-backend/internal/config"
	"validation-backend/internal/core/types"
	"validation-backend/internal/database"
	"validation-backend/internal/health"
	"validation-backend/internal/supervisor"
)

func main() {
	log.Println("Starting Worker Supervisor...")

	cmd.LoadEnvFile()
	cmd.ConfigureLogging()

	var cfg config.SupervisorConfig
	if err := config.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	executable, err := exec.LookPath(cfg.WorkerBinary)
	if err != nil {
		log.Fatalf("worker binary '%s' not found: %v", cfg.WorkerBinary, err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	launcher := supervisor.ExecLauncher{
		Executable: executable,
		EnvFile:    cfg.WorkerEnvFile,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}

	sup := supervisor.New(launcher, db, health.NewMetrics(), supervisor.Config{
		PollInterval: cfg.PollInterval,
		StopTimeout:  cfg.StopTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.FleetFile != "" {
		var specs []supervisor.WorkerSpec
		specs, err = supervisor.LoadFleet(cfg.FleetFile)
		if err != nil {
			log.Fatalf("Failed to load fleet: %v", err)
		}
		err = sup.StartFleet(ctx, specs)
	} else {
		err = sup.Start(ctx, cfg.Workers, cfg.Concurrency, types.ParseQueueList(cfg.QueueNames))
	}
	if err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}

	janitor := supervisor.NewJanitor(db, cfg.ResultRetention, cfg.JanitorInterval)
	go janitor.Run(ctx)

	for _, w := range sup.Records() {
		slog.Info("worker running", "worker", w.Name, "pid", w.Pid, "queues", w.Queues, "concurrency", w.Concurrency)
	}

	sup.HandleSignals(ctx)
	log.Println("Supervisor stopped.")
}
