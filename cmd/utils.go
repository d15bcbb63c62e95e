package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
	"validation-backend/internal/cache"
	"validation-backend/internal/config"
	"validation-backend/internal/database"
	"validation-backend/internal/messaging"
	"validation-backend/internal/progress"
	"validation-backend/internal/storage"
	"validation-backend/internal/validator"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/llms/openai"
	"gorm.io/gorm"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

type loggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// ConfigureLogging installs the default slog handler from LOG_LEVEL and
// LOG_FORMAT ("text" or "json").
func ConfigureLogging() {
	var cfg loggingConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing logging config: %v", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		log.Fatalf("invalid LOG_LEVEL '%s': %v", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		log.Fatalf("invalid LOG_FORMAT '%s': must be 'text' or 'json'", cfg.Format)
	}
	slog.SetDefault(slog.New(handler))
}

func NewValidator(cfg config.ValidatorConfig) (validator.Validator, error) {
	switch cfg.Kind {
	case "http":
		return validator.NewHTTPValidator(cfg.URL, cfg.Timeout), nil
	case "llm":
		model, err := openai.New(openai.WithToken(cfg.LLMAPIKey), openai.WithModel(cfg.LLMModel))
		if err != nil {
			return nil, fmt.Errorf("error creating llm client: %w", err)
		}
		return validator.NewLLMValidator(model), nil
	case "static":
		return validator.StaticValidator{Steps: 4, StepDelay: cfg.StaticStep}, nil
	default:
		return nil, fmt.Errorf("unknown validator '%s'", cfg.Kind)
	}
}

type RedisStores struct {
	Progress       *progress.RedisStore
	Cache          *cache.RedisCache
	progressClient *redis.Client
	cacheClient    *redis.Client
}

// NewRedisStores connects the progress store and the result cache, each to its
// own logical database.
func NewRedisStores(ctx context.Context, cfg config.RedisConfig, task config.TaskConfig) (*RedisStores, error) {
	progressClient, err := storage.NewRedisClient(ctx, cfg.Connection(), cfg.ProgressDB)
	if err != nil {
		return nil, fmt.Errorf("error connecting progress store: %w", err)
	}
	cacheClient, err := storage.NewRedisClient(ctx, cfg.Connection(), cfg.CacheDB)
	if err != nil {
		progressClient.Close()
		return nil, fmt.Errorf("error connecting result cache: %w", err)
	}

	return &RedisStores{
		Progress:       progress.NewRedisStore(progressClient, task.ProgressTTL),
		Cache:          cache.NewRedisCache(cacheClient),
		progressClient: progressClient,
		cacheClient:    cacheClient,
	}, nil
}

func (s *RedisStores) Ping(ctx context.Context) error {
	if err := s.progressClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("progress store: %w", err)
	}
	if err := s.cacheClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("result cache: %w", err)
	}
	return nil
}

func (s *RedisStores) Close() {
	s.progressClient.Close()
	s.cacheClient.Close()
}

func NewRouter(addRoutes func(chi.Router)) *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		addRoutes(r)
	})
	return r
}

// RequeueQueuedTasks republishes tasks recorded as queued, for brokers that do
// not persist messages across restarts.
func RequeueQueuedTasks(ctx context.Context, db *gorm.DB, publisher messaging.Publisher) error {
	records, err := database.ListTasksByStatus(ctx, db, database.TaskQueued)
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := publisher.Publish(ctx, record.Descriptor()); err != nil {
			return fmt.Errorf("error requeueing task %s: %w", record.Id, err)
		}
	}
	if len(records) > 0 {
		slog.Info("requeued pending tasks", "tasks", len(records))
	}
	return nil
}

// Serve runs server until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, server *http.Server) {
	go func() {
		<-ctx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("server listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", server.Addr, err)
	}
	log.Println("Server stopped.")
}
