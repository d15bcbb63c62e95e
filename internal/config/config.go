package config

import (
	"fmt"
	"time"
	"validation-backend/internal/storage"

	"github.com/caarlos0/env/v11"
)

type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	// The progress store and the result cache each own one logical database.
	ProgressDB int `env:"PROGRESS_REDIS_DB" envDefault:"1"`
	CacheDB    int `env:"CACHE_REDIS_DB" envDefault:"2"`
}

func (cfg RedisConfig) Connection() storage.RedisConfig {
	return storage.RedisConfig{Host: cfg.Host, Port: cfg.Port, Password: cfg.Password}
}

func (cfg RedisConfig) Validate() error {
	if cfg.ProgressDB == cfg.CacheDB {
		return fmt.Errorf("PROGRESS_REDIS_DB and CACHE_REDIS_DB must differ, both are %d", cfg.ProgressDB)
	}
	if cfg.ProgressDB < 0 || cfg.CacheDB < 0 {
		return fmt.Errorf("redis database indexes must not be negative")
	}
	return nil
}

type TaskConfig struct {
	SoftTimeLimit      time.Duration `env:"TASK_SOFT_TIME_LIMIT" envDefault:"1500s"`
	HardTimeLimit      time.Duration `env:"TASK_HARD_TIME_LIMIT" envDefault:"1800s"`
	RevokePollInterval time.Duration `env:"REVOKE_POLL_INTERVAL" envDefault:"2s"`
	Redelivery         int           `env:"TASK_REDELIVERY" envDefault:"0"`
	ProgressTTL        time.Duration `env:"PROGRESS_TTL" envDefault:"1h"`
	CacheTTL           time.Duration `env:"CACHE_TTL" envDefault:"24h"`
}

func (cfg TaskConfig) Validate() error {
	if cfg.SoftTimeLimit > cfg.HardTimeLimit {
		return fmt.Errorf("TASK_SOFT_TIME_LIMIT (%s) exceeds TASK_HARD_TIME_LIMIT (%s)", cfg.SoftTimeLimit, cfg.HardTimeLimit)
	}
	if cfg.Redelivery < 0 {
		return fmt.Errorf("TASK_REDELIVERY must not be negative")
	}
	return nil
}

// ValidatorConfig selects the validation backend: "static", "http" or "llm".
type ValidatorConfig struct {
	Kind       string        `env:"VALIDATOR" envDefault:"static"`
	URL        string        `env:"VALIDATOR_URL"`
	Timeout    time.Duration `env:"VALIDATOR_TIMEOUT" envDefault:"10m"`
	LLMModel   string        `env:"VALIDATOR_LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMAPIKey  string        `env:"OPENAI_API_KEY"`
	StaticStep time.Duration `env:"VALIDATOR_STATIC_STEP" envDefault:"500ms"`
}

func (cfg ValidatorConfig) Validate() error {
	switch cfg.Kind {
	case "static":
		return nil
	case "llm":
		if cfg.LLMAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the llm validator")
		}
		return nil
	case "http":
		if cfg.URL == "" {
			return fmt.Errorf("VALIDATOR_URL is required for the http validator")
		}
		return nil
	default:
		return fmt.Errorf("unknown VALIDATOR '%s'", cfg.Kind)
	}
}

type APIConfig struct {
	DatabaseURL      string        `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL      string        `env:"RABBITMQ_URL,notEmpty,required"`
	APIPort          string        `env:"API_PORT" envDefault:"8001"`
	StatusTimeout    time.Duration `env:"STATUS_TIMEOUT" envDefault:"2s"`
	WorkerStaleAfter time.Duration `env:"WORKER_STALE_AFTER" envDefault:"30s"`
	Redis            RedisConfig
	Task             TaskConfig
}

type WorkerConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`
	// Defaults for flags not given on the command line.
	QueueNames        string        `env:"QUEUE_NAMES" envDefault:"validation_queue,analysis_queue,comparison_queue,priority_queue"`
	Concurrency       int           `env:"CONCURRENCY" envDefault:"1"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	Redis             RedisConfig
	Task              TaskConfig
	Validator         ValidatorConfig
}

type SupervisorConfig struct {
	DatabaseURL     string        `env:"DATABASE_URL,notEmpty,required"`
	WorkerBinary    string        `env:"WORKER_BINARY" envDefault:"worker"`
	WorkerEnvFile   string        `env:"WORKER_ENV_FILE"`
	Workers         int           `env:"WORKERS" envDefault:"2"`
	Concurrency     int           `env:"CONCURRENCY" envDefault:"1"`
	QueueNames      string        `env:"QUEUE_NAMES" envDefault:"validation_queue,analysis_queue,comparison_queue,priority_queue"`
	FleetFile       string        `env:"FLEET_FILE"`
	PollInterval    time.Duration `env:"SUPERVISOR_POLL_INTERVAL" envDefault:"10s"`
	StopTimeout     time.Duration `env:"SUPERVISOR_STOP_TIMEOUT" envDefault:"30s"`
	ResultRetention time.Duration `env:"RESULT_RETENTION" envDefault:"24h"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL" envDefault:"1h"`
}

type LocalConfig struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:"validation.db"`
	APIPort     string `env:"API_PORT" envDefault:"8001"`
	Concurrency int    `env:"CONCURRENCY" envDefault:"2"`
	Task        TaskConfig
	Validator   ValidatorConfig
}

type validatable interface {
	Validate() error
}

// Parse fills cfg from the environment and validates the nested sections.
func Parse[T any](cfg *T) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}

	var sections []validatable
	switch c := any(cfg).(type) {
	case *APIConfig:
		sections = []validatable{c.Redis, c.Task}
	case *WorkerConfig:
		sections = []validatable{c.Redis, c.Task, c.Validator}
	case *LocalConfig:
		sections = []validatable{c.Task, c.Validator}
	}
	for _, section := range sections {
		if err := section.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}
