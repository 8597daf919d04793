package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Database
	DatabaseURL     string `env:"DATABASE_URL,required"`
	DatabaseMaxConn int    `env:"DATABASE_MAX_CONNS" envDefault:"25"`
	RedisURL        string `env:"REDIS_URL,required"`
	MongoDBURL      string `env:"MONGODB_URL"`
	MongoDBName     string `env:"MONGODB_DATABASE" envDefault:"mailflow"`

	// JWT
	JWTSecret string `env:"JWT_SECRET"`

	// Admin API guards; zero disables each.
	APIRateLimit  int           `env:"API_RATE_LIMIT" envDefault:"120"`
	APIRateWindow time.Duration `env:"API_RATE_WINDOW" envDefault:"1m"`
	SyncDebounce  time.Duration `env:"SYNC_DEBOUNCE" envDefault:"30s"`

	// Token encryption at rest; empty disables it.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// OpenAI
	OpenAIAPIKey   string  `env:"OPENAI_API_KEY"`
	LLMModel       string  `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMMaxTokens   int     `env:"LLM_MAX_TOKENS" envDefault:"2048"`
	LLMTemperature float64 `env:"LLM_TEMPERATURE" envDefault:"0.2"`

	// OAuth - Google
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`

	// OAuth - Microsoft
	MicrosoftClientID     string `env:"MICROSOFT_CLIENT_ID"`
	MicrosoftClientSecret string `env:"MICROSOFT_CLIENT_SECRET"`
	MicrosoftRedirectURL  string `env:"MICROSOFT_REDIRECT_URL"`
	MicrosoftTenantID     string `env:"MICROSOFT_TENANT_ID" envDefault:"common"`

	// Sync
	SyncInitialCap     int           `env:"SYNC_INITIAL_CAP" envDefault:"500"`
	SyncIncrementalCap int           `env:"SYNC_INCREMENTAL_CAP" envDefault:"200"`
	SyncPageSize       int           `env:"SYNC_PAGE_SIZE" envDefault:"100"`
	SyncLockTTL        time.Duration `env:"SYNC_LOCK_TTL" envDefault:"10m"`
	SyncCron           string        `env:"SYNC_CRON" envDefault:"@every 15m"`
	ProviderTimeout    time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`

	// Worker
	WorkerID         string        `env:"STREAM_CONSUMER_NAME"`
	WorkerMaxWorkers int           `env:"WORKER_MAX_WORKERS" envDefault:"10"`
	WorkerMaxRetries int           `env:"WORKER_MAX_RETRIES" envDefault:"3"`
	ConsumerGroup    string        `env:"STREAM_CONSUMER_GROUP" envDefault:"mailflow-workers"`
	ConsumerBatch    int64         `env:"STREAM_BATCH_SIZE" envDefault:"10"`
	PendingIdleTime  time.Duration `env:"STREAM_PENDING_IDLE" envDefault:"2m"`
}

// Load parses the environment. Callers load .env first.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = generateWorkerID()
	}
	if cfg.IsProduction() && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required in production")
	}
	return cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}
