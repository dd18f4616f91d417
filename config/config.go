package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log" // Use global logger
)

// Config holds all configuration fields for the application.
type Config struct {
	DatabaseDriver string // "postgres" or "sqlite"
	DatabaseURL    string
	Port           string
	LogLevel       string
	LogFormat      string // "console" or "json"
	HTTPTimeout    time.Duration

	BitrixOAuthURL      string // OAuth server used for refresh-token grants
	BitrixClientID      string
	BitrixClientSecret  string
	BitrixRatePerSecond float64
	BitrixConnectorName string
	PublicHandlerURL    string // URL Bitrix posts events and placements to
	TokenRefreshBuffer  time.Duration

	WuzapiBaseURL string

	CompletionBaseURL string
	CompletionAPIKey  string
	CompletionModel   string

	QueueMaxAttempts  int
	DispatchBatchSize int
	DispatchSchedule  string // cron spec; empty disables the in-process trigger
	DispatchToken     string // shared secret for POST /dispatch
	DispatchOnIntake  bool   // run a pass as soon as a webhook is accepted
	LockTTL           time.Duration
	TenantCacheTTL    time.Duration

	RabbitMQURL            string
	RabbitMQQueuePrefix    string
	RabbitMQSpecificEvents []string // event types published to their own queue

	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3PathStyle     bool
	S3Prefix        string
	S3RetentionDays int

	OutcomeWebhookURL string
	WebhookFormat     string // "json" or form-encoded
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		DatabaseDriver:      envOr("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:         envOr("DATABASE_URL", "relay.db"),
		Port:                envOr("PORT", "8080"),
		LogLevel:            os.Getenv("LOG_LEVEL"),
		LogFormat:           os.Getenv("LOG_FORMAT"),
		BitrixOAuthURL:      envOr("BITRIX_OAUTH_URL", "https://oauth.bitrix.info"),
		BitrixClientID:      os.Getenv("BITRIX_CLIENT_ID"),
		BitrixClientSecret:  os.Getenv("BITRIX_CLIENT_SECRET"),
		BitrixConnectorName: envOr("BITRIX_CONNECTOR_NAME", "WhatsApp (wuzapi)"),
		PublicHandlerURL:    os.Getenv("PUBLIC_HANDLER_URL"),
		WuzapiBaseURL:       os.Getenv("WUZAPI_BASE_URL"),
		CompletionBaseURL:   envOr("COMPLETION_BASE_URL", "https://api.openai.com/v1"),
		CompletionAPIKey:    os.Getenv("COMPLETION_API_KEY"),
		CompletionModel:     envOr("COMPLETION_MODEL", "gpt-4o-mini"),
		DispatchSchedule:    os.Getenv("DISPATCH_SCHEDULE"),
		DispatchToken:       os.Getenv("DISPATCH_TOKEN"),
		RabbitMQURL:         os.Getenv("RABBITMQ_URL"),
		RabbitMQQueuePrefix: envOr("RABBITMQ_QUEUE_PREFIX", "relay"),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3Region:            envOr("S3_REGION", "us-east-1"),
		S3Endpoint:          os.Getenv("S3_ENDPOINT"),
		S3AccessKey:         os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("S3_SECRET_KEY"),
		S3Prefix:            envOr("S3_PREFIX", "failed-events"),
		S3PathStyle:         envBool("S3_PATH_STYLE"),
		DispatchOnIntake:    envBool("DISPATCH_ON_INTAKE"),
		OutcomeWebhookURL:   os.Getenv("OUTCOME_WEBHOOK_URL"),
		WebhookFormat:       envOr("WEBHOOK_FORMAT", "json"),
	}
	if raw := os.Getenv("RABBITMQ_SPECIFIC_EVENTS"); raw != "" {
		cfg.RabbitMQSpecificEvents = strings.Split(raw, ",")
	}

	var err error
	if cfg.HTTPTimeout, err = envDuration("HTTP_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.TokenRefreshBuffer, err = envDuration("TOKEN_REFRESH_BUFFER", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = envDuration("LOCK_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.TenantCacheTTL, err = envDuration("TENANT_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.QueueMaxAttempts, err = envInt("QUEUE_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.DispatchBatchSize, err = envInt("DISPATCH_BATCH_SIZE", 20); err != nil {
		return nil, err
	}
	if cfg.BitrixRatePerSecond, err = envFloat("BITRIX_RATE_PER_SECOND", 2); err != nil {
		return nil, err
	}
	if cfg.S3RetentionDays, err = envInt("S3_RETENTION_DAYS", 0); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("databaseDriver", cfg.DatabaseDriver).
		Str("port", cfg.Port).
		Int("queueMaxAttempts", cfg.QueueMaxAttempts).
		Bool("rabbitmq", cfg.RabbitMQURL != "").
		Bool("s3Archive", cfg.S3Bucket != "").
		Bool("outcomeWebhook", cfg.OutcomeWebhookURL != "").
		Msg("Configuration loaded")
	return cfg, nil
}

// Validate checks value ranges and required combinations.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("config: DATABASE_URL must be set")
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("config: QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	if c.DispatchBatchSize < 1 {
		return fmt.Errorf("config: DISPATCH_BATCH_SIZE must be at least 1")
	}
	if c.TokenRefreshBuffer < 5*time.Minute || c.TokenRefreshBuffer > 10*time.Minute {
		return fmt.Errorf("config: TOKEN_REFRESH_BUFFER must be between 5m and 10m")
	}
	if c.S3RetentionDays < 0 {
		return fmt.Errorf("config: S3_RETENTION_DAYS cannot be negative")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("config: LOCK_TTL must be positive")
	}
	if c.S3Bucket != "" && (c.S3AccessKey == "" || c.S3SecretKey == "") {
		return fmt.Errorf("config: S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_BUCKET is set")
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}
