package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DatabaseMemory   = "memory"
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"

	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Config is centralized process configuration.
// Keep infra values here and pass typed config into builders.
type Config struct {
	ServiceName string
	HTTPPort    string
	MetricsPort string
	LogLevel    string

	DatabaseDriver string
	PostgresDSN    string
	SQLitePath     string
	DBDebug        bool

	BrokerDriver  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	VoteTopic            string
	VoteDeadLetterTopic  string
	CounterConsumerGroup string
	CounterConcurrency   int
	BrokerMaxRetries     int
	BrokerLeaseTimeout   time.Duration
	BrokerRetryDelay     time.Duration
	PublishTimeout       time.Duration
	IdempotencyTTL       time.Duration

	VoteRateLimitRPS   float64
	VoteRateLimitBurst int
	CORSAllowedOrigins []string

	EnableEmbeddedCounter    bool
	EnableDeadLetterRecorder bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first without overriding variables already set.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var errs []error
	cfg := Config{
		ServiceName: envString("SERVICE_NAME", "ballotbox"),
		HTTPPort:    envString("HTTP_PORT", "8080"),
		MetricsPort: envString("METRICS_PORT", "9090"),
		LogLevel:    strings.ToLower(envString("LOG_LEVEL", "info")),

		DatabaseDriver: strings.ToLower(envString("DATABASE_DRIVER", DatabaseMemory)),
		PostgresDSN:    os.Getenv("POSTGRES_DSN"),
		SQLitePath:     envString("SQLITE_PATH", "ballotbox.db"),
		DBDebug:        envBool("DB_DEBUG", false),

		BrokerDriver:  strings.ToLower(envString("BROKER_DRIVER", BrokerMemory)),
		RedisAddr:     envString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0, &errs),

		VoteTopic:            envString("VOTE_TOPIC", "votes"),
		CounterConsumerGroup: envString("COUNTER_CONSUMER_GROUP", "vote-counter"),
		CounterConcurrency:   envInt("COUNTER_CONCURRENCY", 4, &errs),
		BrokerMaxRetries:     envInt("BROKER_MAX_RETRIES", 5, &errs),
		BrokerLeaseTimeout:   envDuration("BROKER_LEASE_TIMEOUT", 30*time.Second, &errs),
		BrokerRetryDelay:     envDuration("BROKER_RETRY_DELAY", 50*time.Millisecond, &errs),
		PublishTimeout:       envDuration("PUBLISH_TIMEOUT", 5*time.Second, &errs),
		IdempotencyTTL:       envDuration("IDEMPOTENCY_TTL", 24*time.Hour, &errs),

		VoteRateLimitRPS:   envFloat("VOTE_RATE_LIMIT_RPS", 50, &errs),
		VoteRateLimitBurst: envInt("VOTE_RATE_LIMIT_BURST", 100, &errs),
		CORSAllowedOrigins: envList("CORS_ALLOWED_ORIGINS", []string{"*"}),

		EnableEmbeddedCounter:    envBool("ENABLE_EMBEDDED_COUNTER", false),
		EnableDeadLetterRecorder: envBool("ENABLE_DEADLETTER_RECORDER", true),
	}
	cfg.VoteDeadLetterTopic = envString("VOTE_DEADLETTER_TOPIC", cfg.VoteTopic+".deadletter")

	switch cfg.DatabaseDriver {
	case DatabaseMemory, DatabaseSQLite:
	case DatabasePostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required when DATABASE_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be memory, sqlite or postgres, got %q", cfg.DatabaseDriver))
	}
	switch cfg.BrokerDriver {
	case BrokerMemory, BrokerRedis:
	default:
		errs = append(errs, fmt.Errorf("BROKER_DRIVER must be memory or redis, got %q", cfg.BrokerDriver))
	}
	if cfg.CounterConcurrency <= 0 {
		errs = append(errs, errors.New("COUNTER_CONCURRENCY must be positive"))
	}
	if cfg.BrokerMaxRetries <= 0 {
		errs = append(errs, errors.New("BROKER_MAX_RETRIES must be positive"))
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func envString(name string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envInt(name string, fallback int, errs *[]error) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer: %w", name, err))
		return fallback
	}
	return value
}

func envFloat(name string, fallback float64, errs *[]error) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a number: %w", name, err))
		return fallback
	}
	return value
}

func envDuration(name string, fallback time.Duration, errs *[]error) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration: %w", name, err))
		return fallback
	}
	return value
}

func envList(name string, fallback []string) []string {
	var items []string
	for _, value := range strings.Split(os.Getenv(name), ",") {
		value = strings.TrimSpace(value)
		if value != "" {
			items = append(items, value)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
