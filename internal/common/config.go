package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	HTTPPort            int
	MetricsPort         int
	DatabaseURL         string
	KafkaBrokers        []string
	DispatchTopic       string
	CampaignEventsTopic string
	DLQTopic            string
	OTLPEndpoint        string
	RedisAddr           string
	ServiceName         string
	LogLevel            string
	TraceSampleRatio    float64

	CountryCode           string
	DispatchConcurrency   int
	BulkBatchSize         int
	GatewayTimeout        time.Duration
	MaxRetries            int
	RetryBackoff          time.Duration
	SchedulerInterval     time.Duration
	GatewayConcurrencyCap int
	DispatchLeaseTTL      time.Duration
}

// LoadConfig reads the environment, after loading a .env file if one exists.
func LoadConfig(service string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{ServiceName: service}
	var errs []error

	httpPort, err := getEnvInt("HTTP_PORT", 8080)
	errs = append(errs, err)
	cfg.HTTPPort = httpPort

	cfg.MetricsPort, err = getEnvInt("METRICS_PORT", httpPort+1000)
	errs = append(errs, err)

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.TraceSampleRatio, err = getEnvFloat("TRACE_SAMPLE_RATIO", 1)
	errs = append(errs, err)

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	} else {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	cfg.DispatchTopic = getEnv("DISPATCH_TOPIC", "campaign.dispatch")
	cfg.CampaignEventsTopic = getEnv("CAMPAIGN_EVENTS_TOPIC", "campaign.events")
	cfg.DLQTopic = getEnv("DLQ_TOPIC", "dlq.campaign.dispatch")
	cfg.CountryCode = strings.TrimPrefix(getEnv("COUNTRY_CODE", "254"), "+")

	cfg.DispatchConcurrency, err = getEnvInt("DISPATCH_CONCURRENCY", 4)
	errs = append(errs, err)
	cfg.BulkBatchSize, err = getEnvInt("BULK_BATCH_SIZE", 1000)
	errs = append(errs, err)
	cfg.MaxRetries, err = getEnvInt("MAX_RETRIES", 3)
	errs = append(errs, err)
	cfg.GatewayConcurrencyCap, err = getEnvInt("GATEWAY_CONCURRENCY_CAP", 0)
	errs = append(errs, err)
	cfg.GatewayTimeout, err = getEnvDuration("GATEWAY_TIMEOUT", 30*time.Second)
	errs = append(errs, err)
	cfg.RetryBackoff, err = getEnvDuration("RETRY_BACKOFF", 2*time.Second)
	errs = append(errs, err)
	cfg.SchedulerInterval, err = getEnvDuration("SCHEDULER_INTERVAL", 30*time.Second)
	errs = append(errs, err)
	cfg.DispatchLeaseTTL, err = getEnvDuration("DISPATCH_LEASE_TTL", time.Minute)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		problems = append(problems, "HTTP_PORT must be between 1 and 65535")
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		problems = append(problems, "METRICS_PORT must be between 1 and 65535")
	}
	if _, err := strconv.Atoi(c.CountryCode); err != nil || c.CountryCode == "" || len(c.CountryCode) > 3 {
		problems = append(problems, "COUNTRY_CODE must be 1-3 digits")
	}
	if c.DispatchConcurrency <= 0 {
		problems = append(problems, "DISPATCH_CONCURRENCY must be > 0")
	}
	if c.BulkBatchSize <= 0 {
		problems = append(problems, "BULK_BATCH_SIZE must be > 0")
	}
	if c.GatewayTimeout <= 0 {
		problems = append(problems, "GATEWAY_TIMEOUT must be > 0")
	}
	if c.MaxRetries < 0 {
		problems = append(problems, "MAX_RETRIES must be >= 0")
	}
	if c.RetryBackoff <= 0 {
		problems = append(problems, "RETRY_BACKOFF must be > 0")
	}
	if c.SchedulerInterval <= 0 {
		problems = append(problems, "SCHEDULER_INTERVAL must be > 0")
	}
	if c.DispatchLeaseTTL <= 0 {
		problems = append(problems, "DISPATCH_LEASE_TTL must be > 0")
	}
	if c.GatewayConcurrencyCap < 0 {
		problems = append(problems, "GATEWAY_CONCURRENCY_CAP must be >= 0")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, "LOG_LEVEL must be a zerolog level")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		problems = append(problems, "TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.GatewayConcurrencyCap > 0 && c.RedisAddr == "" {
		problems = append(problems, "REDIS_ADDR is required when GATEWAY_CONCURRENCY_CAP is set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}
