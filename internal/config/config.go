package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	InferenceProviderHTTP = "http"
	InferenceProviderMock = "mock"
)

// Event bus backends. The memory bus only reaches subscribers in the same
// process, so it suits a single node running the API and worker together.
const (
	EventBusRedis  = "redis"
	EventBusMemory = "memory"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	APIPort     int    `env:"API_PORT,default=8080"`
	MetricsPort int    `env:"METRICS_PORT,default=9090"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	WorkerConcurrency int `env:"WORKER_CONCURRENCY,default=8"`

	InferenceProvider        string `env:"INFERENCE_PROVIDER,default=mock"`
	InferenceURL             string `env:"INFERENCE_URL"`
	InferenceTimeoutSeconds  int    `env:"INFERENCE_TIMEOUT_SECONDS,default=60"`
	InferenceMaxAttempts     int    `env:"INFERENCE_MAX_ATTEMPTS,default=3"`
	InferenceRateLimitPerSec int    `env:"INFERENCE_RATE_LIMIT_PER_SEC,default=20"`
	InferenceRateLimits      string `env:"INFERENCE_RATE_LIMITS"`
	EventBus                 string `env:"EVENT_BUS,default=redis"`
	EventBusBufferSize       int    `env:"EVENT_BUS_BUFFER_SIZE,default=64"`
	ProgressCacheTTLSeconds  int    `env:"PROGRESS_CACHE_TTL_SECONDS,default=10"`
	HeartbeatIntervalSeconds int    `env:"HEARTBEAT_INTERVAL_SECONDS,default=15"`
	SubscriptionMaxLifeSecs  int    `env:"SUBSCRIPTION_MAX_LIFETIME_SECONDS,default=1800"`
	RecoveryScanIntervalSecs int    `env:"RECOVERY_SCAN_INTERVAL_SECONDS,default=30"`
	StaleProcessingAfterSecs int    `env:"STALE_PROCESSING_AFTER_SECONDS,default=600"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.InferenceProvider = strings.ToLower(strings.TrimSpace(c.InferenceProvider))
	switch c.InferenceProvider {
	case InferenceProviderMock:
	case InferenceProviderHTTP:
		if strings.TrimSpace(c.InferenceURL) == "" {
			return fmt.Errorf("INFERENCE_URL is required when INFERENCE_PROVIDER=%s", InferenceProviderHTTP)
		}
	default:
		return fmt.Errorf("unsupported INFERENCE_PROVIDER %q", c.InferenceProvider)
	}

	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	if c.InferenceMaxAttempts <= 0 {
		return fmt.Errorf("INFERENCE_MAX_ATTEMPTS must be positive, got %d", c.InferenceMaxAttempts)
	}

	if _, err := parseProviderLimits(c.InferenceRateLimits); err != nil {
		return err
	}

	c.EventBus = strings.ToLower(strings.TrimSpace(c.EventBus))
	switch c.EventBus {
	case EventBusRedis, EventBusMemory:
	default:
		return fmt.Errorf("unsupported EVENT_BUS %q", c.EventBus)
	}
	return nil
}

// parseProviderLimits reads "http=10,mock=200" into per-provider calls per second.
func parseProviderLimits(raw string) (map[string]int, error) {
	limits := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			return nil, fmt.Errorf("INFERENCE_RATE_LIMITS entry %q must be provider=limit", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("INFERENCE_RATE_LIMITS limit for %s must be a positive integer, got %q", name, value)
		}
		limits[name] = n
	}
	return limits, nil
}

// InferenceProviderLimits returns the per-provider overrides of InferenceRateLimitPerSec.
// Load has already rejected malformed values.
func (c *Config) InferenceProviderLimits() map[string]int {
	limits, err := parseProviderLimits(c.InferenceRateLimits)
	if err != nil {
		return map[string]int{}
	}
	return limits
}

func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.InferenceTimeoutSeconds) * time.Second
}

func (c *Config) ProgressCacheTTL() time.Duration {
	return time.Duration(c.ProgressCacheTTLSeconds) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) SubscriptionMaxLifetime() time.Duration {
	return time.Duration(c.SubscriptionMaxLifeSecs) * time.Second
}

func (c *Config) RecoveryScanInterval() time.Duration {
	return time.Duration(c.RecoveryScanIntervalSecs) * time.Second
}

func (c *Config) StaleProcessingAfter() time.Duration {
	return time.Duration(c.StaleProcessingAfterSecs) * time.Second
}
