package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-analyzer/internal/observability"
	"github.com/kursadbilgin/batch-analyzer/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultInferenceCallsPerSec = 20
	inferenceWindow             = time.Second
	minThrottleSleep            = 5 * time.Millisecond
)

// reserveScript counts one call against the window in KEYS[1]. It returns 0
// when the call fits under ARGV[1], otherwise the milliseconds until the
// window closes.
var reserveScript = goredis.NewScript(`
local calls = redis.call("INCR", KEYS[1])
if calls == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if calls <= tonumber(ARGV[1]) then
  return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  return tonumber(ARGV[2])
end
return ttl
`)

// InferenceLimits caps inference calls per second across the worker fleet.
// PerProvider overrides Default for the named analyzer.
type InferenceLimits struct {
	Default     int
	PerProvider map[string]int
}

func (l InferenceLimits) callsPerSec(provider string) int64 {
	if n, ok := l.PerProvider[provider]; ok && n > 0 {
		return int64(n)
	}
	if l.Default > 0 {
		return int64(l.Default)
	}
	return defaultInferenceCallsPerSec
}

var _ ratelimit.RateLimiter = (*InferenceLimiter)(nil)

// InferenceLimiter throttles analyzer calls per provider with a fixed window
// shared through Redis. A throttled caller sleeps until its window closes.
type InferenceLimiter struct {
	client  *goredis.Client
	limits  InferenceLimits
	metrics *observability.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewInferenceLimiter(client *goredis.Client, limits InferenceLimits) (*InferenceLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	perProvider := make(map[string]int, len(limits.PerProvider))
	for name, n := range limits.PerProvider {
		perProvider[normalizeProvider(name)] = n
	}
	limits.PerProvider = perProvider

	return &InferenceLimiter{
		client: client,
		limits: limits,
		now:    time.Now,
		sleep:  sleepWithContext,
	}, nil
}

func (l *InferenceLimiter) SetMetrics(metrics *observability.Metrics) {
	l.metrics = metrics
}

// Allow reports whether one more call to provider fits in the current window.
func (l *InferenceLimiter) Allow(ctx context.Context, provider string) (bool, error) {
	wait, err := l.reserve(ctx, provider)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// Wait blocks until provider has capacity or ctx ends.
func (l *InferenceLimiter) Wait(ctx context.Context, provider string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		wait, err := l.reserve(ctx, provider)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}

		l.metrics.IncInferenceThrottled(normalizeProvider(provider))
		if err := l.sleep(ctx, max(wait, minThrottleSleep)); err != nil {
			return err
		}
	}
}

func (l *InferenceLimiter) reserve(ctx context.Context, provider string) (time.Duration, error) {
	if l == nil || l.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}

	name := normalizeProvider(provider)
	if name == "" {
		return 0, fmt.Errorf("inference provider is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	window := l.now().UTC().Unix()
	ms, err := reserveScript.Run(ctx, l.client,
		[]string{inferenceRateKey(name, window)},
		l.limits.callsPerSec(name),
		inferenceWindow.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve inference call: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
