package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const defaultProgressTTL = 10 * time.Second

// setIfNewerScript writes the snapshot unless the cache already holds a higher
// version. The version key outlives snapshot invalidation for the same TTL.
var setIfNewerScript = goredis.NewScript(`
local current = redis.call("GET", KEYS[2])
if current and tonumber(current) > tonumber(ARGV[2]) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// ProgressCache stores batch progress snapshots with a short TTL.
type ProgressCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewProgressCache(client *goredis.Client, ttl time.Duration) (*ProgressCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultProgressTTL
	}
	return &ProgressCache{client: client, ttl: ttl}, nil
}

// Get returns the cached snapshot and whether it was present.
func (c *ProgressCache) Get(ctx context.Context, batchID string) (*domain.BatchProgress, bool, error) {
	raw, err := c.client.Get(ctx, ProgressCacheKey(batchID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read progress cache: %w", err)
	}

	var progress domain.BatchProgress
	if err := json.Unmarshal(raw, &progress); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached progress: %w", err)
	}
	return &progress, true, nil
}

// Set stores progress unless a snapshot with a higher version was written
// first, so a slow reader cannot replace a fresher snapshot.
func (c *ProgressCache) Set(ctx context.Context, progress *domain.BatchProgress) error {
	if progress == nil {
		return fmt.Errorf("progress is required")
	}

	raw, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	keys := []string{ProgressCacheKey(progress.BatchID), progressVersionKey(progress.BatchID)}
	err = setIfNewerScript.Run(ctx, c.client, keys, raw, progress.Version, c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("failed to write progress cache: %w", err)
	}
	return nil
}

func (c *ProgressCache) Delete(ctx context.Context, batchID string) error {
	if err := c.client.Del(ctx, ProgressCacheKey(batchID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate progress cache: %w", err)
	}
	return nil
}
