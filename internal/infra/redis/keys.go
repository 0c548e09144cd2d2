package redis

import "fmt"

// ProgressCacheKey is the cache key of a batch progress snapshot.
func ProgressCacheKey(batchID string) string {
	return fmt.Sprintf("batch:%s:snapshot", batchID)
}

func progressVersionKey(batchID string) string {
	return fmt.Sprintf("batch:%s:snapshot:version", batchID)
}

func inferenceRateKey(provider string, unixSecond int64) string {
	return fmt.Sprintf("ratelimit:inference:%s:%d", provider, unixSecond)
}
