package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limiter gates identify handshakes. Every shard id maps onto one of max_concurrency
// buckets, and each bucket allows limit identifies per window.
type Limiter interface {
	// MaybeWait blocks until the bucket named key has capacity, or ctx is done.
	MaybeWait(ctx context.Context, key string, window time.Duration, limit int) error
}

// BucketKey returns the limiter key for a shard id.
func BucketKey(shardId, concurrency int) string {
	if concurrency < 1 {
		concurrency = 1
	}

	return fmt.Sprintf("sharder.%d", shardId%concurrency)
}
