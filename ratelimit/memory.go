package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryLimiter keeps one token bucket per key. Only suitable when a single process owns
// every shard of the bot.
type MemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *MemoryLimiter) findCreateLimiter(key string, window time.Duration, limit int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.limiters[key]; ok {
		return current
	}

	if limit < 1 {
		limit = 1
	}

	// not found, create it
	limiter := rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
	l.limiters[key] = limiter
	return limiter
}

func (l *MemoryLimiter) MaybeWait(ctx context.Context, key string, window time.Duration, limit int) error {
	return l.findCreateLimiter(key, window, limit).Wait(ctx)
}
