package ratelimit

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Returns 0 when the hit was admitted, otherwise the milliseconds until the window resets.
var fixedWindow = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end

if current <= tonumber(ARGV[2]) then
	return 0
end

local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end

return ttl
`)

// RedisLimiter is a fixed window limiter shared by every sharder process using the same
// redis and prefix.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	clock  clock.Clock
}

func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		clock:  clock.New(),
	}
}

func (l *RedisLimiter) MaybeWait(ctx context.Context, key string, window time.Duration, limit int) error {
	redisKey := l.prefix + ":" + key

	for {
		wait, err := fixedWindow.Run(l.client, []string{redisKey}, window.Milliseconds(), limit).Int64()
		if err != nil {
			return errors.Wrapf(err, "identify ratelimit %s", key)
		}

		if wait <= 0 {
			return nil
		}

		logrus.Debugf("ratelimit: %s exhausted, waiting %dms", key, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(time.Duration(wait) * time.Millisecond):
		}
	}
}
