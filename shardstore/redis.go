package shardstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	heartbeatScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisStore leases ids with SETNX. A lease that is not refreshed through Heartbeat expires
// and the id becomes claimable by any process again.
type RedisStore struct {
	client *redis.Client
	prefix string
	owner  string
	lease  time.Duration
	ids    Range
}

func NewRedisStore(client *redis.Client, prefix string, lease time.Duration) *RedisStore {
	if lease <= 0 {
		lease = DefaultLease
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		owner:  uuid.New().String(),
		lease:  lease,
	}
}

// WithRange only claims ids in [lowest, highest), for fleets split across deployments.
func (s *RedisStore) WithRange(lowest, highest int) *RedisStore {
	s.ids = Range{Lowest: lowest, Highest: highest}
	return s
}

func (s *RedisStore) key(totalCount, shardId int) string {
	return fmt.Sprintf("%s:%d:%d", s.prefix, totalCount, shardId)
}

func (s *RedisStore) ClaimId(ctx context.Context, claim ClaimIdContext) (int, bool, error) {
	client := s.client.WithContext(ctx)

	lowest, highest := s.ids.bounds(claim.TotalCount)
	for id := lowest; id < highest; id++ {
		ok, err := client.SetNX(s.key(claim.TotalCount, id), s.owner, s.lease).Result()
		if err != nil {
			return 0, false, errors.Wrapf(err, "claim shard %d", id)
		}

		if ok {
			return id, true, nil
		}
	}

	return 0, false, nil
}

func (s *RedisStore) AllClaimed(ctx context.Context, totalCount int) (bool, error) {
	lowest, highest := s.ids.bounds(totalCount)
	if lowest >= highest {
		return true, nil
	}

	pipe := s.client.WithContext(ctx).Pipeline()
	defer pipe.Close()

	cmds := make([]*redis.IntCmd, 0, highest-lowest)
	for id := lowest; id < highest; id++ {
		cmds = append(cmds, pipe.Exists(s.key(totalCount, id)))
	}

	if _, err := pipe.Exec(); err != nil {
		return false, errors.Wrap(err, "check claims")
	}

	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			return false, nil
		}
	}

	return true, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, totalCount, shardId int) error {
	refreshed, err := heartbeatScript.Run(s.client.WithContext(ctx), []string{s.key(totalCount, shardId)}, s.owner, s.lease.Milliseconds()).Int64()
	if err != nil {
		return errors.Wrapf(err, "heartbeat shard %d", shardId)
	}

	if refreshed == 0 {
		return fmt.Errorf("shard %d: lease lost", shardId)
	}

	return nil
}

func (s *RedisStore) Release(ctx context.Context, totalCount, shardId int) error {
	err := releaseScript.Run(s.client.WithContext(ctx), []string{s.key(totalCount, shardId)}, s.owner).Err()
	return errors.Wrapf(err, "release shard %d", shardId)
}
