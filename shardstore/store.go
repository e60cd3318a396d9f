package shardstore

import (
	"context"
	"errors"
	"time"
)

// ErrClaimExhausted is returned by Claim when the store has no free id right now.
// Callers retry later.
var ErrClaimExhausted = errors.New("no shard id available")

// DefaultLease is how long a distributed claim survives without a heartbeat.
const DefaultLease = time.Minute

type ClaimIdContext struct {
	// SharderCount is the number of ids this process has claimed so far
	SharderCount int
	TotalCount   int
}

// Store hands out shard ids. Ids returned by ClaimId are in [0, TotalCount) and are never
// handed out twice while the claim is held.
type Store interface {
	ClaimId(ctx context.Context, claim ClaimIdContext) (id int, ok bool, err error)
	AllClaimed(ctx context.Context, totalCount int) (bool, error)
}

// Range limits the ids a store hands out to [Lowest, Highest). A zero Highest means the
// total count.
type Range struct {
	Lowest  int // Inclusive
	Highest int // Exclusive
}

func (r Range) bounds(totalCount int) (lowest, highest int) {
	lowest, highest = r.Lowest, totalCount
	if lowest < 0 {
		lowest = 0
	}

	if r.Highest > 0 && r.Highest < totalCount {
		highest = r.Highest
	}

	return
}

// Heartbeater is implemented by stores whose claims expire unless refreshed.
type Heartbeater interface {
	Heartbeat(ctx context.Context, totalCount, shardId int) error
}

// Releaser is implemented by stores that can give a claim back when the shard stops.
type Releaser interface {
	Release(ctx context.Context, totalCount, shardId int) error
}

// Claim wraps Store.ClaimId, turning "none available" into ErrClaimExhausted.
func Claim(ctx context.Context, store Store, claim ClaimIdContext) (int, error) {
	id, ok, err := store.ClaimId(ctx, claim)
	if err != nil {
		return 0, err
	}

	if !ok {
		return 0, ErrClaimExhausted
	}

	return id, nil
}
