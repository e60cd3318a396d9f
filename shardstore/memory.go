package shardstore

import (
	"context"
	"sync"
)

// MemoryStore hands out ids from a counter. Ids are never reclaimed, so a shard that exits
// leaves a hole until the process restarts; multi process deployments need RedisStore or
// PostgresStore.
type MemoryStore struct {
	mu   sync.Mutex
	next int
	ids  Range
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// NewMemoryRangeStore only hands out ids in [lowest, highest).
func NewMemoryRangeStore(lowest, highest int) *MemoryStore {
	return &MemoryStore{
		next: lowest,
		ids:  Range{Lowest: lowest, Highest: highest},
	}
}

func (s *MemoryStore) bound(totalCount int) int {
	_, highest := s.ids.bounds(totalCount)
	return highest
}

func (s *MemoryStore) ClaimId(_ context.Context, claim ClaimIdContext) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= s.bound(claim.TotalCount) {
		return 0, false, nil
	}

	id := s.next
	s.next++
	return id, true, nil
}

func (s *MemoryStore) AllClaimed(_ context.Context, totalCount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next >= s.bound(totalCount), nil
}
