package shardstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

// PostgresStore leases ids as rows of shard_claims. Expired rows are taken over by the
// next claimer.
type PostgresStore struct {
	db    *pgxpool.Pool
	owner string
	lease time.Duration
	ids   Range
}

func NewPostgresStore(db *pgxpool.Pool, lease time.Duration) *PostgresStore {
	if lease <= 0 {
		lease = DefaultLease
	}

	return &PostgresStore{
		db:    db,
		owner: uuid.New().String(),
		lease: lease,
	}
}

// WithRange only claims ids in [lowest, highest), for fleets split across deployments.
func (s *PostgresStore) WithRange(lowest, highest int) *PostgresStore {
	s.ids = Range{Lowest: lowest, Highest: highest}
	return s
}

func (s *PostgresStore) Schema() string {
	return `
CREATE TABLE IF NOT EXISTS shard_claims(
	"total_count" int4 NOT NULL,
	"shard_id" int4 NOT NULL,
	"owner" varchar(36) NOT NULL,
	"expires_at" timestamptz NOT NULL,
	PRIMARY KEY("total_count", "shard_id")
);`
}

func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, s.Schema())
	return errors.Wrap(err, "create shard_claims")
}

func (s *PostgresStore) interval() string {
	return fmt.Sprintf("%d milliseconds", s.lease.Milliseconds())
}

func (s *PostgresStore) ClaimId(ctx context.Context, claim ClaimIdContext) (int, bool, error) {
	query := `
INSERT INTO shard_claims("total_count", "shard_id", "owner", "expires_at")
SELECT $1::int4, ids.id, $2, NOW() + $3::interval
FROM generate_series($4::int4, $5::int4 - 1) AS ids(id)
WHERE NOT EXISTS (
	SELECT 1 FROM shard_claims
	WHERE "total_count" = $1 AND "shard_id" = ids.id AND "expires_at" > NOW()
)
ORDER BY ids.id
LIMIT 1
ON CONFLICT("total_count", "shard_id") DO UPDATE
	SET "owner" = EXCLUDED."owner", "expires_at" = EXCLUDED."expires_at"
	WHERE shard_claims."expires_at" <= NOW()
RETURNING "shard_id";`

	lowest, highest := s.ids.bounds(claim.TotalCount)

	// a concurrent claimer can take the row we picked, in which case nothing is returned
	for attempt := 0; attempt < highest-lowest; attempt++ {
		var id int
		err := s.db.QueryRow(ctx, query, claim.TotalCount, s.owner, s.interval(), lowest, highest).Scan(&id)
		if err == nil {
			return id, true, nil
		} else if err != pgx.ErrNoRows {
			return 0, false, errors.Wrap(err, "claim shard id")
		}

		allClaimed, err := s.AllClaimed(ctx, claim.TotalCount)
		if err != nil || allClaimed {
			return 0, false, err
		}
	}

	return 0, false, nil
}

func (s *PostgresStore) AllClaimed(ctx context.Context, totalCount int) (bool, error) {
	query := `SELECT COUNT(*) FROM shard_claims WHERE "total_count" = $1 AND "shard_id" >= $2 AND "shard_id" < $3 AND "expires_at" > NOW();`

	lowest, highest := s.ids.bounds(totalCount)

	var count int
	if err := s.db.QueryRow(ctx, query, totalCount, lowest, highest).Scan(&count); err != nil {
		return false, errors.Wrap(err, "count claims")
	}

	return count >= highest-lowest, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, totalCount, shardId int) error {
	query := `UPDATE shard_claims SET "expires_at" = NOW() + $4::interval WHERE "total_count" = $1 AND "shard_id" = $2 AND "owner" = $3;`

	tag, err := s.db.Exec(ctx, query, totalCount, shardId, s.owner, s.interval())
	if err != nil {
		return errors.Wrapf(err, "heartbeat shard %d", shardId)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("shard %d: lease lost", shardId)
	}

	return nil
}

func (s *PostgresStore) Release(ctx context.Context, totalCount, shardId int) error {
	query := `DELETE FROM shard_claims WHERE "total_count" = $1 AND "shard_id" = $2 AND "owner" = $3;`

	_, err := s.db.Exec(ctx, query, totalCount, shardId, s.owner)
	return errors.Wrapf(err, "release shard %d", shardId)
}
