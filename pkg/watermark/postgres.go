package watermark

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edfi-tools/publisher/pkg/errors"
)

// PostgresStore keeps watermarks in a Postgres table so multiple hosts
// share one view of replication progress.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createWatermarkTable = `
CREATE TABLE IF NOT EXISTS publisher_watermarks (
	resource        TEXT PRIMARY KEY,
	change_version  BIGINT NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgresStore connects to Postgres and ensures the watermark
// table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid watermark database configuration")
	}
	if _, err := pool.Exec(ctx, createWatermarkTable); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "cannot create watermark table")
	}
	return &PostgresStore{pool: pool}, nil
}

// GetProcessedChangeVersion returns the stored watermark for a resource.
func (s *PostgresStore) GetProcessedChangeVersion(ctx context.Context, resource string) (int64, bool, error) {
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT change_version FROM publisher_watermarks WHERE resource = $1`,
		resource).Scan(&version)
	if isNoRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, errors.ErrorTypeInternal, "watermark read failed")
	}
	return version, true, nil
}

// isNoRows matches pgx.ErrNoRows anywhere in the chain; drivers may
// wrap it before it reaches us.
func isNoRows(err error) bool {
	return stderrors.Is(err, pgx.ErrNoRows)
}

// SetProcessedChangeVersion stores the watermark for a resource. The
// stored version only ever advances.
func (s *PostgresStore) SetProcessedChangeVersion(ctx context.Context, resource string, version int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO publisher_watermarks (resource, change_version, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (resource) DO UPDATE
		 SET change_version = GREATEST(publisher_watermarks.change_version, EXCLUDED.change_version),
		     updated_at = now()`,
		resource, version)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "watermark write failed")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}
