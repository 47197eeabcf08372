package failed

import (
	"context"
	stderr "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/job"
)

var _ Repository = (*PostgresStore)(nil)

// PostgresStore keeps records in a postgres table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and creates the table when missing.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	const op = errors.Op("failed_open_postgres")

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.E(op, err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.E(op, err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, errors.E(op, err)
	}

	s, err := NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, errors.E(op, err)
	}

	return s, nil
}

// NewPostgresStore uses an existing pool. Close closes the pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+tableName+` (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			job TEXT NOT NULL,
			payload BYTEA,
			headers JSONB,
			error TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			failed_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Store(ctx context.Context, rec *job.FailedJob) error {
	const op = errors.Op("failed_postgres_store")

	headers, err := encodeHeaders(rec.Headers)
	if err != nil {
		return errors.E(op, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO `+tableName+` (id, queue, job, payload, headers, error, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			queue = EXCLUDED.queue,
			job = EXCLUDED.job,
			payload = EXCLUDED.payload,
			headers = EXCLUDED.headers,
			error = EXCLUDED.error,
			attempts = EXCLUDED.attempts,
			failed_at = EXCLUDED.failed_at`,
		rec.ID,
		rec.Queue,
		rec.Name,
		rec.Payload,
		headers,
		rec.Error,
		rec.Attempts,
		rec.FailedAt,
	)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*job.FailedJob, error) {
	const op = errors.Op("failed_postgres_list")

	// LIMIT NULL returns every row
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, queue, job, payload, headers, error, attempts, failed_at
		FROM `+tableName+`
		ORDER BY failed_at DESC, id
		LIMIT $1`, lim)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer rows.Close()

	var out []*job.FailedJob
	for rows.Next() {
		rec, errS := scanPostgres(rows)
		if errS != nil {
			return nil, errors.E(op, errS)
		}
		out = append(out, rec)
	}

	err = rows.Err()
	if err != nil {
		return nil, errors.E(op, err)
	}

	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*job.FailedJob, error) {
	const op = errors.Op("failed_postgres_get")

	row := s.pool.QueryRow(ctx, `
		SELECT id, queue, job, payload, headers, error, attempts, failed_at
		FROM `+tableName+`
		WHERE id = $1`, id)

	rec, err := scanPostgres(row)
	if err != nil {
		if stderr.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.E(op, err)
	}

	return rec, nil
}

func (s *PostgresStore) Forget(ctx context.Context, id string) error {
	const op = errors.Op("failed_postgres_forget")

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+tableName+` WHERE id = $1`, id)
	if err != nil {
		return errors.E(op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgres(row pgx.Row) (*job.FailedJob, error) {
	var (
		rec     job.FailedJob
		headers []byte
	)

	err := row.Scan(&rec.ID, &rec.Queue, &rec.Name, &rec.Payload, &headers, &rec.Error, &rec.Attempts, &rec.FailedAt)
	if err != nil {
		return nil, err
	}

	rec.Headers, err = decodeHeaders(headers)
	if err != nil {
		return nil, err
	}
	rec.FailedAt = rec.FailedAt.UTC()

	return &rec, nil
}
