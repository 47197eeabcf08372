package failed

import (
	"context"
	"database/sql"
	stderr "errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/job"

	// registers the "sqlite" database/sql driver
	_ "modernc.org/sqlite"
)

var _ Repository = (*SQLStore)(nil)

// SQLStore keeps records in a SQLite database.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens the database and creates the table when missing.
func OpenSQLite(ctx context.Context, dsn string) (*SQLStore, error) {
	const op = errors.Op("failed_open_sqlite")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.E(op, err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	s, err := NewSQLStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, errors.E(op, err)
	}

	return s, nil
}

// NewSQLStore uses an already opened database, the caller registers the driver.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+tableName+` (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			job TEXT NOT NULL,
			payload BLOB,
			headers TEXT,
			error TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			failed_at INTEGER NOT NULL
		);`,
	)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *SQLStore) Store(ctx context.Context, rec *job.FailedJob) error {
	const op = errors.Op("failed_sqlite_store")

	data, err := encodeHeaders(rec.Headers)
	if err != nil {
		return errors.E(op, err)
	}

	var headers any
	if data != nil {
		headers = string(data)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+tableName+` (id, queue, job, payload, headers, error, attempts, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			queue = excluded.queue,
			job = excluded.job,
			payload = excluded.payload,
			headers = excluded.headers,
			error = excluded.error,
			attempts = excluded.attempts,
			failed_at = excluded.failed_at`,
		rec.ID,
		rec.Queue,
		rec.Name,
		rec.Payload,
		headers,
		rec.Error,
		rec.Attempts,
		rec.FailedAt.UnixNano(),
	)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (s *SQLStore) List(ctx context.Context, limit int) ([]*job.FailedJob, error) {
	const op = errors.Op("failed_sqlite_list")

	if limit <= 0 {
		// no limit
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue, job, payload, headers, error, attempts, failed_at
		FROM `+tableName+`
		ORDER BY failed_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*job.FailedJob
	for rows.Next() {
		rec, errS := scanSQL(rows)
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

func (s *SQLStore) Get(ctx context.Context, id string) (*job.FailedJob, error) {
	const op = errors.Op("failed_sqlite_get")

	row := s.db.QueryRowContext(ctx, `
		SELECT id, queue, job, payload, headers, error, attempts, failed_at
		FROM `+tableName+`
		WHERE id = ?`, id)

	rec, err := scanSQL(row)
	if err != nil {
		if stderr.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.E(op, err)
	}

	return rec, nil
}

func (s *SQLStore) Forget(ctx context.Context, id string) error {
	const op = errors.Op("failed_sqlite_forget")

	res, err := s.db.ExecContext(ctx, `DELETE FROM `+tableName+` WHERE id = ?`, id)
	if err != nil {
		return errors.E(op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.E(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQL(row scanner) (*job.FailedJob, error) {
	var (
		rec      job.FailedJob
		headers  sql.NullString
		failedAt int64
	)

	err := row.Scan(&rec.ID, &rec.Queue, &rec.Name, &rec.Payload, &headers, &rec.Error, &rec.Attempts, &failedAt)
	if err != nil {
		return nil, err
	}

	if headers.Valid {
		rec.Headers, err = decodeHeaders([]byte(headers.String))
		if err != nil {
			return nil, err
		}
	}
	rec.FailedAt = time.Unix(0, failedAt).UTC()

	return &rec, nil
}

func encodeHeaders(h map[string][]string) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}

	return json.Marshal(h)
}

func decodeHeaders(data []byte) (map[string][]string, error) {
	if len(data) == 0 {
		return nil, nil
	}

	h := make(map[string][]string)
	err := json.Unmarshal(data, &h)
	if err != nil {
		return nil, err
	}

	return h, nil
}
