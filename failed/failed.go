// Package failed stores jobs which exhausted their retry budget and lets
// operators inspect, retry or forget them.
package failed

import (
	"context"
	stderr "errors"

	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/job"
)

const (
	DriverMemory   string = "memory"
	DriverSQLite   string = "sqlite"
	DriverPostgres string = "postgres"

	tableName string = "failed_jobs"
)

// ErrNotFound is returned by Get and Forget for unknown ids.
var ErrNotFound = stderr.New("failed job not found")

// Repository is a failed job store with read access.
type Repository interface {
	job.FailedJobRepository
	// List returns records, newest first. limit <= 0 returns all of them.
	List(ctx context.Context, limit int) ([]*job.FailedJob, error)
	Get(ctx context.Context, id string) (*job.FailedJob, error)
	Forget(ctx context.Context, id string) error
	Close() error
}

type Config struct {
	// Driver is one of memory, sqlite, postgres
	Driver string `mapstructure:"driver"`
	// DSN is the sqlite file name or the postgres connection string
	DSN string `mapstructure:"dsn"`
}

func (c *Config) InitDefaults() {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}

	if c.Driver == DriverSQLite && c.DSN == "" {
		c.DSN = "file:failed_jobs.db"
	}
}

// Open builds the repository described by cfg.
func Open(ctx context.Context, cfg *Config) (Repository, error) {
	const op = errors.Op("failed_open")

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.InitDefaults()

	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		s, err := OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, errors.E(op, err)
		}
		return s, nil
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, errors.E(op, errors.Str("postgres dsn should not be empty"))
		}
		s, err := OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, errors.E(op, err)
		}
		return s, nil
	default:
		return nil, errors.E(op, errors.Errorf("unknown failed job store: %s", cfg.Driver))
	}
}

// Retry pushes the record back to its queue as a fresh job and forgets it.
func Retry(ctx context.Context, repo Repository, pusher job.Pusher, id string) error {
	const op = errors.Op("failed_retry")

	rec, err := repo.Get(ctx, id)
	if err != nil {
		return errors.E(op, err)
	}

	err = pusher.Push(ctx, &job.Job{
		Ident: rec.ID,
		Q:     rec.Queue,
		Job:   rec.Name,
		Pld:   rec.Payload,
		Hdr:   rec.Headers,
	})
	if err != nil {
		return errors.E(op, err)
	}

	err = repo.Forget(ctx, id)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}
