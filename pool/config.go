package pool

import (
	"time"

	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/backoff"
	"github.com/roadrunner-server/jobworker/worker"
)

// Config defines pool-wide defaults and the per-worker settings.
type Config struct {
	// DefaultConcurrency is used by workers which don't set their own concurrency
	DefaultConcurrency int `mapstructure:"concurrency"`
	// DefaultTimeout is used by workers which don't set their own job timeout
	DefaultTimeout time.Duration `mapstructure:"timeout"`
	// DefaultSleep is used by workers which don't set their own sleep, default 3s
	DefaultSleep time.Duration `mapstructure:"sleep"`
	// DefaultTries is used by workers which don't set their own tries, default 3
	DefaultTries int `mapstructure:"tries"`
	// Parallelism limits the number of workers stopped at the same time
	Parallelism int `mapstructure:"parallelism"`
	// Backoff is the schedule shared by workers without their own
	Backoff *backoff.Config `mapstructure:"backoff"`
	// Workers maps worker name to its settings
	Workers map[string]*WorkerConfig `mapstructure:"workers"`
}

// WorkerConfig is a per-worker override, zero fields inherit the pool defaults.
type WorkerConfig struct {
	// Queues polled by the worker, defaults to the worker name
	Queues      []string        `mapstructure:"queues"`
	Concurrency int             `mapstructure:"concurrency"`
	Timeout     time.Duration   `mapstructure:"timeout"`
	Sleep       time.Duration   `mapstructure:"sleep"`
	Tries       int             `mapstructure:"tries"`
	MaxJobs     int             `mapstructure:"max_jobs"`
	MaxTime     time.Duration   `mapstructure:"max_time"`
	StopOnEmpty bool            `mapstructure:"stop_on_empty"`
	Backoff     *backoff.Config `mapstructure:"backoff"`
}

func (c *Config) InitDefaults() {
	if c.DefaultConcurrency == 0 {
		c.DefaultConcurrency = worker.DefaultConcurrency
	}

	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = worker.DefaultTimeout
	}

	if c.DefaultSleep == 0 {
		c.DefaultSleep = worker.DefaultSleep
	}

	if c.DefaultTries == 0 {
		c.DefaultTries = worker.DefaultTries
	}

	if c.Parallelism == 0 {
		c.Parallelism = 10
	}

	if c.Workers == nil {
		c.Workers = make(map[string]*WorkerConfig)
	}
}

// workerConfigs merges every worker override with the pool defaults.
func (c *Config) workerConfigs() (map[string]worker.Config, error) {
	const op = errors.Op("pool_worker_configs")

	shared, err := backoff.FromConfig(c.Backoff)
	if err != nil {
		return nil, errors.E(op, err)
	}

	out := make(map[string]worker.Config, len(c.Workers))
	for name, wc := range c.Workers {
		if name == "" {
			return nil, errors.E(op, errors.Str("worker name should not be empty"))
		}

		if wc == nil {
			wc = &WorkerConfig{}
		}

		cfg := worker.Config{
			Queues:      wc.Queues,
			Concurrency: wc.Concurrency,
			Timeout:     wc.Timeout,
			Sleep:       wc.Sleep,
			Tries:       wc.Tries,
			MaxJobs:     wc.MaxJobs,
			MaxTime:     wc.MaxTime,
			StopOnEmpty: wc.StopOnEmpty,
			Backoff:     shared,
		}

		if len(cfg.Queues) == 0 {
			cfg.Queues = []string{name}
		}
		if cfg.Concurrency == 0 {
			cfg.Concurrency = c.DefaultConcurrency
		}
		if cfg.Timeout == 0 {
			cfg.Timeout = c.DefaultTimeout
		}
		if cfg.Sleep == 0 {
			cfg.Sleep = c.DefaultSleep
		}
		if cfg.Tries == 0 {
			cfg.Tries = c.DefaultTries
		}

		if wc.Backoff != nil {
			cfg.Backoff, err = backoff.FromConfig(wc.Backoff)
			if err != nil {
				return nil, errors.E(op, errors.Errorf("worker %s: %v", name, err))
			}
		}

		out[name] = cfg
	}

	return out, nil
}
