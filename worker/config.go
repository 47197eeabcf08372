package worker

import (
	"time"

	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/backoff"
)

const (
	DefaultConcurrency int           = 1
	DefaultSleep       time.Duration = 3 * time.Second
	DefaultTries       int           = 3
	DefaultTimeout     time.Duration = 60 * time.Second
)

// Config is the immutable configuration of a single worker.
type Config struct {
	// Queues polled by the worker, earlier queues are preferred
	Queues []string `mapstructure:"queues"`
	// Concurrency is the number of parallel processing loops
	Concurrency int `mapstructure:"concurrency"`
	// Sleep between polls when all queues are empty or the worker is paused
	Sleep time.Duration `mapstructure:"sleep"`
	// MaxJobs stops the worker after that many successfully processed jobs, 0 - unlimited
	MaxJobs int `mapstructure:"max_jobs"`
	// MaxTime stops the worker after it has been running that long, 0 - unlimited
	MaxTime time.Duration `mapstructure:"max_time"`
	// Timeout for a single job attempt when the job doesn't carry its own
	Timeout time.Duration `mapstructure:"timeout"`
	// Tries is the retry budget when the job doesn't carry its own
	Tries int `mapstructure:"tries"`
	// StopOnEmpty stops the worker the first time no queue yields a job
	StopOnEmpty bool `mapstructure:"stop_on_empty"`
	// Backoff computes release delays
	Backoff backoff.Schedule `mapstructure:"-"`
}

func (c *Config) InitDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}

	if c.Sleep == 0 {
		c.Sleep = DefaultSleep
	}

	if c.Tries == 0 {
		c.Tries = DefaultTries
	}

	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}

	if c.Backoff == nil {
		c.Backoff = backoff.NewExponential()
	}
}

func (c *Config) Validate() error {
	const op = errors.Op("worker_config_validate")

	if len(c.Queues) == 0 {
		return errors.E(op, errors.Str("at least one queue should be configured"))
	}

	seen := make(map[string]struct{}, len(c.Queues))
	for i := 0; i < len(c.Queues); i++ {
		if c.Queues[i] == "" {
			return errors.E(op, errors.Errorf("empty queue name at position %d", i))
		}
		if _, ok := seen[c.Queues[i]]; ok {
			return errors.E(op, errors.Errorf("duplicate queue: %s", c.Queues[i]))
		}
		seen[c.Queues[i]] = struct{}{}
	}

	switch {
	case c.Concurrency < 1:
		return errors.E(op, errors.Errorf("concurrency should be positive, got: %d", c.Concurrency))
	case c.Sleep < 0:
		return errors.E(op, errors.Errorf("sleep should not be negative, got: %s", c.Sleep))
	case c.MaxJobs < 0:
		return errors.E(op, errors.Errorf("max_jobs should not be negative, got: %d", c.MaxJobs))
	case c.MaxTime < 0:
		return errors.E(op, errors.Errorf("max_time should not be negative, got: %s", c.MaxTime))
	case c.Timeout < 0:
		return errors.E(op, errors.Errorf("timeout should not be negative, got: %s", c.Timeout))
	case c.Tries < 1:
		return errors.E(op, errors.Errorf("tries should be positive, got: %d", c.Tries))
	case c.Backoff == nil:
		return errors.E(op, errors.Str("backoff schedule is not set"))
	}

	return nil
}
