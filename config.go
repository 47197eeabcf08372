package jobworker

import (
	"time"

	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/backoff"
	redisdrv "github.com/roadrunner-server/jobworker/drivers/redis"
	"github.com/roadrunner-server/jobworker/failed"
	"github.com/roadrunner-server/jobworker/pool"
)

const (
	driverMemory string = "memory"
	driverRedis  string = "redis"
)

// Config defines the queue driver, the failed job store and the workers.
type Config struct {
	// Driver is the queue driver used when no driver plugin is registered: memory or redis
	Driver string `mapstructure:"driver"`
	// Redis driver settings
	Redis *redisdrv.Config `mapstructure:"redis"`
	// Failed job store settings
	Failed *failed.Config `mapstructure:"failed"`
	// Consume specifies names of the workers started on serve, empty - all of them
	Consume []string `mapstructure:"consume"`
	// Parallelism limits the number of workers stopped at the same time
	Parallelism int `mapstructure:"parallelism"`
	// Timeout limits a single RPC operation (push, destroy)
	Timeout time.Duration `mapstructure:"timeout"`
	// Defaults are inherited by every worker
	Defaults *Defaults `mapstructure:"defaults"`
	// Backoff is the schedule shared by workers without their own
	Backoff *backoff.Config `mapstructure:"backoff"`
	// Workers maps worker name to its settings
	Workers map[string]*pool.WorkerConfig `mapstructure:"workers"`
}

type Defaults struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Sleep       time.Duration `mapstructure:"sleep"`
	Tries       int           `mapstructure:"tries"`
}

func (c *Config) InitDefaults() error {
	if c.Driver == "" {
		c.Driver = driverMemory
	}

	switch c.Driver {
	case driverMemory:
	case driverRedis:
		if c.Redis == nil {
			c.Redis = &redisdrv.Config{}
		}
		c.Redis.InitDefaults()
	default:
		return errors.Errorf("unknown queue driver: %s", c.Driver)
	}

	if c.Failed == nil {
		c.Failed = &failed.Config{}
	}
	c.Failed.InitDefaults()

	if c.Parallelism == 0 {
		c.Parallelism = 10
	}

	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}

	if c.Defaults == nil {
		c.Defaults = &Defaults{}
	}

	if c.Workers == nil {
		c.Workers = make(map[string]*pool.WorkerConfig)
	}

	return nil
}

func (c *Config) poolConfig() *pool.Config {
	return &pool.Config{
		DefaultConcurrency: c.Defaults.Concurrency,
		DefaultTimeout:     c.Defaults.Timeout,
		DefaultSleep:       c.Defaults.Sleep,
		DefaultTries:       c.Defaults.Tries,
		Parallelism:        c.Parallelism,
		Backoff:            c.Backoff,
		Workers:            c.Workers,
	}
}
