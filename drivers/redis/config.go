package redis

import (
	"time"
)

const (
	defaultAddr    string = "127.0.0.1:6379"
	defaultPrefix  string = "jobworker"
	defaultPromote int64  = 100

	defaultVisibilityTimeout = 10 * time.Minute
)

type Config struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Prefix for every key the driver owns
	Prefix string `mapstructure:"prefix"`
	// PromoteBatch limits the number of due delayed jobs moved to the ready set on a single pop
	PromoteBatch int64         `mapstructure:"promote_batch"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	// VisibilityTimeout returns jobs reserved longer than that to the ready set, it should
	// exceed the longest job timeout. Negative disables reclaiming.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

func (c *Config) InitDefaults() {
	if c.Addr == "" {
		c.Addr = defaultAddr
	}

	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}

	if c.PromoteBatch == 0 {
		c.PromoteBatch = defaultPromote
	}

	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}

	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = defaultVisibilityTimeout
	}
}
