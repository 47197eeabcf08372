// Package backoff computes the delay before a failed job becomes available
// again. Schedules are values, pure in the attempt number modulo their jitter.
package backoff

import (
	"math"
	"strings"
	"time"

	cb "github.com/cenkalti/backoff/v4"
	"github.com/roadrunner-server/errors"
)

const (
	DefaultBase       time.Duration = time.Second
	DefaultMax        time.Duration = 5 * time.Minute
	DefaultMultiplier float64       = 2
	DefaultJitter     float64       = cb.DefaultRandomizationFactor

	// delays are never shorter than that, a zero delay would make release equal to a busy retry
	minDelay = time.Millisecond

	StrategyExponential string = "exponential"
	StrategyLinear      string = "linear"
	StrategyConstant    string = "constant"
)

// Schedule returns the delay before the next attempt of a job which has
// already been attempted `attempt` times.
type Schedule interface {
	Delay(attempt int) time.Duration
}

// Func adapts an ordinary function to the Schedule interface.
type Func func(attempt int) time.Duration

func (f Func) Delay(attempt int) time.Duration {
	return f(attempt)
}

// Exponential grows the delay Multiplier times per attempt starting from Base,
// applies +-Jitter randomization and never exceeds Max.
type Exponential struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor in [0, 1), 0 disables it.
	Jitter float64
}

// NewExponential returns the default schedule: 1s doubling per attempt with 50% jitter, capped at 5 minutes.
func NewExponential() *Exponential {
	return &Exponential{
		Base:       DefaultBase,
		Max:        DefaultMax,
		Multiplier: DefaultMultiplier,
		Jitter:     DefaultJitter,
	}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	base, ceiling, mult := e.Base, e.Max, e.Multiplier
	if base <= 0 {
		base = DefaultBase
	}
	if ceiling <= 0 {
		ceiling = DefaultMax
	}
	if ceiling < base {
		ceiling = base
	}
	if mult < 1 {
		mult = DefaultMultiplier
	}
	jitter := e.Jitter
	if jitter < 0 || jitter >= 1 {
		jitter = DefaultJitter
	}

	// after that many steps the interval is pinned at the ceiling
	steps := 1
	if mult > 1 {
		steps = int(math.Ceil(math.Log(float64(ceiling)/float64(base))/math.Log(mult))) + 1
	}

	if attempt < 1 {
		attempt = 1
	}
	if attempt > steps {
		attempt = steps
	}

	b := cb.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = ceiling
	b.Multiplier = mult
	b.RandomizationFactor = jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}

	return clamp(d, ceiling)
}

// Linear grows the delay by Step per attempt, capped at Max.
type Linear struct {
	Step time.Duration
	Max  time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	step := l.Step
	if step <= 0 {
		step = DefaultBase
	}
	ceiling := l.Max
	if ceiling <= 0 {
		ceiling = DefaultMax
	}

	if time.Duration(attempt) > ceiling/step {
		return ceiling
	}

	return clamp(time.Duration(attempt)*step, ceiling)
}

// Constant always returns the same delay.
type Constant time.Duration

func (c Constant) Delay(int) time.Duration {
	if c <= 0 {
		return minDelay
	}

	return time.Duration(c)
}

// Config is the mapstructure representation of a schedule.
type Config struct {
	// Strategy is one of exponential (default), linear or constant
	Strategy   string        `mapstructure:"strategy"`
	Base       time.Duration `mapstructure:"base"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	// Jitter is a pointer to distinguish disabled jitter (0) from not set
	Jitter *float64 `mapstructure:"jitter"`
}

// FromConfig builds a schedule, a nil config produces the default exponential schedule.
func FromConfig(cfg *Config) (Schedule, error) {
	const op = errors.Op("backoff_from_config")
	if cfg == nil {
		return NewExponential(), nil
	}

	switch strings.ToLower(cfg.Strategy) {
	case StrategyExponential, "":
		e := &Exponential{
			Base:       cfg.Base,
			Max:        cfg.Max,
			Multiplier: cfg.Multiplier,
			Jitter:     DefaultJitter,
		}
		if cfg.Jitter != nil {
			e.Jitter = *cfg.Jitter
		}
		if e.Jitter < 0 || e.Jitter >= 1 {
			return nil, errors.E(op, errors.Errorf("jitter should be in [0, 1), got: %v", e.Jitter))
		}
		return e, nil
	case StrategyLinear:
		return Linear{Step: cfg.Base, Max: cfg.Max}, nil
	case StrategyConstant:
		if cfg.Base <= 0 {
			return nil, errors.E(op, errors.Str("constant backoff requires a positive base"))
		}
		return Constant(cfg.Base), nil
	default:
		return nil, errors.E(op, errors.Errorf("unknown backoff strategy: %s", cfg.Strategy))
	}
}

func clamp(d, ceiling time.Duration) time.Duration {
	if d > ceiling {
		return ceiling
	}
	if d < minDelay {
		return minDelay
	}
	return d
}
