package jobworker

import (
	"context"

	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/backoff"
	"github.com/roadrunner-server/jobworker/worker"
	"go.uber.org/zap"
)

// Declare adds a worker at runtime. Zero settings are taken from the
// configured defaults, the worker is started when start is true.
func (p *Plugin) Declare(name string, cfg worker.Config, start bool) error {
	const op = errors.Op("jobworker_plugin_declare")

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.pool == nil {
		return errors.E(op, errors.Str("plugin is not serving"))
	}

	d := p.cfg.Defaults
	if cfg.Concurrency == 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Sleep == 0 {
		cfg.Sleep = d.Sleep
	}
	if cfg.Tries == 0 {
		cfg.Tries = d.Tries
	}
	if cfg.Backoff == nil {
		bo, err := backoff.FromConfig(p.cfg.Backoff)
		if err != nil {
			return errors.E(op, err)
		}
		cfg.Backoff = bo
	}

	err := p.pool.Declare(name, cfg)
	if err != nil {
		return errors.E(op, err)
	}

	p.log.Info("worker was declared", zap.String("worker", name), zap.Strings("queues", cfg.Queues))

	if start {
		// bound to the plugin lifetime, not to the caller
		p.pool.Start(p.runCtx, name)
	}

	return nil
}

// Destroy stops the worker, waits for its in-flight jobs and removes it.
func (p *Plugin) Destroy(ctx context.Context, name string) error {
	const op = errors.Op("jobworker_plugin_destroy")

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.pool == nil {
		return errors.E(op, errors.Str("plugin is not serving"))
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	err := p.pool.Destroy(ctx, name)
	if err != nil {
		return errors.E(op, err)
	}

	p.log.Info("worker was destroyed", zap.String("worker", name))
	return nil
}
