// Package pool manages a named set of workers, one per configured entry,
// and controls them individually or all at once.
package pool

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/job"
	"github.com/roadrunner-server/jobworker/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Pool struct {
	log         *zap.Logger
	parallelism int

	driver   job.Driver
	registry job.Registry
	failed   job.FailedJobRepository
	opts     []worker.Option

	// writers take mu, copy the current map, modify the copy and swap it in.
	// readers only load the pointer.
	mu      sync.Mutex
	workers atomic.Pointer[map[string]*worker.Worker]
	handles atomic.Pointer[map[string]*handle]
}

// handle tracks one Serve call of a worker
type handle struct {
	done chan struct{}
	err  error
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// New merges every worker config with the pool defaults and builds the
// workers. Invalid configuration fails the whole pool.
func New(cfg *Config, driver job.Driver, registry job.Registry, failed job.FailedJobRepository, log *zap.Logger, opts ...worker.Option) (*Pool, error) {
	const op = errors.Op("pool_new")

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.InitDefaults()

	if log == nil {
		log = zap.NewNop()
	}

	p := &Pool{
		log:         log,
		parallelism: cfg.Parallelism,
		driver:      driver,
		registry:    registry,
		failed:      failed,
		opts:        append([]worker.Option{worker.WithLogger(log)}, opts...),
	}

	cfgs, err := cfg.workerConfigs()
	if err != nil {
		return nil, errors.E(op, err)
	}

	workers := make(map[string]*worker.Worker, len(cfgs))
	for name, wcfg := range cfgs {
		w, errW := worker.New(name, wcfg, driver, registry, failed, p.opts...)
		if errW != nil {
			return nil, errors.E(op, errW)
		}
		workers[name] = w
	}

	handles := make(map[string]*handle)
	p.workers.Store(&workers)
	p.handles.Store(&handles)

	return p, nil
}

// StartAll launches every worker in the background and returns without waiting.
func (p *Pool) StartAll(ctx context.Context) {
	names := p.List()
	for i := 0; i < len(names); i++ {
		p.Start(ctx, names[i])
	}
}

// StopAll signals every worker and waits until all of them have exited or ctx is done.
func (p *Pool) StopAll(ctx context.Context) error {
	const op = errors.Op("pool_stop_all")

	workers := *p.workers.Load()
	for _, w := range workers {
		w.Stop()
	}

	g := errgroup.Group{}
	g.SetLimit(p.parallelism)

	for name := range workers {
		g.Go(func() error {
			return p.wait(ctx, name)
		})
	}

	err := g.Wait()
	if err != nil {
		return errors.E(op, err)
	}

	p.log.Debug("all workers were stopped", zap.Int("workers", len(workers)))
	return nil
}

// Start launches the named worker in the background. Unknown names and
// workers which are already running are ignored.
func (p *Pool) Start(ctx context.Context, name string) {
	w, ok := p.worker(name)
	if !ok {
		p.log.Debug("start requested for an unknown worker", zap.String("worker", name))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current := *p.handles.Load()
	if h, ok := current[name]; ok && !h.finished() {
		return
	}

	errCh := w.Serve(ctx)
	h := &handle{done: make(chan struct{})}
	go func() {
		h.err = <-errCh
		if h.err != nil {
			p.log.Error("worker exited with an error", zap.String("worker", name), zap.Error(h.err))
		}
		close(h.done)
	}()

	next := make(map[string]*handle, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[name] = h
	p.handles.Store(&next)
}

// Stop signals the named worker and waits for its loops to exit. Unknown names are ignored.
func (p *Pool) Stop(ctx context.Context, name string) error {
	const op = errors.Op("pool_stop")

	w, ok := p.worker(name)
	if !ok {
		return nil
	}

	w.Stop()

	err := p.wait(ctx, name)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (p *Pool) Pause(name string) {
	if w, ok := p.worker(name); ok {
		w.Pause()
	}
}

func (p *Pool) Resume(name string) {
	if w, ok := p.worker(name); ok {
		w.Resume()
	}
}

// Declare adds a new stopped worker. Declaring an existing name is an error.
func (p *Pool) Declare(name string, cfg worker.Config) error {
	const op = errors.Op("pool_declare")

	if name == "" {
		return errors.E(op, errors.Str("worker name should not be empty"))
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{name}
	}

	w, err := worker.New(name, cfg, p.driver, p.registry, p.failed, p.opts...)
	if err != nil {
		return errors.E(op, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current := *p.workers.Load()
	if _, ok := current[name]; ok {
		return errors.E(op, errors.Errorf("worker already exists, name: %s", name))
	}

	next := make(map[string]*worker.Worker, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[name] = w
	p.workers.Store(&next)

	return nil
}

// Destroy stops the named worker, waits for it and removes it from the pool.
func (p *Pool) Destroy(ctx context.Context, name string) error {
	const op = errors.Op("pool_destroy")

	if _, ok := p.worker(name); !ok {
		return errors.E(op, errors.Errorf("no such worker, requested: %s", name))
	}

	err := p.Stop(ctx, name)
	if err != nil {
		return errors.E(op, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	workers := *p.workers.Load()
	nextW := make(map[string]*worker.Worker, len(workers))
	for k, v := range workers {
		if k != name {
			nextW[k] = v
		}
	}

	handles := *p.handles.Load()
	nextH := make(map[string]*handle, len(handles))
	for k, v := range handles {
		if k != name {
			nextH[k] = v
		}
	}

	p.workers.Store(&nextW)
	p.handles.Store(&nextH)

	return nil
}

// Status returns the snapshot of every worker keyed by name.
func (p *Pool) Status() map[string]worker.Status {
	workers := *p.workers.Load()

	out := make(map[string]worker.Status, len(workers))
	for name, w := range workers {
		out[name] = w.Status()
	}

	return out
}

// WorkerStatus returns the snapshot of the named worker, false for unknown names.
func (p *Pool) WorkerStatus(name string) (worker.Status, bool) {
	w, ok := p.worker(name)
	if !ok {
		return worker.Status{}, false
	}

	return w.Status(), true
}

// List returns sorted worker names.
func (p *Pool) List() []string {
	workers := *p.workers.Load()

	out := make([]string, 0, len(workers))
	for name := range workers {
		out = append(out, name)
	}
	sort.Strings(out)

	return out
}

func (p *Pool) worker(name string) (*worker.Worker, bool) {
	w, ok := (*p.workers.Load())[name]
	return w, ok
}

func (p *Pool) wait(ctx context.Context, name string) error {
	h, ok := (*p.handles.Load())[name]
	if !ok {
		return nil
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return errors.Errorf("worker %s did not stop in time: %v", name, ctx.Err())
	}
}
