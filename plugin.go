package jobworker

import (
	"context"
	stderr "errors"
	"slices"
	"sync"
	"time"

	jprop "go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/roadrunner-server/endure/v2/dep"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/drivers/memory"
	redisdrv "github.com/roadrunner-server/jobworker/drivers/redis"
	"github.com/roadrunner-server/jobworker/failed"
	"github.com/roadrunner-server/jobworker/job"
	"github.com/roadrunner-server/jobworker/pool"
	"github.com/roadrunner-server/jobworker/registry"
	"github.com/roadrunner-server/jobworker/worker"
	"go.uber.org/zap"
)

const (
	PluginName string = "jobworker"

	spanName string = "jobworker"
)

type Plugin struct {
	mu sync.RWMutex

	cfg *Config `structure:"jobworker"`
	log *zap.Logger

	tracer *sdktrace.TracerProvider

	driver   job.Driver
	registry job.Registry
	failed   job.FailedJobRepository

	// resources created by the plugin itself, closed on stop
	closers []func() error

	pool    *pool.Pool
	runCtx  context.Context
	cancel  context.CancelFunc
	metrics *statsExporter
}

func (p *Plugin) Init(cfg Configurer, log Logger) error {
	const op = errors.Op("jobworker_plugin_init")
	if !cfg.Has(PluginName) {
		return errors.E(op, errors.Disabled)
	}

	err := cfg.UnmarshalKey(PluginName, &p.cfg)
	if err != nil {
		return errors.E(op, err)
	}

	if p.cfg == nil {
		p.cfg = &Config{}
	}

	err = p.cfg.InitDefaults()
	if err != nil {
		return errors.E(op, err)
	}

	p.log = log.NamedLogger(PluginName)
	p.registry = registry.New()
	p.metrics = newStatsExporter(p)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}, jprop.Jaeger{}))

	return nil
}

func (p *Plugin) Serve() chan error {
	errCh := make(chan error, 1)
	const op = errors.Op("jobworker_plugin_serve")

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tracer == nil {
		// noop tracer
		p.tracer = sdktrace.NewTracerProvider()
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	if p.driver == nil {
		switch p.cfg.Driver {
		case driverRedis:
			d, err := redisdrv.NewDriver(ctx, p.cfg.Redis, p.log)
			if err != nil {
				errCh <- errors.E(op, err)
				return errCh
			}
			p.driver = d
			p.closers = append(p.closers, d.Close)
		default:
			p.driver = memory.NewDriver(p.log)
		}
	}

	if p.failed == nil {
		repo, err := failed.Open(ctx, p.cfg.Failed)
		if err != nil {
			errCh <- errors.E(op, err)
			return errCh
		}
		p.failed = repo
		p.closers = append(p.closers, repo.Close)
	}

	var err error
	p.pool, err = pool.New(p.cfg.poolConfig(), p.driver, p.registry, p.failed, p.log,
		worker.WithTracerProvider(p.tracer),
		worker.WithObserver(p.metrics),
	)
	if err != nil {
		errCh <- errors.E(op, err)
		return errCh
	}

	p.runCtx, p.cancel = context.WithCancel(context.Background())

	if len(p.cfg.Consume) == 0 {
		p.pool.StartAll(p.runCtx)
		return errCh
	}

	names := p.pool.List()
	for i := 0; i < len(p.cfg.Consume); i++ {
		if !slices.Contains(names, p.cfg.Consume[i]) {
			p.log.Warn("worker from the consume list is not configured", zap.String("worker", p.cfg.Consume[i]))
			continue
		}
		p.pool.Start(p.runCtx, p.cfg.Consume[i])
	}

	return errCh
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.pool != nil {
		err := p.pool.StopAll(ctx)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if p.cancel != nil {
		p.cancel()
	}

	for i := 0; i < len(p.closers); i++ {
		err := p.closers[i]()
		if err != nil {
			p.log.Error("failed to close the resource", zap.Error(err))
			errs = append(errs, err)
		}
	}
	p.closers = nil

	return stderr.Join(errs...)
}

func (p *Plugin) Collects() []*dep.In {
	return []*dep.In{
		dep.Fits(func(pp any) {
			p.driver = pp.(DriverProvider).QueueDriver()
		}, (*DriverProvider)(nil)),
		dep.Fits(func(pp any) {
			p.registry = pp.(RegistryProvider).JobRegistry()
		}, (*RegistryProvider)(nil)),
		dep.Fits(func(pp any) {
			p.failed = pp.(FailedProvider).FailedJobRepository()
		}, (*FailedProvider)(nil)),
		dep.Fits(func(pp any) {
			p.tracer = pp.(Tracer).Tracer()
		}, (*Tracer)(nil)),
	}
}

func (p *Plugin) Name() string {
	return PluginName
}

func (p *Plugin) RPC() any {
	return &rpc{
		p: p,
	}
}

// Register binds a handler to the job name in the built-in registry.
func (p *Plugin) Register(name string, h job.Handler) error {
	const op = errors.Op("jobworker_plugin_register")

	reg, ok := p.registry.(*registry.Registry)
	if !ok {
		return errors.E(op, errors.Str("handlers are owned by the registry plugin"))
	}

	err := reg.Register(name, h)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (p *Plugin) Push(ctx context.Context, j *job.Job) error {
	const op = errors.Op("jobworker_plugin_push")

	start := time.Now().UTC()

	pusher, err := p.pusher()
	if err != nil {
		return errors.E(op, err)
	}

	p.metrics.pushJobRequestCounter.WithLabelValues(j.Queue(), "single").Inc()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	err = pusher.Push(ctx, j)
	if err != nil {
		p.metrics.CountPushErr()
		p.log.Error("job push error", zap.String("ID", j.ID()), zap.String("queue", j.Queue()), zap.Time("start", start), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return errors.E(op, err)
	}

	p.metrics.CountPushOk()
	p.metrics.pushJobLatencyHistogram.WithLabelValues(j.Queue(), "single").Observe(time.Since(start).Seconds())

	p.log.Debug("job was pushed successfully", zap.String("ID", j.ID()), zap.String("queue", j.Queue()), zap.Time("start", start), zap.Duration("elapsed", time.Since(start)))

	return nil
}

func (p *Plugin) PushBatch(ctx context.Context, j []*job.Job) error {
	const op = errors.Op("jobworker_plugin_push_batch")
	start := time.Now().UTC()

	pusher, err := p.pusher()
	if err != nil {
		return errors.E(op, err)
	}

	for i := 0; i < len(j); i++ {
		operationStart := time.Now().UTC()
		p.metrics.pushJobRequestCounter.WithLabelValues(j[i].Queue(), "batch").Inc()

		ctxPush, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		err = pusher.Push(ctxPush, j[i])
		cancel()
		if err != nil {
			p.metrics.CountPushErr()
			p.log.Error("job push batch error", zap.String("ID", j[i].ID()), zap.String("queue", j[i].Queue()), zap.Time("start", start), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
			return errors.E(op, err)
		}

		p.metrics.CountPushOk()
		p.metrics.pushJobLatencyHistogram.WithLabelValues(j[i].Queue(), "batch").Observe(time.Since(operationStart).Seconds())
	}

	return nil
}

func (p *Plugin) Pause(name string) error {
	pl, err := p.check(name)
	if err != nil {
		return err
	}

	pl.Pause(name)
	return nil
}

func (p *Plugin) Resume(name string) error {
	pl, err := p.check(name)
	if err != nil {
		return err
	}

	pl.Resume(name)
	return nil
}

func (p *Plugin) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.pool == nil {
		return nil
	}

	return p.pool.List()
}

// Status returns the snapshot of every worker keyed by name.
func (p *Plugin) Status() map[string]worker.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.pool == nil {
		return nil
	}

	return p.pool.Status()
}

func (p *Plugin) WorkerStatus(name string) (worker.Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.pool == nil {
		return worker.Status{}, false
	}

	return p.pool.WorkerStatus(name)
}

// ListFailed returns stored failed jobs, newest first.
func (p *Plugin) ListFailed(ctx context.Context, limit int) ([]*job.FailedJob, error) {
	const op = errors.Op("jobworker_plugin_list_failed")

	repo, err := p.failedRepository()
	if err != nil {
		return nil, errors.E(op, err)
	}

	recs, err := repo.List(ctx, limit)
	if err != nil {
		return nil, errors.E(op, err)
	}

	return recs, nil
}

// RetryFailed pushes the failed job back to its queue and removes the record.
func (p *Plugin) RetryFailed(ctx context.Context, id string) error {
	const op = errors.Op("jobworker_plugin_retry_failed")

	repo, err := p.failedRepository()
	if err != nil {
		return errors.E(op, err)
	}

	pusher, err := p.pusher()
	if err != nil {
		return errors.E(op, err)
	}

	err = failed.Retry(ctx, repo, pusher, id)
	if err != nil {
		return errors.E(op, err)
	}

	p.log.Info("failed job was pushed back", zap.String("ID", id))
	return nil
}

func (p *Plugin) check(name string) (*pool.Pool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.pool == nil {
		return nil, errors.E(errors.Str("plugin is not serving"))
	}

	if _, ok := p.pool.WorkerStatus(name); !ok {
		p.log.Error("no such worker", zap.String("requested", name))
		return nil, errors.E(errors.Errorf("no such worker, requested: %s", name))
	}

	return p.pool, nil
}

func (p *Plugin) pusher() (job.Pusher, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.driver == nil {
		return nil, errors.Str("plugin is not serving")
	}

	pusher, ok := p.driver.(job.Pusher)
	if !ok {
		return nil, errors.Str("queue driver does not accept new jobs")
	}

	return pusher, nil
}

func (p *Plugin) failedRepository() (failed.Repository, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	repo, ok := p.failed.(failed.Repository)
	if !ok {
		return nil, errors.Str("failed job store is write only")
	}

	return repo, nil
}
