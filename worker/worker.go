package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/job"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName string = "jobworker"
)

// Worker pops jobs from its queues and executes them with Concurrency
// parallel loops until stopped.
type Worker struct {
	name     string
	cfg      Config
	driver   job.Driver
	registry job.Registry
	failed   job.FailedJobRepository

	log      *zap.Logger
	tracer   trace.Tracer
	observer Observer

	// mu guards run and the state transitions
	mu  sync.Mutex
	run *run

	state     atomic.Int32
	paused    atomic.Bool
	startedAt atomic.Int64

	processed atomic.Uint64
	failedCnt atomic.Uint64
	released  atomic.Uint64

	// max_jobs bookkeeping, jobs popped but not finished yet
	budgetMu sync.Mutex
	inFlight atomic.Int64

	// job id per concurrency slot
	current []atomic.Pointer[string]
}

// run is a single start-stop cycle
type run struct {
	stopCh chan struct{}
	once   sync.Once
	done   chan struct{}
}

type Option func(w *Worker)

func WithLogger(log *zap.Logger) Option {
	return func(w *Worker) {
		w.log = log
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(w *Worker) {
		if tp != nil {
			w.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithObserver(o Observer) Option {
	return func(w *Worker) {
		w.observer = o
	}
}

// New validates the configuration and builds a stopped worker.
func New(name string, cfg Config, driver job.Driver, registry job.Registry, failed job.FailedJobRepository, opts ...Option) (*Worker, error) {
	const op = errors.Op("worker_new")

	switch {
	case driver == nil:
		return nil, errors.E(op, errors.Str("queue driver should not be nil"))
	case registry == nil:
		return nil, errors.E(op, errors.Str("job registry should not be nil"))
	case failed == nil:
		return nil, errors.E(op, errors.Str("failed job repository should not be nil"))
	}

	cfg.InitDefaults()
	err := cfg.Validate()
	if err != nil {
		return nil, errors.E(op, errors.Errorf("worker %s: %v", name, err))
	}
	cfg.Queues = append([]string(nil), cfg.Queues...)

	w := &Worker{
		name:     name,
		cfg:      cfg,
		driver:   driver,
		registry: registry,
		failed:   failed,
		current:  make([]atomic.Pointer[string], cfg.Concurrency),
	}

	for i := 0; i < len(opts); i++ {
		opts[i](w)
	}

	if w.log == nil {
		w.log = zap.NewNop()
	}
	w.log = w.log.With(zap.String("worker", name))

	if w.tracer == nil {
		// noop tracer
		w.tracer = sdktrace.NewTracerProvider().Tracer(tracerName)
	}

	return w, nil
}

func (w *Worker) Name() string {
	return w.name
}

// Queues returns a copy of the configured queues in polling order.
func (w *Worker) Queues() []string {
	return append([]string(nil), w.cfg.Queues...)
}

// Start runs the worker and blocks until every processing loop has exited.
func (w *Worker) Start(ctx context.Context) error {
	return <-w.Serve(ctx)
}

// Serve marks the worker running, launches the processing loops and returns
// immediately. The returned channel receives an error if the worker can't be
// started and is closed once all loops have exited. Cancelling ctx stops the worker.
func (w *Worker) Serve(ctx context.Context) chan error {
	const op = errors.Op("worker_serve")
	errCh := make(chan error, 1)

	w.mu.Lock()
	if State(w.state.Load()) != StateStopped {
		w.mu.Unlock()
		errCh <- errors.E(op, errors.Errorf("worker %s is already running", w.name))
		return errCh
	}

	if w.run != nil {
		select {
		case <-w.run.done:
		default:
			w.mu.Unlock()
			errCh <- errors.E(op, errors.Errorf("worker %s is still finishing the previous run", w.name))
			return errCh
		}
	}

	r := &run{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	w.run = r
	w.paused.Store(false)
	w.startedAt.Store(time.Now().UTC().UnixNano())
	w.state.Store(int32(StateRunning))
	w.mu.Unlock()

	w.log.Info("worker started", zap.Strings("queues", w.cfg.Queues), zap.Int("concurrency", w.cfg.Concurrency))

	var timer *time.Timer
	if w.cfg.MaxTime > 0 {
		timer = time.AfterFunc(w.cfg.MaxTime, func() {
			w.log.Info("max time reached, stopping the worker", zap.Duration("max_time", w.cfg.MaxTime))
			w.halt(r)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			w.halt(r)
		case <-r.stopCh:
		}
	}()

	// in-flight jobs are never aborted by the caller's cancellation
	jobCtx := context.WithoutCancel(ctx)

	wg := &sync.WaitGroup{}
	wg.Add(w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		go func(slot int) {
			defer wg.Done()
			w.loop(jobCtx, r, slot)
		}(i)
	}

	go func() {
		wg.Wait()
		if timer != nil {
			timer.Stop()
		}

		w.halt(r)
		close(r.done)

		w.log.Info("worker stopped",
			zap.Uint64("processed", w.processed.Load()),
			zap.Uint64("failed", w.failedCnt.Load()),
			zap.Uint64("released", w.released.Load()),
		)
		close(errCh)
	}()

	return errCh
}

// Stop signals the loops to exit after their current job. It doesn't wait.
func (w *Worker) Stop() {
	w.mu.Lock()
	r := w.run
	w.mu.Unlock()

	if r == nil {
		return
	}

	w.halt(r)
}

// Pause makes the loops stop popping new jobs, in-flight jobs run to completion.
func (w *Worker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state.CompareAndSwap(int32(StateRunning), int32(StatePaused)) {
		w.paused.Store(true)
		w.log.Info("worker paused")
	}
}

func (w *Worker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
		w.paused.Store(false)
		w.log.Info("worker resumed")
	}
}

func (w *Worker) Status() Status {
	st := State(w.state.Load())

	s := Status{
		Name:        w.name,
		State:       st,
		Queues:      w.Queues(),
		Concurrency: w.cfg.Concurrency,
		Processed:   w.processed.Load(),
		Failed:      w.failedCnt.Load(),
		Released:    w.released.Load(),
	}

	for i := 0; i < len(w.current); i++ {
		if id := w.current[i].Load(); id != nil {
			s.CurrentJobs = append(s.CurrentJobs, *id)
		}
	}
	if len(s.CurrentJobs) > 0 {
		s.CurrentJob = s.CurrentJobs[0]
	}

	if started := w.startedAt.Load(); started != 0 {
		s.StartedAt = time.Unix(0, started).UTC()
		if st != StateStopped {
			s.Uptime = time.Since(s.StartedAt)
		}
	}

	return s
}

func (w *Worker) halt(r *run) {
	r.once.Do(func() {
		close(r.stopCh)
	})

	w.mu.Lock()
	if w.run == r {
		w.state.Store(int32(StateStopped))
		w.paused.Store(false)
	}
	w.mu.Unlock()
}

func (w *Worker) loop(ctx context.Context, r *run, slot int) {
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		if w.paused.Load() {
			w.sleep(r)
			continue
		}

		reserved := false
		if w.cfg.MaxJobs > 0 {
			ok, exhausted := w.reserve()
			if exhausted {
				w.log.Info("max jobs reached, stopping the worker", zap.Int("max_jobs", w.cfg.MaxJobs))
				w.halt(r)
				continue
			}
			if !ok {
				// remaining budget is held by in-flight jobs
				w.sleep(r)
				continue
			}
			reserved = true
		}

		found := w.next(ctx, r, slot)
		if reserved {
			w.inFlight.Add(-1)
		}

		if found {
			continue
		}

		if w.cfg.StopOnEmpty {
			w.log.Info("queues are empty, stopping the worker")
			w.halt(r)
			continue
		}

		w.sleep(r)
	}
}

// next pops from the queues in the listed order and processes the first job found.
func (w *Worker) next(ctx context.Context, r *run, slot int) (found bool) {
	defer func() {
		if rec := recover(); rec != nil {
			w.log.Error("queue polling panicked", zap.Any("panic", rec))
			found = false
		}
	}()

	for i := 0; i < len(w.cfg.Queues); i++ {
		select {
		case <-r.stopCh:
			return false
		default:
		}

		jb, err := w.driver.Pop(ctx, w.cfg.Queues[i])
		if err != nil {
			w.log.Error("failed to pop a job", zap.String("queue", w.cfg.Queues[i]), zap.Error(err))
			continue
		}

		if jb == nil {
			continue
		}

		w.process(ctx, slot, jb)
		return true
	}

	return false
}

func (w *Worker) reserve() (ok bool, exhausted bool) {
	w.budgetMu.Lock()
	defer w.budgetMu.Unlock()

	limit := uint64(w.cfg.MaxJobs) //nolint:gosec
	processed := w.processed.Load()
	if processed >= limit {
		return false, true
	}

	if processed+uint64(w.inFlight.Load()) >= limit { //nolint:gosec
		return false, false
	}

	w.inFlight.Add(1)
	return true, false
}

func (w *Worker) sleep(r *run) {
	t := time.NewTimer(w.cfg.Sleep)
	defer t.Stop()

	select {
	case <-t.C:
	case <-r.stopCh:
	}
}

func (w *Worker) process(ctx context.Context, slot int, jb *job.Job) {
	start := time.Now().UTC()

	id := jb.ID()
	w.current[slot].Store(&id)
	defer w.current[slot].Store(nil)

	defer func() {
		if rec := recover(); rec != nil {
			w.log.Error("job processing panicked", zap.String("ID", jb.ID()), zap.Any("panic", rec))
		}
	}()

	traceCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(jb.Headers()))
	ctx, span := w.tracer.Start(traceCtx, "worker_process", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	w.log.Debug("job processing was started",
		zap.String("ID", jb.ID()),
		zap.String("queue", jb.Queue()),
		zap.String("job", jb.Name()),
		zap.Int("attempt", jb.Attempts()),
	)

	err := w.dispatch(ctx, jb)
	if err != nil {
		span.SetAttributes(attribute.KeyValue{
			Key:   "error",
			Value: attribute.StringValue(err.Error()),
		})
		w.fail(ctx, jb, err, start)
		return
	}

	errC := w.driver.Complete(ctx, jb)
	if errC != nil {
		w.log.Error("acknowledge error, job might be processed again", zap.String("ID", jb.ID()), zap.Error(errC))
	}

	w.processed.Add(1)
	w.observe(jb, OutcomeCompleted, start)
	w.log.Debug("job was processed successfully", zap.String("ID", jb.ID()), zap.Time("start", start), zap.Duration("elapsed", time.Since(start)))
}

// dispatch runs the handler with the job timeout as a hard deadline. A handler
// which ignores its context is abandoned once the deadline passes.
func (w *Worker) dispatch(ctx context.Context, jb *job.Job) error {
	const op = errors.Op("worker_dispatch")

	timeout := jb.Timeout()
	if timeout <= 0 {
		timeout = w.cfg.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resCh := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resCh <- errors.E(op, errors.Errorf("handler panic: %v", rec))
			}
		}()

		resCh <- w.registry.Dispatch(ctx, jb)
	}()

	select {
	case err := <-resCh:
		return err
	case <-ctx.Done():
		return errors.E(op, errors.Errorf("job %s exceeded the timeout of %s", jb.ID(), timeout))
	}
}

func (w *Worker) fail(ctx context.Context, jb *job.Job, cause error, start time.Time) {
	maxAttempts := jb.MaxAttempts()
	if maxAttempts <= 0 {
		maxAttempts = w.cfg.Tries
	}

	if jb.Attempts() < maxAttempts {
		delay := w.cfg.Backoff.Delay(jb.Attempts())
		w.log.Warn("job failed, releasing",
			zap.String("ID", jb.ID()),
			zap.Int("attempt", jb.Attempts()),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(cause),
		)

		err := w.driver.Release(ctx, jb, delay)
		if err != nil {
			// the job stays with the driver, it is not counted as retried
			w.log.Error("failed to release the job", zap.String("ID", jb.ID()), zap.Error(err))
			w.observe(jb, OutcomeReleaseFailed, start)
			return
		}

		w.released.Add(1)
		w.observe(jb, OutcomeReleased, start)
		return
	}

	w.log.Error("job failed permanently",
		zap.String("ID", jb.ID()),
		zap.String("queue", jb.Queue()),
		zap.String("job", jb.Name()),
		zap.Int("attempts", jb.Attempts()),
		zap.Error(cause),
	)

	err := w.failed.Store(ctx, job.NewFailedJob(jb, cause))
	if err != nil {
		w.log.Error("failed to store the failed job", zap.String("ID", jb.ID()), zap.Error(err))
	}
	w.failedCnt.Add(1)

	if d, ok := w.driver.(job.Discarder); ok {
		err = d.Discard(ctx, jb)
		if err != nil {
			w.log.Error("failed to discard the job", zap.String("ID", jb.ID()), zap.Error(err))
		}
	}

	w.onFailure(ctx, jb, cause)
	w.observe(jb, OutcomeFailed, start)
}

func (w *Worker) onFailure(ctx context.Context, jb *job.Job, cause error) {
	h, ok := w.registry.Handler(jb.Name())
	if !ok {
		return
	}

	fh, ok := h.(job.FailureHandler)
	if !ok {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			w.log.Error("failure hook panicked", zap.String("ID", jb.ID()), zap.Any("panic", rec))
		}
	}()

	err := fh.OnFailure(ctx, jb.Payload(), cause)
	if err != nil {
		w.log.Error("failure hook returned an error", zap.String("ID", jb.ID()), zap.NamedError("cause", cause), zap.Error(err))
	}
}

func (w *Worker) observe(jb *job.Job, outcome Outcome, start time.Time) {
	if w.observer == nil {
		return
	}

	w.observer.JobProcessed(w.name, jb.Queue(), jb.Name(), outcome, time.Since(start))
}
