package worker

import (
	"context"
	stderr "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roadrunner-server/jobworker/backoff"
	"github.com/roadrunner-server/jobworker/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type releaseCall struct {
	id    string
	delay time.Duration
}

// recDriver is a FIFO driver recording every call
type recDriver struct {
	mu        sync.Mutex
	queues    map[string][]*job.Job
	pops      map[string]int
	popErr    map[string]error
	relErr    error
	completed []string
	released  []releaseCall
	discarded []string
}

func newRecDriver() *recDriver {
	return &recDriver{
		queues: make(map[string][]*job.Job),
		pops:   make(map[string]int),
		popErr: make(map[string]error),
	}
}

func (d *recDriver) push(jobs ...*job.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, j := range jobs {
		d.queues[j.Queue()] = append(d.queues[j.Queue()], j)
	}
}

func (d *recDriver) Pop(_ context.Context, queue string) (*job.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pops[queue]++
	if err := d.popErr[queue]; err != nil {
		return nil, err
	}

	q := d.queues[queue]
	if len(q) == 0 {
		return nil, nil
	}

	jb := q[0]
	d.queues[queue] = q[1:]
	jb.Attempt()

	return jb.Clone(), nil
}

func (d *recDriver) Complete(_ context.Context, j *job.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completed = append(d.completed, j.ID())
	return nil
}

func (d *recDriver) Release(_ context.Context, j *job.Job, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.released = append(d.released, releaseCall{id: j.ID(), delay: delay})
	if d.relErr != nil {
		return d.relErr
	}
	jb := j.Clone()
	jb.UpdateRetryAfter(delay)
	d.queues[jb.Queue()] = append(d.queues[jb.Queue()], jb)
	return nil
}

func (d *recDriver) Discard(_ context.Context, j *job.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discarded = append(d.discarded, j.ID())
	return nil
}

func (d *recDriver) totalPops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, v := range d.pops {
		n += v
	}
	return n
}

func (d *recDriver) completedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.completed...)
}

func (d *recDriver) releaseCalls() []releaseCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]releaseCall(nil), d.released...)
}

type handlerFunc func(ctx context.Context, payload []byte) error

func (f handlerFunc) Handle(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

type hookHandler struct {
	handle func(ctx context.Context, payload []byte) error
	hook   func(ctx context.Context, payload []byte, err error) error
}

func (h *hookHandler) Handle(ctx context.Context, payload []byte) error {
	return h.handle(ctx, payload)
}

func (h *hookHandler) OnFailure(ctx context.Context, payload []byte, err error) error {
	return h.hook(ctx, payload, err)
}

type mapRegistry map[string]job.Handler

func (r mapRegistry) Dispatch(ctx context.Context, j *job.Job) error {
	h, ok := r[j.Name()]
	if !ok {
		return stderr.New("no handler for " + j.Name())
	}
	return h.Handle(ctx, j.Payload())
}

func (r mapRegistry) Handler(name string) (job.Handler, bool) {
	h, ok := r[name]
	return h, ok
}

type failedStore struct {
	mu   sync.Mutex
	recs []*job.FailedJob
}

func (s *failedStore) Store(_ context.Context, rec *job.FailedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *failedStore) records() []*job.FailedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*job.FailedJob(nil), s.recs...)
}

type outcome struct {
	queue   string
	name    string
	outcome Outcome
}

type recObserver struct {
	mu  sync.Mutex
	got []outcome
}

func (o *recObserver) JobProcessed(_, queue, name string, out Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, outcome{queue: queue, name: name, outcome: out})
}

func testConfig(queues ...string) Config {
	return Config{
		Queues:  queues,
		Sleep:   5 * time.Millisecond,
		Timeout: time.Second,
		Backoff: backoff.Constant(time.Millisecond),
	}
}

func newJob(id, queue, name string) *job.Job {
	return &job.Job{Ident: id, Q: queue, Job: name, Pld: []byte(`{"id":"` + id + `"}`)}
}

func TestNewValidation(t *testing.T) {
	reg := mapRegistry{}
	fs := &failedStore{}

	_, err := New("w", testConfig("q"), nil, reg, fs)
	require.Error(t, err)

	_, err = New("w", testConfig("q"), newRecDriver(), nil, fs)
	require.Error(t, err)

	_, err = New("w", testConfig("q"), newRecDriver(), reg, nil)
	require.Error(t, err)

	_, err = New("w", testConfig(), newRecDriver(), reg, fs)
	require.Error(t, err)

	_, err = New("w", testConfig("q", "q"), newRecDriver(), reg, fs)
	require.Error(t, err)

	cfg := testConfig("q")
	cfg.Concurrency = -1
	_, err = New("w", cfg, newRecDriver(), reg, fs)
	require.Error(t, err)

	w, err := New("w", testConfig("q", "p"), newRecDriver(), reg, fs)
	require.NoError(t, err)
	assert.Equal(t, "w", w.Name())
	assert.Equal(t, []string{"q", "p"}, w.Queues())
	assert.Equal(t, StateStopped, w.Status().State)
}

func TestProcessSuccess(t *testing.T) {
	drv := newRecDriver()
	drv.push(newJob("1", "emails", "send"))

	var payload atomic.Value
	reg := mapRegistry{
		"send": handlerFunc(func(_ context.Context, p []byte) error {
			payload.Store(string(p))
			return nil
		}),
	}
	fs := &failedStore{}
	obs := &recObserver{}

	cfg := testConfig("emails")
	cfg.StopOnEmpty = true
	w, err := New("w", cfg, drv, reg, fs, WithObserver(obs))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, []string{"1"}, drv.completedIDs())
	assert.Empty(t, drv.releaseCalls())
	assert.Empty(t, fs.records())
	assert.Equal(t, `{"id":"1"}`, payload.Load())

	st := w.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, uint64(1), st.Processed)
	assert.Equal(t, uint64(0), st.Failed)
	assert.Empty(t, st.CurrentJob)
	assert.False(t, st.StartedAt.IsZero())

	require.Len(t, obs.got, 1)
	assert.Equal(t, outcome{queue: "emails", name: "send", outcome: OutcomeCompleted}, obs.got[0])
}

func TestRetryThenSuccess(t *testing.T) {
	drv := newRecDriver()
	drv.push(newJob("1", "q", "flaky"))

	var calls atomic.Int32
	reg := mapRegistry{
		"flaky": handlerFunc(func(context.Context, []byte) error {
			if calls.Add(1) <= 2 {
				return stderr.New("temporary")
			}
			return nil
		}),
	}
	fs := &failedStore{}
	obs := &recObserver{}

	cfg := testConfig("q")
	cfg.Tries = 3
	cfg.StopOnEmpty = true
	w, err := New("w", cfg, drv, reg, fs, WithObserver(obs))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))

	rel := drv.releaseCalls()
	require.Len(t, rel, 2)
	for _, r := range rel {
		assert.Equal(t, "1", r.id)
		assert.Greater(t, r.delay, time.Duration(0))
	}
	assert.Equal(t, []string{"1"}, drv.completedIDs())
	assert.Empty(t, fs.records())
	assert.Equal(t, int32(3), calls.Load())

	st := w.Status()
	assert.Equal(t, uint64(1), st.Processed)
	assert.Equal(t, uint64(2), st.Released)
	assert.Equal(t, uint64(0), st.Failed)

	require.Len(t, obs.got, 3)
	assert.Equal(t, OutcomeReleased, obs.got[0].outcome)
	assert.Equal(t, OutcomeReleased, obs.got[1].outcome)
	assert.Equal(t, OutcomeCompleted, obs.got[2].outcome)
}

func TestExhaustedFailure(t *testing.T) {
	drv := newRecDriver()
	drv.push(newJob("1", "q", "broken"))

	var hooks atomic.Int32
	var hookErr atomic.Value
	reg := mapRegistry{
		"broken": &hookHandler{
			handle: func(context.Context, []byte) error {
				return stderr.New("boom")
			},
			hook: func(_ context.Context, p []byte, err error) error {
				hooks.Add(1)
				hookErr.Store(err.Error())
				return nil
			},
		},
	}
	fs := &failedStore{}

	cfg := testConfig("q")
	cfg.Tries = 2
	cfg.StopOnEmpty = true
	w, err := New("w", cfg, drv, reg, fs)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))

	require.Len(t, drv.releaseCalls(), 1)
	assert.Empty(t, drv.completedIDs())

	recs := fs.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "1", recs[0].ID)
	assert.Equal(t, "q", recs[0].Queue)
	assert.Equal(t, "broken", recs[0].Name)
	assert.Equal(t, 2, recs[0].Attempts)
	assert.Contains(t, recs[0].Error, "boom")
	assert.Equal(t, []byte(`{"id":"1"}`), recs[0].Payload)

	assert.Equal(t, int32(1), hooks.Load())
	assert.Equal(t, "boom", hookErr.Load())

	drv.mu.Lock()
	assert.Equal(t, []string{"1"}, drv.discarded)
	drv.mu.Unlock()

	st := w.Status()
	assert.Equal(t, uint64(1), st.Failed)
	assert.Equal(t, uint64(1), st.Released)
	assert.Equal(t, uint64(0), st.Processed)
}

func TestJobMaxAttemptsOverridesTries(t *testing.T) {
	drv := newRecDriver()
	jb := newJob("1", "q", "broken")
	jb.Options = &job.Options{MaxAttempts: 1}
	drv.push(jb)

	reg := mapRegistry{
		"broken": handlerFunc(func(context.Context, []byte) error {
			return stderr.New("boom")
		}),
	}
	fs := &failedStore{}

	cfg := testConfig("q")
	cfg.Tries = 5
	cfg.StopOnEmpty = true
	w, err := New("w", cfg, drv, reg, fs)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))

	assert.Empty(t, drv.releaseCalls())
	require.Len(t, fs.records(), 1)
	assert.Equal(t, 1, fs.records()[0].Attempts)
}

func TestUnknownHandlerFails(t *testing.T) {
	drv := newRecDriver()
	drv.push(newJob("1", "q", "missing"))
	fs := &failedStore{}

	cfg := testConfig("q")
	cfg.Tries = 1
	cfg.StopOnEmpty = true
	w, err := New("w", cfg, drv, mapRegistry{}, fs)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))

	recs := fs.records()
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Error, "missing")
}

func TestHandlerTimeout(t *testing.T) {
	drv := newRecDriver()
	jb := newJob("1", "q", "slow")
	jb.Options = &job.Options{Timeout: 50 * time.Millisecond}
	drv.push(jb)

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	reg := mapRegistry{
		// ignores its context on purpose
		"slow": handlerFunc(func(context.Context, []byte) error {
			<-block
			return nil
		}),
	}
	fs := &failedStore{}

	cfg := testConfig("q")
	cfg.Tries = 1
	cfg.StopOnEmpty = true
	w, err := New("w", cfg, drv, reg, fs)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, w.Start(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)

	recs := fs.records()
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Error, "timeout")
	assert.Empty(t, drv.completedIDs())
}

func TestHandlerPanic(t *testing.T) {
	drv := newRecDriver()
	drv.push(newJob("1", "q", "panics"), newJob("2", "q", "ok"))

	reg := mapRegistry{
		"panics": handlerFunc(func(context.Context, []byte) error {
			panic("oops")
		}),
		"ok": handlerFunc(func(context.Context, []byte) error {
			return nil
		}),
	}
	fs := &failedStore{}

	cfg := testConfig("q")
	cfg.Tries = 1
	cfg.StopOnEmpty = true
	w, err := New("w", cfg, drv, reg, fs)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))

	recs := fs.records()
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Error, "oops")
	assert.Equal(t, []string{"2"}, drv.completedIDs())
}

func TestFailureHookErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	drv := newRecDriver()
	drv.push(newJob("1", "q", "hook_err"), newJob("2", "q", "hook_panic"))

	reg := mapRegistry{
		"hook_err": &hookHandler{
			handle: func(context.Context, []byte) error { return stderr.New("boom") },
			hook: func(context.Context, []byte, error) error {
				return stderr.New("hook failed")
			},
		},
		"hook_panic": &hookHandler{
			handle: func(context.Context, []byte) error { return stderr.New("boom") },
			hook: func(context.Context, []byte, error) error {
				panic("hook panic")
			},
		},
	}
	fs := &failedStore{}

	cfg := testConfig("q")
	cfg.Tries = 1
	cfg.StopOnEmpty = true
	w, err := New("w", cfg, drv, reg, fs, WithLogger(zap.New(core)))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))

	assert.Len(t, fs.records(), 2)
	assert.Equal(t, 1, logs.FilterMessage("failure hook returned an error").Len())
	assert.Equal(t, 1, logs.FilterMessage("failure hook panicked").Len())
	assert.Equal(t, 2, logs.FilterMessage("job failed permanently").Len())
}

func TestPopErrorDoesNotStopTheWorker(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	drv := newRecDriver()
	drv.popErr["bad"] = stderr.New("connection refused")
	drv.push(newJob("1", "good", "ok"))

	reg := mapRegistry{
		"ok": handlerFunc(func(context.Context, []byte) error { return nil }),
	}

	cfg := testConfig("bad", "good")
	cfg.StopOnEmpty = true
	w, err := New("w", cfg, drv, reg, &failedStore{}, WithLogger(zap.New(core)))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, []string{"1"}, drv.completedIDs())
	assert.GreaterOrEqual(t, logs.FilterMessage("failed to pop a job").Len(), 1)
}

func TestQueueOrder(t *testing.T) {
	drv := newRecDriver()
	drv.push(
		newJob("low-1", "low", "ok"),
		newJob("low-2", "low", "ok"),
		newJob("high-1", "high", "ok"),
		newJob("high-2", "high", "ok"),
	)

	reg := mapRegistry{
		"ok": handlerFunc(func(context.Context, []byte) error { return nil }),
	}

	cfg := testConfig("high", "low")
	cfg.StopOnEmpty = true
	w, err := New("w", cfg, drv, reg, &failedStore{})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, []string{"high-1", "high-2", "low-1", "low-2"}, drv.completedIDs())
}

func TestMaxJobsIsExact(t *testing.T) {
	drv := newRecDriver()
	for i := 0; i < 20; i++ {
		drv.push(newJob(string(rune('a'+i)), "q", "ok"))
	}

	reg := mapRegistry{
		"ok": handlerFunc(func(context.Context, []byte) error {
			time.Sleep(2 * time.Millisecond)
			return nil
		}),
	}

	cfg := testConfig("q")
	cfg.Concurrency = 4
	cfg.MaxJobs = 5
	w, err := New("w", cfg, drv, reg, &failedStore{})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))

	assert.Len(t, drv.completedIDs(), 5)
	assert.Equal(t, uint64(5), w.Status().Processed)
	assert.Equal(t, StateStopped, w.Status().State)
}

func TestStopOnEmpty(t *testing.T) {
	drv := newRecDriver()
	cfg := testConfig("q")
	cfg.StopOnEmpty = true

	w, err := New("w", cfg, drv, mapRegistry{}, &failedStore{})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	assert.GreaterOrEqual(t, drv.totalPops(), 1)
	assert.Equal(t, uint64(0), w.Status().Processed)
}

func TestMaxTime(t *testing.T) {
	cfg := testConfig("q")
	cfg.MaxTime = 50 * time.Millisecond

	w, err := New("w", cfg, newRecDriver(), mapRegistry{}, &failedStore{})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, w.Start(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StateStopped, w.Status().State)
}

func TestContextCancelStops(t *testing.T) {
	w, err := New("w", testConfig("q"), newRecDriver(), mapRegistry{}, &failedStore{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := w.Serve(ctx)

	require.Eventually(t, func() bool {
		return w.Status().State == StateRunning
	}, time.Second, time.Millisecond)

	cancel()

	select {
	case err = <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
	assert.Equal(t, StateStopped, w.Status().State)
}

func TestCancelDoesNotAbortInFlightJob(t *testing.T) {
	drv := newRecDriver()
	drv.push(newJob("1", "q", "wait"))

	started := make(chan struct{})
	unblock := make(chan struct{})
	reg := mapRegistry{
		"wait": handlerFunc(func(ctx context.Context, _ []byte) error {
			close(started)
			<-unblock
			return ctx.Err()
		}),
	}

	w, err := New("w", testConfig("q"), drv, reg, &failedStore{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := w.Serve(ctx)

	<-started
	cancel()
	close(unblock)

	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"1"}, drv.completedIDs())
}

func TestStopIsIdempotent(t *testing.T) {
	w, err := New("w", testConfig("q"), newRecDriver(), mapRegistry{}, &failedStore{})
	require.NoError(t, err)

	// never started
	w.Stop()
	w.Stop()

	errCh := w.Serve(context.Background())
	w.Stop()
	w.Stop()

	select {
	case err = <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	w.Stop()
	assert.Equal(t, StateStopped, w.Status().State)
}

func TestRestart(t *testing.T) {
	drv := newRecDriver()
	w, err := New("w", testConfig("q"), drv, mapRegistry{}, &failedStore{})
	require.NoError(t, err)

	errCh := w.Serve(context.Background())

	// second start while running
	err = <-w.Serve(context.Background())
	require.Error(t, err)

	w.Stop()
	require.NoError(t, <-errCh)

	errCh = w.Serve(context.Background())
	assert.Equal(t, StateRunning, w.Status().State)
	w.Stop()
	require.NoError(t, <-errCh)
}

func TestPauseBlocksPops(t *testing.T) {
	drv := newRecDriver()
	w, err := New("w", testConfig("q"), drv, mapRegistry{}, &failedStore{})
	require.NoError(t, err)

	errCh := w.Serve(context.Background())
	t.Cleanup(func() {
		w.Stop()
		<-errCh
	})

	require.Eventually(t, func() bool {
		return drv.totalPops() > 0
	}, time.Second, time.Millisecond)

	w.Pause()
	assert.Equal(t, StatePaused, w.Status().State)

	// let the poll already in progress finish
	time.Sleep(20 * time.Millisecond)
	before := drv.totalPops()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, drv.totalPops())

	w.Resume()
	assert.Equal(t, StateRunning, w.Status().State)

	require.Eventually(t, func() bool {
		return drv.totalPops() > before
	}, time.Second, time.Millisecond)
}

func TestFailedReleaseIsNotCounted(t *testing.T) {
	drv := newRecDriver()
	drv.relErr = stderr.New("connection reset")
	drv.push(newJob("1", "q", "flaky"))

	core, logs := observer.New(zap.ErrorLevel)
	reg := mapRegistry{
		"flaky": handlerFunc(func(context.Context, []byte) error {
			return stderr.New("temporary")
		}),
	}
	obs := &recObserver{}
	fs := &failedStore{}

	cfg := testConfig("q")
	cfg.Tries = 3
	cfg.StopOnEmpty = true
	w, err := New("w", cfg, drv, reg, fs, WithObserver(obs), WithLogger(zap.New(core)))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))

	require.Len(t, drv.releaseCalls(), 1)
	assert.Empty(t, fs.records())

	st := w.Status()
	assert.Equal(t, uint64(0), st.Released)
	assert.Equal(t, uint64(0), st.Processed)
	assert.Equal(t, uint64(0), st.Failed)

	require.Len(t, obs.got, 1)
	assert.Equal(t, OutcomeReleaseFailed, obs.got[0].outcome)
	assert.Equal(t, 1, logs.FilterMessage("failed to release the job").Len())
}

func TestPauseStopsProcessingAvailableJobs(t *testing.T) {
	drv := newRecDriver()

	var handled atomic.Int32
	reg := mapRegistry{
		"send": handlerFunc(func(context.Context, []byte) error {
			handled.Add(1)
			return nil
		}),
	}

	w, err := New("w", testConfig("q"), drv, reg, &failedStore{})
	require.NoError(t, err)

	errCh := w.Serve(context.Background())
	t.Cleanup(func() {
		w.Stop()
		<-errCh
	})

	w.Pause()
	// let the poll already in progress finish
	time.Sleep(20 * time.Millisecond)

	drv.push(newJob("1", "q", "send"), newJob("2", "q", "send"), newJob("3", "q", "send"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(0), w.Status().Processed)
	assert.Equal(t, int32(0), handled.Load())

	w.Resume()
	require.Eventually(t, func() bool {
		return w.Status().Processed == 3
	}, time.Second, time.Millisecond)
}

func TestPauseResumeWhenStopped(t *testing.T) {
	w, err := New("w", testConfig("q"), newRecDriver(), mapRegistry{}, &failedStore{})
	require.NoError(t, err)

	w.Pause()
	assert.Equal(t, StateStopped, w.Status().State)
	w.Resume()
	assert.Equal(t, StateStopped, w.Status().State)
}

func TestStatusCurrentJob(t *testing.T) {
	drv := newRecDriver()
	drv.push(newJob("42", "q", "wait"))

	started := make(chan struct{})
	unblock := make(chan struct{})
	reg := mapRegistry{
		"wait": handlerFunc(func(context.Context, []byte) error {
			close(started)
			<-unblock
			return nil
		}),
	}

	w, err := New("w", testConfig("q"), drv, reg, &failedStore{})
	require.NoError(t, err)

	errCh := w.Serve(context.Background())
	<-started

	st := w.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, "42", st.CurrentJob)
	assert.Equal(t, []string{"42"}, st.CurrentJobs)
	assert.Equal(t, []string{"q"}, st.Queues)

	close(unblock)
	require.Eventually(t, func() bool {
		st := w.Status()
		return st.Processed == 1 && st.CurrentJob == ""
	}, time.Second, time.Millisecond)

	w.Stop()
	require.NoError(t, <-errCh)
}

func TestStateText(t *testing.T) {
	for st, want := range map[State]string{
		StateStopped: "stopped",
		StateRunning: "running",
		StatePaused:  "paused",
	} {
		b, err := st.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, want, string(b))
	}
}
