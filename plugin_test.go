package jobworker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/internal/config"
	"github.com/roadrunner-server/jobworker/internal/logger"
	"github.com/roadrunner-server/jobworker/job"
	"github.com/roadrunner-server/jobworker/registry"
	"github.com/roadrunner-server/jobworker/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const pluginYAML = `
jobworker:
  driver: memory
  timeout: 5s
  defaults:
    sleep: 10ms
    tries: 2
  backoff:
    strategy: constant
    base: 1ms
  workers:
    emails:
      queues: [emails]
      concurrency: 2
    reports:
      queues: [reports]
`

func initPlugin(t *testing.T, yaml string) *Plugin {
	t.Helper()

	cfg, err := config.NewFromBytes([]byte(yaml))
	require.NoError(t, err)

	p := &Plugin{}
	require.NoError(t, p.Init(cfg, logger.Wrap(zaptest.NewLogger(t))))

	return p
}

func servePlugin(t *testing.T, p *Plugin) {
	t.Helper()

	errCh := p.Serve()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	default:
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
}

func TestInitDisabled(t *testing.T) {
	cfg, err := config.NewFromBytes([]byte("http:\n  address: 127.0.0.1:8080\n"))
	require.NoError(t, err)

	p := &Plugin{}
	err = p.Init(cfg, logger.Wrap(zaptest.NewLogger(t)))
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Disabled, err))
}

func TestInitUnknownDriver(t *testing.T) {
	cfg, err := config.NewFromBytes([]byte("jobworker:\n  driver: kafka\n"))
	require.NoError(t, err)

	p := &Plugin{}
	require.Error(t, p.Init(cfg, logger.Wrap(zaptest.NewLogger(t))))
}

func TestPluginProcessesPushedJobs(t *testing.T) {
	p := initPlugin(t, pluginYAML)

	var handled atomic.Int64
	require.NoError(t, p.Register("send", registry.HandlerFunc(func(_ context.Context, payload []byte) error {
		assert.Equal(t, []byte(`{"to":"a@b.c"}`), payload)
		handled.Add(1)
		return nil
	})))

	servePlugin(t, p)

	r := p.RPC().(*rpc)
	require.NoError(t, r.Push(&PushRequest{ID: "1", Queue: "emails", Job: "send", Payload: []byte(`{"to":"a@b.c"}`)}, &Empty{}))
	require.NoError(t, r.PushBatch(&PushBatchRequest{Jobs: []*PushRequest{
		{ID: "2", Queue: "emails", Job: "send", Payload: []byte(`{"to":"a@b.c"}`)},
		nil,
		{ID: "3", Queue: "emails", Job: "send", Payload: []byte(`{"to":"a@b.c"}`)},
	}}, &Empty{}))

	require.Eventually(t, func() bool {
		return handled.Load() == 3
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		st, ok := p.WorkerStatus("emails")
		return ok && st.Processed == 3
	}, 5*time.Second, 10*time.Millisecond)

	// no ID
	require.Error(t, r.Push(&PushRequest{Queue: "emails", Job: "send"}, &Empty{}))

	stats := &Stats{}
	require.NoError(t, r.Stat(&Empty{}, stats))
	require.Len(t, stats.Stats, 2)
	assert.Equal(t, "emails", stats.Stats[0].Worker)
	assert.Equal(t, "running", stats.Stats[0].State)
	assert.Equal(t, uint64(3), stats.Stats[0].Processed)
	assert.Equal(t, 2, stats.Stats[0].Concurrency)
	assert.Equal(t, "reports", stats.Stats[1].Worker)
}

func TestPluginConsumeList(t *testing.T) {
	p := initPlugin(t, pluginYAML+"  consume: [reports, missing]\n")
	servePlugin(t, p)

	st := p.Status()
	require.Len(t, st, 2)
	assert.Equal(t, worker.StateStopped, st["emails"].State)
	assert.Equal(t, worker.StateRunning, st["reports"].State)
}

func TestPluginPauseResume(t *testing.T) {
	p := initPlugin(t, pluginYAML)

	var handled atomic.Int64
	require.NoError(t, p.Register("report", registry.HandlerFunc(func(context.Context, []byte) error {
		handled.Add(1)
		return nil
	})))

	servePlugin(t, p)
	r := p.RPC().(*rpc)

	require.NoError(t, r.Pause(&Workers{Workers: []string{"reports"}}, &Empty{}))
	st, ok := p.WorkerStatus("reports")
	require.True(t, ok)
	assert.Equal(t, worker.StatePaused, st.State)

	require.NoError(t, p.Push(context.Background(), newPluginJob("r1", "reports", "report")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), handled.Load())

	require.NoError(t, r.Resume(&Workers{Workers: []string{"reports"}}, &Empty{}))
	require.Eventually(t, func() bool {
		return handled.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Error(t, p.Pause("missing"))
	require.Error(t, r.Resume(&Workers{Workers: []string{"missing"}}, &Empty{}))

	list := &Workers{}
	require.NoError(t, r.List(&Empty{}, list))
	assert.Equal(t, []string{"emails", "reports"}, list.Workers)
}

func TestPluginDeclareDestroy(t *testing.T) {
	p := initPlugin(t, pluginYAML)

	var handled atomic.Int64
	require.NoError(t, p.Register("resize", registry.HandlerFunc(func(context.Context, []byte) error {
		handled.Add(1)
		return nil
	})))

	servePlugin(t, p)
	r := p.RPC().(*rpc)

	require.NoError(t, r.Declare(&DeclareRequest{Name: "images", Start: true}, &Empty{}))
	require.Error(t, r.Declare(&DeclareRequest{Name: "images"}, &Empty{}))

	st, ok := p.WorkerStatus("images")
	require.True(t, ok)
	assert.Equal(t, []string{"images"}, st.Queues)
	assert.Equal(t, worker.StateRunning, st.State)

	require.NoError(t, p.Push(context.Background(), newPluginJob("i1", "images", "resize")))
	require.Eventually(t, func() bool {
		return handled.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	resp := &Workers{}
	require.NoError(t, r.Destroy(&Workers{Workers: []string{"images"}}, resp))
	assert.Equal(t, []string{"images"}, resp.Workers)

	_, ok = p.WorkerStatus("images")
	assert.False(t, ok)

	resp = &Workers{}
	require.Error(t, r.Destroy(&Workers{Workers: []string{"images"}}, resp))
	assert.Empty(t, resp.Workers)
}

func TestPluginFailedJobs(t *testing.T) {
	p := initPlugin(t, pluginYAML)

	var healthy atomic.Bool
	var handled atomic.Int64
	require.NoError(t, p.Register("send", registry.HandlerFunc(func(context.Context, []byte) error {
		if !healthy.Load() {
			return errors.Str("smtp is down")
		}
		handled.Add(1)
		return nil
	})))

	servePlugin(t, p)
	r := p.RPC().(*rpc)

	require.NoError(t, p.Push(context.Background(), newPluginJob("f1", "emails", "send")))

	failedJobs := &FailedJobs{}
	require.Eventually(t, func() bool {
		failedJobs = &FailedJobs{}
		return r.ListFailed(&FailedRequest{}, failedJobs) == nil && len(failedJobs.Jobs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec := failedJobs.Jobs[0]
	assert.Equal(t, "f1", rec.ID)
	assert.Equal(t, "emails", rec.Queue)
	assert.Equal(t, 2, rec.Attempts)
	assert.Contains(t, rec.Error, "smtp is down")

	require.Eventually(t, func() bool {
		st, _ := p.WorkerStatus("emails")
		return st.Failed == 1 && st.Released == 1
	}, 5*time.Second, 10*time.Millisecond)

	healthy.Store(true)

	retried := &FailedIDs{}
	require.NoError(t, r.RetryFailed(&FailedIDs{IDs: []string{"f1"}}, retried))
	assert.Equal(t, []string{"f1"}, retried.IDs)

	require.Eventually(t, func() bool {
		return handled.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	failedJobs = &FailedJobs{}
	require.NoError(t, r.ListFailed(&FailedRequest{}, failedJobs))
	assert.Empty(t, failedJobs.Jobs)

	require.Error(t, r.RetryFailed(&FailedIDs{IDs: []string{"f1"}}, &FailedIDs{}))
}

func TestPluginMetrics(t *testing.T) {
	p := initPlugin(t, pluginYAML)
	require.NoError(t, p.Register("send", registry.HandlerFunc(func(context.Context, []byte) error {
		return nil
	})))
	servePlugin(t, p)

	reg := prometheus.NewRegistry()
	reg.MustRegister(p.MetricsCollector()...)

	require.NoError(t, p.Push(context.Background(), newPluginJob("m1", "emails", "send")))
	require.Eventually(t, func() bool {
		return gatherValue(t, reg, "jobworker_jobs_ok") == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, float64(1), gatherValue(t, reg, "jobworker_push_ok"))
	assert.Equal(t, float64(0), gatherValue(t, reg, "jobworker_push_err"))
	assert.Equal(t, float64(2), gatherValue(t, reg, "jobworker_total_workers"))
	assert.Equal(t, float64(1), gatherValue(t, reg, "jobworker_worker_processed", "worker", "emails"))
	assert.Equal(t, float64(1), gatherValue(t, reg, "jobworker_jobs_total", "worker", "emails", "outcome", string(worker.OutcomeCompleted)))
	assert.Equal(t, float64(1), gatherValue(t, reg, "jobworker_requests_total", "queue", "emails", "source", "single"))
	assert.Equal(t, float64(1), gatherValue(t, reg, "jobworker_worker_state", "worker", "reports", "state", "running"))
}

func TestPluginNotServing(t *testing.T) {
	p := initPlugin(t, pluginYAML)

	require.Error(t, p.Pause("emails"))
	require.Error(t, p.Declare("images", worker.Config{}, false))
	require.Error(t, p.Push(context.Background(), newPluginJob("1", "emails", "send")))
	assert.Nil(t, p.List())
	assert.Nil(t, p.Status())
}

func TestFromPushRequest(t *testing.T) {
	jb := from(&PushRequest{
		ID:          "1",
		Queue:       "emails",
		Job:         "send",
		Payload:     []byte("{}"),
		Headers:     map[string][]string{"x-tenant": {"acme"}},
		Priority:    3,
		Delay:       2,
		Timeout:     30,
		MaxAttempts: 5,
	})

	if jb.ID() != "1" || jb.Queue() != "emails" || jb.Name() != "send" {
		t.Fatalf("unexpected job identity: %s %s %s", jb.ID(), jb.Queue(), jb.Name())
	}

	if jb.Priority() != 3 {
		t.Fatalf("unexpected priority, got %d", jb.Priority())
	}

	if jb.Delay() != 2*time.Second || jb.Timeout() != 30*time.Second {
		t.Fatalf("unexpected durations, delay %s, timeout %s", jb.Delay(), jb.Timeout())
	}

	if jb.MaxAttempts() != 5 {
		t.Fatalf("unexpected max attempts, got %d", jb.MaxAttempts())
	}

	if jb.Headers()["x-tenant"][0] != "acme" {
		t.Fatal("headers were not copied")
	}
}

func newPluginJob(id, queue, name string) *job.Job {
	return &job.Job{Ident: id, Q: queue, Job: name, Pld: []byte("{}")}
}

func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()

	mfs, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}

		for _, m := range mf.GetMetric() {
			if !hasLabels(m, labels) {
				continue
			}

			switch {
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			}
		}
	}

	return -1
}

func hasLabels(m *dto.Metric, labels []string) bool {
	for i := 0; i+1 < len(labels); i += 2 {
		found := false
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
