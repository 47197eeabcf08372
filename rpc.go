package jobworker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/job"
	"github.com/roadrunner-server/jobworker/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type rpc struct {
	p *Plugin
}

type Empty struct{}

type PushRequest struct {
	ID      string              `json:"id"`
	Queue   string              `json:"queue"`
	Job     string              `json:"job"`
	Payload []byte              `json:"payload"`
	Headers map[string][]string `json:"headers"`
	// Priority, lower is earlier
	Priority int64 `json:"priority"`
	// Delay in seconds
	Delay int64 `json:"delay"`
	// Timeout of one attempt in seconds
	Timeout     int64 `json:"timeout"`
	MaxAttempts int   `json:"max_attempts"`
}

type PushBatchRequest struct {
	Jobs []*PushRequest `json:"jobs"`
}

type Workers struct {
	Workers []string `json:"workers"`
}

type DeclareRequest struct {
	Name        string   `json:"name"`
	Queues      []string `json:"queues"`
	Concurrency int      `json:"concurrency"`
	Tries       int      `json:"tries"`
	MaxJobs     int      `json:"max_jobs"`
	// Timeout, Sleep and MaxTime are in seconds
	Timeout     int64 `json:"timeout"`
	Sleep       int64 `json:"sleep"`
	MaxTime     int64 `json:"max_time"`
	StopOnEmpty bool  `json:"stop_on_empty"`
	Start       bool  `json:"start"`
}

type Stat struct {
	Worker      string   `json:"worker"`
	State       string   `json:"state"`
	Queues      []string `json:"queues"`
	Concurrency int      `json:"concurrency"`
	Processed   uint64   `json:"processed"`
	Failed      uint64   `json:"failed"`
	Released    uint64   `json:"released"`
	CurrentJobs []string `json:"current_jobs"`
	// Uptime in seconds
	Uptime int64 `json:"uptime"`
}

type Stats struct {
	Stats []*Stat `json:"stats"`
}

type FailedRequest struct {
	Limit int `json:"limit"`
}

type FailedJobs struct {
	Jobs []*job.FailedJob `json:"jobs"`
}

type FailedIDs struct {
	IDs []string `json:"ids"`
}

func (r *rpc) Push(j *PushRequest, _ *Empty) error {
	const op = errors.Op("rpc_push")

	if j.ID == "" {
		return errors.E(op, errors.Str("empty ID field not allowed"))
	}

	ctx, span := r.p.tracer.Tracer(spanName).Start(rpcContextFromHeaders(j.Headers), "push", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	err := r.p.Push(ctx, from(j))
	if err != nil {
		span.SetAttributes(attribute.KeyValue{
			Key:   "error",
			Value: attribute.StringValue(err.Error()),
		})
		return errors.E(op, err)
	}

	return nil
}

func (r *rpc) PushBatch(j *PushBatchRequest, _ *Empty) error {
	const op = errors.Op("rpc_push_batch")

	ctx, span := r.p.tracer.Tracer(spanName).Start(rpcContextFromJobs(j.Jobs), "push_batch", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	batch := make([]*job.Job, 0, len(j.Jobs))
	for i := range j.Jobs {
		if j.Jobs[i] == nil {
			continue
		}
		if j.Jobs[i].ID == "" {
			return errors.E(op, errors.Str("empty ID field not allowed"))
		}
		batch = append(batch, from(j.Jobs[i]))
	}

	err := r.p.PushBatch(ctx, batch)
	if err != nil {
		span.SetAttributes(attribute.KeyValue{
			Key:   "error",
			Value: attribute.StringValue(err.Error()),
		})
		return errors.E(op, err)
	}

	return nil
}

func (r *rpc) Pause(req *Workers, _ *Empty) error {
	for i := range req.Workers {
		_, span := r.p.tracer.Tracer(spanName).Start(context.Background(), "pause_worker", trace.WithSpanKind(trace.SpanKindServer))
		err := r.p.Pause(req.Workers[i])
		if err != nil {
			span.SetAttributes(attribute.KeyValue{
				Key:   "error",
				Value: attribute.StringValue(err.Error()),
			})

			span.End()
			return err
		}
		span.End()
	}

	return nil
}

func (r *rpc) Resume(req *Workers, _ *Empty) error {
	_, span := r.p.tracer.Tracer(spanName).Start(context.Background(), "resume_worker", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	for i := range req.Workers {
		err := r.p.Resume(req.Workers[i])
		if err != nil {
			span.SetAttributes(attribute.KeyValue{
				Key:   "error",
				Value: attribute.StringValue(err.Error()),
			})
			return err
		}
	}

	return nil
}

func (r *rpc) List(_ *Empty, resp *Workers) error {
	_, span := r.p.tracer.Tracer(spanName).Start(context.Background(), "list_workers", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	resp.Workers = r.p.List()
	return nil
}

// Declare adds a worker at runtime.
// Mandatory fields:
// 1. Worker name
// Queues default to the worker name, other settings to the configured defaults.
func (r *rpc) Declare(req *DeclareRequest, _ *Empty) error {
	const op = errors.Op("rpc_declare_worker")

	_, span := r.p.tracer.Tracer(spanName).Start(context.Background(), "declare_worker", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	cfg := worker.Config{
		Queues:      req.Queues,
		Concurrency: req.Concurrency,
		Tries:       req.Tries,
		MaxJobs:     req.MaxJobs,
		Timeout:     time.Second * time.Duration(req.Timeout),
		Sleep:       time.Second * time.Duration(req.Sleep),
		MaxTime:     time.Second * time.Duration(req.MaxTime),
		StopOnEmpty: req.StopOnEmpty,
	}

	err := r.p.Declare(req.Name, cfg, req.Start)
	if err != nil {
		span.SetAttributes(attribute.KeyValue{
			Key:   "error",
			Value: attribute.StringValue(err.Error()),
		})
		return errors.E(op, err)
	}

	return nil
}

func (r *rpc) Destroy(req *Workers, resp *Workers) error {
	const op = errors.Op("rpc_destroy_worker")

	mu := sync.Mutex{}

	errg := errgroup.Group{}
	errg.SetLimit(r.p.cfg.Parallelism)

	var destroyed []string
	for i := range req.Workers {
		errg.Go(func() error {
			ctx, span := r.p.tracer.Tracer(spanName).Start(context.Background(), "destroy_worker", trace.WithSpanKind(trace.SpanKindServer))
			err := r.p.Destroy(ctx, req.Workers[i])

			if err != nil {
				span.SetAttributes(attribute.KeyValue{
					Key:   "error",
					Value: attribute.StringValue(err.Error()),
				})
				span.End()
				return errors.E(op, err)
			}
			mu.Lock()
			destroyed = append(destroyed, req.Workers[i])
			mu.Unlock()
			span.End()
			return nil
		})
	}

	err := errg.Wait()
	// return destroyed workers
	resp.Workers = destroyed
	if err != nil {
		return err
	}

	return nil
}

func (r *rpc) Stat(_ *Empty, resp *Stats) error {
	_, span := r.p.tracer.Tracer(spanName).Start(context.Background(), "stat", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	names := r.p.List()
	for i := range names {
		st, ok := r.p.WorkerStatus(names[i])
		if !ok {
			// destroyed in between
			continue
		}

		resp.Stats = append(resp.Stats, toStat(st))
	}

	return nil
}

func (r *rpc) ListFailed(req *FailedRequest, resp *FailedJobs) error {
	const op = errors.Op("rpc_list_failed")

	ctx, cancel := context.WithTimeout(context.Background(), r.p.cfg.Timeout)
	defer cancel()

	ctx, span := r.p.tracer.Tracer(spanName).Start(ctx, "list_failed", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	recs, err := r.p.ListFailed(ctx, req.Limit)
	if err != nil {
		span.SetAttributes(attribute.KeyValue{
			Key:   "error",
			Value: attribute.StringValue(err.Error()),
		})
		return errors.E(op, err)
	}

	resp.Jobs = recs
	return nil
}

// RetryFailed pushes failed jobs back, resp contains the ids which were retried.
func (r *rpc) RetryFailed(req *FailedIDs, resp *FailedIDs) error {
	const op = errors.Op("rpc_retry_failed")

	ctx, cancel := context.WithTimeout(context.Background(), r.p.cfg.Timeout)
	defer cancel()

	ctx, span := r.p.tracer.Tracer(spanName).Start(ctx, "retry_failed", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	for i := range req.IDs {
		err := r.p.RetryFailed(ctx, req.IDs[i])
		if err != nil {
			span.SetAttributes(attribute.KeyValue{
				Key:   "error",
				Value: attribute.StringValue(err.Error()),
			})
			return errors.E(op, err)
		}
		resp.IDs = append(resp.IDs, req.IDs[i])
	}

	return nil
}

func toStat(st worker.Status) *Stat {
	return &Stat{
		Worker:      st.Name,
		State:       st.State.String(),
		Queues:      st.Queues,
		Concurrency: st.Concurrency,
		Processed:   st.Processed,
		Failed:      st.Failed,
		Released:    st.Released,
		CurrentJobs: st.CurrentJobs,
		Uptime:      int64(st.Uptime.Seconds()),
	}
}

// from converts from transport entity to domain
func from(j *PushRequest) *job.Job {
	return &job.Job{
		Ident: j.ID,
		Q:     j.Queue,
		Job:   j.Job,
		Pld:   j.Payload,
		Hdr:   j.Headers,
		Options: &job.Options{
			Priority:    j.Priority,
			Delay:       time.Second * time.Duration(j.Delay),
			Timeout:     time.Second * time.Duration(j.Timeout),
			MaxAttempts: j.MaxAttempts,
		},
	}
}

// rpcContextFromHeaders extracts the trace context sent by the producer. Header
// names are matched case-insensitively.
func rpcContextFromHeaders(headers map[string][]string) context.Context {
	if len(headers) == 0 {
		return context.Background()
	}

	hdr := make(http.Header, len(headers))
	for k, v := range headers {
		for i := range v {
			if v[i] == "" {
				continue
			}
			hdr.Add(k, v[i])
		}
	}

	return otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(hdr))
}

// rpcContextFromJobs uses the first job carrying a valid trace context.
func rpcContextFromJobs(jobs []*PushRequest) context.Context {
	for i := range jobs {
		if jobs[i] == nil {
			continue
		}

		ctx := rpcContextFromHeaders(jobs[i].Headers)
		if trace.SpanContextFromContext(ctx).IsValid() {
			return ctx
		}
	}

	return context.Background()
}
