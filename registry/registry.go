// Package registry maps job names to handlers.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/job"
)

var _ job.Registry = (*Registry)(nil)

// HandlerFunc adapts a function to job.Handler.
type HandlerFunc func(ctx context.Context, payload []byte) error

func (f HandlerFunc) Handle(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// FailureFunc is called once a job failed permanently.
type FailureFunc func(ctx context.Context, payload []byte, err error) error

type hooked struct {
	job.Handler
	hook FailureFunc
}

func (h *hooked) OnFailure(ctx context.Context, payload []byte, err error) error {
	return h.hook(ctx, payload, err)
}

// WithFailureHook attaches hook to h.
func WithFailureHook(h job.Handler, hook FailureFunc) job.Handler {
	if hook == nil {
		return h
	}

	return &hooked{Handler: h, hook: hook}
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]job.Handler
}

func New() *Registry {
	return &Registry{
		handlers: make(map[string]job.Handler),
	}
}

// Register binds h to the job name, names can't be registered twice.
func (r *Registry) Register(name string, h job.Handler) error {
	const op = errors.Op("registry_register")

	if name == "" {
		return errors.E(op, errors.Str("job name should not be empty"))
	}
	if h == nil {
		return errors.E(op, errors.Errorf("nil handler for job: %s", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[name]; ok {
		return errors.E(op, errors.Errorf("handler already registered for job: %s", name))
	}

	r.handlers[name] = h
	return nil
}

func (r *Registry) RegisterFunc(name string, fn HandlerFunc) error {
	if fn == nil {
		return r.Register(name, nil)
	}

	return r.Register(name, fn)
}

func (r *Registry) Handler(name string) (job.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	return h, ok
}

// Dispatch executes the handler registered for the job name with the job payload.
func (r *Registry) Dispatch(ctx context.Context, j *job.Job) error {
	const op = errors.Op("registry_dispatch")

	h, ok := r.Handler(j.Name())
	if !ok {
		return errors.E(op, errors.Errorf("no handler registered for job: %s", j.Name()))
	}

	return h.Handle(ctx, j.Payload())
}

// Names returns sorted registered job names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)

	return out
}
