package job

import (
	"context"
	"time"
)

// Driver is the queue storage the worker pops jobs from.
type Driver interface {
	// Pop reserves the next available job of the queue. It must not block and
	// returns (nil, nil) when the queue is empty.
	Pop(ctx context.Context, queue string) (*Job, error)
	// Complete acknowledges successful processing and removes the job.
	Complete(ctx context.Context, j *Job) error
	// Release puts the job back, it becomes available again after delay.
	Release(ctx context.Context, j *Job, delay time.Duration) error
}

// Discarder is implemented by drivers which need to be told that a reserved
// job failed permanently and will never be completed or released.
type Discarder interface {
	Discard(ctx context.Context, j *Job) error
}

// Pusher is implemented by drivers accepting new jobs.
type Pusher interface {
	Push(ctx context.Context, j *Job) error
}

// Handler executes one job payload.
type Handler interface {
	Handle(ctx context.Context, payload []byte) error
}

// FailureHandler is an optional hook of a Handler, invoked once the job failed permanently.
type FailureHandler interface {
	OnFailure(ctx context.Context, payload []byte, err error) error
}

// Registry maps job names to handlers.
type Registry interface {
	// Dispatch executes the handler registered for the job name.
	Dispatch(ctx context.Context, j *Job) error
	// Handler returns the handler registered under name.
	Handler(name string) (Handler, bool)
}

// FailedJobRepository persists permanently failed jobs.
type FailedJobRepository interface {
	Store(ctx context.Context, rec *FailedJob) error
}
