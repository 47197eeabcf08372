package job

import (
	"time"
)

const (
	// DefaultPriority is used by drivers which order jobs by priority when
	// the job does not carry its own.
	DefaultPriority int64 = 10
)

type Job struct {
	// Ident is unique identifier of the job, assigned by the producer or the driver
	Ident string `json:"id"`

	// Q is the name of the queue the job was pushed to
	Q string `json:"queue"`

	// Job contains name of the handler the registry dispatches to.
	Job string `json:"job"`

	// Pld is the raw payload (usually JSON) passed to the handler.
	Pld []byte `json:"payload"`

	// Hdr with key-value pairs
	Hdr map[string][]string `json:"headers,omitempty"`

	// Options contains set of options specific to job execution. Can be empty.
	Options *Options `json:"options,omitempty"`
}

// Options carry information about how to handle given job.
type Options struct {
	// Priority is job priority, default - 10
	Priority int64 `json:"priority"`

	// Timeout is the hard deadline of one attempt, zero means the worker default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Attempts made so far, including the one currently running. Drivers increment it on pop.
	Attempts int `json:"attempts"`

	// MaxAttempts is the retry budget, zero means the worker default.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// RetryAfter is the delay the driver recorded on the last release.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Delay defines time duration to delay the first execution for. Defaults to none.
	Delay time.Duration `json:"delay,omitempty"`
}

func (j *Job) ID() string {
	return j.Ident
}

func (j *Job) Queue() string {
	return j.Q
}

func (j *Job) Name() string {
	return j.Job
}

func (j *Job) Payload() []byte {
	return j.Pld
}

func (j *Job) Headers() map[string][]string {
	return j.Hdr
}

func (j *Job) Priority() int64 {
	if j.Options == nil || j.Options.Priority == 0 {
		return DefaultPriority
	}

	return j.Options.Priority
}

func (j *Job) Timeout() time.Duration {
	if j.Options == nil {
		return 0
	}

	return j.Options.Timeout
}

func (j *Job) Attempts() int {
	if j.Options == nil {
		return 0
	}

	return j.Options.Attempts
}

func (j *Job) MaxAttempts() int {
	if j.Options == nil {
		return 0
	}

	return j.Options.MaxAttempts
}

func (j *Job) RetryAfter() time.Duration {
	if j.Options == nil {
		return 0
	}

	return j.Options.RetryAfter
}

func (j *Job) Delay() time.Duration {
	if j.Options == nil {
		return 0
	}

	return j.Options.Delay
}

// Attempt records one more delivery of the job. Used by drivers on pop.
func (j *Job) Attempt() {
	if j.Options == nil {
		j.Options = &Options{}
	}

	j.Options.Attempts++
}

// UpdateRetryAfter is used by drivers to record the delay given on release.
func (j *Job) UpdateRetryAfter(d time.Duration) {
	if j.Options == nil {
		j.Options = &Options{}
	}

	j.Options.RetryAfter = d
}

// Clone returns a deep copy, drivers hand out clones so the worker never shares
// memory with the driver's own bookkeeping.
func (j *Job) Clone() *Job {
	cp := &Job{
		Ident: j.Ident,
		Q:     j.Q,
		Job:   j.Job,
	}

	if j.Pld != nil {
		cp.Pld = make([]byte, len(j.Pld))
		copy(cp.Pld, j.Pld)
	}

	if j.Hdr != nil {
		cp.Hdr = make(map[string][]string, len(j.Hdr))
		for k, v := range j.Hdr {
			cp.Hdr[k] = append([]string(nil), v...)
		}
	}

	if j.Options != nil {
		o := *j.Options
		cp.Options = &o
	}

	return cp
}
