package worker

import (
	"time"
)

// State of the worker lifecycle.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome of a single job attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeReleased  Outcome = "released"
	OutcomeFailed    Outcome = "failed"
	// OutcomeReleaseFailed is an attempt which failed and could not be handed back to the driver
	OutcomeReleaseFailed Outcome = "release_failed"
)

// Status is a point-in-time snapshot of the worker.
type Status struct {
	Name        string        `json:"name"`
	State       State         `json:"state"`
	Queues      []string      `json:"queues"`
	Concurrency int           `json:"concurrency"`
	Processed   uint64        `json:"processed"`
	Failed      uint64        `json:"failed"`
	Released    uint64        `json:"released"`
	CurrentJob  string        `json:"current_job,omitempty"`
	CurrentJobs []string      `json:"current_jobs,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	Uptime      time.Duration `json:"uptime"`
}

// Observer is notified after every job attempt.
type Observer interface {
	JobProcessed(worker, queue, name string, outcome Outcome, elapsed time.Duration)
}
