package job

import (
	"time"
)

// FailedJob is the permanent record of a job which exhausted its retry budget.
type FailedJob struct {
	ID       string              `json:"id"`
	Queue    string              `json:"queue"`
	Name     string              `json:"job"`
	Payload  []byte              `json:"payload"`
	Headers  map[string][]string `json:"headers,omitempty"`
	Error    string              `json:"error"`
	Attempts int                 `json:"attempts"`
	FailedAt time.Time           `json:"failed_at"`
}

// NewFailedJob builds the record for j failed with cause.
func NewFailedJob(j *Job, cause error) *FailedJob {
	rec := &FailedJob{
		ID:       j.ID(),
		Queue:    j.Queue(),
		Name:     j.Name(),
		Payload:  j.Payload(),
		Headers:  j.Headers(),
		Attempts: j.Attempts(),
		FailedAt: time.Now().UTC(),
	}

	if cause != nil {
		rec.Error = cause.Error()
	}

	return rec
}
