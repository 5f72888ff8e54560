// Package domain defines the core entities of the job dispatcher: job
// specifications, job instances, queues, workers, and their assignments.
package domain

import "time"

// JobStatus is the lifecycle state of a Job instance.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is an absorbing terminal state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// JobSpecification is a reusable job template.
type JobSpecification struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"` // unique
	Description string    `json:"description"`
	Command     string    `json:"command"` // trailing newlines stripped at save
	Callback    *Callback `json:"callback,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Callback configures an outbound webhook notified of a job's lifecycle
// events. Events is the subset of job_completed/job_failed/job_cancelled to
// deliver; empty means all terminal events. Key, if set, HMAC-signs the
// delivered CloudEvents envelope.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"`
}

// Wants reports whether the callback should fire for the given terminal event name.
func (c *Callback) Wants(event string) bool {
	if c == nil {
		return false
	}
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Job is one execution attempt of a JobSpecification.
type Job struct {
	ID             string         `json:"id"`
	SpecName       string         `json:"spec_name"` // copied from the spec at creation time
	Status         JobStatus      `json:"status"`
	Progress       int            `json:"progress"` // 0-100, monotonic while Running
	CreatedBy      string         `json:"created_by"`
	QueueName      string         `json:"queue_name"`
	AssignedWorker string         `json:"assigned_worker"` // empty until dispatch
	RuntimeArgs    map[string]any `json:"runtime_args"`
	Result         map[string]any `json:"result"` // set on terminal
	ErrorMessage   string         `json:"error_message"`
	Callback       *Callback      `json:"callback,omitempty"` // copied from the spec at creation time
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Movable reports whether the job may be moved to a different queue: only
// a Pending job may be moved.
func (j *Job) Movable() bool {
	return j.Status == JobPending
}

// Retryable reports whether the job may be retried: terminal and not Completed.
func (j *Job) Retryable() bool {
	return j.Status.Terminal() && j.Status != JobCompleted
}

// Cancellable reports whether the job may still be cancelled directly
// (Pending) or forwarded a cancel request (Running). Terminal jobs are not.
func (j *Job) Cancellable() bool {
	return !j.Status.Terminal()
}
