// Package joblifecycle implements the Job Lifecycle Controller: job state
// transitions, cancel/retry/move, and spec CRUD guard conditions. A thin,
// stateless service wrapping a storage dependency, with a
// validate-then-persist pattern and the apperrors taxonomy for guard
// conditions.
package joblifecycle

import (
	"context"
	"dispatchcore/internal/apperrors"
	"dispatchcore/internal/dispatcher"
	"dispatchcore/internal/domain"
	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/observability"
	"dispatchcore/internal/repository"
	"dispatchcore/pkg/cloudevent"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Validation limits for incoming spec/job fields.
const (
	maxNameLength      = 128
	maxCommandLength   = 16384
	maxArgsEntries     = 64
	maxArgKeyLength    = 64
	maxCallbackEvents  = 16
	maxCallbackURLSize = 2048
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Controller implements the Job Lifecycle Controller's operations.
type Controller struct {
	repo      repository.Repository
	hub       *eventbus.Hub
	tails     *eventbus.TailStore
	metrics   *observability.Metrics
	callbacks dispatcher.Dispatcher // optional: nil means callbacks are never dispatched
}

// NewController creates a Controller over repo, publishing job_update events
// to hub and log_line events/tails to tails.
func NewController(repo repository.Repository, hub *eventbus.Hub, tails *eventbus.TailStore, metrics *observability.Metrics) *Controller {
	return &Controller{repo: repo, hub: hub, tails: tails, metrics: metrics}
}

// SetCallbackDispatcher wires the outbound webhook dispatcher used to notify
// a job's registered Callback of terminal/cancellation events. Call once
// during startup; without it, jobs with a Callback simply never get one,
// the same "optional dependency, injected late" pattern SetLogStreaming uses.
func (c *Controller) SetCallbackDispatcher(d dispatcher.Dispatcher) {
	c.callbacks = d
}

// dispatchCallback delivers eventType to job.Callback.URL, if the job has one
// and it's subscribed to eventType.
func (c *Controller) dispatchCallback(job *domain.Job, eventType string) {
	if c.callbacks == nil || job.Callback == nil || job.Callback.URL == "" {
		return
	}
	if !job.Callback.Wants(eventType) {
		return
	}
	payload := cloudevent.New(eventType, "dispatchcore/orchestratord", job.ID, uuid.NewString(), map[string]any{
		"job_id":        job.ID,
		"spec_name":     job.SpecName,
		"status":        string(job.Status),
		"error_message": job.ErrorMessage,
	})
	if err := c.callbacks.Dispatch(&dispatcher.Event{
		Payload:     payload,
		Destination: job.Callback.URL,
		SigningKey:  job.Callback.Key,
	}); err != nil {
		slog.Warn("callback dispatch failed", "job", job.ID, "event", eventType, "error", err)
	}
}

// LogStreamSink adapts a Controller to internal/transport's LogSink
// interface (satisfied structurally; this package does not import
// transport) so a worker's SSE log stream can be applied directly to a
// job's tail buffer and persisted terminal status.
type LogStreamSink struct {
	c *Controller
}

// LogSink returns a LogStreamSink bound to this controller.
func (c *Controller) LogSink() *LogStreamSink {
	return &LogStreamSink{c: c}
}

// AppendLogLine appends one streamed line to the job's tail and publishes
// it on the job's topic.
func (s *LogStreamSink) AppendLogLine(jobID, line string) {
	if s.c.tails != nil {
		s.c.tails.Append(jobID, line)
	}
	if s.c.hub != nil {
		s.c.hub.Publish("job:"+jobID, "log_line", line)
	}
}

// ApplyTerminal persists the worker-reported terminal status for jobID.
func (s *LogStreamSink) ApplyTerminal(ctx context.Context, jobID, status, errorMessage string) error {
	_, err := s.c.ApplyTerminal(ctx, jobID, domain.JobStatus(status), nil, errorMessage)
	return err
}

// Run creates a Pending job bound to queue (or the default queue if queue is
// empty).
func (c *Controller) Run(ctx context.Context, specName string, runtimeArgs map[string]any, createdBy, queueName string) (*domain.Job, error) {
	if specName == "" {
		return nil, apperrors.Validation("spec_name", "spec_name is required")
	}
	if len(runtimeArgs) > maxArgsEntries {
		return nil, apperrors.Validation("runtime_args", fmt.Sprintf("runtime_args exceeds maximum of %d entries", maxArgsEntries))
	}
	for k := range runtimeArgs {
		if len(k) > maxArgKeyLength {
			return nil, apperrors.Validation("runtime_args", fmt.Sprintf("runtime_args key exceeds maximum length of %d", maxArgKeyLength))
		}
	}

	spec, err := c.repo.GetSpecByName(ctx, specName)
	if err != nil {
		return nil, apperrors.NotFound("spec", specName)
	}

	queue, err := c.resolveQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if !queue.AcceptsIntake() {
		return nil, apperrors.Conflict("queue", queue.Name, fmt.Sprintf("queue %q is stopped and not accepting new jobs", queue.Name))
	}

	job := &domain.Job{
		ID:          uuid.NewString(),
		SpecName:    spec.Name,
		Status:      domain.JobPending,
		CreatedBy:   createdBy,
		QueueName:   queue.Name,
		RuntimeArgs: runtimeArgs,
		Callback:    spec.Callback,
		CreatedAt:   time.Now(),
	}
	if err := c.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	slog.Info("job created", "jobId", job.ID, "spec", spec.Name, "queue", queue.Name)
	if c.metrics != nil {
		c.metrics.RecordJobCreated(ctx, spec.Name)
	}
	c.publishJobUpdate(job)
	return job, nil
}

func (c *Controller) resolveQueue(ctx context.Context, queueName string) (*domain.Queue, error) {
	if queueName != "" {
		queue, err := c.repo.GetQueueByName(ctx, queueName)
		if err != nil {
			return nil, apperrors.NotFound("queue", queueName)
		}
		return queue, nil
	}
	queue, err := c.repo.GetDefaultQueue(ctx)
	if err != nil {
		return nil, apperrors.Unavailable("no default queue configured")
	}
	return queue, nil
}

// Cancel transitions a Pending job directly to Cancelled, or forwards a
// cancel request for a Running job (the caller — the Worker Transport
// Client — is responsible for the forwarding; Cancel here only records
// intent and, for Pending jobs, the terminal state itself).
func (c *Controller) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := c.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, apperrors.NotFound("job", jobID)
	}
	if !job.Cancellable() {
		return nil, apperrors.Conflict("job", jobID, fmt.Sprintf("job %s is in terminal state %s and cannot be cancelled", jobID, job.Status))
	}

	if job.Status == domain.JobPending {
		now := time.Now()
		job.Status = domain.JobCancelled
		job.ErrorMessage = "cancelled before dispatch"
		job.CompletedAt = &now
		if err := c.repo.UpdateJob(ctx, job); err != nil {
			return nil, err
		}
		c.publishJobUpdate(job)
		c.dispatchCallback(job, "job_cancelled")
		return job, nil
	}

	// job.Status == Running: the caller forwards the cancel to the assigned
	// worker over the Worker Transport Client; the worker's subsequent
	// terminal status report is authoritative. This method
	// returns the job unchanged so the caller can read AssignedWorker.
	return job, nil
}

// Retry creates a new Pending job from a terminal, non-Completed job, with
// runtime_args copied verbatim from the original rather than re-resolved
// against the current spec.
func (c *Controller) Retry(ctx context.Context, jobID string) (*domain.Job, error) {
	original, err := c.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, apperrors.NotFound("job", jobID)
	}
	if !original.Retryable() {
		return nil, apperrors.Conflict("job", jobID, fmt.Sprintf("job %s is not retryable (status=%s)", jobID, original.Status))
	}

	next := &domain.Job{
		ID:          uuid.NewString(),
		SpecName:    original.SpecName,
		Status:      domain.JobPending,
		CreatedBy:   original.CreatedBy,
		QueueName:   original.QueueName,
		RuntimeArgs: original.RuntimeArgs,
		Callback:    original.Callback,
		CreatedAt:   time.Now(),
	}
	if err := c.repo.CreateJob(ctx, next); err != nil {
		return nil, err
	}
	slog.Info("job retried", "originalJobId", jobID, "newJobId", next.ID)
	c.publishJobUpdate(next)
	return next, nil
}

// Move reassigns a Pending job to a different queue.
func (c *Controller) Move(ctx context.Context, jobID, newQueueName string) (*domain.Job, error) {
	job, err := c.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, apperrors.NotFound("job", jobID)
	}
	if !job.Movable() {
		return nil, apperrors.Conflict("job", jobID, fmt.Sprintf("job %s is not Pending and cannot be moved", jobID))
	}
	queue, err := c.repo.GetQueueByName(ctx, newQueueName)
	if err != nil {
		return nil, apperrors.NotFound("queue", newQueueName)
	}
	job.QueueName = queue.Name
	if err := c.repo.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	c.publishJobUpdate(job)
	return job, nil
}

// Delete removes a terminal job and its log tail.
func (c *Controller) Delete(ctx context.Context, jobID string) error {
	job, err := c.repo.GetJob(ctx, jobID)
	if err != nil {
		return apperrors.NotFound("job", jobID)
	}
	if !job.Status.Terminal() {
		return apperrors.Conflict("job", jobID, fmt.Sprintf("job %s must be terminal before deletion", jobID))
	}
	if err := c.repo.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	if c.tails != nil {
		c.tails.Delete(jobID)
	}
	return nil
}

// ApplyProgress records a progress/log update from the assigned worker.
// The worker is the sole authority for progress.
func (c *Controller) ApplyProgress(ctx context.Context, jobID string, progress int, logLines []string) (*domain.Job, error) {
	job, err := c.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, apperrors.NotFound("job", jobID)
	}
	if job.Status.Terminal() {
		return job, apperrors.Conflict("job", jobID, fmt.Sprintf("job %s is already in terminal state %s", jobID, job.Status))
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	if err := c.repo.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	for _, line := range logLines {
		if c.tails != nil {
			c.tails.Append(jobID, line)
		}
		if c.hub != nil {
			c.hub.Publish("job:"+jobID, "log_line", line)
		}
	}
	c.publishJobUpdate(job)
	return job, nil
}

// ApplyTerminal records the worker's authoritative terminal status for a job.
func (c *Controller) ApplyTerminal(ctx context.Context, jobID string, status domain.JobStatus, result map[string]any, errMessage string) (*domain.Job, error) {
	job, err := c.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, apperrors.NotFound("job", jobID)
	}
	if job.Status.Terminal() {
		return job, nil // already terminal; idempotent no-op per at-least-once delivery
	}
	now := time.Now()
	job.Status = status
	job.Result = result
	job.ErrorMessage = errMessage
	job.CompletedAt = &now
	if err := c.repo.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordJobCompleted(ctx, job.SpecName, status == domain.JobCompleted, now.Sub(job.CreatedAt).Seconds())
	}
	c.publishJobUpdate(job)
	eventType := "job_completed"
	if status != domain.JobCompleted {
		eventType = "job_" + string(status)
	}
	c.dispatchCallback(job, eventType)
	return job, nil
}

// ReconcileStaleRunning marks every job left in Running status Failed, and
// returns how many it moved. A job can only be Running because a worker is
// actively executing it and will report a terminal status back through
// ApplyTerminal or the log stream; if the orchestrator process restarts,
// that in-memory expectation is gone and the job's worker assignment can no
// longer be trusted; Call once at startup before the dispatch loop starts.
func (c *Controller) ReconcileStaleRunning(ctx context.Context) (int, error) {
	jobs, _, err := c.repo.ListJobs(ctx, repository.JobFilter{PerPage: 0})
	if err != nil {
		return 0, err
	}

	moved := 0
	now := time.Now()
	for _, job := range jobs {
		if job.Status != domain.JobRunning {
			continue
		}
		job.Status = domain.JobFailed
		job.ErrorMessage = "orchestrator restarted while job was running"
		job.CompletedAt = &now
		if err := c.repo.UpdateJob(ctx, job); err != nil {
			slog.Error("reconcile stale running job", "job", job.ID, "error", err)
			continue
		}
		c.publishJobUpdate(job)
		c.dispatchCallback(job, "job_failed")
		moved++
	}
	return moved, nil
}

func (c *Controller) publishJobUpdate(job *domain.Job) {
	if c.hub != nil {
		c.hub.Publish("jobs", "jobs_update", job)
		c.hub.Publish("job:"+job.ID, "job_update", job)
	}
}

// ValidateSpec validates a JobSpecification's user-supplied fields before
// CreateSpec/UpdateSpec. Command's trailing newlines are stripped by the
// caller before this is invoked: trailing newlines are stripped at save.
func ValidateSpec(spec *domain.JobSpecification) error {
	if spec.Name == "" {
		return apperrors.Validation("name", "name is required")
	}
	if len(spec.Name) > maxNameLength {
		return apperrors.Validation("name", fmt.Sprintf("name exceeds maximum length of %d", maxNameLength))
	}
	if !namePattern.MatchString(spec.Name) {
		return apperrors.Validation("name", "name must be alphanumeric (hyphens and underscores allowed)")
	}
	if spec.Command == "" {
		return apperrors.Validation("command", "command is required")
	}
	if len(spec.Command) > maxCommandLength {
		return apperrors.Validation("command", fmt.Sprintf("command exceeds maximum length of %d", maxCommandLength))
	}
	return validateCallback(spec.Callback)
}

func validateCallback(cb *domain.Callback) error {
	if cb == nil {
		return nil
	}
	if cb.URL == "" {
		return apperrors.Validation("callback.url", "callback url is required")
	}
	if len(cb.URL) > maxCallbackURLSize {
		return apperrors.Validation("callback.url", fmt.Sprintf("callback url exceeds maximum length of %d", maxCallbackURLSize))
	}
	u, err := url.Parse(cb.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return apperrors.Validation("callback.url", "callback url must be an absolute http(s) URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperrors.Validation("callback.url", "callback url must use http or https")
	}
	if len(cb.Events) > maxCallbackEvents {
		return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceeds maximum of %d", maxCallbackEvents))
	}
	return nil
}
