// Package queuemgr implements the Queue Manager: queue CRUD and state
// machine, job intake, and the dispatch-selection loop. The loop's
// wakeup/retry idiom mirrors internal/dispatcher's worker pool, retargeted
// from "drain a channel of queued events" to "retry selection against the
// Repository whenever something might have changed."
package queuemgr

import (
	"context"
	"dispatchcore/internal/apperrors"
	"dispatchcore/internal/domain"
	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/observability"
	"dispatchcore/internal/repository"
	"dispatchcore/internal/strategy"
	"dispatchcore/pkg/backoff"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// dispatchMaxAttempts and the backoff schedule it drives govern the
// reserve-then-execute retry window, distinct from the Worker Transport
// Client's own internal retry (that one retries a single HTTP call; this
// one retries the whole reserve-then-execute attempt against a possibly
// different worker on the next pass).
const dispatchMaxAttempts = 3

var dispatchBackoff = &backoff.Config{Initial: 250 * time.Millisecond, Max: 4 * time.Second}

// ExecutionClient posts the execute command to a worker. The concrete
// implementation lives in internal/transport; queuemgr only depends on
// this narrow interface, the same MetricsRecorder-style dependency
// injection used elsewhere in this codebase.
type ExecutionClient interface {
	Execute(ctx context.Context, worker *domain.Worker, job *domain.Job, spec *domain.JobSpecification) error
}

// LogSink receives a dispatched job's log lines and terminal report as they
// arrive from the worker. internal/joblifecycle.Controller.LogSink()
// satisfies this without queuemgr importing joblifecycle.
type LogSink interface {
	AppendLogLine(jobID, line string)
	ApplyTerminal(ctx context.Context, jobID, status, errorMessage string) error
}

// LogStreamer opens the long-lived log stream to a worker for a dispatched
// job. Optional: dispatch still succeeds without one, it just leaves the
// job's live tail empty until the worker reports a terminal status through
// some other path.
type LogStreamer interface {
	StreamLogs(ctx context.Context, worker *domain.Worker, jobID string, sink LogSink) error
}

// Manager drives queue CRUD, the state machine, and the dispatch loop.
type Manager struct {
	repo     repository.Repository
	hub      *eventbus.Hub
	metrics  *observability.Metrics
	client   ExecutionClient
	streamer LogStreamer
	logSink  LogSink
	logger   *slog.Logger

	wake     chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a Manager. client may be nil during startup before the
// Worker Transport Client is wired; dispatch attempts fail closed until set.
func NewManager(repo repository.Repository, hub *eventbus.Hub, metrics *observability.Metrics, client ExecutionClient) *Manager {
	return &Manager{
		repo:     repo,
		hub:      hub,
		metrics:  metrics,
		client:   client,
		logger:   slog.With("component", "queuemgr"),
		wake:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
}

// SetLogStreaming wires the components that feed a dispatched job's live log
// tail. Call once during startup; a nil streamer leaves logs unpopulated.
func (m *Manager) SetLogStreaming(streamer LogStreamer, sink LogSink) {
	m.streamer = streamer
	m.logSink = sink
}

// ReassignLegacyQueues moves every non-terminal job whose queue_name no
// longer names an existing queue onto the default queue, and returns how
// many jobs it moved. Call once at startup before the dispatch loop starts:
// a queue can be deleted (if it has no pending jobs at delete time) while a
// job still references its name if the job was created, then completed its
// queue association was never cleared, or if a backend was restored from a
// backup predating a queue rename.
func (m *Manager) ReassignLegacyQueues(ctx context.Context) (int, error) {
	queues, err := m.repo.ListQueues(ctx)
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(queues))
	for _, q := range queues {
		known[q.Name] = true
	}

	def, err := m.repo.GetDefaultQueue(ctx)
	if err != nil {
		return 0, nil
	}

	jobs, _, err := m.repo.ListJobs(ctx, repository.JobFilter{PerPage: 0})
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, job := range jobs {
		if job.Status.Terminal() || job.QueueName == "" || known[job.QueueName] {
			continue
		}
		job.QueueName = def.Name
		if err := m.repo.UpdateJob(ctx, job); err != nil {
			m.logger.Error("reassign job from legacy queue", "job", job.ID, "error", err)
			continue
		}
		moved++
	}
	return moved, nil
}

// Start runs the dispatch loop until Stop is called. Call in its own
// goroutine. A periodic tick covers health-monitor-tick-triggered wakeups;
// Wake covers new-job/worker-state-change/job-completion triggers, so
// dispatch reacts immediately rather than waiting for the next tick.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ctx.Done():
			return
		case <-m.wake:
			m.dispatchAll(ctx)
		case <-ticker.C:
			m.dispatchAll(ctx)
		}
	}
}

// Stop ends the dispatch loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.shutdown)
	m.wg.Wait()
}

// Wake schedules an immediate dispatch pass. Non-blocking: if a wakeup is
// already pending, this is a no-op.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatchAll runs one selection pass over every started queue.
func (m *Manager) dispatchAll(ctx context.Context) {
	queues, err := m.repo.ListQueues(ctx)
	if err != nil {
		m.logger.Error("list queues for dispatch", "error", err)
		return
	}
	for _, q := range queues {
		if m.metrics != nil {
			if pending, err := m.repo.PendingJobsForQueue(ctx, q.Name); err == nil {
				m.metrics.RecordQueueDepth(ctx, q.Name, int64(len(pending)))
			}
		}
		if !q.AcceptsDispatch() {
			continue
		}
		m.dispatchQueue(ctx, q)
	}
}

// dispatchQueue repeats eligible-worker lookup, job selection, strategy
// pick, and reservation until no job can be dispatched from queue right
// now, draining as much of the queue's backlog as current worker capacity
// allows in a single pass.
func (m *Manager) dispatchQueue(ctx context.Context, queue *domain.Queue) {
	for {
		eligible, err := m.repo.EligibleWorkersForQueue(ctx, queue.ID)
		if err != nil {
			m.logger.Error("eligible workers", "queue", queue.Name, "error", err)
			return
		}
		if len(eligible) == 0 {
			return
		}

		pending, err := m.repo.PendingJobsForQueue(ctx, queue.Name)
		if err != nil {
			m.logger.Error("pending jobs", "queue", queue.Name, "error", err)
			return
		}
		if len(pending) == 0 {
			return
		}
		job := pending[0] // oldest first, tie-broken by id; grounded on repo ordering contract

		worker, nextCursor := strategy.Pick(queue.Strategy, eligible, queue.Cursor)
		queue.Cursor = nextCursor
		if err := m.repo.UpdateQueue(ctx, queue); err != nil {
			m.logger.Error("persist cursor", "queue", queue.Name, "error", err)
		}

		now := time.Now()
		if err := m.repo.ReserveJob(ctx, job.ID, worker.ID, now); err != nil {
			// Lost the race or the worker filled up since EligibleWorkersForQueue
			// was read; restart selection from the top.
			continue
		}
		if m.metrics != nil {
			m.metrics.RecordDispatchAttempt(ctx, queue.Name, string(queue.Strategy), true, now.Sub(job.CreatedAt).Seconds())
		}

		job.Status = domain.JobRunning
		job.AssignedWorker = worker.ID
		job.StartedAt = &now
		m.publishDispatch(job, worker)

		m.executeWithRetry(ctx, queue, worker, job)
	}
}

// executeWithRetry posts the execute command to worker, retrying up to
// dispatchMaxAttempts times with a 250ms/1s/4s backoff. On persistent
// failure it reverts the job to Pending, releases the worker's reserved
// capacity, and quarantines the worker.
func (m *Manager) executeWithRetry(ctx context.Context, queue *domain.Queue, worker *domain.Worker, job *domain.Job) {
	if m.client == nil {
		m.revertAndQuarantine(ctx, queue, worker, job, fmt.Errorf("no execution client configured"))
		return
	}

	spec, err := m.repo.GetSpecByName(ctx, job.SpecName)
	if err != nil {
		m.revertAndQuarantine(ctx, queue, worker, job, apperrors.NotFound("spec", job.SpecName))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= dispatchMaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			// Odd steps of the base-2 schedule (1, 3, 5) give the x4 waits 250ms, 1s, 4s.
			case <-time.After(backoff.Exponential(2*attempt-3, dispatchBackoff)):
			case <-ctx.Done():
				return
			}
		}
		lastErr = m.client.Execute(ctx, worker, job, spec)
		if lastErr == nil {
			m.startLogStream(worker, job.ID)
			return
		}
		if m.metrics != nil {
			m.metrics.RecordDispatchAttempt(ctx, queue.Name, string(queue.Strategy), false, 0)
		}
	}
	m.revertAndQuarantine(ctx, queue, worker, job, lastErr)
}

// startLogStream opens the worker's log stream in the background once a job
// has been successfully handed off. It runs detached from the dispatch
// context so a later dispatch-loop shutdown does not cut the stream off
// mid-job; the worker's own terminal report ends it.
func (m *Manager) startLogStream(worker *domain.Worker, jobID string) {
	if m.streamer == nil || m.logSink == nil {
		return
	}
	go func() {
		if err := m.streamer.StreamLogs(context.Background(), worker, jobID, m.logSink); err != nil {
			m.logger.Warn("log stream ended", "job", jobID, "worker", worker.Name, "error", err)
		}
	}()
}

// revertAndQuarantine reverts job to Pending, decrements
// worker.current_jobs, and marks worker status=error.
func (m *Manager) revertAndQuarantine(ctx context.Context, queue *domain.Queue, worker *domain.Worker, job *domain.Job, cause error) {
	job.Status = domain.JobPending
	job.AssignedWorker = ""
	job.StartedAt = nil
	if err := m.repo.UpdateJob(ctx, job); err != nil {
		m.logger.Error("revert job to pending", "job", job.ID, "error", err)
	}

	w, err := m.repo.GetWorker(ctx, worker.ID)
	if err == nil {
		if w.CurrentJobs > 0 {
			w.CurrentJobs--
		}
		w.Status = domain.StatusError
		w.ErrorMessage = fmt.Sprintf("transport failure dispatching job %s: %v", job.ID, cause)
		if err := m.repo.UpdateWorker(ctx, w); err != nil {
			m.logger.Error("quarantine worker", "worker", worker.ID, "error", err)
		}
		if m.metrics != nil {
			m.metrics.RecordWorkerQuarantine(ctx, w.Name)
			m.metrics.RecordWorkerOnline(ctx, -1)
		}
		m.publishWorkerUpdate(w)
	}

	m.logger.Warn("dispatch failed, job returned to queue", "job", job.ID, "queue", queue.Name, "worker", worker.ID, "error", cause)
	m.publishDispatch(job, worker)
	m.Wake()
}

func (m *Manager) publishDispatch(job *domain.Job, worker *domain.Worker) {
	if m.hub == nil {
		return
	}
	m.hub.Publish("jobs", "jobs_update", job)
	m.hub.Publish("job:"+job.ID, "job_update", job)
	m.hub.Publish("workers", "workers_update", worker)
}

func (m *Manager) publishWorkerUpdate(worker *domain.Worker) {
	if m.hub == nil {
		return
	}
	m.hub.Publish("workers", "workers_update", worker)
	m.hub.Publish("worker:"+worker.ID, "worker_update", worker)
}

// CreateQueue validates uniqueness and default-exclusivity before delegating
// to the Repository.
func (m *Manager) CreateQueue(ctx context.Context, q *domain.Queue) error {
	if err := validateQueue(q); err != nil {
		return err
	}
	q.ID = uuid.NewString()
	q.State = domain.QueueStopped
	q.CreatedAt = time.Now()
	if err := m.repo.CreateQueue(ctx, q); err != nil {
		return err
	}
	return nil
}

// UpdateQueue validates and persists changes to an existing queue.
func (m *Manager) UpdateQueue(ctx context.Context, q *domain.Queue) error {
	if err := validateQueue(q); err != nil {
		return err
	}
	return m.repo.UpdateQueue(ctx, q)
}

// DeleteQueue enforces the no-pending-jobs-reference-it invariant before
// delegating to the Repository.
func (m *Manager) DeleteQueue(ctx context.Context, id string) error {
	queue, err := m.repo.GetQueue(ctx, id)
	if err != nil {
		return apperrors.NotFound("queue", id)
	}
	count, err := m.repo.CountPendingJobsInQueue(ctx, queue.ID)
	if err != nil {
		return err
	}
	if count > 0 {
		return apperrors.Conflict("queue", id, fmt.Sprintf("queue %q has %d pending jobs", queue.Name, count))
	}
	return m.repo.DeleteQueue(ctx, id)
}

// Transition drives the queue state machine (start/stop/pause).
func (m *Manager) Transition(ctx context.Context, id string, to domain.QueueState) (*domain.Queue, error) {
	queue, err := m.repo.GetQueue(ctx, id)
	if err != nil {
		return nil, apperrors.NotFound("queue", id)
	}
	if !validQueueTransition(queue.State, to) {
		return nil, apperrors.Conflict("queue", id, fmt.Sprintf("cannot transition queue from %s to %s", queue.State, to))
	}
	queue.State = to
	if err := m.repo.UpdateQueue(ctx, queue); err != nil {
		return nil, err
	}
	m.publishQueueUpdate(queue)
	if to == domain.QueueStarted {
		m.Wake()
	}
	return queue, nil
}

func (m *Manager) publishQueueUpdate(queue *domain.Queue) {
	if m.hub != nil {
		m.hub.Publish("queues", "queues_update", queue)
	}
}

// validQueueTransition encodes the queue's legal state transitions.
func validQueueTransition(from, to domain.QueueState) bool {
	switch from {
	case domain.QueueStopped:
		return to == domain.QueueStarted
	case domain.QueueStarted:
		return to == domain.QueuePaused || to == domain.QueueStopped
	case domain.QueuePaused:
		return to == domain.QueueStarted || to == domain.QueueStopped
	default:
		return false
	}
}

func validateQueue(q *domain.Queue) error {
	if q.Name == "" {
		return apperrors.Validation("name", "name is required")
	}
	if !domain.ValidStrategy(q.Strategy) {
		return apperrors.Validation("strategy", fmt.Sprintf("unknown strategy %q", q.Strategy))
	}
	return nil
}
