// Package workermgr implements the Worker Manager: worker CRUD and state
// machine, registration (including triggering remote provisioning), and the
// health monitor loop. The monitor's liveness/readiness caching generalizes
// internal/health.Checker's "is this process healthy" to "is this specific
// worker healthy", and its wakeup/ticker loop mirrors the one already used
// by internal/queuemgr.
package workermgr

import (
	"context"
	"dispatchcore/internal/apperrors"
	"dispatchcore/internal/domain"
	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/observability"
	"dispatchcore/internal/repository"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MinProbeInterval, MaxProbeInterval, and DefaultProbeInterval bound the
// configurable health-monitor period: 5-300s, default 30s.
const (
	MinProbeInterval     = 5 * time.Second
	MaxProbeInterval     = 300 * time.Second
	DefaultProbeInterval = 30 * time.Second
)

// consecutiveMissThreshold is the number of failed probes in a row before a
// worker is marked offline.
const consecutiveMissThreshold = 3

// ProbeClient issues a cheap health probe against a worker (GET /health).
// Implemented by internal/transport.
type ProbeClient interface {
	Probe(ctx context.Context, worker *domain.Worker) error
}

// LocalLauncher spawns a local worker process via os/exec. A local worker's
// stopped->started transition is contacted by spawning it directly rather
// than by a network probe. Implemented by internal/transport.
type LocalLauncher interface {
	Launch(ctx context.Context, worker *domain.Worker) error
}

// Provisioner runs the 7-step remote worker provisioning protocol for a
// newly registered remote worker. Implemented by internal/provisioner.
type Provisioner interface {
	Provision(ctx context.Context, worker *domain.Worker, deploymentID string) error
}

// DispatchWaker is notified when a worker's eligibility might have changed,
// so the dispatch loop can pick up newly-released or newly-online capacity.
// Satisfied by *queuemgr.Manager.
type DispatchWaker interface {
	Wake()
}

// Manager drives worker CRUD, the state machine, registration, and the
// health monitor loop.
type Manager struct {
	repo          repository.Repository
	hub           *eventbus.Hub
	metrics       *observability.Metrics
	probe         ProbeClient
	launcher      LocalLauncher
	provisioner   Provisioner
	waker         DispatchWaker
	probeInterval time.Duration
	logger        *slog.Logger

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithProbeInterval overrides the health-monitor period, clamped to
// [MinProbeInterval, MaxProbeInterval].
func WithProbeInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d < MinProbeInterval {
			d = MinProbeInterval
		}
		if d > MaxProbeInterval {
			d = MaxProbeInterval
		}
		m.probeInterval = d
	}
}

// WithProvisioner injects the remote provisioning implementation.
func WithProvisioner(p Provisioner) Option {
	return func(m *Manager) { m.provisioner = p }
}

// WithLocalLauncher injects the local worker process spawner. Without it, a
// local worker's stopped->started transition fails its contact attempt
// (left offline for the health monitor to keep retrying).
func WithLocalLauncher(l LocalLauncher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithDispatchWaker injects the Queue Manager so registration/health
// transitions can trigger an immediate dispatch pass.
func WithDispatchWaker(w DispatchWaker) Option {
	return func(m *Manager) { m.waker = w }
}

// NewManager creates a Manager. probe may be nil until the Worker Transport
// Client is wired; probes fail closed (treated as a miss) until then.
func NewManager(repo repository.Repository, hub *eventbus.Hub, metrics *observability.Metrics, probe ProbeClient, opts ...Option) *Manager {
	m := &Manager{
		repo:          repo,
		hub:           hub,
		metrics:       metrics,
		probe:         probe,
		probeInterval: DefaultProbeInterval,
		logger:        slog.With("component", "workermgr"),
		shutdown:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the health monitor loop until Stop is called. Call in its own
// goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// Stop ends the health monitor loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.shutdown)
	m.wg.Wait()
}

// ProbeInterval returns the current health-monitor period.
func (m *Manager) ProbeInterval() time.Duration {
	return m.probeInterval
}

// SetProbeInterval updates the health-monitor period, clamped to
// [MinProbeInterval, MaxProbeInterval]. The running ticker keeps its current
// period until the monitor loop is next restarted; callers that need an
// immediate change should Stop and Start.
func (m *Manager) SetProbeInterval(d time.Duration) {
	if d < MinProbeInterval {
		d = MinProbeInterval
	}
	if d > MaxProbeInterval {
		d = MaxProbeInterval
	}
	m.probeInterval = d
}

// probeAll issues a health probe against every worker currently in
// state ∈ {started, paused}.
func (m *Manager) probeAll(ctx context.Context) {
	workers, err := m.repo.ListWorkers(ctx)
	if err != nil {
		m.logger.Error("list workers for health probe", "error", err)
		return
	}
	for _, w := range workers {
		if w.State != domain.WorkerStarted && w.State != domain.WorkerPaused {
			continue
		}
		m.probeOne(ctx, w)
	}
}

func (m *Manager) probeOne(ctx context.Context, w *domain.Worker) {
	err := m.doProbe(ctx, w)
	now := time.Now()
	success := err == nil

	if m.metrics != nil {
		m.metrics.RecordWorkerProbe(ctx, w.Name, success)
	}

	wasOnline := w.Status == domain.StatusOnline
	if success {
		w.Status = domain.StatusOnline
		w.LastSeen = &now
		w.ErrorMessage = ""
		w.ConsecutiveMiss = 0
		if !wasOnline {
			if m.metrics != nil {
				m.metrics.RecordWorkerOnline(ctx, 1)
			}
			if m.waker != nil {
				m.waker.Wake()
			}
		}
	} else {
		w.ConsecutiveMiss++
		w.ErrorMessage = err.Error()
		if w.ConsecutiveMiss >= consecutiveMissThreshold && w.Status != domain.StatusOffline {
			w.Status = domain.StatusOffline
			if wasOnline && m.metrics != nil {
				m.metrics.RecordWorkerOnline(ctx, -1)
			}
			m.logger.Warn("worker marked offline after consecutive probe misses", "worker", w.Name, "misses", w.ConsecutiveMiss)
			// Releases any Pending assignments not yet transmitted by waking
			// the dispatch loop.
			if w.State == domain.WorkerStarted && m.waker != nil {
				m.waker.Wake()
			}
		}
	}

	if err := m.repo.UpdateWorker(ctx, w); err != nil {
		m.logger.Error("persist probe result", "worker", w.ID, "error", err)
		return
	}
	m.publishWorkerUpdate(w)
}

func (m *Manager) doProbe(ctx context.Context, w *domain.Worker) error {
	if m.probe == nil {
		return fmt.Errorf("no probe client configured")
	}
	return m.probe.Probe(ctx, w)
}

// Register persists a new worker and, for a remote worker with
// provision=true, kicks off the provisioning protocol in the background.
func (m *Manager) Register(ctx context.Context, w *domain.Worker) (*domain.Worker, error) {
	if err := validateWorker(w); err != nil {
		return nil, err
	}
	w.ID = uuid.NewString()
	w.State = domain.WorkerStopped
	w.Status = domain.StatusOffline
	w.CreatedAt = time.Now()
	if w.Type == domain.WorkerRemote && w.Provision {
		w.Status = domain.StatusProvisioning
	}
	if err := m.repo.CreateWorker(ctx, w); err != nil {
		return nil, err
	}
	m.publishWorkerUpdate(w)

	if w.Type == domain.WorkerRemote && w.Provision {
		deploymentID := uuid.NewString()
		deployment := domain.NewDeploymentStatus(deploymentID, w.ID, time.Now())
		if err := m.repo.CreateDeployment(ctx, deployment); err != nil {
			m.logger.Error("create deployment tracker", "worker", w.ID, "error", err)
		}
		go m.runProvisioning(context.Background(), w, deployment)
	}
	return w, nil
}

// runProvisioning drives the 2-minute-bounded provisioning protocol and
// records its terminal outcome.
func (m *Manager) runProvisioning(ctx context.Context, w *domain.Worker, deployment *domain.DeploymentStatus) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	var provisionErr error
	if m.provisioner == nil {
		provisionErr = fmt.Errorf("no provisioner configured")
	} else {
		provisionErr = m.provisioner.Provision(ctx, w, deployment.ID)
	}

	worker, err := m.repo.GetWorker(context.Background(), w.ID)
	if err != nil {
		m.logger.Error("reload worker after provisioning", "worker", w.ID, "error", err)
		return
	}

	now := time.Now()
	if provisionErr != nil {
		worker.State = domain.WorkerFailed
		worker.Status = domain.StatusError
		worker.ErrorMessage = provisionErr.Error()
		deployment.Finish(domain.DeploymentError, provisionErr.Error(), now)
		if ctx.Err() != nil {
			deployment.Finish(domain.DeploymentTimeout, "provisioning timed out after 2 minutes", now)
		}
	} else {
		worker.State = domain.WorkerStarted
		worker.Status = domain.StatusOnline
		worker.LastSeen = &now
		deployment.Finish(domain.DeploymentSuccess, "", now)
	}

	if err := m.repo.UpdateWorker(context.Background(), worker); err != nil {
		m.logger.Error("persist provisioning result", "worker", worker.ID, "error", err)
	}
	if err := m.repo.UpdateDeployment(context.Background(), deployment); err != nil {
		m.logger.Error("persist deployment result", "deployment", deployment.ID, "error", err)
	}
	m.publishWorkerUpdate(worker)
	if provisionErr == nil && m.waker != nil {
		m.waker.Wake()
	}
}

// Update applies max_jobs/description-style changes.
func (m *Manager) Update(ctx context.Context, w *domain.Worker) error {
	if err := validateWorker(w); err != nil {
		return err
	}
	return m.repo.UpdateWorker(ctx, w)
}

// Delete removes a worker, enforcing the system-worker-undeletable
// invariant via the Repository's sentinel.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.repo.DeleteWorker(ctx, id); err != nil {
		if errors.Is(err, repository.ErrSystemWorkerUndeletable) {
			return apperrors.Conflict("worker", id, "the system worker cannot be deleted")
		}
		return apperrors.NotFound("worker", id)
	}
	return nil
}

// Transition drives the worker state machine (start/stop/pause).
// stopped->started attempts to contact the worker before the transition
// takes effect (local: spawn the process; remote: transport health check);
// success sets status=online immediately rather than waiting for the next
// health-monitor tick. Stopping a worker cancels its in-flight jobs (flips
// them to Cancelled); pausing does not.
func (m *Manager) Transition(ctx context.Context, id string, to domain.WorkerState) (*domain.Worker, error) {
	w, err := m.repo.GetWorker(ctx, id)
	if err != nil {
		return nil, apperrors.NotFound("worker", id)
	}
	if !domain.ValidWorkerTransition(w.State, to) {
		return nil, apperrors.Conflict("worker", id, fmt.Sprintf("cannot transition worker from %s to %s", w.State, to))
	}

	previousState := w.State
	w.State = to
	if previousState == domain.WorkerStopped && to == domain.WorkerStarted {
		m.contactOnStart(ctx, w)
	}
	if to == domain.WorkerStopped {
		if err := m.cancelRunningJobs(ctx, w); err != nil {
			m.logger.Error("cancel running jobs on worker stop", "worker", w.ID, "error", err)
		}
	}
	if err := m.repo.UpdateWorker(ctx, w); err != nil {
		return nil, err
	}
	m.publishWorkerUpdate(w)
	if previousState != domain.WorkerStarted && to == domain.WorkerStarted && m.waker != nil {
		m.waker.Wake()
	}
	return w, nil
}

// contactOnStart attempts to bring w online as part of a stopped->started
// transition: local workers are spawned via launcher, remote workers get a
// transport health check, same as the periodic health monitor's probe. A
// failed attempt doesn't block the transition; w is left for the health
// monitor to keep retrying on its normal schedule.
func (m *Manager) contactOnStart(ctx context.Context, w *domain.Worker) {
	var err error
	if w.Type == domain.WorkerLocal {
		if m.launcher == nil {
			err = fmt.Errorf("no local worker launcher configured")
		} else {
			err = m.launcher.Launch(ctx, w)
		}
	} else {
		err = m.doProbe(ctx, w)
	}

	if err != nil {
		w.ErrorMessage = err.Error()
		m.logger.Warn("contact attempt failed on worker start", "worker", w.Name, "type", w.Type, "error", err)
		return
	}
	now := time.Now()
	w.Status = domain.StatusOnline
	w.LastSeen = &now
	w.ErrorMessage = ""
	w.ConsecutiveMiss = 0
}

// cancelRunningJobs flips every Running job assigned to worker to
// Cancelled: stopping a worker tells it to drop new jobs and
// terminate in-flight jobs; jobs flip to Cancelled."
func (m *Manager) cancelRunningJobs(ctx context.Context, w *domain.Worker) error {
	jobs, _, err := m.repo.ListJobs(ctx, repository.JobFilter{})
	if err != nil {
		return err
	}
	now := time.Now()
	for _, j := range jobs {
		if j.AssignedWorker != w.ID || j.Status != domain.JobRunning {
			continue
		}
		j.Status = domain.JobCancelled
		j.ErrorMessage = "worker stopped"
		j.CompletedAt = &now
		if err := m.repo.UpdateJob(ctx, j); err != nil {
			return err
		}
		if m.hub != nil {
			m.hub.Publish("jobs", "jobs_update", j)
			m.hub.Publish("job:"+j.ID, "job_update", j)
		}
	}
	w.CurrentJobs = 0
	return nil
}

func (m *Manager) publishWorkerUpdate(w *domain.Worker) {
	if m.hub == nil {
		return
	}
	m.hub.Publish("workers", "workers_update", w)
	m.hub.Publish("worker:"+w.ID, "worker_update", w)
}

func validateWorker(w *domain.Worker) error {
	if w.Name == "" {
		return apperrors.Validation("name", "name is required")
	}
	if w.MaxJobs <= 0 {
		return apperrors.Validation("max_jobs", "max_jobs must be positive")
	}
	if w.Type == domain.WorkerRemote {
		if w.Hostname == "" {
			return apperrors.Validation("hostname", "hostname is required for remote workers")
		}
		if w.AuthMethod == domain.AuthKey && w.SSHPrivateKey == "" {
			return apperrors.Validation("ssh_private_key", "ssh_private_key is required for key auth")
		}
		if w.AuthMethod == domain.AuthPassword && w.Password == "" {
			return apperrors.Validation("password", "password is required for password auth")
		}
	}
	return nil
}
