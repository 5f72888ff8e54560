package queuemgr

import (
	"context"
	"dispatchcore/internal/domain"
	"dispatchcore/internal/repository"
	"dispatchcore/internal/testutil"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClient struct {
	calls     atomic.Int64
	failFirst atomic.Int64 // number of calls to fail before succeeding
}

func (f *fakeClient) Execute(ctx context.Context, w *domain.Worker, j *domain.Job, s *domain.JobSpecification) error {
	n := f.calls.Add(1)
	if n <= f.failFirst.Load() {
		return fmt.Errorf("simulated transport failure")
	}
	return nil
}

func seedQueueAndWorker(t *testing.T, repo repository.Repository, strategy domain.Strategy) (*domain.Queue, *domain.Worker) {
	t.Helper()
	ctx := context.Background()

	spec := &domain.JobSpecification{ID: "spec-1", Name: "build", Command: "make"}
	if err := repo.CreateSpec(ctx, spec); err != nil {
		t.Fatalf("CreateSpec: %v", err)
	}
	queue := &domain.Queue{ID: "queue-1", Name: "default", State: domain.QueueStarted, Strategy: strategy}
	if err := repo.CreateQueue(ctx, queue); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	worker := &domain.Worker{ID: "worker-1", Name: "w1", Type: domain.WorkerLocal, MaxJobs: 2, State: domain.WorkerStarted, Status: domain.StatusOnline}
	if err := repo.CreateWorker(ctx, worker); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	if err := repo.AssignWorkerToQueue(ctx, queue.ID, worker.ID); err != nil {
		t.Fatalf("AssignWorkerToQueue: %v", err)
	}
	return queue, worker
}

func TestManager_DispatchesPendingJobToEligibleWorker(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemory()
	queue, worker := seedQueueAndWorker(t, repo, domain.StrategyLeastLoaded)

	job := &domain.Job{ID: "job-1", SpecName: "build", Status: domain.JobPending, QueueName: queue.Name, CreatedAt: time.Now()}
	if err := repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	client := &fakeClient{}
	m := NewManager(repo, nil, nil, client)
	m.dispatchQueue(context.Background(), queue)

	got, err := repo.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != domain.JobRunning {
		t.Errorf("expected Running, got %s", got.Status)
	}
	if got.AssignedWorker != worker.ID {
		t.Errorf("expected assigned to %s, got %s", worker.ID, got.AssignedWorker)
	}
	if client.calls.Load() != 1 {
		t.Errorf("expected 1 execute call, got %d", client.calls.Load())
	}
}

func TestManager_NoEligibleWorkerSkipsQueue(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemory()
	queue, worker := seedQueueAndWorker(t, repo, domain.StrategyRoundRobin)
	w, _ := repo.GetWorker(context.Background(), worker.ID)
	w.Status = domain.StatusOffline
	repo.UpdateWorker(context.Background(), w)

	job := &domain.Job{ID: "job-1", SpecName: "build", Status: domain.JobPending, QueueName: queue.Name, CreatedAt: time.Now()}
	repo.CreateJob(context.Background(), job)

	m := NewManager(repo, nil, nil, &fakeClient{})
	m.dispatchQueue(context.Background(), queue)

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != domain.JobPending {
		t.Errorf("expected job to remain Pending with no eligible worker, got %s", got.Status)
	}
}

func TestManager_PersistentTransportFailureRevertsAndQuarantines(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemory()
	queue, worker := seedQueueAndWorker(t, repo, domain.StrategyLeastLoaded)

	job := &domain.Job{ID: "job-1", SpecName: "build", Status: domain.JobPending, QueueName: queue.Name, CreatedAt: time.Now()}
	repo.CreateJob(context.Background(), job)

	client := &fakeClient{}
	client.failFirst.Store(dispatchMaxAttempts) // fail every attempt
	m := NewManager(repo, nil, nil, client)
	m.dispatchQueue(context.Background(), queue)

	gotJob, _ := repo.GetJob(context.Background(), job.ID)
	if gotJob.Status != domain.JobPending {
		t.Errorf("expected job reverted to Pending, got %s", gotJob.Status)
	}
	if gotJob.AssignedWorker != "" {
		t.Errorf("expected assigned_worker cleared, got %s", gotJob.AssignedWorker)
	}

	gotWorker, _ := repo.GetWorker(context.Background(), worker.ID)
	if gotWorker.Status != domain.StatusError {
		t.Errorf("expected worker quarantined with status=error, got %s", gotWorker.Status)
	}
	if gotWorker.CurrentJobs != 0 {
		t.Errorf("expected current_jobs released, got %d", gotWorker.CurrentJobs)
	}
	if client.calls.Load() != dispatchMaxAttempts {
		t.Errorf("expected %d attempts, got %d", dispatchMaxAttempts, client.calls.Load())
	}
}

func TestManager_WakeTriggersDispatchLoop(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemory()
	queue, _ := seedQueueAndWorker(t, repo, domain.StrategyRandom)
	job := &domain.Job{ID: "job-1", SpecName: "build", Status: domain.JobPending, QueueName: queue.Name, CreatedAt: time.Now()}
	repo.CreateJob(context.Background(), job)

	client := &fakeClient{}
	m := NewManager(repo, nil, nil, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)
	defer m.Stop()

	m.Wake()

	testutil.MustWaitFor(t, func() bool {
		got, err := repo.GetJob(context.Background(), job.ID)
		return err == nil && got.Status == domain.JobRunning
	}, testutil.WithTimeout(5*time.Second))
}

func TestManager_Transition(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemory()
	queue, _ := seedQueueAndWorker(t, repo, domain.StrategyRoundRobin)
	queue.State = domain.QueueStopped
	repo.UpdateQueue(context.Background(), queue)

	m := NewManager(repo, nil, nil, nil)
	started, err := m.Transition(context.Background(), queue.ID, domain.QueueStarted)
	if err != nil {
		t.Fatalf("Transition stopped->started: %v", err)
	}
	if started.State != domain.QueueStarted {
		t.Errorf("expected started, got %s", started.State)
	}

	if _, err := m.Transition(context.Background(), queue.ID, domain.QueueStopped); err != nil {
		t.Fatalf("Transition started->stopped: %v", err)
	}
	if _, err := m.Transition(context.Background(), queue.ID, domain.QueuePaused); err == nil {
		t.Error("expected stopped->paused to be rejected")
	}
}

func TestManager_ReassignLegacyQueues(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemory()
	ctx := context.Background()

	def := &domain.Queue{ID: "queue-default", Name: "default", State: domain.QueueStarted, IsDefault: true, Strategy: domain.StrategyLeastLoaded}
	if err := repo.CreateQueue(ctx, def); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	spec := &domain.JobSpecification{ID: "spec-1", Name: "build", Command: "make"}
	if err := repo.CreateSpec(ctx, spec); err != nil {
		t.Fatalf("CreateSpec: %v", err)
	}

	pending := &domain.Job{ID: "job-pending", SpecName: spec.Name, Status: domain.JobPending, QueueName: "deleted-queue"}
	running := &domain.Job{ID: "job-running", SpecName: spec.Name, Status: domain.JobRunning, QueueName: "deleted-queue"}
	done := &domain.Job{ID: "job-done", SpecName: spec.Name, Status: domain.JobCompleted, QueueName: "deleted-queue"}
	current := &domain.Job{ID: "job-current", SpecName: spec.Name, Status: domain.JobPending, QueueName: "default"}
	for _, j := range []*domain.Job{pending, running, done, current} {
		if err := repo.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob %s: %v", j.ID, err)
		}
	}

	m := NewManager(repo, nil, nil, nil)
	moved, err := m.ReassignLegacyQueues(ctx)
	if err != nil {
		t.Fatalf("ReassignLegacyQueues: %v", err)
	}
	if moved != 2 {
		t.Errorf("expected 2 jobs moved, got %d", moved)
	}

	for _, id := range []string{"job-pending", "job-running"} {
		got, err := repo.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob %s: %v", id, err)
		}
		if got.QueueName != "default" {
			t.Errorf("job %s: expected queue_name reassigned to default, got %s", id, got.QueueName)
		}
	}
	got, _ := repo.GetJob(ctx, "job-done")
	if got.QueueName != "deleted-queue" {
		t.Error("expected terminal job's queue_name to be left alone")
	}
}
