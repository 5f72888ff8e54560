package repository

import (
	"context"
	"dispatchcore/internal/domain"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestReserveJob_NoDoubleDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemory()

	w := &domain.Worker{Name: "w1", MaxJobs: 1, State: domain.WorkerStarted, Status: domain.StatusOnline}
	if err := repo.CreateWorker(ctx, w); err != nil {
		t.Fatal(err)
	}
	j := &domain.Job{Status: domain.JobPending, QueueName: "default"}
	if err := repo.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	successes := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			successes <- repo.ReserveJob(ctx, j.ID, w.ID, time.Now())
		}()
	}
	wg.Wait()
	close(successes)

	okCount := 0
	for err := range successes {
		if err == nil {
			okCount++
		} else if !errors.Is(err, ErrReservationFailed) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if okCount != 1 {
		t.Errorf("expected exactly 1 successful reservation, got %d", okCount)
	}

	got, err := repo.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobRunning {
		t.Errorf("expected job Running, got %s", got.Status)
	}
}

func TestReserveJob_FailsWhenWorkerSaturated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemory()

	w := &domain.Worker{Name: "w1", MaxJobs: 1, CurrentJobs: 1, State: domain.WorkerStarted, Status: domain.StatusOnline}
	repo.CreateWorker(ctx, w)
	j := &domain.Job{Status: domain.JobPending}
	repo.CreateJob(ctx, j)

	err := repo.ReserveJob(ctx, j.ID, w.ID, time.Now())
	if !errors.Is(err, ErrReservationFailed) {
		t.Errorf("expected ErrReservationFailed, got %v", err)
	}
}

func TestUpdateJob_RejectsChangeAfterTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemory()

	j := &domain.Job{Status: domain.JobCompleted}
	repo.CreateJob(ctx, j)

	j.Status = domain.JobRunning
	err := repo.UpdateJob(ctx, j)
	if !errors.Is(err, ErrTerminalAbsorbed) {
		t.Errorf("expected ErrTerminalAbsorbed, got %v", err)
	}
}

func TestCreateQueue_AtMostOneDefault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemory()

	repo.CreateQueue(ctx, &domain.Queue{Name: "q1", IsDefault: true})
	err := repo.CreateQueue(ctx, &domain.Queue{Name: "q2", IsDefault: true})
	if !errors.Is(err, ErrMultipleDefaultQueues) {
		t.Errorf("expected ErrMultipleDefaultQueues, got %v", err)
	}
}

func TestDeleteQueue_BlockedByPendingJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemory()

	q := &domain.Queue{Name: "q1"}
	repo.CreateQueue(ctx, q)
	repo.CreateJob(ctx, &domain.Job{QueueName: "q1", Status: domain.JobPending})

	err := repo.DeleteQueue(ctx, q.ID)
	if !errors.Is(err, ErrPendingJobsBlockDelete) {
		t.Errorf("expected ErrPendingJobsBlockDelete, got %v", err)
	}
}

func TestDeleteSpec_BlockedByRunningJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemory()

	spec := &domain.JobSpecification{Name: "build"}
	repo.CreateSpec(ctx, spec)
	repo.CreateJob(ctx, &domain.Job{SpecName: "build", Status: domain.JobRunning})

	err := repo.DeleteSpec(ctx, spec.ID)
	if !errors.Is(err, ErrRunningJobsBlockDelete) {
		t.Errorf("expected ErrRunningJobsBlockDelete, got %v", err)
	}

	count, err := repo.CountRunningJobsForSpec(ctx, spec.ID)
	if err != nil {
		t.Fatalf("CountRunningJobsForSpec: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 running job, got %d", count)
	}
}

func TestDeleteSpec_AllowedWhenNoRunningJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemory()

	spec := &domain.JobSpecification{Name: "build"}
	repo.CreateSpec(ctx, spec)
	repo.CreateJob(ctx, &domain.Job{SpecName: "build", Status: domain.JobCompleted})

	if err := repo.DeleteSpec(ctx, spec.ID); err != nil {
		t.Errorf("expected delete to succeed with only terminal jobs, got %v", err)
	}
}

func TestPendingJobsForQueue_TieBreaksByIDWhenTimestampsMatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemory()

	same := time.Now()
	repo.CreateJob(ctx, &domain.Job{ID: "job-c", QueueName: "q1", Status: domain.JobPending, CreatedAt: same})
	repo.CreateJob(ctx, &domain.Job{ID: "job-a", QueueName: "q1", Status: domain.JobPending, CreatedAt: same})
	repo.CreateJob(ctx, &domain.Job{ID: "job-b", QueueName: "q1", Status: domain.JobPending, CreatedAt: same})

	pending, err := repo.PendingJobsForQueue(ctx, "q1")
	if err != nil {
		t.Fatalf("PendingJobsForQueue: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending jobs, got %d", len(pending))
	}
	got := []string{pending[0].ID, pending[1].ID, pending[2].ID}
	want := []string{"job-a", "job-b", "job-c"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected id-ascending tie-break order %v, got %v", want, got)
			break
		}
	}
}

func TestDeleteWorker_SystemWorkerUndeletable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemory()

	w := &domain.Worker{Name: domain.SystemWorkerName}
	repo.CreateWorker(ctx, w)

	err := repo.DeleteWorker(ctx, w.ID)
	if !errors.Is(err, ErrSystemWorkerUndeletable) {
		t.Errorf("expected ErrSystemWorkerUndeletable, got %v", err)
	}
}

func TestListJobs_ExcludesStatusAndPaginates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemory()

	for i := 0; i < 5; i++ {
		repo.CreateJob(ctx, &domain.Job{Status: domain.JobPending, CreatedAt: time.Now().Add(time.Duration(i) * time.Second)})
	}
	repo.CreateJob(ctx, &domain.Job{Status: domain.JobCompleted})

	jobs, total, err := repo.ListJobs(ctx, JobFilter{ExcludeStatus: []domain.JobStatus{domain.JobCompleted}, Page: 1, PerPage: 3})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("expected total 5, got %d", total)
	}
	if len(jobs) != 3 {
		t.Errorf("expected 3 jobs on page, got %d", len(jobs))
	}
}
