// Package repository defines the abstract persistence interface the
// orchestration core depends on, plus concrete adapters (in-memory, SQLite,
// PostgreSQL, MySQL). The core never touches a SQL driver directly.
package repository

import (
	"context"
	"dispatchcore/internal/domain"
	"errors"
	"time"
)

// ErrReservationFailed is returned by ReserveJob when another dispatcher
// goroutine already reserved the job or the worker no longer has capacity.
// Callers should restart selection for the queue.
var ErrReservationFailed = errors.New("job reservation failed: lost race or worker saturated")

// JobFilter narrows a job listing.
type JobFilter struct {
	ExcludeStatus []domain.JobStatus
	QueueName     string
	Page          int
	PerPage       int
}

// JobStatsSummary aggregates job counters for GET /api/jobs/statistics/summary.
type JobStatsSummary struct {
	TotalByStatus map[domain.JobStatus]int
	BySpec        map[string]int
}

// Repository is the storage interface the orchestration core depends on.
// Concrete backends (SQLite, PostgreSQL, MySQL, in-memory) implement it.
// Every mutating method is expected to be safe for concurrent callers;
// ReserveJob in particular must be atomic (compare-and-set) to guarantee a
// job is never dispatched to two workers at once.
type Repository interface {
	// Specs
	CreateSpec(ctx context.Context, s *domain.JobSpecification) error
	GetSpec(ctx context.Context, id string) (*domain.JobSpecification, error)
	GetSpecByName(ctx context.Context, name string) (*domain.JobSpecification, error)
	UpdateSpec(ctx context.Context, s *domain.JobSpecification) error
	DeleteSpec(ctx context.Context, id string) error
	ListSpecs(ctx context.Context, page, perPage int) ([]*domain.JobSpecification, int, error)
	CountRunningJobsForSpec(ctx context.Context, specID string) (int, error)

	// Jobs
	CreateJob(ctx context.Context, j *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	UpdateJob(ctx context.Context, j *domain.Job) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, f JobFilter) ([]*domain.Job, int, error)
	PendingJobsForQueue(ctx context.Context, queueName string) ([]*domain.Job, error)
	JobStats(ctx context.Context) (*JobStatsSummary, error)

	// ReserveJob atomically transitions a Pending job to Running and
	// increments the worker's current_jobs, iff the job is still Pending
	// and the worker still has spare capacity. Returns ErrReservationFailed
	// if the compare-and-set lost the race.
	ReserveJob(ctx context.Context, jobID, workerID string, startedAt time.Time) error

	// Queues
	CreateQueue(ctx context.Context, q *domain.Queue) error
	GetQueue(ctx context.Context, id string) (*domain.Queue, error)
	GetQueueByName(ctx context.Context, name string) (*domain.Queue, error)
	GetDefaultQueue(ctx context.Context) (*domain.Queue, error)
	UpdateQueue(ctx context.Context, q *domain.Queue) error
	DeleteQueue(ctx context.Context, id string) error
	ListQueues(ctx context.Context) ([]*domain.Queue, error)
	CountPendingJobsInQueue(ctx context.Context, queueID string) (int, error)

	// Workers
	CreateWorker(ctx context.Context, w *domain.Worker) error
	GetWorker(ctx context.Context, id string) (*domain.Worker, error)
	GetWorkerByName(ctx context.Context, name string) (*domain.Worker, error)
	UpdateWorker(ctx context.Context, w *domain.Worker) error
	DeleteWorker(ctx context.Context, id string) error
	ListWorkers(ctx context.Context) ([]*domain.Worker, error)
	EligibleWorkersForQueue(ctx context.Context, queueID string) ([]*domain.Worker, error)

	// Assignments
	AssignWorkerToQueue(ctx context.Context, queueID, workerID string) error
	UnassignWorkerFromQueue(ctx context.Context, queueID, workerID string) error
	WorkersForQueue(ctx context.Context, queueID string) ([]*domain.Worker, error)
	QueuesForWorker(ctx context.Context, workerID string) ([]*domain.Queue, error)

	// Deployments
	CreateDeployment(ctx context.Context, d *domain.DeploymentStatus) error
	UpdateDeployment(ctx context.Context, d *domain.DeploymentStatus) error
	GetDeployment(ctx context.Context, id string) (*domain.DeploymentStatus, error)

	// Auth
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, token string) (*domain.Session, error)
	DeleteSession(ctx context.Context, token string) error

	// Config
	GetConfig(ctx context.Context, category, key string) (string, error)
	SetConfig(ctx context.Context, category, key, value string) error
	ListConfig(ctx context.Context, category string) (map[string]string, error)

	Close() error

	// Ready reports whether the backend can currently serve reads/writes.
	// Satisfies internal/health.ReadinessChecker.
	Ready(ctx context.Context) error
}
