package api

import (
	"dispatchcore/internal/auth"
	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/health"
	"dispatchcore/internal/joblifecycle"
	"dispatchcore/internal/observability"
	"dispatchcore/internal/queuemgr"
	"dispatchcore/internal/repository"
	"dispatchcore/internal/transport"
	"dispatchcore/internal/workermgr"
	"net/http"
)

// RouterConfig holds every dependency the HTTP surface needs to wire up.
type RouterConfig struct {
	Repository    repository.Repository
	Jobs          *joblifecycle.Controller
	Queues        *queuemgr.Manager
	Workers       *workermgr.Manager
	Auth          *auth.Service
	Transport     *transport.Client
	Hub           *eventbus.Hub
	Tails         *eventbus.TailStore
	Metrics       *observability.Metrics
	HealthChecker *health.Checker

	// RequireAuth disables AuthMiddleware when false (local dev, tests).
	RequireAuth bool
}

// NewRouter creates the HTTP router for every endpoint the API exposes.
func NewRouter(cfg RouterConfig) http.Handler {
	h := NewHandler(cfg.Repository, cfg.Jobs, cfg.Queues, cfg.Workers, cfg.Auth, cfg.Transport, cfg.Hub, cfg.Tails, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /livez", h.Livez)
	mux.HandleFunc("GET /readyz", h.Readyz)

	mux.HandleFunc("POST /api/auth/login", h.Login)
	mux.HandleFunc("POST /api/auth/logout", h.Logout)

	authSvc := cfg.Auth
	if !cfg.RequireAuth {
		authSvc = nil
	}
	authMW := AuthMiddleware(authSvc)
	protect := func(f http.HandlerFunc) http.Handler { return authMW(f) }

	// Specs
	mux.Handle("POST /api/specs", protect(h.CreateSpec))
	mux.Handle("GET /api/specs", protect(h.ListSpecs))
	mux.Handle("GET /api/specs/{id}", protect(h.GetSpec))
	mux.Handle("PUT /api/specs/{id}", protect(h.UpdateSpec))
	mux.Handle("DELETE /api/specs/{id}", protect(h.DeleteSpec))

	// Jobs
	mux.Handle("GET /api/jobs", protect(h.ListJobs))
	mux.Handle("GET /api/jobs/realtime", protect(h.JobsRealtime))
	mux.Handle("GET /api/jobs/statistics/summary", protect(h.JobStatistics))
	mux.Handle("GET /api/jobs/{id}", protect(h.GetJob))
	mux.Handle("POST /api/jobs/run", protect(h.RunJob))
	mux.Handle("PUT /api/jobs/{id}/cancel", protect(h.CancelJob))
	mux.Handle("PUT /api/jobs/{id}/retry", protect(h.RetryJob))
	mux.Handle("PUT /api/jobs/{id}/move", protect(h.MoveJob))
	mux.Handle("DELETE /api/jobs/{id}", protect(h.DeleteJob))
	mux.Handle("GET /api/jobs/{id}/logs", protect(h.GetLogs("job")))
	mux.Handle("POST /api/jobs/{id}/logs/clear", protect(h.ClearLogs("job")))
	mux.Handle("GET /api/jobs/{id}/logs/stream", protect(h.StreamLogs("job")))

	// Queues
	mux.Handle("POST /api/queues", protect(h.CreateQueue))
	mux.Handle("GET /api/queues", protect(h.ListQueues))
	mux.Handle("GET /api/queues/realtime", protect(h.QueuesRealtime))
	mux.Handle("GET /api/queues/{id}", protect(h.GetQueue))
	mux.Handle("PUT /api/queues/{id}", protect(h.UpdateQueue))
	mux.Handle("DELETE /api/queues/{id}", protect(h.DeleteQueue))
	mux.Handle("POST /api/queues/{id}/start", protect(h.StartQueue))
	mux.Handle("POST /api/queues/{id}/stop", protect(h.StopQueue))
	mux.Handle("POST /api/queues/{id}/pause", protect(h.PauseQueue))
	mux.Handle("GET /api/queues/{id}/workers", protect(h.QueueWorkers))
	mux.Handle("POST /api/queues/{id}/workers/bulk", protect(h.BulkAssignWorkers))
	mux.Handle("POST /api/queues/{id}/workers/{worker_id}", protect(h.AssignWorkerToQueue))
	mux.Handle("DELETE /api/queues/{id}/workers/{worker_id}", protect(h.UnassignWorkerFromQueue))
	mux.Handle("GET /api/queues/{id}/logs", protect(h.GetLogs("queue")))
	mux.Handle("POST /api/queues/{id}/logs/clear", protect(h.ClearLogs("queue")))
	mux.Handle("GET /api/queues/{id}/logs/stream", protect(h.StreamLogs("queue")))

	// Workers
	mux.Handle("POST /api/workers", protect(h.CreateWorker))
	mux.Handle("GET /api/workers", protect(h.ListWorkers))
	mux.Handle("GET /api/workers/realtime", protect(h.WorkersRealtime))
	mux.Handle("GET /api/workers/monitoring", protect(h.GetMonitoring))
	mux.Handle("PUT /api/workers/monitoring", protect(h.SetMonitoring))
	mux.Handle("GET /api/workers/deployment-status/{deployment_id}", protect(h.DeploymentStatus))
	mux.Handle("GET /api/workers/{id}", protect(h.GetWorker))
	mux.Handle("PUT /api/workers/{id}", protect(h.UpdateWorker))
	mux.Handle("DELETE /api/workers/{id}", protect(h.DeleteWorker))
	mux.Handle("POST /api/workers/{id}/start", protect(h.StartWorker))
	mux.Handle("POST /api/workers/{id}/stop", protect(h.StopWorker))
	mux.Handle("POST /api/workers/{id}/pause", protect(h.PauseWorker))
	mux.Handle("GET /api/workers/{id}/logs", protect(h.GetLogs("worker")))
	mux.Handle("POST /api/workers/{id}/logs/clear", protect(h.ClearLogs("worker")))
	mux.Handle("GET /api/workers/{id}/logs/stream", protect(h.StreamLogs("worker")))

	// Database configuration
	mux.Handle("GET /api/db", protect(h.GetDBConfig))
	mux.Handle("PUT /api/db", protect(h.SetDBConfig))
	mux.Handle("POST /api/db/initialize", protect(h.InitializeDB))

	var handler http.Handler = mux
	handler = ContentTypeMiddleware()(handler)
	handler = CORSMiddleware()(handler)
	if cfg.Metrics != nil {
		handler = MetricsMiddleware(cfg.Metrics)(handler)
	}
	handler = LoggingMiddleware()(handler)
	handler = RecoveryMiddleware()(handler)

	return handler
}
