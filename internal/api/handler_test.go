package api

import (
	"bytes"
	"context"
	"dispatchcore/internal/auth"
	"dispatchcore/internal/domain"
	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/health"
	"dispatchcore/internal/joblifecycle"
	"dispatchcore/internal/queuemgr"
	"dispatchcore/internal/repository"
	"dispatchcore/internal/workermgr"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func ctxForTest() context.Context { return context.Background() }

// newTestRouter builds a fully wired, in-memory router with auth disabled,
// for exercising the HTTP surface end to end without a worker process.
func newTestRouter(t *testing.T) (http.Handler, repository.Repository, *queuemgr.Manager) {
	t.Helper()
	repo := repository.NewMemory()
	hub := eventbus.NewHub(nil)
	tails := eventbus.NewTailStore()

	jobs := joblifecycle.NewController(repo, hub, tails, nil)
	queues := queuemgr.NewManager(repo, hub, nil, nil)
	workers := workermgr.NewManager(repo, hub, nil, nil)
	authSvc := auth.New(repo)
	checker := health.NewChecker(repo)

	router := NewRouter(RouterConfig{
		Repository:    repo,
		Jobs:          jobs,
		Queues:        queues,
		Workers:       workers,
		Auth:          authSvc,
		Hub:           hub,
		Tails:         tails,
		HealthChecker: checker,
		RequireAuth:   false,
	})
	return router, repo, queues
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/livez", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp health.Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != health.StatusHealthy {
		t.Errorf("expected healthy, got %s", resp.Status)
	}
}

func TestHandler_Readyz_RepositoryReady(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/readyz", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandler_SpecsCRUD(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/specs", map[string]string{
		"name": "echo", "command": "echo hi",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create spec: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created domain.JobSpecification
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode created spec: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated ID")
	}

	w = doJSON(t, router, http.MethodGet, "/api/specs/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get spec: expected 200, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPut, "/api/specs/"+created.ID, map[string]string{
		"name": "echo", "command": "echo bye",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update spec: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodDelete, "/api/specs/"+created.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete spec: expected 204, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/specs/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get deleted spec: expected 404, got %d", w.Code)
	}
}

func TestHandler_SpecsCreate_RejectsInvalidName(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/specs", map[string]string{
		"name": "has spaces", "command": "echo hi",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_RunJob_NoDefaultQueue(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/specs", map[string]string{"name": "echo", "command": "echo hi"})

	w := doJSON(t, router, http.MethodPost, "/api/jobs/run", map[string]any{
		"spec_name":    "echo",
		"runtime_args": map[string]any{},
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no default queue, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_RunJob_Succeeds(t *testing.T) {
	t.Parallel()
	router, repo, _ := newTestRouter(t)

	if err := repo.CreateQueue(ctxForTest(), &domain.Queue{
		ID: "q1", Name: "default", Strategy: domain.StrategyRoundRobin,
		State: domain.QueueStarted, IsDefault: true,
	}); err != nil {
		t.Fatalf("seed default queue: %v", err)
	}

	doJSON(t, router, http.MethodPost, "/api/specs", map[string]string{"name": "echo", "command": "echo hi"})

	w := doJSON(t, router, http.MethodPost, "/api/jobs/run", map[string]any{
		"spec_name":    "echo",
		"runtime_args": map[string]any{},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var job domain.Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != domain.JobPending {
		t.Errorf("expected pending, got %s", job.Status)
	}

	w = doJSON(t, router, http.MethodGet, "/api/jobs/"+job.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get job: expected 200, got %d", w.Code)
	}
}

func TestHandler_JobLogs_FullReadsDiskHistory(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemory()
	hub := eventbus.NewHub(nil)
	tails := eventbus.NewTailStoreWithDisk(t.TempDir())

	jobs := joblifecycle.NewController(repo, hub, tails, nil)
	queues := queuemgr.NewManager(repo, hub, nil, nil)
	workers := workermgr.NewManager(repo, hub, nil, nil)
	authSvc := auth.New(repo)
	checker := health.NewChecker(repo)
	router := NewRouter(RouterConfig{
		Repository: repo, Jobs: jobs, Queues: queues, Workers: workers,
		Auth: authSvc, Hub: hub, Tails: tails, HealthChecker: checker, RequireAuth: false,
	})

	repo.CreateQueue(ctxForTest(), &domain.Queue{ID: "q1", Name: "default", Strategy: domain.StrategyRoundRobin, State: domain.QueueStopped, IsDefault: true})
	doJSON(t, router, http.MethodPost, "/api/specs", map[string]string{"name": "echo", "command": "echo hi"})
	w := doJSON(t, router, http.MethodPost, "/api/jobs/run", map[string]any{"spec_name": "echo", "runtime_args": map[string]any{}})
	var job domain.Job
	json.NewDecoder(w.Body).Decode(&job)

	sink := jobs.LogSink()
	for i := 0; i < eventbus.MaxTailLines+5; i++ {
		sink.AppendLogLine(job.ID, "line")
	}

	w = doJSON(t, router, http.MethodGet, "/api/jobs/"+job.ID+"/logs", nil)
	var bounded struct{ Lines []string }
	json.NewDecoder(w.Body).Decode(&bounded)
	if len(bounded.Lines) != eventbus.MaxTailLines+1 {
		t.Errorf("expected bounded tail to include the truncation marker, got %d lines", len(bounded.Lines))
	}

	w = doJSON(t, router, http.MethodGet, "/api/jobs/"+job.ID+"/logs?full=true", nil)
	var full struct{ Lines []string }
	json.NewDecoder(w.Body).Decode(&full)
	if len(full.Lines) != eventbus.MaxTailLines+5 {
		t.Errorf("expected full history to return every appended line, got %d", len(full.Lines))
	}
}

func TestHandler_CancelJob_Pending(t *testing.T) {
	t.Parallel()
	router, repo, _ := newTestRouter(t)

	repo.CreateQueue(ctxForTest(), &domain.Queue{ID: "q1", Name: "default", Strategy: domain.StrategyRoundRobin, State: domain.QueueStopped, IsDefault: true})
	doJSON(t, router, http.MethodPost, "/api/specs", map[string]string{"name": "echo", "command": "echo hi"})
	w := doJSON(t, router, http.MethodPost, "/api/jobs/run", map[string]any{"spec_name": "echo", "runtime_args": map[string]any{}})
	var job domain.Job
	json.NewDecoder(w.Body).Decode(&job)

	w = doJSON(t, router, http.MethodPut, "/api/jobs/"+job.ID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var cancelled domain.Job
	json.NewDecoder(w.Body).Decode(&cancelled)
	if cancelled.Status != domain.JobCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
}

func TestHandler_QueueLifecycle(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/queues", map[string]string{
		"name": "batch", "strategy": "round_robin",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create queue: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var queue domain.Queue
	json.NewDecoder(w.Body).Decode(&queue)

	w = doJSON(t, router, http.MethodPost, "/api/queues/"+queue.ID+"/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start queue: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/api/queues/"+queue.ID+"/start", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("double start: expected 409, got %d", w.Code)
	}
}

func TestHandler_WorkerLifecycle(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/workers", map[string]any{
		"name": "local-1", "type": "local", "max_jobs": 2,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create worker: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var worker domain.Worker
	json.NewDecoder(w.Body).Decode(&worker)

	w = doJSON(t, router, http.MethodDelete, "/api/workers/"+worker.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete worker: expected 204, got %d", w.Code)
	}
}

func TestHandler_AuthRequired_RejectsWithoutToken(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemory()
	hub := eventbus.NewHub(nil)
	tails := eventbus.NewTailStore()
	router := NewRouter(RouterConfig{
		Repository:    repo,
		Jobs:          joblifecycle.NewController(repo, hub, tails, nil),
		Queues:        queuemgr.NewManager(repo, hub, nil, nil),
		Workers:       workermgr.NewManager(repo, hub, nil, nil),
		Auth:          auth.New(repo),
		Hub:           hub,
		Tails:         tails,
		HealthChecker: health.NewChecker(repo),
		RequireAuth:   true,
	})

	w := doJSON(t, router, http.MethodGet, "/api/specs", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHandler_Login_Succeeds(t *testing.T) {
	t.Parallel()
	repo := repository.NewMemory()
	hash, err := auth.HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if err := repo.CreateUser(ctxForTest(), &domain.User{ID: "u1", Username: "alice", PasswordHash: hash, Role: domain.RoleAdmin}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	hub := eventbus.NewHub(nil)
	tails := eventbus.NewTailStore()
	router := NewRouter(RouterConfig{
		Repository:    repo,
		Jobs:          joblifecycle.NewController(repo, hub, tails, nil),
		Queues:        queuemgr.NewManager(repo, hub, nil, nil),
		Workers:       workermgr.NewManager(repo, hub, nil, nil),
		Auth:          auth.New(repo),
		Hub:           hub,
		Tails:         tails,
		HealthChecker: health.NewChecker(repo),
		RequireAuth:   true,
	})

	w := doJSON(t, router, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "alice", "password": "s3cret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("expected a non-empty access token")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/specs", nil)
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec.Code)
	}
}
