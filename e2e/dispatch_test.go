//go:build e2e

// Package e2e exercises the six end-to-end scenarios against a real HTTP
// API server, a real dispatch loop and health monitor, and fake worker
// processes reached over real HTTP+SSE: spin up the queue/worker managers
// over an in-memory repository and drive them through an httptest server.
package e2e

import (
	"bytes"
	"context"
	"dispatchcore/internal/api"
	"dispatchcore/internal/auth"
	"dispatchcore/internal/domain"
	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/health"
	"dispatchcore/internal/joblifecycle"
	"dispatchcore/internal/queuemgr"
	"dispatchcore/internal/repository"
	"dispatchcore/internal/testutil"
	"dispatchcore/internal/transport"
	"dispatchcore/internal/workermgr"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// e2eLogStreamerAdapter satisfies queuemgr.LogStreamer using *transport.Client,
// the same adapter cmd/orchestratord uses to bridge the two structurally
// identical LogSink interfaces.
type e2eLogStreamerAdapter struct {
	client *transport.Client
}

func (a e2eLogStreamerAdapter) StreamLogs(ctx context.Context, worker *domain.Worker, jobID string, sink queuemgr.LogSink) error {
	return a.client.StreamLogs(ctx, worker, jobID, sink)
}

// testEnv wires the real orchestrator components over an in-memory
// repository, the same set cmd/orchestratord wires in production.
type testEnv struct {
	t       *testing.T
	api     *httptest.Server
	repo    repository.Repository
	jobs    *joblifecycle.Controller
	queues  *queuemgr.Manager
	workers *workermgr.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := repository.NewMemory()
	hub := eventbus.NewHub(nil)
	tails := eventbus.NewTailStore()

	jobs := joblifecycle.NewController(repo, hub, tails, nil)
	transportClient := transport.New(nil)
	queues := queuemgr.NewManager(repo, hub, nil, transportClient)
	queues.SetLogStreaming(e2eLogStreamerAdapter{transportClient}, jobs.LogSink())
	workers := workermgr.NewManager(repo, hub, nil, transportClient,
		workermgr.WithProbeInterval(workermgr.MinProbeInterval),
		workermgr.WithDispatchWaker(queues))

	authSvc := auth.New(repo)
	healthChecker := health.NewChecker(repo)

	router := api.NewRouter(api.RouterConfig{
		Repository:    repo,
		Jobs:          jobs,
		Queues:        queues,
		Workers:       workers,
		Auth:          authSvc,
		Transport:     transportClient,
		Hub:           hub,
		Tails:         tails,
		HealthChecker: healthChecker,
		RequireAuth:   false,
	})

	ctx, cancel := context.WithCancel(context.Background())
	queues.Start(ctx)
	workers.Start(ctx)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		queues.Stop()
		workers.Stop()
		server.Close()
	})

	return &testEnv{t: t, api: server, repo: repo, jobs: jobs, queues: queues, workers: workers}
}

func (e *testEnv) post(path string, body any) *http.Response {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	resp, err := http.Post(e.api.URL+path, "application/json", reader)
	if err != nil {
		e.t.Fatal(err)
	}
	return resp
}

func (e *testEnv) put(path string, body any) *http.Response {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPut, e.api.URL+path, reader)
	if err != nil {
		e.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatal(err)
	}
	return resp
}

func (e *testEnv) get(path string) *http.Response {
	e.t.Helper()
	resp, err := http.Get(e.api.URL + path)
	if err != nil {
		e.t.Fatal(err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// --- fake worker process -----------------------------------------------

// fakeJobRun holds the simulated outcome of one dispatched job.
type fakeJobRun struct {
	command string
	events  chan sseFrame
	cancel  chan struct{}
	once    sync.Once
}

type sseFrame struct {
	name string
	data string
}

// fakeWorker implements the worker-side wire contract well enough to drive
// the six scenarios: /execute, /cancel/{id}, /status, /health, and an SSE
// /logs/{id}/stream.
type fakeWorker struct {
	mu        sync.Mutex
	jobs      map[string]*fakeJobRun
	unhealthy bool
	server    *httptest.Server
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	fw := &fakeWorker{jobs: make(map[string]*fakeJobRun)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", fw.handleExecute)
	mux.HandleFunc("POST /cancel/{id}", fw.handleCancel)
	mux.HandleFunc("GET /status", fw.handleStatus)
	mux.HandleFunc("GET /health", fw.handleHealth)
	mux.HandleFunc("GET /logs/{id}/stream", fw.handleStream)
	fw.server = httptest.NewServer(mux)
	t.Cleanup(fw.server.Close)
	return fw
}

func (fw *fakeWorker) hostPort() (string, int) {
	u, err := url.Parse(fw.server.URL)
	if err != nil {
		panic(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return host, port
}

func (fw *fakeWorker) setUnhealthy(v bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.unhealthy = v
}

type executeRequest struct {
	JobID   string `json:"job_id"`
	Command string `json:"command"`
}

func (fw *fakeWorker) handleExecute(w http.ResponseWriter, r *http.Request) {
	fw.mu.Lock()
	if fw.unhealthy {
		fw.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	fw.mu.Unlock()

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	run := &fakeJobRun{command: req.Command, events: make(chan sseFrame, 8), cancel: make(chan struct{})}
	fw.mu.Lock()
	fw.jobs[req.JobID] = run
	fw.mu.Unlock()

	go fw.simulate(req.JobID, run)
	w.WriteHeader(http.StatusOK)
}

func (fw *fakeWorker) simulate(jobID string, run *fakeJobRun) {
	switch {
	case strings.Contains(run.command, "sleep"):
		select {
		case <-run.cancel:
			run.events <- sseFrame{"job_status", `{"status":"cancelled","error_message":"cancelled by operator"}`}
		case <-time.After(30 * time.Second):
			run.events <- sseFrame{"job_status", `{"status":"completed"}`}
		}
	case run.command == "false":
		time.Sleep(20 * time.Millisecond)
		run.events <- sseFrame{"job_status", `{"status":"failed","error_message":"command exited with code 1"}`}
	default:
		time.Sleep(20 * time.Millisecond)
		run.events <- sseFrame{"log_line", "hi"}
		run.events <- sseFrame{"job_status", `{"status":"completed"}`}
	}
	close(run.events)
}

func (fw *fakeWorker) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fw.mu.Lock()
	run, ok := fw.jobs[id]
	fw.mu.Unlock()
	if ok {
		run.once.Do(func() { close(run.cancel) })
	}
	w.WriteHeader(http.StatusOK)
}

func (fw *fakeWorker) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"worker_name":"fake","current_jobs":0,"max_jobs":1,"state":"started"}`)
}

func (fw *fakeWorker) handleHealth(w http.ResponseWriter, r *http.Request) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.unhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (fw *fakeWorker) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fw.mu.Lock()
	run, ok := fw.jobs[id]
	fw.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for frame := range run.events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.name, frame.data)
		flusher.Flush()
	}
}

// registerLocalWorker creates, registers, and starts a worker pointed at fw,
// then waits for the health monitor to mark it online.
func (e *testEnv) registerLocalWorker(t *testing.T, name string, fw *fakeWorker, maxJobs int) *domain.Worker {
	t.Helper()
	host, port := fw.hostPort()
	resp := e.post("/api/workers", map[string]any{
		"name": name, "type": "local", "hostname": host, "port": port, "max_jobs": maxJobs,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create worker: status %d", resp.StatusCode)
	}
	worker := decodeBody[domain.Worker](t, resp)

	resp = e.post("/api/workers/"+worker.ID+"/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start worker: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	testutil.MustWaitFor(t, func() bool {
		got, err := e.repo.GetWorker(context.Background(), worker.ID)
		return err == nil && got.Status == domain.StatusOnline
	}, testutil.WithTimeout(10*time.Second))
	return &worker
}

func (e *testEnv) createSpec(t *testing.T, name, command string) {
	t.Helper()
	resp := e.post("/api/specs", map[string]any{"name": name, "command": command})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create spec %q: status %d", name, resp.StatusCode)
	}
	resp.Body.Close()
}

func (e *testEnv) createQueue(t *testing.T, name, strategy string, isDefault bool) domain.Queue {
	t.Helper()
	resp := e.post("/api/queues", map[string]any{"name": name, "strategy": strategy, "is_default": isDefault})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create queue %q: status %d", name, resp.StatusCode)
	}
	return decodeBody[domain.Queue](t, resp)
}

func (e *testEnv) startQueue(t *testing.T, id string) {
	t.Helper()
	resp := e.post("/api/queues/"+id+"/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start queue: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func (e *testEnv) assignWorker(t *testing.T, queueID, workerID string) {
	t.Helper()
	resp := e.post("/api/queues/"+queueID+"/workers/"+workerID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("assign worker: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func (e *testEnv) runJob(t *testing.T, specName, queueName string) domain.Job {
	t.Helper()
	resp := e.post("/api/jobs/run", map[string]any{"spec_name": specName, "queue": queueName})
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("run job: status %d: %s", resp.StatusCode, body)
	}
	return decodeBody[domain.Job](t, resp)
}

func (e *testEnv) getJob(t *testing.T, id string) domain.Job {
	t.Helper()
	resp := e.get("/api/jobs/" + id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job: status %d", resp.StatusCode)
	}
	return decodeBody[domain.Job](t, resp)
}

// --- scenario 1: happy path ---------------------------------------------

func TestE2E_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	fw := newFakeWorker(t)
	env.createSpec(t, "echo", "echo hi")
	queue := env.createQueue(t, "default", "round_robin", true)
	env.startQueue(t, queue.ID)
	worker := env.registerLocalWorker(t, "w1", fw, 2)
	env.assignWorker(t, queue.ID, worker.ID)

	job := env.runJob(t, "echo", "")
	if job.Status != domain.JobPending {
		t.Fatalf("expected new job Pending, got %s", job.Status)
	}

	testutil.MustWaitFor(t, func() bool {
		return env.getJob(t, job.ID).Status == domain.JobCompleted
	}, testutil.WithTimeout(10*time.Second))

	resp := env.get("/api/jobs/" + job.ID + "/logs")
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "hi") {
		t.Fatalf("expected logs to contain 'hi', got %q", body)
	}
}

// --- scenario 2: cancel while running ------------------------------------

func TestE2E_CancelWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	fw := newFakeWorker(t)
	env.createSpec(t, "sleeper", "sleep 30")
	queue := env.createQueue(t, "default", "round_robin", true)
	env.startQueue(t, queue.ID)
	worker := env.registerLocalWorker(t, "w1", fw, 2)
	env.assignWorker(t, queue.ID, worker.ID)

	job := env.runJob(t, "sleeper", "")
	testutil.MustWaitFor(t, func() bool {
		return env.getJob(t, job.ID).Status == domain.JobRunning
	}, testutil.WithTimeout(5*time.Second))

	resp := env.put("/api/jobs/"+job.ID+"/cancel", nil)
	resp.Body.Close()

	testutil.MustWaitFor(t, func() bool {
		got := env.getJob(t, job.ID)
		return got.Status == domain.JobCancelled && got.ErrorMessage != ""
	}, testutil.WithTimeout(5*time.Second))
}

// --- scenario 3: retry failed --------------------------------------------

func TestE2E_RetryFailed(t *testing.T) {
	env := newTestEnv(t)
	fw := newFakeWorker(t)
	env.createSpec(t, "fails", "false")
	queue := env.createQueue(t, "default", "round_robin", true)
	env.startQueue(t, queue.ID)
	worker := env.registerLocalWorker(t, "w1", fw, 2)
	env.assignWorker(t, queue.ID, worker.ID)

	job := env.runJob(t, "fails", "")
	testutil.MustWaitFor(t, func() bool {
		return env.getJob(t, job.ID).Status == domain.JobFailed
	}, testutil.WithTimeout(5*time.Second))

	resp := env.put("/api/jobs/"+job.ID+"/retry", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry: status %d", resp.StatusCode)
	}
	var out struct {
		NewJobID string `json:"new_job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if out.NewJobID == "" {
		t.Fatal("expected non-empty new_job_id")
	}

	old := env.getJob(t, job.ID)
	if old.Status != domain.JobFailed {
		t.Fatalf("expected original job to remain Failed, got %s", old.Status)
	}
	fresh := env.getJob(t, out.NewJobID)
	if fresh.Status != domain.JobPending && fresh.Status != domain.JobRunning {
		t.Fatalf("expected new job to have started, got %s", fresh.Status)
	}
}

// --- scenario 4: queue move -----------------------------------------------

func TestE2E_QueueMove(t *testing.T) {
	env := newTestEnv(t)
	fw := newFakeWorker(t)
	env.createSpec(t, "echo", "echo hi")

	_ = env.createQueue(t, "A", "round_robin", true)
	queueB := env.createQueue(t, "B", "round_robin", false)
	env.startQueue(t, queueB.ID)
	worker := env.registerLocalWorker(t, "w1", fw, 2)
	env.assignWorker(t, queueB.ID, worker.ID)

	// queue A is stopped (never started): job stays Pending, never Running.
	job := env.runJob(t, "echo", "A")
	time.Sleep(200 * time.Millisecond)
	got := env.getJob(t, job.ID)
	if got.Status != domain.JobPending {
		t.Fatalf("expected job on stopped queue A to stay Pending, got %s", got.Status)
	}

	resp := env.put("/api/jobs/"+job.ID+"/move", map[string]any{"new_queue": "B"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("move: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	testutil.MustWaitFor(t, func() bool {
		return env.getJob(t, job.ID).Status == domain.JobRunning || env.getJob(t, job.ID).Status == domain.JobCompleted
	}, testutil.WithTimeout(2*time.Second))
}

// --- scenario 5: worker fail-over on transport error ----------------------

func TestE2E_WorkerFailover(t *testing.T) {
	env := newTestEnv(t)
	fwBad := newFakeWorker(t)
	fwGood := newFakeWorker(t)
	env.createSpec(t, "echo", "echo hi")
	queue := env.createQueue(t, "Q", "round_robin", true)
	env.startQueue(t, queue.ID)

	w1 := env.registerLocalWorker(t, "w1", fwBad, 2)
	w2 := env.registerLocalWorker(t, "w2", fwGood, 2)
	env.assignWorker(t, queue.ID, w1.ID)
	env.assignWorker(t, queue.ID, w2.ID)

	fwBad.setUnhealthy(true)

	job1 := env.runJob(t, "echo", "Q")
	job2 := env.runJob(t, "echo", "Q")

	testutil.MustWaitFor(t, func() bool {
		j1, j2 := env.getJob(t, job1.ID), env.getJob(t, job2.ID)
		return j1.AssignedWorker == w2.ID && j2.AssignedWorker == w2.ID
	}, testutil.WithTimeout(10*time.Second))

	testutil.MustWaitFor(t, func() bool {
		got, err := env.repo.GetWorker(context.Background(), w1.ID)
		return err == nil && got.Status == domain.StatusError
	}, testutil.WithTimeout(10*time.Second))
}

// --- scenario 6: least-loaded strategy -------------------------------------

func TestE2E_LeastLoadedStrategy(t *testing.T) {
	env := newTestEnv(t)
	fw1 := newFakeWorker(t)
	fw2 := newFakeWorker(t)
	env.createSpec(t, "echo", "echo hi")
	queue := env.createQueue(t, "Q", "least_loaded", true)
	env.startQueue(t, queue.ID)

	w1 := env.registerLocalWorker(t, "w1", fw1, 4)
	w2 := env.registerLocalWorker(t, "w2", fw2, 4)
	env.assignWorker(t, queue.ID, w1.ID)
	env.assignWorker(t, queue.ID, w2.ID)

	ctx := context.Background()
	loaded, err := env.repo.GetWorker(ctx, w1.ID)
	if err != nil {
		t.Fatal(err)
	}
	loaded.CurrentJobs = 2
	if err := env.repo.UpdateWorker(ctx, loaded); err != nil {
		t.Fatal(err)
	}

	job := env.runJob(t, "echo", "Q")
	testutil.MustWaitFor(t, func() bool {
		return env.getJob(t, job.ID).AssignedWorker == w2.ID
	}, testutil.WithTimeout(5*time.Second))
}
