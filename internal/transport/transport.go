// Package transport implements the Worker Transport Client, the
// orchestrator's HTTP+SSE wire client to a worker process. Its
// retry/circuit-breaker pairing mirrors internal/dispatcher/memory.go:
// pkg/backoff for the exponential schedule, pkg/circuitbreaker.Registry for
// per-worker breakers so a persistently unreachable worker stops absorbing
// retries it cannot satisfy.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"dispatchcore/internal/domain"
	"dispatchcore/internal/observability"
	"dispatchcore/pkg/backoff"
	"dispatchcore/pkg/circuitbreaker"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxAttempts and retryBackoff implement a 3x retry with exponential
// backoff (250ms, 1s, 4s) on transient errors; 4xx responses are not retried.
const maxAttempts = 3

var retryBackoff = &backoff.Config{Initial: 250 * time.Millisecond, Max: 4 * time.Second}

// nonStreamingDeadline bounds every call except StreamLogs.
const nonStreamingDeadline = 10 * time.Second

// idleTimeout closes an SSE log stream that has gone quiet.
const idleTimeout = 5 * time.Minute

const breakerThreshold = 3
const breakerCooldown = 30 * time.Second

// Client is the orchestrator-side HTTP client for the worker wire protocol.
// It satisfies both queuemgr.ExecutionClient and workermgr.ProbeClient so
// those packages depend on it only through their own narrow interfaces.
type Client struct {
	http     *http.Client
	breakers *circuitbreaker.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New creates a Worker Transport Client.
func New(metrics *observability.Metrics) *Client {
	return &Client{
		http: &http.Client{Timeout: nonStreamingDeadline},
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: breakerThreshold,
			Cooldown:  breakerCooldown,
		}),
		metrics: metrics,
		logger:  slog.With("component", "transport"),
	}
}

// baseURL builds the worker's HTTP address. A worker with no hostname set
// (the local in-process default) is reached over loopback.
func baseURL(w *domain.Worker) string {
	host := w.Hostname
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, w.Port)
}

// executeRequest is the body of POST /execute.
type executeRequest struct {
	JobID       string         `json:"job_id"`
	Command     string         `json:"command"`
	RuntimeArgs map[string]any `json:"runtime_args"`
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	WorkerName  string `json:"worker_name"`
	CurrentJobs int    `json:"current_jobs"`
	MaxJobs     int    `json:"max_jobs"`
	State       string `json:"state"`
}

// Execute posts the execute command to worker. Satisfies
// queuemgr.ExecutionClient.
func (c *Client) Execute(ctx context.Context, worker *domain.Worker, job *domain.Job, spec *domain.JobSpecification) error {
	body, err := json.Marshal(executeRequest{JobID: job.ID, Command: spec.Command, RuntimeArgs: job.RuntimeArgs})
	if err != nil {
		return fmt.Errorf("marshal execute request: %w", err)
	}
	_, err = c.doWithRetry(ctx, worker, http.MethodPost, "/execute", bytes.NewReader(body))
	return err
}

// Cancel forwards a cancel request for jobID to worker. Idempotent: 200 if
// accepted or already gone.
func (c *Client) Cancel(ctx context.Context, worker *domain.Worker, jobID string) error {
	_, err := c.doWithRetry(ctx, worker, http.MethodPost, "/cancel/"+jobID, nil)
	return err
}

// Status fetches the worker's current load and state.
func (c *Client) Status(ctx context.Context, worker *domain.Worker) (*statusResponse, error) {
	resp, err := c.doWithRetry(ctx, worker, http.MethodGet, "/status", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Close()
	var out statusResponse
	if err := json.NewDecoder(resp).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &out, nil
}

// Probe issues the cheap health check used by the health monitor loop.
// Satisfies workermgr.ProbeClient. Health checks are not retried: a single
// miss is what the caller's consecutive-miss counter is for, and retrying
// here would double-count misses.
func (c *Client) Probe(ctx context.Context, worker *domain.Worker) error {
	ctx, cancel := context.WithTimeout(ctx, nonStreamingDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(worker)+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}

// transientStatus reports whether an HTTP status code is worth retrying.
// Connection-level errors are always retried by the caller; 5xx is
// transient, 4xx is not.
func transientStatus(code int) bool {
	return code >= 500
}

// doWithRetry performs one HTTP call against worker with the maxAttempts
// retry schedule, gated by a per-worker circuit breaker. The returned
// io.ReadCloser (non-nil only on success) is the response body; callers
// that don't need it must still close it.
func (c *Client) doWithRetry(ctx context.Context, worker *domain.Worker, method, path string, body io.Reader) (io.ReadCloser, error) {
	breaker := c.breakers.Get(worker.ID)
	if !breaker.Allow() {
		return nil, fmt.Errorf("circuit open for worker %s", worker.Name)
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	url := baseURL(worker) + path
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if c.metrics != nil {
				c.metrics.RecordTransportRetry(ctx, worker.Name)
			}
			select {
			// Odd steps of the base-2 schedule (1, 3, 5) give the x4 waits 250ms, 1s, 4s.
			case <-time.After(backoff.Exponential(2*attempt-3, retryBackoff)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, nonStreamingDeadline)
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(callCtx, method, url, reqBody)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("build request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("%s %s: %w", method, path, err)
			breaker.RecordFailure()
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			breaker.RecordSuccess()
			return &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}, nil
		}

		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		lastErr = fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
		if !transientStatus(resp.StatusCode) {
			breaker.RecordFailure()
			return nil, lastErr
		}
		breaker.RecordFailure()
	}
	return nil, lastErr
}

// cancelOnCloseBody ties a response body's lifetime to the context cancel
// func created for that attempt, so a caller that holds the body open
// (Status's json.Decoder) doesn't leak the per-attempt context.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

// LogLine is one line received from a worker's log stream, matching the
// event shape carried over the Event Bus.
type LogLine struct {
	JobID string
	Line  string
	Seq   int64
}

// LogSink receives lines and the terminal status observed while streaming
// a job's logs from its worker. Implemented by internal/joblifecycle so the
// transport package stays ignorant of job persistence.
type LogSink interface {
	AppendLogLine(jobID, line string)
	ApplyTerminal(ctx context.Context, jobID, status, errorMessage string) error
}

// StreamLogs connects to worker's SSE log stream for jobID and forwards
// every line to sink until the stream ends, the context is cancelled, or no
// data arrives for idleTimeout. It returns when the worker closes the
// stream or reports job's terminal status.
func (c *Client) StreamLogs(ctx context.Context, worker *domain.Worker, jobID string, sink LogSink) error {
	url := baseURL(worker) + "/logs/" + jobID + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("open log stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("open log stream: status %d: %s", resp.StatusCode, string(data))
	}

	type result struct {
		line string
		err  error
	}
	lines := make(chan result)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		var eventName, data string
		for scanner.Scan() {
			raw := scanner.Text()
			switch {
			case strings.HasPrefix(raw, "event:"):
				eventName = strings.TrimSpace(strings.TrimPrefix(raw, "event:"))
			case strings.HasPrefix(raw, "data:"):
				data = strings.TrimSpace(strings.TrimPrefix(raw, "data:"))
			case raw == "":
				if data != "" {
					lines <- result{line: eventName + "\x00" + data}
				}
				eventName, data = "", ""
			}
		}
		if err := scanner.Err(); err != nil {
			lines <- result{err: err}
		}
	}()

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return fmt.Errorf("log stream for job %s idle for %s", jobID, idleTimeout)
		case r, ok := <-lines:
			if !ok {
				return nil
			}
			if r.err != nil {
				return fmt.Errorf("read log stream: %w", r.err)
			}
			idle.Reset(idleTimeout)
			c.handleStreamEvent(ctx, jobID, r.line, sink)
		}
	}
}

// handleStreamEvent dispatches one decoded SSE message. "log_line" events
// append to the tail; "job_status" terminal events persist the outcome and
// end the stream (caller returns nil the next loop once the worker closes
// the connection after its 1s close grace).
func (c *Client) handleStreamEvent(ctx context.Context, jobID, combined string, sink LogSink) {
	parts := strings.SplitN(combined, "\x00", 2)
	name, data := "log_line", combined
	if len(parts) == 2 {
		name, data = parts[0], parts[1]
	}
	switch name {
	case "job_status":
		var payload struct {
			Status       string `json:"status"`
			ErrorMessage string `json:"error_message"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			c.logger.Error("decode job_status event", "job", jobID, "error", err)
			return
		}
		if err := sink.ApplyTerminal(ctx, jobID, payload.Status, payload.ErrorMessage); err != nil {
			c.logger.Error("apply terminal status from stream", "job", jobID, "error", err)
		}
	default:
		sink.AppendLogLine(jobID, data)
	}
}
