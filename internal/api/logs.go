package api

import (
	"dispatchcore/internal/apperrors"
	"dispatchcore/internal/domain"
	"net/http"
	"time"
)

// logTailKey maps an entity kind ("job", "worker", "queue") and path id to
// the LogTail/topic key used for it. Jobs use the bare job id, matching the
// key joblifecycle.Controller already writes under; workers and queues are
// namespaced since their ids share no relation to job ids.
func logTailKey(kind, id string) string {
	if kind == "job" {
		return id
	}
	return kind + ":" + id
}

func logTopic(kind, id string) string {
	if kind == "job" {
		return "job:" + id
	}
	return kind + ":log:" + id
}

func (h *Handler) checkEntityExists(r *http.Request, kind, id string) error {
	var err error
	switch kind {
	case "job":
		_, err = h.repo.GetJob(r.Context(), id)
	case "worker":
		_, err = h.repo.GetWorker(r.Context(), id)
	case "queue":
		_, err = h.repo.GetQueue(r.Context(), id)
	}
	if err != nil {
		return apperrors.NotFound(kind, id)
	}
	return nil
}

// GetLogs handles GET /api/{jobs,workers,queues}/{id}/logs. With
// ?full=true it returns the complete on-disk history instead of just the
// bounded in-memory tail (if disk persistence isn't configured it returns
// that tail, with its truncation marker when lines were evicted).
func (h *Handler) GetLogs(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := h.checkEntityExists(r, kind, id); err != nil {
			h.handleError(w, r, err)
			return
		}
		key := logTailKey(kind, id)
		var lines []string
		if r.URL.Query().Get("full") == "true" {
			full, err := h.tails.ReadFull(key)
			if err != nil {
				h.handleError(w, r, err)
				return
			}
			lines = full
		} else {
			lines = h.tails.Get(key).Snapshot()
		}
		h.writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
	}
}

// ClearLogs handles POST /api/{jobs,workers,queues}/{id}/logs/clear.
func (h *Handler) ClearLogs(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := h.checkEntityExists(r, kind, id); err != nil {
			h.handleError(w, r, err)
			return
		}
		h.tails.Delete(logTailKey(kind, id))
		w.WriteHeader(http.StatusNoContent)
	}
}

// StreamLogs handles GET /api/{jobs,workers,queues}/{id}/logs/stream (SSE).
// Replays the tail buffer then streams live appended lines. For jobs, a
// job_status event is sent and the stream closes with a 1s grace once the
// job reaches a terminal state.
func (h *Handler) StreamLogs(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := h.checkEntityExists(r, kind, id); err != nil {
			h.handleError(w, r, err)
			return
		}

		flusher, ok := beginSSE(w)
		if !ok {
			h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		topic := logTopic(kind, id)
		sub, unsubscribe := h.hub.Subscribe(topic)
		defer unsubscribe()
		done := h.subscriberTracker(r.Context(), topic)
		defer done()

		var seq int64
		for _, line := range h.tails.Get(logTailKey(kind, id)).Snapshot() {
			seq++
			if err := writeSSE(w, flusher, "log_line", seq, line); err != nil {
				return
			}
		}

		for {
			ev, kindOfWait, ok := waitNext(sub, nil)
			if !ok {
				if kindOfWait == "idle" {
					writeSSE(w, flusher, "close", seq+1, "idle timeout")
				}
				return
			}
			seq++
			switch ev.Name {
			case "log_line":
				if err := writeSSE(w, flusher, "log_line", seq, ev.Data); err != nil {
					return
				}
			case "job_update":
				job, isJob := ev.Data.(*domain.Job)
				if kind == "job" && isJob && job.Status.Terminal() {
					writeSSE(w, flusher, "job_status", seq, job)
					time.Sleep(1 * time.Second) // grace for last log_line delivery
					return
				}
			}
			select {
			case <-r.Context().Done():
				return
			default:
			}
		}
	}
}
