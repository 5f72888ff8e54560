package api

import (
	"dispatchcore/internal/repository"
	"net/http"
	"time"
)

// coalesceWindow bounds how often a list stream re-sends its full snapshot
// after a burst of updates: incremental updates at most every 500ms,
// coalesced.
const coalesceWindow = 500 * time.Millisecond

// realtimeStream is shared by /api/jobs/realtime, /api/workers/realtime, and
// /api/queues/realtime. topic is the hub topic to subscribe to; eventName is
// the SSE event name for both the initial snapshot and every coalesced
// update; snapshot fetches the current full list on demand.
func (h *Handler) realtimeStream(topic, eventName string, snapshot func() (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := beginSSE(w)
		if !ok {
			h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		sub, unsubscribe := h.hub.Subscribe(topic)
		defer unsubscribe()
		done := h.subscriberTracker(r.Context(), topic)
		defer done()

		var seq int64
		send := func() bool {
			data, err := snapshot()
			if err != nil {
				return false
			}
			seq++
			return writeSSE(w, flusher, eventName, seq, data) == nil
		}
		if !send() {
			return
		}

		coalesce := time.NewTimer(coalesceWindow)
		coalesce.Stop()
		pending := false
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		idle := time.NewTimer(sseIdleTimeout)
		defer idle.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				_ = ev
				idle.Reset(sseIdleTimeout)
				if !pending {
					pending = true
					coalesce.Reset(coalesceWindow)
				}
			case <-coalesce.C:
				pending = false
				if !send() {
					return
				}
			case <-heartbeat.C:
				seq++
				if writeSSE(w, flusher, "heartbeat", seq, nil) != nil {
					return
				}
			case <-idle.C:
				seq++
				writeSSE(w, flusher, "idle_timeout", seq, "closing after 5 minutes idle")
				return
			}
		}
	}
}

// JobsRealtime handles GET /api/jobs/realtime.
func (h *Handler) JobsRealtime(w http.ResponseWriter, r *http.Request) {
	h.realtimeStream("jobs", "jobs_update", func() (any, error) {
		jobs, _, err := h.repo.ListJobs(r.Context(), repository.JobFilter{PerPage: 0})
		return jobs, err
	})(w, r)
}

// WorkersRealtime handles GET /api/workers/realtime.
func (h *Handler) WorkersRealtime(w http.ResponseWriter, r *http.Request) {
	h.realtimeStream("workers", "workers_update", func() (any, error) {
		return h.repo.ListWorkers(r.Context())
	})(w, r)
}

// QueuesRealtime handles GET /api/queues/realtime.
func (h *Handler) QueuesRealtime(w http.ResponseWriter, r *http.Request) {
	h.realtimeStream("queues", "queues_update", func() (any, error) {
		return h.repo.ListQueues(r.Context())
	})(w, r)
}
