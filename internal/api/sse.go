package api

import (
	"context"
	"dispatchcore/internal/eventbus"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// sseIdleTimeout closes a stream after this long with no delivered event
// and no client disconnect.
const sseIdleTimeout = 5 * time.Minute

// heartbeatInterval drives list-stream heartbeats, every 15s.
const heartbeatInterval = 15 * time.Second

// beginSSE writes the SSE response headers and returns a flusher, or false
// if the ResponseWriter does not support flushing (should not happen with
// net/http's default transport).
func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if ok {
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
	}
	return flusher, ok
}

// writeSSE writes one event in `event: name\nid: seq\ndata: json\n\n` form.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, name string, seq int64, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", name, seq, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// subscriberTracker increments/decrements the SSE subscriber gauge around
// the lifetime of one connection, and records drops via the hub's onDrop
// callback (already wired to RecordSSEDropped at Hub construction).
func (h *Handler) subscriberTracker(ctx context.Context, topic string) func() {
	if h.metrics != nil {
		h.metrics.RecordSSESubscriberChange(ctx, topic, 1)
	}
	return func() {
		if h.metrics != nil {
			h.metrics.RecordSSESubscriberChange(ctx, topic, -1)
		}
	}
}

// waitNext blocks for the next event on sub, a heartbeat tick, or idle
// timeout, whichever comes first; hb may be nil to skip heartbeats (used by
// log streams, which have no periodic heartbeat requirement).
func waitNext(sub *eventbus.Subscription, hb <-chan time.Time) (eventbus.Event, string, bool) {
	timer := time.NewTimer(sseIdleTimeout)
	defer timer.Stop()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			return eventbus.Event{}, "closed", false
		}
		return ev, "event", true
	case <-hb:
		return eventbus.Event{}, "heartbeat", true
	case <-timer.C:
		return eventbus.Event{}, "idle", false
	}
}
