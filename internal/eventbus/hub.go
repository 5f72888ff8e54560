// Package eventbus is the in-process pub/sub that feeds SSE subscribers and
// per-entity log tails. It carries four event families: job_update,
// worker_update, queue_update, log_line. Its bounded-channel fan-out idiom
// mirrors internal/dispatcher/memory.go's worker-pool pattern, retargeted
// from "deliver one callback" to "maintain many live subscriber channels
// per topic."
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// SubscriberBufferSize bounds each subscriber's outbound channel.
const SubscriberBufferSize = 256

// SendTimeout is how long a publish blocks on a slow subscriber before
// dropping it.
const SendTimeout = 2 * time.Second

// Event is one message delivered to subscribers of a topic.
type Event struct {
	Topic string // e.g. "job:abc123", "jobs", "workers", "queues"
	Name  string // SSE event name, e.g. "job_update", "heartbeat"
	Seq   int64  // monotonically increasing per topic
	Data  any
}

// Hub fans out events to per-topic subscribers with per-topic sequence
// numbers. No event history is kept, so events published while a client
// is disconnected are not replayed on reconnect.
type Hub struct {
	mu       sync.Mutex
	seq      map[string]*atomic.Int64
	subs     map[string]map[*Subscription]struct{}
	onDrop   func(topic string)
}

// Subscription is a live subscriber's inbound channel. Callers read C until
// it closes (the hub closed it because Close() was called or the subscriber
// was dropped for a slow drain).
type Subscription struct {
	C      chan Event
	topic  string
	closed atomic.Bool
}

// NewHub creates an empty Hub. onDrop, if non-nil, is called whenever a
// subscriber is dropped for failing to drain within SendTimeout — wired to
// observability.Metrics.RecordSSEDropped by callers.
func NewHub(onDrop func(topic string)) *Hub {
	return &Hub{
		seq:    make(map[string]*atomic.Int64),
		subs:   make(map[string]map[*Subscription]struct{}),
		onDrop: onDrop,
	}
}

// Subscribe registers a new subscriber on topic and returns it plus an
// unsubscribe function the caller must defer.
func (h *Hub) Subscribe(topic string) (*Subscription, func()) {
	sub := &Subscription{C: make(chan Event, SubscriberBufferSize), topic: topic}

	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*Subscription]struct{})
	}
	h.subs[topic][sub] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.subs[topic], sub)
		h.mu.Unlock()
		sub.close()
	}
	return sub, unsubscribe
}

func (sub *Subscription) close() {
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.C)
	}
}

// nextSeq returns the next sequence number for topic, starting at 1.
func (h *Hub) nextSeq(topic string) int64 {
	h.mu.Lock()
	counter, ok := h.seq[topic]
	if !ok {
		counter = &atomic.Int64{}
		h.seq[topic] = counter
	}
	h.mu.Unlock()
	return counter.Add(1)
}

// Publish sends an event to every current subscriber of topic. A subscriber
// that cannot drain within SendTimeout is dropped (its channel closed, its
// subscription removed) rather than blocking the publisher.
func (h *Hub) Publish(topic, name string, data any) Event {
	ev := Event{Topic: topic, Name: name, Seq: h.nextSeq(topic), Data: data}

	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs[topic]))
	for sub := range h.subs[topic] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.deliver(sub, ev)
	}
	return ev
}

func (h *Hub) deliver(sub *Subscription, ev Event) {
	select {
	case sub.C <- ev:
	case <-time.After(SendTimeout):
		h.drop(sub)
	}
}

func (h *Hub) drop(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs[sub.topic], sub)
	h.mu.Unlock()
	sub.close()
	if h.onDrop != nil {
		h.onDrop(sub.topic)
	}
}

// SubscriberCount returns the number of live subscribers on topic, for
// observability and idle-close bookkeeping.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

// Heartbeat publishes a heartbeat event on topic. The list streams in
// internal/api do not call it; they write their own 15s heartbeats.
func (h *Hub) Heartbeat(topic string) {
	h.Publish(topic, "heartbeat", nil)
}

// WaitIdle blocks until ctx is done or timeout elapses with no send on sub.
// Callers use this to implement the 5-minute idle-close rule without the
// Hub itself needing to track per-reader read progress.
func WaitIdle(ctx context.Context, sub *Subscription, idleTimeout time.Duration) (Event, bool) {
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()
	select {
	case ev, ok := <-sub.C:
		return ev, ok
	case <-timer.C:
		return Event{}, false
	case <-ctx.Done():
		return Event{}, false
	}
}
