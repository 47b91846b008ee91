// Package events carries execution progress from the pattern executors
// and DAG runner to subscribers (WebSocket streams, the NATS mirror, and
// synchronous deployment callers).
//
// A Hub belongs to one execution. Publishing never blocks: each
// subscriber owns a bounded buffer, overflow drops the oldest events,
// and the subscriber sees a single events_dropped notification for each
// overflow burst instead of silent loss.
package events

import (
	"sync"
	"time"

	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// Sink accepts execution events. The pattern executors and the DAG
// runner publish through this; Hub is the canonical implementation.
type Sink interface {
	Publish(event v1.ExecutionEvent)
}

// DefaultBufferSize is the per-subscriber channel capacity when the
// caller does not configure one.
const DefaultBufferSize = 256

type subscriber struct {
	ch      chan v1.ExecutionEvent
	dropped int
}

// Hub fans one execution's events out to its subscribers and retains the
// ordered trace for synchronous callers.
type Hub struct {
	executionID string
	bufferSize  int

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	trace  []v1.ExecutionEvent
	closed bool
}

// NewHub creates a Hub for one execution. bufferSize <= 0 selects
// DefaultBufferSize.
func NewHub(executionID string, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		executionID: executionID,
		bufferSize:  bufferSize,
		subs:        make(map[int]*subscriber),
	}
}

// ExecutionID returns the execution this hub belongs to.
func (h *Hub) ExecutionID() string { return h.executionID }

// Publish appends the event to the trace and delivers it to every
// subscriber without blocking. Events published after Close are ignored.
func (h *Hub) Publish(event v1.ExecutionEvent) {
	if event.ExecutionID == "" {
		event.ExecutionID = h.executionID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.trace = append(h.trace, event)

	for _, sub := range h.subs {
		// A pending drop marker goes out first, once there is room for
		// both it and the event.
		if sub.dropped > 0 && len(sub.ch) <= cap(sub.ch)-2 {
			sub.ch <- v1.ExecutionEvent{
				Type:        "events_dropped",
				ExecutionID: h.executionID,
				Timestamp:   event.Timestamp,
				Text:        "subscriber fell behind; oldest events dropped",
			}
			sub.dropped = 0
		}

		for len(sub.ch) == cap(sub.ch) {
			// Drop oldest. The subscriber may race us consuming; the
			// select keeps this non-blocking either way.
			select {
			case <-sub.ch:
				sub.dropped++
			default:
			}
		}
		sub.ch <- event
	}
}

// Subscribe registers a subscriber and returns the trace so far, the
// live channel, and a cancel function. The replay plus the channel
// together contain every event published to the hub, in order, with no
// gap and no duplicates.
func (h *Hub) Subscribe() (replay []v1.ExecutionEvent, ch <-chan v1.ExecutionEvent, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay = make([]v1.ExecutionEvent, len(h.trace))
	copy(replay, h.trace)

	sub := &subscriber{ch: make(chan v1.ExecutionEvent, h.bufferSize)}
	if h.closed {
		close(sub.ch)
		return replay, sub.ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = sub

	cancel = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
	return replay, sub.ch, cancel
}

// Trace returns a copy of all events published so far.
func (h *Hub) Trace() []v1.ExecutionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	trace := make([]v1.ExecutionEvent, len(h.trace))
	copy(trace, h.trace)
	return trace
}

// Close ends the stream: subscriber channels are closed after draining
// whatever is already buffered. Call after the terminal event.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
