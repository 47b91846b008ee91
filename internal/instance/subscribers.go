package instance

import (
	"sync"
	"time"

	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// broadcaster fans instance events out to subscribers. Publishing never
// blocks the PTY reader: each subscriber owns a bounded buffer, overflow
// drops the oldest events, and one events_dropped notification carrying
// the drop count goes out per overflow burst.
type broadcaster struct {
	instanceID string
	bufferSize int

	mu     sync.Mutex
	subs   map[int]*instanceSubscriber
	nextID int
	closed bool
}

type instanceSubscriber struct {
	ch      chan v1.InstanceEvent
	dropped int
}

func newBroadcaster(instanceID string, bufferSize int) *broadcaster {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &broadcaster{
		instanceID: instanceID,
		bufferSize: bufferSize,
		subs:       make(map[int]*instanceSubscriber),
	}
}

func (b *broadcaster) subscribe() (<-chan v1.InstanceEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &instanceSubscriber{ch: make(chan v1.InstanceEvent, b.bufferSize)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

func (b *broadcaster) publish(event v1.InstanceEvent) {
	if event.InstanceID == "" {
		event.InstanceID = b.instanceID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.dropped > 0 && len(sub.ch) <= cap(sub.ch)-2 {
			sub.ch <- v1.InstanceEvent{
				Type:       v1.InstanceEventDropped,
				InstanceID: b.instanceID,
				Timestamp:  event.Timestamp,
				Dropped:    sub.dropped,
			}
			sub.dropped = 0
		}
		for len(sub.ch) == cap(sub.ch) {
			select {
			case <-sub.ch:
				sub.dropped++
			default:
			}
		}
		sub.ch <- event
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
