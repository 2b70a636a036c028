// Package events carries the chart's change notifications from the
// store and selection layers to connected SSE clients.
package events

import (
	"sync"
	"time"
)

const (
	defaultReplaySize       = 256
	defaultSubscriberBuffer = 64
)

// Event types published on the broker. The web layer forwards them to
// SSE subscribers so open charts refresh without polling.
const (
	TypeSelectionChanged = "selection_changed"
	TypeStateChanged     = "state_changed"
	TypeRunsChanged      = "runs_changed"
	TypeFailsLoaded      = "fails_loaded"
)

type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      string    `json:"type"`
	DagID     string    `json:"dag_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Message   string    `json:"msg,omitempty"`
}

type Publisher interface {
	Publish(Event)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

// Broker fans events out to subscribers. A bounded replay ring lets a
// chart that connects mid-run catch up on recent activity.
type Broker struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	ring []Event
	head int
	size int
}

func NewBroker(replaySize int) *Broker {
	if replaySize <= 0 {
		replaySize = defaultReplaySize
	}
	return &Broker{
		subs: make(map[chan Event]struct{}),
		ring: make([]Event, replaySize),
	}
}

// Publish stamps the event and delivers it to every subscriber that can
// take it. Delivery never blocks: a subscriber with a full channel
// misses the event instead of stalling the publisher, so holding the
// lock across the sends is safe.
func (b *Broker) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[(b.head+b.size)%len(b.ring)] = event
	if b.size < len(b.ring) {
		b.size++
	} else {
		b.head = (b.head + 1) % len(b.ring)
	}

	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a subscriber and returns its live channel, a
// cancel func, and the replay history in publish order.
func (b *Broker) Subscribe() (<-chan Event, func(), []Event) {
	if b == nil {
		return nil, func() {}, nil
	}
	ch := make(chan Event, defaultSubscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	history := make([]Event, b.size)
	for i := range history {
		history[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel, history
}
