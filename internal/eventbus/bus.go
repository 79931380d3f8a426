// Package eventbus fans out feed and delivery events to in-process
// subscribers such as the audit log.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"rss_relay/internal/model"
)

// Type identifies an event.
type Type string

// Emitted event types.
const (
	FeedEnabled     Type = "feed.enabled"
	FeedDisabled    Type = "feed.disabled"
	ArticleDelivery Type = "article.delivery"
	URLFailed       Type = "url.failed"
)

// Event is one published signal. Data holds a FeedStatus for feed events,
// a model.DeliveryState for article events and a URLFailure for url events.
type Event struct {
	Type Type
	Time time.Time
	Data any
}

// FeedStatus is the payload of feed.enabled and feed.disabled.
type FeedStatus struct {
	FeedID int64
	Code   model.DisabledCode
	Reason string
}

// URLFailure is the payload of url.failed.
type URLFailure struct {
	URL      string
	Reason   string
	FailedAt time.Time
}

// Publisher is the narrow side of the bus handed to producers.
type Publisher interface {
	Publish(e Event)
}

// Bus is an in-memory fanout. Publish never blocks: a subscriber whose
// buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered subscriber. The returned func removes it
// and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Discard is a Publisher that drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}
