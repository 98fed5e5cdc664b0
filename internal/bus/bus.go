// Package bus fans run events out to in-process subscribers. Delivery
// is best effort: the durable record lives in the run_events table, the
// bus only powers live streaming.
package bus

import (
	"log/slog"
	"sync"

	"github.com/neutra-labs/neutra-go/internal/domain"
)

// DefaultBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind is dropped rather than allowed to stall
// publishers.
const DefaultBuffer = 64

// allRuns is the internal key for firehose subscriptions.
const allRuns = "*"

type subscriber struct {
	ch     chan domain.RunEvent
	closed bool
}

// Broadcaster distributes run events to per-run and firehose
// subscribers. Publish never blocks; slow subscribers lose their
// subscription, not everyone else's throughput.
type Broadcaster struct {
	mu      sync.Mutex
	streams map[string]map[*subscriber]struct{}
	buffer  int
	stopped bool
	log     *slog.Logger
}

func NewBroadcaster(buffer int, log *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		streams: make(map[string]map[*subscriber]struct{}),
		buffer:  buffer,
		log:     log,
	}
}

// Subscribe registers for one run's events. The returned cancel func is
// safe to call more than once and after the broadcaster dropped the
// subscriber.
func (b *Broadcaster) Subscribe(runID string) (<-chan domain.RunEvent, func()) {
	return b.subscribe(runID)
}

// SubscribeAll registers for every run's events.
func (b *Broadcaster) SubscribeAll() (<-chan domain.RunEvent, func()) {
	return b.subscribe(allRuns)
}

func (b *Broadcaster) subscribe(key string) (<-chan domain.RunEvent, func()) {
	sub := &subscriber{ch: make(chan domain.RunEvent, b.buffer)}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	set, ok := b.streams[key]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.streams[key] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(key, sub)
	}
	return sub.ch, cancel
}

// Publish delivers the event to the run's subscribers and the firehose.
func (b *Broadcaster) Publish(event domain.RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.publishLocked(event.RunID, event)
	b.publishLocked(allRuns, event)
}

func (b *Broadcaster) publishLocked(key string, event domain.RunEvent) {
	for sub := range b.streams[key] {
		select {
		case sub.ch <- event:
		default:
			b.log.Warn("dropping slow event subscriber",
				"run_id", event.RunID,
				"buffer", b.buffer,
			)
			b.removeLocked(key, sub)
		}
	}
}

// CloseStream tells the run's subscribers that no further events will
// arrive, by delivering the stream-end sentinel and closing their
// channels. Firehose subscribers receive the sentinel but stay
// subscribed.
func (b *Broadcaster) CloseStream(runID string) {
	sentinel := domain.RunEvent{RunID: runID, Type: domain.EventTypeStreamEnd}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.publishLocked(allRuns, sentinel)
	for sub := range b.streams[runID] {
		select {
		case sub.ch <- sentinel:
		default:
		}
		b.removeLocked(runID, sub)
	}
}

// Stop closes every subscriber channel. Subsequent publishes are no-ops
// and subsequent subscribes return an already-closed channel.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	for key, set := range b.streams {
		for sub := range set {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(b.streams, key)
	}
}

func (b *Broadcaster) removeLocked(key string, sub *subscriber) {
	set, ok := b.streams[key]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.streams, key)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}
