// Package eventbus broadcasts request-lifecycle events from the proxy
// engine to any number of external consumers (the outer application's
// UI/bridge layer), without the engine ever blocking on delivery.
//
// Delivery is best-effort and per-subscriber buffered: if a subscriber
// falls behind and its buffer fills, the oldest pending event is dropped
// to make room for the newest one, and a synthetic LAG event reports how
// many were lost since the subscriber last caught up.
package eventbus

import (
	"sync"

	"github.com/google/uuid"

	"mitmcore/internal/logger"
)

// Kind identifies the lifecycle stage an Event reports.
type Kind string

// Event kinds broadcast over the bus.
const (
	RequestStarted   Kind = "REQUEST_STARTED"
	RequestCompleted Kind = "REQUEST_COMPLETED"
	RequestFailed    Kind = "REQUEST_FAILED"
	Lag              Kind = "LAG"
)

// DefaultBufferSize is the per-subscriber channel depth used when a
// subscriber doesn't request a custom size.
const DefaultBufferSize = 1024

// Event is one broadcast record. Fields beyond Kind/ID/TraceID are
// populated according to Kind: REQUEST_STARTED/COMPLETED carry View;
// REQUEST_FAILED carries ErrorKind; LAG carries Dropped.
type Event struct {
	Kind      Kind
	ID        int64
	TraceID   uuid.UUID
	View      any    // an exchange snapshot (request-only or full), kind-dependent
	ErrorKind string // set only for REQUEST_FAILED
	Dropped   int64  // set only for LAG
}

// Bus is a single-producer, multi-consumer broadcaster.
type Bus struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	log  *logger.Logger
}

type subscriber struct {
	ch      chan Event
	mu      sync.Mutex
	dropped int64
}

// New returns an empty Bus ready to accept subscribers and publishes.
func New() *Bus {
	return &Bus{
		subs: make(map[*subscriber]struct{}),
		log:  logger.New("EVENTBUS", "info"),
	}
}

// Subscribe registers a new consumer and returns a receive-only channel of
// events plus an Unsubscribe function. bufferSize <= 0 selects
// DefaultBufferSize.
func (b *Bus) Subscribe(bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	sub := &subscriber{ch: make(chan Event, bufferSize)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		close(sub.ch)
	}
	return sub.ch, unsubscribe
}

// Publish broadcasts ev to every current subscriber. It never blocks: a
// full subscriber buffer has its oldest event dropped to make room, and
// the subscriber's LAG counter is primed so the next delivered event is
// preceded by a LAG(dropped_count) marker.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *subscriber, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dropped > 0 {
		// A previous send dropped events; emit the LAG marker first so the
		// consumer learns about the gap before it sees the next live event.
		// On a full buffer the oldest queued event gives way to the marker
		// and is counted in it.
		lag := Event{Kind: Lag, Dropped: s.dropped}
		if !b.nonBlockingSend(s, lag) {
			select {
			case old := <-s.ch:
				if old.Kind == Lag {
					lag.Dropped += old.Dropped
				} else {
					lag.Dropped++
				}
			default:
			}
			b.nonBlockingSend(s, lag)
		}
		s.dropped = 0
	}

	if !b.nonBlockingSend(s, ev) {
		// Buffer still full after the LAG send (or no LAG was due): drop the
		// oldest queued event and retry once.
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
		if !b.nonBlockingSend(s, ev) {
			// Pathological: buffer refilled concurrently. Count this one as
			// dropped too; it will be reported on the next successful send.
			s.dropped++
			b.log.Warnf("publish", "dropped event %s for id=%d after buffer contention", ev.Kind, ev.ID)
		}
	}
}

func (b *Bus) nonBlockingSend(s *subscriber, ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}
