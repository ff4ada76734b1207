// Package events fans run updates out to subscribed clients. Delivery
// is push-based and best effort: a subscriber that cannot keep up
// loses events, and one that stays full long enough is assumed
// disconnected and dropped. The publisher never blocks.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beadsconsole/beadsconsole/internal/logging"
)

// Notification is the JSON envelope every subscriber receives.
type Notification struct {
	Type    string          `json:"type"`
	RunID   string          `json:"run_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}

// Consecutive full-buffer sends before a subscriber is presumed dead.
const dropLimit = 8

// Subscriber is one listener. Its channel closes when it is
// unsubscribed, the broadcaster shuts down, or it falls too far
// behind.
type Subscriber struct {
	id      uint64
	runID   string // empty means all runs
	ch      chan Notification
	dropped int
}

// C returns the subscriber's receive channel.
func (s *Subscriber) C() <-chan Notification { return s.ch }

// SnapshotFunc supplies the "full sync" state for a run at subscribe
// time. Returning false means no snapshot is available.
type SnapshotFunc func(runID string) (any, bool)

// Broadcaster multiplexes run events to per-run and global
// subscribers, with heartbeats on a fixed interval so transports can
// detect dead peers independent of payload traffic.
type Broadcaster struct {
	buffer   int
	snapshot SnapshotFunc
	log      zerolog.Logger
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscriber
	closed bool
}

// NewBroadcaster creates a broadcaster. A heartbeat > 0 starts the
// heartbeat ticker; snapshot may be nil.
func NewBroadcaster(buffer int, heartbeat time.Duration, snapshot SnapshotFunc) *Broadcaster {
	b := &Broadcaster{
		buffer:   buffer,
		snapshot: snapshot,
		log:      logging.Component("events"),
		now:      time.Now,
		stop:     make(chan struct{}),
		subs:     make(map[uint64]*Subscriber),
	}
	if b.buffer <= 0 {
		b.buffer = 64
	}
	if heartbeat > 0 {
		go b.heartbeatLoop(heartbeat)
	}
	return b
}

// Subscribe registers a listener for one run's events, or for every
// run when runID is empty. When a snapshot source is wired, a
// full_sync notification is delivered first so late subscribers start
// from current state rather than a gap.
func (b *Broadcaster) Subscribe(runID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscriber{
		id:    b.nextID,
		runID: runID,
		ch:    make(chan Notification, b.buffer),
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub

	if runID != "" && b.snapshot != nil {
		if state, ok := b.snapshot(runID); ok {
			sub.ch <- b.envelope("full_sync", runID, state)
		}
	}
	return sub
}

// Unsubscribe removes a listener and closes its channel. Safe to call
// for an already-dropped subscriber.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish fans one event out to the run's subscribers and every global
// subscriber. Never blocks: a full subscriber buffer drops this event
// for that subscriber only.
func (b *Broadcaster) Publish(runID, event string, payload any) {
	note := b.envelope(event, runID, payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.runID != "" && sub.runID != runID {
			continue
		}
		b.offer(sub, note)
	}
}

// offer attempts a non-blocking send. Caller holds b.mu.
func (b *Broadcaster) offer(sub *Subscriber, note Notification) {
	select {
	case sub.ch <- note:
		sub.dropped = 0
	default:
		sub.dropped++
		if sub.dropped >= dropLimit {
			// Nobody has read from this channel in a long while;
			// treat the subscriber as disconnected.
			delete(b.subs, sub.id)
			close(sub.ch)
			b.log.Warn().Str("run", sub.runID).Msg("dropped stalled subscriber")
		}
	}
}

func (b *Broadcaster) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}

		note := b.envelope("heartbeat", "", nil)
		b.mu.Lock()
		for _, sub := range b.subs {
			// Heartbeats go to every topic, per-run included.
			b.offer(sub, note)
		}
		b.mu.Unlock()
	}
}

func (b *Broadcaster) envelope(typ, runID string, payload any) Notification {
	note := Notification{Type: typ, RunID: runID, TS: b.now()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			b.log.Warn().Err(err).Str("type", typ).Msg("could not encode payload")
		} else {
			note.Payload = raw
		}
	}
	return note
}

// Close shuts the broadcaster down, closing every subscriber channel.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() { close(b.stop) })

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
