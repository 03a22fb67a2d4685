// Package sub implements Carapace's per-channel subscription fan-out
// (spec.md §4.7): a background task per watched channel consumes the
// adapter's event stream and multiplexes accepted events to every live
// subscription on that channel, each behind a bounded queue with an
// overflow-drop policy.
package sub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrClosed is returned by Next once a Subscription has been closed and
// its queue has drained.
var ErrClosed = errors.New("subscription closed")

// Event is one inbound message delivered to a subscription, already past
// the inbound policy check. DroppedCount is attached to the next
// delivered event after an overflow, per spec.md §4.7.
type Event struct {
	Payload      any
	DroppedCount uint64
}

// Subscription is a single (connection, channel) subscriber with a
// bounded event buffer. Overflow drops the oldest queued event and
// attaches a sticky dropped_count to the next delivery, rather than
// killing the connection (spec.md §4.7).
type Subscription struct {
	ID      string
	Channel string

	mu      sync.Mutex
	queue   []Event
	cap     int
	dropped uint64
	closed  atomic.Bool
	signal  chan struct{} // non-blocking wakeup for Next
}

// NewSubscription builds a Subscription with the given bounded capacity.
func NewSubscription(channel string, capacity int) *Subscription {
	return &Subscription{
		ID:      uuid.NewString(),
		Channel: channel,
		cap:     capacity,
		signal:  make(chan struct{}, 1),
	}
}

// deliver enqueues an event, applying the overflow-drop policy. Always
// succeeds from the producer's point of view: a full subscription never
// blocks the fan-out task (spec.md §4.7: "The connection is not killed
// for slowness").
func (s *Subscription) deliver(payload any) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	if len(s.queue) >= s.cap {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, Event{Payload: payload})
	if s.dropped > 0 {
		s.queue[0].DroppedCount = s.dropped
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, ctx is cancelled, or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			if ev.DroppedCount > 0 {
				s.dropped = 0
			}
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		if s.closed.Load() {
			return Event{}, ErrClosed
		}

		select {
		case <-s.signal:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close marks the subscription closed; pending Next calls return
// ErrClosed once the queue drains.
func (s *Subscription) Close() {
	s.closed.Store(true)
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Registry is the per-channel map of subscription id -> Subscription,
// guarded by a reader-writer discipline: fan-out takes a brief read lock
// to snapshot subscribers, registration/unregistration takes a write
// lock (spec.md §5).
type Registry struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // channel -> id -> subscription
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]map[string]*Subscription)}
}

// Register adds sub under its Channel and returns it.
func (r *Registry) Register(sub *Subscription) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[sub.Channel] == nil {
		r.subs[sub.Channel] = make(map[string]*Subscription)
	}
	r.subs[sub.Channel][sub.ID] = sub
	return sub
}

// Unregister removes a subscription by channel+id and closes it.
// Unsubscribe happens implicitly on connection close, per spec.md §4.7.
func (r *Registry) Unregister(channel, id string) {
	r.mu.Lock()
	sub, ok := r.subs[channel][id]
	if ok {
		delete(r.subs[channel], id)
	}
	r.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Reap drops any subscription already marked closed from the registry.
// Unregister already removes a subscription on the normal connection-
// close path; this exists as the periodic backstop spec.md §5 names
// ("subscription reaper") for any subscription that ends up closed
// without going through Unregister.
func (r *Registry) Reap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel, byID := range r.subs {
		for id, s := range byID {
			if s.closed.Load() {
				delete(byID, id)
			}
		}
		if len(byID) == 0 {
			delete(r.subs, channel)
		}
	}
}

// FanOut delivers payload to every live subscription on channel,
// preserving producer order per subscription (spec.md §4.7's ordering
// guarantee). No ordering guarantee is made across subscriptions.
func (r *Registry) FanOut(channel string, payload any) {
	r.mu.RLock()
	targets := make([]*Subscription, 0, len(r.subs[channel]))
	for _, s := range r.subs[channel] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.deliver(payload)
	}
}
