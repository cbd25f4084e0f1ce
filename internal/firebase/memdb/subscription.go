package memdb

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"firelink/internal/firebase"
)

// subscription tracks what one listener last saw and queues the events
// that bring it up to date. Delivery happens on the listener's own
// goroutine so a slow subscriber never blocks writers.
type subscription struct {
	segs  []string
	types []firebase.EventType
	sub   firebase.Subscriber

	value    json.RawMessage
	priority *float64
	children []firebase.Child

	mu        sync.Mutex
	queue     []firebase.Event
	cancelled *firebase.Error
	wake      chan struct{}
}

func newSubscription(segs []string, types []firebase.EventType, sub firebase.Subscriber) *subscription {
	return &subscription{
		segs:  segs,
		types: types,
		sub:   sub,
		wake:  make(chan struct{}, 1),
	}
}

func (s *subscription) wants(t firebase.EventType) bool {
	for _, x := range s.types {
		if x == t {
			return true
		}
	}
	return false
}

// prime queues the initial events. Called under the database lock.
func (s *subscription) prime(t *tree) {
	snap := t.snapshot(s.segs)
	s.children = t.children(s.segs)
	s.value = snap.Value
	s.priority = snap.Priority

	events := firebase.InitialChildEvents(s.children)
	if s.wants(firebase.EventValue) {
		events = append(events, firebase.Event{Type: firebase.EventValue, Snapshot: snap})
	}
	s.enqueue(events)
}

// update queues the events caused by a write. Called under the database
// lock.
func (s *subscription) update(t *tree) {
	snap := t.snapshot(s.segs)
	children := t.children(s.segs)

	events := firebase.DiffChildren(s.children, children)
	s.children = children
	if s.wants(firebase.EventValue) && (!bytes.Equal(snap.Value, s.value) || !samePriority(snap.Priority, s.priority)) {
		events = append(events, firebase.Event{Type: firebase.EventValue, Snapshot: snap})
	}
	s.value = snap.Value
	s.priority = snap.Priority
	s.enqueue(events)
}

func (s *subscription) enqueue(events []firebase.Event) {
	s.mu.Lock()
	for _, ev := range events {
		if s.wants(ev.Type) {
			s.queue = append(s.queue, ev)
		}
	}
	s.mu.Unlock()
	s.signal()
}

// cancel ends the subscription after the already queued events.
func (s *subscription) cancel(err *firebase.Error) {
	s.mu.Lock()
	if s.cancelled == nil {
		s.cancelled = err
	}
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run(ctx context.Context) {
	for {
		s.mu.Lock()
		events := s.queue
		s.queue = nil
		cancelled := s.cancelled
		s.mu.Unlock()

		for _, ev := range events {
			if ctx.Err() != nil {
				return
			}
			s.sub.OnEvent(ev)
		}
		if cancelled != nil {
			if ctx.Err() == nil {
				s.sub.OnCancelled(cancelled)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}

func samePriority(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
