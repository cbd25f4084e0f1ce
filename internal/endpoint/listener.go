package endpoint

import (
	"sync"

	"firelink/internal/firebase"
)

// ValueEventListener receives the value of a location whenever it changes.
type ValueEventListener interface {
	OnDataChange(snap firebase.Snapshot)
	OnCancelled(err *firebase.Error)
	// Release is called exactly once, when the endpoint holding the
	// listener closes. No notification follows it.
	Release()
}

// ChildEventListener receives changes to the children of a location.
type ChildEventListener interface {
	OnChildAdded(snap firebase.Snapshot, prevKey string)
	OnChildChanged(snap firebase.Snapshot, prevKey string)
	OnChildMoved(snap firebase.Snapshot, prevKey string)
	OnChildRemoved(snap firebase.Snapshot)
	OnCancelled(err *firebase.Error)
	Release()
}

// ValueListenerFuncs adapts plain functions to a ValueEventListener. Nil
// fields are skipped.
type ValueListenerFuncs struct {
	DataChange func(firebase.Snapshot)
	Cancelled  func(*firebase.Error)
	Released   func()
}

func (f ValueListenerFuncs) OnDataChange(snap firebase.Snapshot) {
	if f.DataChange != nil {
		f.DataChange(snap)
	}
}

func (f ValueListenerFuncs) OnCancelled(err *firebase.Error) {
	if f.Cancelled != nil {
		f.Cancelled(err)
	}
}

func (f ValueListenerFuncs) Release() {
	if f.Released != nil {
		f.Released()
	}
}

// ChildListenerFuncs adapts plain functions to a ChildEventListener. Event
// receives every child event with its type.
type ChildListenerFuncs struct {
	Event     func(firebase.Event)
	Cancelled func(*firebase.Error)
	Released  func()
}

func (f ChildListenerFuncs) emit(t firebase.EventType, snap firebase.Snapshot, prev string) {
	if f.Event != nil {
		f.Event(firebase.Event{Type: t, Snapshot: snap, PrevKey: prev})
	}
}

func (f ChildListenerFuncs) OnChildAdded(snap firebase.Snapshot, prevKey string) {
	f.emit(firebase.EventChildAdded, snap, prevKey)
}

func (f ChildListenerFuncs) OnChildChanged(snap firebase.Snapshot, prevKey string) {
	f.emit(firebase.EventChildChanged, snap, prevKey)
}

func (f ChildListenerFuncs) OnChildMoved(snap firebase.Snapshot, prevKey string) {
	f.emit(firebase.EventChildMoved, snap, prevKey)
}

func (f ChildListenerFuncs) OnChildRemoved(snap firebase.Snapshot) {
	f.emit(firebase.EventChildRemoved, snap, "")
}

func (f ChildListenerFuncs) OnCancelled(err *firebase.Error) {
	if f.Cancelled != nil {
		f.Cancelled(err)
	}
}

func (f ChildListenerFuncs) Release() {
	if f.Released != nil {
		f.Released()
	}
}

const (
	kindValue = "value"
	kindChild = "child"
)

// handle retains a listener for the lifetime of its endpoint. It serializes
// delivery with release, so a released listener is never called again.
// Listeners must not close their own endpoint from inside a callback.
type handle struct {
	mu       sync.Mutex
	released bool
	deliver  func(firebase.Event)
	cancel   func(*firebase.Error)
	release  func()
}

func newValueHandle(l ValueEventListener) *handle {
	return &handle{
		deliver: func(ev firebase.Event) {
			if ev.Type == firebase.EventValue {
				l.OnDataChange(ev.Snapshot)
			}
		},
		cancel:  l.OnCancelled,
		release: l.Release,
	}
}

func newChildHandle(l ChildEventListener) *handle {
	return &handle{
		deliver: func(ev firebase.Event) {
			switch ev.Type {
			case firebase.EventChildAdded:
				l.OnChildAdded(ev.Snapshot, ev.PrevKey)
			case firebase.EventChildChanged:
				l.OnChildChanged(ev.Snapshot, ev.PrevKey)
			case firebase.EventChildMoved:
				l.OnChildMoved(ev.Snapshot, ev.PrevKey)
			case firebase.EventChildRemoved:
				l.OnChildRemoved(ev.Snapshot)
			}
		},
		cancel:  l.OnCancelled,
		release: l.Release,
	}
}

// OnEvent and OnCancelled make a handle a firebase.Subscriber.
func (h *handle) OnEvent(ev firebase.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.released {
		h.deliver(ev)
	}
}

func (h *handle) OnCancelled(err *firebase.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.released {
		h.cancel(err)
	}
}

func (h *handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.release()
}
