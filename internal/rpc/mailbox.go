package rpc

import (
	"context"
	"errors"
	"sync"
)

var errMailboxClosed = errors.New("mailbox closed")

// mailbox is an unbounded FIFO queue. Producers never block, so a slow
// consumer on one pipe cannot stall the connection reader.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{ready: make(chan struct{}, 1)}
}

// put enqueues v and reports false when the mailbox is closed.
func (m *mailbox[T]) put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.notify()
	return true
}

// take waits for the next item. Items queued before close are still
// delivered; after that take reports errMailboxClosed.
func (m *mailbox[T]) take(ctx context.Context) (T, error) {
	var zero T
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			return v, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return zero, errMailboxClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-m.ready:
		}
	}
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.notify()
}

// discard drops queued items.
func (m *mailbox[T]) discard() {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
}

func (m *mailbox[T]) notify() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
