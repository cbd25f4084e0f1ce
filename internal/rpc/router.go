package rpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"
)

// BootstrapPipe is the id of the pipe that exists on both sides from the
// start.
const BootstrapPipe uint32 = 1

const (
	// maxUnclaimed bounds the pipes a peer may announce before they are
	// accepted. Frames for further pipes are dropped and the pipe refused.
	maxUnclaimed = 256
	// maxRetired bounds the closed peer ids remembered above the floor.
	maxRetired = 1024
)

// Side selects which half of the pipe id space a router allocates from.
type Side int

const (
	Dialer Side = iota
	Acceptor
)

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger used for dropped and malformed frames.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Router) {
		r.log = log
	}
}

// Router multiplexes pipes over a Conn.
type Router struct {
	conn Conn
	side Side
	log  zerolog.Logger

	mu        sync.Mutex
	pipes     map[uint32]*Pipe
	unclaimed int
	nextID    uint32
	closed    bool
	err       error

	// Peer ids below floor have all been seen; those not in pipes are
	// closed. retired holds closed peer ids at or above floor.
	floor         uint32
	retired       map[uint32]struct{}
	bootstrapGone bool

	sendMu sync.Mutex
	done   chan struct{}
}

// NewRouter wraps conn. Run must be called to start reading.
func NewRouter(conn Conn, side Side, opts ...Option) *Router {
	r := &Router{
		conn:  conn,
		side:  side,
		log:   zerolog.Nop(),
		pipes:   make(map[uint32]*Pipe),
		retired: make(map[uint32]struct{}),
		done:    make(chan struct{}),
	}
	if side == Dialer {
		r.nextID, r.floor = 3, 2
	} else {
		r.nextID, r.floor = 2, 3
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reads frames until the connection fails or ctx is done, then closes
// every pipe. It returns the error that ended the connection.
func (r *Router) Run(ctx context.Context) error {
	defer r.shutdown(ErrConnClosed)
	for {
		data, err := r.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.shutdown(ctx.Err())
				return ctx.Err()
			}
			r.shutdown(err)
			if errors.Is(err, ErrConnClosed) {
				return nil
			}
			return err
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			r.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		r.route(msg)
	}
}

func (r *Router) route(msg Message) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.isGone(msg.Pipe) {
		r.mu.Unlock()
		r.log.Debug().Uint32("pipe", msg.Pipe).Str("kind", string(msg.Kind)).Msg("frame for closed pipe dropped")
		return
	}
	p, ok := r.pipes[msg.Pipe]
	if !ok {
		if r.owns(msg.Pipe) {
			r.mu.Unlock()
			r.log.Debug().Uint32("pipe", msg.Pipe).Msg("frame for unknown local pipe dropped")
			return
		}
		if msg.Kind == KindClose {
			r.retire(msg.Pipe)
			r.mu.Unlock()
			return
		}
		if r.unclaimed >= maxUnclaimed {
			r.retire(msg.Pipe)
			r.mu.Unlock()
			r.log.Warn().Uint32("pipe", msg.Pipe).Int("unclaimed", maxUnclaimed).Msg("too many unclaimed pipes, refusing pipe")
			return
		}
		// announced by the peer, not yet accepted: queue until claimed
		p = r.add(msg.Pipe)
		r.unclaimed++
	}
	if msg.Kind == KindClose {
		if !p.claimed {
			r.unclaimed--
		}
		r.retire(msg.Pipe)
	}
	r.mu.Unlock()

	if msg.Kind == KindClose {
		p.closeLocal(ErrPipeClosed)
		return
	}
	p.inbox.put(msg)
}

// add registers a new pipe and moves the floor past it. r.mu must be held.
func (r *Router) add(id uint32) *Pipe {
	p := newPipe(r, id)
	r.pipes[id] = p
	r.advance()
	return p
}

// retire forgets a closed pipe. r.mu must be held.
func (r *Router) retire(id uint32) {
	delete(r.pipes, id)
	switch {
	case id == BootstrapPipe:
		r.bootstrapGone = true
	case r.owns(id), id < r.floor:
	default:
		r.retired[id] = struct{}{}
		r.advance()
	}
}

// isGone reports whether id belonged to a pipe that has been closed. r.mu
// must be held.
func (r *Router) isGone(id uint32) bool {
	if _, ok := r.pipes[id]; ok {
		return false
	}
	switch {
	case id == BootstrapPipe:
		return r.bootstrapGone
	case r.owns(id):
		return id < r.nextID
	case id < r.floor:
		return true
	}
	_, ok := r.retired[id]
	return ok
}

// advance moves the floor over peer ids that are open or retired. When a
// peer leaves a gap that keeps too many retired ids above the floor, the
// gap is treated as closed. r.mu must be held.
func (r *Router) advance() {
	for {
		for {
			if _, ok := r.retired[r.floor]; ok {
				delete(r.retired, r.floor)
			} else if _, ok := r.pipes[r.floor]; !ok {
				break
			}
			r.floor += 2
		}
		if len(r.retired) <= maxRetired {
			return
		}
		lowest := uint32(math.MaxUint32)
		for id := range r.retired {
			lowest = min(lowest, id)
		}
		r.floor = lowest
	}
}

// owns reports whether id is allocated by this side.
func (r *Router) owns(id uint32) bool {
	if id == BootstrapPipe {
		return false
	}
	odd := id%2 == 1
	return odd == (r.side == Dialer)
}

// Open allocates a new pipe. The peer learns about it from the first frame
// sent on it or when its id is passed along in a call.
func (r *Router) Open() (*Pipe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrConnClosed
	}
	id := r.nextID
	r.nextID += 2
	p := newPipe(r, id)
	p.claimed = true
	r.pipes[id] = p
	return p, nil
}

// Bootstrap claims the bootstrap pipe.
func (r *Router) Bootstrap() (*Pipe, error) {
	return r.claim(BootstrapPipe)
}

// Accept claims a pipe opened by the peer. Frames that arrived before the
// claim are delivered in order.
func (r *Router) Accept(id uint32) (*Pipe, error) {
	if id == 0 || id == BootstrapPipe || r.owns(id) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPipe, id)
	}
	return r.claim(id)
}

func (r *Router) claim(id uint32) (*Pipe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrConnClosed
	}
	if r.isGone(id) {
		return nil, fmt.Errorf("%w: %d", ErrPipeClosed, id)
	}
	p, ok := r.pipes[id]
	if !ok {
		p = r.add(id)
	} else if !p.claimed {
		r.unclaimed--
	}
	if p.claimed {
		return nil, fmt.Errorf("%w: %d", ErrPipeClaimed, id)
	}
	p.claimed = true
	return p, nil
}

// release forgets a pipe closed locally.
func (r *Router) release(id uint32) {
	r.mu.Lock()
	r.retire(id)
	r.mu.Unlock()
}

func (r *Router) send(ctx context.Context, msg Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	select {
	case <-r.done:
		return ErrConnClosed
	default:
	}
	return r.conn.Send(ctx, data)
}

// Pipes reports how many pipes are open or waiting to be claimed.
func (r *Router) Pipes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pipes)
}

// Done is closed once the connection is gone.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that ended the connection, if any.
func (r *Router) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close closes the connection and with it every pipe.
func (r *Router) Close() error {
	r.shutdown(ErrConnClosed)
	return r.conn.Close()
}

func (r *Router) shutdown(cause error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.err = cause
	pipes := make([]*Pipe, 0, len(r.pipes))
	for id, p := range r.pipes {
		pipes = append(pipes, p)
		delete(r.pipes, id)
	}
	r.mu.Unlock()

	close(r.done)
	for _, p := range pipes {
		p.closeLocal(ErrConnClosed)
	}
	_ = r.conn.Close()
}
