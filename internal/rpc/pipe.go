package rpc

import (
	"context"
	"errors"
	"sync"
)

// Pipe is one logical channel on a Router. Messages are delivered in the
// order they were sent.
type Pipe struct {
	id      uint32
	router  *Router
	inbox   *mailbox[Message]
	claimed bool

	once sync.Once
	err  error
	done chan struct{}
}

func newPipe(r *Router, id uint32) *Pipe {
	return &Pipe{
		id:     id,
		router: r,
		inbox:  newMailbox[Message](),
		done:   make(chan struct{}),
	}
}

func (p *Pipe) ID() uint32 {
	return p.id
}

// Router returns the router the pipe belongs to.
func (p *Pipe) Router() *Router {
	return p.router
}

// Send stamps msg with the pipe id and writes it.
func (p *Pipe) Send(ctx context.Context, msg Message) error {
	select {
	case <-p.done:
		return ErrPipeClosed
	default:
	}
	msg.Pipe = p.id
	return p.router.send(ctx, msg)
}

// Receive returns the next message. Once the pipe is closed it returns
// ErrPipeClosed, or ErrConnClosed when the whole connection went away, even
// if messages were still queued.
func (p *Pipe) Receive(ctx context.Context) (Message, error) {
	select {
	case <-p.done:
		return Message{}, p.err
	default:
	}
	msg, err := p.inbox.take(ctx)
	if errors.Is(err, errMailboxClosed) {
		return Message{}, p.err
	}
	if err != nil {
		return Message{}, err
	}
	select {
	case <-p.done:
		return Message{}, p.err
	default:
	}
	return msg, nil
}

// Done is closed when the pipe closes from either side.
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

// Err reports why the pipe closed, nil while it is open.
func (p *Pipe) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Close closes the pipe and tells the peer. It is safe to call more than
// once.
func (p *Pipe) Close() error {
	var sendErr error
	first := false
	p.once.Do(func() {
		first = true
		p.err = ErrPipeClosed
		close(p.done)
		p.inbox.close()
		p.inbox.discard()
	})
	if !first {
		return nil
	}
	p.router.release(p.id)
	sendErr = p.router.send(context.Background(), Message{Pipe: p.id, Kind: KindClose})
	if errors.Is(sendErr, ErrConnClosed) {
		return nil
	}
	return sendErr
}

// closeLocal closes the pipe without notifying the peer.
func (p *Pipe) closeLocal(cause error) {
	p.once.Do(func() {
		p.err = cause
		close(p.done)
		p.inbox.close()
		p.inbox.discard()
	})
}
