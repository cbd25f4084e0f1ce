// Package rpc multiplexes independent message pipes over one connection.
//
// A Router owns the connection. Either side can open a pipe; the dialing
// side uses odd ids and the accepting side even ids, so ids never collide.
// Pipe 1 is the bootstrap pipe both sides know before any message is sent.
// A pipe id created by the peer is claimed locally with Router.Accept once
// the peer has announced it, typically inside a call payload.
package rpc

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrConnClosed  = errors.New("connection closed")
	ErrPipeClosed  = errors.New("pipe closed")
	ErrPipeClaimed = errors.New("pipe already claimed")
	ErrInvalidPipe = errors.New("invalid pipe id")
)

// Conn is a bidirectional, message oriented connection. Send and Receive
// may be called concurrently with each other, Send from several goroutines.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// memoryConn is one end of an in-process Conn pair.
type memoryConn struct {
	in    *mailbox[[]byte]
	peer  *memoryConn
	once  *sync.Once
	close func()
}

// MemoryConns returns two connected in-process Conns. Closing either end
// closes both.
func MemoryConns() (Conn, Conn) {
	a := &memoryConn{in: newMailbox[[]byte]()}
	b := &memoryConn{in: newMailbox[[]byte]()}
	a.peer, b.peer = b, a
	once := &sync.Once{}
	shutdown := func() {
		a.in.close()
		b.in.close()
	}
	a.once, b.once = once, once
	a.close, b.close = shutdown, shutdown
	return a, b
}

func (c *memoryConn) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.peer.in.put(append([]byte(nil), data...)) {
		return ErrConnClosed
	}
	return nil
}

func (c *memoryConn) Receive(ctx context.Context) ([]byte, error) {
	data, err := c.in.take(ctx)
	if errors.Is(err, errMailboxClosed) {
		return nil, ErrConnClosed
	}
	return data, err
}

func (c *memoryConn) Close() error {
	c.once.Do(c.close)
	return nil
}
