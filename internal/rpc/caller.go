package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Caller issues calls on a pipe and matches replies to them. It reads the
// pipe itself, so the pipe must carry nothing but replies for this Caller.
type Caller struct {
	pipe *Pipe

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Message
}

// NewCaller starts reading replies from pipe.
func NewCaller(pipe *Pipe) *Caller {
	c := &Caller{
		pipe:    pipe,
		pending: make(map[uint64]chan Message),
	}
	go c.readLoop()
	return c
}

func (c *Caller) Pipe() *Pipe {
	return c.pipe
}

func (c *Caller) readLoop() {
	defer c.failPending()
	for {
		msg, err := c.pipe.Receive(context.Background())
		if err != nil {
			return
		}
		if msg.Kind != KindReply {
			c.pipe.router.log.Debug().Uint32("pipe", c.pipe.id).Str("method", msg.Method).Msg("unexpected call on caller pipe")
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *Caller) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan Message)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// Call sends method with params and decodes the reply payload into result,
// which may be nil.
func (c *Caller) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan Message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	msg, err := NewCall(id, method, params)
	if err == nil {
		err = c.pipe.Send(ctx, msg)
	}
	if err != nil {
		c.forget(id)
		return err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return c.closedErr()
		}
		return decodeReply(method, reply, result)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.pipe.Done():
		c.forget(id)
		// a reply may have raced with the close
		select {
		case reply, ok := <-ch:
			if ok {
				return decodeReply(method, reply, result)
			}
		default:
		}
		return c.closedErr()
	}
}

func decodeReply(method string, reply Message, result any) error {
	if reply.Error != nil {
		return reply.Error
	}
	if result == nil || len(reply.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Payload, result); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", method, err)
	}
	return nil
}

// Notify sends a call that expects no reply.
func (c *Caller) Notify(ctx context.Context, method string, params any) error {
	msg, err := NewCall(0, method, params)
	if err != nil {
		return err
	}
	return c.pipe.Send(ctx, msg)
}

func (c *Caller) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Caller) closedErr() error {
	if err := c.pipe.Err(); err != nil {
		return err
	}
	return ErrPipeClosed
}

// Close closes the underlying pipe; pending calls fail.
func (c *Caller) Close() error {
	return c.pipe.Close()
}
