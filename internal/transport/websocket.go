package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"firelink/internal/rpc"
)

const (
	maxFrameSize   = 16 << 20
	closeGrace     = time.Second
	handshakeLimit = 10 * time.Second
	// writeTimeout applies to sends whose context has no deadline.
	writeTimeout = 10 * time.Second
)

// WebSocketConn carries rpc frames as binary WebSocket messages.
type WebSocketConn struct {
	ws           *websocket.Conn
	log          zerolog.Logger
	ping         time.Duration
	writeTimeout time.Duration

	writeMu  sync.Mutex
	incoming chan []byte

	mu        sync.Mutex
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketConn takes over ws. A positive ping interval sends pings and
// drops the connection when no pong arrives within two intervals.
func NewWebSocketConn(ws *websocket.Conn, ping time.Duration, log zerolog.Logger) *WebSocketConn {
	c := &WebSocketConn{
		ws:           ws,
		log:          log.With().Str("remote", ws.RemoteAddr().String()).Logger(),
		ping:         ping,
		writeTimeout: writeTimeout,
		incoming:     make(chan []byte, 128),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	if ping > 0 {
		go c.pingLoop()
	}
	return c
}

// DialWebSocket connects to a firelink server at url (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, header http.Header, ping time.Duration, log zerolog.Logger) (*WebSocketConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeLimit,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return NewWebSocketConn(ws, ping, log), nil
}

// Upgrader returns a websocket upgrader accepting the given origins. An
// empty list keeps gorilla's same-origin check, "*" accepts any origin.
func Upgrader(allowedOrigins []string) *websocket.Upgrader {
	u := &websocket.Upgrader{
		HandshakeTimeout: handshakeLimit,
	}
	if len(allowedOrigins) == 0 {
		return u
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	u.CheckOrigin = func(r *http.Request) bool {
		if allowed["*"] {
			return true
		}
		return allowed[r.Header.Get("Origin")]
	}
	return u
}

func (c *WebSocketConn) readLoop() {
	c.ws.SetReadLimit(maxFrameSize)
	if c.ping > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.ping))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(2 * c.ping))
		})
	}

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(rpc.ErrConnClosed)
			} else {
				c.shutdown(fmt.Errorf("websocket read: %w", err))
			}
			return
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		select {
		case c.incoming <- data:
		case <-c.done:
			return
		}
	}
}

func (c *WebSocketConn) pingLoop() {
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.ping)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WebSocketConn) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.writeTimeout)
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return rpc.ErrConnClosed
		}
		// a failed write leaves the connection unusable
		err = fmt.Errorf("websocket write: %w", err)
		c.shutdown(err)
		return err
	}
	return nil
}

func (c *WebSocketConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.done:
		select {
		case data := <-c.incoming:
			return data, nil
		default:
			return nil, c.closedErr()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the connection is gone.
func (c *WebSocketConn) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and tears the connection down.
func (c *WebSocketConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	c.shutdown(rpc.ErrConnClosed)
	return nil
}

func (c *WebSocketConn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *WebSocketConn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}
