package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"firelink/internal/config"
	"firelink/internal/rpc"
)

const flowControlTimeout = 30 * time.Second

// DataChannelConn carries rpc frames over a WebRTC data channel, one frame
// per data channel message.
type DataChannelConn struct {
	cfg         config.WebRTCConfig
	dataChannel *webrtc.DataChannel
	log         zerolog.Logger

	readyCh         chan struct{}
	readyOnce       sync.Once
	bufferControlCh chan struct{}
	incomingMsgCh   chan []byte

	sendMu sync.Mutex

	closeMutex   sync.RWMutex
	isClosed     bool
	err          error
	done         chan struct{}
	shutdownOnce sync.Once
}

// CreateDataChannel opens an ordered data channel on peerConn.
func CreateDataChannel(peerConn *webrtc.PeerConnection, cfg config.WebRTCConfig, log zerolog.Logger) (*DataChannelConn, error) {
	ordered := true
	dataChannel, err := peerConn.CreateDataChannel(cfg.Label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	return newDataChannelConn(dataChannel, cfg, log), nil
}

// AcceptDataChannel waits for the remote side to open a data channel with
// the configured label.
func AcceptDataChannel(ctx context.Context, peerConn *webrtc.PeerConnection, cfg config.WebRTCConfig, log zerolog.Logger) (*DataChannelConn, error) {
	accepted := make(chan *DataChannelConn, 1)
	peerConn.OnDataChannel(func(dataChannel *webrtc.DataChannel) {
		if dataChannel.Label() != cfg.Label {
			log.Warn().Str("label", dataChannel.Label()).Msg("ignoring unexpected data channel")
			return
		}
		conn := newDataChannelConn(dataChannel, cfg, log)
		select {
		case accepted <- conn:
		default:
			_ = conn.Close()
		}
	})

	select {
	case conn := <-accepted:
		return conn, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("cancelled while waiting for data channel: %w", ctx.Err())
	}
}

func newDataChannelConn(dataChannel *webrtc.DataChannel, cfg config.WebRTCConfig, log zerolog.Logger) *DataChannelConn {
	c := &DataChannelConn{
		cfg:             cfg,
		dataChannel:     dataChannel,
		log:             log.With().Str("label", dataChannel.Label()).Logger(),
		readyCh:         make(chan struct{}),
		bufferControlCh: make(chan struct{}, 1),
		incomingMsgCh:   make(chan []byte, 128),
		done:            make(chan struct{}),
	}
	c.setupDataChannelHandlers()
	if dataChannel.ReadyState() == webrtc.DataChannelStateOpen {
		c.markReady()
	}
	return c
}

func (c *DataChannelConn) setupDataChannelHandlers() {
	c.dataChannel.OnOpen(func() {
		c.log.Debug().Msg("data channel opened")
		c.markReady()
	})

	c.dataChannel.OnClose(func() {
		c.log.Debug().Msg("data channel closed")
		c.shutdown(rpc.ErrConnClosed)
	})

	c.dataChannel.OnError(func(err error) {
		c.log.Warn().Err(err).Msg("data channel error")
		c.shutdown(fmt.Errorf("data channel: %w", err))
	})

	c.dataChannel.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := append([]byte(nil), msg.Data...)
		select {
		case c.incomingMsgCh <- data:
		case <-c.done:
		}
	})

	c.dataChannel.SetBufferedAmountLowThreshold(c.cfg.BufferedAmountLowThreshold)
	c.dataChannel.OnBufferedAmountLow(func() {
		// runs on the sctp goroutine and must not block
		select {
		case c.bufferControlCh <- struct{}{}:
		default:
		}
	})
}

// Ready is closed once the data channel is open.
func (c *DataChannelConn) Ready() <-chan struct{} {
	return c.readyCh
}

func (c *DataChannelConn) Send(ctx context.Context, data []byte) error {
	if err := c.waitForReady(ctx); err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.handleFlowControl(ctx); err != nil {
		return err
	}
	if err := c.dataChannel.Send(data); err != nil {
		if c.IsClosed() {
			return c.closedErr()
		}
		return fmt.Errorf("failed to send data: %w", err)
	}
	return nil
}

func (c *DataChannelConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.incomingMsgCh:
		return data, nil
	case <-c.done:
		select {
		case data := <-c.incomingMsgCh:
			return data, nil
		default:
			return nil, c.closedErr()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *DataChannelConn) handleFlowControl(ctx context.Context) error {
	if c.dataChannel.BufferedAmount() <= c.cfg.MaxBufferedAmount {
		return nil
	}
	select {
	case <-c.bufferControlCh:
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(flowControlTimeout):
		return fmt.Errorf("flow control timeout - WebRTC channel may be dead")
	}
}

func (c *DataChannelConn) waitForReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
	case <-ctx.Done():
		return fmt.Errorf("cancelled while waiting for channel ready: %w", ctx.Err())
	}
	if c.IsClosed() {
		return c.closedErr()
	}
	return nil
}

func (c *DataChannelConn) markReady() {
	c.readyOnce.Do(func() { close(c.readyCh) })
}

func (c *DataChannelConn) IsClosed() bool {
	c.closeMutex.RLock()
	defer c.closeMutex.RUnlock()
	return c.isClosed
}

func (c *DataChannelConn) closedErr() error {
	c.closeMutex.RLock()
	defer c.closeMutex.RUnlock()
	return c.err
}

// Close gracefully closes the data channel
func (c *DataChannelConn) Close() error {
	if c.IsClosed() {
		return nil
	}
	if c.dataChannel.ReadyState() == webrtc.DataChannelStateOpen {
		if err := c.dataChannel.GracefulClose(); err != nil {
			c.log.Warn().Err(err).Msg("error during graceful close")
		}
	}
	c.shutdown(rpc.ErrConnClosed)
	return nil
}

func (c *DataChannelConn) shutdown(cause error) {
	c.shutdownOnce.Do(func() {
		c.closeMutex.Lock()
		c.isClosed = true
		c.err = cause
		c.closeMutex.Unlock()

		close(c.done)
		// unblock senders still waiting for the channel to open
		c.markReady()
	})
}
