package server

import (
	"context"
	"errors"

	"firelink/internal/config"
	"firelink/internal/signalling"
	"firelink/internal/transport"
)

// WebRTCHost accepts peers over WebRTC data channels, one session code at a
// time.
type WebRTCHost struct {
	server    *Server
	cfg       config.WebRTCConfig
	peers     *transport.PeerService
	signaling *signalling.SignalingService
	// OnCode is called with every new session code. It must not block.
	OnCode func(code string)
}

func NewWebRTCHost(s *Server, cfg config.WebRTCConfig, signaling *signalling.SignalingService) *WebRTCHost {
	return &WebRTCHost{
		server:    s,
		cfg:       cfg,
		peers:     transport.NewPeerService(cfg, s.log),
		signaling: signaling,
		OnCode:    func(string) {},
	}
}

// Run publishes a session, serves the peer that answers it and publishes
// the next one, until ctx is done.
func (h *WebRTCHost) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := h.acceptOne(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			if !errors.Is(err, signalling.ErrAnswerTimeout) {
				return err
			}
			h.server.log.Info().Msg("session expired without an answer")
		}
	}
	h.server.wg.Wait()
	return nil
}

func (h *WebRTCHost) acceptOne(ctx context.Context) error {
	pc, err := h.peers.CreatePeerConnection()
	if err != nil {
		return err
	}
	conn, err := transport.CreateDataChannel(pc, h.cfg, h.server.log)
	if err != nil {
		_ = h.peers.Close(pc)
		return err
	}
	failures := h.peers.WatchConnectionState(pc, "host")

	code, err := h.signaling.PublishOffer(ctx, pc)
	if err != nil {
		_ = h.peers.Close(pc)
		return err
	}
	h.server.log.Info().Str("code", code).Msg("waiting for a peer")
	h.OnCode(code)

	if err := h.signaling.AwaitAnswer(ctx, pc, code); err != nil {
		_ = h.peers.Close(pc)
		return err
	}

	select {
	case <-conn.Ready():
		if conn.IsClosed() {
			_ = h.peers.Close(pc)
			return nil
		}
	case f := <-failures:
		_ = h.peers.Close(pc)
		h.server.log.Warn().Err(f).Str("code", code).Msg("peer never connected")
		return nil
	case <-ctx.Done():
		_ = h.peers.Close(pc)
		return ctx.Err()
	}

	h.server.wg.Add(1)
	go func() {
		defer h.server.wg.Done()
		defer h.peers.Close(pc)
		served := make(chan struct{})
		defer close(served)
		go func() {
			// a failed peer connection never closes the data channel itself
			select {
			case f := <-failures:
				h.server.log.Debug().Err(f).Msg("peer connection ended")
				_ = conn.Close()
			case <-served:
			}
		}()
		if err := h.server.Serve(ctx, conn, TransportWebRTC); err != nil {
			h.server.log.Warn().Err(err).Str("code", code).Msg("connection ended")
		}
	}()
	return nil
}
