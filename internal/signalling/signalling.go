// Package signalling exchanges WebRTC offers and answers through a
// Firebase database so two peers can connect using a short code.
package signalling

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"firelink/pkg/utils"
)

// SignalingServer defines the interface for signaling storage operations
type SignalingServer interface {
	CreateSession(ctx context.Context, offer string) (code string, err error)
	GetOffer(ctx context.Context, code string) (offer string, err error)
	UpdateAnswer(ctx context.Context, code, answer string) error
	WaitForAnswer(ctx context.Context, code string) (answer string, err error)
	DeleteSession(ctx context.Context, code string) error
}

// SignalingService runs the offer/answer exchange for one peer connection.
// The host creates the offer and publishes it under a code; the client
// looks the code up and answers.
type SignalingService struct {
	server SignalingServer
	log    zerolog.Logger
}

func NewSignalingService(server SignalingServer, log zerolog.Logger) *SignalingService {
	return &SignalingService{
		server: server,
		log:    log,
	}
}

// PublishOffer creates an offer for peerConn, waits for ICE gathering and
// stores it. The returned code is what the client needs.
func (s *SignalingService) PublishOffer(ctx context.Context, peerConn *webrtc.PeerConnection) (string, error) {
	offer, err := peerConn.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	final, err := setLocalAndGather(ctx, peerConn, offer)
	if err != nil {
		return "", err
	}

	encoded, err := utils.Encode(final)
	if err != nil {
		return "", fmt.Errorf("failed to encode offer SDP: %w", err)
	}
	code, err := s.server.CreateSession(ctx, encoded)
	if err != nil {
		return "", fmt.Errorf("failed to create session with offer: %w", err)
	}
	return code, nil
}

// AwaitAnswer waits for the client's answer to session code and applies it.
// The session is deleted either way.
func (s *SignalingService) AwaitAnswer(ctx context.Context, peerConn *webrtc.PeerConnection, code string) error {
	defer func() {
		if err := s.server.DeleteSession(context.WithoutCancel(ctx), code); err != nil {
			s.log.Warn().Err(err).Str("session", code).Msg("failed to clear session")
		}
	}()

	answer, err := s.server.WaitForAnswer(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to wait for answer: %w", err)
	}
	answerSD, err := utils.Decode[webrtc.SessionDescription](answer)
	if err != nil {
		return fmt.Errorf("failed to decode answer SDP: %w", err)
	}
	if err := peerConn.SetRemoteDescription(answerSD); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// Answer fetches the offer for code, answers it on peerConn and uploads the
// answer.
func (s *SignalingService) Answer(ctx context.Context, peerConn *webrtc.PeerConnection, code string) error {
	encodedOffer, err := s.server.GetOffer(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to get offer from session: %w", err)
	}
	offerSD, err := utils.Decode[webrtc.SessionDescription](encodedOffer)
	if err != nil {
		return fmt.Errorf("failed to decode offer SDP: %w", err)
	}
	if err := peerConn.SetRemoteDescription(offerSD); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	final, err := setLocalAndGather(ctx, peerConn, answer)
	if err != nil {
		return err
	}

	encoded, err := utils.Encode(final)
	if err != nil {
		return fmt.Errorf("failed to encode answer SDP: %w", err)
	}
	if err := s.server.UpdateAnswer(ctx, code, encoded); err != nil {
		return fmt.Errorf("failed to upload answer: %w", err)
	}
	return nil
}

// setLocalAndGather applies sd and returns the local description once every
// ICE candidate is in it.
func setLocalAndGather(ctx context.Context, peerConn *webrtc.PeerConnection, sd webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(sd); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, fmt.Errorf("failed to wait for ICE gathering: %w", ctx.Err())
	}
	final := peerConn.LocalDescription()
	if final == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("local description is nil after ICE gathering")
	}
	return *final, nil
}
