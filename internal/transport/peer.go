package transport

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"firelink/internal/config"
)

// ConnectionFailureError reports a peer connection that failed or closed.
type ConnectionFailureError struct {
	State   webrtc.PeerConnectionState
	Role    string
	Message string
}

func (e *ConnectionFailureError) Error() string {
	return fmt.Sprintf("connection failed in %s state for %s: %s", e.State.String(), e.Role, e.Message)
}

// PeerService manages WebRTC peer connection lifecycle
type PeerService struct {
	config config.WebRTCConfig
	log    zerolog.Logger
}

func NewPeerService(cfg config.WebRTCConfig, log zerolog.Logger) *PeerService {
	return &PeerService{
		config: cfg,
		log:    log,
	}
}

// CreatePeerConnection creates a new peer connection with the configured
// ICE servers.
func (p *PeerService) CreatePeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: p.config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// WatchConnectionState returns a channel that receives one error when the
// peer connection fails or closes.
func (p *PeerService) WatchConnectionState(peerConn *webrtc.PeerConnection, role string) <-chan *ConnectionFailureError {
	failures := make(chan *ConnectionFailureError, 1)
	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug().Str("role", role).Stringer("state", state).Msg("peer connection state changed")

		var msg string
		switch state {
		case webrtc.PeerConnectionStateFailed:
			msg = "peer connection failed"
		case webrtc.PeerConnectionStateClosed:
			msg = "peer connection closed"
		default:
			return
		}
		select {
		case failures <- &ConnectionFailureError{State: state, Role: role, Message: msg}:
		default:
		}
	})
	return failures
}

// Close gracefully closes the peer connection
func (p *PeerService) Close(peerConn *webrtc.PeerConnection) error {
	if peerConn == nil {
		return nil
	}
	return peerConn.Close()
}
