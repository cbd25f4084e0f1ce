package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"firelink/internal/config"
	"firelink/internal/rpc"
)

func loopbackConfig() config.WebRTCConfig {
	cfg := config.NewDefaultConfig().WebRTC
	cfg.ICEServers = nil
	return cfg
}

// connectPeers negotiates two local peer connections directly, without a
// signalling server.
func connectPeers(t *testing.T, offerer, answerer *webrtc.PeerConnection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(offerer)
	require.NoError(t, offerer.SetLocalDescription(offer))
	select {
	case <-gathered:
	case <-ctx.Done():
		t.Fatal("offer ICE gathering timed out")
	}
	require.NoError(t, answerer.SetRemoteDescription(*offerer.LocalDescription()))

	answer, err := answerer.CreateAnswer(nil)
	require.NoError(t, err)
	gathered = webrtc.GatheringCompletePromise(answerer)
	require.NoError(t, answerer.SetLocalDescription(answer))
	select {
	case <-gathered:
	case <-ctx.Done():
		t.Fatal("answer ICE gathering timed out")
	}
	require.NoError(t, offerer.SetRemoteDescription(*answerer.LocalDescription()))
}

func TestDataChannelConn(t *testing.T) {
	cfg := loopbackConfig()
	peers := NewPeerService(cfg, zerolog.Nop())

	offerer, err := peers.CreatePeerConnection()
	require.NoError(t, err)
	t.Cleanup(func() { _ = peers.Close(offerer) })
	answerer, err := peers.CreatePeerConnection()
	require.NoError(t, err)
	t.Cleanup(func() { _ = peers.Close(answerer) })

	client, err := CreateDataChannel(offerer, cfg, zerolog.Nop())
	require.NoError(t, err)

	accepted := make(chan *DataChannelConn, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := AcceptDataChannel(ctx, answerer, cfg, zerolog.Nop())
		if err == nil {
			accepted <- conn
		}
	}()

	connectPeers(t, offerer, answerer)

	var server *DataChannelConn
	select {
	case server = <-accepted:
	case <-time.After(10 * time.Second):
		t.Skip("peer connection did not come up; no usable local network")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, []byte("first")))
	require.NoError(t, client.Send(ctx, []byte("second")))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", string(got))
	got, err = server.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", string(got))

	require.NoError(t, client.Close())
	require.True(t, client.IsClosed())
	require.ErrorIs(t, client.Send(ctx, []byte("late")), rpc.ErrConnClosed)
	_, err = client.Receive(ctx)
	require.ErrorIs(t, err, rpc.ErrConnClosed)
}

func TestDataChannelSendWaitsForOpen(t *testing.T) {
	cfg := loopbackConfig()
	pc, err := NewPeerService(cfg, zerolog.Nop()).CreatePeerConnection()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	conn, err := CreateDataChannel(pc, cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, conn.Send(ctx, []byte("early")), context.DeadlineExceeded)

	require.NoError(t, conn.Close())
	select {
	case <-conn.Ready():
	default:
		t.Fatal("close should release senders waiting for open")
	}
}

func TestConnectionFailureError(t *testing.T) {
	err := &ConnectionFailureError{State: webrtc.PeerConnectionStateFailed, Role: "host", Message: "peer connection failed"}
	require.Equal(t, "connection failed in failed state for host: peer connection failed", err.Error())
}
