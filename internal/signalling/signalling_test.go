package signalling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"firelink/internal/firebase"
	"firelink/internal/firebase/memdb"
	"firelink/pkg/utils"
)

func newStore(t *testing.T, ttl time.Duration) (*SessionStore, *memdb.Database) {
	t.Helper()
	db := memdb.New(memdb.Options{})
	return NewSessionStore(db.Root(), ttl, zerolog.Nop()), db
}

func TestCreateSessionStoresOffer(t *testing.T) {
	store, db := newStore(t, time.Second)
	ctx := context.Background()

	code, err := store.CreateSession(ctx, "offer-sdp")
	require.NoError(t, err)
	require.True(t, utils.IsValidCode(code))

	snap, err := db.Root().Child("sessions/"+code).Once(ctx, firebase.EventValue)
	require.NoError(t, err)
	var session Session
	require.NoError(t, json.Unmarshal(snap.Value, &session))
	require.Equal(t, code, session.ID)
	require.Equal(t, "offer-sdp", session.Offer)
	require.Empty(t, session.Answer)

	offer, err := store.GetOffer(ctx, code)
	require.NoError(t, err)
	require.Equal(t, "offer-sdp", offer)
}

func TestUnknownSessions(t *testing.T) {
	store, _ := newStore(t, time.Second)
	ctx := context.Background()

	_, err := store.GetOffer(ctx, "Zz9Zz9Zz")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, store.UpdateAnswer(ctx, "Zz9Zz9Zz", "answer"), ErrSessionNotFound)
	_, err = store.GetOffer(ctx, "../users")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.NoError(t, store.DeleteSession(ctx, "Zz9Zz9Zz"))
}

func TestWaitForAnswer(t *testing.T) {
	store, _ := newStore(t, 2*time.Second)
	ctx := context.Background()
	code, err := store.CreateSession(ctx, "offer")
	require.NoError(t, err)

	answers := make(chan string, 1)
	go func() {
		answer, err := store.WaitForAnswer(ctx, code)
		if err == nil {
			answers <- answer
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.UpdateAnswer(ctx, code, "answer-sdp"))

	select {
	case answer := <-answers:
		require.Equal(t, "answer-sdp", answer)
	case <-time.After(2 * time.Second):
		t.Fatal("answer never arrived")
	}
}

func TestWaitForAnswerAlreadyAnswered(t *testing.T) {
	store, _ := newStore(t, time.Second)
	ctx := context.Background()
	code, err := store.CreateSession(ctx, "offer")
	require.NoError(t, err)
	require.NoError(t, store.UpdateAnswer(ctx, code, "early"))

	answer, err := store.WaitForAnswer(ctx, code)
	require.NoError(t, err)
	require.Equal(t, "early", answer)
}

func TestWaitForAnswerTimeoutDeletesSession(t *testing.T) {
	store, _ := newStore(t, 30*time.Millisecond)
	ctx := context.Background()
	code, err := store.CreateSession(ctx, "offer")
	require.NoError(t, err)

	_, err = store.WaitForAnswer(ctx, code)
	require.ErrorIs(t, err, ErrAnswerTimeout)

	_, err = store.GetOffer(ctx, code)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestWaitForAnswerCancelled(t *testing.T) {
	store, _ := newStore(t, time.Minute)
	code, err := store.CreateSession(context.Background(), "offer")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = store.WaitForAnswer(ctx, code)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// cancellation by the caller leaves the session alone
	_, err = store.GetOffer(context.Background(), code)
	require.NoError(t, err)
}

func TestSignallingConnectsPeers(t *testing.T) {
	store, _ := newStore(t, 10*time.Second)
	service := NewSignalingService(store, zerolog.Nop())

	host, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close() })
	client, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = host.CreateDataChannel("firelink", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	code, err := service.PublishOffer(ctx, host)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- service.AwaitAnswer(ctx, host, code) }()

	require.NoError(t, service.Answer(ctx, client, code))
	require.NoError(t, <-done)
	require.NotNil(t, host.RemoteDescription())
	require.Equal(t, webrtc.SDPTypeAnswer, host.RemoteDescription().Type)

	_, err = store.GetOffer(ctx, code)
	require.ErrorIs(t, err, ErrSessionNotFound)
}
