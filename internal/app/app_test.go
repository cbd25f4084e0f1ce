package app

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"firelink/internal/config"
	"firelink/internal/endpoint"
	"firelink/internal/firebase"
	"firelink/internal/firebase/memdb"
	"firelink/internal/rpc"
	"firelink/internal/server"
	"firelink/internal/ui"
)

// syncBuffer is read by tests while listener goroutines write to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type connectHarness struct {
	app  *ConnectApp
	root *endpoint.Remote
	db   *memdb.Database
	out  *syncBuffer
}

func newConnectHarness(t *testing.T) *connectHarness {
	t.Helper()
	db := memdb.New(memdb.Options{})
	srv := server.New(server.PerConnection(db.Root))
	t.Cleanup(srv.Close)

	client, conn := rpc.MemoryConns()
	go srv.Serve(context.Background(), conn, "memory")
	router := rpc.NewRouter(client, rpc.Dialer)
	go router.Run(context.Background())
	t.Cleanup(func() { _ = router.Close() })

	root, err := endpoint.Dial(router, zerolog.Nop())
	require.NoError(t, err)

	out := &syncBuffer{}
	console := ui.NewConsoleUI(strings.NewReader(""), out, &syncBuffer{})
	return &connectHarness{
		app:  NewConnectApp(config.NewDefaultConfig(), zerolog.Nop(), console),
		root: root,
		db:   db,
		out:  out,
	}
}

func (h *connectHarness) run(t *testing.T, opts ConnectOptions) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, opts.Validate())
	require.NoError(t, h.app.run(ctx, h.root, &opts))
}

func TestConnectOptionsValidate(t *testing.T) {
	require.NoError(t, (&ConnectOptions{Op: OpGet}).Validate())
	require.NoError(t, (&ConnectOptions{Op: OpSet, Value: `{"a":1}`}).Validate())
	require.Error(t, (&ConnectOptions{Op: OpSet, Value: `{a:1}`}).Validate())
	require.Error(t, (&ConnectOptions{Op: OpPush}).Validate())
	require.Error(t, (&ConnectOptions{Op: "drop"}).Validate())
	require.Error(t, (&ConnectOptions{Op: OpGet, Token: "t", Anonymous: true}).Validate())
}

func TestConnectSetGetRemove(t *testing.T) {
	h := newConnectHarness(t)
	prio := 4.0
	h.run(t, ConnectOptions{Op: OpSet, Path: "/rooms/lobby/", Value: `{"topic":"hi"}`, Priority: &prio})
	h.run(t, ConnectOptions{Op: OpGet, Path: "rooms/lobby"})
	require.JSONEq(t, `{"key":"lobby","value":{"topic":"hi"},"priority":4}`, strings.TrimSpace(h.out.String()))

	h.run(t, ConnectOptions{Op: OpRemove, Path: "rooms/lobby"})
	snap, err := h.db.Root().Child("rooms").Once(context.Background(), firebase.EventValue)
	require.NoError(t, err)
	require.False(t, snap.Exists())
}

func TestConnectPush(t *testing.T) {
	h := newConnectHarness(t)
	h.run(t, ConnectOptions{Op: OpPush, Path: "messages", Value: `"hello"`})

	var printed struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(h.out.String())), &printed))
	require.NotEmpty(t, printed.Key)

	snap, err := h.db.Root().Child("messages/"+printed.Key).Once(context.Background(), firebase.EventValue)
	require.NoError(t, err)
	require.JSONEq(t, `"hello"`, string(snap.Value))
}

func TestConnectAnonymousSignIn(t *testing.T) {
	h := newConnectHarness(t)
	h.run(t, ConnectOptions{Op: OpGet, Anonymous: true})
	user := h.db.CurrentUser()
	require.NotNil(t, user)
	require.Equal(t, "anonymous", user.Provider)
}

func TestConnectWatch(t *testing.T) {
	h := newConnectHarness(t)
	require.NoError(t, h.db.Root().Child("feed/a").Set(context.Background(), json.RawMessage(`1`), nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.run(ctx, h.root, &ConnectOptions{Op: OpWatch, Path: "feed"}) }()

	require.Eventually(t, func() bool { return strings.Contains(h.out.String(), `"child_added"`) }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.db.Root().Child("feed/a").Remove(context.Background()))
	require.Eventually(t, func() bool { return strings.Contains(h.out.String(), `"child_removed"`) }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch should stop with its context")
	}
}

func TestMemoryBackendSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"config":{"motd":"welcome"}}`), 0o600))

	cfg := config.NewDefaultConfig()
	cfg.Memory.SeedFile = path
	cfg.Memory.RequireAuth = true
	a := NewServeApp(cfg, zerolog.Nop(), ui.NewConsoleUI(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}))

	clients, err := a.clientFactory()
	require.NoError(t, err)
	ref, err := clients(context.Background())
	require.NoError(t, err)

	_, err = ref.AuthAnonymously(context.Background())
	require.NoError(t, err)
	snap, err := ref.Child("config/motd").Once(context.Background(), firebase.EventValue)
	require.NoError(t, err)
	require.JSONEq(t, `"welcome"`, string(snap.Value))
}

func TestMemoryBackendBadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	cfg := config.NewDefaultConfig()
	cfg.Memory.SeedFile = path
	_, err := NewServeApp(cfg, zerolog.Nop(), nil).clientFactory()
	require.Error(t, err)
}
