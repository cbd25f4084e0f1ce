package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"firelink/internal/config"
	"firelink/internal/endpoint"
	"firelink/internal/firebase"
	"firelink/internal/rpc"
	"firelink/internal/signalling"
	"firelink/internal/transport"
	"firelink/internal/ui"
)

// Operations understood by the connect command.
const (
	OpGet    = "get"
	OpSet    = "set"
	OpPush   = "push"
	OpRemove = "remove"
	OpWatch  = "watch"
)

// ConnectOptions configures one connect run.
type ConnectOptions struct {
	// URL of a firelink server's websocket route. Empty means WebRTC.
	URL string
	// Code of a WebRTC session; prompted for when empty.
	Code string
	// DatabaseURL re-points the remote root reference before anything else.
	DatabaseURL string
	Path        string
	Op          string
	Value       string
	Priority    *float64
	// Token signs in with a custom token; Anonymous signs in anonymously.
	Token     string
	Anonymous bool
}

// Validate checks the options that do not need a connection.
func (o *ConnectOptions) Validate() error {
	switch o.Op {
	case OpGet, OpRemove, OpWatch:
	case OpSet, OpPush:
		if !json.Valid([]byte(o.Value)) {
			return fmt.Errorf("--value must be JSON for %s", o.Op)
		}
	default:
		return fmt.Errorf("unknown operation %q", o.Op)
	}
	if o.Token != "" && o.Anonymous {
		return fmt.Errorf("--token and --anonymous are exclusive")
	}
	return nil
}

// ConnectApp is the client side: it reaches a host and runs one operation
// against the endpoint for a path.
type ConnectApp struct {
	config *config.Config
	log    zerolog.Logger
	ui     *ui.ConsoleUI
}

func NewConnectApp(cfg *config.Config, log zerolog.Logger, console *ui.ConsoleUI) *ConnectApp {
	return &ConnectApp{
		config: cfg,
		log:    log,
		ui:     console,
	}
}

func (a *ConnectApp) Run(ctx context.Context, opts *ConnectOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	conn, cleanup, err := a.dial(ctx, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	router := rpc.NewRouter(conn, rpc.Dialer, rpc.WithLogger(a.log))
	go func() {
		if err := router.Run(ctx); err != nil {
			a.log.Debug().Err(err).Msg("connection ended")
		}
	}()
	defer router.Close()

	root, err := endpoint.Dial(router, a.log)
	if err != nil {
		return err
	}
	return a.run(ctx, root, opts)
}

// run executes opts against root, a remote for the host's root endpoint.
func (a *ConnectApp) run(ctx context.Context, root *endpoint.Remote, opts *ConnectOptions) error {
	if opts.DatabaseURL != "" {
		if err := root.InitWithURL(ctx, opts.DatabaseURL); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}

	switch {
	case opts.Token != "":
		auth, err := root.AuthWithCustomToken(ctx, opts.Token)
		if err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
		a.ui.ShowMessage(fmt.Sprintf("signed in as %s", auth.UID))
	case opts.Anonymous:
		auth, err := root.AuthAnonymously(ctx)
		if err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
		a.ui.ShowMessage(fmt.Sprintf("signed in anonymously as %s", auth.UID))
	}

	target := root
	if path := strings.Trim(opts.Path, "/"); path != "" {
		child, err := root.GetChild(ctx, path)
		if err != nil {
			return fmt.Errorf("navigate to %s: %w", path, err)
		}
		defer child.Close()
		target = child
	}

	switch opts.Op {
	case OpGet:
		snap, err := target.ObserveSingleEventOfType(ctx, firebase.EventValue)
		if err != nil {
			return err
		}
		a.ui.ShowSnapshot(snap)
	case OpSet:
		return target.SetValue(ctx, json.RawMessage(opts.Value), opts.Priority)
	case OpPush:
		child, key, err := target.Push(ctx)
		if err != nil {
			return err
		}
		defer child.Close()
		if err := child.SetValue(ctx, json.RawMessage(opts.Value), opts.Priority); err != nil {
			return err
		}
		a.ui.ShowKey(key)
	case OpRemove:
		return target.RemoveValue(ctx)
	case OpWatch:
		return a.watch(ctx, target)
	}
	return nil
}

// watch prints child events until ctx is done or the listener is cancelled.
func (a *ConnectApp) watch(ctx context.Context, target *endpoint.Remote) error {
	cancelled := make(chan *firebase.Error, 1)
	err := target.AddChildEventListener(ctx, endpoint.ChildListenerFuncs{
		Event: a.ui.ShowEvent,
		Cancelled: func(err *firebase.Error) {
			select {
			case cancelled <- err:
			default:
			}
		},
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-cancelled:
		return fmt.Errorf("watch cancelled: %w", err)
	case <-target.Done():
		return fmt.Errorf("connection to host lost")
	}
}

// dial reaches the host over a websocket or, without a URL, over WebRTC.
func (a *ConnectApp) dial(ctx context.Context, opts *ConnectOptions) (rpc.Conn, func(), error) {
	if opts.URL != "" {
		a.ui.StartWaiting("connecting to " + opts.URL)
		defer a.ui.StopWaiting()
		conn, err := transport.DialWebSocket(ctx, opts.URL, nil, a.config.Server.PingInterval, a.log)
		if err != nil {
			return nil, nil, err
		}
		return conn, func() { _ = conn.Close() }, nil
	}

	code := opts.Code
	if code == "" {
		var err error
		if code, err = a.ui.InputCode(ctx); err != nil {
			return nil, nil, err
		}
	}

	if err := a.config.Firebase.Validate(); err != nil {
		return nil, nil, fmt.Errorf("WebRTC needs the signalling database: %w", err)
	}
	store, err := signalling.NewFirebaseSessionStore(ctx, a.config, a.log)
	if err != nil {
		return nil, nil, err
	}

	a.ui.StartWaiting("connecting to peer")
	defer a.ui.StopWaiting()
	peers := transport.NewPeerService(a.config.WebRTC, a.log)
	conn, pc, err := DialWebRTC(ctx, a.config.WebRTC, signalling.NewSignalingService(store, a.log), peers, code, a.log)
	if err != nil {
		return nil, nil, err
	}
	return conn, func() {
		_ = conn.Close()
		_ = peers.Close(pc)
	}, nil
}

const dialTimeout = 30 * time.Second

// DialWebRTC answers the session published under code and returns the data
// channel carrying the host's pipes once it is open.
func DialWebRTC(ctx context.Context, cfg config.WebRTCConfig, signaling *signalling.SignalingService, peers *transport.PeerService, code string, log zerolog.Logger) (*transport.DataChannelConn, *webrtc.PeerConnection, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	pc, err := peers.CreatePeerConnection()
	if err != nil {
		return nil, nil, err
	}
	type accepted struct {
		conn *transport.DataChannelConn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		conn, err := transport.AcceptDataChannel(ctx, pc, cfg, log)
		acceptCh <- accepted{conn, err}
	}()

	if err := signaling.Answer(ctx, pc, code); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}

	res := <-acceptCh
	if res.err != nil {
		_ = pc.Close()
		return nil, nil, res.err
	}
	select {
	case <-res.conn.Ready():
		if res.conn.IsClosed() {
			_ = pc.Close()
			return nil, nil, rpc.ErrConnClosed
		}
		return res.conn, pc, nil
	case <-ctx.Done():
		_ = pc.Close()
		return nil, nil, fmt.Errorf("data channel never opened: %w", ctx.Err())
	}
}
