// Package server hosts service endpoints. Every accepted connection gets a
// router whose bootstrap pipe is bound to a root endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"firelink/internal/endpoint"
	"firelink/internal/firebase"
	"firelink/internal/rpc"
	"firelink/internal/telemetry"
	"firelink/internal/transport"
)

const (
	TransportWebSocket = "websocket"
	TransportWebRTC    = "webrtc"

	shutdownTimeout = 5 * time.Second
)

// ClientFactory returns the native client a new connection is served
// with.
type ClientFactory func(ctx context.Context) (firebase.Reference, error)

// PerConnection serves every connection with its own reference from
// newRoot. References may share one database; re-pointing the root of one
// connection never moves another's.
func PerConnection[R firebase.Reference](newRoot func() R) ClientFactory {
	return func(context.Context) (firebase.Reference, error) {
		return newRoot(), nil
	}
}

type Option func(*Server)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

func WithCollector(c telemetry.Collector) Option {
	return func(s *Server) { s.col = c }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithAllowedOrigins restricts websocket upgrades to the given origins.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.upgrader = transport.Upgrader(origins) }
}

// WithPingInterval enables websocket keepalives.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.ping = d }
}

type Server struct {
	clients  ClientFactory
	log      zerolog.Logger
	col      telemetry.Collector
	metrics  http.Handler
	upgrader *websocket.Upgrader
	ping     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	routers map[*rpc.Router]struct{}
}

func New(clients ClientFactory, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		clients:  clients,
		log:      zerolog.Nop(),
		col:      telemetry.Noop(),
		upgrader: transport.Upgrader(nil),
		ctx:      ctx,
		cancel:   cancel,
		routers:  make(map[*rpc.Router]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes: /ws, /healthz and, when configured,
// /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.Connections(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn := transport.NewWebSocketConn(ws, s.ping, s.log)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(s.ctx, conn, TransportWebSocket); err != nil {
			s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("connection ended")
		}
	}()
}

// Serve binds a root endpoint to the bootstrap pipe of conn and blocks until
// the connection ends. Every endpoint of the connection is closed on return.
func (s *Server) Serve(ctx context.Context, conn rpc.Conn, transportName string) error {
	ref, err := s.clients(ctx)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to create native client: %w", err)
	}

	router := rpc.NewRouter(conn, rpc.Acceptor, rpc.WithLogger(s.log))
	pipe, err := router.Bootstrap()
	if err != nil {
		_ = router.Close()
		return err
	}

	s.mu.Lock()
	s.routers[router] = struct{}{}
	s.mu.Unlock()
	s.col.ConnectionOpened(transportName)
	s.log.Info().Str("transport", transportName).Msg("connection opened")

	defer func() {
		s.mu.Lock()
		delete(s.routers, router)
		s.mu.Unlock()
		s.col.ConnectionClosed(transportName)
		s.log.Info().Str("transport", transportName).Msg("connection closed")
	}()

	root := endpoint.Bind(ref, pipe,
		endpoint.WithLogger(s.log.With().Str("transport", transportName).Logger()),
		endpoint.WithCollector(s.col),
	)
	defer root.Close()

	err = router.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.routers)
}

// ListenAndServe serves HTTP on addr until ctx is done, then shuts down and
// closes every connection.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info().Str("addr", addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		s.Close()
		return err
	})
	return g.Wait()
}

// Close ends every connection and waits for their endpoints to close.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	routers := make([]*rpc.Router, 0, len(s.routers))
	for r := range s.routers {
		routers = append(routers, r)
	}
	s.mu.Unlock()
	for _, r := range routers {
		_ = r.Close()
	}
	s.wg.Wait()
}
