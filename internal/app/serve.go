package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"firelink/internal/config"
	"firelink/internal/firebase"
	"firelink/internal/firebase/memdb"
	"firelink/internal/server"
	"firelink/internal/signalling"
	"firelink/internal/telemetry"
	"firelink/internal/ui"
)

// ServeApp runs the host: an HTTP server for WebSocket clients and,
// optionally, a WebRTC host announcing session codes.
type ServeApp struct {
	config *config.Config
	log    zerolog.Logger
	ui     *ui.ConsoleUI
}

func NewServeApp(cfg *config.Config, log zerolog.Logger, console *ui.ConsoleUI) *ServeApp {
	return &ServeApp{
		config: cfg,
		log:    log,
		ui:     console,
	}
}

func (a *ServeApp) Run(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	col, err := telemetry.NewPrometheusCollector(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	clients, err := a.clientFactory()
	if err != nil {
		return err
	}

	srv := server.New(clients,
		server.WithLogger(a.log),
		server.WithCollector(col),
		server.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
		server.WithAllowedOrigins(a.config.Server.AllowedOrigins),
		server.WithPingInterval(a.config.Server.PingInterval),
	)

	var host *server.WebRTCHost
	if a.config.Server.WebRTC {
		store, err := signalling.NewFirebaseSessionStore(ctx, a.config, a.log)
		if err != nil {
			return err
		}
		host = server.NewWebRTCHost(srv, a.config.WebRTC, signalling.NewSignalingService(store, a.log))
		host.OnCode = a.ui.ShowCode
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, a.config.Server.Listen)
	})
	if host != nil {
		g.Go(func() error {
			return host.Run(gctx)
		})
	}
	return g.Wait()
}

// clientFactory returns the native clients for the configured backend. The
// memory backend serves one shared database; the admin backend gives every
// connection its own client so sign-ins stay per connection.
func (a *ServeApp) clientFactory() (server.ClientFactory, error) {
	switch a.config.Server.Backend {
	case config.BackendMemory:
		db := memdb.New(memdb.Options{
			TokenSecret: []byte(a.config.Memory.TokenSecret),
			RequireAuth: a.config.Memory.RequireAuth,
			TokenTTL:    a.config.Memory.TokenTTL,
			Logger:      a.log,
		})
		if a.config.Memory.SeedFile != "" {
			if err := seed(db, a.config.Memory.SeedFile); err != nil {
				return nil, err
			}
			a.log.Info().Str("file", a.config.Memory.SeedFile).Msg("database seeded")
		}
		return server.PerConnection(db.Root), nil

	case config.BackendAdmin:
		fb := a.config.Firebase
		return func(ctx context.Context) (firebase.Reference, error) {
			return firebase.NewAdminClient(ctx, firebase.AdminOptions{
				DatabaseURL:     fb.DatabaseURL,
				ProjectID:       fb.ProjectID,
				CredentialsPath: fb.CredentialsPath,
				APIKey:          fb.APIKey,
				PollInterval:    fb.PollInterval,
				Logger:          a.log,
			})
		}, nil

	default:
		return nil, config.ErrInvalidBackend
	}
}

// seed loads a JSON export into db.
func seed(db *memdb.Database, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("seed file %s is not valid JSON", path)
	}
	if err := db.Import(data); err != nil {
		return fmt.Errorf("failed to load seed file: %w", err)
	}
	return nil
}
