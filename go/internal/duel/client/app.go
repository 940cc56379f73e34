// Package client wires the duel engine into a runnable terminal client: it
// opens the configured store and transport, builds the connection manager and
// match synchronizer, and serves a local debug endpoint.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/duelsync/go/internal/duel/config"
	"github.com/mcdev12/duelsync/go/internal/duel/gateway"
	"github.com/mcdev12/duelsync/go/internal/duel/matchsync"
	"github.com/mcdev12/duelsync/go/internal/duel/store"
)

// App owns every long-lived component of the client
type App struct {
	cfg      *config.Config
	kv       store.KV
	registry *prometheus.Registry
	server   *http.Server

	Manager *gateway.ConnectionManager
	Match   *matchsync.Synchronizer
	Console *Console
}

// NewDialer returns the transport selected by cfg.Transport
func NewDialer(cfg *config.Config) (gateway.Dialer, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return gateway.NewWebSocketDialer(cfg.WebSocket), nil
	case config.TransportNATS:
		return gateway.NewNATSDialer(cfg.NATS), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// New builds the client from cfg. Console output goes to out.
func New(ctx context.Context, cfg *config.Config, out io.Writer) (*App, error) {
	dialer, err := NewDialer(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithDialer(ctx, cfg, dialer, out)
}

// NewWithDialer is New with an explicit dialer
func NewWithDialer(ctx context.Context, cfg *config.Config, dialer gateway.Dialer, out io.Writer) (*App, error) {
	kv, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := gateway.NewPrometheusMetrics(registry)

	console := NewConsole(out)

	manager := gateway.NewConnectionManager(dialer, kv,
		gateway.WithConfig(cfg.Connection),
		gateway.WithMetrics(metrics),
		gateway.WithNotifier(console),
	)
	manager.SetAuthToken(cfg.AuthToken)

	match := matchsync.New(manager, console,
		matchsync.WithConfig(cfg.Match),
		matchsync.WithMetrics(metrics),
	)
	console.bind(manager, match)

	app := &App{
		cfg:      cfg,
		kv:       kv,
		registry: registry,
		Manager:  manager,
		Match:    match,
		Console:  console,
	}
	if cfg.Debug.Enabled {
		app.server = &http.Server{
			Addr:         cfg.Debug.Addr,
			Handler:      app.DebugHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
	}
	return app, nil
}

// Connect starts the connection. A failed first dial is retried in the background.
func (a *App) Connect(ctx context.Context) {
	if err := a.Manager.Connect(ctx); err != nil {
		log.Warn().Err(err).Dur("retry_in", a.Manager.NextRetryIn()).Msg("initial connect failed, retrying in background")
	}
}

// ServeDebug runs the debug endpoint until Shutdown. It returns nil when debug is disabled.
func (a *App) ServeDebug() error {
	if a.server == nil {
		return nil
	}
	log.Info().Str("addr", a.server.Addr).Msg("debug server starting")
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("debug server: %w", err)
	}
	return nil
}

// Shutdown stops the debug server, the synchronizer, the connection and the store
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("debug server shutdown: %w", err))
		}
	}
	if err := a.Match.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Manager.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.kv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
