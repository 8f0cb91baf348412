package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/vigilrun/vigil/collector/internal/alerts"
	"github.com/vigilrun/vigil/collector/internal/api"
	"github.com/vigilrun/vigil/collector/internal/auth"
	"github.com/vigilrun/vigil/collector/internal/config"
	"github.com/vigilrun/vigil/collector/internal/receiver"
	"github.com/vigilrun/vigil/collector/internal/store"
	"github.com/vigilrun/vigil/collector/internal/ws"
	"github.com/vigilrun/vigil/pkg/wire"
)

// shutdownTimeout bounds the graceful part of shutdown.
const shutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collector",
		Long: `Run the collector HTTP listener.

Examples:
  # Defaults: :8080, no auth, 5m session TTL
  collector serve

  # With a config file
  collector serve --config config/collector.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults apply when empty)")
	return cmd
}

func newLogger(c config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func serve(ctx context.Context, cfg *config.Config) (err error) {
	c := cfg.Collector
	logger := newLogger(c.Log)
	slog.SetDefault(logger)

	slog.Info("collector: starting",
		"version", version,
		"listen", c.Listen,
		"tls", c.TLS.Enabled(),
		"auth_mode", c.Auth.Mode,
		"session_ttl", c.Sessions.TTL,
		"capacity", c.Sessions.Capacity,
		"alert_rules", len(c.Alerts.Rules),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var wg sync.WaitGroup
	spawn := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Session store with background TTL eviction.
	st := store.New(c.Sessions.TTL, c.Sessions.Capacity)
	st.RegisterMetrics(reg)
	spawn(func() { st.Run(ctx) })

	// Alerts engine: evaluates rules against every session each interval.
	alertEngine := alerts.New(c.Alerts)
	spawn(func() { alertEngine.Run(ctx, st, c.Stream) })

	// WebSocket hub: broadcasts the sessions snapshot to UI clients.
	hub := ws.New(st, c.Stream)
	spawn(func() { hub.Run(ctx) })

	requireKey := auth.APIKey(c.Auth.Mode, c.Auth.EffectiveHeader(), c.Auth.Key())
	if c.Auth.Mode == "apikey" && c.Auth.Key() == "" {
		slog.Warn("collector: auth mode apikey without a key, API is open", "key_env", c.Auth.KeyEnv)
	}

	mux := http.NewServeMux()
	mux.Handle(wire.AgentPath, receiver.New(receiver.Options{
		Store:      st,
		Keys:       c.Agents.Keys,
		Registerer: reg,
		Logger:     logger,
	}))
	mux.Handle("/api/", requireKey(api.New(st, api.Options{
		Alerts:       alertEngine,
		CommandRate:  rate.Limit(c.Commands.Rate),
		CommandBurst: c.Commands.Burst,
		Registerer:   reg,
	})))
	mux.Handle("/ws/stream", requireKey(hub))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Agent streams end when ctx does; Shutdown alone would wait for
		// them forever.
		BaseContext: func(net.Listener) context.Context { return ctx },
		ErrorLog:    slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("collector: listening", "addr", c.Listen)
		if c.TLS.Enabled() {
			errc <- srv.ListenAndServeTLS(c.TLS.CertFile, c.TLS.KeyFile)
		} else {
			errc <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("collector: listen: %w", err)
		}
	}

	slog.Info("collector: shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		err = multierr.Append(err, fmt.Errorf("collector: shutdown: %w", serr))
		err = multierr.Append(err, srv.Close())
	}
	return err
}
