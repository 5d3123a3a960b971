package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/channelrelay/channelrelay/server/internal/api"
	"github.com/channelrelay/channelrelay/server/internal/auth"
	"github.com/channelrelay/channelrelay/server/internal/config"
	"github.com/channelrelay/channelrelay/server/internal/metrics"
	"github.com/channelrelay/channelrelay/server/internal/relay"
	"github.com/channelrelay/channelrelay/server/internal/store"
	"github.com/channelrelay/channelrelay/server/internal/webhook"
	"github.com/channelrelay/channelrelay/server/internal/ws"
)

func main() {
	flags := pflag.NewFlagSet("channelrelay-server", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "path to config file")
	resetOnly := flags.Bool("reset-default-owner", false, "delete every owner, recreate \"default\" and exit")
	flags.Parse(os.Args[1:]) //nolint:errcheck

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "channelrelay-server: %v\n", err)
		os.Exit(1)
	}
	rt := config.NewRuntime(cfg)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: rt.Level()}))
	slog.SetDefault(logger)

	slog.Info("channelrelay-server starting",
		"config", *configPath,
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"database", cfg.Server.Database.Path,
	)

	if err := run(*configPath, cfg, rt, *resetOnly); err != nil {
		slog.Error("channelrelay-server stopped", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, cfg *config.Config, rt *config.Runtime, resetOnly bool) error {
	sc := cfg.Server

	st, err := store.Open(sc.Database.Path, rt.Level().Level() <= slog.LevelDebug)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if resetOnly || sc.Database.ResetDefault {
		if _, _, err := st.ResetDefaultOwner(ctx, sc.Database.DefaultOwnerKey()); err != nil {
			return err
		}
		if resetOnly {
			return nil
		}
	}
	if sc.Auth.Mode == auth.ModeNone {
		if _, err := st.EnsureOwner(ctx, store.DefaultOwner, sc.Database.DefaultOwnerKey()); err != nil {
			return err
		}
	}

	reg := metrics.New()
	notifier := webhook.New(sc.Webhook, reg)
	hub := relay.NewHub(relay.NewBroadcaster(reg), st,
		relay.WithNotifier(notifier),
		relay.WithRecorder(reg),
		relay.WithRateLimit(func() relay.RateLimit {
			rl := rt.RateLimit()
			return relay.RateLimit{Burst: rl.Burst, RefillInterval: rl.RefillInterval}
		}),
	)
	wsHandler := ws.New(hub, sc.WebSocket)

	status := relayStatus{hub: hub, notifier: notifier}
	reg.Gauge("groups", "Rooms with at least one connected session.", func() float64 { return float64(status.Groups()) })
	reg.Gauge("sessions", "Sessions joined to a room.", func() float64 { return float64(status.Sessions()) })
	reg.Gauge("connections", "Open websocket connections.", func() float64 { return float64(wsHandler.Count()) })
	reg.Gauge("webhook_queued", "Webhook notifications waiting for a worker.", func() float64 { return float64(status.WebhookQueued()) })

	authn := auth.Middleware(sc.Auth.Mode, sc.Auth.EffectiveHeader(), st)

	mux := http.NewServeMux()
	mux.Handle("/api/", api.New(st, authn, status))
	mux.Handle(ws.PathPrefix, wsHandler)
	if sc.Metrics.Enabled {
		mux.Handle("/metrics", reg.Handler())
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", sc.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		notifier.Run(gctx, sc.ShutdownTimeout)
		return nil
	})

	g.Go(func() error {
		if err := config.Watch(gctx, configPath, rt); err != nil {
			slog.Warn("config: hot reload disabled", "path", configPath, "err", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("HTTP server listening", "port", sc.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("channelrelay-server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)

		// Hijacked websocket connections are not tracked by http.Server.
		wsHandler.Shutdown()
		if n := len(hub.Broadcaster().Close()); n > 0 {
			slog.Info("relay: groups torn down", "sessions", n)
		}
		return err
	})

	return g.Wait()
}

// relayStatus feeds the health route and metrics gauges.
type relayStatus struct {
	hub      *relay.Hub
	notifier *webhook.Notifier
}

func (s relayStatus) Groups() int        { return s.hub.Broadcaster().Groups() }
func (s relayStatus) Sessions() int      { return s.hub.Sessions() }
func (s relayStatus) WebhookQueued() int { return s.notifier.Pending() }
