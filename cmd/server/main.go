package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wsrelay/internal/gateway"
	"github.com/pscheid92/wsrelay/internal/platform/config"
	"github.com/pscheid92/wsrelay/internal/platform/logging"
	"github.com/pscheid92/wsrelay/internal/platform/retry"
	"github.com/pscheid92/wsrelay/internal/platform/version"
	"github.com/pscheid92/wsrelay/internal/registry"
	"github.com/pscheid92/wsrelay/internal/upstream"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func upstreamConfig(cfg *config.Config) upstream.Config {
	var subscribe []string
	if cfg.UpstreamSubscribe != "" {
		subscribe = []string{cfg.UpstreamSubscribe}
	}

	return upstream.Config{
		URL:       cfg.UpstreamURL,
		Subscribe: subscribe,
		Keepalive: cfg.UpstreamKeepalive,
		QueueSize: cfg.UpstreamQueueSize,
		Backoff: retry.Policy{
			MaxAttempts:      cfg.ReconnectMaxAttempts,
			InitialBackoff:   cfg.ReconnectInitialBackoff,
			MaxBackoff:       cfg.ReconnectMaxBackoff,
			RateLimitBackoff: cfg.ReconnectMaxBackoff,
		},
	}
}

func run() error {
	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	version.PublishMetric()
	slog.Info("Application starting",
		"env", cfg.AppEnv,
		"addr", cfg.Addr(),
		"upstream", cfg.UpstreamURL,
		"version", version.Get().String(),
	)

	clock := clockwork.NewRealClock()

	reg := registry.New(clock)
	link := upstream.NewLink(upstreamConfig(cfg), reg, clock)

	srv, err := gateway.NewServer(cfg, reg, link, clock)
	if err != nil {
		reg.Stop("startup failed")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return link.Run(ctx)
	})

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down, closing client connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func main() {
	if err := run(); err != nil {
		slog.Error("Relay stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Relay stopped")
}
