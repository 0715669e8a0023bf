package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/peermux/internal/config"
	"github.com/luciancaetano/peermux/internal/observability"
	"github.com/luciancaetano/peermux/ws"
)

const shutdownTimeout = 10 * time.Second

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.Addr != "" {
		cfg.Relay.Addr = opts.Addr
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("peermux-relay started")
	zap.L().Debug("effective configuration", zap.Any("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg.Relay, logger, nil); err != nil {
		zap.L().Error("relay failed", zap.Error(err))
		return 1
	}
	return 0
}

// serve runs a relay until ctx is done. ready, if set, receives the relay once it listens.
func serve(ctx context.Context, cfg config.RelayConfig, logger *zap.Logger, ready chan<- *ws.Relay) error {
	relay := ws.NewRelay(ws.RelayConfigFrom(cfg, logger))
	if err := relay.Start(ctx); err != nil {
		return err
	}
	if ready != nil {
		ready <- relay
	}

	<-ctx.Done()
	zap.L().Info("shutting down relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return relay.Stop(shutdownCtx)
}
