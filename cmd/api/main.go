package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ledgersync/internal/shared/config"
	"ledgersync/internal/shared/logging"
	"ledgersync/internal/shared/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("Application error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Environment:  cfg.Telemetry.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			MetricsPort:  cfg.Telemetry.MetricsPort,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(sctx); err != nil {
				log.WithError(err).Warn("Telemetry shutdown failed")
			}
		}()
	}

	deps, err := NewDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	deps.Publisher.Start()
	deps.Pool.Start()

	srv := newServer(SetupRoutes(deps), cfg.Server)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(gctx, srv, cfg.Server.ShutdownTimeout)
	})
	g.Go(func() error {
		return deps.Listener.Run(gctx)
	})
	if deps.Poller != nil {
		g.Go(func() error {
			return deps.Poller.Run(gctx)
		})
	} else {
		log.Info("Poll scheduler is disabled")
	}

	err = g.Wait()

	// Sync work drains after intake has stopped; events go out last.
	deps.Pool.Shutdown(cfg.Server.ShutdownTimeout)
	deps.Publisher.Close()

	if err != nil {
		return err
	}
	log.Info("Server stopped")
	return nil
}
