package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/meshrelay/internal/app"
	"github.com/pscheid92/meshrelay/internal/broadcast"
	"github.com/pscheid92/meshrelay/internal/fanout"
	"github.com/pscheid92/meshrelay/internal/httpserver"
	"github.com/pscheid92/meshrelay/internal/ingest"
	"github.com/pscheid92/meshrelay/internal/metrics"
	"github.com/pscheid92/meshrelay/internal/platform/config"
	"github.com/pscheid92/meshrelay/internal/platform/logging"
	"github.com/pscheid92/meshrelay/internal/platform/version"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Relay starting",
		"env", cfg.AppEnv,
		"version", version.Get().String(),
		"ingest_addr", cfg.IngestAddr,
		"fanout_addr", cfg.FanoutAddr,
		"producer_policy", cfg.IngestProducerPolicy)

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	registry := broadcast.NewRegistry(clock, m, cfg.FanoutMaxSubscribers)
	listener := ingest.NewListener(ingest.OptionsFromConfig(cfg), registry, clock, m)
	fanoutSrv := fanout.NewServer(fanout.OptionsFromConfig(cfg), registry, clock, m)

	// Pass nil explicitly to avoid a typed-nil interface
	var relay *app.Relay
	if cfg.OpsAddr != "" {
		checks := []httpserver.HealthCheck{
			httpserver.BoundCheck("ingest", listener),
			httpserver.BoundCheck("fanout", fanoutSrv),
		}
		ops := httpserver.NewServer(cfg.OpsAddr, reg, checks, clock)
		relay = app.NewRelay(listener, fanoutSrv, registry, ops, m)
	} else {
		relay = app.NewRelay(listener, fanoutSrv, registry, nil, m)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := relay.Run(ctx); err != nil {
		slog.Error("Relay shutdown error", "error", err)
		os.Exit(1)
	}
}
