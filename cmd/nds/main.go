// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command nds runs the network detection service: packet capture, flow
// reconstruction, ML inference, alert persistence and the HTTP/WebSocket
// API, in one process.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/nds/internal/api"
	"grimm.is/nds/internal/config"
	"grimm.is/nds/internal/health"
	"grimm.is/nds/internal/logging"
	"grimm.is/nds/internal/metrics"
	"grimm.is/nds/internal/pipeline"
	"grimm.is/nds/internal/pubsub"
	"grimm.is/nds/internal/reputation"
	"grimm.is/nds/internal/store"
	"grimm.is/nds/internal/ws"
)

func main() {
	noCapture := flag.Bool("no-capture", false, "Start with capture stopped; enable later via the API")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.File = cfg.LogFile
	if err := logging.Init(logCfg); err != nil {
		log.Fatalf("Logging setup failed: %v", err)
	}
	logger := logging.WithComponent("main")
	defer logger.Sync()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Database open failed: %v", err)
	}
	defer st.Close()

	// Redis is optional: without it there is no realtime stream, but
	// detection and persistence keep running.
	var bus *pubsub.Bus
	bus, err = pubsub.New(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB, logging.Default())
	if err != nil {
		logger.Warn("redis unavailable, alert streaming disabled", "addr", cfg.RedisAddr(), "error", err)
		bus = nil
	} else {
		defer bus.Close()
	}

	var rep reputation.Provider
	repSvc, err := reputation.New(reputation.Config{
		ListPath:  cfg.ReputationListPath,
		GeoIPPath: cfg.GeoIPDBPath,
		CacheTTL:  time.Hour,
	}, logging.Default())
	if err != nil {
		log.Fatalf("Reputation provider setup failed: %v", err)
	}
	rep = repSvc
	defer repSvc.Close()

	collector := metrics.NewCollector(logging.Default())

	if *noCapture {
		// Workers and the API still run; only the sniffer stays off
		// until capture/start is called with a real interface.
		cfg.CaptureInterface = "none"
	}

	pipe, err := pipeline.New(pipeline.Options{
		Settings:   cfg,
		Logger:     logging.Default(),
		Store:      st,
		Bus:        bus,
		Reputation: rep,
		Collector:  collector,
	})
	if err != nil {
		log.Fatalf("Pipeline setup failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub(logging.Default())
	hub.SetClientGauge(collector.ClientConnected)
	if bus != nil {
		if err := hub.Start(ctx, bus); err != nil {
			logger.Warn("alert broadcaster could not subscribe", "error", err)
		}
	} else {
		hub.Start(ctx, nil)
	}
	defer hub.Stop()

	srv := api.NewServer(api.ServerOptions{
		Settings:  cfg,
		Logger:    logging.Default(),
		Pipeline:  pipe,
		Store:     st,
		Bus:       bus,
		Hub:       hub,
		Checker:   buildChecker(st, bus, pipe),
		Collector: collector,
	})

	if err := pipe.Start(ctx); err != nil {
		log.Fatalf("Pipeline start failed: %v", err)
	}
	defer pipe.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("api server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", "error", err)
	}
}

// buildChecker registers one probe per dependency so /health can flip
// each degraded flag independently.
func buildChecker(st *store.Store, bus *pubsub.Bus, pipe *pipeline.Pipeline) *health.Checker {
	checker := health.NewChecker()

	checker.Register("api", func(ctx context.Context) health.Check {
		return health.Healthy("serving")
	})

	checker.Register("database", func(ctx context.Context) health.Check {
		if _, err := st.RecentFlows(ctx, 1, 0); err != nil {
			return health.Unhealthy(err.Error())
		}
		return health.Healthy("ok")
	})

	checker.Register("redis", func(ctx context.Context) health.Check {
		if bus == nil {
			return health.Degraded("not connected")
		}
		if err := bus.Ping(ctx); err != nil {
			return health.Degraded(err.Error())
		}
		return health.Healthy("ok")
	})

	checker.Register("capture", func(ctx context.Context) health.Check {
		status := pipe.CaptureStatus()
		if !status.Running {
			return health.Degraded("capture stopped")
		}
		return health.Healthy("capturing on " + status.Interface + " (" + status.Mode + ")")
	})

	checker.Register("models", func(ctx context.Context) health.Check {
		if !pipe.Ready() {
			return health.Degraded("artifacts missing, inference disabled")
		}
		return health.Healthy("loaded")
	})

	return checker
}
