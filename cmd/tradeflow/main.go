// Tradeflow — a post-trade processing engine that turns a stream of FIX
// drop-copy executions into allocated block trades and settlement
// instructions.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires feed → rules → outbox, owns every goroutine
//	feed/consumer.go     — partition workers for the execution topic (fills and busts)
//	feed/events.go       — loopback consumer: BlockReady events trigger allocation
//	feed/dedupe.go       — duplicate screen over exec ids within the business-day horizon
//	rules/ingest.go      — fill validation, enrichment, block aggregation
//	rules/allocate.go    — pro-rata split of a ready block across its accounts
//	rules/settle.go      — settlement instruction and date computation per allocation
//	rules/bust.go        — bust corrections: zero the fill, re-aggregate or bust the block
//	store/store.go       — transactional in-memory projection with outbox and change feeds
//	outbox/dispatcher.go — drains the outbox in commit order to Kafka and the gateway
//	publish/publish.go   — Kafka producer for trade events and dead letters
//	gateway/client.go    — REST client for the settlement gateway (idempotent submits)
//	refdata/loader.go    — instrument and order reference data from YAML files
//	api/server.go        — ops blotter: health, projection snapshot, websocket stream
//
// Processing guarantees:
//
//	The execution topic is partitioned by instrument, and each stage
//	either commits its transaction together with its outbound effects or
//	leaves the offset uncommitted, so replays after a crash converge on
//	the same blocks, allocations and instructions. Derived ids double as
//	idempotency keys all the way to the settlement gateway.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tradeflow/internal/api"
	"tradeflow/internal/config"
	"tradeflow/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADEFLOW_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start ops blotter server if enabled
	var apiServer *api.Server
	if cfg.Monitor.Enabled {
		apiServer = api.NewServer(cfg.Monitor, eng.Store(), eng.Counters(), eng.BlotterEvents(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("blotter server failed", "error", err)
			}
		}()
		logger.Info("blotter started", "url", fmt.Sprintf("http://localhost:%d", cfg.Monitor.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no events or instructions leave the process")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the blotter first
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop blotter", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
