// Polymarket Relay — a real-time market-data relay for Polymarket
// prediction markets.
//
// Architecture:
//
//	main.go             — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go    — composition root: wires feed → router → sequencer → store/bus → relay
//	exchange/ws.go      — upstream market-channel WebSocket session with auto-reconnect
//	exchange/client.go  — Gamma REST catalog client (market discovery, slug lookup)
//	market/router.go    — frame classification: books and deltas, trades, pass-through events
//	market/sequencer.go — per-token ordering: baselines, stale drops, gap policy
//	market/scanner.go   — periodic catalog sync with deactivation and retention sweeps
//	market/resolver.go  — venue URL → token ID resolution, store-first with API fallback
//	bus/bus.go          — in-process token-keyed event fan-out
//	relay/server.go     — downstream WebSocket server for local consumers
//	web/server.go       — health probe and JSON pipeline stats
//	store/store.go      — SQLite persistence: markets, tokens, trades, order book levels
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-relay/internal/config"
	"polymarket-relay/internal/engine"
)

func main() {
	cfgPath := os.Getenv("POLYMARKET_CONFIG")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "err", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "err", err)
		os.Exit(1)
	}

	logger.Info("polymarket relay started",
		"ws_url", cfg.WSURL,
		"db", cfg.DBPath,
		"forward", cfg.ForwardEnabled,
		"web", cfg.WebEnabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

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
