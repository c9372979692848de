// Package engine is the composition root of the market-data relay.
//
// It wires together the full pipeline:
//
//  1. Feed holds the upstream WebSocket session and hands raw frames to the
//     Router.
//  2. Router classifies frames, drives them through the Sequencer, persists
//     to the Store, and publishes normalized events on the Bus.
//  3. The relay Server fans bus events out to downstream WebSocket
//     consumers and turns their demand into upstream subscriptions.
//  4. Scanner keeps the market catalog fresh; Resolver maps venue URLs to
//     token IDs; the web Server exposes health and stats.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polymarket-relay/internal/bus"
	"polymarket-relay/internal/config"
	"polymarket-relay/internal/exchange"
	"polymarket-relay/internal/market"
	"polymarket-relay/internal/relay"
	"polymarket-relay/internal/store"
	"polymarket-relay/internal/web"
)

// warmSubscribeLimit is how many recently-updated markets get subscribed at
// startup, so the pipeline produces data before any consumer asks.
const warmSubscribeLimit = 10

// Engine owns every component and their lifecycles. There are no package
// singletons; everything is wired here.
type Engine struct {
	cfg       config.Config
	store     *store.Store
	bus       *bus.Bus
	sequencer *market.Sequencer
	router    *market.Router
	client    *exchange.Client
	feed      *exchange.Feed
	resolver  *market.Resolver
	scanner   *market.Scanner
	relay     *relay.Server // nil when forwarding is disabled
	web       *web.Server   // nil when monitoring is disabled
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all components. Nothing starts running until
// Start.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	b := bus.New(logger)
	seq := market.NewSequencer(market.GapPolicy(cfg.WSGapPolicy), logger)
	router := market.NewRouter(seq, st, b, logger)
	client := exchange.NewClient(cfg.APIURL, cfg.HTTPTimeout, cfg.HTTPRPS, logger)
	feed := exchange.NewFeed(cfg.WSURL, cfg.HeartbeatInterval(), cfg.ReconnectDelay(), seq, router.Route, logger)
	resolver := market.NewResolver(st, client, logger)
	scanner := market.NewScanner(client, st, cfg.ScanInterval(), cfg.Category, logger)

	e := &Engine{
		cfg:       cfg,
		store:     st,
		bus:       b,
		sequencer: seq,
		router:    router,
		client:    client,
		feed:      feed,
		resolver:  resolver,
		scanner:   scanner,
		logger:    logger.With("component", "engine"),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if cfg.ForwardEnabled {
		e.relay = relay.NewServer(cfg.ForwardHost, cfg.ForwardPort, cfg.ForwardMarketLimit, b, feed, st, logger)
	}
	if cfg.WebEnabled {
		var relayStatus web.RelayStatus
		if e.relay != nil {
			relayStatus = e.relay
		}
		collector := web.NewCollector(b, feed, relayStatus, seq, router, st, logger)
		e.web = web.NewServer(cfg.WebHost, cfg.WebPort, collector, resolver, logger)
	}

	return e, nil
}

// Start launches the pipeline: upstream session, scanner loop, and the
// optional servers. The relay server failing to bind is fatal; the
// monitoring server degrades to a log line.
func (e *Engine) Start() error {
	if e.relay != nil {
		if err := e.relay.Start(); err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
	}
	if e.web != nil {
		if err := e.web.Start(); err != nil {
			e.logger.Error("monitoring server disabled", "err", err)
			e.web = nil
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("upstream session ended", "err", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scanner.Run(e.ctx)
	}()

	e.warmSubscribe()

	e.logger.Info("engine started",
		"forward", e.relay != nil,
		"web", e.web != nil,
	)
	return nil
}

// warmSubscribe seeds the upstream session with the most recently updated
// active markets so the relay has data flowing before the first consumer
// connects. Best effort: an empty catalog on first boot is fine.
func (e *Engine) warmSubscribe() {
	markets, err := e.store.ListActiveMarkets(e.cfg.Category, warmSubscribeLimit)
	if err != nil {
		e.logger.Warn("warm subscription skipped", "err", err)
		return
	}

	tokens := 0
	for _, m := range markets {
		toks, err := e.store.TokensByMarket(m.ID)
		if err != nil {
			e.logger.Warn("warm subscription tokens failed", "market", m.ID, "err", err)
			continue
		}
		for _, tok := range toks {
			e.feed.Subscribe(tok.TokenID)
			tokens++
		}
	}
	if tokens > 0 {
		e.logger.Info("warm subscriptions registered", "markets", len(markets), "tokens", tokens)
	}
}

// Resolver exposes URL resolution for embedding callers.
func (e *Engine) Resolver() *market.Resolver { return e.resolver }

// Stop shuts the pipeline down in dependency order: stop accepting work,
// close the outer servers, drop the upstream session, wait for loops, then
// close the store last so in-flight writes land.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if e.web != nil {
		if err := e.web.Stop(shutdownCtx); err != nil {
			e.logger.Error("web shutdown failed", "err", err)
		}
	}

	e.feed.Stop()

	if e.relay != nil {
		if err := e.relay.Stop(shutdownCtx); err != nil {
			e.logger.Error("relay shutdown failed", "err", err)
		}
	}

	e.wg.Wait()

	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "err", err)
	}
	e.logger.Info("shutdown complete")
}
