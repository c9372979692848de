// Package relay implements the downstream WebSocket server that fans
// normalized market events out to local consumers.
//
// Consumers connect, subscribe to token IDs, and receive every event the
// router publishes for those tokens. Subscriptions are demand-driven: the
// first subscriber for a token triggers the upstream subscription. The
// upstream side is never torn down when the last consumer leaves; the next
// subscriber reattaches without waiting for a fresh snapshot.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-relay/internal/bus"
	"polymarket-relay/pkg/types"
)

// subscribePace spaces upstream announcements during bulk subscribes.
const subscribePace = 50 * time.Millisecond

// Upstream is the slice of the feed the server drives: announcing demand.
type Upstream interface {
	Subscribe(tokenID string, channels ...string)
}

// Catalog answers the market-listing actions from persistence.
type Catalog interface {
	ListActiveMarkets(category string, limit int) ([]types.Market, error)
	TokensByMarket(marketID string) ([]types.Token, error)
}

// Error codes returned to consumers.
const (
	codeInvalidJSON         = "invalid_json"
	codeInvalidTokenID      = "invalid_token_id"
	codeInvalidTokenIDs     = "invalid_token_ids"
	codeEmptyTokenIDs       = "empty_token_ids"
	codeUnsupportedAction   = "unsupported_action"
	codeDatabaseUnavailable = "database_unavailable"
	codeListMarketsFailed   = "list_markets_failed"
	codeSubCategoryFailed   = "subscribe_category_failed"
)

// request is the single inbound message shape. Limit is a json.Number so
// both "limit": 5 and "limit": "5" parse. Token is the legacy spelling of
// token_id, still sent by older consumers.
type request struct {
	Action   string      `json:"action"`
	TokenID  string      `json:"token_id"`
	Token    string      `json:"token"`
	TokenIDs []string    `json:"token_ids"`
	Category string      `json:"category"`
	Limit    json.Number `json:"limit"`
}

// tokenID returns the trimmed token identifier, preferring token_id over the
// legacy token field.
func (r *request) tokenID() string {
	if id := strings.TrimSpace(r.TokenID); id != "" {
		return id
	}
	return strings.TrimSpace(r.Token)
}

// Server is the downstream fan-out server.
type Server struct {
	addr        string
	marketLimit int
	bus         *bus.Bus
	upstream    Upstream
	catalog     Catalog
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	httpSrv *http.Server
	ln      net.Listener

	mu         sync.Mutex
	started    bool
	clients    map[*client]bool
	tokenConns map[string]map[*client]bool // token -> subscribed clients
	connTokens map[*client]map[string]bool // client -> subscribed tokens
	announced  map[string]bool             // tokens announced upstream, never retracted
	busSubs    map[string]*bus.Subscription
}

// NewServer creates the fan-out server. marketLimit caps list_markets and
// bulk-subscribe result sizes.
func NewServer(host string, port, marketLimit int, b *bus.Bus, upstream Upstream, catalog Catalog, logger *slog.Logger) *Server {
	return &Server{
		addr:        fmt.Sprintf("%s:%d", host, port),
		marketLimit: marketLimit,
		bus:         b,
		upstream:    upstream,
		catalog:     catalog,
		logger:      logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:    make(map[*client]bool),
		tokenConns: make(map[string]map[*client]bool),
		connTokens: make(map[*client]map[string]bool),
		announced:  make(map[string]bool),
		busSubs:    make(map[string]*bus.Subscription),
	}
}

// Start begins accepting consumers. Listening happens here so a taken port
// surfaces as an error instead of a background log line.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveWS)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("relay server failed", "err", err)
		}
	}()

	s.logger.Info("relay server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop disconnects every consumer and stops accepting new ones.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "err", err)
		return
	}

	c := newClient(s, conn)
	s.mu.Lock()
	s.clients[c] = true
	s.connTokens[c] = make(map[string]bool)
	count := len(s.clients)
	s.mu.Unlock()

	s.logger.Info("consumer connected", "client", c.id, "clients", count)
	go c.writePump()
	go c.readPump()
}

// removeClient tears down a consumer's subscriptions. Token indexes are
// restored; upstream subscriptions stay.
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if !s.clients[c] {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	for token := range s.connTokens[c] {
		s.detachLocked(c, token)
	}
	delete(s.connTokens, c)
	count := len(s.clients)
	s.mu.Unlock()

	c.shutdownSend()
	s.logger.Info("consumer disconnected", "client", c.id, "clients", count)
}

// handleMessage dispatches one inbound consumer frame.
func (s *Server) handleMessage(c *client, raw []byte) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(c, codeInvalidJSON)
		return
	}

	switch req.Action {
	case "ping":
		s.send(c, map[string]any{"type": "pong", "status": "pong"})
	case "subscribe":
		s.handleSubscribe(c, req.tokenID())
	case "unsubscribe":
		s.handleUnsubscribe(c, req.tokenID())
	case "subscribe_batch":
		s.handleSubscribeBatch(c, req.TokenIDs)
	case "list_markets":
		s.handleListMarkets(c, req.Category, s.parseLimit(req.Limit))
	case "subscribe_category":
		s.handleSubscribeCategory(c, req.Category, s.parseLimit(req.Limit))
	case "subscribe_all":
		// Every category, at the server's own cap; a consumer-supplied
		// limit is ignored here.
		s.handleSubscribeCategory(c, "", s.marketLimit)
	default:
		s.sendError(c, codeUnsupportedAction)
	}
}

// parseLimit clamps a consumer-supplied limit to [1, marketLimit], falling
// back to the cap when absent or unparseable.
func (s *Server) parseLimit(n json.Number) int {
	if n.String() == "" {
		return s.marketLimit
	}
	v, err := n.Int64()
	if err != nil {
		return s.marketLimit
	}
	if v < 1 {
		return 1
	}
	if v > int64(s.marketLimit) {
		return s.marketLimit
	}
	return int(v)
}

func (s *Server) handleSubscribe(c *client, tokenID string) {
	// Token IDs are opaque venue identifiers; the only invalid one is none
	// at all.
	if tokenID == "" {
		s.sendError(c, codeInvalidTokenID)
		return
	}

	if s.attach(c, tokenID) {
		s.upstream.Subscribe(tokenID)
	}
	s.send(c, map[string]any{
		"type":     "subscribed",
		"token_id": tokenID,
		// Back-compat fields for older consumers.
		"status": "subscribed",
		"token":  tokenID,
	})
}

func (s *Server) handleUnsubscribe(c *client, tokenID string) {
	if tokenID == "" {
		s.sendError(c, codeInvalidTokenID)
		return
	}

	s.mu.Lock()
	if s.connTokens[c][tokenID] {
		delete(s.connTokens[c], tokenID)
		s.detachLocked(c, tokenID)
	}
	s.mu.Unlock()

	s.send(c, map[string]any{
		"type":     "unsubscribed",
		"token_id": tokenID,
		"status":   "unsubscribed",
		"token":    tokenID,
	})
}

func (s *Server) handleSubscribeBatch(c *client, tokenIDs []string) {
	// A missing token_ids field is a malformed request; a present list that
	// cleans down to nothing is merely empty.
	if tokenIDs == nil {
		s.sendError(c, codeInvalidTokenIDs)
		return
	}
	cleaned := cleanTokenIDs(tokenIDs)
	if len(cleaned) == 0 {
		s.sendError(c, codeEmptyTokenIDs)
		return
	}

	subscribed, _ := s.subscribeMany(c, cleaned)
	s.send(c, map[string]any{
		"type":      "subscribed_batch",
		"token_ids": subscribed,
		"status":    "subscribed_batch",
	})
}

// cleanTokenIDs trims, drops empties, and deduplicates, preserving order.
func cleanTokenIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (s *Server) handleListMarkets(c *client, category string, limit int) {
	if s.catalog == nil {
		s.sendError(c, codeDatabaseUnavailable)
		return
	}
	markets, err := s.catalog.ListActiveMarkets(category, limit)
	if err != nil {
		s.logger.Error("list markets failed", "err", err)
		s.sendError(c, codeListMarketsFailed)
		return
	}

	out := make([]map[string]any, 0, len(markets))
	for _, m := range markets {
		tokens, err := s.catalog.TokensByMarket(m.ID)
		if err != nil {
			s.logger.Error("tokens by market failed", "market", m.ID, "err", err)
			s.sendError(c, codeListMarketsFailed)
			return
		}
		toks := make([]map[string]string, 0, len(tokens))
		for _, tok := range tokens {
			toks = append(toks, map[string]string{"token_id": tok.TokenID, "outcome": tok.Outcome})
		}
		out = append(out, map[string]any{
			"id":       m.ID,
			"slug":     m.Slug,
			"question": m.Question,
			"category": m.Category,
			"tokens":   toks,
		})
	}

	s.send(c, map[string]any{
		"status":    "markets",
		"category":  nullable(category),
		"count":     len(out),
		"limit":     limit,
		"max_limit": s.marketLimit,
		"markets":   out,
	})
}

func (s *Server) handleSubscribeCategory(c *client, category string, limit int) {
	if s.catalog == nil {
		s.sendError(c, codeDatabaseUnavailable)
		return
	}
	tokens, marketCount, err := s.catalogTokens(category, limit)
	if err != nil {
		s.logger.Error("subscribe category failed", "category", category, "err", err)
		s.sendError(c, codeSubCategoryFailed)
		return
	}

	subscribed, fresh := s.subscribeMany(c, tokens)
	s.send(c, map[string]any{
		"status":            "subscribed_category",
		"category":          nullable(category),
		"market_count":      marketCount,
		"token_count":       len(subscribed),
		"new_subscriptions": fresh,
		"limit":             limit,
		"max_limit":         s.marketLimit,
	})
}

// nullable maps the empty string to JSON null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// catalogTokens resolves a category to the token IDs of its active markets,
// deduplicated in catalog order, plus the number of markets matched.
func (s *Server) catalogTokens(category string, limit int) ([]string, int, error) {
	markets, err := s.catalog.ListActiveMarkets(category, limit)
	if err != nil {
		return nil, 0, err
	}

	var tokens []string
	for _, m := range markets {
		toks, err := s.catalog.TokensByMarket(m.ID)
		if err != nil {
			return nil, 0, err
		}
		for _, tok := range toks {
			tokens = append(tokens, tok.TokenID)
		}
	}
	return cleanTokenIDs(tokens), len(markets), nil
}

// subscribeMany attaches the client to each token, deduplicating, and
// announces newly-demanded tokens upstream with pacing between frames.
// Returns the deduplicated token list in input order and the number of
// tokens announced upstream for the first time.
func (s *Server) subscribeMany(c *client, tokenIDs []string) ([]string, int) {
	seen := make(map[string]bool, len(tokenIDs))
	subscribed := make([]string, 0, len(tokenIDs))
	var fresh []string
	for _, id := range tokenIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		subscribed = append(subscribed, id)
		if s.attach(c, id) {
			fresh = append(fresh, id)
		}
	}

	for i, id := range fresh {
		if i > 0 {
			time.Sleep(subscribePace)
		}
		s.upstream.Subscribe(id)
	}
	return subscribed, len(fresh)
}

// attach registers the client under a token and reports whether the token
// needs its first upstream announcement.
func (s *Server) attach(c *client, tokenID string) (firstAnnounce bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connTokens[c] == nil {
		// Client already removed; nothing to attach to.
		return false
	}
	s.connTokens[c][tokenID] = true

	set := s.tokenConns[tokenID]
	if set == nil {
		set = make(map[*client]bool)
		s.tokenConns[tokenID] = set
		token := tokenID
		s.busSubs[tokenID] = s.bus.Subscribe(tokenID, func(ev *types.ForwardEvent) {
			s.fanOut(token, ev)
		})
	}
	set[c] = true

	if !s.announced[tokenID] {
		s.announced[tokenID] = true
		return true
	}
	return false
}

// detachLocked removes the client from a token's fan-out set. Caller holds
// s.mu. The upstream subscription is deliberately left in place.
func (s *Server) detachLocked(c *client, tokenID string) {
	set := s.tokenConns[tokenID]
	if set == nil {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(s.tokenConns, tokenID)
		if sub := s.busSubs[tokenID]; sub != nil {
			s.bus.Unsubscribe(sub)
			delete(s.busSubs, tokenID)
		}
	}
}

// fanOut serializes one event and enqueues it to every subscriber of the
// token. Serialization happens once per event, not per client.
func (s *Server) fanOut(tokenID string, ev *types.ForwardEvent) {
	msg, err := json.Marshal(map[string]any{
		"type":      ev.EventType,
		"token_id":  ev.TokenID,
		"data":      ev.Payload,
		"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		s.logger.Error("event marshal failed", "token", tokenID, "err", err)
		return
	}

	s.mu.Lock()
	set := s.tokenConns[tokenID]
	conns := make([]*client, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.enqueue(msg)
	}
}

func (s *Server) send(c *client, v map[string]any) {
	msg, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("response marshal failed", "err", err)
		return
	}
	c.enqueue(msg)
}

func (s *Server) sendError(c *client, code string) {
	s.send(c, map[string]any{
		"type":   "error",
		"error":  code,
		"status": "error",
	})
}

// ClientCount returns the number of connected consumers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// SubscriptionCount returns the number of tokens with at least one
// subscribed consumer.
func (s *Server) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokenConns)
}
