package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-relay/internal/bus"
	"polymarket-relay/pkg/types"
)

type fakeUpstream struct {
	mu   sync.Mutex
	subs []string
}

func (f *fakeUpstream) Subscribe(tokenID string, channels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, tokenID)
}

func (f *fakeUpstream) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs...)
}

type fakeCatalog struct {
	markets []types.Market
	tokens  map[string][]types.Token
	err     error
}

func (f *fakeCatalog) ListActiveMarkets(category string, limit int) ([]types.Market, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []types.Market
	for _, m := range f.markets {
		if category != "" && m.Category != category {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeCatalog) TokensByMarket(marketID string) ([]types.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tokens[marketID], nil
}

type testRig struct {
	srv      *Server
	bus      *bus.Bus
	upstream *fakeUpstream
}

func newTestServer(t *testing.T, catalog Catalog) *testRig {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	up := &fakeUpstream{}
	srv := NewServer("127.0.0.1", 0, 50, b, up, catalog, logger)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return &testRig{srv: srv, bus: b, upstream: up}
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr(), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var v map[string]any
	if err := conn.ReadJSON(&v); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return v
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	rig := newTestServer(t, nil)
	conn := dial(t, rig.srv)

	sendJSON(t, conn, map[string]any{"action": "subscribe", "token_id": "111"})
	resp := readJSON(t, conn)
	if resp["type"] != "subscribed" || resp["token_id"] != "111" {
		t.Fatalf("resp = %v, want subscribed 111", resp)
	}
	// Back-compat fields survive.
	if resp["status"] != "subscribed" || resp["token"] != "111" {
		t.Errorf("resp = %v, want status/token back-compat fields", resp)
	}

	waitUntil(t, "upstream announce", func() bool { return len(rig.upstream.subscribed()) == 1 })

	rig.bus.Publish(types.NewForwardEvent("111", "book", map[string]any{"bids": []any{}}))
	ev := readJSON(t, conn)
	if ev["type"] != "book" || ev["token_id"] != "111" {
		t.Fatalf("event = %v, want book for 111", ev)
	}
	if _, ok := ev["data"].(map[string]any); !ok {
		t.Errorf("event data = %v, want payload object", ev["data"])
	}
	if ev["timestamp"] == nil {
		t.Error("event missing timestamp")
	}
}

func TestFanOutToMultipleConsumers(t *testing.T) {
	rig := newTestServer(t, nil)
	c1 := dial(t, rig.srv)
	c2 := dial(t, rig.srv)

	sendJSON(t, c1, map[string]any{"action": "subscribe", "token_id": "111"})
	readJSON(t, c1)
	sendJSON(t, c2, map[string]any{"action": "subscribe", "token_id": "111"})
	readJSON(t, c2)

	// One upstream announce for two consumers.
	waitUntil(t, "single upstream announce", func() bool {
		return len(rig.upstream.subscribed()) == 1
	})

	rig.bus.Publish(types.NewForwardEvent("111", "price_change", nil))
	for _, conn := range []*websocket.Conn{c1, c2} {
		ev := readJSON(t, conn)
		if ev["type"] != "price_change" {
			t.Errorf("event = %v, want price_change", ev)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	rig := newTestServer(t, nil)
	conn := dial(t, rig.srv)

	sendJSON(t, conn, map[string]any{"action": "subscribe", "token_id": "111"})
	readJSON(t, conn)
	sendJSON(t, conn, map[string]any{"action": "unsubscribe", "token_id": "111"})
	resp := readJSON(t, conn)
	if resp["type"] != "unsubscribed" {
		t.Fatalf("resp = %v, want unsubscribed", resp)
	}

	waitUntil(t, "fan-out teardown", func() bool { return rig.srv.SubscriptionCount() == 0 })
	rig.bus.Publish(types.NewForwardEvent("111", "book", nil))

	// Only the ping action answer should arrive, proving no event was queued.
	sendJSON(t, conn, map[string]any{"action": "ping"})
	resp = readJSON(t, conn)
	if resp["type"] != "pong" || resp["status"] != "pong" {
		t.Errorf("resp = %v, want pong/pong (no stray event)", resp)
	}
	if rig.bus.TotalSubscribers() != 0 {
		t.Errorf("bus subscribers = %d, want 0", rig.bus.TotalSubscribers())
	}
}

func TestSubscribeBatchDeduplicates(t *testing.T) {
	rig := newTestServer(t, nil)
	conn := dial(t, rig.srv)

	sendJSON(t, conn, map[string]any{
		"action":    "subscribe_batch",
		"token_ids": []string{"111", " 222 ", "111", ""},
	})
	resp := readJSON(t, conn)
	if resp["type"] != "subscribed_batch" || resp["status"] != "subscribed_batch" {
		t.Fatalf("resp = %v, want subscribed_batch", resp)
	}
	ids, _ := resp["token_ids"].([]any)
	if len(ids) != 2 || ids[0] != "111" || ids[1] != "222" {
		t.Errorf("token_ids = %v, want trimmed deduped [111 222]", resp["token_ids"])
	}
	waitUntil(t, "upstream announces", func() bool { return len(rig.upstream.subscribed()) == 2 })
}

func TestSubscribeAcceptsLegacyTokenField(t *testing.T) {
	rig := newTestServer(t, nil)
	conn := dial(t, rig.srv)

	sendJSON(t, conn, map[string]any{"action": "subscribe", "token": " 111 "})
	resp := readJSON(t, conn)
	if resp["type"] != "subscribed" || resp["token_id"] != "111" {
		t.Fatalf("resp = %v, want subscribed 111 via legacy field", resp)
	}
	waitUntil(t, "upstream announce", func() bool { return len(rig.upstream.subscribed()) == 1 })

	sendJSON(t, conn, map[string]any{"action": "unsubscribe", "token": "111"})
	resp = readJSON(t, conn)
	if resp["type"] != "unsubscribed" || resp["token_id"] != "111" {
		t.Fatalf("resp = %v, want unsubscribed 111 via legacy field", resp)
	}
}

func TestSubscribeAcceptsOpaqueTokenIDs(t *testing.T) {
	rig := newTestServer(t, nil)
	conn := dial(t, rig.srv)

	// Token IDs are venue-issued opaque strings, not necessarily numeric.
	sendJSON(t, conn, map[string]any{"action": "subscribe", "token_id": "0xdead-beef"})
	resp := readJSON(t, conn)
	if resp["type"] != "subscribed" || resp["token_id"] != "0xdead-beef" {
		t.Fatalf("resp = %v, want subscribed 0xdead-beef", resp)
	}
	waitUntil(t, "upstream announce", func() bool { return len(rig.upstream.subscribed()) == 1 })
}

func TestDisconnectRestoresIndices(t *testing.T) {
	rig := newTestServer(t, nil)
	conn := dial(t, rig.srv)

	sendJSON(t, conn, map[string]any{"action": "subscribe", "token_id": "111"})
	readJSON(t, conn)
	waitUntil(t, "registered", func() bool { return rig.srv.SubscriptionCount() == 1 })

	conn.Close()
	waitUntil(t, "cleanup", func() bool {
		return rig.srv.ClientCount() == 0 && rig.srv.SubscriptionCount() == 0
	})
	if rig.bus.TotalSubscribers() != 0 {
		t.Errorf("bus subscribers = %d, want 0 after disconnect", rig.bus.TotalSubscribers())
	}

	// A later consumer resubscribing must not re-announce upstream: demand
	// is never retracted.
	conn2 := dial(t, rig.srv)
	sendJSON(t, conn2, map[string]any{"action": "subscribe", "token_id": "111"})
	readJSON(t, conn2)
	time.Sleep(50 * time.Millisecond)
	if got := len(rig.upstream.subscribed()); got != 1 {
		t.Errorf("upstream announces = %d, want 1", got)
	}
}

func TestErrorCodes(t *testing.T) {
	rig := newTestServer(t, nil) // nil catalog: database_unavailable
	conn := dial(t, rig.srv)

	cases := []struct {
		name string
		send func()
		code string
	}{
		{"invalid json", func() {
			conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		}, "invalid_json"},
		{"missing token id", func() {
			sendJSON(t, conn, map[string]any{"action": "subscribe"})
		}, "invalid_token_id"},
		{"blank token id", func() {
			sendJSON(t, conn, map[string]any{"action": "subscribe", "token_id": "   "})
		}, "invalid_token_id"},
		{"missing batch list", func() {
			sendJSON(t, conn, map[string]any{"action": "subscribe_batch"})
		}, "invalid_token_ids"},
		{"empty batch", func() {
			sendJSON(t, conn, map[string]any{"action": "subscribe_batch", "token_ids": []string{}})
		}, "empty_token_ids"},
		{"blank batch", func() {
			sendJSON(t, conn, map[string]any{"action": "subscribe_batch", "token_ids": []string{" ", ""}})
		}, "empty_token_ids"},
		{"unknown action", func() {
			sendJSON(t, conn, map[string]any{"action": "dance"})
		}, "unsupported_action"},
		{"no catalog", func() {
			sendJSON(t, conn, map[string]any{"action": "list_markets"})
		}, "database_unavailable"},
		{"no catalog category", func() {
			sendJSON(t, conn, map[string]any{"action": "subscribe_category", "category": "sports"})
		}, "database_unavailable"},
	}

	for _, tc := range cases {
		tc.send()
		resp := readJSON(t, conn)
		if resp["type"] != "error" || resp["error"] != tc.code {
			t.Errorf("%s: resp = %v, want error %s", tc.name, resp, tc.code)
		}
		if resp["status"] != "error" {
			t.Errorf("%s: status = %v, want error", tc.name, resp["status"])
		}
	}
}

func TestListMarkets(t *testing.T) {
	catalog := &fakeCatalog{
		markets: []types.Market{
			{ID: "m1", Slug: "s1", Question: "q1", Category: "sports", Active: true},
			{ID: "m2", Slug: "s2", Question: "q2", Category: "politics", Active: true},
		},
		tokens: map[string][]types.Token{
			"m1": {{TokenID: "111", Outcome: "Yes"}, {TokenID: "222", Outcome: "No"}},
			"m2": {{TokenID: "333", Outcome: "Yes"}},
		},
	}
	rig := newTestServer(t, catalog)
	conn := dial(t, rig.srv)

	sendJSON(t, conn, map[string]any{"action": "list_markets", "category": "sports", "limit": 10})
	resp := readJSON(t, conn)
	if resp["status"] != "markets" || resp["count"] != float64(1) {
		t.Fatalf("resp = %v, want one sports market", resp)
	}
	if resp["category"] != "sports" || resp["limit"] != float64(10) || resp["max_limit"] != float64(50) {
		t.Errorf("resp = %v, want category/limit/max_limit echoed", resp)
	}
	markets := resp["markets"].([]any)
	m := markets[0].(map[string]any)
	if m["id"] != "m1" {
		t.Errorf("market = %v, want m1", m)
	}
	tokens := m["tokens"].([]any)
	if len(tokens) != 2 {
		t.Errorf("tokens = %v, want 2", tokens)
	}
}

func TestListMarketsNullCategory(t *testing.T) {
	catalog := &fakeCatalog{
		markets: []types.Market{{ID: "m1", Slug: "s1", Question: "q1", Active: true}},
		tokens:  map[string][]types.Token{"m1": {{TokenID: "111"}}},
	}
	rig := newTestServer(t, catalog)
	conn := dial(t, rig.srv)

	sendJSON(t, conn, map[string]any{"action": "list_markets"})
	resp := readJSON(t, conn)
	if resp["status"] != "markets" {
		t.Fatalf("resp = %v, want markets listing", resp)
	}
	if cat, present := resp["category"]; !present || cat != nil {
		t.Errorf("category = %v, want explicit null when unfiltered", cat)
	}
}

func TestSubscribeCategory(t *testing.T) {
	catalog := &fakeCatalog{
		markets: []types.Market{
			{ID: "m1", Slug: "s1", Question: "q1", Category: "sports", Active: true},
		},
		tokens: map[string][]types.Token{
			"m1": {{TokenID: "111"}, {TokenID: "222"}},
		},
	}
	rig := newTestServer(t, catalog)
	conn := dial(t, rig.srv)

	sendJSON(t, conn, map[string]any{"action": "subscribe_category", "category": "sports", "limit": 5})
	resp := readJSON(t, conn)
	if resp["status"] != "subscribed_category" || resp["token_count"] != float64(2) {
		t.Fatalf("resp = %v, want two subscribed tokens", resp)
	}
	if resp["category"] != "sports" || resp["market_count"] != float64(1) {
		t.Errorf("resp = %v, want sports with one market", resp)
	}
	if resp["new_subscriptions"] != float64(2) {
		t.Errorf("new_subscriptions = %v, want 2 on first demand", resp["new_subscriptions"])
	}
	if resp["limit"] != float64(5) || resp["max_limit"] != float64(50) {
		t.Errorf("resp = %v, want limit/max_limit echoed", resp)
	}
	waitUntil(t, "upstream announces", func() bool { return len(rig.upstream.subscribed()) == 2 })

	// Events for a category token reach the consumer.
	rig.bus.Publish(types.NewForwardEvent("222", "book", nil))
	ev := readJSON(t, conn)
	if ev["type"] != "book" || ev["token_id"] != "222" {
		t.Errorf("event = %v, want book for 222", ev)
	}
}

func TestSubscribeAllCoversEveryCategory(t *testing.T) {
	catalog := &fakeCatalog{
		tokens: map[string][]types.Token{},
	}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m%d", i)
		catalog.markets = append(catalog.markets, types.Market{ID: id, Slug: id, Question: id, Active: true})
		catalog.tokens[id] = []types.Token{{TokenID: fmt.Sprintf("%d%d%d", i, i, i)}}
	}
	rig := newTestServer(t, catalog)
	conn := dial(t, rig.srv)

	// subscribe_all spans all categories at the server cap; the consumer's
	// own limit is not honored.
	sendJSON(t, conn, map[string]any{"action": "subscribe_all", "limit": 2})
	resp := readJSON(t, conn)
	if resp["status"] != "subscribed_category" || resp["token_count"] != float64(5) {
		t.Fatalf("resp = %v, want all 5 tokens subscribed", resp)
	}
	if cat, present := resp["category"]; !present || cat != nil {
		t.Errorf("category = %v, want explicit null", cat)
	}
	if resp["new_subscriptions"] != float64(5) || resp["market_count"] != float64(5) {
		t.Errorf("resp = %v, want 5 markets and 5 fresh subscriptions", resp)
	}
	waitUntil(t, "upstream announces", func() bool { return len(rig.upstream.subscribed()) == 5 })
}

func TestParseLimitClamps(t *testing.T) {
	t.Parallel()
	s := &Server{marketLimit: 500}

	tests := []struct {
		in   string
		want int
	}{
		{"", 500},
		{"garbage", 500},
		{"0", 1},
		{"-3", 1},
		{"10", 10},
		{"9999", 500},
	}
	for _, tt := range tests {
		if got := s.parseLimit(json.Number(tt.in)); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
