package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"polymarket-relay/internal/bus"
	"polymarket-relay/internal/market"
	"polymarket-relay/pkg/types"
)

type fakeFeed struct {
	connected bool
	subs      int
	messages  int64
	reconns   int64
}

func (f *fakeFeed) IsConnected() bool       { return f.connected }
func (f *fakeFeed) SubscriptionCount() int  { return f.subs }
func (f *fakeFeed) MessagesReceived() int64 { return f.messages }
func (f *fakeFeed) Reconnects() int64       { return f.reconns }

type fakeRelay struct {
	clients int
	subs    int
}

func (f *fakeRelay) ClientCount() int       { return f.clients }
func (f *fakeRelay) SubscriptionCount() int { return f.subs }

type fakeSeq struct {
	tracked int
	drops   int64
	gaps    int64
}

func (f *fakeSeq) Len() int     { return f.tracked }
func (f *fakeSeq) Drops() int64 { return f.drops }
func (f *fakeSeq) Gaps() int64  { return f.gaps }

type fakeRouter struct {
	trades, books, malformed int64
}

func (f *fakeRouter) TradesSaved() int64 { return f.trades }
func (f *fakeRouter) BooksSaved() int64  { return f.books }
func (f *fakeRouter) Malformed() int64   { return f.malformed }

type fakeStoreStatus struct {
	trades  int64
	markets int
}

func (f *fakeStoreStatus) CountTrades() (int64, error)      { return f.trades, nil }
func (f *fakeStoreStatus) CountActiveMarkets() (int, error) { return f.markets, nil }

type fakeResolver struct {
	result *types.ResolveResult
	err    error
}

func (f *fakeResolver) Resolve(ctx context.Context, rawURL string) (*types.ResolveResult, error) {
	return f.result, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCollector(feed *fakeFeed, relay RelayStatus) (*Collector, *bus.Bus) {
	b := bus.New(testLogger())
	c := NewCollector(b, feed, relay,
		&fakeSeq{tracked: 3, drops: 2, gaps: 1},
		&fakeRouter{trades: 10, books: 20, malformed: 1},
		&fakeStoreStatus{trades: 100, markets: 5},
		testLogger(),
	)
	return c, b
}

func startTestServer(t *testing.T, c *Collector, resolver URLResolver) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1", 0, c, resolver, testLogger())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func TestCollectSnapshot(t *testing.T) {
	feed := &fakeFeed{connected: true, subs: 4, messages: 50, reconns: 2}
	c, _ := newTestCollector(feed, &fakeRelay{clients: 1, subs: 2})

	s := c.Collect()
	if s.Status != "ok" {
		t.Errorf("status = %q, want ok", s.Status)
	}
	if !s.Upstream.Connected || s.Upstream.Subscriptions != 4 || s.Upstream.Messages != 50 {
		t.Errorf("upstream = %+v", s.Upstream)
	}
	if s.Sequencer.TrackedTokens != 3 || s.Sequencer.Drops != 2 || s.Sequencer.Gaps != 1 {
		t.Errorf("sequencer = %+v", s.Sequencer)
	}
	if s.Router.TradesSaved != 10 || s.Router.BooksSaved != 20 {
		t.Errorf("router = %+v", s.Router)
	}
	if !s.Relay.Enabled || s.Relay.Clients != 1 {
		t.Errorf("relay = %+v", s.Relay)
	}
	if s.Database.Trades != 100 || s.Database.ActiveMarkets != 5 {
		t.Errorf("database = %+v", s.Database)
	}
	if s.Process.Goroutines <= 0 {
		t.Errorf("goroutines = %d, want > 0", s.Process.Goroutines)
	}
}

func TestCollectWithRelayDisabled(t *testing.T) {
	c, _ := newTestCollector(&fakeFeed{connected: true}, nil)

	s := c.Collect()
	if s.Relay.Enabled {
		t.Error("relay reported enabled with no relay wired")
	}
}

func TestEventRateWindow(t *testing.T) {
	c, b := newTestCollector(&fakeFeed{connected: true}, nil)

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		b.Publish(types.NewForwardEvent("T1", "book", nil))
	}
	if got := c.EventsPerMinute(); got != 5 {
		t.Errorf("EventsPerMinute() = %d, want 5", got)
	}

	// Advance past the window: the old samples expire.
	clock = clock.Add(eventWindow + time.Second)
	b.Publish(types.NewForwardEvent("T1", "book", nil))
	if got := c.EventsPerMinute(); got != 1 {
		t.Errorf("EventsPerMinute() = %d, want 1 after window expiry", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	feed := &fakeFeed{connected: true}
	c, _ := newTestCollector(feed, &fakeRelay{clients: 3})
	srv := startTestServer(t, c, nil)

	resp, err := http.Get("http://" + srv.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if h.Status != "ok" || !h.UpstreamConnected || h.DownstreamClients != 3 {
		t.Errorf("health = %+v", h)
	}

	// Upstream drop flips the probe.
	feed.connected = false
	resp2, err := http.Get("http://" + srv.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when disconnected", resp2.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	c, _ := newTestCollector(&fakeFeed{connected: true, subs: 7}, nil)
	srv := startTestServer(t, c, nil)

	resp, err := http.Get("http://" + srv.Addr() + "/api/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("content type = %q, want application/json", got)
	}

	var s Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if s.Status != "ok" || s.Upstream.Subscriptions != 7 {
		t.Errorf("snapshot = %+v, want ok with 7 subscriptions", s)
	}
}

func TestResolveEndpoint(t *testing.T) {
	c, _ := newTestCollector(&fakeFeed{connected: true}, nil)
	resolver := &fakeResolver{result: &types.ResolveResult{
		Slug:     "will-it-rain",
		MarketID: "m1",
		Question: "Will it rain?",
		YesToken: "111",
		NoToken:  "222",
	}}
	srv := startTestServer(t, c, resolver)

	resp, err := http.Get("http://" + srv.Addr() + "/api/resolve?url=https://polymarket.com/event/will-it-rain")
	if err != nil {
		t.Fatalf("resolve request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got types.ResolveResult
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.MarketID != "m1" || got.YesToken != "111" || got.NoToken != "222" {
		t.Errorf("result = %+v", got)
	}
}

func TestResolveEndpointErrors(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		resolver URLResolver
		want     int
	}{
		{
			name:     "missing url",
			query:    "",
			resolver: &fakeResolver{},
			want:     http.StatusBadRequest,
		},
		{
			name:     "unknown market",
			query:    "?url=no-such-market",
			resolver: &fakeResolver{err: fmt.Errorf("slug: %w", market.ErrMarketNotFound)},
			want:     http.StatusNotFound,
		},
		{
			name:     "bad url",
			query:    "?url=foo/bar",
			resolver: &fakeResolver{err: fmt.Errorf("unrecognized url shape")},
			want:     http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCollector(&fakeFeed{connected: true}, nil)
			srv := startTestServer(t, c, tt.resolver)

			resp, err := http.Get("http://" + srv.Addr() + "/api/resolve" + tt.query)
			if err != nil {
				t.Fatalf("resolve request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}

			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if body["error"] == "" {
				t.Error("error body missing")
			}
		})
	}
}
