package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, 1000, discardLogger())
}

func TestFetchMarketsParsesDoubleEncodedFields(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("active"); got != "true" {
			t.Errorf("active param = %q, want true", got)
		}
		if got := r.URL.Query().Get("category"); got != "sports" {
			t.Errorf("category param = %q, want sports", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{
			"id": "m1",
			"slug": "team-a-wins",
			"question": "Will team A win?",
			"category": "sports",
			"active": true,
			"closed": false,
			"endDate": "2026-12-31T00:00:00Z",
			"clobTokenIds": "[\"tokYes\",\"tokNo\"]",
			"outcomes": "[\"Yes\",\"No\"]"
		}]`)
	})

	markets, err := c.FetchMarkets(context.Background(), "sports", 0)
	if err != nil {
		t.Fatalf("FetchMarkets failed: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("markets = %d, want 1", len(markets))
	}
	m := markets[0]
	if m.ID != "m1" || !m.Active {
		t.Errorf("market = %+v, want active m1", m)
	}
	if len(m.Tokens) != 2 {
		t.Fatalf("tokens = %+v, want 2", m.Tokens)
	}
	if m.Tokens[0].TokenID != "tokYes" || m.Tokens[0].Outcome != "Yes" {
		t.Errorf("token[0] = %+v, want tokYes/Yes", m.Tokens[0])
	}
	if m.EndDate.IsZero() {
		t.Error("EndDate not parsed")
	}
}

func TestFetchMarketsSkipsUnparseable(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[
			{"id": "bad", "clobTokenIds": "not json"},
			{"id": "good", "slug": "s", "question": "q", "active": true,
			 "clobTokenIds": "[\"t1\"]", "outcomes": "[\"Yes\"]"}
		]`)
	})

	markets, err := c.FetchMarkets(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("FetchMarkets failed: %v", err)
	}
	if len(markets) != 1 || markets[0].ID != "good" {
		t.Errorf("markets = %+v, want only good", markets)
	}
}

func TestFetchMarketsClosedOverridesActive(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id": "m1", "slug": "s", "question": "q", "active": true, "closed": true,
			"clobTokenIds": "[\"t1\"]", "outcomes": "[]"}]`)
	})

	markets, err := c.FetchMarkets(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("FetchMarkets failed: %v", err)
	}
	if markets[0].Active {
		t.Error("closed market reported active")
	}
}

func TestFetchAllMarketsPaginates(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		w.Header().Set("Content-Type", "application/json")
		switch offset {
		case "0":
			// A full page keeps pagination going.
			page := make([]map[string]any, pageSize)
			for i := range page {
				page[i] = map[string]any{
					"id": fmt.Sprintf("m%d", i), "slug": "s", "question": "q",
					"active": true, "clobTokenIds": `["t"]`, "outcomes": `["Yes"]`,
				}
			}
			json.NewEncoder(w).Encode(page)
		case "100":
			fmt.Fprint(w, `[{"id": "last", "slug": "s", "question": "q", "active": true,
				"clobTokenIds": "[\"t\"]", "outcomes": "[\"Yes\"]"}]`)
		default:
			t.Errorf("unexpected offset %q", offset)
			fmt.Fprint(w, `[]`)
		}
	})

	markets, err := c.FetchAllMarkets(context.Background(), "")
	if err != nil {
		t.Fatalf("FetchAllMarkets failed: %v", err)
	}
	if len(markets) != pageSize+1 {
		t.Errorf("markets = %d, want %d", len(markets), pageSize+1)
	}
}

func TestFetchMarketBySlug(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("slug") == "known" {
			fmt.Fprint(w, `[{"id": "m1", "slug": "known", "question": "q", "active": true,
				"clobTokenIds": "[\"t1\",\"t2\"]", "outcomes": "[\"Yes\",\"No\"]"}]`)
			return
		}
		fmt.Fprint(w, `[]`)
	})

	m, err := c.FetchMarketBySlug(context.Background(), "known")
	if err != nil {
		t.Fatalf("FetchMarketBySlug failed: %v", err)
	}
	if m == nil || m.ID != "m1" {
		t.Fatalf("market = %+v, want m1", m)
	}

	m, err = c.FetchMarketBySlug(context.Background(), "missing")
	if err != nil {
		t.Fatalf("FetchMarketBySlug(missing) failed: %v", err)
	}
	if m != nil {
		t.Errorf("market = %+v, want nil for unknown slug", m)
	}
}

func TestFetchMarketsServerError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	})

	if _, err := c.FetchMarkets(context.Background(), "", 0); err == nil {
		t.Error("expected error on 400 response")
	}
}
