// Package exchange implements the upstream Polymarket clients: the Gamma
// REST catalog client (Client) and the market-channel WebSocket session
// (Feed).
//
// The REST client talks to the Gamma API for market discovery:
//   - FetchMarkets:      GET /markets           — paginated active-market listing
//   - FetchAllMarkets:   repeated /markets pages until a short page
//   - FetchMarketBySlug: GET /markets?slug=...  — single-market lookup
//
// Every request is rate-limited by a shared token bucket and automatically
// retried on 5xx errors.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"polymarket-relay/pkg/types"
)

// pageSize is the Gamma /markets page size. A short page ends pagination.
const pageSize = 100

// Client is the Gamma REST catalog client.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a catalog client with rate limiting and retry. rps
// bounds outbound request rate; the Gamma API throttles aggressive callers.
func NewClient(baseURL string, timeout time.Duration, rps float64, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.With("component", "api"),
	}
}

// gammaMarket is the Gamma /markets wire shape. clobTokenIds and outcomes
// are JSON arrays double-encoded as strings.
type gammaMarket struct {
	ID           string `json:"id"`
	Slug         string `json:"slug"`
	Question     string `json:"question"`
	Category     string `json:"category"`
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
	EndDate      string `json:"endDate"`
	ClobTokenIDs string `json:"clobTokenIds"`
	Outcomes     string `json:"outcomes"`
}

// FetchMarkets fetches one page of active markets, optionally filtered by
// category. offset is the row offset into the listing.
func (c *Client) FetchMarkets(ctx context.Context, category string, offset int) ([]types.Market, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("active", "true").
		SetQueryParam("closed", "false").
		SetQueryParam("limit", strconv.Itoa(pageSize)).
		SetQueryParam("offset", strconv.Itoa(offset))
	if category != "" {
		req.SetQueryParam("category", category)
	}

	var raw []gammaMarket
	resp, err := req.SetResult(&raw).Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch markets: status %d: %s", resp.StatusCode(), resp.String())
	}

	markets := make([]types.Market, 0, len(raw))
	for _, gm := range raw {
		m, err := gm.toMarket()
		if err != nil {
			c.logger.Warn("skipping unparseable market", "id", gm.ID, "err", err)
			continue
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// FetchAllMarkets pages through the full active-market listing. A page
// shorter than the page size ends pagination.
func (c *Client) FetchAllMarkets(ctx context.Context, category string) ([]types.Market, error) {
	var all []types.Market
	for offset := 0; ; offset += pageSize {
		page, err := c.FetchMarkets(ctx, category, offset)
		if err != nil {
			return nil, fmt.Errorf("page at offset %d: %w", offset, err)
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// FetchMarketBySlug looks a single market up by its URL slug. Returns nil
// when the slug is unknown.
func (c *Client) FetchMarketBySlug(ctx context.Context, slug string) (*types.Market, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []gammaMarket
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&raw).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch market by slug: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch market by slug: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(raw) == 0 {
		return nil, nil
	}

	m, err := raw[0].toMarket()
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", raw[0].ID, err)
	}
	return &m, nil
}

func (gm *gammaMarket) toMarket() (types.Market, error) {
	m := types.Market{
		ID:       gm.ID,
		Slug:     gm.Slug,
		Question: gm.Question,
		Category: gm.Category,
		Active:   gm.Active && !gm.Closed,
	}
	if m.ID == "" {
		return m, fmt.Errorf("market has no id")
	}
	if gm.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
			m.EndDate = t.UTC()
		}
	}

	tokenIDs, err := decodeStringArray(gm.ClobTokenIDs)
	if err != nil {
		return m, fmt.Errorf("clobTokenIds: %w", err)
	}
	outcomes, err := decodeStringArray(gm.Outcomes)
	if err != nil {
		return m, fmt.Errorf("outcomes: %w", err)
	}

	for i, id := range tokenIDs {
		if id == "" {
			continue
		}
		tok := types.Token{TokenID: id, MarketID: m.ID}
		if i < len(outcomes) {
			tok.Outcome = outcomes[i]
		}
		m.Tokens = append(m.Tokens, tok)
	}
	return m, nil
}

// decodeStringArray handles Gamma's double-encoded arrays: the field value
// is either a JSON array or a string containing one.
func decodeStringArray(v string) ([]string, error) {
	if v == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, err
	}
	return out, nil
}
