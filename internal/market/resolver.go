package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"polymarket-relay/pkg/types"
)

// ErrMarketNotFound means the slug matched nothing in the stored catalog or
// at the venue.
var ErrMarketNotFound = errors.New("market not found")

// CatalogReader is the stored-catalog surface the resolver checks before
// going to the network.
type CatalogReader interface {
	MarketBySlug(slug string) (*types.Market, error)
	TokensByMarket(marketID string) ([]types.Token, error)
	UpsertMarket(m types.Market) error
}

// SlugFetcher looks a market up at the venue by slug.
type SlugFetcher interface {
	FetchMarketBySlug(ctx context.Context, slug string) (*types.Market, error)
}

// Resolver turns venue URLs into subscribable token IDs. The stored catalog
// is consulted first; a miss falls through to the REST API and the result
// is cached back into the store.
type Resolver struct {
	catalog CatalogReader
	fetcher SlugFetcher
	logger  *slog.Logger
}

// NewResolver creates a URL resolver.
func NewResolver(catalog CatalogReader, fetcher SlugFetcher, logger *slog.Logger) *Resolver {
	return &Resolver{
		catalog: catalog,
		fetcher: fetcher,
		logger:  logger.With("component", "resolver"),
	}
}

// ExtractSlug pulls the market slug out of a venue URL. Accepted forms:
//
//	https://polymarket.com/event/<slug>
//	https://polymarket.com/event/<slug>/<sub-path>
//	https://polymarket.com/market/<slug>
//	<slug>
//
// Query strings and fragments are ignored.
func ExtractSlug(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	// A bare slug parses as a relative URL with everything in Path.
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return "", fmt.Errorf("no slug in %q", raw)
	}

	segments := strings.Split(path, "/")
	switch segments[0] {
	case "event", "market":
		if len(segments) < 2 || segments[1] == "" {
			return "", fmt.Errorf("no slug in %q", raw)
		}
		return segments[1], nil
	default:
		if u.Host != "" {
			// Hosted URL with an unrecognized first segment: treat it as
			// the slug itself (venue root shortlinks).
			return segments[0], nil
		}
		if len(segments) == 1 {
			return segments[0], nil
		}
		return "", fmt.Errorf("unrecognized url shape %q", raw)
	}
}

// Resolve maps a venue URL (or bare slug) to its market and yes/no token
// IDs.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*types.ResolveResult, error) {
	slug, err := ExtractSlug(rawURL)
	if err != nil {
		return nil, err
	}

	m, tokens, err := r.lookup(ctx, slug)
	if err != nil {
		return nil, err
	}

	yes, no := pickOutcomeTokens(tokens)
	return &types.ResolveResult{
		Slug:     m.Slug,
		MarketID: m.ID,
		Question: m.Question,
		YesToken: yes,
		NoToken:  no,
	}, nil
}

func (r *Resolver) lookup(ctx context.Context, slug string) (*types.Market, []types.Token, error) {
	if m, err := r.catalog.MarketBySlug(slug); err != nil {
		r.logger.Warn("catalog lookup failed, falling back to api", "slug", slug, "err", err)
	} else if m != nil {
		tokens, err := r.catalog.TokensByMarket(m.ID)
		if err == nil && len(tokens) > 0 {
			return m, tokens, nil
		}
		// Stored market without tokens: refresh from the API below.
	}

	m, err := r.fetcher.FetchMarketBySlug(ctx, slug)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %q: %w", slug, err)
	}
	if m == nil {
		return nil, nil, fmt.Errorf("slug %q: %w", slug, ErrMarketNotFound)
	}

	if err := r.catalog.UpsertMarket(*m); err != nil {
		r.logger.Warn("resolved market cache failed", "slug", slug, "err", err)
	}
	return m, m.Tokens, nil
}

// pickOutcomeTokens finds the Yes and No tokens by outcome name, falling
// back to positional order for markets with non-binary outcome labels.
func pickOutcomeTokens(tokens []types.Token) (yes, no string) {
	for _, tok := range tokens {
		switch strings.ToLower(tok.Outcome) {
		case "yes":
			yes = tok.TokenID
		case "no":
			no = tok.TokenID
		}
	}
	if yes == "" && len(tokens) > 0 {
		yes = tokens[0].TokenID
	}
	if no == "" {
		for i, tok := range tokens {
			if i >= 2 {
				break
			}
			if tok.TokenID != yes {
				no = tok.TokenID
				break
			}
		}
	}
	return yes, no
}
