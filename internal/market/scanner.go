package market

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"polymarket-relay/pkg/types"
)

// Scanner retention and safety knobs.
const (
	// Deactivation only runs when a scan returned a sane number of markets;
	// a tiny result is more likely an API hiccup than a mass delisting.
	deactivateThreshold = 10
	// Retention sweep cadence, in scan cycles, and its horizon.
	cleanupEveryCycles = 24
	retentionWindow    = 7 * 24 * time.Hour
)

// Fetcher pulls the live catalog from the venue.
type Fetcher interface {
	FetchAllMarkets(ctx context.Context, category string) ([]types.Market, error)
}

// CatalogStore is the persistence surface the scanner writes to.
type CatalogStore interface {
	UpsertMarket(m types.Market) error
	DeactivateMissing(seen []string, category string) (int64, error)
	SetMetadata(key, value string) error
	CleanupTrades(olderThan time.Duration) (int64, error)
	CleanupOrderbooks(olderThan time.Duration) (int64, error)
}

// Scanner periodically syncs the market catalog into the store: upserting
// every market the venue reports, deactivating the ones that disappeared,
// and sweeping old trade and order book rows on a slower cadence.
type Scanner struct {
	fetcher  Fetcher
	store    CatalogStore
	interval time.Duration
	category string
	logger   *slog.Logger
	now      func() time.Time

	cycles    int
	lastCount int
}

// NewScanner creates a catalog scanner. category narrows the scan; empty
// means the whole venue.
func NewScanner(fetcher Fetcher, store CatalogStore, interval time.Duration, category string, logger *slog.Logger) *Scanner {
	return &Scanner{
		fetcher:  fetcher,
		store:    store,
		interval: interval,
		category: category,
		logger:   logger.With("component", "scanner"),
		now:      time.Now,
	}
}

// Run scans immediately, then on the configured interval. Blocks until ctx
// is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	s.ScanOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce performs one catalog sync cycle. A failed fetch leaves the store
// untouched; stale catalog data beats an emptied one.
func (s *Scanner) ScanOnce(ctx context.Context) {
	start := s.now()
	markets, err := s.fetcher.FetchAllMarkets(ctx, s.category)
	if err != nil {
		s.logger.Error("catalog fetch failed", "err", err)
		return
	}

	upserted := 0
	seen := make([]string, 0, len(markets))
	for _, m := range markets {
		if err := s.store.UpsertMarket(m); err != nil {
			s.logger.Error("market upsert failed", "market", m.ID, "err", err)
			continue
		}
		upserted++
		seen = append(seen, m.ID)
	}

	deactivated := int64(0)
	if len(seen) >= deactivateThreshold {
		deactivated, err = s.store.DeactivateMissing(seen, s.category)
		if err != nil {
			s.logger.Error("deactivation failed", "err", err)
		}
	} else {
		s.logger.Warn("scan too small, skipping deactivation", "markets", len(seen))
	}

	s.lastCount = upserted
	s.recordScan(start, upserted)

	s.cycles++
	if s.cycles%cleanupEveryCycles == 0 {
		s.cleanup()
	}

	s.logger.Info("catalog scan complete",
		"markets", len(markets),
		"upserted", upserted,
		"deactivated", deactivated,
		"elapsed", s.now().Sub(start),
	)
}

func (s *Scanner) recordScan(at time.Time, count int) {
	if err := s.store.SetMetadata("last_scan_time", at.UTC().Format(time.RFC3339)); err != nil {
		s.logger.Error("scan metadata write failed", "err", err)
		return
	}
	if err := s.store.SetMetadata("last_scan_count", strconv.Itoa(count)); err != nil {
		s.logger.Error("scan metadata write failed", "err", err)
	}
}

func (s *Scanner) cleanup() {
	trades, err := s.store.CleanupTrades(retentionWindow)
	if err != nil {
		s.logger.Error("trade cleanup failed", "err", err)
	}
	levels, err := s.store.CleanupOrderbooks(retentionWindow)
	if err != nil {
		s.logger.Error("orderbook cleanup failed", "err", err)
	}
	s.logger.Info("retention sweep complete", "trades", trades, "levels", levels)
}

// LastScanCount returns the number of markets upserted by the most recent
// scan.
func (s *Scanner) LastScanCount() int { return s.lastCount }
