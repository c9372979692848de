// Package store provides SQLite persistence for the relay pipeline.
//
// One connection serializes all writes (SQLite allows a single writer; a
// capped pool avoids SQLITE_BUSY churn under concurrent goroutines). Prices
// and sizes are stored as canonical decimal strings, never as REAL, so a
// value read back compares equal to the value ingested. Timestamps are
// stored UTC in a fixed-width format so lexicographic comparison in SQL
// matches chronological order.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"polymarket-relay/pkg/types"
)

const schemaVersion = "1"

// Fixed-width so string comparison orders chronologically.
const timeFormat = "2006-01-02T15:04:05.000000Z"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS markets (
    id TEXT PRIMARY KEY,
    slug TEXT NOT NULL UNIQUE,
    question TEXT NOT NULL,
    category TEXT,
    active INTEGER NOT NULL DEFAULT 1,
    end_date TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_markets_category ON markets(category);
CREATE INDEX IF NOT EXISTS idx_markets_active ON markets(active);

CREATE TABLE IF NOT EXISTS tokens (
    token_id TEXT PRIMARY KEY,
    market_id TEXT NOT NULL,
    outcome TEXT NOT NULL,
    symbol TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY (market_id) REFERENCES markets(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tokens_market ON tokens(market_id);

CREATE TABLE IF NOT EXISTS trades (
    trade_id TEXT PRIMARY KEY,
    token_id TEXT NOT NULL,
    price TEXT NOT NULL,
    amount TEXT NOT NULL,
    taker_side TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_token_time ON trades(token_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS orderbook_levels (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    token_id TEXT NOT NULL,
    side TEXT NOT NULL CHECK (side IN ('bid', 'ask')),
    price TEXT NOT NULL,
    size TEXT NOT NULL,
    sequence INTEGER,
    received_at TEXT NOT NULL,
    UNIQUE (token_id, side, price)
);

CREATE INDEX IF NOT EXISTS idx_orderbook_token ON orderbook_levels(token_id);

CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

// Store is the persistence port consumed by the router, scanner, resolver,
// and relay server.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.SetMetadata("schema_version", schemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("write schema version: %w", err)
	}

	s.logger.Info("database opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(v string) time.Time {
	if t, err := time.Parse(timeFormat, v); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, v)
	return t
}

// ---------------------------------------------------------------------------
// Trades

// SaveTrade inserts a trade, keyed by trade_id. A duplicate trade_id is not
// an error: the insert is skipped and inserted=false is returned.
func (s *Store) SaveTrade(t types.Trade) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO trades (trade_id, token_id, price, amount, taker_side, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.TokenID, t.Price, t.Amount, t.TakerSide,
		fmtTime(t.Timestamp), fmtTime(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("save trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save trade rows: %w", err)
	}
	return n > 0, nil
}

// RecentTrades returns the most recent trades for a token, newest first.
func (s *Store) RecentTrades(tokenID string, limit int) ([]types.Trade, error) {
	rows, err := s.db.Query(`
		SELECT trade_id, token_id, price, amount, taker_side, timestamp
		FROM trades WHERE token_id = ?
		ORDER BY timestamp DESC LIMIT ?`,
		tokenID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var t types.Trade
		var ts string
		if err := rows.Scan(&t.TradeID, &t.TokenID, &t.Price, &t.Amount, &t.TakerSide, &ts); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Timestamp = parseTime(ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTrades returns the total number of persisted trades.
func (s *Store) CountTrades() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM trades`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Order books

// UpsertOrderbook applies a snapshot or delta: each level is inserted or
// updated on its (token_id, side, price) key, then zero-size rows for the
// token are deleted. A zero size is a deletion marker on the wire and must
// not survive in persistence. The whole operation is one transaction.
func (s *Store) UpsertOrderbook(snap types.OrderbookSnapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("upsert orderbook: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO orderbook_levels (token_id, side, price, size, sequence, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(token_id, side, price) DO UPDATE SET
			size = excluded.size,
			sequence = excluded.sequence,
			received_at = excluded.received_at`)
	if err != nil {
		return fmt.Errorf("prepare level upsert: %w", err)
	}
	defer stmt.Close()

	var seq any
	if snap.Sequence != nil {
		seq = *snap.Sequence
	}
	receivedAt := fmtTime(snap.ReceivedAt)

	for _, l := range snap.Bids {
		if _, err := stmt.Exec(snap.TokenID, string(types.SideBid), l.Price, l.Size, seq, receivedAt); err != nil {
			return fmt.Errorf("upsert bid %s: %w", l.Price, err)
		}
	}
	for _, l := range snap.Asks {
		if _, err := stmt.Exec(snap.TokenID, string(types.SideAsk), l.Price, l.Size, seq, receivedAt); err != nil {
			return fmt.Errorf("upsert ask %s: %w", l.Price, err)
		}
	}

	if _, err := tx.Exec(
		`DELETE FROM orderbook_levels WHERE token_id = ? AND size = '0'`,
		snap.TokenID,
	); err != nil {
		return fmt.Errorf("delete zero levels: %w", err)
	}

	return tx.Commit()
}

// Orderbook returns the persisted levels for a token: bids descending,
// asks ascending by price.
func (s *Store) Orderbook(tokenID string) (bids, asks []types.PriceLevel, err error) {
	query := func(side types.Side, order string) ([]types.PriceLevel, error) {
		rows, err := s.db.Query(fmt.Sprintf(`
			SELECT price, size FROM orderbook_levels
			WHERE token_id = ? AND side = ?
			ORDER BY CAST(price AS REAL) %s`, order),
			tokenID, string(side),
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []types.PriceLevel
		for rows.Next() {
			var l types.PriceLevel
			if err := rows.Scan(&l.Price, &l.Size); err != nil {
				return nil, err
			}
			out = append(out, l)
		}
		return out, rows.Err()
	}

	if bids, err = query(types.SideBid, "DESC"); err != nil {
		return nil, nil, fmt.Errorf("query bids: %w", err)
	}
	if asks, err = query(types.SideAsk, "ASC"); err != nil {
		return nil, nil, fmt.Errorf("query asks: %w", err)
	}
	return bids, asks, nil
}

// ---------------------------------------------------------------------------
// Market catalog

// UpsertMarket inserts or updates a market and its tokens. Tokens with an
// empty token_id are skipped.
func (s *Store) UpsertMarket(m types.Market) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("upsert market: %w", err)
	}
	defer tx.Rollback()

	var endDate any
	if !m.EndDate.IsZero() {
		endDate = fmtTime(m.EndDate)
	}
	now := fmtTime(time.Now())

	if _, err := tx.Exec(`
		INSERT INTO markets (id, slug, question, category, active, end_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			slug = excluded.slug,
			question = excluded.question,
			category = excluded.category,
			active = excluded.active,
			end_date = excluded.end_date,
			updated_at = excluded.updated_at`,
		m.ID, m.Slug, m.Question, m.Category, boolToInt(m.Active), endDate, now, now,
	); err != nil {
		return fmt.Errorf("upsert market %s: %w", m.ID, err)
	}

	for _, tok := range m.Tokens {
		if tok.TokenID == "" {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO tokens (token_id, market_id, outcome, symbol, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(token_id) DO UPDATE SET
				outcome = excluded.outcome,
				symbol = excluded.symbol`,
			tok.TokenID, m.ID, tok.Outcome, tok.Symbol, now,
		); err != nil {
			return fmt.Errorf("upsert token %s: %w", tok.TokenID, err)
		}
	}

	return tx.Commit()
}

// ListActiveMarkets returns active markets, most recently updated first,
// optionally filtered by category.
func (s *Store) ListActiveMarkets(category string, limit int) ([]types.Market, error) {
	var rows *sql.Rows
	var err error
	if category != "" {
		rows, err = s.db.Query(`
			SELECT id, slug, question, category, active, end_date, created_at, updated_at
			FROM markets WHERE active = 1 AND category = ?
			ORDER BY updated_at DESC LIMIT ?`,
			category, limit,
		)
	} else {
		rows, err = s.db.Query(`
			SELECT id, slug, question, category, active, end_date, created_at, updated_at
			FROM markets WHERE active = 1
			ORDER BY updated_at DESC LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list active markets: %w", err)
	}
	defer rows.Close()
	return scanMarkets(rows)
}

// MarketBySlug returns the market with the given slug, or nil when absent.
func (s *Store) MarketBySlug(slug string) (*types.Market, error) {
	rows, err := s.db.Query(`
		SELECT id, slug, question, category, active, end_date, created_at, updated_at
		FROM markets WHERE slug = ?`,
		slug,
	)
	if err != nil {
		return nil, fmt.Errorf("market by slug: %w", err)
	}
	defer rows.Close()

	markets, err := scanMarkets(rows)
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, nil
	}
	return &markets[0], nil
}

func scanMarkets(rows *sql.Rows) ([]types.Market, error) {
	var out []types.Market
	for rows.Next() {
		var m types.Market
		var category, endDate sql.NullString
		var active int
		var createdAt, updatedAt string
		if err := rows.Scan(&m.ID, &m.Slug, &m.Question, &category, &active, &endDate, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		m.Category = category.String
		m.Active = active != 0
		if endDate.Valid {
			m.EndDate = parseTime(endDate.String)
		}
		m.CreatedAt = parseTime(createdAt)
		m.UpdatedAt = parseTime(updatedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// TokensByMarket returns the tokens belonging to a market.
func (s *Store) TokensByMarket(marketID string) ([]types.Token, error) {
	rows, err := s.db.Query(`
		SELECT token_id, market_id, outcome, COALESCE(symbol, '')
		FROM tokens WHERE market_id = ?`,
		marketID,
	)
	if err != nil {
		return nil, fmt.Errorf("tokens by market: %w", err)
	}
	defer rows.Close()

	var out []types.Token
	for rows.Next() {
		var tok types.Token
		if err := rows.Scan(&tok.TokenID, &tok.MarketID, &tok.Outcome, &tok.Symbol); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// DeactivateMissing marks active markets absent from seen as inactive,
// optionally scoped to one category. Returns the number deactivated.
func (s *Store) DeactivateMissing(seen []string, category string) (int64, error) {
	if len(seen) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(seen)+2)
	args = append(args, fmtTime(time.Now()))
	query := `UPDATE markets SET active = 0, updated_at = ? WHERE active = 1`
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` AND id NOT IN (?` + repeatPlaceholder(len(seen)-1) + `)`
	for _, id := range seen {
		args = append(args, id)
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("deactivate missing: %w", err)
	}
	return res.RowsAffected()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ",?"
	}
	return out
}

// CountActiveMarkets returns the number of markets currently active.
func (s *Store) CountActiveMarkets() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM markets WHERE active = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active markets: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Metadata & retention

// GetMetadata returns the value stored under key and whether it exists.
func (s *Store) GetMetadata(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata: %w", err)
	}
	return v, true, nil
}

// SetMetadata writes a key/value pair, replacing any previous value.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

// CleanupTrades deletes trades older than the cutoff. Returns rows deleted.
func (s *Store) CleanupTrades(olderThan time.Duration) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM trades WHERE timestamp < ?`,
		fmtTime(time.Now().Add(-olderThan)),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup trades: %w", err)
	}
	return res.RowsAffected()
}

// CleanupOrderbooks deletes order book levels older than the cutoff.
// Returns rows deleted.
func (s *Store) CleanupOrderbooks(olderThan time.Duration) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM orderbook_levels WHERE received_at < ?`,
		fmtTime(time.Now().Add(-olderThan)),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup orderbooks: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
