// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the relay: trades, order book
// snapshots, market metadata, forward events, and WebSocket wire frames. It
// has no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side identifies which half of the book a level belongs to.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Event types carried by forward events. The upstream market channel uses
// event_type; the legacy l2/trades channels use type. Both normalize to one
// of these or pass through the server-assigned value unchanged.
const (
	EventBook           = "book"
	EventPriceChange    = "price_change"
	EventLastTradePrice = "last_trade_price"
	EventTickSizeChange = "tick_size_change"
	EventTrade          = "trade"
)

// ————————————————————————————————————————————————————————————————————————
// Domain records
// ————————————————————————————————————————————————————————————————————————

// Trade is a normalized upstream trade. Price and Amount are canonical
// decimal strings: parsed through decimal exactly once at ingestion and
// never through binary floats.
type Trade struct {
	TradeID   string    `json:"trade_id"`
	TokenID   string    `json:"token_id"`
	Price     string    `json:"price"`
	Amount    string    `json:"amount"`
	TakerSide string    `json:"taker_side"` // "buy", "sell", or "" when the venue omits it
	Timestamp time.Time `json:"timestamp"`
}

// PriceLevel is a single bid or ask level in the order book.
// Price and Size are strings because the venue returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"; "0" marks a deleted level
}

// OrderbookSnapshot is one token's bids and asks at a point in time. Full
// snapshots and l2 deltas share this shape; the distinction lives in routing,
// not in the data. Sequence is nil when the venue attached none.
type OrderbookSnapshot struct {
	TokenID    string       `json:"token_id"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Sequence   *int64       `json:"sequence"`
	ReceivedAt time.Time    `json:"received_at"`
}

// ForwardEvent is a normalized message re-published to downstream consumers.
// Payload is immutable after publish; subscribers must not mutate it.
type ForwardEvent struct {
	TokenID   string
	EventType string
	Payload   any
	Timestamp time.Time
}

// NewForwardEvent stamps an event with the current UTC time.
func NewForwardEvent(tokenID, eventType string, payload any) *ForwardEvent {
	return &ForwardEvent{
		TokenID:   tokenID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market catalog
// ————————————————————————————————————————————————————————————————————————

// Market is catalog metadata for one prediction market, populated from the
// Gamma API during scanning and served to downstream catalog queries.
type Market struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Question  string    `json:"question"`
	Category  string    `json:"category"`
	Active    bool      `json:"active"`
	EndDate   time.Time `json:"end_date"` // zero when the venue did not provide one
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Tokens    []Token   `json:"tokens,omitempty"`
}

// Token is one tradable outcome of a market. TokenID is the opaque CLOB
// asset ID used as the subscription key everywhere in the pipeline.
type Token struct {
	TokenID  string `json:"token_id"`
	MarketID string `json:"market_id"`
	Outcome  string `json:"outcome"`
	Symbol   string `json:"symbol"`
}

// ResolveResult is the outcome of resolving a venue URL to token IDs.
type ResolveResult struct {
	Slug     string `json:"slug"`
	MarketID string `json:"market_id"`
	Question string `json:"question"`
	YesToken string `json:"yes_token"`
	NoToken  string `json:"no_token"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire frames
// ————————————————————————————————————————————————————————————————————————
// The upstream market channel mixes two generations of message format:
// event_type-keyed events (book, price_change, last_trade_price,
// tick_size_change) and legacy type/channel-keyed frames (snapshot, l2update
// on "l2"; trade on "trades"). BookFrame covers both book shapes.

// SubscribeFrame is the subscription message sent on the market channel.
type SubscribeFrame struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"` // always "market"
}

// WireLevel is one order book level as it appears on the wire: a
// ["price", "size"] pair. Values are usually strings; bare numbers decode too.
type WireLevel struct {
	Price string
	Size  string
}

// UnmarshalJSON accepts a two-element JSON array of strings or numbers.
func (l *WireLevel) UnmarshalJSON(b []byte) error {
	var pair []any
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) < 2 {
		return fmt.Errorf("level pair has %d elements, want 2", len(pair))
	}
	l.Price = wireText(pair[0])
	l.Size = wireText(pair[1])
	return nil
}

func wireText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Text is a JSON string that also accepts bare numbers, since the venue is
// inconsistent about quoting prices, sizes, and timestamps. null decodes to
// the empty string.
type Text string

// UnmarshalJSON accepts a string, number, or null.
func (t *Text) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	if string(b) == "null" {
		*t = ""
		return nil
	}
	*t = Text(b)
	return nil
}

// TradeFrame is a trade message from the market channel in either format
// generation. ID/TradeID, Market/AssetID, Size/Amount, Side/TakerSide, and
// Ts/Timestamp/CreatedAt are alias pairs; the accessors pick the populated one.
type TradeFrame struct {
	EventType string `json:"event_type"`
	Type      string `json:"type"`
	ID        string `json:"id"`
	TradeID   string `json:"trade_id"`
	Market    string `json:"market"`
	AssetID   string `json:"asset_id"`
	Price     Text   `json:"price"`
	Size      Text   `json:"size"`
	Amount    Text   `json:"amount"`
	Side      string `json:"side"`
	TakerSide string `json:"taker_side"`
	Ts        Text   `json:"ts"`
	Timestamp Text   `json:"timestamp"`
	CreatedAt Text   `json:"created_at"`
}

// TradeIDValue returns the trade identifier, preferring id over trade_id.
func (f *TradeFrame) TradeIDValue() string {
	if f.ID != "" {
		return f.ID
	}
	return f.TradeID
}

// TokenID returns the token this trade belongs to.
func (f *TradeFrame) TokenID() string {
	if f.Market != "" {
		return f.Market
	}
	return f.AssetID
}

// AmountValue returns the trade quantity, preferring size over amount.
func (f *TradeFrame) AmountValue() string {
	if f.Size != "" {
		return string(f.Size)
	}
	return string(f.Amount)
}

// SideValue returns the taker side, preferring side over taker_side.
func (f *TradeFrame) SideValue() string {
	if f.Side != "" {
		return f.Side
	}
	return f.TakerSide
}

// TimestampValue returns the raw timestamp text in alias priority order.
func (f *TradeFrame) TimestampValue() string {
	if f.Ts != "" {
		return string(f.Ts)
	}
	if f.Timestamp != "" {
		return string(f.Timestamp)
	}
	return string(f.CreatedAt)
}

// BookFrame is an order book message from the market channel in either
// format generation. Market and AssetID alias the token ID; Seq and Sequence
// alias the ordering number.
type BookFrame struct {
	EventType string      `json:"event_type"`
	Type      string      `json:"type"`
	Channel   string      `json:"channel"`
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Bids      []WireLevel `json:"bids"`
	Asks      []WireLevel `json:"asks"`
	Seq       *int64      `json:"seq"`
	Sequence  *int64      `json:"sequence"`
}

// TokenID returns the token this frame belongs to, preferring the market
// field over asset_id as the venue does.
func (f *BookFrame) TokenID() string {
	if f.Market != "" {
		return f.Market
	}
	return f.AssetID
}

// SequenceValue returns the frame's sequence number and whether one was set.
func (f *BookFrame) SequenceValue() (int64, bool) {
	if f.Seq != nil {
		return *f.Seq, true
	}
	if f.Sequence != nil {
		return *f.Sequence, true
	}
	return 0, false
}

// Snapshot converts the frame's wire levels into a canonical
// OrderbookSnapshot. It fails on the first value that does not parse as a
// decimal, so a malformed message is rejected as a unit rather than
// half-applied.
func (f *BookFrame) Snapshot(receivedAt time.Time) (OrderbookSnapshot, error) {
	bids, err := CanonicalLevels(f.Bids)
	if err != nil {
		return OrderbookSnapshot{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := CanonicalLevels(f.Asks)
	if err != nil {
		return OrderbookSnapshot{}, fmt.Errorf("asks: %w", err)
	}
	var seq *int64
	if s, ok := f.SequenceValue(); ok {
		seq = &s
	}
	return OrderbookSnapshot{
		TokenID:    f.TokenID(),
		Bids:       bids,
		Asks:       asks,
		Sequence:   seq,
		ReceivedAt: receivedAt,
	}, nil
}

// CanonicalLevels re-renders wire level pairs as canonical decimal strings.
// Zero sizes normalize to exactly "0" so deletion markers compare equal no
// matter how the venue spelled them.
func CanonicalLevels(raw []WireLevel) ([]PriceLevel, error) {
	out := make([]PriceLevel, 0, len(raw))
	for _, l := range raw {
		p, err := decimal.NewFromString(l.Price)
		if err != nil {
			return nil, fmt.Errorf("level price %q: %w", l.Price, err)
		}
		s, err := decimal.NewFromString(l.Size)
		if err != nil {
			return nil, fmt.Errorf("level size %q: %w", l.Size, err)
		}
		size := s.String()
		if s.IsZero() {
			size = "0"
		}
		out = append(out, PriceLevel{Price: p.String(), Size: size})
	}
	return out, nil
}
