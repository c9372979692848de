package market

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	"github.com/shopspring/decimal"

	"polymarket-relay/pkg/types"
)

// StoreWriter is the persistence surface the router needs.
type StoreWriter interface {
	SaveTrade(t types.Trade) (bool, error)
	UpsertOrderbook(snap types.OrderbookSnapshot) error
}

// Publisher fans accepted events out to downstream consumers.
type Publisher interface {
	Publish(ev *types.ForwardEvent)
}

// Router classifies raw upstream frames and drives them through the
// sequencer, persistence, and the event bus. The upstream mixes two message
// generations on one socket: event_type-keyed market events and legacy
// type/channel-keyed l2 frames. The router normalizes both.
//
// Order per message is fixed: sequencer verdict first, then persistence,
// then publish. Persistence failures are logged but never block the publish;
// downstream consumers prefer a live feed over a complete archive.
type Router struct {
	seq    *Sequencer
	store  StoreWriter
	bus    Publisher
	logger *slog.Logger
	now    func() time.Time

	tradesSaved atomic.Int64
	booksSaved  atomic.Int64
	malformed   atomic.Int64
}

// NewRouter wires the router to its sequencer, store, and bus.
func NewRouter(seq *Sequencer, store StoreWriter, bus Publisher, logger *slog.Logger) *Router {
	return &Router{
		seq:    seq,
		store:  store,
		bus:    bus,
		logger: logger.With("component", "router"),
		now:    time.Now,
	}
}

// Route handles one raw frame from the upstream socket. Batched frames
// (a JSON array) are unpacked and each element routed independently, so one
// malformed element never poisons its siblings.
func (r *Router) Route(raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}

	// The venue answers heartbeats with bare text, not JSON.
	if txt := string(raw); txt == "PING" || txt == "PONG" {
		r.logger.Debug("heartbeat reply", "text", txt)
		return
	}

	switch raw[0] {
	case '[':
		_, err := jsonparser.ArrayEach(raw, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
			r.routeObject(value)
		})
		if err != nil {
			r.malformed.Add(1)
			r.logger.Warn("malformed batch frame dropped", "err", err)
		}
	case '{':
		r.routeObject(raw)
	default:
		r.malformed.Add(1)
		r.logger.Warn("unrecognized frame dropped", "prefix", preview(raw))
	}
}

func (r *Router) routeObject(raw []byte) {
	eventType, _ := jsonparser.GetString(raw, "event_type")
	eventType = strings.ToLower(eventType)

	switch eventType {
	case types.EventBook:
		// Market-channel events carry no snapshot/delta ordering contract;
		// only the legacy l2 frames are sequence-gated.
		r.routeBook(raw, "", types.EventBook)
		return
	case types.EventPriceChange:
		r.routeBook(raw, "", types.EventPriceChange)
		return
	case types.EventLastTradePrice:
		r.routeTrade(raw, types.EventLastTradePrice)
		return
	case types.EventTickSizeChange:
		r.logger.Debug("tick size change", "frame", preview(raw))
		return
	case "":
		// Fall through to the legacy type/channel keys.
	default:
		r.logger.Debug("unhandled event type dropped", "event_type", eventType)
		return
	}

	legacyType, _ := jsonparser.GetString(raw, "type")
	channel, _ := jsonparser.GetString(raw, "channel")
	legacyType = strings.ToLower(legacyType)
	channel = strings.ToLower(channel)

	switch {
	case legacyType == MsgSnapshot:
		r.routeBook(raw, MsgSnapshot, MsgSnapshot)
	case legacyType == MsgL2Update:
		r.routeBook(raw, MsgL2Update, MsgL2Update)
	case legacyType == types.EventTrade || channel == "trades":
		r.routeTrade(raw, types.EventTrade)
	case channel == "l2":
		// Channel-tagged frame with no recognized type: book-shaped,
		// ordering unknown. Process it without sequence gating.
		r.routeBook(raw, "", types.EventBook)
	case legacyType == "pong":
		// Heartbeat reply in the legacy JSON spelling.
	case legacyType == "subscribed":
		r.logger.Info("subscription confirmed", "channel", channel)
	case legacyType == "error":
		msg, _ := jsonparser.GetString(raw, "message")
		r.logger.Error("upstream error frame", "message", msg)
	case legacyType != "":
		r.logger.Debug("unhandled message type dropped", "type", legacyType)
	default:
		r.logger.Debug("untyped frame dropped", "prefix", preview(raw))
	}
}

// routeBook handles snapshot- and delta-shaped messages: parse, sequence,
// persist, publish.
func (r *Router) routeBook(raw []byte, msgType, eventType string) {
	var frame types.BookFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.malformed.Add(1)
		r.logger.Warn("malformed book frame dropped", "err", err)
		return
	}
	tokenID := frame.TokenID()
	if tokenID == "" {
		r.malformed.Add(1)
		r.logger.Warn("book frame without token dropped", "event_type", eventType)
		return
	}

	// Parse before sequencing: a message with an unparseable level must be
	// rejected as a unit, without advancing the sequence cursor.
	snap, err := frame.Snapshot(r.now().UTC())
	if err != nil {
		r.malformed.Add(1)
		r.logger.Warn("book frame rejected", "token", tokenID, "err", err)
		return
	}

	seq, hasSeq := frame.SequenceValue()
	if !r.seq.Evaluate(tokenID, msgType, seq, hasSeq).Accepted() {
		return
	}

	if err := r.store.UpsertOrderbook(snap); err != nil {
		r.logger.Error("orderbook persist failed", "token", tokenID, "err", err)
	} else {
		r.booksSaved.Add(1)
	}

	r.bus.Publish(types.NewForwardEvent(tokenID, eventType, snap))
}

// routeTrade handles trade-shaped messages: normalize, persist, publish.
func (r *Router) routeTrade(raw []byte, eventType string) {
	var frame types.TradeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.malformed.Add(1)
		r.logger.Warn("malformed trade frame dropped", "err", err)
		return
	}
	tokenID := frame.TokenID()
	if tokenID == "" || frame.TradeIDValue() == "" {
		r.malformed.Add(1)
		r.logger.Warn("trade frame missing identity dropped", "token", tokenID)
		return
	}

	trade, err := r.normalizeTrade(&frame)
	if err != nil {
		r.malformed.Add(1)
		r.logger.Warn("trade frame rejected", "token", tokenID, "err", err)
		return
	}

	if inserted, err := r.store.SaveTrade(trade); err != nil {
		r.logger.Error("trade persist failed", "trade_id", trade.TradeID, "err", err)
	} else if inserted {
		r.tradesSaved.Add(1)
	}

	r.bus.Publish(types.NewForwardEvent(tokenID, eventType, trade))
}

func (r *Router) normalizeTrade(frame *types.TradeFrame) (types.Trade, error) {
	price, err := decimal.NewFromString(string(frame.Price))
	if err != nil {
		return types.Trade{}, fmt.Errorf("price %q: %w", frame.Price, err)
	}
	amount, err := decimal.NewFromString(frame.AmountValue())
	if err != nil {
		return types.Trade{}, fmt.Errorf("amount %q: %w", frame.AmountValue(), err)
	}

	return types.Trade{
		TradeID:   frame.TradeIDValue(),
		TokenID:   frame.TokenID(),
		Price:     price.String(),
		Amount:    amount.String(),
		TakerSide: strings.ToLower(frame.SideValue()),
		Timestamp: r.parseTimestamp(frame.TimestampValue()),
	}, nil
}

// parseTimestamp accepts millisecond epochs (the venue's usual spelling) and
// RFC 3339 text. Anything else falls back to arrival time with a warning, so
// a bad clock field never drops a trade.
func (r *Router) parseTimestamp(v string) time.Time {
	if v == "" {
		return r.now().UTC()
	}
	if isDigits(v) {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC()
	}
	r.logger.Warn("unparseable trade timestamp, using arrival time", "value", v)
	return r.now().UTC()
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

func preview(raw []byte) string {
	const n = 64
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}

// TradesSaved returns the number of trades persisted since start.
func (r *Router) TradesSaved() int64 { return r.tradesSaved.Load() }

// BooksSaved returns the number of book messages persisted since start.
func (r *Router) BooksSaved() int64 { return r.booksSaved.Load() }

// Malformed returns the number of frames dropped as unparseable.
func (r *Router) Malformed() int64 { return r.malformed.Load() }
