// ws.go implements the upstream market-channel WebSocket session.
//
// The Feed owns one connection to the Polymarket market channel. It tracks
// the desired subscription set, re-announces every subscription after a
// reconnect, keeps the connection alive with text heartbeats, and hands
// every raw frame to the router. The session never interprets payloads;
// classification lives in the router so a parsing bug cannot kill the
// connection loop.
//
// Reconnects use exponential backoff (initial delay doubling to 60s max,
// reset after a successful connect). A read deadline of four heartbeat
// intervals detects silent server failures.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-relay/pkg/types"
)

const (
	maxReconnectWait  = 60 * time.Second
	writeTimeout      = 10 * time.Second
	subscribePaceWait = 50 * time.Millisecond // between subscribe frames, venue rate limit
)

// Default channels registered per token. The market socket multiplexes book
// (l2) and trade traffic; the channel names exist for registry bookkeeping
// and re-announce pacing.
var defaultChannels = []string{"l2", "trades"}

// MessageHandler receives every raw frame read from the socket.
type MessageHandler func(raw []byte)

// BookSequencer is the slice of sequencer behavior the session drives:
// liveness pruning on heartbeat and state resets on unsubscribe/shutdown.
type BookSequencer interface {
	Prune() int
	Reset(tokenID string)
	ResetAll()
}

// Feed manages the upstream market-channel WebSocket session.
type Feed struct {
	url            string
	heartbeat      time.Duration
	reconnectDelay time.Duration
	seq            BookSequencer
	handler        MessageHandler
	logger         *slog.Logger
	dial           func(ctx context.Context, url string) (*websocket.Conn, error) // injectable for tests

	conn   *websocket.Conn
	connMu sync.Mutex

	// Desired subscriptions: token -> channel set. Survives reconnects.
	subMu      sync.Mutex
	subscribed map[string]map[string]bool

	onConnectMu sync.Mutex
	onConnect   []func()

	connected atomic.Bool
	received  atomic.Int64
	reconns   atomic.Int64
	stopped   atomic.Bool
}

// NewFeed creates an upstream session. handler is invoked on the read
// goroutine for every frame; it must not block indefinitely.
func NewFeed(url string, heartbeat, reconnectDelay time.Duration, seq BookSequencer, handler MessageHandler, logger *slog.Logger) *Feed {
	return &Feed{
		url:            url,
		heartbeat:      heartbeat,
		reconnectDelay: reconnectDelay,
		seq:            seq,
		handler:        handler,
		subscribed:     make(map[string]map[string]bool),
		logger:         logger.With("component", "ws_feed"),
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// OnConnect registers a callback invoked after each successful connect,
// before the subscription set is re-announced.
func (f *Feed) OnConnect(fn func()) {
	f.onConnectMu.Lock()
	defer f.onConnectMu.Unlock()
	f.onConnect = append(f.onConnect, fn)
}

// Run connects and maintains the session until ctx is cancelled or Stop is
// called. Blocks.
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.reconnectDelay

	for {
		wasUp, err := f.connectAndRead(ctx)
		f.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.stopped.Load() {
			return nil
		}
		if wasUp {
			// A session that got as far as connecting resets the backoff.
			backoff = f.reconnectDelay
		}

		f.reconns.Add(1)
		f.logger.Warn("upstream disconnected, reconnecting", "err", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) (bool, error) {
	conn, err := f.dial(ctx, f.url)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.connected.Store(true)

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.notifyConnect()

	if err := f.resubscribeAll(); err != nil {
		return true, fmt.Errorf("resubscribe: %w", err)
	}
	f.logger.Info("upstream connected", "url", f.url, "tokens", f.SubscriptionCount())

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go f.heartbeatLoop(hbCtx)

	readTimeout := 4 * f.heartbeat
	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		f.received.Add(1)
		f.dispatch(msg)
	}
}

// dispatch hands a frame to the handler, isolating handler panics from the
// read loop.
func (f *Feed) dispatch(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("message handler failed", "err", r)
		}
	}()
	f.handler(raw)
}

func (f *Feed) notifyConnect() {
	f.onConnectMu.Lock()
	callbacks := append([]func(){}, f.onConnect...)
	f.onConnectMu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// heartbeatLoop sends the venue's text heartbeat and piggybacks sequencer
// pruning on the same cadence.
func (f *Feed) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				// A dead write means a dead socket. Close it so the read
				// loop unblocks and the session reconnects.
				f.logger.Warn("heartbeat failed, closing connection", "err", err)
				f.closeConn()
				return
			}
			f.seq.Prune()
		}
	}
}

// Subscribe registers a token and announces it upstream when connected.
// channels defaults to the l2+trades pair. Idempotent per (token, channel).
func (f *Feed) Subscribe(tokenID string, channels ...string) {
	if tokenID == "" {
		return
	}
	if len(channels) == 0 {
		channels = defaultChannels
	}

	f.subMu.Lock()
	set := f.subscribed[tokenID]
	if set == nil {
		set = make(map[string]bool)
		f.subscribed[tokenID] = set
	}
	var added []string
	for _, ch := range channels {
		if !set[ch] {
			set[ch] = true
			added = append(added, ch)
		}
	}
	f.subMu.Unlock()

	if len(added) == 0 || !f.connected.Load() {
		return
	}
	f.announce(tokenID, added)
}

// Unsubscribe removes a token from the registry and clears its sequencer
// state. The venue has no unsubscribe message; the socket keeps delivering
// until reconnect, when the token is simply not re-announced.
func (f *Feed) Unsubscribe(tokenID string) {
	f.subMu.Lock()
	delete(f.subscribed, tokenID)
	f.subMu.Unlock()

	f.seq.Reset(tokenID)
	f.logger.Debug("token unsubscribed", "token", tokenID)
}

// announce sends one subscribe frame per channel, paced to the venue's
// rate limit.
func (f *Feed) announce(tokenID string, channels []string) {
	for i := range channels {
		if i > 0 {
			time.Sleep(subscribePaceWait)
		}
		frame := types.SubscribeFrame{AssetIDs: []string{tokenID}, Type: "market"}
		if err := f.writeJSON(frame); err != nil {
			f.logger.Warn("subscribe frame failed", "token", tokenID, "err", err)
			return
		}
	}
}

// resubscribeAll re-announces the whole registry after a connect, one frame
// per (token, channel), paced. Tokens are sorted for deterministic ordering.
func (f *Feed) resubscribeAll() error {
	f.subMu.Lock()
	type entry struct {
		token    string
		channels []string
	}
	entries := make([]entry, 0, len(f.subscribed))
	for token, set := range f.subscribed {
		chans := make([]string, 0, len(set))
		for ch := range set {
			chans = append(chans, ch)
		}
		sort.Strings(chans)
		entries = append(entries, entry{token: token, channels: chans})
	}
	f.subMu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].token < entries[j].token })

	first := true
	for _, e := range entries {
		for range e.channels {
			if !first {
				time.Sleep(subscribePaceWait)
			}
			first = false
			frame := types.SubscribeFrame{AssetIDs: []string{e.token}, Type: "market"}
			if err := f.writeJSON(frame); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop closes the session. Run returns after the read loop notices the
// closed connection. Sequencer state is cleared so a later restart begins
// from fresh baselines.
func (f *Feed) Stop() {
	f.stopped.Store(true)
	f.closeConn()
	f.seq.ResetAll()
}

func (f *Feed) closeConn() {
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.connMu.Unlock()
}

// IsConnected reports whether the socket is currently up.
func (f *Feed) IsConnected() bool { return f.connected.Load() }

// SubscriptionCount returns the number of tokens in the registry.
func (f *Feed) SubscriptionCount() int {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	return len(f.subscribed)
}

// SubscribedTokens returns the registered token IDs, sorted.
func (f *Feed) SubscribedTokens() []string {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	out := make([]string, 0, len(f.subscribed))
	for token := range f.subscribed {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// MessagesReceived returns the number of frames read since start.
func (f *Feed) MessagesReceived() int64 { return f.received.Load() }

// Reconnects returns the number of connection drops observed.
func (f *Feed) Reconnects() int64 { return f.reconns.Load() }

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
