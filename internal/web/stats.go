// Package web serves the monitoring HTTP endpoints: a health probe and a
// JSON stats snapshot of the whole pipeline.
package web

import (
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"polymarket-relay/internal/bus"
	"polymarket-relay/pkg/types"
)

// Pipeline component read surfaces. The collector observes live components
// through these rather than owning them.
type (
	// FeedStatus is the upstream session's observable state.
	FeedStatus interface {
		IsConnected() bool
		SubscriptionCount() int
		MessagesReceived() int64
		Reconnects() int64
	}

	// RelayStatus is the downstream server's observable state.
	RelayStatus interface {
		ClientCount() int
		SubscriptionCount() int
	}

	// SequencerStatus exposes ordering counters.
	SequencerStatus interface {
		Len() int
		Drops() int64
		Gaps() int64
	}

	// RouterStatus exposes persistence counters.
	RouterStatus interface {
		TradesSaved() int64
		BooksSaved() int64
		Malformed() int64
	}

	// StoreStatus exposes database totals.
	StoreStatus interface {
		CountTrades() (int64, error)
		CountActiveMarkets() (int, error)
	}
)

// eventWindow is how far back the events-per-minute rate looks.
const eventWindow = 60 * time.Second

// Snapshot is the /stats response body.
type Snapshot struct {
	Status          string  `json:"status"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	EventsPerMinute int     `json:"events_per_minute"`

	Upstream struct {
		Connected     bool  `json:"connected"`
		Subscriptions int   `json:"subscriptions"`
		Messages      int64 `json:"messages"`
		Reconnects    int64 `json:"reconnects"`
	} `json:"upstream"`

	Sequencer struct {
		TrackedTokens int   `json:"tracked_tokens"`
		Drops         int64 `json:"drops"`
		Gaps          int64 `json:"gaps"`
	} `json:"sequencer"`

	Router struct {
		TradesSaved int64 `json:"trades_saved"`
		BooksSaved  int64 `json:"books_saved"`
		Malformed   int64 `json:"malformed"`
	} `json:"router"`

	Relay struct {
		Enabled       bool `json:"enabled"`
		Clients       int  `json:"clients"`
		Subscriptions int  `json:"subscriptions"`
	} `json:"relay"`

	Database struct {
		Trades        int64 `json:"trades"`
		ActiveMarkets int   `json:"active_markets"`
	} `json:"database"`

	Process struct {
		RSSBytes   uint64  `json:"rss_bytes"`
		CPUPercent float64 `json:"cpu_percent"`
		Goroutines int     `json:"goroutines"`
	} `json:"process"`
}

// Health is the /api/health response body.
type Health struct {
	Status            string  `json:"status"`
	UpstreamConnected bool    `json:"upstream_connected"`
	DownstreamClients int     `json:"downstream_clients"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// Collector samples pipeline state on demand and tracks the event rate via
// a wildcard bus subscription.
type Collector struct {
	feed      FeedStatus
	relay     RelayStatus // nil when forwarding is disabled
	sequencer SequencerStatus
	router    RouterStatus
	store     StoreStatus
	logger    *slog.Logger
	startedAt time.Time
	proc      *process.Process

	mu     sync.Mutex
	events []time.Time
	now    func() time.Time
}

// NewCollector wires a collector to the live pipeline components and
// registers its event-rate tap on the bus. relay may be nil.
func NewCollector(b *bus.Bus, feed FeedStatus, relay RelayStatus, sequencer SequencerStatus, router RouterStatus, store StoreStatus, logger *slog.Logger) *Collector {
	c := &Collector{
		feed:      feed,
		relay:     relay,
		sequencer: sequencer,
		router:    router,
		store:     store,
		logger:    logger.With("component", "stats"),
		startedAt: time.Now(),
		now:       time.Now,
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = proc
	} else {
		c.logger.Warn("process stats unavailable", "err", err)
	}

	b.Subscribe(bus.Wildcard, func(ev *types.ForwardEvent) { c.recordEvent() })
	return c
}

func (c *Collector) recordEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, c.now())
	c.pruneLocked()
}

// pruneLocked drops window-expired samples. Caller holds c.mu.
func (c *Collector) pruneLocked() {
	cutoff := c.now().Add(-eventWindow)
	i := 0
	for i < len(c.events) && c.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.events = append(c.events[:0], c.events[i:]...)
	}
}

// EventsPerMinute returns the number of events published in the last
// window.
func (c *Collector) EventsPerMinute() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	return len(c.events)
}

// Healthy reports whether the pipeline's upstream side is live.
func (c *Collector) Healthy() bool {
	return c.feed.IsConnected()
}

// Health builds the liveness payload.
func (c *Collector) Health() Health {
	h := Health{
		UpstreamConnected: c.feed.IsConnected(),
		UptimeSeconds:     time.Since(c.startedAt).Seconds(),
	}
	if c.relay != nil {
		h.DownstreamClients = c.relay.ClientCount()
	}
	if h.UpstreamConnected {
		h.Status = "ok"
	} else {
		h.Status = "degraded"
	}
	return h
}

// Collect samples every component into one snapshot.
func (c *Collector) Collect() Snapshot {
	var s Snapshot
	s.UptimeSeconds = time.Since(c.startedAt).Seconds()
	s.EventsPerMinute = c.EventsPerMinute()

	s.Upstream.Connected = c.feed.IsConnected()
	s.Upstream.Subscriptions = c.feed.SubscriptionCount()
	s.Upstream.Messages = c.feed.MessagesReceived()
	s.Upstream.Reconnects = c.feed.Reconnects()

	s.Sequencer.TrackedTokens = c.sequencer.Len()
	s.Sequencer.Drops = c.sequencer.Drops()
	s.Sequencer.Gaps = c.sequencer.Gaps()

	s.Router.TradesSaved = c.router.TradesSaved()
	s.Router.BooksSaved = c.router.BooksSaved()
	s.Router.Malformed = c.router.Malformed()

	if c.relay != nil {
		s.Relay.Enabled = true
		s.Relay.Clients = c.relay.ClientCount()
		s.Relay.Subscriptions = c.relay.SubscriptionCount()
	}

	if trades, err := c.store.CountTrades(); err == nil {
		s.Database.Trades = trades
	} else {
		c.logger.Warn("trade count failed", "err", err)
	}
	if markets, err := c.store.CountActiveMarkets(); err == nil {
		s.Database.ActiveMarkets = markets
	} else {
		c.logger.Warn("market count failed", "err", err)
	}

	if c.proc != nil {
		if mem, err := c.proc.MemoryInfo(); err == nil {
			s.Process.RSSBytes = mem.RSS
		}
		if cpu, err := c.proc.CPUPercent(); err == nil {
			s.Process.CPUPercent = cpu
		}
	}
	s.Process.Goroutines = runtime.NumGoroutine()

	if s.Upstream.Connected {
		s.Status = "ok"
	} else {
		s.Status = "degraded"
	}
	return s
}
