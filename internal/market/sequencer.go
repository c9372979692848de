// Package market holds the per-token market state machinery: the order book
// sequencer, the catalog scanner, and the URL resolver.
package market

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// GapPolicy decides what happens when a delta's sequence number jumps past
// the expected successor.
type GapPolicy string

const (
	// GapAccept applies the delta anyway and logs the gap. Deltas carry
	// absolute level sizes, so a gap skews at most the levels the missed
	// messages touched until the next snapshot.
	GapAccept GapPolicy = "accept"
	// GapDrop discards the delta and waits for a fresh snapshot.
	GapDrop GapPolicy = "drop"
)

// Sequencer message types. Anything else takes the unknown-type path.
const (
	MsgSnapshot = "snapshot"
	MsgL2Update = "l2update"
)

// Eviction bounds. State is pruned by idle time on message cadence and on
// every upstream heartbeat.
const (
	maxTrackedTokens = 10_000
	stateTTL         = 600 * time.Second
	pruneEvery       = 1000 // messages between inline prune sweeps
)

// Verdict is the sequencer's decision for one message.
type Verdict int

const (
	Accept Verdict = iota
	DropNoBaseline
	DropStale
	DropGap
)

// Accepted reports whether the message should continue down the pipeline.
func (v Verdict) Accepted() bool { return v == Accept }

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case DropNoBaseline:
		return "drop_no_baseline"
	case DropStale:
		return "drop_stale"
	case DropGap:
		return "drop_gap"
	default:
		return "unknown"
	}
}

type tokenState struct {
	lastSeq     int64
	hasSeq      bool
	hasSnapshot bool
	lastSeen    time.Time
}

// Sequencer orders book messages per token. A delta is only meaningful
// relative to a baseline snapshot, so deltas before the first snapshot are
// dropped, stale and duplicate deltas are dropped, and gaps are handled per
// the configured policy. Snapshots always re-baseline.
type Sequencer struct {
	mu     sync.Mutex
	states map[string]*tokenState
	policy GapPolicy
	logger *slog.Logger
	now    func() time.Time // injectable for tests

	msgCount uint64 // guarded by mu; triggers inline pruning
	drops    atomic.Int64
	gaps     atomic.Int64
}

// NewSequencer creates a sequencer with the given gap policy.
func NewSequencer(policy GapPolicy, logger *slog.Logger) *Sequencer {
	return &Sequencer{
		states: make(map[string]*tokenState),
		policy: policy,
		logger: logger.With("component", "sequencer"),
		now:    time.Now,
	}
}

// Evaluate decides whether a book message should be applied. msgType is
// MsgSnapshot, MsgL2Update, or any unrecognized type (accepted ungated,
// advancing the cursor when sequenced). hasSeq is false when the
// message carried no sequence number. State is committed before the caller
// persists or publishes, so a crash downstream never replays a decision.
func (s *Sequencer) Evaluate(tokenID, msgType string, seq int64, hasSeq bool) Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgCount++
	if s.msgCount%pruneEvery == 0 {
		s.pruneLocked()
	}

	now := s.now()
	st := s.states[tokenID]
	if st == nil {
		st = &tokenState{}
		s.states[tokenID] = st
	}
	st.lastSeen = now

	switch msgType {
	case MsgSnapshot:
		// A snapshot without a sequence baselines at zero so the next
		// numbered delta is comparable.
		if !hasSeq {
			seq = 0
		}
		st.hasSnapshot = true
		st.lastSeq = seq
		st.hasSeq = true
		return Accept

	case MsgL2Update:
		if !st.hasSnapshot {
			s.drops.Add(1)
			s.logger.Warn("delta before first snapshot dropped", "token", tokenID)
			return DropNoBaseline
		}
		if !hasSeq {
			// Sequence-less delta on a live baseline: apply, keep the
			// last known sequence.
			return Accept
		}
		if st.hasSeq && seq <= st.lastSeq {
			s.drops.Add(1)
			s.logger.Debug("stale delta dropped",
				"token", tokenID, "seq", seq, "last_seq", st.lastSeq)
			return DropStale
		}
		if st.hasSeq && seq > st.lastSeq+1 {
			s.gaps.Add(1)
			if s.policy == GapDrop {
				s.drops.Add(1)
				s.logger.Warn("sequence gap, delta dropped",
					"token", tokenID, "seq", seq, "last_seq", st.lastSeq)
				return DropGap
			}
			s.logger.Warn("sequence gap, delta applied",
				"token", tokenID, "seq", seq, "last_seq", st.lastSeq)
		}
		st.lastSeq = seq
		st.hasSeq = true
		return Accept

	default:
		// Frames without a recognized ordering type (market-channel events,
		// untyped l2 channel frames) pass through ungated. Their sequence
		// advances the cursor but never establishes a delta baseline.
		if hasSeq {
			st.lastSeq = seq
			st.hasSeq = true
		}
		return Accept
	}
}

// Reset clears the state for one token, typically on unsubscribe. The next
// delta for the token waits for a fresh snapshot.
func (s *Sequencer) Reset(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, tokenID)
}

// ResetAll clears every token's state, typically on reconnect or shutdown.
func (s *Sequencer) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]*tokenState)
}

// Prune evicts idle token state and enforces the tracked-token cap. It runs
// inline every pruneEvery messages and on each upstream heartbeat tick.
// Returns the number of tokens evicted.
func (s *Sequencer) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked()
}

func (s *Sequencer) pruneLocked() int {
	cutoff := s.now().Add(-stateTTL)
	evicted := 0
	for token, st := range s.states {
		if st.lastSeen.Before(cutoff) {
			delete(s.states, token)
			evicted++
		}
	}

	// TTL alone can leave too many live tokens; evict the oldest beyond
	// the cap.
	for len(s.states) > maxTrackedTokens {
		var oldestToken string
		var oldest time.Time
		for token, st := range s.states {
			if oldestToken == "" || st.lastSeen.Before(oldest) {
				oldestToken = token
				oldest = st.lastSeen
			}
		}
		delete(s.states, oldestToken)
		evicted++
	}

	if evicted > 0 {
		s.logger.Debug("sequencer state pruned", "evicted", evicted, "tracked", len(s.states))
	}
	return evicted
}

// Len returns the number of tokens currently tracked.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Drops returns the total number of messages dropped.
func (s *Sequencer) Drops() int64 { return s.drops.Load() }

// Gaps returns the total number of sequence gaps observed.
func (s *Sequencer) Gaps() int64 { return s.gaps.Load() }
