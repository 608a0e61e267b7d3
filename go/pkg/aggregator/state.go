package aggregator

import (
	"sync"
	"time"

	"candle-engine/go/pkg/interval"
	"candle-engine/go/pkg/shared"

	"github.com/shopspring/decimal"
)

// outcome of applying one tick to a TimeframeState.
type outcome int

const (
	applied outcome = iota
	late
)

// TimeframeState is the aggregation state for one (asset, timeframe) key.
// Every field is guarded by mu.
type TimeframeState struct {
	mu    sync.Mutex
	key   shared.Key
	width time.Duration

	current       *shared.Candle
	lastClose     decimal.NullDecimal
	lastFinalized time.Time // zero when nothing was finalized or recovered

	recent    []shared.Candle // finalized candles, oldest first
	recentCap int
}

// AssetState maps timeframe label to its state.
type AssetState map[string]*TimeframeState

func newTimeframeState(key shared.Key, width time.Duration, historySize int) *TimeframeState {
	return &TimeframeState{key: key, width: width, recentCap: historySize}
}

// apply folds price p at ts into the state. When the tick opens a new bucket
// the previous candle is returned as finalized.
func (s *TimeframeState) apply(p decimal.Decimal, ts time.Time) (shared.Candle, bool, outcome) {
	bucket := interval.BucketStart(ts, s.width)

	if !s.lastFinalized.IsZero() && !bucket.After(s.lastFinalized) {
		return shared.Candle{}, false, late
	}
	if s.current != nil && bucket.Before(s.current.Timestamp) {
		return shared.Candle{}, false, late
	}

	var (
		done      shared.Candle
		finalized bool
	)
	if s.current == nil || !s.current.Timestamp.Equal(bucket) {
		if s.current != nil {
			done = s.finalize()
			finalized = true
		}
		open := p
		if s.lastClose.Valid {
			open = s.lastClose.Decimal
		}
		c := shared.NewCandle(bucket, open)
		s.current = &c
	}
	s.current.Apply(p)
	return done, finalized, applied
}

// finalize clears current and records it as the last closed candle.
// Callers ensure current is non-nil.
func (s *TimeframeState) finalize() shared.Candle {
	done := *s.current
	s.current = nil
	s.lastClose = decimal.NewNullDecimal(done.Close)
	s.lastFinalized = done.Timestamp
	s.remember(done)
	return done
}

func (s *TimeframeState) remember(c shared.Candle) {
	if s.recentCap <= 0 {
		return
	}
	if len(s.recent) == s.recentCap {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:len(s.recent)-1]
	}
	s.recent = append(s.recent, c)
}

// Snapshot is a point-in-time copy of a TimeframeState.
type Snapshot struct {
	Key           shared.Key
	Width         time.Duration
	Current       *shared.Candle
	LastClose     decimal.NullDecimal
	LastFinalized time.Time
}

func (s *TimeframeState) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{
		Key:           s.key,
		Width:         s.width,
		LastClose:     s.lastClose,
		LastFinalized: s.lastFinalized,
	}
	if s.current != nil {
		c := *s.current
		out.Current = &c
	}
	return out
}
