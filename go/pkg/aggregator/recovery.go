package aggregator

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Recover seeds lastClose, lastFinalized and the recent history of every key
// from the store, then opens the engine for ticks. It runs once; storage
// problems are logged and leave the key empty.
func (e *Engine) Recover(ctx context.Context) {
	e.recoverOnce.Do(func() {
		e.each(func(st *TimeframeState) {
			if ctx.Err() != nil {
				return
			}
			h, err := e.loader.Load(st.key, e.history)
			if err != nil {
				e.metrics.recoverErrs.WithLabelValues(st.key.Timeframe).Inc()
				e.log.Warn("recovery read failed, starting empty", zap.Stringer("key", st.key), zap.Error(err))
				return
			}
			for _, le := range h.Skipped {
				e.log.Warn("skipping malformed record", zap.Stringer("key", st.key), zap.Int("line", le.Line), zap.Error(le.Err))
			}
			if len(h.Skipped) > 0 {
				e.metrics.recoverErrs.WithLabelValues(st.key.Timeframe).Add(float64(len(h.Skipped)))
			}
			if h.Last == nil {
				return
			}

			st.mu.Lock()
			st.lastClose = decimal.NewNullDecimal(h.Last.Close)
			st.lastFinalized = h.Last.Timestamp
			for _, c := range h.Tail {
				st.remember(c)
			}
			st.mu.Unlock()

			e.log.Info("recovered",
				zap.Stringer("key", st.key),
				zap.Time("last_finalized", h.Last.Timestamp),
				zap.Stringer("last_close", h.Last.Close),
				zap.Int("history", len(h.Tail)))
		})
		e.ready.Store(true)
	})
}
