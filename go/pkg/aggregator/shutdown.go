package aggregator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Shutdown stops ingestion, waits for in-flight writes, then finalizes and
// persists every open candle synchronously. Only the first call does work;
// later calls return its result.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.closed.Store(true)
		// Barrier: any Ingest that took a key lock before closed was set
		// finishes its dispatch before the persister stops.
		e.each(func(st *TimeframeState) {
			st.mu.Lock()
			st.mu.Unlock()
		})
		e.persister.Close()

		var errs []error
		drained := 0
		e.each(func(st *TimeframeState) {
			st.mu.Lock()
			defer st.mu.Unlock()
			if st.current == nil {
				return
			}
			c := st.finalize()
			e.metrics.open.WithLabelValues(st.key.Timeframe).Dec()
			e.metrics.finalized.WithLabelValues(st.key.Timeframe).Inc()
			if err := e.persister.PersistSync(ctx, st.key, c); err != nil {
				errs = append(errs, fmt.Errorf("drain %s: %w", st.key, err))
				return
			}
			drained++
		})
		e.shutdownErr = errors.Join(errs...)
		e.log.Info("shutdown drain complete", zap.Int("persisted", drained), zap.Int("failed", len(errs)))
	})
	return e.shutdownErr
}
