// Package source adapts venues into calls to the engine's Ingest entry point.
// Reconnects and payload decoding belong here, never in the aggregator.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Ingester is the engine's tick entry point.
type Ingester interface {
	Ingest(asset string, price decimal.Decimal, ts time.Time)
}

// TickSource pushes ticks into an Ingester until ctx is done.
// Run returns nil on a clean stop and an error when the source failed for good.
type TickSource interface {
	Name() string
	Run(ctx context.Context, out Ingester) error
}

// Guard runs src and converts a panic into an error so the caller can take
// the fatal shutdown path.
func Guard(ctx context.Context, src TickSource, out Ingester) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source %s panicked: %v", src.Name(), r)
		}
	}()
	return src.Run(ctx, out)
}

// ingestSafely calls out.Ingest and converts a panic into an error. Sources
// that ingest from callback goroutines use it, since Guard only covers Run.
func ingestSafely(out Ingester, asset string, price decimal.Decimal, ts time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingest %s panicked: %v", asset, r)
		}
	}()
	out.Ingest(asset, price, ts)
	return nil
}
