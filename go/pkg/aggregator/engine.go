// Package aggregator turns validated ticks into per-(asset, timeframe) OHLC
// candles and hands finalized candles to persistence.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"candle-engine/go/pkg/interval"
	"candle-engine/go/pkg/shared"
	"candle-engine/go/pkg/store"
	"candle-engine/go/pkg/validate"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrUnknownKey = errors.New("aggregator: unknown asset or timeframe")

// Persister receives finalized candles. Persist must not block; PersistSync
// and Close are used only while shutting down.
type Persister interface {
	Persist(key shared.Key, c shared.Candle) error
	PersistSync(ctx context.Context, key shared.Key, c shared.Candle) error
	Close()
}

// Loader reads what the durable store already holds for a key.
type Loader interface {
	Load(key shared.Key, tail int) (store.History, error)
}

type Config struct {
	Assets      shared.AssetBounds
	Timeframes  []interval.Timeframe
	HistorySize int
}

// Engine owns the AssetState of every configured asset.
type Engine struct {
	validator  *validate.Validator
	timeframes []interval.Timeframe
	assets     map[string]AssetState
	persister  Persister
	loader     Loader
	history    int
	log        shared.Logger
	metrics    metrics

	ready       atomic.Bool
	closed      atomic.Bool
	recoverOnce sync.Once

	shutdownOnce sync.Once
	shutdownErr  error
}

func New(cfg Config, persister Persister, loader Loader, log shared.Logger, reg prometheus.Registerer) (*Engine, error) {
	if len(cfg.Assets) == 0 {
		return nil, errors.New("aggregator: no assets configured")
	}
	if len(cfg.Timeframes) == 0 {
		return nil, errors.New("aggregator: no timeframes configured")
	}
	e := &Engine{
		validator:  validate.New(cfg.Assets),
		timeframes: cfg.Timeframes,
		assets:     make(map[string]AssetState, len(cfg.Assets)),
		persister:  persister,
		loader:     loader,
		history:    cfg.HistorySize,
		log:        log.Named("aggregator"),
		metrics:    newMetrics(reg),
	}
	for _, asset := range cfg.Assets.Names() {
		as := make(AssetState, len(cfg.Timeframes))
		for _, tf := range cfg.Timeframes {
			key := shared.Key{Asset: asset, Timeframe: tf.Label}
			as[tf.Label] = newTimeframeState(key, tf.Width, cfg.HistorySize)
		}
		e.assets[asset] = as
	}
	return e, nil
}

// Ingest applies one tick to every timeframe of asset. It is safe for
// concurrent use and only blocks on the per-key locks.
func (e *Engine) Ingest(asset string, price decimal.Decimal, ts time.Time) {
	if !e.ready.Load() {
		e.reject(asset, "not_ready")
		return
	}
	if e.closed.Load() {
		e.reject(asset, "closed")
		return
	}
	p, err := e.validator.Validate(asset, price)
	if err != nil {
		e.reject(asset, validate.Reason(err))
		e.log.Debug("tick rejected", zap.String("asset", asset), zap.Stringer("price", price), zap.Error(err))
		return
	}
	e.metrics.ticks.WithLabelValues(asset).Inc()
	for _, tf := range e.timeframes {
		e.ingestOne(e.assets[asset][tf.Label], p, ts)
	}
}

func (e *Engine) ingestOne(st *TimeframeState, p decimal.Decimal, ts time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if e.closed.Load() {
		e.reject(st.key.Asset, "closed")
		return
	}
	wasOpen := st.current != nil
	done, finalized, out := st.apply(p, ts)
	if out == late {
		e.metrics.late.WithLabelValues(st.key.Timeframe).Inc()
		e.log.Debug("late tick dropped", zap.Stringer("key", st.key), zap.Time("ts", ts))
		return
	}
	if !wasOpen {
		e.metrics.open.WithLabelValues(st.key.Timeframe).Inc()
	}
	if finalized {
		e.metrics.finalized.WithLabelValues(st.key.Timeframe).Inc()
		// Dispatch happens under the key lock so the store sees candles in
		// finalize order.
		if err := e.persister.Persist(st.key, done); err != nil {
			e.log.Warn("finalized candle not persisted",
				zap.Stringer("key", st.key), zap.Time("bucket", done.Timestamp), zap.Error(err))
		}
	}
}

func (e *Engine) reject(asset, reason string) {
	e.metrics.rejected.WithLabelValues(asset, reason).Inc()
}

func (e *Engine) state(asset, tf string) (*TimeframeState, error) {
	st, ok := e.assets[asset][tf]
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", ErrUnknownKey, asset, tf)
	}
	return st, nil
}

// Snapshot copies the state of one key.
func (e *Engine) Snapshot(asset, tf string) (Snapshot, error) {
	st, err := e.state(asset, tf)
	if err != nil {
		return Snapshot{}, err
	}
	return st.snapshot(), nil
}

// Recent returns up to HistorySize finalized candles for a key, oldest first.
func (e *Engine) Recent(asset, tf string) ([]shared.Candle, error) {
	st, err := e.state(asset, tf)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]shared.Candle(nil), st.recent...), nil
}

// each visits every key in a stable order.
func (e *Engine) each(fn func(*TimeframeState)) {
	assets := make([]string, 0, len(e.assets))
	for a := range e.assets {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	for _, a := range assets {
		for _, tf := range e.timeframes {
			fn(e.assets[a][tf.Label])
		}
	}
}
