// Package persist hands finalized candles to durable storage with at most one
// write in flight per (asset, timeframe).
package persist

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"candle-engine/go/pkg/shared"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	// ErrInFlight means a write for the same key was still running. The
	// candle is dropped, not queued.
	ErrInFlight = errors.New("persist: write already in flight for key")
	// ErrQueueFull means the key's worker queue had no room; the candle is dropped.
	ErrQueueFull = errors.New("persist: worker queue full")
	ErrClosed    = errors.New("persist: manager closed")
)

// Appender is the primary durable store.
type Appender interface {
	Append(key shared.Key, c shared.Candle) error
}

// Sink is a best-effort mirror of finalized candles.
type Sink interface {
	Name() string
	Write(ctx context.Context, key shared.Key, c shared.Candle) error
}

type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

type job struct {
	key    shared.Key
	candle shared.Candle
}

// Manager owns the per-key in-flight flags and the writer pool.
type Manager struct {
	store   Appender
	mirrors []Sink
	timeout time.Duration
	log     shared.Logger
	metrics metrics

	mu       sync.Mutex
	inFlight map[shared.Key]struct{}
	closed   bool

	chans []chan job
	wg    sync.WaitGroup
}

func NewManager(cfg Config, store Appender, mirrors []Sink, log shared.Logger, reg prometheus.Registerer) *Manager {
	workers := max(cfg.Workers, 1)
	queueSize := max(cfg.QueueSize, 1)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &Manager{
		store:    store,
		mirrors:  mirrors,
		timeout:  timeout,
		log:      log.Named("persist"),
		metrics:  newMetrics(reg),
		inFlight: make(map[shared.Key]struct{}),
		chans:    make([]chan job, workers),
	}
	for i := range m.chans {
		ch := make(chan job, queueSize)
		m.chans[i] = ch
		m.wg.Add(1)
		go m.run(ch)
	}
	return m
}

func (m *Manager) run(in <-chan job) {
	defer m.wg.Done()
	for j := range in {
		_ = m.write(context.Background(), j.key, j.candle)
		m.release(j.key)
	}
}

// Persist dispatches c for key without waiting for the write. It returns
// ErrInFlight when a write for key is still running.
func (m *Manager) Persist(key shared.Key, c shared.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.claimLocked(key, false); err != nil {
		return err
	}
	select {
	case m.chans[keyShard(key, len(m.chans))] <- job{key: key, candle: c}:
		return nil
	default:
		delete(m.inFlight, key)
		m.metrics.skipped.WithLabelValues(key.Timeframe, "queue_full").Inc()
		m.log.Warn("persist skipped: queue full", zap.Stringer("key", key), zap.Time("bucket", c.Timestamp))
		return ErrQueueFull
	}
}

// PersistSync writes c inline, honouring the same in-flight guard. It is
// usable after Close.
func (m *Manager) PersistSync(ctx context.Context, key shared.Key, c shared.Candle) error {
	m.mu.Lock()
	err := m.claimLocked(key, true)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	defer m.release(key)
	return m.write(ctx, key, c)
}

// Close stops async dispatch and waits until every queued write is done.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	for _, ch := range m.chans {
		close(ch)
	}
	m.wg.Wait()
}

// claimLocked sets the in-flight flag for key. Callers hold m.mu.
func (m *Manager) claimLocked(key shared.Key, afterClose bool) error {
	if m.closed && !afterClose {
		return ErrClosed
	}
	if _, busy := m.inFlight[key]; busy {
		m.metrics.skipped.WithLabelValues(key.Timeframe, "in_flight").Inc()
		m.log.Warn("persist skipped: write in flight", zap.Stringer("key", key))
		return ErrInFlight
	}
	m.inFlight[key] = struct{}{}
	return nil
}

func (m *Manager) release(key shared.Key) {
	m.mu.Lock()
	delete(m.inFlight, key)
	m.mu.Unlock()
}

func (m *Manager) write(ctx context.Context, key shared.Key, c shared.Candle) error {
	start := time.Now()
	err := m.store.Append(key, c)
	m.metrics.latency.WithLabelValues(key.Timeframe).Observe(time.Since(start).Seconds())
	if err != nil {
		m.metrics.writes.WithLabelValues(key.Timeframe, "error").Inc()
		m.log.Error("candle write failed", zap.Stringer("key", key), zap.Time("bucket", c.Timestamp), zap.Error(err))
		return fmt.Errorf("persist %s: %w", key, err)
	}
	m.metrics.writes.WithLabelValues(key.Timeframe, "ok").Inc()

	for _, s := range m.mirrors {
		mctx, cancel := context.WithTimeout(ctx, m.timeout)
		if err := s.Write(mctx, key, c); err != nil {
			m.metrics.mirrorErrs.WithLabelValues(s.Name()).Inc()
			m.log.Warn("mirror write failed", zap.String("sink", s.Name()), zap.Stringer("key", key), zap.Error(err))
		}
		cancel()
	}
	return nil
}

func keyShard(key shared.Key, workers int) int {
	if workers <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(workers))
}

type metrics struct {
	writes     *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	mirrorErrs *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) metrics {
	return metrics{
		writes: shared.NewCounterVec(reg, prometheus.CounterOpts{
			Name: "candle_persist_total", Help: "Candle writes by result",
		}, []string{"tf", "result"}),
		skipped: shared.NewCounterVec(reg, prometheus.CounterOpts{
			Name: "candle_persist_skipped_total", Help: "Candles dropped because the key was busy",
		}, []string{"tf", "reason"}),
		mirrorErrs: shared.NewCounterVec(reg, prometheus.CounterOpts{
			Name: "candle_mirror_errors_total", Help: "Failed mirror writes",
		}, []string{"sink"}),
		latency: shared.NewHistVec(reg, prometheus.HistogramOpts{
			Name:    "candle_persist_seconds",
			Help:    "Store append duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"tf"}),
	}
}
