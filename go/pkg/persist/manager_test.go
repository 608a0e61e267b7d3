package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"candle-engine/go/pkg/shared"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	gate    chan struct{} // when set, Append blocks until it is closed
	started chan struct{}
	err     error
	got     []shared.Candle
}

func (f *fakeStore) Append(_ shared.Key, c shared.Candle) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, c)
	return nil
}

func (f *fakeStore) written() []shared.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shared.Candle(nil), f.got...)
}

type fakeSink struct {
	mu  sync.Mutex
	err error
	n   int
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Write(context.Context, shared.Key, shared.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.err
}

var key = shared.Key{Asset: "BTC", Timeframe: "1m"}

func candle(min int) shared.Candle {
	return shared.NewCandle(time.Date(2024, 3, 1, 0, min, 0, 0, time.UTC), decimal.NewFromInt(100))
}

func newTestManager(t *testing.T, st Appender, mirrors ...Sink) (*Manager, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := NewManager(Config{Workers: 2, QueueSize: 4, Timeout: time.Second}, st, mirrors, shared.NopLogger(), reg)
	return m, reg
}

func TestPersistSkipsWhileInFlight(t *testing.T) {
	st := &fakeStore{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	m, reg := newTestManager(t, st)

	require.NoError(t, m.Persist(key, candle(0)))
	<-st.started

	err := m.Persist(key, candle(1))
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.skipped.WithLabelValues("1m", "in_flight")))

	other := shared.Key{Asset: "ETH", Timeframe: "1m"}
	st.started = nil
	close(st.gate)
	m.Close()

	got := st.written()
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(candle(0)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.writes.WithLabelValues("1m", "ok")))

	// the flag is released once the write is done
	require.NoError(t, m.PersistSync(context.Background(), key, candle(2)))
	require.NoError(t, m.PersistSync(context.Background(), other, candle(2)))
	assert.Len(t, st.written(), 3)
	_, err = reg.Gather()
	assert.NoError(t, err)
}

func TestPersistAfterClose(t *testing.T) {
	st := &fakeStore{}
	m, _ := newTestManager(t, st)
	m.Close()
	m.Close()

	assert.ErrorIs(t, m.Persist(key, candle(0)), ErrClosed)
	require.NoError(t, m.PersistSync(context.Background(), key, candle(0)))
	assert.Len(t, st.written(), 1)
}

func TestCloseDrainsQueued(t *testing.T) {
	st := &fakeStore{}
	m, _ := newTestManager(t, st)
	keys := []string{"A", "B", "C", "D", "E", "F"}
	for _, a := range keys {
		require.NoError(t, m.Persist(shared.Key{Asset: a, Timeframe: "5m"}, candle(5)))
	}
	m.Close()
	assert.Len(t, st.written(), len(keys))
}

func TestPersistSyncReturnsStoreError(t *testing.T) {
	st := &fakeStore{err: errors.New("disk full")}
	m, _ := newTestManager(t, st)
	defer m.Close()

	err := m.PersistSync(context.Background(), key, candle(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.writes.WithLabelValues("1m", "error")))

	// a failed write still clears the flag
	st.mu.Lock()
	st.err = nil
	st.mu.Unlock()
	assert.NoError(t, m.PersistSync(context.Background(), key, candle(0)))
}

func TestMirrorFailureIsNotFatal(t *testing.T) {
	st := &fakeStore{}
	bad := &fakeSink{err: errors.New("broker down")}
	good := &fakeSink{}
	m, _ := newTestManager(t, st, bad, good)
	defer m.Close()

	require.NoError(t, m.PersistSync(context.Background(), key, candle(0)))
	assert.Len(t, st.written(), 1)
	assert.Equal(t, 1, bad.n)
	assert.Equal(t, 1, good.n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.mirrorErrs.WithLabelValues("fake")))
}

func TestMirrorsSkippedWhenStoreFails(t *testing.T) {
	st := &fakeStore{err: errors.New("disk full")}
	sink := &fakeSink{}
	m, _ := newTestManager(t, st, sink)
	defer m.Close()

	assert.Error(t, m.PersistSync(context.Background(), key, candle(0)))
	assert.Zero(t, sink.n)
}

func TestKeyShardStable(t *testing.T) {
	for _, k := range []shared.Key{key, {Asset: "ETH", Timeframe: "15m"}} {
		s := keyShard(k, 7)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 7)
		assert.Equal(t, s, keyShard(k, 7))
	}
	assert.Equal(t, 0, keyShard(key, 1))
}
