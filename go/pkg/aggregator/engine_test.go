package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"candle-engine/go/pkg/interval"
	"candle-engine/go/pkg/shared"
	"candle-engine/go/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type saved struct {
	key    shared.Key
	candle shared.Candle
	sync   bool
}

type fakePersister struct {
	mu      sync.Mutex
	saved   []saved
	syncErr error
	closed  int
}

func (f *fakePersister) Persist(key shared.Key, c shared.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, saved{key: key, candle: c})
	return nil
}

func (f *fakePersister) PersistSync(_ context.Context, key shared.Key, c shared.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncErr != nil {
		return f.syncErr
	}
	f.saved = append(f.saved, saved{key: key, candle: c, sync: true})
	return nil
}

func (f *fakePersister) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func (f *fakePersister) all() []saved {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]saved(nil), f.saved...)
}

type emptyLoader struct{}

func (emptyLoader) Load(shared.Key, int) (store.History, error) { return store.History{}, nil }

type failingLoader struct{}

func (failingLoader) Load(shared.Key, int) (store.History, error) {
	return store.History{}, errors.New("permission denied")
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func at(t *testing.T, hms string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, "2024-03-01T"+hms+"Z")
	require.NoError(t, err)
	return ts
}

func testBounds() shared.AssetBounds {
	return shared.AssetBounds{
		"BTC": {Min: dec("50"), Max: dec("500")},
		"ETH": {Min: dec("10"), Max: dec("10000")},
	}
}

func newEngine(t *testing.T, tfs []string, p Persister, l Loader) *Engine {
	t.Helper()
	parsed, err := interval.ParseTimeframes(tfs)
	require.NoError(t, err)
	e, err := New(Config{Assets: testBounds(), Timeframes: parsed, HistorySize: 4}, p, l, shared.NopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	return e
}

func assertCandle(t *testing.T, c shared.Candle, o, h, l, cl string) {
	t.Helper()
	assert.True(t, c.Open.Equal(dec(o)), "open %s want %s", c.Open, o)
	assert.True(t, c.High.Equal(dec(h)), "high %s want %s", c.High, h)
	assert.True(t, c.Low.Equal(dec(l)), "low %s want %s", c.Low, l)
	assert.True(t, c.Close.Equal(dec(cl)), "close %s want %s", c.Close, cl)
}

func TestIngestFinalizesOnBoundary(t *testing.T) {
	p := &fakePersister{}
	e := newEngine(t, []string{"1m"}, p, emptyLoader{})
	e.Recover(context.Background())

	e.Ingest("BTC", dec("100.00"), at(t, "00:00:10"))
	e.Ingest("BTC", dec("105.20"), at(t, "00:00:40"))
	assert.Empty(t, p.all())

	e.Ingest("BTC", dec("98.00"), at(t, "00:01:05"))

	got := p.all()
	require.Len(t, got, 1)
	assert.Equal(t, shared.Key{Asset: "BTC", Timeframe: "1m"}, got[0].key)
	assert.Equal(t, at(t, "00:00:00"), got[0].candle.Timestamp)
	assertCandle(t, got[0].candle, "100", "105.20", "100", "105.20")

	snap, err := e.Snapshot("BTC", "1m")
	require.NoError(t, err)
	require.NotNil(t, snap.Current)
	assert.Equal(t, at(t, "00:01:00"), snap.Current.Timestamp)
	assertCandle(t, *snap.Current, "105.20", "105.20", "98", "98")
	assert.True(t, snap.LastClose.Valid)
	assert.True(t, snap.LastClose.Decimal.Equal(dec("105.20")))
	assert.Equal(t, at(t, "00:00:00"), snap.LastFinalized)
	assert.True(t, snap.Current.Valid())
}

func TestRejectedTickLeavesStateAlone(t *testing.T) {
	p := &fakePersister{}
	e := newEngine(t, []string{"1m", "5m"}, p, emptyLoader{})
	e.Recover(context.Background())

	e.Ingest("BTC", dec("600"), at(t, "00:00:10"))
	e.Ingest("DOGE", dec("1"), at(t, "00:00:10"))

	for _, tf := range []string{"1m", "5m"} {
		snap, err := e.Snapshot("BTC", tf)
		require.NoError(t, err)
		assert.Nil(t, snap.Current)
		assert.False(t, snap.LastClose.Valid)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.rejected.WithLabelValues("BTC", "out_of_bounds")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.rejected.WithLabelValues("DOGE", "unknown_asset")))
	assert.Empty(t, p.all())
}

func TestIngestBeforeRecoverIsRejected(t *testing.T) {
	e := newEngine(t, []string{"1m"}, &fakePersister{}, emptyLoader{})
	e.Ingest("BTC", dec("100"), at(t, "00:00:10"))

	snap, err := e.Snapshot("BTC", "1m")
	require.NoError(t, err)
	assert.Nil(t, snap.Current)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.rejected.WithLabelValues("BTC", "not_ready")))
}

func TestColdStartOpensAtFirstPrice(t *testing.T) {
	e := newEngine(t, []string{"5m"}, &fakePersister{}, emptyLoader{})
	e.Recover(context.Background())
	e.Ingest("ETH", dec("2000"), at(t, "00:07:30"))

	snap, err := e.Snapshot("ETH", "5m")
	require.NoError(t, err)
	require.NotNil(t, snap.Current)
	assert.Equal(t, at(t, "00:05:00"), snap.Current.Timestamp)
	assertCandle(t, *snap.Current, "2000", "2000", "2000", "2000")
	assert.False(t, snap.LastClose.Valid)
}

func TestCarryForwardAcrossGap(t *testing.T) {
	p := &fakePersister{}
	e := newEngine(t, []string{"1m"}, p, emptyLoader{})
	e.Recover(context.Background())

	e.Ingest("BTC", dec("100"), at(t, "00:00:10"))
	e.Ingest("BTC", dec("120"), at(t, "00:05:10"))

	got := p.all()
	require.Len(t, got, 1, "empty buckets produce no candles")
	snap, _ := e.Snapshot("BTC", "1m")
	require.NotNil(t, snap.Current)
	assertCandle(t, *snap.Current, "100", "120", "100", "120")
}

func TestMultipleTimeframesIndependent(t *testing.T) {
	p := &fakePersister{}
	e := newEngine(t, []string{"1m", "5m"}, p, emptyLoader{})
	e.Recover(context.Background())

	e.Ingest("BTC", dec("100"), at(t, "00:00:10"))
	e.Ingest("BTC", dec("110"), at(t, "00:01:10"))
	e.Ingest("BTC", dec("90"), at(t, "00:02:10"))

	got := p.all()
	require.Len(t, got, 2)
	for _, s := range got {
		assert.Equal(t, "1m", s.key.Timeframe)
	}
	five, _ := e.Snapshot("BTC", "5m")
	require.NotNil(t, five.Current)
	assertCandle(t, *five.Current, "100", "110", "90", "90")

	recent, err := e.Recent("BTC", "1m")
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].Timestamp.Before(recent[1].Timestamp))
}

func TestLateTicksDropped(t *testing.T) {
	p := &fakePersister{}
	e := newEngine(t, []string{"1m"}, p, emptyLoader{})
	e.Recover(context.Background())

	e.Ingest("BTC", dec("100"), at(t, "00:02:10"))
	e.Ingest("BTC", dec("400"), at(t, "00:01:59"))
	e.Ingest("BTC", dec("101"), at(t, "00:03:00"))
	e.Ingest("BTC", dec("60"), at(t, "00:02:30"))

	got := p.all()
	require.Len(t, got, 1)
	assertCandle(t, got[0].candle, "100", "100", "100", "100")
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.late.WithLabelValues("1m")))

	_, err := e.Snapshot("BTC", "2m")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestRecoverSeedsFromStore(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	key := shared.Key{Asset: "BTC", Timeframe: "1m"}
	for i, cl := range []string{"101.50", "102.25"} {
		c := shared.Candle{
			Timestamp: at(t, fmt.Sprintf("00:0%d:00", i)),
			Open:      dec("100"), High: dec("110"), Low: dec("95"), Close: dec(cl),
		}
		require.NoError(t, fs.Append(key, c))
	}

	p := &fakePersister{}
	e := newEngine(t, []string{"1m"}, p, fs)
	e.Recover(context.Background())

	snap, err := e.Snapshot("BTC", "1m")
	require.NoError(t, err)
	assert.Nil(t, snap.Current)
	assert.True(t, snap.LastClose.Decimal.Equal(dec("102.25")))
	assert.Equal(t, at(t, "00:01:00"), snap.LastFinalized)
	recent, _ := e.Recent("BTC", "1m")
	assert.Len(t, recent, 2)

	// a tick for the recovered bucket is late; the next one opens at the stored close
	e.Ingest("BTC", dec("300"), at(t, "00:01:30"))
	e.Ingest("BTC", dec("104"), at(t, "00:02:05"))
	snap, _ = e.Snapshot("BTC", "1m")
	require.NotNil(t, snap.Current)
	assertCandle(t, *snap.Current, "102.25", "104", "102.25", "104")

	eth, _ := e.Snapshot("ETH", "1m")
	assert.False(t, eth.LastClose.Valid)
}

func TestRecoverReadFailureStartsEmpty(t *testing.T) {
	e := newEngine(t, []string{"1m"}, &fakePersister{}, failingLoader{})
	e.Recover(context.Background())
	e.Ingest("BTC", dec("100"), at(t, "00:00:10"))

	snap, _ := e.Snapshot("BTC", "1m")
	require.NotNil(t, snap.Current)
	// one failed read per asset
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.recoverErrs.WithLabelValues("1m")))
}

func TestShutdownDrainsOnce(t *testing.T) {
	p := &fakePersister{}
	e := newEngine(t, []string{"1m", "5m"}, p, emptyLoader{})
	e.Recover(context.Background())

	e.Ingest("BTC", dec("100"), at(t, "00:00:10"))
	e.Ingest("ETH", dec("2000"), at(t, "00:00:20"))

	require.NoError(t, e.Shutdown(context.Background()))
	got := p.all()
	require.Len(t, got, 4)
	for _, s := range got {
		assert.True(t, s.sync)
	}
	assert.Equal(t, 1, p.closed)

	e.Ingest("BTC", dec("101"), at(t, "00:03:00"))
	require.NoError(t, e.Shutdown(context.Background()))
	assert.Len(t, p.all(), 4)
	assert.Equal(t, 1, p.closed)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.rejected.WithLabelValues("BTC", "closed")))

	snap, _ := e.Snapshot("BTC", "1m")
	assert.Nil(t, snap.Current)
	assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.open.WithLabelValues("1m")))
}

func TestShutdownReportsDrainFailure(t *testing.T) {
	p := &fakePersister{syncErr: errors.New("disk full")}
	e := newEngine(t, []string{"1m"}, p, emptyLoader{})
	e.Recover(context.Background())
	e.Ingest("BTC", dec("100"), at(t, "00:00:10"))

	err := e.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BTC:1m")
	assert.Equal(t, err, e.Shutdown(context.Background()))
}

func TestShutdownWithNothingOpen(t *testing.T) {
	p := &fakePersister{}
	e := newEngine(t, []string{"1m"}, p, emptyLoader{})
	e.Recover(context.Background())
	assert.NoError(t, e.Shutdown(context.Background()))
	assert.Empty(t, p.all())
}

func TestConcurrentIngestKeepsCandlesValid(t *testing.T) {
	p := &fakePersister{}
	e := newEngine(t, []string{"1m", "5m"}, p, emptyLoader{})
	e.Recover(context.Background())

	base := at(t, "00:00:00")
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				price := decimal.NewFromInt(int64(60 + (w*37+i*13)%400))
				e.Ingest("BTC", price, base.Add(time.Duration(i)*time.Second))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, e.Shutdown(context.Background()))

	seen := map[string]time.Time{}
	for _, s := range p.all() {
		assert.True(t, s.candle.Valid(), "%s %+v", s.key, s.candle)
		k := s.key.String()
		if prev, ok := seen[k]; ok {
			assert.True(t, s.candle.Timestamp.After(prev), "%s out of order", k)
		}
		seen[k] = s.candle.Timestamp
	}
}
