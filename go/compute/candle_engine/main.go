package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"candle-engine/go/ingestion/source"
	"candle-engine/go/pkg/aggregator"
	"candle-engine/go/pkg/interval"
	"candle-engine/go/pkg/persist"
	"candle-engine/go/pkg/shared"
	"candle-engine/go/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Kafka   shared.KafkaConfig
	PG      shared.PostgresConfig
	Metrics shared.MetricsConfig
	Log     shared.LogConfig
	Persist shared.PersistConfig
	Kite    source.KiteConfig
	Sim     source.SimConfig

	Assets     shared.AssetBounds `envconfig:"ASSETS" required:"true"`
	Timeframes shared.Timeframes  `envconfig:"TIMEFRAMES" default:"1m,5m,15m"`
	Sources    []string           `envconfig:"SOURCES" default:"sim"`
}

func main() {
	os.Exit(run())
}

// run returns the process exit code; see serve.
func run() int {
	cfg, err := shared.Load[Config]("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	logger, err := shared.NewLogger("candles", cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	tfs, err := interval.ParseTimeframes(cfg.Timeframes)
	if err != nil {
		logger.Error("timeframes", zap.Error(err))
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ms := shared.NewMetricsServer(cfg.Metrics.Port, reg, logger)
	ms.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ms.Stop(ctx)
	}()

	ctx, stopSig := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSig()

	fs, err := store.NewFileStore(cfg.Persist.DataDir)
	if err != nil {
		logger.Error("store init", zap.Error(err))
		return 1
	}
	mirrors, closeMirrors, err := buildMirrors(ctx, cfg, logger)
	if err != nil {
		logger.Error("mirror init", zap.Error(err))
		return 1
	}
	defer closeMirrors()

	pm := persist.NewManager(persist.Config{
		Workers:   cfg.Persist.Workers,
		QueueSize: cfg.Persist.QueueSize,
		Timeout:   cfg.Persist.Timeout,
	}, fs, mirrors, logger, reg)

	eng, err := aggregator.New(aggregator.Config{
		Assets:      cfg.Assets,
		Timeframes:  tfs,
		HistorySize: cfg.Persist.HistorySize,
	}, pm, fs, logger, reg)
	if err != nil {
		pm.Close()
		logger.Error("engine init", zap.Error(err))
		return 1
	}
	eng.Recover(ctx)

	srcs, err := buildSources(cfg, logger)
	if err != nil {
		_ = eng.Shutdown(context.Background())
		logger.Error("source init", zap.Error(err))
		return 1
	}

	logger.Printf(
		"running candle engine assets=%s timeframes=%s sources=%s data_dir=%s workers=%d",
		strings.Join(cfg.Assets.Names(), ","),
		strings.Join(cfg.Timeframes, ","),
		strings.Join(cfg.Sources, ","),
		cfg.Persist.DataDir,
		max(cfg.Persist.Workers, 1),
	)

	return serve(ctx, srcs, eng, logger)
}

// engine is the part of aggregator.Engine the run loop drives.
type engine interface {
	source.Ingester
	Shutdown(ctx context.Context) error
}

// serve runs every source until ctx ends or one of them fails, then drains
// the engine. It returns the process exit code: 0 after a clean drain, 1 when
// a source failed or any open candle could not be persisted.
func serve(ctx context.Context, srcs []source.TickSource, eng engine, logger shared.Logger) int {
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range srcs {
		src := src
		g.Go(func() error { return source.Guard(gctx, src, eng) })
	}
	code := 0
	if err := g.Wait(); err != nil {
		logger.Error("fatal source error, draining before exit", zap.Error(err))
		code = 1
	}

	logger.Printf("candle engine shutdown: draining open candles")
	if err := eng.Shutdown(context.Background()); err != nil {
		logger.Error("drain incomplete", zap.Error(err))
		code = 1
	}
	return code
}

func buildSources(cfg Config, logger shared.Logger) ([]source.TickSource, error) {
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}
	out := make([]source.TickSource, 0, len(cfg.Sources))
	for _, name := range cfg.Sources {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "sim":
			out = append(out, source.NewSimSource(cfg.Sim, cfg.Assets))
		case "kite":
			k, err := source.NewKiteSource(cfg.Kite, logger)
			if err != nil {
				return nil, err
			}
			out = append(out, k)
		case "kafka":
			c, err := shared.NewConsumer(cfg.Kafka, cfg.Kafka.InTopic)
			if err != nil {
				return nil, err
			}
			out = append(out, source.NewKafkaSource(c, logger))
		default:
			return nil, fmt.Errorf("unknown source %q", name)
		}
	}
	return out, nil
}

func buildMirrors(ctx context.Context, cfg Config, logger shared.Logger) ([]persist.Sink, func(), error) {
	var (
		sinks   []persist.Sink
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	if cfg.Persist.MirrorKafka {
		p := shared.NewPublisher(cfg.Kafka)
		closers = append(closers, func() { _ = p.Close() })
		sinks = append(sinks, persist.NewKafkaSink(p, cfg.Kafka.OutPrefix))
	}
	if cfg.Persist.MirrorPG {
		db, err := shared.NewPgxPool(ctx, cfg.PG)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, db.Close)
		sinks = append(sinks, persist.NewPGSink(db))
	}
	if len(sinks) > 0 {
		logger.Printf("mirroring finalized candles to %d sink(s)", len(sinks))
	}
	return sinks, closeAll, nil
}
