package shared

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin wrapper to allow DI/testing.
type Logger interface {
	Printf(string, ...any)
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Named(name string) Logger
	Sync()
}

type zapLogger struct {
	raw   *zap.Logger
	sugar *zap.SugaredLogger
}

// NewLogger returns a zap-backed logger named prefix.
func NewLogger(prefix string, cfg LogConfig) (Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Dev {
		zc = zap.NewDevelopmentConfig()
	} else {
		ec := &zc.EncoderConfig
		ec.TimeKey = "ts"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		ec.EncodeCaller = zapcore.ShortCallerEncoder
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	raw, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return wrap(raw.Named(prefix)), nil
}

// NopLogger discards everything.
func NopLogger() Logger { return wrap(zap.NewNop()) }

func wrap(raw *zap.Logger) *zapLogger {
	return &zapLogger{raw: raw, sugar: raw.Sugar()}
}

func (l *zapLogger) Printf(format string, args ...any) { l.sugar.Infof(format, args...) }

func (l *zapLogger) Debug(msg string, fields ...zap.Field) { l.raw.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...zap.Field)  { l.raw.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...zap.Field)  { l.raw.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...zap.Field) { l.raw.Error(msg, fields...) }

func (l *zapLogger) Named(name string) Logger { return wrap(l.raw.Named(name)) }

func (l *zapLogger) Sync() { _ = l.raw.Sync() }
