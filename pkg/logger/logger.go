package logger

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggerKey struct{}

var (
	mu   sync.RWMutex
	base = zap.NewNop().Sugar()
)

// Run builds the process logger and makes it the fallback for Log.
// Development mode gets the colored console encoder, everything else JSON.
func Run(level string, development bool) *zap.SugaredLogger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level, development))

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewExample()
	}
	sugar := l.Sugar()

	mu.Lock()
	base = sugar
	mu.Unlock()

	return sugar
}

func parseLevel(level string, development bool) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		if development {
			return zapcore.DebugLevel
		}
		return zapcore.InfoLevel
	}
	return lvl
}

func WithLogger(ctx context.Context, l *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// Log returns the request logger stored in ctx or the process logger.
func Log(ctx context.Context) *zap.SugaredLogger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok && l != nil {
			return l
		}
	}
	mu.RLock()
	defer mu.RUnlock()
	return base
}
