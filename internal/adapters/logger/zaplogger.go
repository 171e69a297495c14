package logger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements the ports.Logger interface on top of go.uber.org/zap.
type ZapLogger struct {
	logger *zap.Logger
}

// New builds a production zap logger at the given level.
// Unknown level strings fall back to info.
func New(level string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()

	l, err := zapcore.ParseLevel(level)
	if err != nil {
		l = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(l)

	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	return &ZapLogger{logger: z}, nil
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

// Sync flushes buffered log entries. Call on shutdown.
func (z *ZapLogger) Sync() error {
	return z.logger.Sync()
}

func zapFields(fields []map[string]interface{}) []zap.Field {
	var out []zap.Field
	for _, m := range fields {
		for k, v := range m {
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

func (z *ZapLogger) Debug(_ context.Context, msg string, fields ...map[string]interface{}) {
	z.logger.Debug(msg, zapFields(fields)...)
}

func (z *ZapLogger) Info(_ context.Context, msg string, fields ...map[string]interface{}) {
	z.logger.Info(msg, zapFields(fields)...)
}

func (z *ZapLogger) Warn(_ context.Context, msg string, fields ...map[string]interface{}) {
	z.logger.Warn(msg, zapFields(fields)...)
}

func (z *ZapLogger) Error(_ context.Context, msg string, fields ...map[string]interface{}) {
	z.logger.Error(msg, zapFields(fields)...)
}
