// Package logger builds the zap logger used by the command line tool.
package logger

import (
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger writing to w at level.
func New(w io.Writer, level zapcore.Level) *zap.Logger {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(config),
		zapcore.Lock(zapcore.AddSync(w)),
		level,
	))
}

// ParseLevel maps a level name to a zap level. An empty name is info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(strings.ToLower(s))
}
