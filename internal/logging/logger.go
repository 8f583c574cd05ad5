// Package logging builds the process logger and tags log lines and errors
// with the request they belong to.
package logging

import (
	"context"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "timestamp",
	LevelKey:       "level",
	NameKey:        "component",
	CallerKey:      "caller",
	MessageKey:     "msg",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.LowercaseLevelEncoder,
	EncodeTime:     zapcore.ISO8601TimeEncoder,
	EncodeDuration: zapcore.MillisDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// NewLogger returns a JSON logger on stderr. Verbose enables debug lines.
func NewLogger(verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	return New(os.Stderr, level)
}

// New returns a JSON logger writing entries at or above level to w.
func New(w io.Writer, level zapcore.Level) *zap.Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.Lock(zapcore.AddSync(w)),
		level,
	)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).
		With(zap.String("app", "leafdx"))
}

// For returns logger tagged with op and with the request id carried by ctx.
func For(ctx context.Context, logger *zap.Logger, op string) *zap.Logger {
	if id := RequestID(ctx); id != "" {
		return logger.With(zap.String("op", op), zap.String("request_id", id))
	}
	return logger.With(zap.String("op", op))
}
