// Package derecholog provides the structured logger used throughout the
// core. The interface shape matches the hand-rolled logger the rest of the
// ecosystem tends to carry; the default implementation is backed by zap
// instead of the standard library logger.
package derecholog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is implemented by anything that can receive leveled log lines from
// the core. Callers may supply their own implementation through
// derecho.Config.Logger; NewDefault is used otherwise.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})

	Warn(v ...interface{})
	Warnf(format string, v ...interface{})

	Error(v ...interface{})
	Errorf(format string, v ...interface{})

	Debug(v ...interface{})
	Debugf(format string, v ...interface{})

	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})

	// With returns a derived logger that always attaches the given
	// key/value pairs, e.g. With("subgroup", id) before logging a
	// delivery or view-change event.
	With(keysAndValues ...interface{}) Logger
}

// zapLogger adapts zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	*zap.SugaredLogger
}

// NewDefault builds a Logger writing leveled, colorless lines to stderr.
// level is one of "debug", "info", "warn", "error" (case-insensitive);
// unknown values fall back to "info".
func NewDefault(level string) Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stderr), lvl)
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &zapLogger{base.Sugar()}
}

func (z *zapLogger) With(keysAndValues ...interface{}) Logger {
	return &zapLogger{z.SugaredLogger.With(keysAndValues...)}
}

func (z *zapLogger) Info(v ...interface{})                    { z.SugaredLogger.Info(v...) }
func (z *zapLogger) Infof(format string, v ...interface{})    { z.SugaredLogger.Infof(format, v...) }
func (z *zapLogger) Warn(v ...interface{})                    { z.SugaredLogger.Warn(v...) }
func (z *zapLogger) Warnf(format string, v ...interface{})    { z.SugaredLogger.Warnf(format, v...) }
func (z *zapLogger) Error(v ...interface{})                   { z.SugaredLogger.Error(v...) }
func (z *zapLogger) Errorf(format string, v ...interface{})   { z.SugaredLogger.Errorf(format, v...) }
func (z *zapLogger) Debug(v ...interface{})                   { z.SugaredLogger.Debug(v...) }
func (z *zapLogger) Debugf(format string, v ...interface{})   { z.SugaredLogger.Debugf(format, v...) }
func (z *zapLogger) Fatal(v ...interface{})                   { z.SugaredLogger.Fatal(v...) }
func (z *zapLogger) Fatalf(format string, v ...interface{})   { z.SugaredLogger.Fatalf(format, v...) }
