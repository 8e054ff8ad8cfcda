// Package rrlog provides the zero-allocation structured logger used
// throughout the device communication core, plus a device-scoped adapter
// that prefixes every line with a DUID the way the original Python client's
// logging.LoggerAdapter did.
package rrlog

import (
	"os"
	"strconv"

	"github.com/rs/zerolog"
)

// Logger is the structured logging interface every component depends on.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	// For logs the same logger scoped with an additional key/value pair,
	// used to tag every line from one device or component.
	For(key string, value string) Logger
}

// zlogger is the production Logger backed by zerolog.
type zlogger struct {
	logger  zerolog.Logger
	sampler zerolog.Sampler
}

// New creates a Logger writing structured JSON to stderr with a timestamp
// field on every line. A sample rate can be set via ROBOROCK_LOG_SAMPLE_N
// to thin out high-frequency Warn/Error lines (e.g. repeated timeouts on a
// flaky device) the way long-running connect loops tend to need.
func New() Logger {
	return NewWithLevel("")
}

// NewWithLevel is New with the minimum emitted level set from a zerolog
// level name ("debug", "info", "warn", "error"); an empty or unparseable
// level sets no level filter, so zerolog's defaults apply and debug lines
// are emitted.
func NewWithLevel(level string) Logger {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if level != "" {
		if lvl, err := zerolog.ParseLevel(level); err == nil {
			l = l.Level(lvl)
		}
	}
	var samp zerolog.Sampler
	if v := os.Getenv("ROBOROCK_LOG_SAMPLE_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 1 {
			samp = zerolog.RandomSampler(n)
		}
	}
	return &zlogger{logger: l, sampler: samp}
}

func (l *zlogger) event(level zerolog.Level) *zerolog.Event {
	lg := l.logger
	if l.sampler != nil && (level == zerolog.WarnLevel || level == zerolog.ErrorLevel) {
		lg = lg.Sample(l.sampler)
	}
	switch level {
	case zerolog.DebugLevel:
		return lg.Debug()
	case zerolog.InfoLevel:
		return lg.Info()
	case zerolog.WarnLevel:
		return lg.Warn()
	default:
		return lg.Error()
	}
}

func (l *zlogger) log(level zerolog.Level, msg string, kv ...interface{}) {
	ev := l.event(level)
	for i := 0; i < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if i+1 < len(kv) {
			ev = ev.Interface(key, kv[i+1])
		} else {
			ev = ev.Interface(key, nil)
		}
	}
	ev.Msg(msg)
}

func (l *zlogger) Debug(msg string, kv ...interface{}) { l.log(zerolog.DebugLevel, msg, kv...) }
func (l *zlogger) Info(msg string, kv ...interface{})  { l.log(zerolog.InfoLevel, msg, kv...) }
func (l *zlogger) Warn(msg string, kv ...interface{})  { l.log(zerolog.WarnLevel, msg, kv...) }
func (l *zlogger) Error(msg string, kv ...interface{}) { l.log(zerolog.ErrorLevel, msg, kv...) }

func (l *zlogger) For(key, value string) Logger {
	return &zlogger{logger: l.logger.With().Str(key, value).Logger(), sampler: l.sampler}
}

// Nop is a Logger that discards everything, useful in tests.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})  {}
func (nopLogger) Info(string, ...interface{})   {}
func (nopLogger) Warn(string, ...interface{})   {}
func (nopLogger) Error(string, ...interface{})  {}
func (n nopLogger) For(string, string) Logger   { return n }
