// Package log implements the structured logger shared by every component of
// the filter. It follows the shape of maddy's framework/log.Logger (name
// prefix, Msg/Error/Debugf methods, JSON field tail) but is backed directly
// by go.uber.org/zap instead of a custom Output abstraction, since this
// process has exactly one log destination: stderr.
package log

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/smtpd-filters/dkimout/internal/xerrors"
)

// Logger writes "name: msg\t{json-fields}" lines through an underlying zap
// core. It is cheap to copy; the zap core does its own synchronization so
// concurrent signing goroutines may share one Logger value.
type Logger struct {
	zap  *zap.Logger
	Name string
}

// LevelFromEnv reads OPENSMTPD_FILTER_DKIMOUT_LOG_LEVEL (§6), defaulting to
// "warn" when unset or unrecognized.
func LevelFromEnv() zapcore.Level {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("OPENSMTPD_FILTER_DKIMOUT_LOG_LEVEL")))
	if v == "" {
		// zapcore parses an empty level as info, not warn.
		return zapcore.WarnLevel
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return zapcore.WarnLevel
	}
	return lvl
}

// New builds a root Logger at the given minimum level, writing JSON-less,
// human-readable lines to stderr (one line per message, no extra color or
// caller info - this runs under an MTA, not a terminal).
func New(minLevel zapcore.Level, verbosityCount int) Logger {
	level := minLevel
	// Each repeated -v lowers the floor by one step, mirroring the
	// cumulative verbosity flags conventional in the pack's CLIs.
	for i := 0; i < verbosityCount; i++ {
		if level == zapcore.DebugLevel {
			break
		}
		level--
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		level,
	)
	return Logger{zap: zap.New(core)}
}

// With returns a copy of l scoped to a component name, e.g. l.With("signer").
func (l Logger) With(name string) Logger {
	l.Name = name
	return l
}

func (l Logger) prefixed(msg string) string {
	if l.Name == "" {
		return msg
	}
	return l.Name + ": " + msg
}

// Msg logs an informational event with structured fields, alternating
// key/value pairs exactly like maddy's Logger.Msg.
func (l Logger) Msg(msg string, fields ...interface{}) {
	l.zap.Info(l.prefixed(msg), toZapFields(fields)...)
}

// Debugf logs a formatted debug message (no structured fields).
func (l Logger) Debugf(format string, args ...interface{}) {
	l.zap.Sugar().Debugf(l.prefixed(format), args...)
}

// Printf logs a formatted informational message (no structured fields).
func (l Logger) Printf(format string, args ...interface{}) {
	l.zap.Sugar().Infof(l.prefixed(format), args...)
}

// Error logs msg together with err's structured fields (via xerrors.Fields)
// plus any additional key/value pairs. In the context of Error, msg names
// the point at which the error was handled, not the error itself.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}
	zf := make([]zap.Field, 0, len(fields)/2+2)
	for k, v := range xerrors.Fields(err) {
		zf = append(zf, zap.Any(k, v))
	}
	zf = append(zf, zap.Error(err))
	zf = append(zf, toZapFields(fields)...)
	l.zap.Error(l.prefixed(msg), zf...)
}

func toZapFields(fields []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields)/2)
	var key string
	for i, v := range fields {
		if i%2 == 0 {
			k, ok := v.(string)
			if !ok {
				continue
			}
			key = k
			continue
		}
		out = append(out, zap.Any(key, v))
	}
	return out
}

// Sync flushes any buffered log entries; call before process exit.
func (l Logger) Sync() {
	_ = l.zap.Sync()
}
