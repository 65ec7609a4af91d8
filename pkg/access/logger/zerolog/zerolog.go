// Package zerolog adapts a zerolog.Logger to access.Logger.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/tribebuild/tribehooks/pkg/access"
)

// Logger writes access.Logger entries through zerolog. Field values are
// encoded with zerolog's own type handling, so errors become their message
// and durations follow zerolog.DurationFieldUnit.
type Logger struct {
	zl zerolog.Logger
}

var _ access.Logger = (*Logger)(nil)

// NewLogger wraps zl.
func NewLogger(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields ...access.Field) *Logger {
	if len(fields) == 0 {
		return l
	}
	return &Logger{zl: l.zl.With().Fields(keyvals(fields)).Logger()}
}

func (l *Logger) Debug(msg string, fields ...access.Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields ...access.Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...access.Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...access.Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l *Logger) emit(level zerolog.Level, msg string, fields []access.Field) {
	e := l.zl.WithLevel(level)
	if e == nil {
		return
	}
	if len(fields) > 0 {
		e = e.Fields(keyvals(fields))
	}
	e.Msg(msg)
}

// keyvals flattens fields into the ordered key/value list zerolog accepts.
func keyvals(fields []access.Field) []interface{} {
	kv := make([]interface{}, 0, 2*len(fields))
	for _, f := range fields {
		kv = append(kv, f.Key, f.Value)
	}
	return kv
}
