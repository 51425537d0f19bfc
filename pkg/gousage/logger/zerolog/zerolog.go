package zerolog

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// Logger implements gousage.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new zerolog logger adapter.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// With returns a child adapter carrying the given fields on every event.
func (l *Logger) With(fields ...gousage.Field) *Logger {
	ctx := l.logger.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &Logger{logger: ctx.Logger()}
}

func (l *Logger) Debug(msg string, fields ...gousage.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...gousage.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...gousage.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...gousage.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []gousage.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			event = event.AnErr(f.Key, v)
		case time.Time:
			event = event.Time(f.Key, v)
		case time.Duration:
			event = event.Dur(f.Key, v)
		case string:
			event = event.Str(f.Key, v)
		case []string:
			event = event.Strs(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}
