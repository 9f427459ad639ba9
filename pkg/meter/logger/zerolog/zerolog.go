// Package zerolog adapts github.com/rs/zerolog to meter.Logger.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gometer/pkg/meter"
)

// Logger implements meter.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new zerolog logger adapter. A nil logger disables output.
func NewLogger(logger *zerolog.Logger) *Logger {
	if logger == nil {
		return &Logger{logger: zerolog.Nop()}
	}
	return &Logger{logger: *logger}
}

// With returns a logger that adds the component field to every event.
func (l *Logger) With(component string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", component).Logger()}
}

func (l *Logger) Debug(msg string, fields ...meter.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...meter.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...meter.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...meter.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []meter.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			event = event.AnErr(f.Key, v)
		case string:
			event = event.Str(f.Key, v)
		case int64:
			event = event.Int64(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}
