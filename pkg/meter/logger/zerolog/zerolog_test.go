package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gometer/pkg/meter"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg", meter.F("key", "value")) }},
		{"info", func(l *Logger) { l.Info("msg", meter.F("key", "value")) }},
		{"warn", func(l *Logger) { l.Warn("msg", meter.F("key", "value")) }},
		{"error", func(l *Logger) { l.Error("msg", meter.F("key", "value")) }},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			zlog := zerolog.New(&buf)
			tt.log(NewLogger(&zlog))

			entry := decodeLine(t, &buf)
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "msg", entry["message"])
			assert.Equal(t, "value", entry["key"])
		})
	}
}

func TestLogger_FieldTypes(t *testing.T) {
	var buf bytes.Buffer
	zlog := zerolog.New(&buf)
	logger := NewLogger(&zlog)

	logger.Warn("store failed",
		meter.ErrField(errors.New("connection refused")),
		meter.F("count", int64(11)),
		meter.F("retry_after", 59),
		meter.F("tier", map[string]int{"minute": 10}),
	)

	entry := decodeLine(t, &buf)
	assert.Equal(t, "connection refused", entry["error"])
	assert.EqualValues(t, 11, entry["count"])
	assert.EqualValues(t, 59, entry["retry_after"])
	assert.Equal(t, map[string]interface{}{"minute": float64(10)}, entry["tier"])
}

func TestLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	zlog := zerolog.New(&buf).Level(zerolog.WarnLevel)
	logger := NewLogger(&zlog)

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	zlog := zerolog.New(&buf)
	logger := NewLogger(&zlog).With("controller")

	logger.Info("hello")
	entry := decodeLine(t, &buf)
	assert.Equal(t, "controller", entry["component"])
}

func TestLogger_NilLogger(t *testing.T) {
	logger := NewLogger(nil)
	assert.NotPanics(t, func() { logger.Error("dropped", meter.F("k", "v")) })
}
