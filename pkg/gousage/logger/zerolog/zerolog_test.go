package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		level string
		log   func(l *Logger)
	}{
		{"debug", "debug", func(l *Logger) { l.Debug("msg", gousage.Field{Key: "k", Value: "v"}) }},
		{"info", "info", func(l *Logger) { l.Info("msg", gousage.Field{Key: "k", Value: "v"}) }},
		{"warn", "warn", func(l *Logger) { l.Warn("msg", gousage.Field{Key: "k", Value: "v"}) }},
		{"error", "error", func(l *Logger) { l.Error("msg", gousage.Field{Key: "k", Value: "v"}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewLogger(zerolog.New(&buf)))

			m := decode(t, &buf)
			assert.Equal(t, tt.level, m["level"])
			assert.Equal(t, "msg", m["message"])
			assert.Equal(t, "v", m["k"])
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	l.Debug("dropped")
	l.Info("dropped")
	assert.Zero(t, buf.Len())

	l.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestLogger_TypedFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))

	ts := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	l.Warn("restart",
		gousage.Field{Key: "error", Value: errors.New("boom")},
		gousage.Field{Key: "at", Value: ts},
		gousage.Field{Key: "models", Value: []string{"a", "b"}},
		gousage.Field{Key: "oldRequests", Value: int64(500)},
	)

	m := decode(t, &buf)
	assert.Equal(t, "boom", m["error"])
	assert.Equal(t, ts.Format(zerolog.TimeFieldFormat), m["at"])
	assert.Equal(t, []interface{}{"a", "b"}, m["models"])
	assert.Equal(t, float64(500), m["oldRequests"])
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf)).With(gousage.Field{Key: "component", Value: "collector"})

	l.Info("tick")

	m := decode(t, &buf)
	assert.Equal(t, "collector", m["component"])
}

func TestLogger_ImplementsInterface(t *testing.T) {
	var _ gousage.Logger = NewLogger(zerolog.Nop())
}
