package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{"Error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, getLogLevel(tt.input))
		})
	}
}

func TestNewHonoursEnvironment(t *testing.T) {
	t.Setenv("LOGGING_LEVEL", "ERROR")
	t.Setenv("LOGGING_FORMAT", "json")

	l := New("debug", "console")
	assert.False(t, l.Core().Enabled(zapcore.WarnLevel))
	assert.True(t, l.Core().Enabled(zapcore.ErrorLevel))
}

func TestFor(t *testing.T) {
	l := For(ComponentService)
	assert.NotNil(t, l)
	assert.Equal(t, ComponentService, l.Desugar().Name())
}
