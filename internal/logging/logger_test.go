package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		verbose bool
		want    zapcore.Level
	}{
		{"json info", "info", "json", false, zapcore.InfoLevel},
		{"console warn", "warn", "console", false, zapcore.WarnLevel},
		{"default format", "error", "", false, zapcore.ErrorLevel},
		{"verbose wins", "error", "json", true, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.level, tt.format, tt.verbose)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestNew_Rejects(t *testing.T) {
	_, err := New("loud", "json", false)
	require.Error(t, err)

	_, err = New("info", "xml", false)
	require.Error(t, err)
}
