package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		stdio     bool
		wantLevel zapcore.Level
	}{
		{name: "server info", level: "info", wantLevel: zapcore.InfoLevel},
		{name: "server debug", level: "DEBUG", wantLevel: zapcore.DebugLevel},
		{name: "stdio info is raised to warn", level: "info", stdio: true, wantLevel: zapcore.WarnLevel},
		{name: "stdio debug stays debug", level: "debug", stdio: true, wantLevel: zapcore.DebugLevel},
		{name: "stdio error", level: "error", stdio: true, wantLevel: zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.level, tt.stdio)
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tt.wantLevel))
			if tt.wantLevel > zapcore.DebugLevel {
				assert.False(t, log.Core().Enabled(tt.wantLevel-1))
			}
		})
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("verbose", false)
	assert.Error(t, err)
}
