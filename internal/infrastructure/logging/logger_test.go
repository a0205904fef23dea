package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l, err := New(Config{Level: tt.level})
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, l.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestJSONOutputCarriesRankFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vizflow.log")
	l, err := New(Config{Level: "info", OutputPaths: []string{path}})
	require.NoError(t, err)

	l.ForRank("viewer", 3, 1).Named("coupling").Info("connected", zap.String("key", "abc"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, `"message":"connected"`)
	assert.Contains(t, line, `"logger":"coupling"`)
	assert.Contains(t, line, `"module":"viewer"`)
	assert.Contains(t, line, `"module_id":3`)
	assert.Contains(t, line, `"rank":1`)
	assert.Contains(t, line, `"key":"abc"`)
}

func TestFallbacks(t *testing.T) {
	assert.NotNil(t, NewDefault())
	assert.NotNil(t, NewDevelopment())
	assert.NoError(t, NewNop().Sync())
}

func TestIsProduction(t *testing.T) {
	t.Setenv("VIZFLOW_ENV", "prod")
	assert.True(t, IsProduction())
	t.Setenv("VIZFLOW_ENV", "dev")
	assert.False(t, IsProduction())
}
