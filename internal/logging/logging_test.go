package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/msageha/dispatchd/internal/model"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"verbose", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewWithWriter_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(zapcore.AddSync(&buf), zapcore.WarnLevel)

	log.Infof("claim loop=%s count=%d", "intake", 3)
	log.Warnf("persist_failed task=%d", 7)
	require.NoError(t, log.Sync())

	out := buf.String()
	assert.NotContains(t, out, "claim loop=intake")
	assert.Contains(t, out, "persist_failed task=7")
	assert.Contains(t, out, "WARN")
}

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "daemon.log")
	log, closer := New(model.LoggingConfig{Level: "debug", File: path, MaxSizeMB: 1})

	log.Named("intake").Debugf("claim count=%d", 2)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "intake"), "logger name should be present")
	assert.Contains(t, string(data), "claim count=2")
}
