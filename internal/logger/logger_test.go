package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		l, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		assert.Nil(t, l.Redactor())
		assert.NoError(t, l.Close())
	})

	t.Run("file output with redaction", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "mnemosync.log")

		l, err := New(Config{Level: "debug", File: logFile, Redaction: true})
		require.NoError(t, err)
		require.NotNil(t, l.Redactor())

		zl := l.GetZerolog()
		zl.Info().Str("api_key", "sk-test123456789abcdefghijklmnopqrstuvwxyz").Msg("embedding provider ready")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "embedding provider ready")
		assert.NotContains(t, string(data), "sk-test123456789")
	})

	t.Run("bad level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		defer l.Close()
		assert.Equal(t, zerolog.InfoLevel, l.GetZerolog().GetLevel())
	})
}

func TestComponent(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "c.log")
	l, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)

	c := l.Component("engine")
	c.Info().Msg("started")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"component":"engine"`))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
}
