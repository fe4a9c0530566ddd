package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := runCommand(t, "stop", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "Stop the mnemosync server")
		assert.Contains(t, output, "timeout")
	})
}

func TestSignalDaemon(t *testing.T) {
	t.Run("no pid file", func(t *testing.T) {
		_, err := signalDaemon(filepath.Join(t.TempDir(), "mnemosync.pid"), 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})

	t.Run("stale pid file is removed", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "mnemosync.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("999999999"), 0644))

		_, err := signalDaemon(pidFile, 0)
		require.Error(t, err)
		_, statErr := os.Stat(pidFile)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("signal zero reaches a live process", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "mnemosync.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("1"), 0644))
		if _, err := signalDaemon(pidFile, 0); err != nil {
			t.Skipf("cannot signal pid 1 here: %v", err)
		}
	})
}
