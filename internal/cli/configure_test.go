package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("init writes defaults once", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "conf", "mnemosync.yaml")

		output, err := runCommand(t, "configure", "init", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Configuration saved to: "+path)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "consensus_threshold_fraction")

		_, err = runCommand(t, "configure", "init", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")

		_, err = runCommand(t, "configure", "init", "--config", path, "--force")
		require.NoError(t, err)
	})

	t.Run("show masks secrets", func(t *testing.T) {
		path, _ := writeTestConfig(t, 8420, "")

		output, err := runCommand(t, "configure", "show", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, `"admin_secret": "***"`)
		assert.NotContains(t, output, "s3cret")
	})
}
