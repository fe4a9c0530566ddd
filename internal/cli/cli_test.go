package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// runCommand executes the root command with args and returns its output.
// Flag variables are reset first since cobra keeps them between runs.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configureForce = false
	keygenOut, keygenAgent = "", ""
	adminServer, adminSecret = "", ""
	agentSupersede = false
	instanceAgent, instanceKey, instanceEndpoint, instanceStatus, revokeReason = "", "", "", "", ""

	cmd := GetRootCmd()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return output.String(), err
}

// writeTestConfig writes a YAML config rooted in a temp data dir and
// returns its path.
func writeTestConfig(t *testing.T, port int, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemosync.yaml")
	content := fmt.Sprintf(`data_dir: %s
gateway:
  host: 127.0.0.1
  port: %d
  admin_secret: s3cret
sync:
  checkin:
    enabled: false
%s`, dir, port, extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path, dir
}
