package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleManager_ClaimAndRelease(t *testing.T) {
	d, _ := createTestDaemon(t)
	lm := NewLifecycleManager(d)
	assert.Equal(t, filepath.Join(d.config.DataDir, "mnemosync.pid"), lm.pidFile)

	require.NoError(t, lm.Start())
	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.pidFile)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, lm.Stop(), "second stop is a no-op")
}

func TestLifecycleManager_ReclaimsStaleFile(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"dead process", "999999999"},
		{"garbage", "not-a-pid"},
		{"own pid from an earlier daemon", strconv.Itoa(os.Getpid())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := createTestDaemon(t)
			lm := NewLifecycleManager(d)
			require.NoError(t, os.MkdirAll(d.config.DataDir, 0755))
			require.NoError(t, os.WriteFile(lm.pidFile, []byte(tt.contents), 0644))

			require.NoError(t, lm.Start())
			defer lm.Stop()

			pid, err := lm.GetPID()
			require.NoError(t, err)
			assert.Equal(t, os.Getpid(), pid)
		})
	}
}

func TestLifecycleManager_RefusesLiveOwner(t *testing.T) {
	d, _ := createTestDaemon(t)
	lm := NewLifecycleManager(d)
	require.NoError(t, os.MkdirAll(d.config.DataDir, 0755))

	parent := os.Getppid()
	require.NoError(t, os.WriteFile(lm.pidFile, []byte(strconv.Itoa(parent)), 0644))

	err := lm.Start()
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// The other owner's file stays untouched.
	pid, err := ReadPID(lm.pidFile)
	require.NoError(t, err)
	assert.Equal(t, parent, pid)
	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.pidFile)
	assert.NoError(t, err)
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPID(PIDFile(dir))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(PIDFile(dir), []byte("-4"), 0644))
	_, err = ReadPID(PIDFile(dir))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(PIDFile(dir), []byte(strconv.Itoa(os.Getpid())+"\n"), 0644))
	pid, err := ReadPID(PIDFile(dir))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, ProcessAlive(pid))
}
