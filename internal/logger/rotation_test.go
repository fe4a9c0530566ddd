package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter_Rotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemosync.log")

	rw, err := NewRotatingWriter(path, 1, 0, false)
	require.NoError(t, err)
	defer rw.Close()

	tick := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rw.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	chunk := make([]byte, 600*1024)
	for i := range chunk {
		chunk[i] = 'x'
	}
	_, err = rw.Write(chunk)
	require.NoError(t, err)
	_, err = rw.Write(chunk)
	require.NoError(t, err)

	rotated, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, rotated, 1)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}

func TestRotatingWriter_Compresses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemosync.log")

	rw, err := NewRotatingWriter(path, 1, 0, true)
	require.NoError(t, err)
	defer rw.Close()

	big := make([]byte, 1024*1024)
	_, err = rw.Write(big)
	require.NoError(t, err)
	_, err = rw.Write([]byte("next\n"))
	require.NoError(t, err)

	gz, err := filepath.Glob(path + ".*.gz")
	require.NoError(t, err)
	assert.Len(t, gz, 1)
}

func TestRotatingWriter_CleanupRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemosync.log")
	old := path + ".20200101-000000.000"
	require.NoError(t, os.WriteFile(old, []byte("old"), 0644))
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, past, past))

	rw, err := NewRotatingWriter(path, 1, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestRotatingWriter_CloseTwice(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "a.log"), 1, 0, false)
	require.NoError(t, err)
	assert.NoError(t, rw.Close())
	assert.NoError(t, rw.Close())
}
