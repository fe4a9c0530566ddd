package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

// PIDFileName is written into the data directory while the daemon runs.
const PIDFileName = "mnemosync.pid"

// ErrAlreadyRunning is returned when another live process holds the PID file.
var ErrAlreadyRunning = errors.New("daemon already running")

// LifecycleManager owns the PID file of a running daemon. The file is
// created exclusively, so two daemons sharing a data directory cannot both
// start.
type LifecycleManager struct {
	dataDir string
	pidFile string
	logger  zerolog.Logger
	held    bool
}

func NewLifecycleManager(d *Daemon) *LifecycleManager {
	return &LifecycleManager{
		dataDir: d.config.DataDir,
		pidFile: PIDFile(d.config.DataDir),
		logger:  d.logger.Component("lifecycle").With().Str("pid_file", PIDFile(d.config.DataDir)).Logger(),
	}
}

// Start claims the PID file. A file left behind by a dead process, or by an
// earlier daemon in this process, is reclaimed.
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(l.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := claimPIDFile(l.pidFile, os.Getpid())
		if err == nil {
			l.held = true
			l.logger.Info().Int("pid", os.Getpid()).Msg("PID file claimed")
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("failed to write PID file: %w", err)
		}

		pid, readErr := ReadPID(l.pidFile)
		if readErr == nil && pid != os.Getpid() && ProcessAlive(pid) {
			return fmt.Errorf("%w with pid %d", ErrAlreadyRunning, pid)
		}
		l.logger.Warn().Int("stale_pid", pid).Msg("Reclaiming stale PID file")
		if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}
	return fmt.Errorf("failed to claim %s: lost race with another daemon", l.pidFile)
}

// Stop removes the PID file if this process still owns it.
func (l *LifecycleManager) Stop() error {
	if !l.held {
		return nil
	}
	l.held = false

	if pid, err := ReadPID(l.pidFile); err == nil && pid != os.Getpid() {
		l.logger.Warn().Int("owner_pid", pid).Msg("PID file taken over, leaving it in place")
		return nil
	}
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	l.logger.Info().Msg("PID file released")
	return nil
}

// GetPID returns the PID recorded in the PID file.
func (l *LifecycleManager) GetPID() (int, error) {
	return ReadPID(l.pidFile)
}

func claimPIDFile(path string, pid int) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	_, writeErr := fmt.Fprintf(f, "%d\n", pid)
	closeErr := f.Close()
	if writeErr != nil {
		_ = os.Remove(path)
		return writeErr
	}
	return closeErr
}

// PIDFile returns the PID file path for a data directory.
func PIDFile(dataDir string) string {
	return filepath.Join(dataDir, PIDFileName)
}

// ReadPID parses a PID file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// ProcessAlive reports whether a process with pid exists. EPERM means the
// process exists but belongs to another user.
func ProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
