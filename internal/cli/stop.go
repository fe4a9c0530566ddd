package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/harun/mnemosync/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the mnemosync server",
	Long: `Stop the mnemosync server gracefully.
Sends SIGTERM so in-flight reports drain and canonical state is flushed,
then waits for the process to exit. After the timeout SIGKILL is sent.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	pidFile := daemon.PIDFile(cfg.DataDir)

	pid, err := signalDaemon(pidFile, syscall.SIGTERM)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			cmd.Println("Daemon stopped successfully")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	cmd.Println("Timeout reached, sending SIGKILL...")
	if _, err := signalDaemon(pidFile, syscall.SIGKILL); err != nil {
		return err
	}
	os.Remove(pidFile)
	cmd.Println("Daemon killed")
	return nil
}

// signalDaemon sends sig to the process named in pidFile.
func signalDaemon(pidFile string, sig syscall.Signal) (int, error) {
	pid, err := daemon.ReadPID(pidFile)
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("daemon is not running")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	if !daemon.ProcessAlive(pid) {
		os.Remove(pidFile)
		return 0, fmt.Errorf("daemon is not running (removed stale PID file)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return 0, fmt.Errorf("failed to send %s: %w", sig, err)
	}
	return pid, nil
}
