package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/mnemosync/internal/config"
	"github.com/harun/mnemosync/internal/logger"
	"github.com/harun/mnemosync/pkg/identity"
	"github.com/harun/mnemosync/pkg/memory"
	"github.com/harun/mnemosync/pkg/registry"
	"github.com/harun/mnemosync/pkg/syncdriver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.AuditFile = filepath.Join(dir, "audit.log")
	cfg.Store.Driver = "file"
	cfg.Store.Path = filepath.Join(dir, "snapshots")
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Sync.CheckIn.Enabled = false
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

// createTestDaemon creates a daemon backed by a file store in a temp dir
func createTestDaemon(t *testing.T) (*Daemon, *logger.Logger) {
	t.Helper()
	log := testLogger(t)
	daemon, err := New(testConfig(t), nil, log)
	require.NoError(t, err)
	return daemon, log
}

type seedKeys struct {
	agent    *identity.KeySigner
	instance *identity.KeySigner
}

func writeSeed(t *testing.T, cfg *config.Config) seedKeys {
	t.Helper()
	agentKey, err := identity.GenerateSigner()
	require.NoError(t, err)
	instanceKey, err := identity.GenerateSigner()
	require.NoError(t, err)

	seed := fmt.Sprintf(`agents:
  - id: assistant
    keys:
      - %s
instances:
  - id: laptop
    agent_id: assistant
    public_key: %s
`, identity.EncodeKey(agentKey.PublicKey()), identity.EncodeKey(instanceKey.PublicKey()))

	cfg.BootstrapFile = filepath.Join(cfg.DataDir, "seed.yaml")
	require.NoError(t, os.WriteFile(cfg.BootstrapFile, []byte(seed), 0600))
	return seedKeys{agent: agentKey, instance: instanceKey}
}

func TestNew(t *testing.T) {
	daemon, _ := createTestDaemon(t)

	assert.NotNil(t, daemon.GetEngine())
	assert.NotNil(t, daemon.GetRegistry())
	assert.NotNil(t, daemon.GetLineage())
	assert.NotNil(t, daemon.GetIngestor())
	assert.NotNil(t, daemon.GetGatewayServer())
	assert.Nil(t, daemon.checkIn, "check-in is disabled in the test config")
	assert.Nil(t, daemon.watcher, "no loader means no hot reload")
}

func TestNew_InvalidBootstrap(t *testing.T) {
	cfg := testConfig(t)
	cfg.BootstrapFile = filepath.Join(cfg.DataDir, "missing.yaml")

	_, err := New(cfg, nil, testLogger(t))
	assert.Error(t, err)
}

func TestDaemonStartStop(t *testing.T) {
	daemon, _ := createTestDaemon(t)

	require.NoError(t, daemon.Start())
	assert.True(t, daemon.Status().Running)
	assert.NotEmpty(t, daemon.GetGatewayServer().Addr())
	assert.Error(t, daemon.Start(), "second start must fail")

	require.NoError(t, daemon.Stop())
	assert.False(t, daemon.Status().Running)
	assert.Error(t, daemon.Stop(), "second stop must fail")

	_, err := os.Stat(PIDFile(daemon.config.DataDir))
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonStatus(t *testing.T) {
	cfg := testConfig(t)
	writeSeed(t, cfg)
	daemon, err := New(cfg, nil, testLogger(t))
	require.NoError(t, err)

	status := daemon.Status()
	assert.False(t, status.Running)
	assert.Zero(t, status.Uptime)
	assert.Equal(t, 1, status.Agents)
	assert.Equal(t, 1, status.Instances[string(registry.StatusRegistered)])

	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	time.Sleep(10 * time.Millisecond)
	status = daemon.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
	assert.False(t, status.StartTime.IsZero())
}

func TestDaemon_ReportSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	keys := writeSeed(t, cfg)
	log := testLogger(t)

	first, err := New(cfg, nil, log)
	require.NoError(t, err)
	require.NoError(t, first.Start())

	head, ok := first.GetLineage().Head("assistant")
	require.True(t, ok)
	reporter := syncdriver.NewReporter("laptop", head.Fingerprint, keys.instance)
	sender := syncdriver.NewHTTPSender("http://"+first.GetGatewayServer().Addr(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	receipt, err := reporter.Send(ctx, sender, []memory.Item{
		reporter.Stamp(memory.Item{Type: memory.TypeSemantic, Content: "the user prefers tea", Confidence: 0.9}),
	})
	require.NoError(t, err)
	assert.Equal(t, "assistant", receipt.AgentID)

	require.Eventually(t, func() bool {
		entries, err := first.GetEngine().CanonicalMemory("assistant", time.Time{})
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, first.Stop())

	// The seed is applied again on top of the stored lineage and instances.
	second, err := New(cfg, nil, log)
	require.NoError(t, err)

	entries, err := second.GetEngine().CanonicalMemory("assistant", time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "the user prefers tea", entries[0].RepresentativeContent)

	in, err := second.GetRegistry().Get("laptop")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), in.LastSequence, "replay protection resumes after restart")
	assert.Len(t, second.GetLineage().History("assistant"), 1)
}

func TestDaemon_ApplyTunables(t *testing.T) {
	daemon, _ := createTestDaemon(t)

	assert.NotPanics(t, func() {
		daemon.applyTunables(config.Tunables{
			SimilarityThreshold:        0.9,
			ConsensusThresholdFraction: 0.75,
			ReconciliationWindow:       time.Minute,
			StalenessWindow:            time.Minute,
		})
	})

	// An out of range fraction is refused and leaves the engine as is.
	assert.NotPanics(t, func() {
		daemon.applyTunables(config.Tunables{ConsensusThresholdFraction: 0, ReconciliationWindow: time.Minute})
	})
}
