package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// MNEMOSYNC_GATEWAY_PORT overrides gateway.port.
const EnvPrefix = "MNEMOSYNC"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, if present, applies environment overrides on
// top of DefaultConfig and fills derived paths. It does not validate.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := newViper()
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType(configType(configPath))
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".mnemosync")
	}

	if cfg.Store.Path == "" {
		switch cfg.Store.Driver {
		case "sqlite":
			cfg.Store.Path = filepath.Join(cfg.DataDir, "mnemosync.db")
		case "file":
			cfg.Store.Path = filepath.Join(cfg.DataDir, "snapshots")
		}
	}

	if cfg.AuditFile == "" {
		cfg.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}

	return cfg, nil
}

// Save writes cfg to the loader's path in the format implied by its extension.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("no config path")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))
	for key, value := range flatten(cfg) {
		v.Set(key, value)
	}

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mnemosync", "mnemosync.yaml")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// newViper returns a viper instance that knows every key, so environment
// overrides apply even when the file omits a key.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range flatten(DefaultConfig()) {
		v.SetDefault(key, value)
	}
	return v
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// flatten maps every option to its dotted key. Durations are written as
// strings so saved files stay readable.
func flatten(c *Config) map[string]interface{} {
	return map[string]interface{}{
		"similarity_method":            c.SimilarityMethod,
		"similarity_threshold":         c.SimilarityThreshold,
		"consensus_threshold_fraction": c.ConsensusThresholdFraction,
		"reconciliation_window":        c.ReconciliationWindow.String(),
		"staleness_window":             c.StalenessWindow.String(),

		"registry.monitor_interval": c.Registry.MonitorInterval.String(),
		"registry.max_instances":    c.Registry.MaxInstances,

		"sync.lumped.max_batch_size":        c.Sync.Lumped.MaxBatchSize,
		"sync.lumped.max_batch_interval":    c.Sync.Lumped.MaxBatchInterval.String(),
		"sync.streaming.priority_threshold": c.Sync.Streaming.PriorityThreshold,
		"sync.streaming.write_timeout":      c.Sync.Streaming.WriteTimeout.String(),
		"sync.checkin.enabled":              c.Sync.CheckIn.Enabled,
		"sync.checkin.schedule":             c.Sync.CheckIn.Schedule,
		"sync.checkin.timeout":              c.Sync.CheckIn.Timeout.String(),
		"sync.checkin.max_missed":           c.Sync.CheckIn.MaxMissed,
		"sync.checkin.max_concurrency":      c.Sync.CheckIn.MaxConcurrency,

		"store.driver":                c.Store.Driver,
		"store.path":                  c.Store.Path,
		"store.retry.max_attempts":    c.Store.Retry.MaxAttempts,
		"store.retry.initial_backoff": c.Store.Retry.InitialBackoff.String(),
		"store.retry.max_backoff":     c.Store.Retry.MaxBackoff.String(),
		"store.flush_interval":        c.Store.FlushInterval.String(),

		"queue.lane_capacity":        c.Queue.LaneCapacity,
		"ingest.protocol_constraint": c.Ingest.ProtocolConstraint,

		"embeddings.provider":  c.Embeddings.Provider,
		"embeddings.model":     c.Embeddings.Model,
		"embeddings.api_key":   c.Embeddings.APIKey,
		"embeddings.dimension": c.Embeddings.Dimension,

		"gateway.host":           c.Gateway.Host,
		"gateway.port":           c.Gateway.Port,
		"gateway.admin_secret":   c.Gateway.AdminSecret,
		"gateway.max_body_bytes": c.Gateway.MaxBodyBytes,

		"gateway.reports_per_minute":     c.Gateway.ReportsPerMinute,
		"gateway.max_concurrent_reports": c.Gateway.MaxConcurrentReports,

		"logging.level":     c.Logging.Level,
		"logging.file":      c.Logging.File,
		"logging.pretty":    c.Logging.Pretty,
		"logging.max_size":  c.Logging.MaxSize,
		"logging.max_age":   c.Logging.MaxAge,
		"logging.compress":  c.Logging.Compress,
		"logging.redaction": c.Logging.Redaction,

		"telemetry.service_name": c.Telemetry.ServiceName,
		"telemetry.sample_ratio": c.Telemetry.SampleRatio,

		"bootstrap_file": c.BootstrapFile,
		"audit_file":     c.AuditFile,
		"data_dir":       c.DataDir,
	}
}
