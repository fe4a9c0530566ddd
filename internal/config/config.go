package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"
)

// Config is the mnemosync server configuration.
type Config struct {
	// Similarity and consensus tunables. These four plus staleness_window
	// are hot-reloadable.
	SimilarityMethod           string        `json:"similarity_method" mapstructure:"similarity_method"`
	SimilarityThreshold        float64       `json:"similarity_threshold" mapstructure:"similarity_threshold"`
	ConsensusThresholdFraction float64       `json:"consensus_threshold_fraction" mapstructure:"consensus_threshold_fraction"`
	ReconciliationWindow       time.Duration `json:"reconciliation_window" mapstructure:"reconciliation_window"`
	StalenessWindow            time.Duration `json:"staleness_window" mapstructure:"staleness_window"`

	Registry   RegistryConfig   `json:"registry" mapstructure:"registry"`
	Sync       SyncConfig       `json:"sync" mapstructure:"sync"`
	Store      StoreConfig      `json:"store" mapstructure:"store"`
	Queue      QueueConfig      `json:"queue" mapstructure:"queue"`
	Ingest     IngestConfig     `json:"ingest" mapstructure:"ingest"`
	Embeddings EmbeddingsConfig `json:"embeddings" mapstructure:"embeddings"`
	Gateway    GatewayConfig    `json:"gateway" mapstructure:"gateway"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Telemetry  TelemetryConfig  `json:"telemetry" mapstructure:"telemetry"`

	BootstrapFile string `json:"bootstrap_file" mapstructure:"bootstrap_file"`
	AuditFile     string `json:"audit_file" mapstructure:"audit_file"`
	DataDir       string `json:"data_dir" mapstructure:"data_dir"`
}

// RegistryConfig holds instance registry settings
type RegistryConfig struct {
	MonitorInterval time.Duration `json:"monitor_interval" mapstructure:"monitor_interval"`
	MaxInstances    int           `json:"max_instances" mapstructure:"max_instances"` // per agent, 0 = unlimited
}

// SyncConfig groups the three sync protocol drivers.
type SyncConfig struct {
	Lumped    LumpedConfig    `json:"lumped" mapstructure:"lumped"`
	Streaming StreamingConfig `json:"streaming" mapstructure:"streaming"`
	CheckIn   CheckInConfig   `json:"checkin" mapstructure:"checkin"`
}

type LumpedConfig struct {
	MaxBatchSize     int           `json:"max_batch_size" mapstructure:"max_batch_size"`
	MaxBatchInterval time.Duration `json:"max_batch_interval" mapstructure:"max_batch_interval"`
}

type StreamingConfig struct {
	PriorityThreshold float64       `json:"priority_threshold" mapstructure:"priority_threshold"`
	WriteTimeout      time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
}

type CheckInConfig struct {
	Enabled        bool          `json:"enabled" mapstructure:"enabled"`
	Schedule       string        `json:"schedule" mapstructure:"schedule"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxMissed      int           `json:"max_missed" mapstructure:"max_missed"`
	MaxConcurrency int           `json:"max_concurrency" mapstructure:"max_concurrency"`
}

// StoreConfig selects and tunes the durable store.
type StoreConfig struct {
	Driver        string        `json:"driver" mapstructure:"driver"` // sqlite, file, memory
	Path          string        `json:"path" mapstructure:"path"`
	Retry         RetryConfig   `json:"retry" mapstructure:"retry"`
	FlushInterval time.Duration `json:"flush_interval" mapstructure:"flush_interval"`
}

type RetryConfig struct {
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" mapstructure:"max_backoff"`
}

type QueueConfig struct {
	LaneCapacity int `json:"lane_capacity" mapstructure:"lane_capacity"`
}

type IngestConfig struct {
	ProtocolConstraint string `json:"protocol_constraint" mapstructure:"protocol_constraint"`
}

// EmbeddingsConfig configures the provider used by the vector strategy.
type EmbeddingsConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // none, openai
	Model     string `json:"model" mapstructure:"model"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
}

// GatewayConfig holds HTTP server configuration
type GatewayConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	AdminSecret  string `json:"admin_secret" mapstructure:"admin_secret"`
	MaxBodyBytes int64  `json:"max_body_bytes" mapstructure:"max_body_bytes"`

	// Per client address, 0 = unlimited.
	ReportsPerMinute     int `json:"reports_per_minute" mapstructure:"reports_per_minute"`
	MaxConcurrentReports int `json:"max_concurrent_reports" mapstructure:"max_concurrent_reports"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

type TelemetryConfig struct {
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		SimilarityMethod:           "lexical",
		SimilarityThreshold:        0.85,
		ConsensusThresholdFraction: 0.67,
		ReconciliationWindow:       10 * time.Minute,
		StalenessWindow:            5 * time.Minute,
		Registry: RegistryConfig{
			MonitorInterval: 30 * time.Second,
		},
		Sync: SyncConfig{
			Lumped: LumpedConfig{
				MaxBatchSize:     100,
				MaxBatchInterval: time.Second,
			},
			Streaming: StreamingConfig{
				PriorityThreshold: 0.8,
				WriteTimeout:      10 * time.Second,
			},
			CheckIn: CheckInConfig{
				Enabled:        true,
				Schedule:       "*/5 * * * *",
				Timeout:        30 * time.Second,
				MaxMissed:      3,
				MaxConcurrency: 16,
			},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Retry: RetryConfig{
				MaxAttempts:    5,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
			},
			FlushInterval: 10 * time.Second,
		},
		Queue: QueueConfig{
			LaneCapacity: 256,
		},
		Ingest: IngestConfig{
			ProtocolConstraint: ">= 1.0.0, < 2.0.0",
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "none",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
		},
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         8420,
			MaxBodyBytes: 4 << 20,

			MaxConcurrentReports: 32,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "mnemosync",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.Gateway.AdminSecret != "" {
		masked.Gateway.AdminSecret = "***"
	}
	if masked.Embeddings.APIKey != "" {
		masked.Embeddings.APIKey = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateSimilarityMethod(c.SimilarityMethod); err != nil {
		return err
	}
	if err := v.ValidateFraction("similarity_threshold", c.SimilarityThreshold); err != nil {
		return err
	}
	if err := v.ValidateFraction("consensus_threshold_fraction", c.ConsensusThresholdFraction); err != nil {
		return err
	}
	if c.ConsensusThresholdFraction <= 0.5 {
		return fmt.Errorf("consensus_threshold_fraction must be above 0.5, got %v", c.ConsensusThresholdFraction)
	}
	if err := v.ValidatePositiveDuration("reconciliation_window", c.ReconciliationWindow); err != nil {
		return err
	}
	if err := v.ValidatePositiveDuration("staleness_window", c.StalenessWindow); err != nil {
		return err
	}
	if err := v.ValidatePositiveDuration("registry.monitor_interval", c.Registry.MonitorInterval); err != nil {
		return err
	}

	if c.Sync.Lumped.MaxBatchSize <= 0 {
		return fmt.Errorf("sync.lumped.max_batch_size must be positive, got %d", c.Sync.Lumped.MaxBatchSize)
	}
	if err := v.ValidatePositiveDuration("sync.lumped.max_batch_interval", c.Sync.Lumped.MaxBatchInterval); err != nil {
		return err
	}
	if err := v.ValidateFraction("sync.streaming.priority_threshold", c.Sync.Streaming.PriorityThreshold); err != nil {
		return err
	}
	if c.Sync.CheckIn.Enabled {
		if _, err := cron.ParseStandard(c.Sync.CheckIn.Schedule); err != nil {
			return fmt.Errorf("sync.checkin.schedule %q: %w", c.Sync.CheckIn.Schedule, err)
		}
		if err := v.ValidatePositiveDuration("sync.checkin.timeout", c.Sync.CheckIn.Timeout); err != nil {
			return err
		}
		if c.Sync.CheckIn.MaxMissed <= 0 {
			return fmt.Errorf("sync.checkin.max_missed must be positive, got %d", c.Sync.CheckIn.MaxMissed)
		}
	}

	if err := v.ValidateStoreDriver(c.Store.Driver, c.Store.Path); err != nil {
		return err
	}
	if c.Store.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("store.retry.max_attempts must be positive, got %d", c.Store.Retry.MaxAttempts)
	}
	if c.Queue.LaneCapacity <= 0 {
		return fmt.Errorf("queue.lane_capacity must be positive, got %d", c.Queue.LaneCapacity)
	}

	if _, err := semver.NewConstraint(c.Ingest.ProtocolConstraint); err != nil {
		return fmt.Errorf("ingest.protocol_constraint %q: %w", c.Ingest.ProtocolConstraint, err)
	}

	if err := v.ValidateEmbeddings(c.Embeddings); err != nil {
		return err
	}
	if c.SimilarityMethod == "vector" && c.Embeddings.Provider == "none" {
		return fmt.Errorf("similarity_method vector requires an embeddings provider")
	}

	if err := v.ValidatePort(c.Gateway.Port); err != nil {
		return err
	}
	if c.Gateway.ReportsPerMinute < 0 || c.Gateway.MaxConcurrentReports < 0 {
		return fmt.Errorf("gateway rate limits must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1], got %v", c.Telemetry.SampleRatio)
	}
	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}
