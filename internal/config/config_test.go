package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Store.Path = "/tmp/mnemosync.db"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "lexical", cfg.SimilarityMethod)
	assert.Equal(t, 0.85, cfg.SimilarityThreshold)
	assert.Equal(t, 0.67, cfg.ConsensusThresholdFraction)
	assert.Equal(t, 10*time.Minute, cfg.ReconciliationWindow)
	assert.Equal(t, 5*time.Minute, cfg.StalenessWindow)
	assert.Equal(t, 100, cfg.Sync.Lumped.MaxBatchSize)
	assert.Equal(t, "*/5 * * * *", cfg.Sync.CheckIn.Schedule)
	assert.Equal(t, 256, cfg.Queue.LaneCapacity)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.NoError(t, validConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown similarity method", func(c *Config) { c.SimilarityMethod = "fuzzy" }, "similarity_method"},
		{"threshold above one", func(c *Config) { c.SimilarityThreshold = 1.2 }, "similarity_threshold"},
		{"consensus at simple majority", func(c *Config) { c.ConsensusThresholdFraction = 0.5 }, "above 0.5"},
		{"zero reconciliation window", func(c *Config) { c.ReconciliationWindow = 0 }, "reconciliation_window"},
		{"negative staleness window", func(c *Config) { c.StalenessWindow = -time.Second }, "staleness_window"},
		{"bad cron schedule", func(c *Config) { c.Sync.CheckIn.Schedule = "every five" }, "sync.checkin.schedule"},
		{"disabled check-in skips schedule", func(c *Config) {
			c.Sync.CheckIn.Enabled = false
			c.Sync.CheckIn.Schedule = "every five"
		}, ""},
		{"unknown store driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"memory without path", func(c *Config) {
			c.Store.Driver = "memory"
			c.Store.Path = ""
		}, ""},
		{"bad protocol constraint", func(c *Config) { c.Ingest.ProtocolConstraint = "one point oh" }, "protocol_constraint"},
		{"vector without provider", func(c *Config) { c.SimilarityMethod = "vector" }, "requires an embeddings provider"},
		{"openai without key", func(c *Config) { c.Embeddings.Provider = "openai" }, "API key"},
		{"port out of range", func(c *Config) { c.Gateway.Port = 70000 }, "gateway.port"},
		{"negative report rate", func(c *Config) { c.Gateway.ReportsPerMinute = -1 }, "rate limits"},
		{"sample ratio above one", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "sample_ratio"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.AdminSecret = "hunter2"
	cfg.Embeddings.APIKey = "sk-abcdefghijklmnopqrstuvwxyz"

	out := cfg.String()
	assert.False(t, strings.Contains(out, "hunter2"))
	assert.False(t, strings.Contains(out, "sk-abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "hunter2", cfg.Gateway.AdminSecret, "String must not mutate the config")
}
