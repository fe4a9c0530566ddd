package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidator(t *testing.T) {
	v := NewValidator()

	t.Run("fraction", func(t *testing.T) {
		assert.NoError(t, v.ValidateFraction("x", 1))
		assert.NoError(t, v.ValidateFraction("x", 0.01))
		assert.Error(t, v.ValidateFraction("x", 0))
		assert.Error(t, v.ValidateFraction("x", 1.01))
	})

	t.Run("duration", func(t *testing.T) {
		assert.NoError(t, v.ValidatePositiveDuration("x", time.Millisecond))
		assert.Error(t, v.ValidatePositiveDuration("x", 0))
	})

	t.Run("api key", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("sk-proj-123", "openai"))
		assert.Error(t, v.ValidateAPIKey("", "openai"))
		assert.Error(t, v.ValidateAPIKey("pk-123", "openai"))
	})

	t.Run("embeddings", func(t *testing.T) {
		assert.NoError(t, v.ValidateEmbeddings(EmbeddingsConfig{Provider: "none"}))
		assert.NoError(t, v.ValidateEmbeddings(EmbeddingsConfig{Provider: "openai", APIKey: "sk-1", Model: "text-embedding-3-small", Dimension: 256}))
		assert.Error(t, v.ValidateEmbeddings(EmbeddingsConfig{Provider: "openai", APIKey: "sk-1", Model: "m"}))
		assert.Error(t, v.ValidateEmbeddings(EmbeddingsConfig{Provider: "cohere"}))
	})

	t.Run("log level", func(t *testing.T) {
		assert.NoError(t, v.ValidateLogLevel(""))
		assert.NoError(t, v.ValidateLogLevel("debug"))
		assert.Error(t, v.ValidateLogLevel("trace"))
	})
}

func TestValidateConfigCollectsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimilarityMethod = "fuzzy"
	cfg.Gateway.Port = 0
	cfg.Logging.Level = "loud"

	errs := NewValidator().ValidateConfig(cfg)
	// store.path is also missing on a bare default config
	assert.Len(t, errs, 4)
}
