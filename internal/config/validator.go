package config

import (
	"fmt"
	"strings"
	"time"
)

// Validator validates individual configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateSimilarityMethod accepts lexical or vector.
func (v *Validator) ValidateSimilarityMethod(method string) error {
	return oneOf("similarity_method", method, "lexical", "vector")
}

// ValidateFraction requires a value in (0, 1].
func (v *Validator) ValidateFraction(name string, value float64) error {
	if value <= 0 || value > 1 {
		return fmt.Errorf("%s must be in (0, 1], got %v", name, value)
	}
	return nil
}

func (v *Validator) ValidatePositiveDuration(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return nil
}

// ValidateStoreDriver checks the driver name and that persistent drivers
// have somewhere to write. An empty path is filled from data_dir by the loader.
func (v *Validator) ValidateStoreDriver(driver, path string) error {
	if err := oneOf("store.driver", driver, "sqlite", "file", "memory"); err != nil {
		return err
	}
	if driver != "memory" && strings.TrimSpace(path) == "" {
		return fmt.Errorf("store.path is required for the %s driver", driver)
	}
	return nil
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}
	if provider == "openai" && !strings.HasPrefix(key, "sk-") {
		return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
	}
	return nil
}

func (v *Validator) ValidateEmbeddings(cfg EmbeddingsConfig) error {
	if err := oneOf("embeddings.provider", cfg.Provider, "none", "openai"); err != nil {
		return err
	}
	if cfg.Provider == "none" {
		return nil
	}
	if err := v.ValidateAPIKey(cfg.APIKey, cfg.Provider); err != nil {
		return err
	}
	if cfg.Model == "" {
		return fmt.Errorf("embeddings.model is required for provider %s", cfg.Provider)
	}
	if cfg.Dimension <= 0 {
		return fmt.Errorf("embeddings.dimension must be positive, got %d", cfg.Dimension)
	}
	return nil
}

func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	if level == "" {
		return nil
	}
	return oneOf("logging.level", level, "debug", "info", "warn", "error")
}

// ValidateConfig runs every check and returns all failures instead of the
// first one, for the CLI's config report.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidateSimilarityMethod(cfg.SimilarityMethod))
	add(v.ValidateFraction("similarity_threshold", cfg.SimilarityThreshold))
	add(v.ValidateFraction("consensus_threshold_fraction", cfg.ConsensusThresholdFraction))
	add(v.ValidatePositiveDuration("reconciliation_window", cfg.ReconciliationWindow))
	add(v.ValidatePositiveDuration("staleness_window", cfg.StalenessWindow))
	add(v.ValidateStoreDriver(cfg.Store.Driver, cfg.Store.Path))
	add(v.ValidateEmbeddings(cfg.Embeddings))
	add(v.ValidatePort(cfg.Gateway.Port))
	add(v.ValidateLogLevel(cfg.Logging.Level))

	return errs
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", name, value, strings.Join(allowed, ", "))
}
