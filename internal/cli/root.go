package cli

import (
	"fmt"

	"github.com/harun/mnemosync/internal/config"
	"github.com/harun/mnemosync/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
	version  = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "mnemosync",
	Short: "Mnemosync - memory consolidation for multi-instance agents",
	Long: `Mnemosync merges the experience reports of many running instances of the
same agent into one canonical memory. Conflicting facts are settled by
supermajority consensus, and every report is authenticated against the
instance registry and the agent's identity lineage.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mnemosync/mnemosync.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads and validates the configuration. An explicit --log-level
// overrides the configured level.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, loader, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Secrets:   []string{cfg.Gateway.AdminSecret, cfg.Embeddings.APIKey},
	})
}
