package cli

import (
	"fmt"
	"os"

	"github.com/harun/mnemosync/internal/config"
	"github.com/spf13/cobra"
)

var configureForce bool

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Manage the configuration file",
}

var configureInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with default values",
	Long: `Write a configuration file with default values to the --config path.
The format follows the file extension: .yaml, .json or .toml.`,
	RunE: runConfigureInit,
}

var configureShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE:  runConfigureShow,
}

func init() {
	configureInitCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing file")
	configureCmd.AddCommand(configureInitCmd)
	configureCmd.AddCommand(configureShowCmd)
	rootCmd.AddCommand(configureCmd)
}

func runConfigureInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("cannot determine config path, pass --config")
	}
	if _, err := os.Stat(configPath); err == nil && !configureForce {
		return fmt.Errorf("%s already exists, use --force to overwrite", configPath)
	}

	cfg := config.DefaultConfig()
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Printf("Configuration saved to: %s\n", configPath)
	cmd.Println("You can now start mnemosync with: mnemosync start")
	return nil
}

func runConfigureShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cmd.Println(cfg.String())
	return nil
}
