// Package main is the entrypoint for the vendorflow server and its admin
// commands.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vendorflow/vendorflow/internal/platform/config"
	"github.com/vendorflow/vendorflow/internal/platform/logutil"

	// Register cache and storage drivers
	_ "github.com/vendorflow/vendorflow/internal/platform/cache/loader"
	_ "github.com/vendorflow/vendorflow/internal/store/loader"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by every command.
var globalFlags struct {
	configPath string
	mode       string
}

var rootCmd = &cobra.Command{
	Use:          "vendorflow",
	Short:        "Vendor document sharing chains with provenance",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.configPath, "config", "", "Path to TOML config file (optional)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.mode, "mode", "", "Operating mode: strict or dev (overrides config)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newTokenCmd())
}

// loadConfig loads config with precedence: mode preset -> TOML file ->
// environment -> CLI flags. Only flags the user actually set override.
func loadConfig(overrides config.FlagOverrides) (*config.Config, *slog.Logger, error) {
	// Bootstrap logger for config loading errors (uses default level)
	bootstrapLogger := logutil.New(os.Stdout, "info")

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath:    globalFlags.configPath,
		ModeFlag:      globalFlags.mode,
		FlagOverrides: overrides,
		Logger:        bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		return nil, nil, err
	}

	logger := logutil.New(os.Stdout, cfg.Logging.Level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// changed returns a pointer to the flag value when the user set it.
func changed(cmd *cobra.Command, name string) *string {
	f := cmd.Flags().Lookup(name)
	if f == nil || !f.Changed {
		return nil
	}
	v := f.Value.String()
	return &v
}
