// Package commands implements the mwaai CLI commands using cobra.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jholhewres/mwaai/pkg/mwaai/copilot"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mwaai",
		Short: "mwaai - WhatsApp AI assistant",
		Long: `mwaai answers WhatsApp messages with an LLM agent that can schedule
reminders, keep per-user timezones and recall earlier notes.

Examples:
  mwaai serve
  mwaai tasks list
  mwaai timezone set 5511999999999 UTC-3
  mwaai config init`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newTasksCmd(),
		newTimezoneCmd(),
		newForgetCmd(),
		newConfigCmd(),
		newHealthCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the --config file, a discovered file, or defaults.
func resolveConfig(cmd *cobra.Command) (*copilot.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := copilot.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := copilot.FindConfigFile(); found != "" {
		cfg, err := copilot.LoadConfigFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, nil
	}

	return copilot.LoadDefaultConfig(), nil
}

// newLogger builds the process logger from the logging config.
func newLogger(cmd *cobra.Command, cfg *copilot.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	var level slog.Level
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// quietLogger logs to stderr, warnings only unless --verbose.
func quietLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStores loads the config and opens the stores for one-shot commands.
func openStores(cmd *cobra.Command) (*copilot.Stores, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	// One-shot commands never touch the similarity store.
	cfg.Memory.Enabled = false

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return copilot.OpenStores(ctx, cfg, quietLogger(cmd))
}
