package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sanonone/graphsync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "graphsync",
	Short: "Keep a component diagram in sync between its text and its canvas",
	Long: `graphsync runs the reference parse/persist server and headless editor
sessions that mirror diagram text onto a canvas and save canvas edits back.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(fmtCmd)

	rootCmd.PersistentFlags().String("config", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringSlice("env-file", nil, "env files loaded before the configuration (default .env)")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level (debug|info|warn|error)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads env files and the configuration, applies the global flag
// overrides and installs the configured logger as the default.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	flags := cmd.Root().PersistentFlags()

	envFiles, err := flags.GetStringSlice("env-file")
	if err != nil {
		return nil, nil, err
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, nil, err
	}

	path, err := flags.GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	if level, _ := flags.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log configuration: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}
