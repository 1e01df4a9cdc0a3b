// Package main is the keel CLI: a local self-hosted agent that turns a
// goal into tool invocations under authority, spending, and safety
// constraints.
//
// Start the agent:
//
//	keel serve --config keel.yaml
//
// Probe provider health without starting:
//
//	keel health --config keel.yaml
//
// Provider API keys may come from the environment (ANTHROPIC_API_KEY,
// OPENAI_API_KEY, OPENROUTER_API_KEY) or a .env file in the working
// directory.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/keel-agent/keel/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// A .env file is optional; absence is not an error.
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "keel",
		Short:        "keel - local AI agent control core",
		Long:         "Keel runs a plan-execute-observe agent loop over local and cloud LLM providers\nwith authority tiers, spending limits, content safety, and MCP tool federation.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "keel.yaml", "path to the configuration file")

	root.AddCommand(
		buildServeCmd(),
		buildHealthCmd(),
		buildConfigCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "keel %s (commit: %s, built: %s)\n", version, commit, date)
			},
		},
	)
	return root
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <dot.key>",
		Short: "Print a configuration value by dot key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			value, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(value, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	})
	return cmd
}
