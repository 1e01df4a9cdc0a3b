package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/keel-agent/keel/internal/router"
)

// healthReport is the one-shot probe output.
type healthReport struct {
	Providers []providerProbe `json:"providers"`
	AllDown   bool            `json:"all_down"`
}

type providerProbe struct {
	Name    string `json:"name"`
	Local   bool   `json:"local"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func buildHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every configured provider once and print the result",
		Long:  "Runs the provider probes in parallel and prints a structured report.\nAn unhealthy provider is an expected outcome, not a command failure.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := slog.Default()

			providers, names, local, err := buildProviders(cfg, logger)
			if err != nil {
				return err
			}

			monitor := router.NewHealthMonitor(names, local, logger)
			probes := make(map[string]func(context.Context) error, len(providers))
			for name, p := range providers {
				probes[name] = p.Probe
			}
			results := monitor.CheckAll(cmd.Context(), probes)

			report := healthReport{AllDown: len(results) > 0}
			for _, s := range monitor.Snapshot() {
				probe := providerProbe{Name: s.Name, Local: s.Local, Healthy: s.Healthy}
				if err := results[s.Name]; err != nil {
					probe.Error = err.Error()
				} else {
					report.AllDown = false
				}
				report.Providers = append(report.Providers, probe)
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
