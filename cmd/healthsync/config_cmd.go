// ABOUTME: CLI commands for viewing and initializing configuration.
// ABOUTME: Writes config.json and policy.yaml with defaults on init.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harperreed/healthsync/internal/config"
	"github.com/harperreed/healthsync/internal/models"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or initialize configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Config:   %s\n", config.GetConfigPath())
		fmt.Fprintf(out, "Policy:   %s\n", cfg.GetPolicyPath())
		fmt.Fprintf(out, "Backend:  %s\n", cfg.GetBackend())
		fmt.Fprintf(out, "Data dir: %s\n", cfg.GetDataDir())
		fmt.Fprintf(out, "User:     %s\n", currentUser())
		fmt.Fprintln(out)

		redacted := *cfg
		redacted.PostgresURL = redact(redacted.PostgresURL)
		redacted.Adapters = make([]config.AdapterConfig, len(cfg.Adapters))
		for i, ac := range cfg.Adapters {
			ac.Token = redact(ac.Token)
			redacted.Adapters[i] = ac
		}
		data, err := json.MarshalIndent(&redacted, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))

		policy, err := config.LoadPolicy(cfg.GetPolicyPath())
		if err != nil {
			color.New(color.FgYellow).Fprintf(out, "⚠ policy: %v\n", err)
			return nil
		}
		fmt.Fprintln(out)
		for _, name := range policyMetricNames(policy) {
			mp := policy.Metrics[name]
			tol := fmt.Sprintf("±%g", mp.Absolute)
			if mp.Relative > 0 {
				tol = fmt.Sprintf("±%g%%", mp.Relative*100)
			}
			fmt.Fprintf(out, "%s %s %s bucket %s\n", padRight(name, 10), padRight(mp.Strategy, 16), padRight(tol, 8), mp.Bucket)
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default config.json and policy.yaml",
	Long: `Create config.json and policy.yaml in the config directory with
defaults. Existing files are kept unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		configPath := config.GetConfigPath()
		if _, err := os.Stat(configPath); err == nil && !configForce {
			color.New(color.FgYellow).Fprintf(out, "• %s exists, keeping it\n", configPath)
		} else {
			if err := cfg.Save(); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			color.New(color.FgGreen).Fprintf(out, "✓ Wrote %s\n", configPath)
		}

		policyPath := cfg.GetPolicyPath()
		if _, err := os.Stat(policyPath); err == nil && !configForce {
			color.New(color.FgYellow).Fprintf(out, "• %s exists, keeping it\n", policyPath)
			return nil
		}
		if err := config.DefaultPolicy().SaveTo(policyPath); err != nil {
			return fmt.Errorf("failed to write policy: %w", err)
		}
		color.New(color.FgGreen).Fprintf(out, "✓ Wrote %s\n", policyPath)
		return nil
	},
}

func policyMetricNames(p *config.Policy) []string {
	var names []string
	for _, m := range models.AllMetrics {
		if _, ok := p.Metrics[string(m)]; ok {
			names = append(names, string(m))
		}
	}
	return names
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite existing files")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
