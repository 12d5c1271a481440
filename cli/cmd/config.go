package cmd

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"vmgate/cli/pkg/output"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Client configuration commands",
}

var configInitCmd = &cobra.Command{
	Use:   "init [master-url]",
	Short: "Save the master URL and API key",
	Long: `Check that the master answers with the given URL and API key, then save both
to $HOME/.vmctl/config.yaml. The API key is prompted for when --api-key is not set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		if len(args) > 0 {
			cfg.Master.URL = strings.TrimRight(args[0], "/")
		}

		if !cmd.Flags().Changed("api-key") {
			fmt.Print("API key (empty if the master runs without one): ")
			keyBytes, err := term.ReadPassword(int(syscall.Stdin))
			if err != nil {
				return fmt.Errorf("failed to read API key: %w", err)
			}
			fmt.Println()
			cfg.Auth.APIKey = strings.TrimSpace(string(keyBytes))
		}

		c := newClient()
		ctx := context.Background()

		health, err := c.Health(ctx)
		if err != nil {
			return fmt.Errorf("master not reachable at %s: %w", cfg.Master.URL, err)
		}
		// /health is open, the agent list is not
		if _, err := c.ListAgents(ctx, false); err != nil {
			return fmt.Errorf("master rejected the API key: %w", err)
		}

		path, err := cfg.Save()
		if err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Connected to %s (%s). Configuration saved to %s\n", health.Service, cfg.Master.URL, path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		source := viper.ConfigFileUsed()
		if source == "" {
			source = "(none, defaults and environment)"
		}

		fmt.Printf("Config File: %s\n", source)
		fmt.Printf("Master URL:  %s\n", cfg.Master.URL)
		fmt.Printf("API Key:     %s\n", maskKey(cfg.Auth.APIKey))
		fmt.Printf("Timeout:     %s\n", cfg.Client.Timeout)
		fmt.Printf("Retries:     %d (backoff %s)\n", cfg.Client.RetryMax, cfg.Client.RetryBackoff)

		health, err := newClient().Health(context.Background())
		if err != nil {
			fmt.Printf("Master:      %s (%v)\n", output.Result(false), err)
			return nil
		}
		fmt.Printf("Master:      %s (%s)\n", output.Result(true), health.Service)
		return nil
	},
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) <= 8:
		return strings.Repeat("*", len(key))
	default:
		return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
	}
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
