package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vmgate/cli/pkg/client"
	"vmgate/cli/pkg/config"
)

var (
	configPath string
	noColor    bool
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "vmctl",
	Short: "Manage multipass VMs across a vmgate cluster",
	Long: `vmctl drives a vmgate master over its REST API.

All traffic goes through the master. VMs on agent hosts are addressed with
--agent, and shells are relayed over a websocket. Settings are read from flags,
then VMCTL_* environment variables, then $HOME/.vmctl/config.yaml.`,
	Example: `  vmctl config init http://10.0.0.2:8000
  vmctl vm list
  vmctl vm create web --agent node-2 --cpus 2 --memory 2G --wait
  vmctl shell web --agent node-2`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// flagKeys maps persistent flags onto the viper keys of config.Config
var flagKeys = map[string]string{
	"master-url": "master.url",
	"api-key":    "auth.api_key",
	"timeout":    "client.timeout",
	"retries":    "client.retry_max",
}

// Execute runs vmctl and exits non-zero on failure
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vmctl: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() {
		if configPath != "" {
			viper.SetConfigFile(configPath)
		}
		if noColor {
			color.NoColor = true
		}
	})

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "read settings from this file instead of $HOME/.vmctl/config.yaml")
	flags.StringP("master-url", "m", "", "master base URL, e.g. http://10.0.0.2:8000")
	flags.String("api-key", "", "shared API key, sent as X-API-Key")
	flags.Duration("timeout", 0, "per-request timeout (default 6m)")
	flags.Uint64("retries", 0, "retries for reads answered 502/503 (default 3)")
	flags.BoolVar(&noColor, "no-color", false, "print tables without colour")

	for name, key := range flagKeys {
		_ = viper.BindPFlag(key, flags.Lookup(name))
	}
}

func loadConfig(*cobra.Command, []string) error {
	loaded, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg = loaded
	return nil
}

func GetConfig() *config.Config {
	return cfg
}

func newClient() *client.Client {
	return client.New(GetConfig())
}
