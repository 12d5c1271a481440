package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Master MasterConfig `mapstructure:"master"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Client ClientConfig `mapstructure:"client"`
}

type MasterConfig struct {
	URL string `mapstructure:"url"`
}

type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// ClientConfig tunes the HTTP client. Only idempotent reads are retried.
type ClientConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryMax     uint64        `mapstructure:"retry_max"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Add config search paths
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.vmctl")
	viper.AddConfigPath("/etc/vmctl/")

	// Environment variable overrides
	viper.SetEnvPrefix("VMCTL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// With SetEnvPrefix("VMCTL") these become VMCTL_MASTER_URL, VMCTL_AUTH_API_KEY
	viper.BindEnv("master.url")
	viper.BindEnv("auth.api_key")
	viper.BindEnv("client.timeout")

	// Set defaults
	viper.SetDefault("master.url", "http://localhost:8000")
	viper.SetDefault("client.timeout", "6m")
	viper.SetDefault("client.retry_max", 3)
	viper.SetDefault("client.retry_backoff", "500ms")

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.Master.URL = strings.TrimRight(config.Master.URL, "/")
	return &config, nil
}

// Save writes the master URL and API key to $HOME/.vmctl/config.yaml
func (c *Config) Save() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".vmctl")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, "config.yaml")
	viper.SetConfigFile(configFile)

	viper.Set("master.url", c.Master.URL)
	viper.Set("auth.api_key", c.Auth.APIKey)

	if err := viper.WriteConfig(); err != nil {
		return "", err
	}
	return configFile, os.Chmod(configFile, 0o600)
}
