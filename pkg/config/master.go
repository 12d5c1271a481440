package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"vmgate/core/config"
)

// MasterConfig contains all configuration for the master service
type MasterConfig struct {
	// Logging configuration
	Log config.LogConfig `yaml:"log"`

	// HTTP server configuration
	Server ServerConfig `yaml:"server"`

	// Agent registry and liveness
	Registry RegistryConfig `yaml:"registry"`

	// Outbound calls to agents
	Communicator CommunicatorConfig `yaml:"communicator"`

	// Local multipass runner
	Multipass MultipassConfig `yaml:"multipass"`

	// Address polling after create
	WaitForIP WaitForIPConfig `yaml:"wait_for_ip"`

	// Terminal relay
	Terminal TerminalConfig `yaml:"terminal"`

	// Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Host string `yaml:"host" env:"MASTER_HOST" default:"0.0.0.0"`
	Port int    `yaml:"port" env:"MASTER_PORT" default:"8000"`

	// APIKey guards /api/* and /ws when set
	APIKey string `yaml:"-" env:"VMGATE_API_KEY"`

	CORSOrigins     []string      `yaml:"cors_origins" default:"*"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"30s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"0s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" default:"120s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
}

// Address returns host:port for net.Listen
func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RegistryConfig configures the liveness sweep
type RegistryConfig struct {
	SweepInterval    time.Duration `yaml:"sweep_interval" default:"30s"`
	OfflineThreshold time.Duration `yaml:"offline_threshold" default:"60s"`
}

// CommunicatorConfig configures master to agent RPC
type CommunicatorConfig struct {
	Timeout time.Duration `yaml:"timeout" default:"30s"`
}

// MultipassConfig configures the command runner
type MultipassConfig struct {
	Binary  string        `yaml:"binary" env:"MULTIPASS_BINARY" default:"multipass"`
	Timeout time.Duration `yaml:"timeout" default:"5m"`
}

// WaitForIPConfig configures the backoff used when create asks to wait for
// an address.
type WaitForIPConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" default:"2s"`
	BaseDelay    time.Duration `yaml:"base_delay" default:"1s"`
	MaxDelay     time.Duration `yaml:"max_delay" default:"15s"`
	MaxAttempts  uint64        `yaml:"max_attempts" default:"10"`
}

// TerminalConfig configures relay sessions
type TerminalConfig struct {
	GracePeriod time.Duration `yaml:"grace_period" default:"2s"`
	DialTimeout time.Duration `yaml:"dial_timeout" default:"10s"`
}

// MetricsConfig toggles /metrics
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"METRICS_ENABLED" default:"true"`
}

// LoadMaster loads the master configuration from multiple sources
func LoadMaster(configFile, envFile string) (*MasterConfig, error) {
	cfg := &MasterConfig{}

	loader := config.NewConfigLoader(config.LoaderConfig{
		ConfigFile:      configFile,
		EnvironmentFile: envFile,
		ServiceName:     "master",
	})

	if err := loader.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load master configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("master configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *MasterConfig) Validate() error {
	if err := validatePort("server port", c.Server.Port); err != nil {
		return err
	}

	if c.Registry.SweepInterval <= 0 {
		return fmt.Errorf("registry sweep interval must be positive")
	}
	if c.Registry.OfflineThreshold <= c.Registry.SweepInterval {
		return fmt.Errorf("registry offline threshold (%s) must exceed the sweep interval (%s)",
			c.Registry.OfflineThreshold, c.Registry.SweepInterval)
	}

	if c.Communicator.Timeout <= 0 {
		return fmt.Errorf("communicator timeout must be positive")
	}

	if err := c.Multipass.validate(); err != nil {
		return err
	}

	if c.WaitForIP.BaseDelay <= 0 || c.WaitForIP.MaxDelay <= 0 {
		return fmt.Errorf("wait_for_ip delays must be positive")
	}
	if c.WaitForIP.MaxAttempts == 0 {
		return fmt.Errorf("wait_for_ip max attempts must be positive")
	}

	if c.Terminal.GracePeriod <= 0 {
		return fmt.Errorf("terminal grace period must be positive")
	}

	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	return nil
}

func (c MultipassConfig) validate() error {
	if c.Binary == "" {
		return fmt.Errorf("multipass binary is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("multipass timeout must be positive")
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}
