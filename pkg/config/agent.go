package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"vmgate/core/config"
)

// AgentConfig contains all configuration for the agent service
type AgentConfig struct {
	// Logging configuration
	Log config.LogConfig `yaml:"log"`

	// Agent identity and HTTP server
	Agent AgentSettings `yaml:"agent"`

	// Master connection
	Master MasterLinkConfig `yaml:"master"`

	// Local multipass runner
	Multipass MultipassConfig `yaml:"multipass"`

	// Terminal relay
	Terminal TerminalConfig `yaml:"terminal"`

	// Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics"`
}

// AgentSettings identifies the agent and configures its listener
type AgentSettings struct {
	// ID defaults to the hostname
	ID       string `yaml:"id" env:"AGENT_ID"`
	Hostname string `yaml:"hostname" env:"AGENT_HOSTNAME"`

	Host string `yaml:"host" env:"AGENT_HOST" default:"0.0.0.0"`
	Port int    `yaml:"port" env:"AGENT_PORT" default:"8001"`

	// AdvertiseURL is the base URL the master uses to reach this agent.
	// Defaults to http://<outbound ip>:<port>.
	AdvertiseURL string `yaml:"advertise_url" env:"AGENT_ADVERTISE_URL"`

	// APIKey guards this agent's API and is handed to the master on
	// registration.
	APIKey string `yaml:"-" env:"VMGATE_API_KEY"`

	Tags map[string]string `yaml:"tags" env:"AGENT_TAGS"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
}

// Address returns host:port for net.Listen
func (c AgentSettings) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MasterLinkConfig configures registration and heartbeats
type MasterLinkConfig struct {
	// URL of the master; empty runs the agent standalone
	URL string `yaml:"url" env:"MASTER_URL"`

	// APIKey sent to the master; defaults to the agent's own key
	APIKey string `yaml:"-" env:"MASTER_API_KEY"`

	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" default:"30s"`
	RegistrationDelay    time.Duration `yaml:"registration_delay" default:"2s"`
	RegistrationAttempts uint64        `yaml:"registration_attempts" default:"5"`
	RegistrationBackoff  time.Duration `yaml:"registration_backoff" default:"2s"`
	RequestTimeout       time.Duration `yaml:"request_timeout" default:"10s"`
}

// LoadAgent loads the agent configuration from multiple sources and fills
// the identity fields that default from the host.
func LoadAgent(configFile, envFile string) (*AgentConfig, error) {
	cfg := &AgentConfig{}

	loader := config.NewConfigLoader(config.LoaderConfig{
		ConfigFile:      configFile,
		EnvironmentFile: envFile,
		ServiceName:     "agent",
	})

	if err := loader.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load agent configuration: %w", err)
	}

	cfg.ApplyHostDefaults(os.Hostname, OutboundIP)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agent configuration validation failed: %w", err)
	}

	return cfg, nil
}

// ApplyHostDefaults fills the agent id, hostname, advertised URL and master
// key when they were not configured.
func (c *AgentConfig) ApplyHostDefaults(hostname func() (string, error), outboundIP func() string) {
	if c.Agent.Hostname == "" {
		name, err := hostname()
		if err != nil || name == "" {
			name = "unknown"
		}
		c.Agent.Hostname = name
	}
	if c.Agent.ID == "" {
		c.Agent.ID = c.Agent.Hostname
	}
	if c.Agent.AdvertiseURL == "" {
		c.Agent.AdvertiseURL = "http://" + net.JoinHostPort(outboundIP(), strconv.Itoa(c.Agent.Port))
	}
	if c.Master.APIKey == "" {
		c.Master.APIKey = c.Agent.APIKey
	}
}

// Validate validates the configuration
func (c *AgentConfig) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent id is required")
	}

	if err := validatePort("agent port", c.Agent.Port); err != nil {
		return err
	}

	if err := validateHTTPURL("agent advertise url", c.Agent.AdvertiseURL); err != nil {
		return err
	}

	if c.Master.URL != "" {
		if err := validateHTTPURL("master url", c.Master.URL); err != nil {
			return err
		}
		if c.Master.HeartbeatInterval <= 0 {
			return fmt.Errorf("heartbeat interval must be positive")
		}
		if c.Master.RegistrationAttempts == 0 {
			return fmt.Errorf("registration attempts must be positive")
		}
		if c.Master.RegistrationBackoff <= 0 {
			return fmt.Errorf("registration backoff must be positive")
		}
	}

	if err := c.Multipass.validate(); err != nil {
		return err
	}

	if c.Terminal.GracePeriod <= 0 {
		return fmt.Errorf("terminal grace period must be positive")
	}

	return nil
}

func validateHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s %q: expected http(s)://host[:port]", name, raw)
	}
	return nil
}

// OutboundIP returns the address of the interface used for outbound
// traffic, or 127.0.0.1. No packet is sent.
func OutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
