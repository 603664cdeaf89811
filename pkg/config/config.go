// Package config provides configuration structures and loading logic for
// tlsctl, plus loaders for tlsession settings files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for tlsctl.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ClientConfig holds configuration for client commands.
type ClientConfig struct {
	Settings   string `yaml:"settings"`
	ServerName string `yaml:"server_name"`
	// MaxRetries bounds each negotiation loop; zero leaves it unbounded.
	MaxRetries int `yaml:"max_retries"`
	// RetryRate paces retries per second; zero disables pacing.
	RetryRate float64 `yaml:"retry_rate"`
}

// ServerConfig holds configuration for the echo server.
type ServerConfig struct {
	Listen           string        `yaml:"listen"`
	Settings         string        `yaml:"settings"`
	Watch            bool          `yaml:"watch"`
	MetricsAddress   string        `yaml:"metrics_address"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadPollInterval time.Duration `yaml:"read_poll_interval"`
	// HandshakeRate caps handshakes per second from one remote host; zero
	// disables the cap.
	HandshakeRate  float64 `yaml:"handshake_rate"`
	HandshakeBurst int     `yaml:"handshake_burst"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:           ":3335",
			HandshakeTimeout: 30 * time.Second,
			ReadPollInterval: 250 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "tlsctl",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("TLSCTL_CLIENT_SETTINGS"); val != "" {
		cfg.Client.Settings = val
	}
	if val := os.Getenv("TLSCTL_SERVER_NAME"); val != "" {
		cfg.Client.ServerName = val
	}
	if val := os.Getenv("TLSCTL_MAX_RETRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("TLSCTL_MAX_RETRIES: %w", err)
		}
		cfg.Client.MaxRetries = n
	}

	if val := os.Getenv("TLSCTL_LISTEN"); val != "" {
		cfg.Server.Listen = val
	}
	if val := os.Getenv("TLSCTL_SERVER_SETTINGS"); val != "" {
		cfg.Server.Settings = val
	}
	if val := os.Getenv("TLSCTL_WATCH"); val == "true" {
		cfg.Server.Watch = true
	}
	if val := os.Getenv("TLSCTL_METRICS_ADDR"); val != "" {
		cfg.Server.MetricsAddress = val
	}
	if val := os.Getenv("TLSCTL_HANDSHAKE_RATE"); val != "" {
		r, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("TLSCTL_HANDSHAKE_RATE: %w", err)
		}
		cfg.Server.HandshakeRate = r
	}

	if val := os.Getenv("TLSCTL_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("TLSCTL_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("TLSCTL_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	return nil
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client configuration: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of client configuration.
func (c *ClientConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryRate < 0 {
		return fmt.Errorf("retry_rate must not be negative, got %g", c.RetryRate)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = ":3335"
	}
	if c.MetricsAddress != "" && c.MetricsAddress == c.Listen {
		return fmt.Errorf("metrics_address %q conflicts with listen", c.MetricsAddress)
	}
	if c.Watch && c.Settings == "" {
		return fmt.Errorf("watch requires a settings file")
	}
	if c.HandshakeTimeout < 0 || c.ReadPollInterval < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.HandshakeRate < 0 || c.HandshakeBurst < 0 {
		return fmt.Errorf("handshake_rate and handshake_burst must not be negative")
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
