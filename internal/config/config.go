package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"bluetooth-bond/internal/bt"
	"bluetooth-bond/internal/permission"
)

// EnvAddr overrides HTTPConfig.Addr when set.
const EnvAddr = "BTBOND_ADDR"

type Config struct {
	Adapter     string            `yaml:"adapter"`
	Service     ServiceConfig     `yaml:"service"`
	HTTP        HTTPConfig        `yaml:"http"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Connect     ConnectConfig     `yaml:"connect"`
	Permissions PermissionsConfig `yaml:"permissions"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	UUID    string `yaml:"uuid"`
	Channel uint16 `yaml:"channel"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type DiscoveryConfig struct {
	// PollInterval is how often the adapter's discovering flag is checked
	// against the last broadcast. Zero disables polling.
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ConnectConfig struct {
	// Timeout bounds a connection attempt. Zero leaves it to the platform.
	Timeout time.Duration `yaml:"timeout"`
}

type PermissionsConfig struct {
	// Denied privileges are reported missing regardless of process
	// credentials.
	Denied []string `yaml:"denied"`
}

func defaultConfig() *Config {
	return &Config{
		Adapter: "hci0",
		Service: ServiceConfig{
			Name:    bt.DefaultServiceName,
			UUID:    bt.SPPUUID,
			Channel: bt.DefaultRFCOMMChannel,
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:6010",
		},
		Discovery: DiscoveryConfig{
			PollInterval: time.Second,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that an empty path or a missing file yields
// the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if addr := os.Getenv(EnvAddr); addr != "" {
		c.HTTP.Addr = addr
	}
}

func (c *Config) Validate() error {
	if c.Adapter == "" {
		return errors.New("config: adapter is required")
	}
	if c.Service.Name == "" {
		return errors.New("config: service.name is required")
	}
	if _, err := uuid.Parse(c.Service.UUID); err != nil {
		return fmt.Errorf("config: service.uuid %q: %w", c.Service.UUID, err)
	}
	if c.Service.Channel < 1 || c.Service.Channel > 30 {
		return fmt.Errorf("config: service.channel %d out of range 1-30", c.Service.Channel)
	}
	if c.HTTP.Addr == "" {
		return errors.New("config: http.addr is required")
	}
	if c.Discovery.PollInterval < 0 || c.Connect.Timeout < 0 {
		return errors.New("config: durations must not be negative")
	}
	for _, p := range c.Permissions.Denied {
		switch p {
		case permission.Connect, permission.Scan, permission.CoarseLocation, permission.FineLocation:
		default:
			return fmt.Errorf("config: unknown permission %q", p)
		}
	}
	return nil
}
