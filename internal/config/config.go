package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	TempDir string        `yaml:"temp_dir"`
	Connect ConnectConfig `yaml:"connect"`
	Spawn   SpawnConfig   `yaml:"spawn"`
	Log     LogConfig     `yaml:"log"`
}

type ConnectConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	MaxRetries int           `yaml:"max_retries"`
}

// UnmarshalYAML accepts durations in time.ParseDuration form ("10s",
// "500ms") and leaves fields the file does not mention at their
// defaults.
func (c *ConnectConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Timeout    string `yaml:"timeout"`
		RetryDelay string `yaml:"retry_delay"`
		MaxRetries *int   `yaml:"max_retries"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("connect.timeout: %w", err)
		}
		c.Timeout = d
	}
	if raw.RetryDelay != "" {
		d, err := time.ParseDuration(raw.RetryDelay)
		if err != nil {
			return fmt.Errorf("connect.retry_delay: %w", err)
		}
		c.RetryDelay = d
	}
	if raw.MaxRetries != nil {
		c.MaxRetries = *raw.MaxRetries
	}
	return nil
}

type SpawnConfig struct {
	MapBy      string `yaml:"map_by"`
	ForwardEnv bool   `yaml:"forward_env"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Connect: ConnectConfig{
			Timeout:    10 * time.Second,
			RetryDelay: time.Second,
			MaxRetries: 10,
		},
		Spawn: SpawnConfig{
			MapBy:      "slot",
			ForwardEnv: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a yaml config from path, filling unset fields with the
// defaults. An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
