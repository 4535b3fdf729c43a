package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/jonoton/go-candispatch/virtual"
)

// Config holds runtime parameters for the monitor.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Device           string   `json:"device" yaml:"device" toml:"device"`
	Bitrate          uint32   `json:"bitrate" yaml:"bitrate" toml:"bitrate"`
	Loopback         bool     `json:"loopback" yaml:"loopback" toml:"loopback"`
	LogLevel         string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	MetricsAddr      string   `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`
	Filters          []uint32 `json:"filters" yaml:"filters" toml:"filters"`
	GenerateInterval string   `json:"generate_interval" yaml:"generate_interval" toml:"generate_interval"`
}

// Defaults returns the configuration used when nothing is specified.
func Defaults() Config {
	return Config{
		Device:      "vcan0",
		Bitrate:     500000,
		LogLevel:    "info",
		MetricsAddr: ":9108",
	}
}

// ApplyDefaults fills unspecified fields from Defaults.
func (c *Config) ApplyDefaults() {
	d := Defaults()
	if c.Device == "" {
		c.Device = d.Device
	}
	if c.Bitrate == 0 {
		c.Bitrate = d.Bitrate
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = d.MetricsAddr
	}
}

// Interval parses GenerateInterval. An empty value yields zero (disabled).
func (c Config) Interval() (time.Duration, error) {
	if c.GenerateInterval == "" {
		return 0, nil
	}
	return time.ParseDuration(c.GenerateInterval)
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.Device == "" {
		return fmt.Errorf("device must not be empty")
	}
	if c.Bitrate != 0 && !slices.Contains(virtual.Bitrates, c.Bitrate) {
		return fmt.Errorf("bitrate %d not supported (want one of %v)", c.Bitrate, virtual.Bitrates)
	}
	for _, id := range c.Filters {
		if id > 0x1FFFFFFF {
			return fmt.Errorf("filter id %#x exceeds 29 bits", id)
		}
	}
	iv, err := c.Interval()
	if err != nil {
		return fmt.Errorf("generate_interval: %w", err)
	}
	if iv < 0 {
		return fmt.Errorf("generate_interval must not be negative")
	}
	return nil
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
