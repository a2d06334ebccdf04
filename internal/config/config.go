// Package config loads the rtutcp configuration: built-in defaults, an
// optional YAML file and RTUTCP_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// EnvConfigFile names the environment variable pointing to a config file
// when none is given explicitly.
const EnvConfigFile = "RTUTCP_CONFIG"

// Config is the complete rtutcp configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Log       LogConfig       `yaml:"log"`
}

// DeviceConfig describes the Modbus/TCP device the adapter talks to.
type DeviceConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	UnitID        int    `yaml:"unitId"`
	TimeoutMs     int    `yaml:"timeoutMs"`
	DialTimeoutMs int    `yaml:"dialTimeoutMs"`
	KeepAliveSec  int    `yaml:"keepAliveSec"` // negative disables keep-alive
}

// Timeout is the response timeout.
func (d DeviceConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// DialTimeout is the connect timeout.
func (d DeviceConfig) DialTimeout() time.Duration {
	return time.Duration(d.DialTimeoutMs) * time.Millisecond
}

// KeepAlive is the TCP keep-alive period.
func (d DeviceConfig) KeepAlive() time.Duration {
	return time.Duration(d.KeepAliveSec) * time.Second
}

// SimulatorConfig describes the simulated slave device.
type SimulatorConfig struct {
	Listen     string `yaml:"listen"`
	UnitID     int    `yaml:"unitId"`
	Size       int    `yaml:"size"` // addresses per table
	TimeoutSec int    `yaml:"timeoutSec"`
}

// Timeout is the idle and request timeout of the simulator.
func (s SimulatorConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// LogConfig describes logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console or json
	File       string `yaml:"file"`   // empty logs to stderr
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Load builds the configuration. If path is empty, the file named by
// RTUTCP_CONFIG is used, if any.
func Load(path string) (*Config, error) {
	cfg := getDefaultConfig()
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// getDefaultConfig returns the default configuration.
func getDefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Host:          "127.0.0.1",
			Port:          502,
			UnitID:        1,
			TimeoutMs:     1000,
			DialTimeoutMs: 5000,
			KeepAliveSec:  30,
		},
		Simulator: SimulatorConfig{
			Listen:     "127.0.0.1:5020",
			UnitID:     1,
			Size:       1024,
			TimeoutSec: 75,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// loadFromFile overlays the YAML file onto cfg. Unknown keys are an error.
func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// envInt reads an integer environment variable into dst if it is set.
func envInt(name string, dst *int) error {
	s := os.Getenv(name)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("environment variable %s: %w", name, err)
	}
	*dst = v
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) error {
	if host := os.Getenv("RTUTCP_HOST"); host != "" {
		cfg.Device.Host = host
	}
	if listen := os.Getenv("RTUTCP_LISTEN"); listen != "" {
		cfg.Simulator.Listen = listen
	}
	if level := os.Getenv("RTUTCP_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if file := os.Getenv("RTUTCP_LOG_FILE"); file != "" {
		cfg.Log.File = file
	}
	for name, dst := range map[string]*int{
		"RTUTCP_PORT":       &cfg.Device.Port,
		"RTUTCP_UNIT":       &cfg.Device.UnitID,
		"RTUTCP_TIMEOUT_MS": &cfg.Device.TimeoutMs,
	} {
		if err := envInt(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// validateConfig validates the configuration.
func validateConfig(cfg *Config) error {
	if cfg.Device.Host == "" {
		return fmt.Errorf("device host must not be empty")
	}
	if cfg.Device.Port <= 0 || cfg.Device.Port > 65535 {
		return fmt.Errorf("device port %d is outside range [1, 65535]", cfg.Device.Port)
	}
	if cfg.Device.UnitID < 0 || cfg.Device.UnitID > 255 {
		return fmt.Errorf("device unit id %d is outside range [0, 255]", cfg.Device.UnitID)
	}
	if cfg.Device.TimeoutMs <= 0 {
		return fmt.Errorf("device timeout must be positive, got %d ms", cfg.Device.TimeoutMs)
	}
	if cfg.Device.DialTimeoutMs <= 0 {
		return fmt.Errorf("dial timeout must be positive, got %d ms", cfg.Device.DialTimeoutMs)
	}
	if cfg.Device.KeepAliveSec == 0 {
		return fmt.Errorf("keep-alive must be positive or negative to disable, got 0")
	}
	if cfg.Simulator.Listen == "" {
		return fmt.Errorf("simulator listen address must not be empty")
	}
	if cfg.Simulator.UnitID < 0 || cfg.Simulator.UnitID > 255 {
		return fmt.Errorf("simulator unit id %d is outside range [0, 255]", cfg.Simulator.UnitID)
	}
	if cfg.Simulator.Size <= 0 || cfg.Simulator.Size > 1<<16 {
		return fmt.Errorf("simulator size %d is outside range [1, 65536]", cfg.Simulator.Size)
	}
	if cfg.Simulator.TimeoutSec <= 0 {
		return fmt.Errorf("simulator timeout must be positive, got %d s", cfg.Simulator.TimeoutSec)
	}
	validFormats := []string{"console", "json"}
	if !contains(validFormats, cfg.Log.Format) {
		return fmt.Errorf("invalid log format %s, must be one of: %v", cfg.Log.Format, validFormats)
	}
	return nil
}

// contains checks if a string slice contains a specific string.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
