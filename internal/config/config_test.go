package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtutcp.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	cfg, err := Load("")
	assert.NilError(t, err)
	assert.Equal(t, cfg.Device.Port, 502)
	assert.Equal(t, cfg.Device.UnitID, 1)
	assert.Equal(t, cfg.Device.Timeout(), time.Second)
	assert.Equal(t, cfg.Device.KeepAlive(), 30*time.Second)
	assert.Equal(t, cfg.Simulator.Size, 1024)
	assert.Equal(t, cfg.Log.Format, "console")
}

func TestFileOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
device:
  host: gateway.local
  port: 4001
  unitId: 17
log:
  level: debug
`)
	cfg, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Device.Host, "gateway.local")
	assert.Equal(t, cfg.Device.Port, 4001)
	assert.Equal(t, cfg.Device.UnitID, 17)
	assert.Equal(t, cfg.Log.Level, "debug")
	// untouched keys keep their defaults
	assert.Equal(t, cfg.Device.TimeoutMs, 1000)
	assert.Equal(t, cfg.Simulator.Listen, "127.0.0.1:5020")
}

func TestConfigFileFromEnvironment(t *testing.T) {
	t.Setenv(EnvConfigFile, writeFile(t, "device:\n  port: 1502\n"))
	cfg, err := Load("")
	assert.NilError(t, err)
	assert.Equal(t, cfg.Device.Port, 1502)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "device:\n  host: from-file\n  port: 4001\n")
	t.Setenv("RTUTCP_HOST", "from-env")
	t.Setenv("RTUTCP_PORT", "5020")
	t.Setenv("RTUTCP_LOG_LEVEL", "warn")
	cfg, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Device.Host, "from-env")
	assert.Equal(t, cfg.Device.Port, 5020)
	assert.Equal(t, cfg.Log.Level, "warn")
}

func TestBadEnvironmentValue(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("RTUTCP_UNIT", "seventeen")
	_, err := Load("")
	assert.ErrorContains(t, err, "RTUTCP_UNIT")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "load config")

	_, err = Load(writeFile(t, "device:\n  hots: typo\n"))
	assert.ErrorContains(t, err, "hots")
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Device.Port = 70000 }, "device port"},
		{"unit", func(c *Config) { c.Device.UnitID = 256 }, "unit id"},
		{"timeout", func(c *Config) { c.Device.TimeoutMs = 0 }, "device timeout"},
		{"keep-alive", func(c *Config) { c.Device.KeepAliveSec = 0 }, "keep-alive"},
		{"size", func(c *Config) { c.Simulator.Size = 0 }, "simulator size"},
		{"format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := getDefaultConfig()
			tc.mutate(cfg)
			assert.ErrorContains(t, validateConfig(cfg), tc.want)
		})
	}
	assert.NilError(t, validateConfig(getDefaultConfig()))
}

func TestNewLoggerConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := NewLogger(LogConfig{Level: "info", Format: "console"}, &buf)
	assert.NilError(t, err)
	defer closer.Close()
	logger.Debug().Msg("hidden")
	logger.Info().Str("port", "p1").Msg("shown")
	assert.Assert(t, !strings.Contains(buf.String(), "hidden"))
	assert.Assert(t, strings.Contains(buf.String(), "shown"))
	assert.Assert(t, strings.Contains(buf.String(), "port="))
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtutcp.log")
	logger, closer, err := NewLogger(LogConfig{
		Level:     "debug",
		Format:    "json",
		File:      path,
		MaxSizeMB: 1,
	}, nil)
	assert.NilError(t, err)
	logger.Debug().Uint16("transaction", 5).Msg("frame")
	assert.NilError(t, closer.Close())

	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	var entry map[string]interface{}
	assert.NilError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, entry["message"], "frame")
	assert.Equal(t, entry["transaction"], float64(5))
}

func TestNewLoggerBadLevel(t *testing.T) {
	_, _, err := NewLogger(LogConfig{Level: "loud"}, nil)
	assert.ErrorContains(t, err, "log level")
}
