package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding the configuration file
const (
	EnvConfig   = "SHARPEN_CONFIG"
	EnvWorkers  = "SHARPEN_WORKERS"
	EnvLogLevel = "SHARPEN_LOG_LEVEL"
	EnvAddr     = "SHARPEN_ADDR"
)

// Config represents the main configuration structure
type Config struct {
	BinaryExtension string        `yaml:"binaryExtension"`
	Workers         int           `yaml:"workers"`
	LineTimeout     time.Duration `yaml:"lineTimeout"`
	CacheSize       int           `yaml:"cacheSize"`
	KeepTokens      bool          `yaml:"keepTokens"`

	Plugin PluginConfig      `yaml:"plugin"`
	Server ServerConfig      `yaml:"server"`
	Roots  map[string]string `yaml:"roots"`
	Log    LogConfig         `yaml:"log"`
}

// PluginConfig configures the WebAssembly debug metadata plugin
type PluginConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
	// FallbackOnly consults the plugin only for binaries whose Portable PDB
	// could not be found or read
	FallbackOnly bool `yaml:"fallbackOnly"`
}

// ServerConfig configures the MCP server
type ServerConfig struct {
	Addr  string `yaml:"addr"`
	Watch bool   `yaml:"watch"`
}

// LogConfig configures the diagnostic logger
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn or error
	Format string `yaml:"format"` // console or json
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		BinaryExtension: ".dll",
		Workers:         runtime.NumCPU(),
		CacheSize:       64,
		KeepTokens:      true,
		Plugin: PluginConfig{
			Timeout:      5 * time.Second,
			FallbackOnly: true,
		},
		Server: ServerConfig{
			Addr:  ":3000",
			Watch: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads and parses the configuration file on top of the defaults. An
// empty path returns the defaults. Environment overrides are applied last.
func Load(fs afero.Fs, configPath string) (*Config, error) {
	config := Default()

	if configPath != "" {
		data, err := afero.ReadFile(fs, configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides fields from the environment
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvWorkers); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		c.Workers = n
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvAddr); ok {
		c.Server.Addr = v
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.BinaryExtension == "" || !strings.HasPrefix(c.BinaryExtension, ".") {
		return fmt.Errorf("binaryExtension %q must start with a dot", c.BinaryExtension)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cacheSize must not be negative, got %d", c.CacheSize)
	}
	if c.LineTimeout < 0 {
		return errors.New("lineTimeout must not be negative")
	}
	if c.Plugin.Timeout < 0 {
		return errors.New("plugin.timeout must not be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: invalid level %q (must be debug, info, warn, or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format: invalid format %q (must be console or json)", c.Log.Format)
	}

	for name, dir := range c.Roots {
		if dir == "" {
			return fmt.Errorf("root %q: path is required", name)
		}
	}

	return nil
}
