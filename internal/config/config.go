// Package config manages application-level configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/shini4i/bandwhich-bridge/internal/fileutil"
	"github.com/shini4i/bandwhich-bridge/internal/history"
)

const (
	// AppName is the application identifier used for XDG paths.
	AppName = "bandwhich-bridge"
	// ConfigFileName is the name of the main configuration file.
	ConfigFileName = "config.yaml"
	// HistoryFileName is the name of the program history checkpoint.
	HistoryFileName = "history.json"

	// Host is the loopback address the control plane binds to.
	Host = "127.0.0.1"
	// DefaultPort is the control plane port when $PORT is unset.
	DefaultPort = 8421
)

// ErrInvalidConfig is returned when the configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration.
type Config struct {
	Port            int           `yaml:"port"`
	BandwhichPath   string        `yaml:"bandwhich_path"`
	LimiterPath     string        `yaml:"limiter_path"`
	Wrapper         string        `yaml:"wrapper"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	HistorySchedule string        `yaml:"history_schedule"`
	HistoryFile     string        `yaml:"history_file,omitempty"`
	LogLevel        string        `yaml:"log_level"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            DefaultPort,
		BandwhichPath:   "bandwhich",
		LimiterPath:     "netlimit",
		Wrapper:         "pkexec",
		ShutdownGrace:   2 * time.Second,
		HistorySchedule: history.DefaultSchedule,
		LogLevel:        "info",
	}
}

// Paths holds the resolved configuration and state locations.
type Paths struct {
	ConfigDir   string
	ConfigFile  string
	StateDir    string
	HistoryFile string
}

// GetPaths returns the paths following the XDG Base Directory spec.
func GetPaths() (*Paths, error) {
	configHome, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return nil, err
	}
	stateHome, err := xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
	if err != nil {
		return nil, err
	}

	configDir := filepath.Join(configHome, AppName)
	stateDir := filepath.Join(stateHome, AppName)
	return &Paths{
		ConfigDir:   configDir,
		ConfigFile:  filepath.Join(configDir, ConfigFileName),
		StateDir:    stateDir,
		HistoryFile: filepath.Join(stateDir, HistoryFileName),
	}, nil
}

func xdgDir(env, fallback string) (string, error) {
	if dir := os.Getenv(env); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, fallback), nil
}

// EnsurePaths creates the configuration and state directories.
func (p *Paths) EnsurePaths() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.MkdirAll(p.StateDir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return nil
}

// Load reads the configuration from disk. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to disk atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := fileutil.AtomicWrite(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides file settings with $BANDWHICH (or $BANDWHICH_EXE),
// $NETLIMIT and $PORT.
func (c *Config) ApplyEnv() error {
	if exe := os.Getenv("BANDWHICH"); exe != "" {
		c.BandwhichPath = exe
	} else if exe := os.Getenv("BANDWHICH_EXE"); exe != "" {
		c.BandwhichPath = exe
	}
	if exe := os.Getenv("NETLIMIT"); exe != "" {
		c.LimiterPath = exe
	}
	if raw := strings.TrimSpace(os.Getenv("PORT")); raw != "" {
		port, err := cast.ToIntE(raw)
		if err != nil {
			return fmt.Errorf("%w: PORT %q is not a number", ErrInvalidConfig, raw)
		}
		c.Port = port
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	// The binaries are resolved at spawn time, so only emptiness is checked.
	if c.BandwhichPath == "" {
		return fmt.Errorf("%w: bandwhich path must not be empty", ErrInvalidConfig)
	}
	if c.LimiterPath == "" {
		return fmt.Errorf("%w: limiter path must not be empty", ErrInvalidConfig)
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("%w: shutdown grace must be non-negative", ErrInvalidConfig)
	}
	if c.HistorySchedule != "" {
		if _, err := cron.Parse(c.HistorySchedule); err != nil {
			return fmt.Errorf("%w: history schedule %q: %v", ErrInvalidConfig, c.HistorySchedule, err)
		}
	}
	switch c.LogLevel {
	case "", "info", "debug":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.LogLevel)
	}
	return nil
}

// Addr returns the listen address of the control plane.
func (c *Config) Addr() string {
	return net.JoinHostPort(Host, strconv.Itoa(c.Port))
}

// URL returns the base URL clients use to reach the control plane.
func (c *Config) URL() string {
	return "http://" + c.Addr()
}
