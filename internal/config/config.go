// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package config loads the user configuration for transcend clients and
// services from a TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables consulted by Load.
const (
	EnvConfig   = "TRANSCEND_CONFIG"
	EnvRegistry = "TRANSCEND_REGISTRY"
	EnvThreads  = "TRANSCEND_THREADS"
)

// Duration is a time.Duration that decodes from a string like "250ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// Config is the user configuration.
type Config struct {
	// RegistryPath is the registry file location. Empty means the default
	// location in the home directory.
	RegistryPath string `toml:"registry_path"`

	// Host is the address owning processes bind to.
	Host string `toml:"host"`

	// ServerThreads bounds concurrent dispatch in an owning process.
	ServerThreads int `toml:"server_threads"`

	CallTimeout   Duration `toml:"call_timeout"`
	DialTimeout   Duration `toml:"dial_timeout"`
	ReadyInterval Duration `toml:"ready_interval"`
	ReadyAttempts int      `toml:"ready_attempts"`
	KillGrace     Duration `toml:"kill_grace"`

	// IdleTimeout, if positive, makes an owning process exit after it has had
	// no registered proxies for this long. Zero means stay up until closed.
	IdleTimeout Duration `toml:"idle_timeout"`
}

// Default returns the built-in default configuration.
func Default() Config {
	return Config{
		Host:          "localhost",
		ServerThreads: 1,
		CallTimeout:   Duration(30 * time.Second),
		DialTimeout:   Duration(5 * time.Second),
		ReadyInterval: Duration(100 * time.Millisecond),
		ReadyAttempts: 100,
		KillGrace:     Duration(2 * time.Second),
	}
}

// DefaultPath returns the location of the config file consulted by Load when
// TRANSCEND_CONFIG is not set.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "transcend", "config.toml")
}

// Load returns the default configuration updated by the config file, if one
// exists, and then by environment overrides. A file named by TRANSCEND_CONFIG
// must exist; the default file is optional.
func Load() (Config, error) {
	cfg := Default()

	path, required := os.Getenv(EnvConfig), true
	if path == "" {
		path, required = DefaultPath(), false
	}
	if path != "" {
		err := LoadFile(path, &cfg)
		if err != nil && (required || !errors.Is(err, os.ErrNotExist)) {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadFile decodes the TOML file at path into cfg. Keys missing from the file
// leave the corresponding fields of cfg unchanged.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if un := md.Undecoded(); len(un) != 0 {
		return fmt.Errorf("config %s: unknown keys %v", path, un)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvRegistry)); v != "" {
		c.RegistryPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvThreads)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvThreads, err)
		}
		c.ServerThreads = n
	}
	return nil
}

// Validate reports an error if c has out-of-range settings.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Host) == "":
		return errors.New("config missing host")
	case c.ServerThreads < 1:
		return fmt.Errorf("server_threads must be positive, got %d", c.ServerThreads)
	case c.ReadyAttempts < 1:
		return fmt.Errorf("ready_attempts must be positive, got %d", c.ReadyAttempts)
	case c.ReadyInterval <= 0:
		return errors.New("ready_interval must be positive")
	case c.CallTimeout < 0 || c.DialTimeout < 0 || c.KillGrace < 0 || c.IdleTimeout < 0:
		return errors.New("durations must not be negative")
	}
	return nil
}
