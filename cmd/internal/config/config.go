// Package config loads the webtestd workspace configuration from YAML or
// TOML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/tools"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreFile   = "file"
)

const (
	DefaultAddr           = "127.0.0.1:3101"
	DefaultCommandTimeout = 5 * time.Minute
)

// stateDir holds runtime state under the workspace.
const stateDir = ".webtestd"

// candidateNames are tried in order by Find.
var candidateNames = []string{"webtestd.yaml", "webtestd.yml", "webtestd.toml"}

// Config models the persisted workspace settings.
type Config struct {
	// Workspace is the directory relative paths resolve against. It is not
	// read from the file.
	Workspace string `yaml:"-" toml:"-"`

	Addr        string `yaml:"addr,omitempty" toml:"addr,omitempty"`
	StoreDriver string `yaml:"store_driver,omitempty" toml:"store_driver,omitempty"`
	StorePath   string `yaml:"store_path,omitempty" toml:"store_path,omitempty"`
	EventLog    string `yaml:"event_log,omitempty" toml:"event_log,omitempty"`
	// BaseDir holds the mcp/<engine>-mcp-server directories.
	BaseDir    string `yaml:"base_dir,omitempty" toml:"base_dir,omitempty"`
	ForceLocal bool   `yaml:"force_local,omitempty" toml:"force_local,omitempty"`

	CommandTimeout     time.Duration `yaml:"command_timeout,omitempty" toml:"command_timeout,omitempty"`
	HealthThreshold    time.Duration `yaml:"health_threshold,omitempty" toml:"health_threshold,omitempty"`
	GracePeriod        time.Duration `yaml:"grace_period,omitempty" toml:"grace_period,omitempty"`
	MemoryPerProcessMB int           `yaml:"memory_per_process_mb,omitempty" toml:"memory_per_process_mb,omitempty"`

	// Tools overrides the launch configuration per engine, keyed by kind or
	// alias.
	Tools map[string]framework.ServerConfig `yaml:"tools,omitempty" toml:"tools,omitempty"`
}

// ConfigDir resolves the directory holding runtime state.
func ConfigDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir)
}

// Default returns the settings used when no file exists.
func Default(workspace string) *Config {
	if workspace == "" {
		workspace = "."
	}
	return &Config{
		Workspace:      workspace,
		Addr:           DefaultAddr,
		StoreDriver:    StoreSQLite,
		StorePath:      filepath.Join(stateDir, "results.db"),
		BaseDir:        ".",
		CommandTimeout: DefaultCommandTimeout,
	}
}

// Find returns the first config file present in workspace, or "".
func Find(workspace string) string {
	for _, name := range candidateNames {
		path := filepath.Join(workspace, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// Load reads path, choosing the decoder by extension. An empty path or a
// missing file yields the defaults for workspace.
func Load(workspace, path string) (*Config, error) {
	cfg := Default(workspace)
	if path == "" {
		return cfg, cfg.normalize()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.normalize()
	}
	if err != nil {
		return nil, err
	}
	var file Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".toml":
		_, err = toml.Decode(string(data), &file)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.merge(file)
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// merge overlays every field set in file.
func (c *Config) merge(file Config) {
	if file.Addr != "" {
		c.Addr = file.Addr
	}
	if file.StoreDriver != "" {
		c.StoreDriver = file.StoreDriver
		if file.StorePath == "" && file.StoreDriver == StoreFile {
			c.StorePath = filepath.Join(stateDir, "results")
		}
	}
	if file.StorePath != "" {
		c.StorePath = file.StorePath
	}
	if file.EventLog != "" {
		c.EventLog = file.EventLog
	}
	if file.BaseDir != "" {
		c.BaseDir = file.BaseDir
	}
	c.ForceLocal = c.ForceLocal || file.ForceLocal
	if file.CommandTimeout > 0 {
		c.CommandTimeout = file.CommandTimeout
	}
	if file.HealthThreshold > 0 {
		c.HealthThreshold = file.HealthThreshold
	}
	if file.GracePeriod > 0 {
		c.GracePeriod = file.GracePeriod
	}
	if file.MemoryPerProcessMB > 0 {
		c.MemoryPerProcessMB = file.MemoryPerProcessMB
	}
	if len(file.Tools) > 0 {
		c.Tools = file.Tools
	}
}

// normalize resolves relative paths and canonicalizes tool keys.
func (c *Config) normalize() error {
	switch c.StoreDriver {
	case StoreSQLite, StoreFile:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	c.StorePath = c.resolve(c.StorePath)
	c.EventLog = c.resolve(c.EventLog)
	c.BaseDir = c.resolve(c.BaseDir)
	if len(c.Tools) == 0 {
		return nil
	}
	byKind := make(map[string]framework.ServerConfig, len(c.Tools))
	for key, override := range c.Tools {
		kind, err := canonicalKind(key)
		if err != nil {
			return err
		}
		if override.Dir != "" {
			override.Dir = c.resolve(override.Dir)
		}
		if override.MaxRestarts != nil && *override.MaxRestarts < 0 {
			return fmt.Errorf("tools.%s: max_restarts must not be negative", key)
		}
		byKind[kind] = override
	}
	c.Tools = byKind
	return nil
}

func canonicalKind(key string) (string, error) {
	desc, ok := tools.LookupDescriptor(key)
	if !ok {
		return "", fmt.Errorf("unknown tool %q (supported: %s)", key, strings.Join(tools.SupportedKeys(), ", "))
	}
	return desc.Kind, nil
}

func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Workspace, path)
}

// LockFile is the path of the per-workspace supervisor lock.
func (c *Config) LockFile() string {
	return filepath.Join(ConfigDir(c.Workspace), "webtestd.lock")
}

// Selector builds the tool selection policy from the settings.
func (c *Config) Selector() tools.Selector {
	return tools.Selector{
		BaseDir:    c.BaseDir,
		Overrides:  c.Tools,
		ForceLocal: c.ForceLocal,
	}
}

// Encode writes the settings as YAML or TOML.
func (c *Config) Encode(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(c)
	default:
		return fmt.Errorf("unsupported config format %q", format)
	}
}
