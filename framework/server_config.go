package framework

import (
	"errors"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultMaxRestarts         = 3
	DefaultStartTimeout        = 60 * time.Second
)

// ServerIDEnv is injected into every launched tool process.
const ServerIDEnv = "MCP_SERVER_ID"

// ServerConfig describes how to launch one tool process.
type ServerConfig struct {
	// Name is the logical tool name; at most one live process exists per name.
	Name string `json:"name" yaml:"name" toml:"name"`
	// Tool selects the output classifier (k6, lighthouse, playwright).
	Tool    string            `json:"tool,omitempty" yaml:"tool,omitempty" toml:"tool,omitempty"`
	Command string            `json:"command" yaml:"command" toml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty" toml:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`

	HealthCheckInterval time.Duration `json:"health_check_interval,omitempty" yaml:"health_check_interval,omitempty" toml:"health_check_interval,omitempty"`
	MaxRestarts         *int          `json:"max_restarts,omitempty" yaml:"max_restarts,omitempty" toml:"max_restarts,omitempty"`
	StartTimeout        time.Duration `json:"start_timeout,omitempty" yaml:"start_timeout,omitempty" toml:"start_timeout,omitempty"`
}

// Validate enforces the fields needed to spawn a process.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("server name required")
	}
	if strings.TrimSpace(c.Command) == "" {
		return errors.New("server command required")
	}
	if c.MaxRestarts != nil && *c.MaxRestarts < 0 {
		return errors.New("max restarts must not be negative")
	}
	return nil
}

// HealthInterval returns the configured interval or the default.
func (c ServerConfig) HealthInterval() time.Duration {
	if c.HealthCheckInterval > 0 {
		return c.HealthCheckInterval
	}
	return DefaultHealthCheckInterval
}

// RestartLimit returns the configured restart bound or the default. An
// explicit zero is honoured.
func (c ServerConfig) RestartLimit() int {
	if c.MaxRestarts != nil {
		return *c.MaxRestarts
	}
	return DefaultMaxRestarts
}

// SpawnTimeout returns the configured start timeout or the default.
func (c ServerConfig) SpawnTimeout() time.Duration {
	if c.StartTimeout > 0 {
		return c.StartTimeout
	}
	return DefaultStartTimeout
}

// Environ merges the inherited environment, the overlay, and the injected
// process id. Later entries win.
func (c ServerConfig) Environ(processID string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return append(env, ServerIDEnv+"="+processID)
}

// IntPtr is a small helper for optional integer fields.
func IntPtr(v int) *int {
	return &v
}
