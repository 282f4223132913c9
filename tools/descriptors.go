package tools

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
)

// Descriptor captures how to launch one engine's server, externally or via
// the local tool host.
type Descriptor struct {
	Kind string
	// ServerDir is the external server's directory under <base>/mcp.
	ServerDir string
	Script    string
	// Interpreter returns the external command for the script.
	Interpreter func(getenv func(string) string) string
	// Env builds the engine overlay (binary paths).
	Env func(getenv func(string) string) map[string]string
}

var descriptorMap = map[string]Descriptor{}

func init() {
	addDescriptor([]string{KindLoad, "load"}, Descriptor{
		Kind:        KindLoad,
		ServerDir:   "k6-mcp-server",
		Script:      "k6_server.py",
		Interpreter: pythonCommand,
		Env: func(getenv func(string) string) map[string]string {
			return map[string]string{
				"K6_BIN":      valueOr(getenv("K6_BIN"), "k6"),
				"PYTHON_PATH": pythonCommand(getenv),
			}
		},
	})
	addDescriptor([]string{KindAudit, "audit"}, Descriptor{
		Kind:        KindAudit,
		ServerDir:   "lighthouse-mcp-server",
		Script:      "lighthouse_server.js",
		Interpreter: nodeCommand,
		Env: func(getenv func(string) string) map[string]string {
			return map[string]string{"LIGHTHOUSE_BIN": valueOr(getenv("LIGHTHOUSE_BIN"), "npx lighthouse")}
		},
	})
	addDescriptor([]string{KindBrowser, "browser", "e2e"}, Descriptor{
		Kind:        KindBrowser,
		ServerDir:   "playwright-mcp-server",
		Script:      "playwright_server.js",
		Interpreter: nodeCommand,
		Env: func(getenv func(string) string) map[string]string {
			return map[string]string{"PLAYWRIGHT_BIN": valueOr(getenv("PLAYWRIGHT_BIN"), "npx playwright")}
		},
	})
}

func addDescriptor(keys []string, desc Descriptor) {
	for _, key := range keys {
		descriptorMap[strings.ToLower(key)] = desc
	}
}

// LookupDescriptor finds the descriptor for a kind or alias.
func LookupDescriptor(kind string) (Descriptor, bool) {
	desc, ok := descriptorMap[strings.ToLower(kind)]
	return desc, ok
}

// SupportedKeys lists known kinds and aliases.
func SupportedKeys() []string {
	keys := make([]string, 0, len(descriptorMap))
	for key := range descriptorMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func pythonCommand(getenv func(string) string) string {
	if p := getenv("PYTHON_PATH"); p != "" {
		return p
	}
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

func nodeCommand(func(string) string) string {
	return "node"
}

func valueOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// Selector applies the external-first, local-fallback policy.
type Selector struct {
	// BaseDir holds the mcp/<engine>-mcp-server directories. Defaults to the
	// working directory.
	BaseDir string
	// Executable is re-executed as "<exe> toolhost <kind>" in local mode.
	// Defaults to os.Executable.
	Executable string
	// Overrides replace the external configuration per kind.
	Overrides map[string]framework.ServerConfig
	// ForceLocal skips the external availability check.
	ForceLocal bool

	LookPath func(string) (string, error)
	Getenv   func(string) string
}

func (s Selector) withDefaults() Selector {
	if s.LookPath == nil {
		s.LookPath = exec.LookPath
	}
	if s.Getenv == nil {
		s.Getenv = os.Getenv
	}
	if s.BaseDir == "" {
		if wd, err := os.Getwd(); err == nil {
			s.BaseDir = wd
		}
	}
	return s
}

// External returns the external server configuration for a descriptor.
func (s Selector) External(desc Descriptor) framework.ServerConfig {
	s = s.withDefaults()
	if override, ok := s.Overrides[desc.Kind]; ok && override.Command != "" {
		if override.Name == "" {
			override.Name = "external-" + desc.Kind
		}
		if override.Tool == "" {
			override.Tool = desc.Kind
		}
		return override
	}
	return framework.ServerConfig{
		Name:    "external-" + desc.Kind,
		Tool:    desc.Kind,
		Command: desc.Interpreter(s.Getenv),
		Args:    []string{desc.Script},
		Dir:     filepath.Join(s.BaseDir, "mcp", desc.ServerDir),
		Env:     desc.Env(s.Getenv),
	}
}

// Local returns the tool-host configuration for a descriptor.
func (s Selector) Local(desc Descriptor) (framework.ServerConfig, error) {
	s = s.withDefaults()
	exe := s.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return framework.ServerConfig{}, fmt.Errorf("locate tool host executable: %w", err)
		}
	}
	return framework.ServerConfig{
		Name:    "local-" + desc.Kind,
		Tool:    desc.Kind,
		Command: exe,
		Args:    []string{"toolhost", desc.Kind},
		Dir:     s.BaseDir,
		Env:     desc.Env(s.Getenv),
	}, nil
}

// Available reports whether an external configuration can be launched:
// the command resolves and the working directory and script exist.
func (s Selector) Available(cfg framework.ServerConfig) bool {
	s = s.withDefaults()
	if _, err := s.LookPath(cfg.Command); err != nil {
		return false
	}
	if cfg.Dir != "" {
		if info, err := os.Stat(cfg.Dir); err != nil || !info.IsDir() {
			return false
		}
	}
	if len(cfg.Args) > 0 && looksLikeScript(cfg.Args[0]) {
		script := cfg.Args[0]
		if !filepath.IsAbs(script) {
			script = filepath.Join(cfg.Dir, script)
		}
		if _, err := os.Stat(script); err != nil {
			return false
		}
	}
	return true
}

func looksLikeScript(arg string) bool {
	switch strings.ToLower(filepath.Ext(arg)) {
	case ".py", ".js", ".mjs", ".cjs", ".ts":
		return true
	}
	return false
}

// Select resolves the configuration and mode for kind.
func (s Selector) Select(kind string) (framework.ServerConfig, Mode, error) {
	desc, ok := LookupDescriptor(kind)
	if !ok {
		return framework.ServerConfig{}, "", fmt.Errorf("unsupported tool kind %q", kind)
	}
	if !s.ForceLocal {
		external := s.External(desc)
		if s.Available(external) {
			return s.tune(desc.Kind, external), ModeExternal, nil
		}
	}
	local, err := s.Local(desc)
	if err != nil {
		return framework.ServerConfig{}, "", err
	}
	return s.tune(desc.Kind, local), ModeLocal, nil
}

// tune applies an override's supervision limits and environment to cfg
// whichever mode was selected.
func (s Selector) tune(kind string, cfg framework.ServerConfig) framework.ServerConfig {
	override, ok := s.Overrides[kind]
	if !ok {
		return cfg
	}
	if override.MaxRestarts != nil {
		cfg.MaxRestarts = override.MaxRestarts
	}
	if override.HealthCheckInterval > 0 {
		cfg.HealthCheckInterval = override.HealthCheckInterval
	}
	if override.StartTimeout > 0 {
		cfg.StartTimeout = override.StartTimeout
	}
	if len(override.Env) > 0 {
		env := make(map[string]string, len(cfg.Env)+len(override.Env))
		for k, v := range cfg.Env {
			env[k] = v
		}
		for k, v := range override.Env {
			env[k] = v
		}
		cfg.Env = env
	}
	return cfg
}
