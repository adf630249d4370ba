// Package config loads and validates agentrelay.yaml.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/modoterra/agentrelay/pkg/logstore"
	"github.com/modoterra/agentrelay/pkg/runner"
)

// DefaultFile is the config file name looked up in the working directory.
const DefaultFile = "agentrelay.yaml"

// Config represents an agentrelay.yaml file.
type Config struct {
	Version  int      `yaml:"version"             json:"version"`
	Listen   string   `yaml:"listen"              json:"listen"`
	Socket   string   `yaml:"socket,omitempty"    json:"socket,omitempty"`
	Agent    Agent    `yaml:"agent"               json:"agent"`
	Logs     Logs     `yaml:"logs"                json:"logs"`
	Sessions Sessions `yaml:"sessions"            json:"sessions"`
	LogLevel string   `yaml:"log_level,omitempty" json:"log_level,omitempty"` // debug|info|warn|error

	// FilePath is where the config was loaded from; not serialized.
	FilePath string `yaml:"-" json:"-"`
}

// Agent describes the external process run for every chat turn.
type Agent struct {
	Interpreter  string            `yaml:"interpreter"             json:"interpreter"`
	Script       string            `yaml:"script"                  json:"script"`
	Entrypoint   string            `yaml:"entrypoint,omitempty"    json:"entrypoint,omitempty"`
	Bootstrap    string            `yaml:"bootstrap,omitempty"     json:"bootstrap,omitempty"`
	ScratchDir   string            `yaml:"scratch_dir,omitempty"   json:"scratch_dir,omitempty"`
	Timeout      time.Duration     `yaml:"timeout"                 json:"timeout"`
	Env          map[string]string `yaml:"env,omitempty"           json:"env,omitempty"`
	BenignStderr []string          `yaml:"benign_stderr,omitempty" json:"benign_stderr,omitempty"`
}

// Logs configures the per-session log buffers.
type Logs struct {
	Capacity int `yaml:"capacity" json:"capacity"`
}

// Sessions configures idle session expiry. A zero TTL keeps sessions for the
// life of the process.
type Sessions struct {
	TTL           time.Duration `yaml:"ttl"            json:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// Default returns a config with every optional field filled in.
func Default() *Config {
	return &Config{
		Version: 1,
		Listen:  "127.0.0.1:3000",
		Agent: Agent{
			Interpreter:  runner.DefaultInterpreter,
			Entrypoint:   runner.DefaultEntrypoint,
			Timeout:      runner.DefaultTimeout,
			BenignStderr: append([]string(nil), runner.DefaultBenignStderr...),
		},
		Logs:     Logs{Capacity: logstore.DefaultCapacity},
		Sessions: Sessions{SweepInterval: time.Minute},
		LogLevel: "info",
	}
}

// RunnerConfig maps the agent section onto the runner's options.
func (c *Config) RunnerConfig() runner.Config {
	return runner.Config{
		Interpreter:  c.Agent.Interpreter,
		Script:       c.Agent.Script,
		Entrypoint:   c.Agent.Entrypoint,
		Bootstrap:    c.Agent.Bootstrap,
		ScratchDir:   c.Agent.ScratchDir,
		Timeout:      c.Agent.Timeout,
		Env:          c.Agent.Env,
		BenignStderr: c.Agent.BenignStderr,
	}
}

// SlogLevel parses LogLevel, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultSocketPath is $XDG_RUNTIME_DIR/agentrelay.sock, falling back to the
// system temp directory.
func DefaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "agentrelay.sock")
}

// SocketPath returns the configured control socket or the default.
func (c *Config) SocketPath() string {
	if c.Socket != "" {
		return c.Socket
	}
	return DefaultSocketPath()
}
