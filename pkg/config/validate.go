package config

import (
	"fmt"
	"net"
	"regexp"
)

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedEnv is set by the runner for every turn.
var reservedEnv = map[string]bool{
	"AGENT_MESSAGE":    true,
	"AGENT_SESSION_ID": true,
}

// Validate checks the config for structural correctness.
func Validate(c *Config) []error {
	var errs []error

	if c.Version != 1 {
		errs = append(errs, fmt.Errorf("version must be 1, got %d", c.Version))
	}

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	} else if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}

	// Agent
	if c.Agent.Script == "" {
		errs = append(errs, fmt.Errorf("agent.script is required"))
	}
	if c.Agent.Interpreter == "" {
		errs = append(errs, fmt.Errorf("agent.interpreter is required"))
	}
	if c.Agent.Timeout < 0 {
		errs = append(errs, fmt.Errorf("agent.timeout must not be negative, got %s", c.Agent.Timeout))
	}
	for k := range c.Agent.Env {
		switch {
		case !envName.MatchString(k):
			errs = append(errs, fmt.Errorf("agent.env: invalid variable name %q", k))
		case reservedEnv[k]:
			errs = append(errs, fmt.Errorf("agent.env: %s is set by the relay", k))
		}
	}
	for i, b := range c.Agent.BenignStderr {
		if b == "" {
			errs = append(errs, fmt.Errorf("agent.benign_stderr[%d] is empty", i))
		}
	}

	if c.Logs.Capacity < 0 {
		errs = append(errs, fmt.Errorf("logs.capacity must not be negative, got %d", c.Logs.Capacity))
	}

	if c.Sessions.TTL < 0 {
		errs = append(errs, fmt.Errorf("sessions.ttl must not be negative, got %s", c.Sessions.TTL))
	}
	if c.Sessions.TTL > 0 && c.Sessions.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sessions.sweep_interval must be positive when ttl is set"))
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn, or error; got %q", c.LogLevel))
	}

	return errs
}
