package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads and parses the config at path. Relative agent paths are resolved
// against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.FilePath = abs
	cfg.resolvePaths(filepath.Dir(abs))
	return cfg, nil
}

// Parse decodes YAML over Default() and expands ${VAR} and ${VAR:-default}
// references in string values from the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.expand(os.LookupEnv)
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Expand replaces ${VAR} and ${VAR:-default} in s using lookup.
func Expand(s string, lookup func(string) (string, bool)) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := lookup(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}

func (c *Config) expand(lookup func(string) (string, bool)) {
	for _, p := range []*string{
		&c.Listen,
		&c.Socket,
		&c.Agent.Interpreter,
		&c.Agent.Script,
		&c.Agent.Bootstrap,
		&c.Agent.ScratchDir,
	} {
		*p = Expand(*p, lookup)
	}
	for k, v := range c.Agent.Env {
		c.Agent.Env[k] = Expand(v, lookup)
	}
}

func (c *Config) resolvePaths(dir string) {
	for _, p := range []*string{&c.Agent.Script, &c.Agent.Bootstrap, &c.Agent.ScratchDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}
