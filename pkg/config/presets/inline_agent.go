// Package presets generates starter configs for known agent layouts.
package presets

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/modoterra/agentrelay/pkg/config"
)

// credentialEnv is the passthrough environment of a Bedrock inline agent
// with the Perplexity MCP tool.
var credentialEnv = map[string]string{
	"AWS_ACCESS_KEY_ID":     "${AWS_ACCESS_KEY_ID}",
	"AWS_SECRET_ACCESS_KEY": "${AWS_SECRET_ACCESS_KEY}",
	"AWS_REGION":            "${AWS_REGION:-us-east-1}",
	"PERPLEXITY_API_KEY":    "${PERPLEXITY_API_KEY}",
}

// GenerateInlineAgent creates a config for the agent project at root, which
// must contain a main.py exposing process_message.
func GenerateInlineAgent(root string) (*config.Config, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	script := filepath.Join(absRoot, "main.py")
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("%s does not appear to be an agent project (no main.py)", absRoot)
	}

	cfg := config.Default()
	cfg.Agent.Script = script
	cfg.Agent.Env = make(map[string]string, len(credentialEnv))
	for k, v := range credentialEnv {
		cfg.Agent.Env[k] = v
	}

	// Prefer the project's virtualenv.
	for _, venv := range []string{".venv", "venv", "env"} {
		py := filepath.Join(absRoot, venv, "bin", "python3")
		if fi, err := os.Stat(py); err == nil && !fi.IsDir() {
			cfg.Agent.Interpreter = py
			break
		}
	}

	return cfg, nil
}
