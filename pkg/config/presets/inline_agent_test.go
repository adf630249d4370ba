package presets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/modoterra/agentrelay/pkg/config"
	"github.com/modoterra/agentrelay/pkg/runner"
)

func TestGenerateInlineAgent_MinimalProject(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.py"), []byte("async def process_message(message, session_id): ...\n"), 0644)

	cfg, err := GenerateInlineAgent(dir)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if cfg.Agent.Script != filepath.Join(dir, "main.py") {
		t.Errorf("script: got %q", cfg.Agent.Script)
	}
	if cfg.Agent.Interpreter != runner.DefaultInterpreter {
		t.Errorf("interpreter: got %q", cfg.Agent.Interpreter)
	}
	for _, key := range []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_REGION", "PERPLEXITY_API_KEY"} {
		if _, ok := cfg.Agent.Env[key]; !ok {
			t.Errorf("missing env passthrough: %s", key)
		}
	}

	if errs := config.Validate(cfg); len(errs) != 0 {
		t.Errorf("validation errors: %v", errs)
	}
}

func TestGenerateInlineAgent_Virtualenv(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.py"), []byte(""), 0644)
	os.MkdirAll(filepath.Join(dir, ".venv", "bin"), 0755)
	py := filepath.Join(dir, ".venv", "bin", "python3")
	os.WriteFile(py, []byte("#!/bin/sh\n"), 0755)

	cfg, err := GenerateInlineAgent(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Interpreter != py {
		t.Errorf("interpreter: got %q, want %q", cfg.Agent.Interpreter, py)
	}
}

func TestGenerateInlineAgent_NotAgent(t *testing.T) {
	dir := t.TempDir()
	if _, err := GenerateInlineAgent(dir); err == nil {
		t.Error("expected error for directory without main.py")
	}
}

func TestGenerateInlineAgent_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.py"), []byte(""), 0644)
	t.Setenv("AWS_REGION", "")
	t.Setenv("PERPLEXITY_API_KEY", "pplx-test")

	cfg, err := GenerateInlineAgent(dir)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, config.DefaultFile)
	if err := config.Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := loaded.Agent.Env["AWS_REGION"]; got != "us-east-1" {
		t.Errorf("AWS_REGION: got %q, want default", got)
	}
	if got := loaded.Agent.Env["PERPLEXITY_API_KEY"]; got != "pplx-test" {
		t.Errorf("PERPLEXITY_API_KEY: got %q", got)
	}
}
