package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "agent.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "agentrelay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--config", "/etc/agentrelay.yaml", "--listen", ":9000"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.configPath != "/etc/agentrelay.yaml" || opts.listen != ":9000" || opts.socket != "" {
		t.Errorf("opts = %+v", opts)
	}

	if _, err := parseFlags([]string{"--bogus"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, "version: 1\nlisten: 127.0.0.1:3000\nagent:\n  script: agent.py\n")

	cfg, err := loadConfig(options{configPath: path, socket: "/tmp/x.sock", listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:0" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.SocketPath() != "/tmp/x.sock" {
		t.Errorf("socket = %q", cfg.SocketPath())
	}
	if !filepath.IsAbs(cfg.Agent.Script) {
		t.Errorf("script not resolved: %q", cfg.Agent.Script)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	path := writeConfig(t, "version: 1\nlisten: nope\n")
	_, err := loadConfig(options{configPath: path})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), path) {
		t.Errorf("error %q does not name the file", err)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	if _, err := loadConfig(options{configPath: filepath.Join(t.TempDir(), "absent.yaml")}); err == nil {
		t.Error("expected error for missing config")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	path := writeConfig(t, "version: 1\nlisten: 127.0.0.1:0\nagent:\n  script: agent.py\n")
	sock := filepath.Join(t.TempDir(), "relay.sock")
	cfg, err := loadConfig(options{configPath: path, socket: sock})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() { done <- run(ctx, cfg, logger) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("control socket never appeared")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if _, err := os.Stat(sock); err == nil {
		t.Error("socket left behind after shutdown")
	}
}
