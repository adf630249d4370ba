// Package runner launches the external agent once per chat turn and relays
// its output into the session log while capturing it for extraction.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/template"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/modoterra/agentrelay/pkg/core"
)

const (
	DefaultInterpreter = "python3"
	DefaultEntrypoint  = "process_message"
	DefaultTimeout     = 60 * time.Second

	// drainGrace is how long output is still read after the agent exits
	// before leftover descendants holding the pipes are killed.
	drainGrace = time.Second
)

var (
	// ErrLaunch means the agent process could not be started.
	ErrLaunch = errors.New("failed to launch agent")
	// ErrTimeout means the agent ran past its deadline and was killed.
	ErrTimeout = errors.New("agent timed out")
)

// Config describes how to launch the agent.
type Config struct {
	Interpreter  string            // program that runs the generated script
	Script       string            // agent entry script; its directory is the working dir
	Entrypoint   string            // coroutine imported from Script's module
	Bootstrap    string            // template file replacing the embedded bootstrap
	ScratchDir   string            // where generated scripts are written
	Timeout      time.Duration     // zero selects DefaultTimeout, negative disables
	Env          map[string]string // extra environment; empty values are skipped
	BenignStderr []string          // stderr substrings that keep a non-zero exit non-fatal
}

// Result is the captured outcome of one agent invocation.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	Fatal    bool          `json:"fatal"`
}

// Runner starts agent processes. It holds no per-turn state and is safe for
// concurrent use.
type Runner struct {
	cfg    Config
	tmpl   *template.Template
	sink   core.LogSink
	logger *slog.Logger
}

// New validates cfg, loads the bootstrap template and returns a Runner that
// relays output lines to sink.
func New(cfg Config, sink core.LogSink, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = DefaultInterpreter
	}
	if cfg.Entrypoint == "" {
		cfg.Entrypoint = DefaultEntrypoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BenignStderr == nil {
		cfg.BenignStderr = DefaultBenignStderr
	}
	if cfg.Script == "" {
		return nil, fmt.Errorf("agent script is required")
	}

	tmpl, err := parseBootstrap(cfg.Bootstrap)
	if err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, tmpl: tmpl, sink: sink, logger: logger}, nil
}

// Run executes one turn for sessionID. A non-nil Result is returned whenever
// the process started, including alongside ErrTimeout.
func (r *Runner) Run(ctx context.Context, sessionID, message string) (*Result, error) {
	script, err := r.writeScript(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	defer r.removeScript(script)

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.cfg.Interpreter, script)
	cmd.Dir = r.workDir()
	cmd.Env = r.environ(sessionID, message)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole group so tool servers spawned by the agent go too.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// The pipes are handed to the child as files, so Wait returns as soon as
	// the agent exits even if a descendant still holds them open.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrLaunch, err)
	}
	defer stdoutR.Close()
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutW.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %w", ErrLaunch, err)
	}
	defer stderrR.Close()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	start := time.Now()
	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		r.emit(sessionID, core.TagError, "", fmt.Sprintf("failed to start agent: %v", err))
		return nil, fmt.Errorf("%w: start %s: %w", ErrLaunch, r.cfg.Interpreter, err)
	}
	pid := cmd.Process.Pid

	r.logger.Info("agent started", "session", sessionID, "pid", pid, "script", script)
	r.emit(sessionID, core.TagInfo, "", fmt.Sprintf("agent started (pid %d)", pid))

	var stdout, stderr strings.Builder
	var g errgroup.Group
	g.Go(func() error {
		return readLines(stdoutR, func(chunk string) {
			stdout.WriteString(chunk)
			r.emit(sessionID, core.TagStdout, "stdout", logText(chunk))
		})
	})
	g.Go(func() error {
		return readLines(stderrR, func(chunk string) {
			stderr.WriteString(chunk)
			r.emit(sessionID, core.TagStderr, "stderr", logText(chunk))
		})
	})
	readDone := make(chan error, 1)
	go func() { readDone <- g.Wait() }()

	waitErr := cmd.Wait()
	ctxErr := ctx.Err()

	var readErr error
	select {
	case readErr = <-readDone:
	case <-time.After(drainGrace):
		// The agent is gone but something it spawned still holds the pipes.
		r.logger.Warn("agent descendants kept output open, killing process group", "session", sessionID, "pid", pid)
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			r.logger.Warn("kill agent process group", "session", sessionID, "err", err)
		}
		deadline := time.Now().Add(drainGrace)
		stdoutR.SetReadDeadline(deadline)
		stderrR.SetReadDeadline(deadline)
		readErr = <-readDone
	}
	if readErr != nil && !errors.Is(readErr, os.ErrDeadlineExceeded) {
		r.logger.Warn("agent output read failed", "session", sessionID, "err", readErr)
	}

	res := &Result{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	res.Fatal = IsFatal(res.ExitCode, res.Stderr, r.cfg.BenignStderr)

	r.emit(sessionID, core.TagExit, "", fmt.Sprintf("agent process exited with code %d", res.ExitCode))
	r.logger.Info("agent exited", "session", sessionID, "exit_code", res.ExitCode, "duration", res.Duration, "fatal", res.Fatal)

	if ctxErr != nil {
		res.Fatal = true
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			r.emit(sessionID, core.TagError, "", fmt.Sprintf("agent killed after %s", r.cfg.Timeout))
			return res, fmt.Errorf("%w after %s", ErrTimeout, r.cfg.Timeout)
		}
		return res, ctxErr
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("wait for agent: %w", waitErr)
	}
	return res, nil
}

// BenignStderr returns the active stderr whitelist.
func (r *Runner) BenignStderr() []string {
	return append([]string(nil), r.cfg.BenignStderr...)
}

func (r *Runner) workDir() string {
	return filepath.Dir(r.cfg.Script)
}

// environ builds the child environment: the relay's own environment, the
// configured credential passthrough, then the turn payload.
func (r *Runner) environ(sessionID, message string) []string {
	env := os.Environ()

	keys := make([]string, 0, len(r.cfg.Env))
	for k := range r.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := r.cfg.Env[k]; v != "" {
			env = append(env, k+"="+v)
		}
	}

	return append(env,
		"AGENT_MESSAGE="+message,
		"AGENT_SESSION_ID="+sessionID,
	)
}

func (r *Runner) emit(sessionID string, tag core.Tag, stream, line string) {
	if r.sink == nil {
		return
	}
	r.sink.Append(sessionID, core.NewLogLine(sessionID, tag, stream, line))
}
