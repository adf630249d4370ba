// Package chat drives a single chat turn: resolve the caller's session, run
// the agent, and turn its output into a reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/modoterra/agentrelay/pkg/core"
	"github.com/modoterra/agentrelay/pkg/extract"
	"github.com/modoterra/agentrelay/pkg/runner"
	"github.com/modoterra/agentrelay/pkg/session"
)

// Runner runs the agent for one turn.
type Runner interface {
	Run(ctx context.Context, sessionID, message string) (*runner.Result, error)
}

// Service handles chat turns. It is safe for concurrent use.
type Service struct {
	runner     Runner
	sessions   *session.Registry
	logs       core.LogSink
	strategies []extract.Strategy
	logger     *slog.Logger
}

// NewService wires a chat service. logs receives the turn's decision lines
// alongside the runner's output.
func NewService(r Runner, sessions *session.Registry, logs core.LogSink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runner:     r,
		sessions:   sessions,
		logs:       logs,
		strategies: extract.Strategies(),
		logger:     logger,
	}
}

// Turn runs one chat turn. Failures are always *TurnError.
func (s *Service) Turn(ctx context.Context, req core.ChatRequest) (resp *core.ChatResponse, err error) {
	sessionID := ""
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("chat turn panicked", "session", sessionID, "panic", p, "stack", string(debug.Stack()))
			s.state(sessionID, core.StateFailed)
			resp, err = nil, internalError(fmt.Errorf("panic: %v", p))
		}
	}()

	s.state("", core.StateReceived)
	if req.Message == "" {
		s.state("", core.StateFailed)
		return nil, &TurnError{Kind: KindValidation, Status: http.StatusBadRequest, Message: "Message is required"}
	}

	sessionID, created := s.sessions.Resolve(req.UserID)
	s.state(sessionID, core.StateSessionResolved)
	if created {
		s.logger.Info("new session", "user", req.UserID, "session", sessionID)
	}

	s.state(sessionID, core.StateSubprocessRunning)
	res, err := s.runner.Run(ctx, sessionID, req.Message)
	if err != nil {
		s.state(sessionID, core.StateFailed)
		return nil, s.runError(sessionID, err)
	}
	s.state(sessionID, core.StateOutputCaptured)

	if res.Fatal {
		s.note(sessionID, core.TagError, fmt.Sprintf("Error executing agent [EXIT CODE %d]: %s", res.ExitCode, res.Stderr))
		s.state(sessionID, core.StateFailed)
		return nil, &TurnError{
			Kind:      KindFatal,
			Status:    http.StatusInternalServerError,
			Message:   "Error executing script",
			Details:   tail(res.Stderr, maxStderrDetail),
			SessionID: sessionID,
		}
	}

	s.note(sessionID, core.TagParse, "Attempting to parse agent response from output")
	out, err := extract.Run(s.strategies, res.Stdout)
	if err != nil {
		s.note(sessionID, core.TagError, "Could not extract a response from agent output")
		s.logger.Warn("extraction failed", "session", sessionID, "stdout_bytes", len(res.Stdout))
		s.state(sessionID, core.StateFailed)
		return nil, &TurnError{
			Kind:      KindExtraction,
			Status:    http.StatusInternalServerError,
			Message:   "Error parsing script output",
			RawOutput: tail(res.Stdout, maxRawOutput),
			SessionID: sessionID,
			Err:       err,
		}
	}
	s.state(sessionID, core.StateExtracted)

	if out.IsError {
		s.note(sessionID, core.TagWarning, fmt.Sprintf("Agent reported an error (%s): %s", out.Strategy, out.Error))
		if out.Detail != "" {
			s.logger.Warn("agent error", "session", sessionID, "error", out.Error, "traceback", out.Detail)
		}
		s.state(sessionID, core.StateFailed)
		return nil, &TurnError{
			Kind:      KindAgent,
			Status:    http.StatusInternalServerError,
			Message:   out.Error,
			SessionID: sessionID,
		}
	}

	if out.BestEffort {
		s.note(sessionID, core.TagWarning, fmt.Sprintf("No structured result found, falling back to %s", out.Strategy))
	}
	s.note(sessionID, core.TagSuccess, fmt.Sprintf("Response extracted via %s", out.Strategy))
	s.state(sessionID, core.StateResponded)

	return &core.ChatResponse{Response: out.Response, SessionID: sessionID}, nil
}

func (s *Service) runError(sessionID string, err error) *TurnError {
	switch {
	case errors.Is(err, runner.ErrTimeout):
		return &TurnError{
			Kind:      KindTimeout,
			Status:    http.StatusGatewayTimeout,
			Message:   "Agent timed out",
			Details:   err.Error(),
			SessionID: sessionID,
			Err:       err,
		}
	case errors.Is(err, runner.ErrLaunch):
		s.logger.Error("agent launch failed", "session", sessionID, "err", err)
		return &TurnError{
			Kind:      KindLaunch,
			Status:    http.StatusInternalServerError,
			Message:   "Failed to execute agent",
			Details:   err.Error(),
			SessionID: sessionID,
			Err:       err,
		}
	default:
		s.logger.Error("agent run failed", "session", sessionID, "err", err)
		te := internalError(err)
		te.SessionID = sessionID
		return te
	}
}

func (s *Service) state(sessionID string, st core.TurnState) {
	s.logger.Debug("turn state", "session", sessionID, "state", st)
}

func (s *Service) note(sessionID string, tag core.Tag, msg string) {
	if s.logs == nil {
		return
	}
	s.logs.Append(sessionID, core.NewLogLine(sessionID, tag, "", msg))
}
