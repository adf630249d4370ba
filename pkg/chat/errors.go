package chat

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/modoterra/agentrelay/pkg/core"
)

// Kind classifies a failed turn.
type Kind string

const (
	KindValidation Kind = "validation"
	KindLaunch     Kind = "launch"
	KindFatal      Kind = "fatal"
	KindAgent      Kind = "agent"
	KindExtraction Kind = "extraction"
	KindTimeout    Kind = "timeout"
	KindInternal   Kind = "internal"
)

const (
	maxStderrDetail = 4 << 10
	maxRawOutput    = 1000

	internalMessage = "Internal server error"
)

// TurnError is returned by Service.Turn for every failed turn. Status is the
// HTTP status the failure maps to.
type TurnError struct {
	Kind      Kind
	Status    int
	Message   string
	Details   string
	RawOutput string
	SessionID string
	Err       error
}

func (e *TurnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Response renders the error as the body returned to callers.
func (e *TurnError) Response() core.ErrorResponse {
	return core.ErrorResponse{
		Error:     e.Message,
		Details:   e.Details,
		RawOutput: e.RawOutput,
		SessionID: e.SessionID,
	}
}

// AsTurnError returns err as a *TurnError, wrapping anything else as an
// opaque internal error.
func AsTurnError(err error) *TurnError {
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}
	return internalError(err)
}

func internalError(err error) *TurnError {
	return &TurnError{Kind: KindInternal, Status: http.StatusInternalServerError, Message: internalMessage, Err: err}
}

// tail returns at most n bytes from the end of s without splitting a rune.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}
