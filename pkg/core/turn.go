package core

import "time"

// TurnState is a step of a chat turn.
type TurnState string

const (
	StateReceived          TurnState = "RECEIVED"
	StateSessionResolved   TurnState = "SESSION_RESOLVED"
	StateSubprocessRunning TurnState = "SUBPROCESS_RUNNING"
	StateOutputCaptured    TurnState = "OUTPUT_CAPTURED"
	StateExtracted         TurnState = "EXTRACTED"
	StateResponded         TurnState = "RESPONDED"
	StateFailed            TurnState = "FAILED"
)

// ChatRequest is the payload of a chat turn.
type ChatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

// ChatResponse is returned when a turn produced an answer.
type ChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"sessionId"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	RawOutput string `json:"rawOutput,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// LogsResponse carries a session's rendered log buffer.
type LogsResponse struct {
	Logs []string `json:"logs"`
}

// ClearRequest identifies the session whose logs should be cleared.
type ClearRequest struct {
	SessionID string `json:"sessionId"`
}

// AppendLogRequest adds a raw line to a session's logs.
type AppendLogRequest struct {
	SessionID string `json:"sessionId"`
	Log       string `json:"log"`
}

// SuccessResponse acknowledges a mutation.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// SessionInfo summarizes a known chat session.
type SessionInfo struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
	Lines     int       `json:"lines"`
}
