// Package uds implements the relay's NDJSON control protocol over a unix
// domain socket.
package uds

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/modoterra/agentrelay/pkg/core"
)

var reqCounter atomic.Uint64

// MsgType identifies the kind of message.
type MsgType string

const (
	MsgTypeReq MsgType = "req"
	MsgTypeRes MsgType = "res"
	MsgTypeEvt MsgType = "evt"
)

// Message is the NDJSON envelope for all communication.
type Message struct {
	Type   MsgType         `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// UnmarshalData decodes the payload into v. An empty payload leaves v as is.
func (m Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Method, err)
	}
	return nil
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

// NewRequest creates a new request message with a unique ID.
func NewRequest(method string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeReq,
		ID:     fmt.Sprintf("req-%d", reqCounter.Add(1)),
		Method: method,
		Data:   raw,
	}, nil
}

// NewResponse creates a response to a request.
func NewResponse(reqID, method string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeRes,
		ID:     reqID,
		Method: method,
		Data:   raw,
	}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(reqID, method, errMsg string) Message {
	return Message{
		Type:   MsgTypeRes,
		ID:     reqID,
		Method: method,
		Error:  errMsg,
	}
}

// NewEvent creates a server-pushed event.
func NewEvent(method string, data any) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeEvt,
		ID:     fmt.Sprintf("evt-%d", reqCounter.Add(1)),
		Method: method,
		Data:   raw,
	}, nil
}

// Methods
const (
	MethodPing            = "Ping"
	MethodChat            = "Chat"
	MethodLogsRead        = "LogsRead"
	MethodLogsClear       = "LogsClear"
	MethodLogsAppend      = "LogsAppend"
	MethodListSessions    = "ListSessions"
	MethodLogsSubscribe   = "LogsSubscribe"
	MethodLogsUnsubscribe = "LogsUnsubscribe"

	EventLogsLine        = "logs.line"
	EventSessionsExpired = "sessions.expired"
)

// PingResponse is the response to a Ping request.
type PingResponse struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version,omitempty"`
}

// ChatReply is the response to Chat. Exactly one of Response and Error is set;
// Status mirrors the HTTP status of the same turn.
type ChatReply struct {
	Response *core.ChatResponse  `json:"response,omitempty"`
	Error    *core.ErrorResponse `json:"error,omitempty"`
	Status   int                 `json:"status"`
}

// SessionRequest names a session for LogsRead, LogsSubscribe and
// LogsUnsubscribe.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// SubscribeResponse carries the session's backlog at subscription time.
type SubscribeResponse struct {
	Backlog []core.LogLine `json:"backlog"`
}

// SessionsResponse lists known sessions.
type SessionsResponse struct {
	Sessions []core.SessionInfo `json:"sessions"`
}

// SessionsExpiredEvent is pushed when the janitor drops idle sessions.
type SessionsExpiredEvent struct {
	Sessions []string `json:"sessions"`
}
