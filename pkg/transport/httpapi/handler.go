// Package httpapi serves the chat widget's HTTP endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/modoterra/agentrelay/pkg/chat"
	"github.com/modoterra/agentrelay/pkg/core"
	"github.com/modoterra/agentrelay/pkg/logstore"
)

const maxRequestBodySize = 1 << 20

// ChatService runs one chat turn.
type ChatService interface {
	Turn(ctx context.Context, req core.ChatRequest) (*core.ChatResponse, error)
}

// Handler implements the HTTP endpoints over a chat service and log store.
type Handler struct {
	chat   ChatService
	logs   *logstore.Store
	logger *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a handler.
func NewHandler(chatSvc ChatService, logs *logstore.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{chat: chatSvc, logs: logs, logger: logger, closing: make(chan struct{})}
}

// Close ends open log streams. Plain requests are unaffected.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// Routes returns the endpoint mux wrapped in panic recovery.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/inline-agent", h.HandleChat)
	mux.HandleFunc("POST /api/chat", h.HandleChat)
	mux.HandleFunc("GET /api/logs", h.HandleLogsRead)
	mux.HandleFunc("POST /api/logs", h.HandleLogsAppend)
	mux.HandleFunc("POST /api/logs/clear", h.HandleLogsClear)
	mux.HandleFunc("GET /api/logs/stream", h.HandleLogsStream)
	mux.HandleFunc("GET /health", h.HandleHealth)
	return h.recoverer(mux)
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleChat runs a chat turn.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req core.ChatRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.chat.Turn(r.Context(), req)
	if err != nil {
		te := chat.AsTurnError(err)
		if te.Kind == chat.KindInternal {
			h.logger.Error("chat turn failed", "session", te.SessionID, "err", err)
		} else {
			h.logger.Info("chat turn failed", "session", te.SessionID, "kind", te.Kind, "status", te.Status)
		}
		h.writeJSON(w, te.Status, te.Response())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleLogsRead returns a session's rendered log buffer.
func (h *Handler) HandleLogsRead(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		h.sendError(w, http.StatusBadRequest, "Session ID is required")
		return
	}
	h.writeJSON(w, http.StatusOK, core.LogsResponse{Logs: h.logs.Read(sessionID)})
}

// HandleLogsAppend adds a client-supplied line to a session's logs.
func (h *Handler) HandleLogsAppend(w http.ResponseWriter, r *http.Request) {
	var req core.AppendLogRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Log == "" {
		h.sendError(w, http.StatusBadRequest, "Session ID and log are required")
		return
	}
	h.logs.AppendText(req.SessionID, req.Log)
	h.writeJSON(w, http.StatusOK, core.SuccessResponse{Success: true})
}

// HandleLogsClear empties a session's log buffer.
func (h *Handler) HandleLogsClear(w http.ResponseWriter, r *http.Request) {
	var req core.ClearRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		h.sendError(w, http.StatusBadRequest, "Session ID is required")
		return
	}
	h.logs.Clear(req.SessionID)
	h.writeJSON(w, http.StatusOK, core.SuccessResponse{Success: true})
}

// decode reads a size-limited JSON body into v, answering 400 or 413 on
// failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.sendError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		h.writeJSON(w, http.StatusBadRequest, core.ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return false
	}
	return true
}

func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				h.logger.Error("handler panicked", "method", r.Method, "path", r.URL.Path, "panic", p, "stack", string(debug.Stack()))
				h.sendError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) sendError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, core.ErrorResponse{Error: msg})
}

// writeJSON encodes value as JSON into w. Encoding failures mean the client
// went away and are only logged.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		h.logger.Warn("writing JSON response", "err", err)
	}
}
