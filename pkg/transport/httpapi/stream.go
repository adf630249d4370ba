package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// StreamMessage is one frame on the log stream: the backlog first, then one
// frame per new line.
type StreamMessage struct {
	Type      string   `json:"type"` // always "logs"
	SessionID string   `json:"sessionId"`
	Logs      []string `json:"logs"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The widget may be served from another origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleLogsStream upgrades to a WebSocket and pushes a session's log lines as
// they are appended.
func (h *Handler) HandleLogsStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		h.sendError(w, http.StatusBadRequest, "Session ID is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	lines, cancel := h.logs.Subscribe(sessionID)
	defer cancel()

	backlog := h.logs.Read(sessionID)
	if err := writeFrame(conn, sessionID, backlog); err != nil {
		return
	}

	// Reading is required to process control frames; it ends when the
	// client closes.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	h.logger.Debug("log stream opened", "session", sessionID)
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-h.closing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case line, ok := <-lines:
			if !ok {
				// Session dropped.
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session expired"))
				return
			}
			if err := writeFrame(conn, sessionID, []string{line.String()}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, sessionID string, logs []string) error {
	if logs == nil {
		logs = []string{}
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(StreamMessage{Type: "logs", SessionID: sessionID, Logs: logs})
}
