// Package model is the Bubble Tea chat and log viewer that talks to
// agentrelayd over its control socket.
package model

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/agentrelay/pkg/core"
	"github.com/modoterra/agentrelay/pkg/transport/uds"
)

// Pane identifies which TUI pane is focused.
type Pane int

const (
	PaneSessions Pane = iota
	PaneChat
	PaneLogs
)

// Mode identifies the current interaction mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeInput
)

const (
	maxLogLines   = 1000
	eventBuffer   = 256
	chatTimeout   = 5 * time.Minute
	refreshPeriod = 2 * time.Second
)

// Role marks who said a transcript entry.
type Role string

const (
	RoleUser  Role = "you"
	RoleBot   Role = "bot"
	RoleError Role = "error"
)

// Entry is one line of the chat transcript.
type Entry struct {
	Role Role
	Text string
}

// App is the root Bubble Tea model.
type App struct {
	// Connection
	client     *uds.Client
	events     chan core.LogLine
	socketPath string
	userID     string
	connected  bool

	// State
	sessions    []core.SessionInfo
	selectedIdx int
	sessionID   string // session whose logs are shown
	transcript  []Entry
	pending     bool
	logLines    []string
	logPaused   bool

	// UI
	activePane Pane
	mode       Mode
	input      textinput.Model
	width      int
	height     int

	statusMsg string
}

// New creates a TUI that chats as userID.
func New(socketPath, userID string) App {
	in := textinput.New()
	in.Placeholder = "ask about Bangalore..."
	in.CharLimit = 2000

	return App{
		socketPath: socketPath,
		userID:     userID,
		input:      in,
		activePane: PaneChat,
		mode:       ModeNormal,
	}
}

// Init connects to the daemon.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(a.socketPath),
		tea.SetWindowTitle("agentrelay"),
	)
}

// tickMsg triggers periodic refresh.
type tickMsg time.Time

// connectedMsg indicates successful daemon connection.
type connectedMsg struct {
	client *uds.Client
	events chan core.LogLine
}

// sessionsMsg carries the daemon's session list.
type sessionsMsg struct{ sessions []core.SessionInfo }

// chatReplyMsg carries the outcome of a chat turn.
type chatReplyMsg struct{ reply uds.ChatReply }

// backlogMsg carries a session's log buffer at subscription time.
type backlogMsg struct {
	sessionID string
	lines     []core.LogLine
}

// logLineMsg carries a log line pushed by the daemon.
type logLineMsg core.LogLine

// disconnectedMsg reports that the daemon connection ended.
type disconnectedMsg struct{}

// errorMsg carries an error to display.
type errorMsg struct{ err error }

// statusMsg carries a short confirmation.
type statusMsg string

func connectCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := uds.Dial(socketPath)
		if err != nil {
			return errorMsg{err}
		}
		events := make(chan core.LogLine, eventBuffer)
		client.OnEvent(func(m uds.Message) {
			if m.Method != uds.EventLogsLine {
				return
			}
			var line core.LogLine
			if m.UnmarshalData(&line) != nil {
				return
			}
			select {
			case events <- line:
			default: // the view is behind; drop rather than stall the socket
			}
		})
		return connectedMsg{client: client, events: events}
	}
}

// waitForEvent delivers the next pushed log line.
func waitForEvent(client *uds.Client, events <-chan core.LogLine) tea.Cmd {
	return func() tea.Msg {
		select {
		case line := <-events:
			return logLineMsg(line)
		case <-client.Done():
			return disconnectedMsg{}
		}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshPeriod, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSessionsCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var resp uds.SessionsResponse
		if err := client.Call(ctx, uds.MethodListSessions, nil, &resp); err != nil {
			return errorMsg{err}
		}
		return sessionsMsg{resp.Sessions}
	}
}

func chatCmd(client *uds.Client, userID, message string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), chatTimeout)
		defer cancel()

		var reply uds.ChatReply
		if err := client.Call(ctx, uds.MethodChat, core.ChatRequest{Message: message, UserID: userID}, &reply); err != nil {
			return errorMsg{err}
		}
		return chatReplyMsg{reply}
	}
}

// subscribeCmd follows sessionID, dropping the previous subscription.
func subscribeCmd(client *uds.Client, prev, sessionID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if prev != "" && prev != sessionID {
			if _, err := client.Request(ctx, uds.MethodLogsUnsubscribe, uds.SessionRequest{SessionID: prev}); err != nil {
				return errorMsg{err}
			}
		}
		var resp uds.SubscribeResponse
		if err := client.Call(ctx, uds.MethodLogsSubscribe, uds.SessionRequest{SessionID: sessionID}, &resp); err != nil {
			return errorMsg{err}
		}
		return backlogMsg{sessionID: sessionID, lines: resp.Backlog}
	}
}

func clearLogsCmd(client *uds.Client, sessionID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if _, err := client.Request(ctx, uds.MethodLogsClear, core.ClearRequest{SessionID: sessionID}); err != nil {
			return errorMsg{err}
		}
		return statusMsg("logs cleared")
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = max(msg.Width-8, 10)
		return a, nil

	case connectedMsg:
		a.client = msg.client
		a.events = msg.events
		a.connected = true
		a.statusMsg = "connected"
		return a, tea.Batch(tickCmd(), fetchSessionsCmd(a.client), waitForEvent(a.client, a.events))

	case disconnectedMsg:
		a.connected = false
		a.client = nil
		a.statusMsg = "error: " + uds.ErrClosed.Error()
		return a, nil

	case tickMsg:
		if a.client != nil {
			return a, tea.Batch(tickCmd(), fetchSessionsCmd(a.client))
		}
		return a, tickCmd()

	case sessionsMsg:
		a.sessions = msg.sessions
		if a.selectedIdx >= len(a.sessions) {
			a.selectedIdx = max(0, len(a.sessions)-1)
		}
		return a, nil

	case chatReplyMsg:
		return a.handleReply(msg.reply)

	case backlogMsg:
		a.sessionID = msg.sessionID
		a.logLines = a.logLines[:0]
		for _, l := range msg.lines {
			a.logLines = append(a.logLines, l.String())
		}
		return a, nil

	case logLineMsg:
		var cmd tea.Cmd
		if a.client != nil {
			cmd = waitForEvent(a.client, a.events)
		}
		if !a.logPaused && msg.SessionID == a.sessionID {
			a.appendLog(core.LogLine(msg).String())
		}
		return a, cmd

	case statusMsg:
		a.statusMsg = string(msg)
		if msg == "logs cleared" {
			a.logLines = nil
		}
		return a, nil

	case errorMsg:
		a.pending = false
		a.statusMsg = "error: " + msg.err.Error()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

func (a App) handleReply(reply uds.ChatReply) (tea.Model, tea.Cmd) {
	a.pending = false

	var sessionID string
	switch {
	case reply.Response != nil:
		a.transcript = append(a.transcript, Entry{Role: RoleBot, Text: reply.Response.Response})
		sessionID = reply.Response.SessionID
		a.statusMsg = ""
	case reply.Error != nil:
		text := reply.Error.Error
		if reply.Error.Details != "" {
			text += ": " + lastLine(reply.Error.Details)
		}
		a.transcript = append(a.transcript, Entry{Role: RoleError, Text: text})
		sessionID = reply.Error.SessionID
		a.statusMsg = "turn failed"
	default:
		a.statusMsg = "error: empty reply"
	}

	if sessionID != "" && sessionID != a.sessionID && a.client != nil {
		return a, subscribeCmd(a.client, a.sessionID, sessionID)
	}
	return a, nil
}

func (a *App) appendLog(line string) {
	a.logLines = append(a.logLines, line)
	if len(a.logLines) > maxLogLines {
		a.logLines = a.logLines[len(a.logLines)-maxLogLines:]
	}
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Input mode
	if a.mode == ModeInput {
		switch msg.String() {
		case "esc":
			a.mode = ModeNormal
			a.input.Blur()
			return a, nil
		case "enter":
			return a.send()
		default:
			var cmd tea.Cmd
			a.input, cmd = a.input.Update(msg)
			return a, cmd
		}
	}

	// Normal mode
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "tab":
		a.activePane = (a.activePane + 1) % 3

	case "i", "enter":
		if a.activePane == PaneSessions && msg.String() == "enter" {
			return a.followSelected()
		}
		a.mode = ModeInput
		a.activePane = PaneChat
		a.input.Focus()
		return a, textinput.Blink

	case "j", "down":
		if a.activePane == PaneSessions && len(a.sessions) > 0 {
			a.selectedIdx = min(a.selectedIdx+1, len(a.sessions)-1)
		}
	case "k", "up":
		if a.activePane == PaneSessions && a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "l":
		a.activePane = PaneLogs

	case " ":
		if a.activePane == PaneLogs {
			a.logPaused = !a.logPaused
		}

	case "c":
		if a.client != nil && a.sessionID != "" {
			return a, clearLogsCmd(a.client, a.sessionID)
		}
	}

	return a, nil
}

func (a App) send() (tea.Model, tea.Cmd) {
	text := a.input.Value()
	if text == "" {
		return a, nil
	}
	if a.client == nil {
		a.statusMsg = "not connected"
		return a, nil
	}
	if a.pending {
		a.statusMsg = "waiting for the previous answer"
		return a, nil
	}
	a.input.SetValue("")
	a.transcript = append(a.transcript, Entry{Role: RoleUser, Text: text})
	a.pending = true
	a.statusMsg = "thinking..."
	return a, chatCmd(a.client, a.userID, text)
}

func (a App) followSelected() (tea.Model, tea.Cmd) {
	if a.client == nil || a.selectedIdx >= len(a.sessions) {
		return a, nil
	}
	id := a.sessions[a.selectedIdx].SessionID
	a.activePane = PaneLogs
	return a, subscribeCmd(a.client, a.sessionID, id)
}
