package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	userStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	botStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	activePaneStyle = paneStyle.
			BorderForeground(lipgloss.Color("205"))

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// View renders the TUI.
func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "loading..."
	}

	statusBarH := 2
	logPaneH := max(a.height/3, 5)
	mainH := a.height - logPaneH - statusBarH - 2
	listW := a.width/4 - 2
	chatW := a.width - listW - 8

	list := a.renderSessions(listW, mainH)
	listPane := a.paneBox(PaneSessions, " Sessions ", list, listW, mainH)

	chat := a.renderChat(chatW, mainH)
	chatPane := a.paneBox(PaneChat, " Chat ", chat, chatW, mainH)

	topRow := lipgloss.JoinHorizontal(lipgloss.Top, listPane, chatPane)

	logs := a.renderLogs(a.width-4, logPaneH)
	logPane := a.paneBox(PaneLogs, a.logTitle(), logs, a.width-4, logPaneH)

	return lipgloss.JoinVertical(lipgloss.Left, topRow, logPane, a.renderStatusBar())
}

func (a App) paneBox(pane Pane, title, content string, w, h int) string {
	style := paneStyle
	if a.activePane == pane {
		style = activePaneStyle
	}
	return style.Width(w).Height(h).Render(
		titleStyle.Render(title) + "\n" + content,
	)
}

func (a App) renderSessions(w, h int) string {
	if len(a.sessions) == 0 {
		return dimStyle.Render("no sessions")
	}

	now := time.Now()
	var b strings.Builder
	maxVisible := h - 2
	start := 0
	if a.selectedIdx >= maxVisible {
		start = a.selectedIdx - maxVisible + 1
	}

	for i := start; i < len(a.sessions) && i-start < maxVisible; i++ {
		s := a.sessions[i]
		marker := " "
		if s.SessionID == a.sessionID {
			marker = "●"
		}
		name := s.UserID
		if name == "" {
			name = s.SessionID
		}
		age := formatAge(s.LastSeen, now)
		line := fmt.Sprintf("%s %-*s %s", marker, max(w-len(age)-4, 1), truncate(name, w-len(age)-4), dimStyle.Render(age))
		if i == a.selectedIdx && a.activePane == PaneSessions {
			line = selectedStyle.Width(w).Render(line)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// renderChat shows the tail of the transcript above the input line.
func (a App) renderChat(w, h int) string {
	bodyH := h - 3
	var lines []string
	for _, e := range a.transcript {
		wrapped := lipgloss.NewStyle().Width(w).Render(roleLabel(e.Role) + " " + e.Text)
		lines = append(lines, strings.Split(wrapped, "\n")...)
	}
	if a.pending {
		lines = append(lines, dimStyle.Render("…"))
	}
	if len(lines) > bodyH {
		lines = lines[len(lines)-bodyH:]
	}

	body := strings.Join(lines, "\n")
	if len(lines) == 0 {
		body = dimStyle.Render("press i to ask something")
	}
	pad := max(bodyH-len(lines), 0)
	return body + strings.Repeat("\n", pad+1) + a.input.View()
}

func roleLabel(r Role) string {
	switch r {
	case RoleUser:
		return userStyle.Render("you:")
	case RoleBot:
		return botStyle.Render("bot:")
	default:
		return errorStyle.Render("error:")
	}
}

func (a App) renderLogs(w, h int) string {
	if len(a.logLines) == 0 {
		return dimStyle.Render("no log output")
	}

	start := 0
	if len(a.logLines) > h-1 {
		start = len(a.logLines) - h + 1
	}

	var b strings.Builder
	for i := start; i < len(a.logLines); i++ {
		b.WriteString(truncate(a.logLines[i], w) + "\n")
	}
	return b.String()
}

func (a App) logTitle() string {
	title := " Logs "
	if a.sessionID != "" {
		title += dimStyle.Render(shortID(a.sessionID)) + " "
	}
	if a.logPaused {
		title += dimStyle.Render("[PAUSED]") + " "
	}
	return title
}

func (a App) renderStatusBar() string {
	left := a.statusMsg
	if !a.connected && left == "" {
		left = "connecting..."
	}
	right := "i:ask tab:pane j/k:nav enter:follow space:pause c:clear logs q:quit"
	if a.mode == ModeInput {
		right = "enter:send esc:cancel"
	}

	gap := a.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return helpStyle.Render(left + strings.Repeat(" ", gap) + right)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

// lastLine returns the final non-empty line of s, usually the exception
// message at the end of a traceback.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// truncate shortens s to maxLen runes.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:max(maxLen, 0)])
	}
	return string(r[:maxLen-3]) + "..."
}

func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
