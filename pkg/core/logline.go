package core

import (
	"fmt"
	"time"
)

// Tag is the emoji category prefix of a session log line.
type Tag string

const (
	TagStdout  Tag = "🟢"
	TagStderr  Tag = "🔴"
	TagExit    Tag = "🟣"
	TagInfo    Tag = "🔵"
	TagError   Tag = "❌"
	TagSuccess Tag = "✅"
	TagWarning Tag = "⚠️"
	TagParse   Tag = "🔍"
)

// LogLine represents a single entry in a session's log buffer.
type LogLine struct {
	SessionID string `json:"session_id"`
	TsUnixMs  int64  `json:"ts_unix_ms"`
	Tag       Tag    `json:"tag,omitempty"`
	Stream    string `json:"stream,omitempty"` // "stdout", "stderr", or empty for relay messages
	Line      string `json:"line"`
}

// NewLogLine stamps a line with the current time.
func NewLogLine(sessionID string, tag Tag, stream, line string) LogLine {
	return LogLine{
		SessionID: sessionID,
		TsUnixMs:  time.Now().UnixMilli(),
		Tag:       tag,
		Stream:    stream,
		Line:      line,
	}
}

// Time returns the entry timestamp.
func (l LogLine) Time() time.Time {
	return time.UnixMilli(l.TsUnixMs).UTC()
}

// String renders the line the way log viewers display it. Lines without a tag
// were appended verbatim by a client and are returned unchanged.
func (l LogLine) String() string {
	if l.Tag == "" {
		return l.Line
	}
	ts := l.Time().Format("2006-01-02T15:04:05.000Z07:00")
	if l.Stream != "" {
		return fmt.Sprintf("%s [%s] AGENT %s: %s", l.Tag, ts, l.Stream, l.Line)
	}
	return fmt.Sprintf("%s [%s] %s", l.Tag, ts, l.Line)
}

// LogSink receives session log lines.
type LogSink interface {
	Append(sessionID string, line LogLine)
}
