package runner

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// maxLogLine caps a single line copied into the session log. Captured output
// is never capped.
const maxLogLine = 64 * 1024

// readLines calls fn with every chunk of r up to and including '\n'. The last
// chunk has no newline when the stream did not end with one. Lines of any
// length are delivered whole.
func readLines(r io.Reader, fn func(chunk string)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		chunk, err := br.ReadString('\n')
		if chunk != "" {
			fn(chunk)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return nil
		default:
			return err
		}
	}
}

// logText turns a raw chunk into a session log line: the line terminator is
// removed and overlong lines are cut at a rune boundary.
func logText(chunk string) string {
	line := strings.TrimSuffix(chunk, "\n")
	line = strings.TrimSuffix(line, "\r")
	if len(line) <= maxLogLine {
		return line
	}
	cut := maxLogLine
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + "… [truncated]"
}
