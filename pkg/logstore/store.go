// Package logstore keeps a bounded, ordered log buffer per chat session.
package logstore

import (
	"sort"
	"sync"

	"github.com/modoterra/agentrelay/pkg/core"
)

// DefaultCapacity is the number of lines retained per session.
const DefaultCapacity = 1000

const subscriberBuffer = 100

// logBuffer holds the recent lines of one session.
type logBuffer struct {
	lines []core.LogLine
}

// Store maps session ids to log buffers. Subscribers are kept apart from the
// buffers so watching a session never creates one. The zero value is not
// usable; call New.
type Store struct {
	capacity int
	buffers  map[string]*logBuffer
	subs     map[string][]chan core.LogLine
	firehose []chan core.LogLine
	mu       sync.RWMutex
}

// New creates a store that keeps at most capacity lines per session.
// A non-positive capacity selects DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		buffers:  make(map[string]*logBuffer),
		subs:     make(map[string][]chan core.LogLine),
	}
}

// Capacity returns the per-session line limit.
func (s *Store) Capacity() int { return s.capacity }

// Append adds a line to the session's buffer, creating it if needed, and
// evicts the oldest lines beyond capacity. Subscribers that are not keeping
// up miss the line instead of blocking the writer.
func (s *Store) Append(sessionID string, line core.LogLine) {
	if sessionID == "" {
		return
	}
	line.SessionID = sessionID

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buffers[sessionID]
	if !ok {
		b = &logBuffer{}
		s.buffers[sessionID] = b
	}
	b.lines = append(b.lines, line)
	if len(b.lines) > s.capacity {
		b.lines = b.lines[len(b.lines)-s.capacity:]
	}

	for _, ch := range s.subs[sessionID] {
		select {
		case ch <- line:
		default:
		}
	}
	for _, ch := range s.firehose {
		select {
		case ch <- line:
		default:
		}
	}
}

// AppendText adds a verbatim, untagged line.
func (s *Store) AppendText(sessionID, text string) {
	s.Append(sessionID, core.NewLogLine(sessionID, "", "", text))
}

// Read returns the rendered lines of a session, oldest first. Unknown
// sessions yield an empty slice.
func (s *Store) Read(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buffers[sessionID]
	if !ok {
		return []string{}
	}
	out := make([]string, len(b.lines))
	for i, l := range b.lines {
		out[i] = l.String()
	}
	return out
}

// Entries returns a copy of the structured lines of a session.
func (s *Store) Entries(sessionID string) []core.LogLine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buffers[sessionID]
	if !ok {
		return nil
	}
	out := make([]core.LogLine, len(b.lines))
	copy(out, b.lines)
	return out
}

// Clear empties the session's buffer if it exists.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buffers[sessionID]; ok {
		b.lines = nil
	}
}

// Drop removes the session's buffer and closes its subscriptions.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs[sessionID] {
		close(ch)
	}
	delete(s.subs, sessionID)
	delete(s.buffers, sessionID)
}

// Sessions returns the ids of all known buffers, sorted.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Subscribe streams lines appended to the session from now on. The session
// need not exist yet and is not created. The returned cancel func must be
// called to release the subscription; the channel is closed by cancel or when
// the session is dropped.
func (s *Store) Subscribe(sessionID string) (<-chan core.LogLine, func()) {
	ch := make(chan core.LogLine, subscriberBuffer)

	s.mu.Lock()
	s.subs[sessionID] = append(s.subs[sessionID], ch)
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.subs[sessionID]
			for i, sub := range subs {
				if sub == ch {
					subs = append(subs[:i], subs[i+1:]...)
					if len(subs) == 0 {
						delete(s.subs, sessionID)
					} else {
						s.subs[sessionID] = subs
					}
					close(ch)
					return
				}
			}
			// Not found: a Drop already closed it.
		})
	}
	return ch, cancel
}

// Subscribers returns the number of live subscriptions to the session.
func (s *Store) Subscribers(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[sessionID])
}

// SubscribeAll streams every appended line of every session.
func (s *Store) SubscribeAll() (<-chan core.LogLine, func()) {
	ch := make(chan core.LogLine, subscriberBuffer*10)

	s.mu.Lock()
	s.firehose = append(s.firehose, ch)
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.firehose {
				if sub == ch {
					s.firehose = append(s.firehose[:i], s.firehose[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	return ch, cancel
}

var _ core.LogSink = (*Store)(nil)
