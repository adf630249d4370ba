package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
)

// HandlerFunc processes a request and returns a response data payload or error.
type HandlerFunc func(ctx context.Context, req Message) (any, error)

// Peer is one connected client. Handlers reach it through PeerFromContext.
type Peer struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]struct{}
}

// Subscribe marks the peer as interested in a session's log lines.
func (p *Peer) Subscribe(sessionID string) {
	p.mu.Lock()
	p.subs[sessionID] = struct{}{}
	p.mu.Unlock()
}

// Unsubscribe reverses Subscribe.
func (p *Peer) Unsubscribe(sessionID string) {
	p.mu.Lock()
	delete(p.subs, sessionID)
	p.mu.Unlock()
}

// Subscribed reports whether the peer follows sessionID.
func (p *Peer) Subscribed(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subs[sessionID]
	return ok
}

func (p *Peer) write(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.conn.Write(line)
	return err
}

type peerKey struct{}

// PeerFromContext returns the connection a request arrived on.
func PeerFromContext(ctx context.Context) (*Peer, bool) {
	p, ok := ctx.Value(peerKey{}).(*Peer)
	return p, ok
}

// Server listens on a Unix domain socket and dispatches NDJSON messages.
// Requests on one connection are handled concurrently, so a long chat turn
// does not hold up pings or log reads.
type Server struct {
	socketPath string
	listener   net.Listener
	handlers   map[string]HandlerFunc
	clients    map[*Peer]struct{}
	mu         sync.RWMutex
	ready      chan struct{}
	logger     *slog.Logger
}

// NewServer creates a new UDS server.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		clients:    make(map[*Peer]struct{}),
		ready:      make(chan struct{}),
		logger:     logger,
	}
}

// Handle registers a handler for a method.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Start begins listening. It removes any stale socket file first.
func (s *Server) Start(ctx context.Context) error {
	// Remove stale socket
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("control socket listening", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		s.closeAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil // shutting down
			}
			s.logger.Error("accept error", "err", err)
			continue
		}
		p := &Peer{conn: conn, subs: make(map[string]struct{})}
		s.mu.Lock()
		s.clients[p] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(ctx, p)
	}
}

// Broadcast sends an event to all connected clients.
func (s *Server) Broadcast(msg Message) {
	s.Publish(msg, nil)
}

// Publish sends an event to every client accepted by filter; a nil filter
// accepts all.
func (s *Server) Publish(msg Message, filter func(*Peer) bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("broadcast marshal error", "err", err)
		return
	}
	line := append(data, '\n')

	s.mu.RLock()
	defer s.mu.RUnlock()
	for p := range s.clients {
		if filter != nil && !filter(p) {
			continue
		}
		if err := p.write(line); err != nil {
			s.logger.Debug("broadcast write error", "err", err)
		}
	}
}

// Shutdown cleanly stops the server.
func (s *Server) Shutdown() {
	s.closeAll()
	os.Remove(s.socketPath)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	for p := range s.clients {
		p.conn.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, p *Peer) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		p.conn.Close()
		s.mu.Lock()
		delete(s.clients, p)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.WithValue(ctx, peerKey{}, p))
	defer cancel()

	scanner := bufio.NewScanner(p.conn)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024) // 1MB max line

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Error("invalid message", "err", err)
			continue
		}

		if msg.Type != MsgTypeReq {
			continue
		}

		handler, ok := s.handlers[msg.Method]
		if !ok {
			s.writeMessage(p, NewErrorResponse(msg.ID, msg.Method, fmt.Sprintf("unknown method: %s", msg.Method)))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.writeMessage(p, s.dispatch(ctx, handler, msg))
		}()
	}
	// Client went away: abandon in-flight work.
	cancel()
}

func (s *Server) dispatch(ctx context.Context, h HandlerFunc, msg Message) (resp Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "method", msg.Method, "panic", r, "stack", string(debug.Stack()))
			resp = NewErrorResponse(msg.ID, msg.Method, "internal error")
		}
	}()

	result, err := h(ctx, msg)
	if err != nil {
		return NewErrorResponse(msg.ID, msg.Method, err.Error())
	}
	resp, err = NewResponse(msg.ID, msg.Method, result)
	if err != nil {
		s.logger.Error("marshal response error", "method", msg.Method, "err", err)
		return NewErrorResponse(msg.ID, msg.Method, "internal error")
	}
	return resp
}

func (s *Server) writeMessage(p *Peer, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal response error", "err", err)
		return
	}
	data = append(data, '\n')
	if err := p.write(data); err != nil {
		s.logger.Debug("write response error", "err", err)
	}
}
