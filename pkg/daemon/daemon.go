// Package daemon hosts the relay's shared state behind the control socket and
// keeps it tidy.
package daemon

import (
	"context"
	"errors"
	"log/slog"

	"github.com/modoterra/agentrelay/internal/buildinfo"
	"github.com/modoterra/agentrelay/pkg/chat"
	"github.com/modoterra/agentrelay/pkg/core"
	"github.com/modoterra/agentrelay/pkg/transport/uds"
)

var errSessionRequired = errors.New("sessionId is required")

// Daemon serves the control socket for one State.
type Daemon struct {
	server *uds.Server
	state  *State
	logger *slog.Logger
}

// New creates a daemon listening on socketPath.
func New(socketPath string, state *State, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		server: uds.NewServer(socketPath, logger),
		state:  state,
		logger: logger,
	}
	d.registerHandlers()
	return d
}

// Run serves the control socket and relays log lines to subscribed clients
// until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	lines, cancel := d.state.Store.SubscribeAll()
	defer cancel()
	go d.relayLines(ctx, lines)

	return d.server.Start(ctx)
}

// Ready is closed once the control socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.server.Ready()
}

// Shutdown cleans up resources.
func (d *Daemon) Shutdown() {
	d.server.Shutdown()
}

// Server returns the underlying UDS server (for broadcasting events).
func (d *Daemon) Server() *uds.Server {
	return d.server
}

func (d *Daemon) relayLines(ctx context.Context, lines <-chan core.LogLine) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			evt, err := uds.NewEvent(uds.EventLogsLine, line)
			if err != nil {
				continue
			}
			d.server.Publish(evt, func(p *uds.Peer) bool {
				return p.Subscribed(line.SessionID)
			})
		}
	}
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.MethodPing, d.handlePing)
	d.server.Handle(uds.MethodChat, d.handleChat)
	d.server.Handle(uds.MethodLogsRead, d.handleLogsRead)
	d.server.Handle(uds.MethodLogsClear, d.handleLogsClear)
	d.server.Handle(uds.MethodLogsAppend, d.handleLogsAppend)
	d.server.Handle(uds.MethodListSessions, d.handleListSessions)
	d.server.Handle(uds.MethodLogsSubscribe, d.handleLogsSubscribe)
	d.server.Handle(uds.MethodLogsUnsubscribe, d.handleLogsUnsubscribe)
}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	return uds.PingResponse{Pong: true, Version: buildinfo.Version}, nil
}

func (d *Daemon) handleChat(ctx context.Context, msg uds.Message) (any, error) {
	var req core.ChatRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}

	resp, err := d.state.Chat.Turn(ctx, req)
	if err != nil {
		te := chat.AsTurnError(err)
		body := te.Response()
		return uds.ChatReply{Error: &body, Status: te.Status}, nil
	}
	return uds.ChatReply{Response: resp, Status: 200}, nil
}

func (d *Daemon) handleLogsRead(_ context.Context, msg uds.Message) (any, error) {
	var req uds.SessionRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, errSessionRequired
	}
	return core.LogsResponse{Logs: d.state.Store.Read(req.SessionID)}, nil
}

func (d *Daemon) handleLogsClear(_ context.Context, msg uds.Message) (any, error) {
	var req core.ClearRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, errSessionRequired
	}
	d.state.Store.Clear(req.SessionID)
	return core.SuccessResponse{Success: true}, nil
}

func (d *Daemon) handleLogsAppend(_ context.Context, msg uds.Message) (any, error) {
	var req core.AppendLogRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	if req.SessionID == "" || req.Log == "" {
		return nil, errors.New("sessionId and log are required")
	}
	d.state.Store.AppendText(req.SessionID, req.Log)
	return core.SuccessResponse{Success: true}, nil
}

func (d *Daemon) handleListSessions(_ context.Context, _ uds.Message) (any, error) {
	return uds.SessionsResponse{Sessions: d.state.SessionList()}, nil
}

func (d *Daemon) handleLogsSubscribe(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.SessionRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, errSessionRequired
	}
	p, ok := uds.PeerFromContext(ctx)
	if !ok {
		return nil, errors.New("subscriptions need a connection")
	}
	p.Subscribe(req.SessionID)
	backlog := d.state.Store.Entries(req.SessionID)
	if backlog == nil {
		backlog = []core.LogLine{}
	}
	return uds.SubscribeResponse{Backlog: backlog}, nil
}

func (d *Daemon) handleLogsUnsubscribe(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.SessionRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	if p, ok := uds.PeerFromContext(ctx); ok {
		p.Unsubscribe(req.SessionID)
	}
	return core.SuccessResponse{Success: true}, nil
}
