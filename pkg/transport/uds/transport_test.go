package uds

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modoterra/agentrelay/pkg/core"
)

// startServer runs srv until the test ends and returns a connected client.
func startServer(t *testing.T, srv *Server) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
		<-errCh
	})

	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	client, err := Dial(srv.socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestServer(t *testing.T) *Server {
	sock := filepath.Join(t.TempDir(), "test.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewServer(sock, logger)
}

func reqCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPingRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
		return PingResponse{Pong: true}, nil
	})
	client := startServer(t, srv)

	var pong PingResponse
	if err := client.Call(reqCtx(t), MethodPing, nil, &pong); err != nil {
		t.Fatalf("ping request: %v", err)
	}
	if !pong.Pong {
		t.Error("expected pong=true")
	}
}

func TestSocketPermissions(t *testing.T) {
	srv := newTestServer(t)
	startServer(t, srv)

	fi, err := os.Stat(srv.socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket mode = %o, want 600", perm)
	}
}

func TestUnknownMethod(t *testing.T) {
	client := startServer(t, newTestServer(t))

	if _, err := client.Request(reqCtx(t), "NoSuchMethod", nil); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestHandlerErrorAndPayload(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle(MethodLogsRead, func(_ context.Context, msg Message) (any, error) {
		var req SessionRequest
		if err := msg.UnmarshalData(&req); err != nil {
			return nil, err
		}
		if req.SessionID == "" {
			return nil, errors.New("sessionId is required")
		}
		return core.LogsResponse{Logs: []string{"line for " + req.SessionID}}, nil
	})
	client := startServer(t, srv)

	var resp core.LogsResponse
	if err := client.Call(reqCtx(t), MethodLogsRead, SessionRequest{SessionID: "abc"}, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Logs) != 1 || resp.Logs[0] != "line for abc" {
		t.Errorf("logs = %v", resp.Logs)
	}

	err := client.Call(reqCtx(t), MethodLogsRead, SessionRequest{}, &resp)
	if err == nil || err.Error() != "server error: sessionId is required" {
		t.Errorf("err = %v", err)
	}
}

func TestHandlerPanicIsReported(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle(MethodChat, func(context.Context, Message) (any, error) {
		panic("boom")
	})
	srv.Handle(MethodPing, func(context.Context, Message) (any, error) {
		return PingResponse{Pong: true}, nil
	})
	client := startServer(t, srv)

	if _, err := client.Request(reqCtx(t), MethodChat, nil); err == nil {
		t.Error("expected error from panicking handler")
	}
	if _, err := client.Request(reqCtx(t), MethodPing, nil); err != nil {
		t.Errorf("connection unusable after panic: %v", err)
	}
}

func TestSlowHandlerDoesNotBlockConnection(t *testing.T) {
	srv := newTestServer(t)
	release := make(chan struct{})
	srv.Handle(MethodChat, func(ctx context.Context, _ Message) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	srv.Handle(MethodPing, func(context.Context, Message) (any, error) {
		return PingResponse{Pong: true}, nil
	})
	client := startServer(t, srv)

	chatDone := make(chan error, 1)
	go func() {
		_, err := client.Request(reqCtx(t), MethodChat, nil)
		chatDone <- err
	}()

	if _, err := client.Request(reqCtx(t), MethodPing, nil); err != nil {
		t.Fatalf("ping while chat in flight: %v", err)
	}
	close(release)
	if err := <-chatDone; err != nil {
		t.Errorf("chat: %v", err)
	}
}

func TestBroadcastEvent(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
		return PingResponse{Pong: true}, nil
	})
	client := startServer(t, srv)

	evtCh := make(chan Message, 1)
	client.OnEvent(func(msg Message) {
		evtCh <- msg
	})

	// Ensure connection is registered by doing a ping first
	if _, err := client.Request(reqCtx(t), MethodPing, nil); err != nil {
		t.Fatalf("ping: %v", err)
	}

	evt, _ := NewEvent(EventSessionsExpired, SessionsExpiredEvent{Sessions: []string{"a"}})
	srv.Broadcast(evt)

	select {
	case msg := <-evtCh:
		if msg.Method != EventSessionsExpired {
			t.Errorf("expected method %s, got %s", EventSessionsExpired, msg.Method)
		}
		var payload SessionsExpiredEvent
		if err := msg.UnmarshalData(&payload); err != nil || len(payload.Sessions) != 1 {
			t.Errorf("payload = %+v, err = %v", payload, err)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for broadcast event")
	}
}

func TestPublishToSubscribers(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle(MethodLogsSubscribe, func(ctx context.Context, msg Message) (any, error) {
		var req SessionRequest
		if err := msg.UnmarshalData(&req); err != nil {
			return nil, err
		}
		p, ok := PeerFromContext(ctx)
		if !ok {
			return nil, errors.New("no peer")
		}
		p.Subscribe(req.SessionID)
		return SubscribeResponse{}, nil
	})
	srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
		return PingResponse{Pong: true}, nil
	})

	subscriber := startServer(t, srv)
	bystander, err := Dial(srv.socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer bystander.Close()

	got := make(chan Message, 4)
	subscriber.OnEvent(func(m Message) { got <- m })
	leaked := make(chan Message, 4)
	bystander.OnEvent(func(m Message) { leaked <- m })

	if _, err := subscriber.Request(reqCtx(t), MethodLogsSubscribe, SessionRequest{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := bystander.Request(reqCtx(t), MethodPing, nil); err != nil {
		t.Fatal(err)
	}

	for _, session := range []string{"s2", "s1"} {
		line := core.NewLogLine(session, core.TagInfo, "", "hello "+session)
		evt, _ := NewEvent(EventLogsLine, line)
		srv.Publish(evt, func(p *Peer) bool { return p.Subscribed(line.SessionID) })
	}

	select {
	case msg := <-got:
		var line core.LogLine
		if err := msg.UnmarshalData(&line); err != nil {
			t.Fatal(err)
		}
		if line.SessionID != "s1" {
			t.Errorf("received line for %q", line.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for log line")
	}

	// Round trip on the bystander so any stray event would have arrived.
	if _, err := bystander.Request(reqCtx(t), MethodPing, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-leaked:
		t.Errorf("unsubscribed client got %s", msg.Method)
	default:
	}
}

func TestRequestAfterServerGone(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
		return PingResponse{Pong: true}, nil
	})
	client := startServer(t, srv)
	if _, err := client.Request(reqCtx(t), MethodPing, nil); err != nil {
		t.Fatal(err)
	}

	srv.Shutdown()
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice shutdown")
	}
	if _, err := client.Request(reqCtx(t), MethodPing, nil); err == nil {
		t.Error("expected error after shutdown")
	}
}
