package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modoterra/agentrelay/pkg/core"
	"github.com/modoterra/agentrelay/pkg/logstore"
	"github.com/modoterra/agentrelay/pkg/runner"
	"github.com/modoterra/agentrelay/pkg/transport/uds"
)

// echoRunner answers every turn with the message it was given and writes one
// stdout line into the session log like the real runner.
type echoRunner struct {
	store *logstore.Store
}

func (r echoRunner) Run(_ context.Context, sessionID, message string) (*runner.Result, error) {
	r.store.Append(sessionID, core.NewLogLine(sessionID, core.TagStdout, "stdout", "thinking about "+message))
	return &runner.Result{Stdout: `FINAL_RESULT: {"response": "echo: ` + message + `"}`}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestState() *State {
	store := logstore.New(0)
	return NewStateWithRunner(store, echoRunner{store: store}, testLogger())
}

func startDaemon(t *testing.T, state *State) (*Daemon, *uds.Client) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "relay.sock")
	d := New(sock, state, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		d.Shutdown()
		<-errCh
	})

	select {
	case <-d.Ready():
	case err := <-errCh:
		t.Fatalf("run: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not start")
	}

	client, err := uds.Dial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return d, client
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPing(t *testing.T) {
	_, client := startDaemon(t, newTestState())

	var pong uds.PingResponse
	if err := client.Call(callCtx(t), uds.MethodPing, nil, &pong); err != nil {
		t.Fatal(err)
	}
	if !pong.Pong || pong.Version == "" {
		t.Errorf("pong = %+v", pong)
	}
}

func TestChatAndLogs(t *testing.T) {
	state := newTestState()
	_, client := startDaemon(t, state)

	var reply uds.ChatReply
	if err := client.Call(callCtx(t), uds.MethodChat, core.ChatRequest{Message: "dosa", UserID: "u1"}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Status != 200 || reply.Response == nil || reply.Response.Response != "echo: dosa" {
		t.Fatalf("reply = %+v", reply)
	}
	sessionID := reply.Response.SessionID

	var logs core.LogsResponse
	if err := client.Call(callCtx(t), uds.MethodLogsRead, uds.SessionRequest{SessionID: sessionID}, &logs); err != nil {
		t.Fatal(err)
	}
	if len(logs.Logs) == 0 {
		t.Fatal("expected session logs after a turn")
	}

	var ok core.SuccessResponse
	if err := client.Call(callCtx(t), uds.MethodLogsAppend, core.AppendLogRequest{SessionID: sessionID, Log: "from client"}, &ok); err != nil || !ok.Success {
		t.Fatalf("append: %v %+v", err, ok)
	}
	if err := client.Call(callCtx(t), uds.MethodLogsRead, uds.SessionRequest{SessionID: sessionID}, &logs); err != nil {
		t.Fatal(err)
	}
	if last := logs.Logs[len(logs.Logs)-1]; last != "from client" {
		t.Errorf("last line = %q", last)
	}

	if err := client.Call(callCtx(t), uds.MethodLogsClear, core.ClearRequest{SessionID: sessionID}, &ok); err != nil {
		t.Fatal(err)
	}
	if err := client.Call(callCtx(t), uds.MethodLogsRead, uds.SessionRequest{SessionID: sessionID}, &logs); err != nil {
		t.Fatal(err)
	}
	if len(logs.Logs) != 0 {
		t.Errorf("logs after clear = %v", logs.Logs)
	}
}

func TestChatValidationError(t *testing.T) {
	_, client := startDaemon(t, newTestState())

	var reply uds.ChatReply
	if err := client.Call(callCtx(t), uds.MethodChat, core.ChatRequest{UserID: "u1"}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Status != 400 || reply.Error == nil || reply.Error.Error != "Message is required" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestLogsReadRequiresSession(t *testing.T) {
	_, client := startDaemon(t, newTestState())

	if _, err := client.Request(callCtx(t), uds.MethodLogsRead, uds.SessionRequest{}); err == nil {
		t.Error("expected error without sessionId")
	}
	if _, err := client.Request(callCtx(t), uds.MethodLogsClear, core.ClearRequest{}); err == nil {
		t.Error("expected error without sessionId")
	}
}

func TestListSessions(t *testing.T) {
	state := newTestState()
	_, client := startDaemon(t, state)

	var reply uds.ChatReply
	if err := client.Call(callCtx(t), uds.MethodChat, core.ChatRequest{Message: "hi", UserID: "alice"}, &reply); err != nil {
		t.Fatal(err)
	}
	state.Store.AppendText("orphan", "manual line")

	var resp uds.SessionsResponse
	if err := client.Call(callCtx(t), uds.MethodListSessions, nil, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("sessions = %+v", resp.Sessions)
	}
	if resp.Sessions[0].UserID != "alice" || resp.Sessions[0].SessionID != reply.Response.SessionID {
		t.Errorf("first session = %+v", resp.Sessions[0])
	}
	if resp.Sessions[0].Lines == 0 {
		t.Error("expected line count for alice")
	}
	if resp.Sessions[1].SessionID != "orphan" || resp.Sessions[1].Lines != 1 {
		t.Errorf("orphan session = %+v", resp.Sessions[1])
	}
}

func TestSubscribeStreamsLines(t *testing.T) {
	state := newTestState()
	_, client := startDaemon(t, state)

	events := make(chan core.LogLine, 16)
	client.OnEvent(func(msg uds.Message) {
		if msg.Method != uds.EventLogsLine {
			return
		}
		var line core.LogLine
		if msg.UnmarshalData(&line) == nil {
			events <- line
		}
	})

	state.Store.AppendText("s1", "before subscribe")

	var sub uds.SubscribeResponse
	if err := client.Call(callCtx(t), uds.MethodLogsSubscribe, uds.SessionRequest{SessionID: "s1"}, &sub); err != nil {
		t.Fatal(err)
	}
	if len(sub.Backlog) != 1 || sub.Backlog[0].Line != "before subscribe" {
		t.Errorf("backlog = %+v", sub.Backlog)
	}

	state.Store.AppendText("other", "not for us")
	state.Store.AppendText("s1", "live line")

	// The backlog line may also arrive as an event; duplicates are allowed.
	for live := false; !live; {
		select {
		case line := <-events:
			switch {
			case line.SessionID != "s1":
				t.Fatalf("event for unsubscribed session: %+v", line)
			case line.Line == "live line":
				live = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for logs.line")
		}
	}

	var ok core.SuccessResponse
	if err := client.Call(callCtx(t), uds.MethodLogsUnsubscribe, uds.SessionRequest{SessionID: "s1"}, &ok); err != nil {
		t.Fatal(err)
	}
	state.Store.AppendText("s1", "after unsubscribe")
	// A ping round trip orders any stray event before the check.
	if _, err := client.Request(callCtx(t), uds.MethodPing, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case line := <-events:
		t.Errorf("event after unsubscribe: %+v", line)
	case <-time.After(50 * time.Millisecond):
	}
}
