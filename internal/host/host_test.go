package host

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentdeck/host/internal/acp"
	apperrors "github.com/agentdeck/host/internal/errors"
	"github.com/agentdeck/host/internal/history"
	"github.com/agentdeck/host/internal/permission"
	"github.com/agentdeck/host/internal/rpc"
	"github.com/agentdeck/host/internal/workspace"
)

// fakeAgent speaks the agent side of the protocol over the other end of a
// pipe. Tests register extra handlers before traffic starts.
type fakeAgent struct {
	conn     *rpc.Conn
	registry *rpc.Registry

	mu    sync.Mutex
	calls map[string][]json.RawMessage
}

func newFakeAgent(stream io.ReadWriteCloser, extra map[string]rpc.Handler) *fakeAgent {
	a := &fakeAgent{
		registry: rpc.NewRegistry(),
		calls:    make(map[string][]json.RawMessage),
	}

	record := func(method string, result any) rpc.Handler {
		return func(_ context.Context, params json.RawMessage) (any, error) {
			a.mu.Lock()
			a.calls[method] = append(a.calls[method], params)
			a.mu.Unlock()
			return result, nil
		}
	}

	defaults := map[string]rpc.Handler{
		acp.MethodInitialize:              record(acp.MethodInitialize, acp.InitializeResult{ProtocolVersion: acp.ProtocolVersion}),
		acp.MethodSessionNew:              record(acp.MethodSessionNew, acp.NewSessionResult{SessionID: "agent-side"}),
		acp.MethodSessionSwitch:           record(acp.MethodSessionSwitch, struct{}{}),
		acp.MethodSessionDelete:           record(acp.MethodSessionDelete, struct{}{}),
		acp.MethodSessionPrompt:           record(acp.MethodSessionPrompt, acp.PromptResult{StopReason: "end_turn"}),
		acp.MethodSessionConfirmTool:      record(acp.MethodSessionConfirmTool, struct{}{}),
		acp.MethodSessionAcceptFileChange: record(acp.MethodSessionAcceptFileChange, struct{}{}),
		acp.MethodSessionRejectFileChange: record(acp.MethodSessionRejectFileChange, struct{}{}),
		acp.MethodSessionResumeHistory:    record(acp.MethodSessionResumeHistory, struct{}{}),
		acp.MethodShutdown:                record(acp.MethodShutdown, struct{}{}),
	}
	for method, h := range extra {
		defaults[method] = h
	}
	for method, h := range defaults {
		a.registry.Register(method, h)
	}

	a.conn = rpc.NewConn(stream, a.registry)
	return a
}

func (a *fakeAgent) callCount(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls[method])
}

func (a *fakeAgent) lastCall(t *testing.T, method string, into any) {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	params := a.calls[method]
	if len(params) == 0 {
		t.Fatalf("agent never received %s", method)
	}
	if err := json.Unmarshal(params[len(params)-1], into); err != nil {
		t.Fatalf("unmarshal %s params: %v", method, err)
	}
}

func (a *fakeAgent) waitForCall(t *testing.T, method string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for a.callCount(method) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("agent never received %s", method)
		}
		time.Sleep(time.Millisecond)
	}
}

type hostFixture struct {
	host  *Host
	agent *fakeAgent
	root  string
	rules *permission.Store
}

func newFixture(t *testing.T, events Events, extra map[string]rpc.Handler) *hostFixture {
	t.Helper()
	hostEnd, agentEnd := net.Pipe()
	root := t.TempDir()

	ws, err := workspace.New(root)
	if err != nil {
		t.Fatalf("workspace.New failed: %v", err)
	}
	rules, err := permission.NewStore(filepath.Join(t.TempDir(), "rules.json"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	agent := newFakeAgent(agentEnd, extra)
	h := New(hostEnd, Options{
		Workspace:     ws,
		Rules:         rules,
		FlushInterval: time.Millisecond,
		Events:        events,
	})
	t.Cleanup(func() {
		h.Close()
		agent.conn.Close()
	})
	return &hostFixture{host: h, agent: agent, root: root, rules: rules}
}

func initialized(t *testing.T, f *hostFixture) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := f.host.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
}

func TestOperationsRequireInitialize(t *testing.T) {
	f := newFixture(t, Events{}, nil)

	_, err := f.host.Prompt(context.Background(), "hi", false)
	if !apperrors.IsCode(err, apperrors.CodeClientNotInitialized) {
		t.Fatalf("Prompt before initialize = %v", err)
	}

	// The capability surface is gated the same way.
	raw, err := f.agent.conn.Call(context.Background(), acp.MethodFSReadTextFile, acp.ReadTextFileParams{Path: "x"})
	if err == nil {
		t.Fatalf("capability call before initialize succeeded: %s", raw)
	}
	var rpcErr *rpc.Error
	if !asRPCError(err, &rpcErr) {
		t.Fatalf("err = %T %v", err, err)
	}
	if code := codedDataCode(rpcErr); code != apperrors.CodeClientNotInitialized {
		t.Fatalf("error data code = %q", code)
	}
}

func TestPromptStreamsTranscript(t *testing.T) {
	var f *hostFixture
	f = newFixture(t, Events{}, map[string]rpc.Handler{
		acp.MethodSessionPrompt: func(_ context.Context, params json.RawMessage) (any, error) {
			var p acp.PromptParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			// Stream a few deltas, then complete the turn.
			for _, delta := range []string{"par", "tial ", "answer"} {
				f.agent.conn.Notify(acp.NoteSessionUpdate, acp.SessionUpdate{
					SessionID: p.SessionID, Type: acp.UpdateText, Text: delta,
				})
			}
			f.agent.conn.Notify(acp.NoteSessionComplete, acp.SessionComplete{
				SessionID: p.SessionID, Reason: "done",
			})
			return acp.PromptResult{StopReason: "end_turn"}, nil
		},
	})
	initialized(t, f)

	result, err := f.host.Prompt(context.Background(), "explain this", false)
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if result.StopReason != "end_turn" {
		t.Fatalf("StopReason = %q", result.StopReason)
	}

	cur, ok := f.host.CurrentSession()
	if !ok {
		t.Fatal("no current session after prompt")
	}
	deadline := time.Now().Add(5 * time.Second)
	for cur.Status != acp.StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("session never completed, status %s", cur.Status)
		}
		time.Sleep(time.Millisecond)
		cur, _ = f.host.CurrentSession()
	}

	s, err := f.host.sessions.Get(cur.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	messages := s.Transcript.Messages()
	if len(messages) != 2 {
		t.Fatalf("transcript has %d messages", len(messages))
	}
	if messages[0].Role != "user" || messages[0].Text != "explain this" {
		t.Fatalf("user message = %#v", messages[0])
	}
	if messages[1].Text != "partial answer" || !messages[1].Complete {
		t.Fatalf("assistant message = %#v", messages[1])
	}
}

func TestAgentReadsAndWritesWorkspaceFiles(t *testing.T) {
	f := newFixture(t, Events{}, nil)
	initialized(t, f)

	if err := os.WriteFile(filepath.Join(f.root, "in.txt"), []byte("l1\nl2\nl3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	line, limit := 2, 1
	raw, err := f.agent.conn.Call(context.Background(), acp.MethodFSReadTextFile, acp.ReadTextFileParams{
		Path: "in.txt", Line: &line, Limit: &limit,
	})
	if err != nil {
		t.Fatalf("fs/readTextFile failed: %v", err)
	}
	var read acp.ReadTextFileResult
	if err := json.Unmarshal(raw, &read); err != nil {
		t.Fatal(err)
	}
	if read.Content != "l2\n" {
		t.Fatalf("Content = %q", read.Content)
	}

	if _, err := f.agent.conn.Call(context.Background(), acp.MethodFSWriteTextFile, acp.WriteTextFileParams{
		Path: "out.txt", Content: "written by agent",
	}); err != nil {
		t.Fatalf("fs/writeTextFile failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(f.root, "out.txt"))
	if err != nil || string(data) != "written by agent" {
		t.Fatalf("out.txt = %q (%v)", data, err)
	}

	// Escaping the workspace is rejected at the boundary.
	_, err = f.agent.conn.Call(context.Background(), acp.MethodFSReadTextFile, acp.ReadTextFileParams{Path: "../secrets"})
	var rpcErr *rpc.Error
	if !asRPCError(err, &rpcErr) || codedDataCode(rpcErr) != apperrors.CodeFSPathOutsideWorkspace {
		t.Fatalf("escape err = %v", err)
	}
}

func TestAgentDrivesTerminalLifecycle(t *testing.T) {
	f := newFixture(t, Events{}, nil)
	initialized(t, f)
	ctx := context.Background()

	raw, err := f.agent.conn.Call(ctx, acp.MethodTerminalCreate, acp.TerminalCreateParams{
		Command: "echo", Args: []string{"from terminal"},
	})
	if err != nil {
		t.Fatalf("terminal/create failed: %v", err)
	}
	var created acp.TerminalCreateResult
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatal(err)
	}

	raw, err = f.agent.conn.Call(ctx, acp.MethodTerminalWaitForExit, acp.TerminalRefParams{TerminalID: created.TerminalID})
	if err != nil {
		t.Fatalf("terminal/waitForExit failed: %v", err)
	}
	var exit acp.TerminalExitResult
	if err := json.Unmarshal(raw, &exit); err != nil {
		t.Fatal(err)
	}
	if exit.ExitCode != 0 {
		t.Fatalf("ExitCode = %d", exit.ExitCode)
	}

	raw, err = f.agent.conn.Call(ctx, acp.MethodTerminalOutput, acp.TerminalOutputParams{TerminalID: created.TerminalID})
	if err != nil {
		t.Fatalf("terminal/output failed: %v", err)
	}
	var output acp.TerminalOutputResult
	if err := json.Unmarshal(raw, &output); err != nil {
		t.Fatal(err)
	}
	if output.ExitCode == nil || *output.ExitCode != 0 {
		t.Fatalf("output.ExitCode = %v", output.ExitCode)
	}

	if _, err := f.agent.conn.Call(ctx, acp.MethodTerminalRelease, acp.TerminalRefParams{TerminalID: created.TerminalID}); err != nil {
		t.Fatalf("terminal/release failed: %v", err)
	}
	_, err = f.agent.conn.Call(ctx, acp.MethodTerminalOutput, acp.TerminalOutputParams{TerminalID: created.TerminalID})
	var rpcErr *rpc.Error
	if !asRPCError(err, &rpcErr) || codedDataCode(rpcErr) != apperrors.CodeTerminalNotFound {
		t.Fatalf("output after release = %v", err)
	}
}

func TestRuleMatchConfirmsWithoutUser(t *testing.T) {
	forwarded := make(chan acp.PermissionRequest, 1)
	f := newFixture(t, Events{OnPermissionRequest: func(req acp.PermissionRequest) {
		forwarded <- req
	}}, nil)
	if _, err := f.rules.Add(permission.Rule{ToolName: "Bash", Pattern: "^echo", Action: permission.ActionAllow}); err != nil {
		t.Fatalf("Add rule failed: %v", err)
	}
	initialized(t, f)
	s := f.host.sessions.New("", f.root)

	input, _ := json.Marshal(map[string]string{"command": "echo hi"})
	f.agent.conn.Notify(acp.NoteSessionUpdate, acp.SessionUpdate{
		SessionID:  s.ID,
		Type:       acp.UpdateConfirmationRequest,
		ToolCallID: "tc1",
		ToolName:   "Bash",
		ToolInput:  input,
	})

	f.agent.waitForCall(t, acp.MethodSessionConfirmTool)
	var confirm acp.ConfirmToolParams
	f.agent.lastCall(t, acp.MethodSessionConfirmTool, &confirm)
	if !confirm.Confirmed || confirm.ToolCallID != "tc1" {
		t.Fatalf("confirm = %#v", confirm)
	}

	select {
	case req := <-forwarded:
		t.Fatalf("auto-resolution must not reach the user, got %#v", req)
	default:
	}
}

func TestUserConfirmationRoundTrip(t *testing.T) {
	forwarded := make(chan acp.PermissionRequest, 1)
	f := newFixture(t, Events{OnPermissionRequest: func(req acp.PermissionRequest) {
		forwarded <- req
	}}, nil)
	initialized(t, f)
	s := f.host.sessions.New("", f.root)

	f.agent.conn.Notify(acp.NoteSessionUpdate, acp.SessionUpdate{
		SessionID:  s.ID,
		Type:       acp.UpdateConfirmationRequest,
		ToolCallID: "tc2",
		ToolName:   "Bash",
		Confirmation: &acp.ConfirmationMetadata{
			Type: "command", RiskLevel: "high", Command: "rm -rf build",
		},
	})

	var req acp.PermissionRequest
	select {
	case req = <-forwarded:
	case <-time.After(5 * time.Second):
		t.Fatal("permission request never forwarded")
	}
	if req.ToolCallID != "tc2" {
		t.Fatalf("req = %#v", req)
	}
	if req.Confirmation == nil || req.Confirmation.Command != "rm -rf build" || req.Confirmation.RiskLevel != "high" {
		t.Fatalf("req.Confirmation = %#v", req.Confirmation)
	}

	if cur, _ := f.host.CurrentSession(); cur.Status != acp.StatusAwaitingConfirmation {
		t.Fatalf("status before decision = %s", cur.Status)
	}

	if err := f.host.ConfirmTool("tc2", false, permission.ConfirmOptions{}); err != nil {
		t.Fatalf("ConfirmTool failed: %v", err)
	}
	f.agent.waitForCall(t, acp.MethodSessionConfirmTool)
	var confirm acp.ConfirmToolParams
	f.agent.lastCall(t, acp.MethodSessionConfirmTool, &confirm)
	if confirm.Confirmed {
		t.Fatal("denied confirmation reported as confirmed")
	}

	// The session leaves awaiting_confirmation once the decision is
	// delivered.
	deadline := time.Now().Add(5 * time.Second)
	for {
		cur, ok := f.host.CurrentSession()
		if ok && cur.Status == acp.StatusActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session stuck in %s after confirmation", cur.Status)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestResolveChangeCallsAgent(t *testing.T) {
	f := newFixture(t, Events{}, nil)
	initialized(t, f)
	s := f.host.sessions.New("", f.root)

	f.agent.conn.Notify(acp.NoteSessionUpdate, acp.SessionUpdate{
		SessionID: s.ID,
		Type:      acp.UpdateFileChange,
		FileChange: &acp.FileChange{
			Path: "main.go", Type: acp.ChangeModified, Diff: "-a\n+b", Proposed: true,
		},
	})

	deadline := time.Now().Add(5 * time.Second)
	for len(f.host.PendingChanges(s.ID)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending change never recorded")
		}
		time.Sleep(time.Millisecond)
	}

	if err := f.host.ResolveChange(context.Background(), s.ID, "main.go", true); err != nil {
		t.Fatalf("ResolveChange failed: %v", err)
	}
	var ref acp.FileChangeRefParams
	f.agent.lastCall(t, acp.MethodSessionAcceptFileChange, &ref)
	if ref.Path != "main.go" || ref.SessionID != s.ID {
		t.Fatalf("ref = %#v", ref)
	}
	if len(f.host.PendingChanges(s.ID)) != 0 {
		t.Fatal("accepted change still pending")
	}
}

func TestPersistAndResumeHistory(t *testing.T) {
	hostEnd, agentEnd := net.Pipe()
	root := t.TempDir()
	ws, err := workspace.New(root)
	if err != nil {
		t.Fatalf("workspace.New failed: %v", err)
	}
	rules, err := permission.NewStore(filepath.Join(t.TempDir(), "rules.json"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	store, err := history.NewStore(":memory:")
	if err != nil {
		t.Fatalf("history.NewStore failed: %v", err)
	}

	agent := newFakeAgent(agentEnd, nil)
	h := New(hostEnd, Options{
		Workspace: ws, Rules: rules, History: store,
		FlushInterval: time.Millisecond,
	})
	t.Cleanup(func() {
		h.Close()
		agent.conn.Close()
		store.Close()
	})
	f := &hostFixture{host: h, agent: agent, root: root, rules: rules}
	initialized(t, f)

	s := h.sessions.New("refactor", root)
	if err := h.sessions.MarkActive(s.ID, "rename the thing"); err != nil {
		t.Fatalf("MarkActive failed: %v", err)
	}
	agent.conn.Notify(acp.NoteSessionUpdate, acp.SessionUpdate{
		SessionID: s.ID, Type: acp.UpdateText, Text: "done renaming",
	})
	agent.conn.Notify(acp.NoteSessionComplete, acp.SessionComplete{SessionID: s.ID, Reason: "done"})

	// Completion triggers persistence through the status hook.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, _, err := store.Load(s.ID); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session was never persisted")
		}
		time.Sleep(time.Millisecond)
	}

	resumed, err := h.ResumeHistory(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("ResumeHistory failed: %v", err)
	}
	agent.waitForCall(t, acp.MethodSessionResumeHistory)

	if resumed.Status != acp.StatusIdle {
		t.Fatalf("resumed status = %s", resumed.Status)
	}
	messages := resumed.Transcript.Messages()
	if len(messages) != 2 {
		t.Fatalf("resumed transcript has %d messages", len(messages))
	}
	if messages[0].Text != "rename the thing" || messages[1].Text != "done renaming" {
		t.Fatalf("resumed transcript = %#v", messages)
	}
}

func TestAgentDisconnectSurfacesError(t *testing.T) {
	errCh := make(chan acp.ErrorNote, 4)
	f := newFixture(t, Events{OnError: func(note acp.ErrorNote) {
		errCh <- note
	}}, nil)
	initialized(t, f)

	f.agent.conn.Close()

	select {
	case note := <-errCh:
		if note.Title != "Agent disconnected" {
			t.Fatalf("note = %#v", note)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect never surfaced")
	}
}

// asRPCError unwraps err into *rpc.Error.
func asRPCError(err error, target **rpc.Error) bool {
	for err != nil {
		if e, ok := err.(*rpc.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// codedDataCode digs the coded error identifier out of an RPC error's data.
func codedDataCode(err *rpc.Error) string {
	raw, merr := json.Marshal(err.Data)
	if merr != nil {
		return ""
	}
	var data struct {
		Code string `json:"code"`
	}
	if json.Unmarshal(raw, &data) != nil {
		return ""
	}
	return data.Code
}
