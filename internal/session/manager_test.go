package session

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentdeck/host/internal/acp"
	apperrors "github.com/agentdeck/host/internal/errors"
	"github.com/agentdeck/host/internal/pending"
)

func newTestManager(t *testing.T, hooks Hooks) (*Manager, *pending.Tracker) {
	t.Helper()
	tracker := pending.NewTracker(nil)
	m := NewManager(tracker, hooks)
	return m, tracker
}

func TestNewSessionBecomesCurrent(t *testing.T) {
	m, _ := newTestManager(t, Hooks{})
	s := m.New("refactor auth", "/work")

	if s.Status != acp.StatusIdle {
		t.Fatalf("Status = %s", s.Status)
	}
	if cur, ok := m.Current(); !ok || cur.ID != s.ID {
		t.Fatal("new session must be current")
	}
}

func TestEnsureCurrentCreatesImplicitly(t *testing.T) {
	m, _ := newTestManager(t, Hooks{})
	s := m.EnsureCurrent("/work")
	if s == nil {
		t.Fatal("EnsureCurrent returned nil")
	}
	if again := m.EnsureCurrent("/work"); again.ID != s.ID {
		t.Fatal("second EnsureCurrent must reuse the current session")
	}
}

func TestSwitchAndDelete(t *testing.T) {
	m, tracker := newTestManager(t, Hooks{})
	a := m.New("a", "/work")
	b := m.New("b", "/work")

	if err := m.Switch(a.ID); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	if cur, ok := m.Current(); !ok || cur.ID != a.ID {
		t.Fatal("Switch did not change current")
	}
	if err := m.Switch("ghost"); !apperrors.IsCode(err, apperrors.CodeSessionNotFound) {
		t.Fatalf("Switch(ghost) = %v", err)
	}

	// Deleting the active session clears its pending changes.
	tracker.Record(a.ID, acp.FileChange{Path: "a.txt", Type: acp.ChangeModified, Proposed: true})
	if err := m.Delete(a.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(tracker.List(a.ID)) != 0 {
		t.Fatal("Delete must clear pending changes")
	}
	if _, ok := m.Current(); ok {
		t.Fatal("deleting the current session clears current")
	}
	if m.Count() != 1 {
		t.Fatalf("Count = %d", m.Count())
	}
	_ = b
}

func TestHandleUpdateUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, Hooks{})
	err := m.HandleUpdate(acp.SessionUpdate{SessionID: "ghost", Type: acp.UpdateText, Text: "x"})
	if !apperrors.IsCode(err, apperrors.CodeSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestTextUpdatesCoalesceUntilComplete(t *testing.T) {
	m, _ := newTestManager(t, Hooks{})
	s := m.New("", "/work")

	for _, delta := range []string{"one ", "two ", "three"} {
		if err := m.HandleUpdate(acp.SessionUpdate{SessionID: s.ID, Type: acp.UpdateText, Text: delta}); err != nil {
			t.Fatalf("HandleUpdate failed: %v", err)
		}
	}
	if s.Transcript.Len() != 1 {
		t.Fatalf("transcript Len = %d, want 1", s.Transcript.Len())
	}
	if s.Transcript.Messages()[0].Text != "one two three" {
		t.Fatalf("Text = %q", s.Transcript.Messages()[0].Text)
	}

	if err := m.HandleComplete(acp.SessionComplete{SessionID: s.ID, Reason: "done"}); err != nil {
		t.Fatalf("HandleComplete failed: %v", err)
	}
	if !s.Transcript.Messages()[0].Complete {
		t.Fatal("completion must seal the assistant message")
	}
	if s.Status != acp.StatusCompleted {
		t.Fatalf("Status = %s", s.Status)
	}

	// A late text event starts a new turn instead of mutating the sealed one.
	if err := m.HandleUpdate(acp.SessionUpdate{SessionID: s.ID, Type: acp.UpdateText, Text: "late"}); err != nil {
		t.Fatalf("HandleUpdate failed: %v", err)
	}
	if s.Transcript.Len() != 2 {
		t.Fatalf("transcript Len = %d, want 2", s.Transcript.Len())
	}
}

func TestCompleteFlushesBufferedText(t *testing.T) {
	var mu sync.Mutex
	var got strings.Builder
	m, _ := newTestManager(t, Hooks{OnText: func(_, text string) {
		mu.Lock()
		got.WriteString(text)
		mu.Unlock()
	}})
	// An hour-long interval: only the completion flush can deliver.
	m.SetBatching(time.Hour, 1<<20)
	s := m.New("", "/work")

	m.HandleUpdate(acp.SessionUpdate{SessionID: s.ID, Type: acp.UpdateText, Text: "buffered "})
	m.HandleUpdate(acp.SessionUpdate{SessionID: s.ID, Type: acp.UpdateText, Text: "tail"})
	if err := m.HandleComplete(acp.SessionComplete{SessionID: s.ID, Reason: "done"}); err != nil {
		t.Fatalf("HandleComplete failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.String() != "buffered tail" {
		t.Fatalf("flushed text = %q", got.String())
	}
}

func TestMCPCallNamespacesToolName(t *testing.T) {
	m, _ := newTestManager(t, Hooks{})
	s := m.New("", "/work")

	m.HandleUpdate(acp.SessionUpdate{
		SessionID:  s.ID,
		Type:       acp.UpdateMCPCall,
		ToolCallID: "tc1",
		ToolName:   "create_issue",
		Server:     "github",
	})
	call := s.Transcript.ToolCall("tc1")
	if call == nil || call.Name != "mcp__github__create_issue" {
		t.Fatalf("call = %#v", call)
	}
}

func TestBashRequestSynthesizesPendingCall(t *testing.T) {
	m, _ := newTestManager(t, Hooks{})
	s := m.New("", "/work")

	m.HandleUpdate(acp.SessionUpdate{
		SessionID:  s.ID,
		Type:       acp.UpdateBashRequest,
		ToolCallID: "tc1",
		Command:    "make test",
	})
	call := s.Transcript.ToolCall("tc1")
	if call == nil || call.Name != "Bash" || call.Status != acp.ToolPending {
		t.Fatalf("call = %#v", call)
	}
	var input map[string]string
	if err := json.Unmarshal(call.Input, &input); err != nil || input["command"] != "make test" {
		t.Fatalf("Input = %s (%v)", call.Input, err)
	}
}

func TestTaskListReplacedWholesale(t *testing.T) {
	m, _ := newTestManager(t, Hooks{})
	s := m.New("", "/work")

	m.HandleUpdate(acp.SessionUpdate{SessionID: s.ID, Type: acp.UpdateTaskList, Tasks: []acp.TaskItem{
		{ID: "1", Label: "old a"}, {ID: "2", Label: "old b"},
	}})
	m.HandleUpdate(acp.SessionUpdate{SessionID: s.ID, Type: acp.UpdateTaskList, Tasks: []acp.TaskItem{
		{ID: "3", Label: "new"},
	}})

	if len(s.Tasks) != 1 || s.Tasks[0].ID != "3" {
		t.Fatalf("Tasks = %#v", s.Tasks)
	}
}

func TestFileChangeRoutedToTracker(t *testing.T) {
	m, tracker := newTestManager(t, Hooks{})
	s := m.New("", "/work")

	m.HandleUpdate(acp.SessionUpdate{SessionID: s.ID, Type: acp.UpdateFileChange, FileChange: &acp.FileChange{
		Path: "main.go", Type: acp.ChangeModified, Diff: "v1", Proposed: true,
	}})
	changes := tracker.List(s.ID)
	if len(changes) != 1 || changes[0].Path != "main.go" {
		t.Fatalf("changes = %#v", changes)
	}
}

func TestConfirmationRequestSuspendsSession(t *testing.T) {
	type confirmation struct {
		sessionID, toolCallID, toolName string
		meta                            *acp.ConfirmationMetadata
	}
	confirmCh := make(chan confirmation, 1)
	m, _ := newTestManager(t, Hooks{OnConfirmation: func(sessionID, toolCallID, toolName string, _ json.RawMessage, meta *acp.ConfirmationMetadata) {
		confirmCh <- confirmation{sessionID, toolCallID, toolName, meta}
	}})
	s := m.New("", "/work")

	m.HandleUpdate(acp.SessionUpdate{
		SessionID:  s.ID,
		Type:       acp.UpdateConfirmationRequest,
		ToolCallID: "tc1",
		ToolName:   "Bash",
		Confirmation: &acp.ConfirmationMetadata{
			Type: "command", RiskLevel: "high", Command: "rm -rf build",
		},
	})

	if s.Status != acp.StatusAwaitingConfirmation {
		t.Fatalf("Status = %s", s.Status)
	}
	call := s.Transcript.ToolCall("tc1")
	if call.Status != acp.ToolAwaitingConfirmation || call.Confirmation == nil {
		t.Fatalf("call = %#v", call)
	}

	select {
	case got := <-confirmCh:
		if got.sessionID != s.ID || got.toolCallID != "tc1" || got.toolName != "Bash" {
			t.Fatalf("confirmation hook got %#v", got)
		}
		if got.meta == nil || got.meta.RiskLevel != "high" || got.meta.Command != "rm -rf build" {
			t.Fatalf("confirmation hook meta = %#v", got.meta)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("confirmation hook never fired")
	}
}

func TestResumeAfterConfirmationRestoresActive(t *testing.T) {
	m, _ := newTestManager(t, Hooks{})
	s := m.New("", "/work")
	m.MarkActive(s.ID, "delete the build dir")

	m.HandleUpdate(acp.SessionUpdate{
		SessionID:  s.ID,
		Type:       acp.UpdateConfirmationRequest,
		ToolCallID: "tc1",
		ToolName:   "Bash",
	})
	if s.Status != acp.StatusAwaitingConfirmation {
		t.Fatalf("Status = %s", s.Status)
	}

	m.ResumeAfterConfirmation(s.ID)
	if s.Status != acp.StatusActive {
		t.Fatalf("Status after resolution = %s, want %s", s.Status, acp.StatusActive)
	}

	// Resolution after the turn already ended must not reanimate the
	// session.
	m.HandleComplete(acp.SessionComplete{SessionID: s.ID, Reason: "done"})
	m.ResumeAfterConfirmation(s.ID)
	if s.Status != acp.StatusCompleted {
		t.Fatalf("Status after completion = %s", s.Status)
	}
}

func TestListAndCurrentAreSafeDuringUpdates(t *testing.T) {
	m, _ := newTestManager(t, Hooks{})
	s := m.New("busy", "/work")
	m.MarkActive(s.ID, "go")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			m.HandleUpdate(acp.SessionUpdate{SessionID: s.ID, Type: acp.UpdateText, Text: "chunk"})
		}
		m.HandleComplete(acp.SessionComplete{SessionID: s.ID, Reason: "done"})
	}()

	// Reads race the writer goroutine; the returned summaries are value
	// copies, so this is clean under the race detector.
	deadline := time.Now().Add(5 * time.Second)
	for {
		list := m.List()
		if len(list) != 1 || list[0].ID != s.ID {
			t.Fatalf("List = %#v", list)
		}
		if cur, ok := m.Current(); !ok || cur.ID != s.ID {
			t.Fatal("current session lost during updates")
		}
		if list[0].Status == acp.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never completed, status %s", list[0].Status)
		}
	}
	<-done
}

func TestNonRecoverableErrorSetsErrorStatus(t *testing.T) {
	var mu sync.Mutex
	var surfaced []string
	m, _ := newTestManager(t, Hooks{OnError: func(_, msg string, _ bool) {
		mu.Lock()
		surfaced = append(surfaced, msg)
		mu.Unlock()
	}})
	s := m.New("", "/work")

	m.HandleUpdate(acp.SessionUpdate{SessionID: s.ID, Type: acp.UpdateErr, Error: &acp.UpdateError{
		Message: "rate limited", Recoverable: true,
	}})
	if s.Status == acp.StatusError {
		t.Fatal("recoverable error must not change status to error")
	}

	m.HandleUpdate(acp.SessionUpdate{SessionID: s.ID, Type: acp.UpdateErr, Error: &acp.UpdateError{
		Message: "agent crashed", Recoverable: false,
	}})
	if s.Status != acp.StatusError {
		t.Fatalf("Status = %s", s.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(surfaced) != 2 {
		t.Fatalf("surfaced = %#v", surfaced)
	}
}

func TestCompleteReasonMapsToStatus(t *testing.T) {
	cases := []struct {
		reason string
		errMsg string
		want   acp.SessionStatus
	}{
		{"done", "", acp.StatusCompleted},
		{"cancelled", "", acp.StatusCancelled},
		{"timeout", "", acp.StatusTimeout},
		{"error", "boom", acp.StatusError},
		{"done", "late failure", acp.StatusError},
	}
	for _, tc := range cases {
		m, _ := newTestManager(t, Hooks{})
		s := m.New("", "/work")
		if err := m.HandleComplete(acp.SessionComplete{SessionID: s.ID, Reason: tc.reason, Error: tc.errMsg}); err != nil {
			t.Fatalf("HandleComplete(%s) failed: %v", tc.reason, err)
		}
		if s.Status != tc.want {
			t.Fatalf("reason %q: Status = %s, want %s", tc.reason, s.Status, tc.want)
		}
	}
}

func TestMarkActiveRecordsPrompt(t *testing.T) {
	m, _ := newTestManager(t, Hooks{})
	s := m.New("", "/work")

	if err := m.MarkActive(s.ID, "fix the tests"); err != nil {
		t.Fatalf("MarkActive failed: %v", err)
	}
	if s.Status != acp.StatusActive {
		t.Fatalf("Status = %s", s.Status)
	}
	if s.Transcript.Len() != 1 || s.Transcript.Messages()[0].Role != RoleUser {
		t.Fatalf("transcript = %#v", s.Transcript.Messages())
	}
}
