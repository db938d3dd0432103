// Package host wires the ACP components into one runtime: the RPC
// connection to the agent process, the capability surface served back to
// it, and the user-facing operations a frontend (CLI or bridge) drives.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/agentdeck/host/internal/acp"
	apperrors "github.com/agentdeck/host/internal/errors"
	"github.com/agentdeck/host/internal/history"
	"github.com/agentdeck/host/internal/pending"
	"github.com/agentdeck/host/internal/permission"
	"github.com/agentdeck/host/internal/rpc"
	"github.com/agentdeck/host/internal/session"
	"github.com/agentdeck/host/internal/terminal"
	"github.com/agentdeck/host/internal/workspace"
)

// Version is the host version reported in the initialize handshake.
const Version = "0.1.0"

// Events are the host's outbound callbacks toward the user-facing layer.
// All fields are optional.
type Events struct {
	OnText              func(sessionID, text string)
	OnStatus            func(sessionID string, status acp.SessionStatus)
	OnError             func(note acp.ErrorNote)
	OnTaskList          func(sessionID string, tasks []acp.TaskItem)
	OnPermissionRequest func(req acp.PermissionRequest)
}

// Options configure a Host.
type Options struct {
	Workspace *workspace.Workspace
	Rules     *permission.Store

	// History is optional; history operations fail cleanly without it.
	History *history.Store

	MaxTerminals  int
	FlushInterval time.Duration
	FlushBytes    int

	Events Events
}

// Host is the ACP runtime for one agent connection.
type Host struct {
	conn      *rpc.Conn
	workspace *workspace.Workspace

	sessions    *session.Manager
	changes     *pending.Tracker
	permissions *permission.Engine
	terminals   *terminal.Registry
	store       *history.Store

	events Events

	// ctx bounds every suspension tied to this connection; cancelled on
	// Close and on agent exit.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	initialized bool
	closed      bool
}

// New builds a Host over an established duplex stream to the agent. Call
// Initialize before using any session operation.
func New(stream io.ReadWriteCloser, opts Options) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		workspace: opts.Workspace,
		store:     opts.History,
		events:    opts.Events,
		ctx:       ctx,
		cancel:    cancel,
	}

	h.terminals = terminal.NewRegistryWithLimit(opts.MaxTerminals)
	h.changes = pending.NewTracker(h.resolveFileChange)
	h.permissions = permission.NewEngine(opts.Rules, func(req acp.PermissionRequest) {
		if h.events.OnPermissionRequest != nil {
			h.events.OnPermissionRequest(req)
		}
	})

	h.sessions = session.NewManager(h.changes, session.Hooks{
		OnText:         h.events.OnText,
		OnStatus:       h.onSessionStatus,
		OnError:        h.onSessionError,
		OnTaskList:     h.events.OnTaskList,
		OnConfirmation: h.resolveConfirmation,
	})
	h.sessions.SetBatching(opts.FlushInterval, opts.FlushBytes)

	registry := rpc.NewRegistry()
	h.registerCapabilities(registry)
	h.conn = rpc.NewConn(stream, registry)

	h.conn.OnNotification(acp.NoteSessionUpdate, h.guarded("session update", func(params json.RawMessage) error {
		var update acp.SessionUpdate
		if err := json.Unmarshal(params, &update); err != nil {
			return apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed session/update", err)
		}
		return h.sessions.HandleUpdate(update)
	}))
	h.conn.OnNotification(acp.NoteSessionComplete, h.guarded("session complete", func(params json.RawMessage) error {
		var complete acp.SessionComplete
		if err := json.Unmarshal(params, &complete); err != nil {
			return apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed session/complete", err)
		}
		return h.sessions.HandleComplete(complete)
	}))

	go h.watchConnection()
	return h
}

// guarded wraps a notification handler so a failure is surfaced as an error
// note instead of crashing the read loop.
func (h *Host) guarded(what string, fn func(params json.RawMessage) error) rpc.NotificationHandler {
	return func(params json.RawMessage) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("host: panic handling %s: %v", what, r)
				h.emitError(acp.ErrorNote{Title: "Internal error", Message: fmt.Sprint(r)})
			}
		}()
		if err := fn(params); err != nil {
			log.Printf("host: failed to handle %s: %v", what, err)
			h.emitError(acp.ErrorNote{
				Title:   "Failed to handle " + what,
				Message: apperrors.GetMessage(err),
				Code:    apperrors.GetCode(err),
			})
		}
	}
}

func (h *Host) emitError(note acp.ErrorNote) {
	if h.events.OnError != nil {
		h.events.OnError(note)
	}
}

// watchConnection cleans up in-flight state when the agent side goes away:
// terminals are killed, batchers flushed, and suspended confirmations
// unwound. Pending RPC callers are already rejected by the connection.
func (h *Host) watchConnection() {
	<-h.conn.Done()
	h.cancel()

	h.mu.Lock()
	wasClosed := h.closed
	h.mu.Unlock()

	h.terminals.Shutdown()
	h.sessions.Shutdown()
	if !wasClosed {
		log.Printf("host: agent connection lost")
		h.emitError(acp.ErrorNote{Title: "Agent disconnected", Message: "the agent process ended unexpectedly"})
	}
}

// Initialize performs the ACP handshake. Every other operation fails with a
// not-initialized error until it succeeds.
func (h *Host) Initialize(ctx context.Context) (*acp.InitializeResult, error) {
	params := acp.InitializeParams{
		ProtocolVersion: acp.ProtocolVersion,
		ClientInfo:      acp.ClientInfo{Name: "agentdeck", Version: Version},
		Capabilities: acp.ClientCapabilities{
			Terminal: true,
			FS:       acp.FSCapabilities{ReadTextFile: true, WriteTextFile: true},
			Features: acp.FeatureFlags{
				Streaming:    true,
				DiffPreview:  true,
				Thought:      true,
				ToolCallList: true,
				TaskList:     true,
				MultiSession: true,
			},
		},
	}

	raw, err := h.conn.Call(ctx, acp.MethodInitialize, params)
	if err != nil {
		return nil, err
	}
	var result acp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed initialize result", err)
	}
	if result.ProtocolVersion > acp.ProtocolVersion {
		return nil, apperrors.New(apperrors.CodeRPCInvalidParams,
			fmt.Sprintf("agent requires protocol version %d, host speaks %d", result.ProtocolVersion, acp.ProtocolVersion))
	}

	h.mu.Lock()
	h.initialized = true
	h.mu.Unlock()
	log.Printf("host: initialized, agent protocol version %d", result.ProtocolVersion)
	return &result, nil
}

func (h *Host) ensureInitialized(operation string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return apperrors.NotInitialized(operation)
	}
	return nil
}

// NewSession creates a session on both sides and makes it current locally.
func (h *Host) NewSession(ctx context.Context, title string) (*session.Session, error) {
	if err := h.ensureInitialized(acp.MethodSessionNew); err != nil {
		return nil, err
	}
	s := h.sessions.New(title, h.workspace.Root())
	if _, err := h.conn.Call(ctx, acp.MethodSessionNew, acp.NewSessionParams{Title: title, Cwd: s.Cwd}); err != nil {
		_ = h.sessions.Delete(s.ID)
		return nil, err
	}
	return s, nil
}

// Prompt sends user text to the agent on the current session, implicitly
// creating one when none exists. It returns once the agent's turn stops.
func (h *Host) Prompt(ctx context.Context, text string, persistent bool) (*acp.PromptResult, error) {
	if err := h.ensureInitialized(acp.MethodSessionPrompt); err != nil {
		return nil, err
	}
	s := h.sessions.EnsureCurrent(h.workspace.Root())
	if err := h.sessions.MarkActive(s.ID, text); err != nil {
		return nil, err
	}

	raw, err := h.conn.Call(ctx, acp.MethodSessionPrompt, acp.PromptParams{
		SessionID:  s.ID,
		Prompt:     []acp.ContentBlock{{Type: "text", Text: text}},
		Persistent: persistent,
	})
	if err != nil {
		return nil, err
	}
	var result acp.PromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed prompt result", err)
	}
	return &result, nil
}

// SwitchSession changes the current session on both sides.
func (h *Host) SwitchSession(ctx context.Context, id string) error {
	if err := h.ensureInitialized(acp.MethodSessionSwitch); err != nil {
		return err
	}
	if err := h.sessions.Switch(id); err != nil {
		return err
	}
	_, err := h.conn.Call(ctx, acp.MethodSessionSwitch, acp.SessionRefParams{SessionID: id})
	return err
}

// DeleteSession removes a session on both sides. Pending file changes for
// it are cleared.
func (h *Host) DeleteSession(ctx context.Context, id string) error {
	if err := h.ensureInitialized(acp.MethodSessionDelete); err != nil {
		return err
	}
	if err := h.sessions.Delete(id); err != nil {
		return err
	}
	_, err := h.conn.Call(ctx, acp.MethodSessionDelete, acp.SessionRefParams{SessionID: id})
	return err
}

// CancelSession asks the agent to stop the session's current turn. The
// status transitions once the agent confirms completion; buffered
// transcript text is never truncated.
func (h *Host) CancelSession(id string) error {
	if err := h.ensureInitialized(acp.MethodSessionCancel); err != nil {
		return err
	}
	if _, err := h.sessions.Get(id); err != nil {
		return err
	}
	return h.conn.Notify(acp.MethodSessionCancel, acp.SessionRefParams{SessionID: id})
}

// ChangeSettings forwards per-session settings to the agent.
func (h *Host) ChangeSettings(ctx context.Context, params acp.ChangeSettingsParams) error {
	if err := h.ensureInitialized(acp.MethodSessionChangeSettings); err != nil {
		return err
	}
	_, err := h.conn.Call(ctx, acp.MethodSessionChangeSettings, params)
	return err
}

// ConfirmTool resolves a suspended tool confirmation with the user's
// decision.
func (h *Host) ConfirmTool(toolCallID string, confirmed bool, opts permission.ConfirmOptions) error {
	return h.permissions.ConfirmTool(toolCallID, confirmed, opts)
}

// PendingChanges lists a session's undecided file changes in proposal order.
func (h *Host) PendingChanges(sessionID string) []acp.FileChange {
	return h.changes.List(sessionID)
}

// ResolveChange accepts or rejects one pending file change.
func (h *Host) ResolveChange(ctx context.Context, sessionID, path string, accept bool) error {
	if err := h.ensureInitialized("resolveChange"); err != nil {
		return err
	}
	return h.changes.Resolve(ctx, sessionID, path, accept)
}

// ResolveAllChanges accepts or rejects every pending change of a session.
// Failures are per-path; one failure never aborts the rest.
func (h *Host) ResolveAllChanges(ctx context.Context, sessionID string, accept bool) []pending.ResolveError {
	if err := h.ensureInitialized("resolveAllChanges"); err != nil {
		return []pending.ResolveError{{Err: err}}
	}
	return h.changes.ResolveAll(ctx, sessionID, accept)
}

// resolveFileChange is the tracker's RPC callback for accept/reject.
func (h *Host) resolveFileChange(ctx context.Context, sessionID, path string, accept bool) error {
	method := acp.MethodSessionRejectFileChange
	if accept {
		method = acp.MethodSessionAcceptFileChange
	}
	_, err := h.conn.Call(ctx, method, acp.FileChangeRefParams{SessionID: sessionID, Path: path})
	return err
}

// resolveConfirmation runs a confirmation_request through the permission
// engine and reports the decision back to the agent. It runs on its own
// goroutine because the engine may suspend on user input.
func (h *Host) resolveConfirmation(sessionID, toolCallID, toolName string, input json.RawMessage, meta *acp.ConfirmationMetadata) {
	outcome, err := h.permissions.HandleRequest(h.ctx, sessionID, toolCallID, toolName, input, meta)
	if err != nil {
		log.Printf("host: confirmation for %s failed: %v", toolCallID, err)
		return
	}

	_, err = h.conn.Call(h.ctx, acp.MethodSessionConfirmTool, acp.ConfirmToolParams{
		SessionID:     sessionID,
		ToolCallID:    toolCallID,
		Confirmed:     outcome.Allow,
		EditedContent: outcome.EditedContent,
	})
	if err != nil {
		log.Printf("host: failed to deliver confirmation for %s: %v", toolCallID, err)
		h.emitError(acp.ErrorNote{
			Title:   "Confirmation not delivered",
			Message: apperrors.GetMessage(err),
			Code:    apperrors.GetCode(err),
		})
	}

	// The decision is out the door either way; streaming resumes.
	h.sessions.ResumeAfterConfirmation(sessionID)
}

// onSessionStatus persists finished sessions and forwards the transition.
func (h *Host) onSessionStatus(sessionID string, status acp.SessionStatus) {
	switch status {
	case acp.StatusCompleted, acp.StatusCancelled, acp.StatusTimeout, acp.StatusError:
		h.persistSession(sessionID)
	}
	if h.events.OnStatus != nil {
		h.events.OnStatus(sessionID, status)
	}
}

func (h *Host) onSessionError(sessionID, message string, recoverable bool) {
	title := "Session error"
	if recoverable {
		title = "Session warning"
	}
	h.emitError(acp.ErrorNote{Title: title, Message: message})
}

func (h *Host) persistSession(sessionID string) {
	if h.store == nil {
		return
	}
	s, err := h.sessions.Get(sessionID)
	if err != nil {
		return
	}
	record, entries := snapshotSession(s)
	if err := h.store.Save(record, entries); err != nil {
		log.Printf("host: failed to persist session %s: %v", sessionID, err)
	}
}

// Sessions returns value snapshots of live sessions.
func (h *Host) Sessions() []session.Summary {
	return h.sessions.List()
}

// CurrentSession returns a snapshot of the current session, if any.
func (h *Host) CurrentSession() (session.Summary, bool) {
	return h.sessions.Current()
}

// Rules exposes the permission rule store for the rules surface.
func (h *Host) Rules() *permission.Store {
	return h.permissions.Rules()
}

// ListHistory returns persisted sessions, most recent first.
func (h *Host) ListHistory() ([]acp.HistoryEntry, error) {
	if h.store == nil {
		return nil, apperrors.New(apperrors.CodeHistoryNotFound, "history persistence is disabled")
	}
	records, err := h.store.List()
	if err != nil {
		return nil, err
	}
	entries := make([]acp.HistoryEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, acp.HistoryEntry{
			SessionID: r.ID,
			Title:     r.Title,
			Cwd:       r.Cwd,
			Status:    acp.SessionStatus(r.Status),
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return entries, nil
}

// LoadHistory returns a persisted session and its transcript without
// resuming it.
func (h *Host) LoadHistory(id string) (history.SessionRecord, []history.EntryRecord, error) {
	if h.store == nil {
		return history.SessionRecord{}, nil, apperrors.New(apperrors.CodeHistoryNotFound, "history persistence is disabled")
	}
	return h.store.Load(id)
}

// DeleteHistory removes a persisted session.
func (h *Host) DeleteHistory(id string) error {
	if h.store == nil {
		return apperrors.New(apperrors.CodeHistoryNotFound, "history persistence is disabled")
	}
	return h.store.Delete(id)
}

// ResumeHistory rebuilds a persisted session as a fresh live session with
// status reset to idle, creates its agent-side counterpart, and makes it
// current.
func (h *Host) ResumeHistory(ctx context.Context, id string) (*session.Session, error) {
	if err := h.ensureInitialized(acp.MethodSessionResumeHistory); err != nil {
		return nil, err
	}
	record, entries, err := h.LoadHistory(id)
	if err != nil {
		return nil, err
	}

	s := h.sessions.New(record.Title, record.Cwd)
	restoreTranscript(s.Transcript, entries)

	if _, err := h.conn.Call(ctx, acp.MethodSessionResumeHistory, acp.SessionRefParams{SessionID: id}); err != nil {
		_ = h.sessions.Delete(s.ID)
		return nil, err
	}
	return s, nil
}

// Close shuts the host down: a best-effort shutdown request to the agent,
// final batcher flushes, terminal teardown, and closing the stream.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	initialized := h.initialized
	h.mu.Unlock()

	if initialized {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := h.conn.Call(ctx, acp.MethodShutdown, nil); err != nil {
			log.Printf("host: shutdown request failed: %v", err)
		}
		cancel()
	}

	for _, s := range h.sessions.List() {
		h.persistSession(s.ID)
	}

	h.cancel()
	h.sessions.Shutdown()
	h.terminals.Shutdown()
	return h.conn.Close()
}
