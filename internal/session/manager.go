// Package session owns agent conversations: their lifecycle, status
// machine, and the transcript of everything a session has said and done.
package session

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/host/internal/acp"
	apperrors "github.com/agentdeck/host/internal/errors"
	"github.com/agentdeck/host/internal/pending"
)

// Session is a single agent conversation. It is owned exclusively by the
// Manager; other components hold only its ID.
type Session struct {
	ID           string
	Title        string
	Cwd          string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActivity time.Time
	Status       acp.SessionStatus
	Transcript   *Transcript
	Tasks        []acp.TaskItem

	batcher *TextBatcher
}

// Summary is a value snapshot of a session's mutable state, safe to read
// without holding the manager's lock. List and Current return summaries;
// the *Session itself is mutated only under the manager's lock.
type Summary struct {
	ID           string
	Title        string
	Cwd          string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActivity time.Time
	Status       acp.SessionStatus
}

// summary is called with the manager's lock held.
func (s *Session) summary() Summary {
	return Summary{
		ID:           s.ID,
		Title:        s.Title,
		Cwd:          s.Cwd,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		LastActivity: s.LastActivity,
		Status:       s.Status,
	}
}

// Hooks are the manager's outbound callbacks. All fields are optional.
// OnConfirmation is invoked on its own goroutine because resolving a
// confirmation can suspend on user input, and notification handling must
// keep draining the wire meanwhile.
type Hooks struct {
	OnText         func(sessionID, text string)
	OnStatus       func(sessionID string, status acp.SessionStatus)
	OnError        func(sessionID, message string, recoverable bool)
	OnConfirmation func(sessionID, toolCallID, toolName string, input json.RawMessage, meta *acp.ConfirmationMetadata)
	OnTaskList     func(sessionID string, tasks []acp.TaskItem)
}

// Manager tracks all sessions and routes agent notifications into them.
// Notifications for one session are applied in wire order; the Manager
// never reorders events.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	current  string

	changes *pending.Tracker
	hooks   Hooks

	flushInterval time.Duration
	flushBytes    int
}

// NewManager creates a manager. The pending-change tracker receives every
// file_change notification and is cleared per-session on delete.
func NewManager(changes *pending.Tracker, hooks Hooks) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		changes:  changes,
		hooks:    hooks,
	}
}

// SetBatching overrides the text batching thresholds. Intended for tests.
func (m *Manager) SetBatching(interval time.Duration, maxBytes int) {
	m.flushInterval = interval
	m.flushBytes = maxBytes
}

// New creates a fresh session and makes it current.
func (m *Manager) New(title, cwd string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newLocked(title, cwd)
}

func (m *Manager) newLocked(title, cwd string) *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		Title:        title,
		Cwd:          cwd,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
		Status:       acp.StatusIdle,
		Transcript:   NewTranscript(),
	}
	sessionID := s.ID
	s.batcher = NewTextBatcher(m.flushInterval, m.flushBytes, func(text string) {
		if m.hooks.OnText != nil {
			m.hooks.OnText(sessionID, text)
		}
	})
	m.sessions[s.ID] = s
	m.current = s.ID
	return s
}

// Get returns the session with the given ID. The session's mutable fields
// are guarded by the manager's lock; callers outside the notification path
// should read through List or Current instead.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.SessionNotFound(id)
	}
	return s, nil
}

// Current returns a snapshot of the current session. The second return is
// false when no session exists.
func (m *Manager) Current() (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[m.current]
	if m.current == "" || !ok {
		return Summary{}, false
	}
	return s.summary(), true
}

// EnsureCurrent returns the current session, implicitly creating one when
// none exists. Send operations use this so a first prompt never fails for
// lack of a session.
func (m *Manager) EnsureCurrent(cwd string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != "" {
		if s, ok := m.sessions[m.current]; ok {
			return s
		}
	}
	return m.newLocked("", cwd)
}

// Switch makes the session with the given ID current.
func (m *Manager) Switch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return apperrors.SessionNotFound(id)
	}
	m.current = id
	return nil
}

// Delete removes a session, flushing its batcher and clearing any pending
// file changes recorded for it.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return apperrors.SessionNotFound(id)
	}
	delete(m.sessions, id)
	if m.current == id {
		m.current = ""
	}
	m.mu.Unlock()

	s.batcher.Close()
	m.changes.DeleteSession(id)
	return nil
}

// List returns value snapshots of all sessions ordered by creation time.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// MarkActive transitions a session to active and records the user's prompt
// in the transcript. Called when a prompt is sent to the agent.
func (m *Manager) MarkActive(id, prompt string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return apperrors.SessionNotFound(id)
	}
	if prompt != "" {
		s.Transcript.AppendUser(prompt)
	}
	s.Status = acp.StatusActive
	s.LastActivity = time.Now()
	s.UpdatedAt = s.LastActivity
	m.mu.Unlock()

	m.notifyStatus(id, acp.StatusActive)
	return nil
}

// HandleUpdate routes a session/update notification into the session it
// names. Updates for one session must be delivered in wire order.
func (m *Manager) HandleUpdate(update acp.SessionUpdate) error {
	m.mu.Lock()
	s, ok := m.sessions[update.SessionID]
	if !ok {
		m.mu.Unlock()
		return apperrors.SessionNotFound(update.SessionID)
	}
	s.LastActivity = time.Now()
	s.UpdatedAt = s.LastActivity

	var statusChange acp.SessionStatus

	switch update.Type {
	case acp.UpdateThought:
		s.Transcript.AppendThought(update.Thought, update.IsComplete)

	case acp.UpdateText:
		s.Transcript.AppendText(update.Text)
		s.batcher.Add(update.Text)

	case acp.UpdateToolUse:
		s.Transcript.UpsertToolCall(update.ToolCallID, ToolCall{
			Name:   update.ToolName,
			Status: acp.ToolRunning,
			Input:  update.ToolInput,
		})

	case acp.UpdateToolResult:
		status := acp.ToolCompleted
		if update.IsError {
			status = acp.ToolFailed
		}
		s.Transcript.UpsertToolCall(update.ToolCallID, ToolCall{
			Status:  status,
			Result:  update.Result,
			IsError: update.IsError,
		})

	case acp.UpdateMCPCall:
		s.Transcript.UpsertToolCall(update.ToolCallID, ToolCall{
			Name:   mcpToolName(update.Server, update.ToolName),
			Status: acp.ToolRunning,
			Input:  update.ToolInput,
		})

	case acp.UpdateBashRequest:
		input, _ := json.Marshal(map[string]string{"command": update.Command})
		s.Transcript.UpsertToolCall(update.ToolCallID, ToolCall{
			Name:   "Bash",
			Status: acp.ToolPending,
			Input:  input,
		})

	case acp.UpdateTaskList:
		// Wholesale replacement, never a merge.
		s.Tasks = update.Tasks
		if m.hooks.OnTaskList != nil {
			tasks := update.Tasks
			id := s.ID
			defer m.hooks.OnTaskList(id, tasks)
		}

	case acp.UpdateFileChange:
		if update.FileChange != nil {
			m.changes.Record(s.ID, *update.FileChange)
		}

	case acp.UpdateConfirmationRequest:
		call := s.Transcript.UpsertToolCall(update.ToolCallID, ToolCall{
			Name:         update.ToolName,
			Status:       acp.ToolAwaitingConfirmation,
			Input:        update.ToolInput,
			Confirmation: update.Confirmation,
		})
		s.Status = acp.StatusAwaitingConfirmation
		statusChange = acp.StatusAwaitingConfirmation
		if m.hooks.OnConfirmation != nil {
			// Resolution may suspend on the user. Run it off the
			// notification path so the wire keeps draining.
			go m.hooks.OnConfirmation(s.ID, call.ID, call.Name, call.Input, update.Confirmation)
		}

	case acp.UpdateSubagentRun:
		if update.Subagent != nil {
			input, _ := json.Marshal(update.Subagent)
			s.Transcript.UpsertToolCall(update.ToolCallID, ToolCall{
				Name:   "Task",
				Status: acp.ToolRunning,
				Input:  input,
			})
		}

	case acp.UpdateErr:
		if update.Error != nil {
			if !update.Error.Recoverable {
				s.Status = acp.StatusError
				statusChange = acp.StatusError
			}
			if m.hooks.OnError != nil {
				msg := update.Error.Message
				recoverable := update.Error.Recoverable
				id := s.ID
				defer m.hooks.OnError(id, msg, recoverable)
			}
		}

	default:
		log.Printf("session: ignoring unknown update type %q for %s", update.Type, s.ID)
	}
	m.mu.Unlock()

	if statusChange != "" {
		m.notifyStatus(update.SessionID, statusChange)
	}
	return nil
}

// ResumeAfterConfirmation returns a session to active once its confirmation
// outcome has been delivered to the agent. A session that already left
// awaiting_confirmation is untouched.
func (m *Manager) ResumeAfterConfirmation(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Status != acp.StatusAwaitingConfirmation {
		m.mu.Unlock()
		return
	}
	s.Status = acp.StatusActive
	s.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.notifyStatus(id, acp.StatusActive)
}

// HandleComplete seals the session's in-flight assistant turn. The batcher
// is flushed first so no buffered text is lost, then the last incomplete
// message is marked complete and the terminal status applied. No further
// text or tool event may mutate the sealed turn; late arrivals start a new
// one.
func (m *Manager) HandleComplete(complete acp.SessionComplete) error {
	m.mu.Lock()
	s, ok := m.sessions[complete.SessionID]
	if !ok {
		m.mu.Unlock()
		return apperrors.SessionNotFound(complete.SessionID)
	}
	batcher := s.batcher
	m.mu.Unlock()

	// Flush outside the lock: the emit callback may call back into
	// consumers that query the manager.
	batcher.Flush()

	m.mu.Lock()
	s.Transcript.Seal()
	status := statusForReason(complete.Reason, complete.Error)
	s.Status = status
	s.UpdatedAt = time.Now()
	m.mu.Unlock()

	if complete.Error != "" && m.hooks.OnError != nil {
		m.hooks.OnError(complete.SessionID, complete.Error, false)
	}
	m.notifyStatus(complete.SessionID, status)
	return nil
}

// Shutdown flushes every session's batcher. Called when the host stops or
// the agent process dies.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	batchers := make([]*TextBatcher, 0, len(m.sessions))
	for _, s := range m.sessions {
		batchers = append(batchers, s.batcher)
	}
	m.mu.Unlock()

	for _, b := range batchers {
		b.Close()
	}
}

func (m *Manager) notifyStatus(id string, status acp.SessionStatus) {
	if m.hooks.OnStatus != nil {
		m.hooks.OnStatus(id, status)
	}
}

func statusForReason(reason, errMsg string) acp.SessionStatus {
	switch reason {
	case "cancelled":
		return acp.StatusCancelled
	case "timeout":
		return acp.StatusTimeout
	case "error":
		return acp.StatusError
	default:
		if errMsg != "" {
			return acp.StatusError
		}
		return acp.StatusCompleted
	}
}
