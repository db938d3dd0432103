// Package pending tracks proposed-but-undecided file edits per session.
//
// The agent proposes edits through file_change updates; the tracker holds at
// most one entry per (session, path) until the user accepts or rejects it,
// individually or in bulk.
package pending

import (
	"context"
	"log"
	"sync"

	"github.com/agentdeck/host/internal/acp"
)

// Resolver performs the accept/reject RPC for one path. The tracker calls it
// during Resolve and ResolveAll and removes the entry on success.
type Resolver func(ctx context.Context, sessionID, path string, accept bool) error

// ResolveError reports a per-path failure from ResolveAll. A failed path
// never aborts the rest of the batch.
type ResolveError struct {
	Path string
	Err  error
}

// sessionChanges keeps one session's pending edits in first-proposed order.
// Re-proposing a path replaces the payload in place without moving it.
type sessionChanges struct {
	order  []string
	byPath map[string]acp.FileChange
}

func (sc *sessionChanges) put(change acp.FileChange) {
	if _, exists := sc.byPath[change.Path]; !exists {
		sc.order = append(sc.order, change.Path)
	}
	sc.byPath[change.Path] = change
}

func (sc *sessionChanges) remove(path string) {
	if _, exists := sc.byPath[path]; !exists {
		return
	}
	delete(sc.byPath, path)
	for i, p := range sc.order {
		if p == path {
			sc.order = append(sc.order[:i], sc.order[i+1:]...)
			break
		}
	}
}

// Tracker owns the pending-change map for all sessions.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionChanges
	resolver Resolver
}

// NewTracker creates a tracker. The resolver performs the accept/reject RPC;
// it may be nil for purely observational use (entries are then just removed).
func NewTracker(resolver Resolver) *Tracker {
	return &Tracker{
		sessions: make(map[string]*sessionChanges),
		resolver: resolver,
	}
}

// Record applies a file_change notification. A proposed change replaces any
// existing entry for the same path; a change with Proposed=false withdraws
// the entry instead of leaving a tombstone.
func (t *Tracker) Record(sessionID string, change acp.FileChange) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !change.Proposed {
		if sc, ok := t.sessions[sessionID]; ok {
			sc.remove(change.Path)
			if len(sc.order) == 0 {
				delete(t.sessions, sessionID)
			}
		}
		return
	}

	sc, ok := t.sessions[sessionID]
	if !ok {
		sc = &sessionChanges{byPath: make(map[string]acp.FileChange)}
		t.sessions[sessionID] = sc
	}
	sc.put(change)
}

// List returns the session's pending changes in first-proposed order.
func (t *Tracker) List(sessionID string) []acp.FileChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	sc, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]acp.FileChange, 0, len(sc.order))
	for _, path := range sc.order {
		out = append(out, sc.byPath[path])
	}
	return out
}

// Count returns the number of pending changes for a session.
func (t *Tracker) Count(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sc, ok := t.sessions[sessionID]; ok {
		return len(sc.order)
	}
	return 0
}

// Resolve accepts or rejects a single pending change. The entry is removed
// only when the resolver succeeds, so a failed RPC leaves it visible.
func (t *Tracker) Resolve(ctx context.Context, sessionID, path string, accept bool) error {
	if t.resolver != nil {
		if err := t.resolver(ctx, sessionID, path, accept); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if sc, ok := t.sessions[sessionID]; ok {
		sc.remove(path)
		if len(sc.order) == 0 {
			delete(t.sessions, sessionID)
		}
	}
	return nil
}

// ResolveAll accepts or rejects every pending change for a session. It
// iterates a snapshot taken up front, so entries recorded mid-batch are left
// alone, and it resolves each path independently: failures are collected and
// returned per-path, never aborting the remainder.
func (t *Tracker) ResolveAll(ctx context.Context, sessionID string, accept bool) []ResolveError {
	t.mu.Lock()
	var snapshot []string
	if sc, ok := t.sessions[sessionID]; ok {
		snapshot = append(snapshot, sc.order...)
	}
	t.mu.Unlock()

	var failures []ResolveError
	for _, path := range snapshot {
		if err := t.Resolve(ctx, sessionID, path, accept); err != nil {
			log.Printf("pending: resolve %s for session %s failed: %v", path, sessionID, err)
			failures = append(failures, ResolveError{Path: path, Err: err})
		}
	}
	return failures
}

// DeleteSession drops every pending change for a session. Called when the
// session itself is deleted.
func (t *Tracker) DeleteSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}
