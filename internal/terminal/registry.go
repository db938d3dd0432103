// Package terminal tracks subprocesses spawned on behalf of the agent.
// Each process runs in a pseudo-terminal and is addressed by an opaque
// terminal ID through the create/output/waitForExit/kill/release surface.
package terminal

import (
	"sync"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/agentdeck/host/internal/errors"
)

// DefaultMaxTerminals caps concurrent handles to prevent a misbehaving
// agent from exhausting process slots and file descriptors.
const DefaultMaxTerminals = 32

// Registry owns all terminal handles. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	handles      map[string]*Handle
	maxTerminals int
}

// NewRegistry creates an empty registry with the default handle limit.
func NewRegistry() *Registry {
	return NewRegistryWithLimit(DefaultMaxTerminals)
}

// NewRegistryWithLimit creates a registry with a custom handle limit.
// A non-positive limit falls back to DefaultMaxTerminals.
func NewRegistryWithLimit(maxTerminals int) *Registry {
	if maxTerminals <= 0 {
		maxTerminals = DefaultMaxTerminals
	}
	return &Registry{
		handles:      make(map[string]*Handle),
		maxTerminals: maxTerminals,
	}
}

// Create spawns a subprocess in a PTY and returns its handle. The handle is
// registered under a fresh ULID before the caller sees it.
func (r *Registry) Create(command string, args []string, cwd string, env []string) (*Handle, error) {
	r.mu.Lock()
	if len(r.handles) >= r.maxTerminals {
		r.mu.Unlock()
		return nil, apperrors.New(apperrors.CodeTerminalSpawnFailed, "maximum number of terminals reached")
	}
	handle := &Handle{ID: ulid.Make().String()}
	r.handles[handle.ID] = handle
	r.mu.Unlock()

	if err := handle.start(command, args, cwd, env); err != nil {
		r.mu.Lock()
		delete(r.handles, handle.ID)
		r.mu.Unlock()
		return nil, err
	}
	return handle, nil
}

// Get returns the handle for the given ID.
func (r *Registry) Get(id string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handle, ok := r.handles[id]
	if !ok {
		return nil, apperrors.TerminalNotFound(id)
	}
	return handle, nil
}

// Release kills the process if it is still running and removes the handle.
// After Release, any use of the ID fails with a terminal-not-found error.
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	handle, ok := r.handles[id]
	if !ok {
		r.mu.Unlock()
		return apperrors.TerminalNotFound(id)
	}
	delete(r.handles, id)
	r.mu.Unlock()

	if handle.Running() {
		// SIGKILL on release: the agent gave up ownership, so there is no
		// one left to observe a graceful shutdown.
		return handle.Kill("SIGKILL")
	}
	return nil
}

// Count returns the number of registered handles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Shutdown releases every handle, killing still-running processes. Called
// when the agent process exits or the host shuts down.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, handle := range handles {
		if !handle.Running() {
			continue
		}
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			_ = h.Kill("SIGKILL")
		}(handle)
	}
	wg.Wait()
}
