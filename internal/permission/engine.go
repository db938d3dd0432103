package permission

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/agentdeck/host/internal/acp"
	apperrors "github.com/agentdeck/host/internal/errors"
)

// Notifier forwards an unresolved confirmation to the user-facing layer.
// It is invoked only when no stored rule matched; auto-resolution produces
// zero outbound traffic.
type Notifier func(req acp.PermissionRequest)

// Outcome is the engine's decision for one confirmation request.
type Outcome struct {
	// Allow is the decision.
	Allow bool

	// EditedContent carries user-edited content supplied with a manual
	// approval. Empty for rule-resolved requests.
	EditedContent string

	// RuleID identifies the rule that auto-resolved the request, if any.
	RuleID string
}

// ConfirmOptions qualify a manual decision.
type ConfirmOptions struct {
	// TrustAlways persists a rule matching this tool before resolving, so
	// future requests for the same tool auto-resolve with the same action.
	TrustAlways bool

	// EditedContent replaces the proposed content when the user edited it
	// before approving.
	EditedContent string
}

// pendingRequest tracks one suspended confirmation.
type pendingRequest struct {
	sessionID string
	toolName  string

	// decisionCh is buffered (size 1) so ConfirmTool never blocks on a
	// caller that already gave up.
	decisionCh chan Outcome
}

// Engine resolves tool-confirmation requests: first against the stored rule
// set, then by forwarding to the user-facing layer and suspending until
// ConfirmTool is called.
type Engine struct {
	store    *Store
	notifier Notifier

	// Stringify serializes a tool input for pattern matching. Defaults to
	// StringifyInput; the exact serialization is an engine-level policy, not
	// a protocol constant.
	Stringify func(json.RawMessage) string

	// now is a clock hook for expiry tests.
	now func() time.Time

	mu      sync.Mutex
	waiting map[string]*pendingRequest // keyed by tool call ID
}

// NewEngine creates an engine over a rule store. notifier may be nil, in
// which case unmatched requests are denied (headless operation).
func NewEngine(store *Store, notifier Notifier) *Engine {
	return &Engine{
		store:     store,
		notifier:  notifier,
		Stringify: StringifyInput,
		now:       time.Now,
		waiting:   make(map[string]*pendingRequest),
	}
}

// HandleRequest resolves one confirmation request. Rules are consulted in
// stored order; the first non-expired rule whose tool-name filter and
// pattern both match decides immediately, with no notification sent.
// Otherwise the request is forwarded and the caller suspends (without
// holding any lock) until ConfirmTool resolves it or ctx ends.
func (e *Engine) HandleRequest(ctx context.Context, sessionID, toolCallID, toolName string, toolInput json.RawMessage, meta *acp.ConfirmationMetadata) (Outcome, error) {
	serialized := e.Stringify(toolInput)
	now := e.now()

	for _, rule := range e.store.List() {
		if rule.Matches(toolName, serialized, now) {
			log.Printf("permission: %s auto-resolved by rule %s (%s)", toolCallID, rule.ID, rule.Action)
			return Outcome{Allow: rule.Action == ActionAllow, RuleID: rule.ID}, nil
		}
	}

	if e.notifier == nil {
		log.Printf("permission: no rule matched %s and no notifier configured, denying", toolCallID)
		return Outcome{Allow: false}, nil
	}

	pending := &pendingRequest{
		sessionID:  sessionID,
		toolName:   toolName,
		decisionCh: make(chan Outcome, 1),
	}

	e.mu.Lock()
	if _, exists := e.waiting[toolCallID]; exists {
		e.mu.Unlock()
		return Outcome{}, apperrors.New(apperrors.CodeInternal, "confirmation already pending for tool call "+toolCallID)
	}
	e.waiting[toolCallID] = pending
	e.mu.Unlock()

	e.notifier(acp.PermissionRequest{
		SessionID:    sessionID,
		ToolCallID:   toolCallID,
		ToolName:     toolName,
		ToolInput:    toolInput,
		Confirmation: meta,
	})

	select {
	case outcome := <-pending.decisionCh:
		return outcome, nil
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.waiting, toolCallID)
		e.mu.Unlock()
		return Outcome{}, ctx.Err()
	}
}

// ConfirmTool resolves a suspended confirmation with the user's decision.
// With TrustAlways set, a rule for the request's tool is synthesized and
// persisted before the waiting caller is released.
func (e *Engine) ConfirmTool(toolCallID string, confirmed bool, opts ConfirmOptions) error {
	e.mu.Lock()
	pending, ok := e.waiting[toolCallID]
	if ok {
		delete(e.waiting, toolCallID)
	}
	e.mu.Unlock()

	if !ok {
		return apperrors.New(apperrors.CodePermissionNotPending, "no confirmation pending for tool call "+toolCallID)
	}

	if opts.TrustAlways {
		action := ActionAllow
		if !confirmed {
			action = ActionDeny
		}
		rule, err := e.store.Add(Rule{
			ToolName:    pending.toolName,
			Action:      action,
			Description: "created from trust-always confirmation",
		})
		if err != nil {
			// The decision still stands; only the remembered rule is lost.
			log.Printf("permission: failed to persist trust-always rule: %v", err)
		} else {
			log.Printf("permission: persisted trust-always rule %s for tool %s", rule.ID, pending.toolName)
		}
	}

	pending.decisionCh <- Outcome{Allow: confirmed, EditedContent: opts.EditedContent}
	return nil
}

// PendingCount returns the number of suspended confirmations. Useful for
// shutdown diagnostics and tests.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiting)
}

// Rules exposes the backing store for CRUD surfaces (RPC and CLI).
func (e *Engine) Rules() *Store {
	return e.store
}
