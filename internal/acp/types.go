// Package acp defines the wire types for the Agent Client Protocol: the
// JSON-RPC method surface between the agentdeck host and an external coding
// agent, the session/update notification payloads, and the shared enums for
// session and tool-call state.
//
// The package is intentionally free of behavior. Components (session manager,
// permission engine, terminal registry) consume these types; the rpc package
// moves them over the wire.
package acp

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the ACP revision this host speaks.
const ProtocolVersion = 1

// Host -> agent request methods.
const (
	MethodInitialize              = "initialize"
	MethodSessionNew              = "session/new"
	MethodSessionSwitch           = "session/switch"
	MethodSessionDelete           = "session/delete"
	MethodSessionPrompt           = "session/prompt"
	MethodSessionCancel           = "session/cancel"
	MethodSessionChangeSettings   = "session/changeSettings"
	MethodSessionConfirmTool      = "session/confirmTool"
	MethodSessionAcceptFileChange = "session/acceptFileChange"
	MethodSessionRejectFileChange = "session/rejectFileChange"
	MethodSessionListHistory      = "session/listHistory"
	MethodSessionLoadHistory      = "session/loadHistory"
	MethodSessionDeleteHistory    = "session/deleteHistory"
	MethodSessionResumeHistory    = "session/resumeHistory"
	MethodShutdown                = "shutdown"
)

// Agent -> host request methods, answered through the capability registry.
const (
	MethodFSReadTextFile  = "fs/readTextFile"
	MethodFSWriteTextFile = "fs/writeTextFile"

	MethodTerminalCreate      = "terminal/create"
	MethodTerminalOutput      = "terminal/output"
	MethodTerminalWaitForExit = "terminal/waitForExit"
	MethodTerminalKill        = "terminal/kill"
	MethodTerminalRelease     = "terminal/release"

	// LSP stubs. The host answers these with empty placeholder results;
	// it performs no language-server work.
	MethodLSPGoToDefinition = "goToDefinition"
	MethodLSPFindReferences = "findReferences"
	MethodLSPHover          = "hover"
	MethodLSPGetDiagnostics = "getDiagnostics"

	MethodPermissionRulesList   = "permissionRules/list"
	MethodPermissionRulesAdd    = "permissionRules/add"
	MethodPermissionRulesUpdate = "permissionRules/update"
	MethodPermissionRulesDelete = "permissionRules/delete"
)

// Notification methods (no response expected).
const (
	// NoteSessionUpdate streams transcript events from the agent.
	// Payload: SessionUpdate.
	NoteSessionUpdate = "session/update"

	// NoteSessionComplete marks the end of an agent turn.
	// Payload: SessionComplete.
	NoteSessionComplete = "session/complete"

	// NotePermissionRequest forwards an unresolved tool confirmation to the
	// user-facing layer. Payload: PermissionRequest.
	NotePermissionRequest = "permissionRequest"

	// NoteError surfaces a host-side failure to the user-facing layer
	// without crashing the dispatch loop. Payload: ErrorNote.
	NoteError = "error"
)

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	StatusIdle                 SessionStatus = "idle"
	StatusActive               SessionStatus = "active"
	StatusAwaitingConfirmation SessionStatus = "awaiting_confirmation"
	StatusCompleted            SessionStatus = "completed"
	StatusCancelled            SessionStatus = "cancelled"
	StatusTimeout              SessionStatus = "timeout"
	StatusError                SessionStatus = "error"
)

// ToolStatus is the lifecycle state of a single tool call.
type ToolStatus string

const (
	ToolPending              ToolStatus = "pending"
	ToolRunning              ToolStatus = "running"
	ToolAwaitingConfirmation ToolStatus = "awaiting_confirmation"
	ToolCompleted            ToolStatus = "completed"
	ToolFailed               ToolStatus = "failed"
)

// UpdateType discriminates session/update payloads.
type UpdateType string

const (
	UpdateThought             UpdateType = "thought"
	UpdateText                UpdateType = "text"
	UpdateToolUse             UpdateType = "tool_use"
	UpdateToolResult          UpdateType = "tool_result"
	UpdateMCPCall             UpdateType = "mcp_call"
	UpdateBashRequest         UpdateType = "bash_request"
	UpdateTaskList            UpdateType = "task_list"
	UpdateFileChange          UpdateType = "file_change"
	UpdateConfirmationRequest UpdateType = "confirmation_request"
	UpdateSubagentRun         UpdateType = "subagent_run"
	UpdateErr                 UpdateType = "error"
)

// SessionUpdate is the session/update notification payload. Type selects
// which of the optional fields are meaningful; everything else is zero.
type SessionUpdate struct {
	// SessionID routes the update to its session.
	SessionID string `json:"sessionId"`

	// Type discriminates the payload.
	Type UpdateType `json:"type"`

	// Text carries a streamed text delta (type=text).
	Text string `json:"text,omitempty"`

	// Thought carries a streamed thought delta (type=thought).
	// IsComplete controls append-vs-replace on the in-progress thought block.
	Thought    string `json:"thought,omitempty"`
	IsComplete bool   `json:"isComplete,omitempty"`

	// Tool call fields (type=tool_use, tool_result, mcp_call, bash_request,
	// confirmation_request). ToolCallID is stable for the session's lifetime.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"isError,omitempty"`

	// Server namespaces an mcp_call: the effective tool name becomes
	// mcp__<server>__<tool>.
	Server string `json:"server,omitempty"`

	// Command is the shell command of a bash_request.
	Command string `json:"command,omitempty"`

	// Tasks replaces the session task tree wholesale (type=task_list).
	Tasks []TaskItem `json:"tasks,omitempty"`

	// FileChange is a proposed or withdrawn edit (type=file_change).
	FileChange *FileChange `json:"fileChange,omitempty"`

	// Confirmation attaches approval metadata to a tool call
	// (type=confirmation_request).
	Confirmation *ConfirmationMetadata `json:"confirmation,omitempty"`

	// Subagent describes a spawned sub-agent run (type=subagent_run).
	Subagent *SubagentRun `json:"subagent,omitempty"`

	// Error carries a user-visible failure (type=error).
	Error *UpdateError `json:"error,omitempty"`
}

// SessionComplete is the session/complete notification payload. It seals the
// current assistant turn; late updates after it start a new turn.
type SessionComplete struct {
	SessionID string `json:"sessionId"`

	// Reason is the completion reason: "done", "cancelled", "timeout",
	// "error".
	Reason string `json:"reason"`

	// Message optionally carries final turn text.
	Message string `json:"message,omitempty"`

	// Error is set when Reason is "error".
	Error string `json:"error,omitempty"`
}

// TaskItem is a node in the session task tree.
type TaskItem struct {
	ID       string     `json:"id"`
	Label    string     `json:"label"`
	Status   string     `json:"status"` // pending | in_progress | completed
	Children []TaskItem `json:"children,omitempty"`
}

// ChangeType classifies a file change.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// FileChange describes a proposed (or withdrawn) edit to a workspace file.
type FileChange struct {
	Path     string     `json:"path"`
	Type     ChangeType `json:"type"`
	Diff     string     `json:"diff,omitempty"`
	Content  string     `json:"content,omitempty"`
	Proposed bool       `json:"proposed"`
}

// ConfirmationMetadata describes what the user is being asked to approve.
type ConfirmationMetadata struct {
	// Type is the confirmation kind: "edit", "command", "fetch", "other".
	Type string `json:"type"`

	// RiskLevel is the agent's own risk estimate: "low", "medium", "high".
	RiskLevel string `json:"riskLevel,omitempty"`

	Diff    string `json:"diff,omitempty"`
	Path    string `json:"path,omitempty"`
	Command string `json:"command,omitempty"`
}

// SubagentRun describes a sub-agent spawned inside a session.
type SubagentRun struct {
	ID     string `json:"id"`
	Task   string `json:"task"`
	Status string `json:"status"` // running | completed | failed
}

// UpdateError is a user-visible error carried in a session/update.
type UpdateError struct {
	Message string `json:"message"`

	// Recoverable is false when the session cannot continue; the session
	// status then becomes "error".
	Recoverable bool `json:"recoverable"`
}

// PermissionRequest is the permissionRequest notification payload, emitted
// only when no stored rule resolves a confirmation automatically.
type PermissionRequest struct {
	SessionID  string          `json:"sessionId"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`

	Confirmation *ConfirmationMetadata `json:"confirmation,omitempty"`
}

// ErrorNote is the generic error notification emitted at the dispatch
// boundary instead of letting a handler failure crash the loop.
type ErrorNote struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ---- initialize ----

// ClientInfo identifies the host to the agent.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// FSCapabilities advertises the file-system capabilities the host serves.
type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// FeatureFlags advertises optional host-side features.
type FeatureFlags struct {
	Streaming    bool `json:"streaming"`
	DiffPreview  bool `json:"diffPreview"`
	Thought      bool `json:"thought"`
	ToolCallList bool `json:"toolCallList"`
	TaskList     bool `json:"taskList"`
	MultiSession bool `json:"multiSession"`
}

// ClientCapabilities is the capability block sent with initialize.
type ClientCapabilities struct {
	Terminal bool           `json:"terminal"`
	FS       FSCapabilities `json:"fs"`
	Features FeatureFlags   `json:"features"`
}

// InitializeParams is the initialize request payload.
type InitializeParams struct {
	ProtocolVersion int                `json:"protocolVersion"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"capabilities"`
}

// InitializeResult is the agent's initialize response. Agent capabilities
// are kept raw: the host only requires the version agreement.
type InitializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
}

// ---- session methods ----

// NewSessionParams is the session/new request payload.
type NewSessionParams struct {
	Title string `json:"title,omitempty"`
	Cwd   string `json:"cwd"`
}

// NewSessionResult carries the agent-assigned or host-assigned session ID.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// SessionRefParams addresses an existing session (switch, delete, cancel,
// loadHistory, deleteHistory, resumeHistory).
type SessionRefParams struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is one element of a prompt. Only text blocks are defined for
// this surface.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PromptParams is the session/prompt request payload. Persistent selects the
// long-lived conversation variant over the oneshot variant.
type PromptParams struct {
	SessionID  string         `json:"sessionId"`
	Prompt     []ContentBlock `json:"prompt"`
	Persistent bool           `json:"persistent,omitempty"`
}

// PromptResult reports why the agent's turn stopped.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// ChangeSettingsParams adjusts per-session agent settings.
type ChangeSettingsParams struct {
	SessionID      string `json:"sessionId"`
	Model          string `json:"model,omitempty"`
	PlanMode       *bool  `json:"planMode,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	ThinkingTokens int    `json:"thinkingTokens,omitempty"`
}

// ConfirmToolParams resolves a pending tool confirmation.
type ConfirmToolParams struct {
	SessionID  string `json:"sessionId"`
	ToolCallID string `json:"toolCallId"`
	Confirmed  bool   `json:"confirmed"`

	// TrustAlways persists a matching allow rule before resolving.
	TrustAlways bool `json:"trustAlways,omitempty"`

	// EditedContent replaces the proposed content when the user edited it
	// before approving.
	EditedContent string `json:"editedContent,omitempty"`
}

// FileChangeRefParams addresses one pending file change.
type FileChangeRefParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
}

// HistoryEntry summarizes one persisted session.
type HistoryEntry struct {
	SessionID string        `json:"sessionId"`
	Title     string        `json:"title"`
	Cwd       string        `json:"cwd"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// ---- fs methods ----

// ReadTextFileParams is the fs/readTextFile request payload. Line and Limit
// select a line-sliced view; both absent means the whole file.
type ReadTextFileParams struct {
	Path  string `json:"path"`
	Line  *int   `json:"line,omitempty"`
	Limit *int   `json:"limit,omitempty"`
}

// ReadTextFileResult carries file content.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams is the fs/writeTextFile request payload.
type WriteTextFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ---- terminal methods ----

// TerminalCreateParams is the terminal/create request payload.
type TerminalCreateParams struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// TerminalCreateResult carries the new terminal ID.
type TerminalCreateResult struct {
	TerminalID string `json:"terminalId"`
}

// TerminalOutputParams is the terminal/output request payload.
type TerminalOutputParams struct {
	TerminalID string `json:"terminalId"`
	ByteLimit  int    `json:"byteLimit,omitempty"`
}

// TerminalOutputResult returns bytes accumulated since the previous read.
type TerminalOutputResult struct {
	Output    string `json:"output"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Signal    string `json:"signal,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// TerminalRefParams addresses an existing terminal.
type TerminalRefParams struct {
	TerminalID string `json:"terminalId"`
	Signal     string `json:"signal,omitempty"` // terminal/kill only
}

// TerminalExitResult is the terminal/waitForExit response.
type TerminalExitResult struct {
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
}
