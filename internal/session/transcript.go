package session

import (
	"encoding/json"
	"strings"

	"github.com/agentdeck/host/internal/acp"
)

// Role identifies who produced a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall tracks one tool invocation across its lifetime. The ID is stable
// for the whole session; updates are applied by ID lookup, never by
// position, because notifications may arrive out of order relative to the
// transcript cursor.
type ToolCall struct {
	ID           string
	Name         string
	Status       acp.ToolStatus
	Input        json.RawMessage
	Result       json.RawMessage
	IsError      bool
	Error        string
	Confirmation *acp.ConfirmationMetadata
}

// Message is one logical entry in a session transcript. Consecutive
// streaming fragments from the same uncompleted assistant turn coalesce
// into one Message instead of creating a new entry per event.
type Message struct {
	Role            Role
	Text            string
	Thought         string
	ThoughtComplete bool
	ToolCalls       []*ToolCall
	Complete        bool
}

// Transcript is the ordered, append-only record of a session. A new
// assistant message begins only when the previous one has been sealed or
// the last message came from the user.
type Transcript struct {
	messages  []*Message
	toolIndex map[string]*ToolCall
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{toolIndex: make(map[string]*ToolCall)}
}

// Messages returns the transcript entries in order. The slice is shared;
// callers must treat it as read-only.
func (t *Transcript) Messages() []*Message {
	return t.messages
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	return len(t.messages)
}

// AppendUser records a user message. User messages are complete on arrival.
func (t *Transcript) AppendUser(text string) {
	t.messages = append(t.messages, &Message{Role: RoleUser, Text: text, Complete: true})
}

// currentAssistant returns the open assistant message, creating one when the
// transcript is empty, ends with a user message, or the last assistant
// message has been sealed.
func (t *Transcript) currentAssistant() *Message {
	if n := len(t.messages); n > 0 {
		last := t.messages[n-1]
		if last.Role == RoleAssistant && !last.Complete {
			return last
		}
	}
	msg := &Message{Role: RoleAssistant}
	t.messages = append(t.messages, msg)
	return msg
}

// AppendText coalesces a streaming text delta into the open assistant
// message.
func (t *Transcript) AppendText(delta string) {
	msg := t.currentAssistant()
	msg.Text += delta
}

// AppendThought records thought content on the open assistant message.
// While the previous thought block is still open the content appends to
// it; once a block was marked complete, new content replaces the block.
func (t *Transcript) AppendThought(content string, isComplete bool) {
	msg := t.currentAssistant()
	if msg.ThoughtComplete {
		msg.Thought = content
	} else {
		msg.Thought += content
	}
	msg.ThoughtComplete = isComplete
}

// UpsertToolCall creates or updates a tool call by ID. A result for an ID
// the transcript has never seen still succeeds by synthesizing the call,
// since tool events may outrun the notifications that introduce them.
// Zero-valued fields of the update leave the existing values in place.
func (t *Transcript) UpsertToolCall(id string, update ToolCall) *ToolCall {
	call, ok := t.toolIndex[id]
	if !ok {
		call = &ToolCall{ID: id, Status: acp.ToolPending}
		t.toolIndex[id] = call
		msg := t.currentAssistant()
		msg.ToolCalls = append(msg.ToolCalls, call)
	}

	if update.Name != "" {
		call.Name = normalizeToolName(update.Name)
	}
	if update.Status != "" {
		call.Status = update.Status
	}
	if update.Input != nil {
		call.Input = update.Input
	}
	if update.Result != nil {
		call.Result = update.Result
	}
	if update.IsError {
		call.IsError = true
	}
	if update.Error != "" {
		call.Error = update.Error
	}
	if update.Confirmation != nil {
		call.Confirmation = update.Confirmation
	}
	return call
}

// ToolCall returns the tool call with the given ID, or nil.
func (t *Transcript) ToolCall(id string) *ToolCall {
	return t.toolIndex[id]
}

// Seal marks the last incomplete assistant message complete. Later text or
// tool events start a fresh message instead of mutating the sealed turn.
func (t *Transcript) Seal() {
	if n := len(t.messages); n > 0 {
		last := t.messages[n-1]
		if last.Role == RoleAssistant && !last.Complete {
			last.Complete = true
			last.ThoughtComplete = true
		}
	}
}

// canonicalToolNames maps case-folded identifiers of the built-in tool set
// to their canonical casing.
var canonicalToolNames = map[string]string{
	"bash":         "Bash",
	"read":         "Read",
	"write":        "Write",
	"edit":         "Edit",
	"glob":         "Glob",
	"grep":         "Grep",
	"task":         "Task",
	"todowrite":    "TodoWrite",
	"webfetch":     "WebFetch",
	"websearch":    "WebSearch",
	"notebookedit": "NotebookEdit",
}

// normalizeToolName case-folds a tool identifier against the known set.
// Unknown names, including namespaced MCP tools, pass through unchanged.
func normalizeToolName(name string) string {
	if canonical, ok := canonicalToolNames[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}

// mcpToolName builds the namespaced name for a tool served by an MCP server.
func mcpToolName(server, tool string) string {
	return "mcp__" + server + "__" + tool
}
