package bridge

import (
	"encoding/json"

	"github.com/agentdeck/host/internal/acp"
	"github.com/agentdeck/host/internal/diff"
)

// Message is the envelope for every frame on the bridge websocket, in both
// directions. Type discriminates the payload.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound message types.
const (
	TypeText              = "session.text"
	TypeStatus            = "session.status"
	TypeTaskList          = "session.taskList"
	TypePermissionRequest = "permission.request"
	TypeError             = "error"
	TypeSessionList       = "session.list"
	TypePendingChanges    = "changes.pending"
	TypeAck               = "ack"
)

// Inbound command types.
const (
	CmdPrompt        = "prompt"
	CmdConfirmTool   = "confirmTool"
	CmdResolveChange = "resolveChange"
	CmdSwitchSession = "switchSession"
	CmdCancelSession = "cancelSession"
	CmdListSessions  = "listSessions"
	CmdListChanges   = "listChanges"
)

func newMessage(msgType string, payload any) Message {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads are our own structs; a marshal failure is a programming
		// error and the frame degrades to an empty payload.
		data = nil
	}
	return Message{Type: msgType, Payload: data}
}

// textPayload carries one coalesced transcript delta.
type textPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// statusPayload announces a session status transition.
type statusPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// ackPayload answers an inbound command. Code carries the host's stable
// error identifier when the failure has one.
type ackPayload struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// promptCommand asks the host to send a prompt on the current session.
type promptCommand struct {
	Text string `json:"text"`
}

// confirmCommand resolves a suspended tool confirmation.
type confirmCommand struct {
	ToolCallID    string `json:"toolCallId"`
	Confirmed     bool   `json:"confirmed"`
	TrustAlways   bool   `json:"trustAlways,omitempty"`
	EditedContent string `json:"editedContent,omitempty"`
}

// resolveChangeCommand accepts or rejects one pending file change.
type resolveChangeCommand struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Accept    bool   `json:"accept"`
}

// sessionRefCommand addresses a session by ID.
type sessionRefCommand struct {
	SessionID string `json:"sessionId"`
}

// pendingChange is one entry in a changes.pending payload: the proposed
// change plus its diff stat.
type pendingChange struct {
	acp.FileChange
	Stat diff.Stat `json:"stat"`
}

// sessionSummary is one entry in a session.list payload.
type sessionSummary struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updatedAt"`
}
