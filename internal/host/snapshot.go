package host

import (
	"encoding/json"
	"log"

	"github.com/agentdeck/host/internal/history"
	"github.com/agentdeck/host/internal/session"
)

// snapshotSession converts a live session into its persisted form. Tool
// calls are serialized as one JSON blob per message; the history layer
// treats them as opaque.
func snapshotSession(s *session.Session) (history.SessionRecord, []history.EntryRecord) {
	record := history.SessionRecord{
		ID:        s.ID,
		Title:     s.Title,
		Cwd:       s.Cwd,
		Status:    string(s.Status),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}

	messages := s.Transcript.Messages()
	entries := make([]history.EntryRecord, 0, len(messages))
	for _, msg := range messages {
		toolCalls := "[]"
		if len(msg.ToolCalls) > 0 {
			raw, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				log.Printf("host: failed to serialize tool calls for %s: %v", s.ID, err)
			} else {
				toolCalls = string(raw)
			}
		}
		entries = append(entries, history.EntryRecord{
			Role:            string(msg.Role),
			Text:            msg.Text,
			Thought:         msg.Thought,
			ThoughtComplete: msg.ThoughtComplete,
			Complete:        msg.Complete,
			ToolCallsJSON:   toolCalls,
		})
	}
	return record, entries
}

// restoreTranscript replays persisted entries into a fresh transcript.
func restoreTranscript(t *session.Transcript, entries []history.EntryRecord) {
	for _, entry := range entries {
		if entry.Role == string(session.RoleUser) {
			t.AppendUser(entry.Text)
			continue
		}

		if entry.Text != "" {
			t.AppendText(entry.Text)
		}
		if entry.Thought != "" {
			t.AppendThought(entry.Thought, entry.ThoughtComplete)
		}
		var toolCalls []session.ToolCall
		if entry.ToolCallsJSON != "" {
			if err := json.Unmarshal([]byte(entry.ToolCallsJSON), &toolCalls); err != nil {
				log.Printf("host: skipping unreadable tool calls in history entry: %v", err)
			}
		}
		for _, call := range toolCalls {
			t.UpsertToolCall(call.ID, call)
		}
		if entry.Complete {
			t.Seal()
		}
	}
}
