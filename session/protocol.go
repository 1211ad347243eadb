package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ecmoce/chatgate"
)

// Inbound frame kinds. A frame with no "type" field and a message body
// is a chat turn request.
const (
	kindChat       = "chat"
	kindPing       = "ping"
	kindSlash      = "slash_command"
	kindPermission = "permission_response"
	kindStop       = "stop"
)

// maxFileRefs bounds attachment references per turn.
const maxFileRefs = 5

// ClientFrame is one decoded inbound message.
type ClientFrame struct {
	Type           string   `json:"type,omitempty"`
	Message        string   `json:"message,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Model          string   `json:"model,omitempty"`
	FileIDs        []string `json:"file_ids,omitempty"`
	WebSearch      bool     `json:"web_search,omitempty"`
	DeepResearch   bool     `json:"deep_research,omitempty"`
	Command        string   `json:"command,omitempty"`
	ToolUseID      string   `json:"tool_use_id,omitempty"`
	Allowed        bool     `json:"allowed,omitempty"`
}

// decodeClientFrame parses and classifies one inbound payload. A
// malformed payload is a protocol violation: the connection is closed.
func decodeClientFrame(data []byte) (ClientFrame, string, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientFrame{}, "", fmt.Errorf("session: malformed frame: %w", err)
	}
	switch f.Type {
	case "":
		f.Message = strings.TrimSpace(f.Message)
		return f, kindChat, nil
	case kindPing, kindSlash, kindPermission, kindStop:
		return f, f.Type, nil
	default:
		return ClientFrame{}, "", fmt.Errorf("session: unknown frame type %q", f.Type)
	}
}

// ServerFrame is one outbound protocol message.
type ServerFrame struct {
	Type           string          `json:"type"`
	Username       string          `json:"username,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Content        string          `json:"content,omitempty"`
	ToolUseID      string          `json:"tool_use_id,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
	Description    string          `json:"description,omitempty"`
	IsError        bool            `json:"is_error,omitempty"`
	TotalCost      float64         `json:"total_cost,omitempty"`
	Elapsed        float64         `json:"elapsed,omitempty"`
	Degraded       bool            `json:"degraded,omitempty"`
}

// eventFrame maps one runner event to its outbound frame. Terminal
// events and results are handled by the turn loop directly because they
// carry turn-level state (buffer, degraded flag).
func eventFrame(ev chatgate.Event) ServerFrame {
	switch ev.Type {
	case chatgate.EventInit:
		content := "ready"
		if ev.Model != "" {
			content = "ready · model " + ev.Model
		}
		return ServerFrame{Type: "status", Content: content}
	case chatgate.EventChunk:
		return ServerFrame{Type: "chunk", Content: ev.Content}
	case chatgate.EventToolUse:
		return ServerFrame{
			Type:        "tool_use",
			ToolUseID:   ev.ToolUseID,
			ToolName:    ev.ToolName,
			ToolInput:   ev.ToolInput,
			Description: ev.Description,
		}
	case chatgate.EventToolResult:
		return ServerFrame{
			Type:      "tool_result",
			ToolUseID: ev.ToolUseID,
			Content:   ev.Content,
			IsError:   ev.IsError,
		}
	case chatgate.EventPermission:
		return ServerFrame{
			Type:      "permission_request",
			ToolUseID: ev.ToolUseID,
			Content:   ev.Content,
		}
	default:
		return ServerFrame{Type: "status", Content: ev.Content}
	}
}

// validateFileIDs rejects traversal attempts and caps the reference
// count. Existence checks belong to upload storage, not the session.
func validateFileIDs(ids []string) []string {
	var out []string
	for _, id := range ids {
		if len(out) == maxFileRefs {
			break
		}
		if id == "" || strings.Contains(id, "/") || strings.Contains(id, "\\") || strings.Contains(id, "..") {
			continue
		}
		out = append(out, id)
	}
	return out
}
