package claude

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ecmoce/chatgate"
	"github.com/ecmoce/chatgate/internal/jsonutil"
	"github.com/ecmoce/chatgate/runner"
)

// maxContentLen caps event content to prevent unbounded propagation.
const maxContentLen = 4096

// ParseLine parses one line of stream-json output. A single line may
// yield several events: an assistant message can carry text blocks and
// tool_use blocks in one frame, and ordering within the line is
// preserved in the returned slice.
//
// Returns runner.ErrSkipLine for blank lines and stream lifecycle frames.
func (b *Backend) ParseLine(line string) ([]chatgate.Event, error) {
	if strings.TrimSpace(line) == "" {
		return nil, runner.ErrSkipLine
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, fmt.Errorf("claude: invalid JSON: %w", err)
	}

	typeStr := jsonutil.GetString(raw, "type")
	if typeStr == "" {
		return nil, fmt.Errorf("claude: missing or empty type field")
	}

	rawLine := json.RawMessage(line)

	switch typeStr {
	case "system":
		return parseSystem(raw, rawLine)
	case "assistant":
		return parseAssistant(raw, rawLine), nil
	case "user":
		return parseUser(raw, rawLine), nil
	case "result":
		return []chatgate.Event{parseResult(raw, rawLine)}, nil
	case "control_request":
		return parseControlRequest(raw, rawLine)
	case "control_response", "control_cancel_request", "stream_event":
		// Acknowledgments and partial-message wrappers; the session
		// streams whole assistant frames, so these carry nothing new.
		return nil, runner.ErrSkipLine
	case "error":
		return []chatgate.Event{{
			Type:    chatgate.EventError,
			Content: capContent(errorContent(raw)),
			Raw:     rawLine,
		}}, nil
	default:
		return nil, fmt.Errorf("claude: unknown frame type %q", sanitizeType(typeStr))
	}
}

// parseSystem handles "system" frames; only the init subtype is meaningful.
func parseSystem(raw map[string]any, rawLine json.RawMessage) ([]chatgate.Event, error) {
	if jsonutil.GetString(raw, "subtype") != "init" {
		return nil, runner.ErrSkipLine
	}
	return []chatgate.Event{{
		Type:      chatgate.EventInit,
		SessionID: jsonutil.GetString(raw, "session_id"),
		Model:     jsonutil.GetString(raw, "model"),
		Tools:     jsonutil.GetStringSlice(raw, "tools"),
		Raw:       rawLine,
	}}, nil
}

// parseAssistant walks the content array of an assistant frame, emitting
// a chunk event per text block and a tool_use event per tool_use block.
func parseAssistant(raw map[string]any, rawLine json.RawMessage) []chatgate.Event {
	message := jsonutil.GetMap(raw, "message")
	blocks, _ := message["content"].([]any)

	var events []chatgate.Event
	for _, blk := range blocks {
		bm, ok := blk.(map[string]any)
		if !ok {
			continue
		}
		switch jsonutil.GetString(bm, "type") {
		case "text":
			if text := jsonutil.GetString(bm, "text"); text != "" {
				events = append(events, chatgate.Event{
					Type:    chatgate.EventChunk,
					Content: text,
					Raw:     rawLine,
				})
			}
		case "tool_use":
			events = append(events, toolUseEvent(bm, rawLine))
		}
	}

	// Fallback: flat "text"/"content" fields used by older CLI builds.
	if len(events) == 0 {
		if text := jsonutil.GetString(raw, "text"); text != "" {
			events = append(events, chatgate.Event{Type: chatgate.EventChunk, Content: text, Raw: rawLine})
		} else if content := jsonutil.GetString(raw, "content"); content != "" {
			events = append(events, chatgate.Event{Type: chatgate.EventChunk, Content: content, Raw: rawLine})
		}
	}
	return events
}

// toolUseEvent builds an EventToolUse from a tool_use content block.
func toolUseEvent(bm map[string]any, rawLine json.RawMessage) chatgate.Event {
	ev := chatgate.Event{
		Type:      chatgate.EventToolUse,
		ToolUseID: jsonutil.GetString(bm, "id"),
		ToolName:  jsonutil.GetString(bm, "name"),
	}
	if input, ok := bm["input"]; ok {
		if data, err := json.Marshal(input); err == nil {
			ev.ToolInput = data
		}
	}
	ev.Description = toolDescription(ev.ToolName, ev.ToolInput)
	ev.Raw = rawLine
	return ev
}

// parseUser extracts tool_result blocks from a user frame. The CLI echoes
// tool outputs back as user-role messages.
func parseUser(raw map[string]any, rawLine json.RawMessage) []chatgate.Event {
	message := jsonutil.GetMap(raw, "message")
	blocks, _ := message["content"].([]any)

	var events []chatgate.Event
	for _, blk := range blocks {
		bm, ok := blk.(map[string]any)
		if !ok || jsonutil.GetString(bm, "type") != "tool_result" {
			continue
		}
		events = append(events, chatgate.Event{
			Type:      chatgate.EventToolResult,
			ToolUseID: jsonutil.GetString(bm, "tool_use_id"),
			Content:   capContent(resultBlockContent(bm)),
			IsError:   jsonutil.GetBool(bm, "is_error"),
			Raw:       rawLine,
		})
	}
	return events
}

// resultBlockContent flattens a tool_result block's content, which is
// either a plain string or an array of text blocks.
func resultBlockContent(bm map[string]any) string {
	if s, ok := bm["content"].(string); ok {
		return s
	}
	arr, ok := bm["content"].([]any)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, c := range arr {
		if cm, ok := c.(map[string]any); ok {
			sb.WriteString(jsonutil.GetString(cm, "text"))
		}
	}
	return sb.String()
}

// parseResult handles turn-completion frames.
func parseResult(raw map[string]any, rawLine json.RawMessage) chatgate.Event {
	content := jsonutil.GetString(raw, "text")
	// "result" takes precedence over "text" when both are present.
	if r := jsonutil.GetString(raw, "result"); r != "" {
		content = r
	}
	if jsonutil.GetBool(raw, "is_error") {
		return chatgate.Event{
			Type:    chatgate.EventError,
			Content: capContent(content),
			Raw:     rawLine,
		}
	}
	return chatgate.Event{
		Type:      chatgate.EventResult,
		Content:   content,
		TotalCost: jsonutil.GetFloat(raw, "total_cost_usd"),
		Raw:       rawLine,
	}
}

// parseControlRequest handles permission negotiation frames. Only the
// can_use_tool subtype becomes an event; other control traffic is skipped.
func parseControlRequest(raw map[string]any, rawLine json.RawMessage) ([]chatgate.Event, error) {
	requestID := jsonutil.GetString(raw, "request_id")
	req := jsonutil.GetMap(raw, "request")
	if jsonutil.GetString(req, "subtype") != "can_use_tool" {
		return nil, runner.ErrSkipLine
	}
	if requestID == "" {
		return nil, fmt.Errorf("claude: control_request missing request_id")
	}

	toolName := jsonutil.GetString(req, "tool_name")
	var input json.RawMessage
	if in, ok := req["input"]; ok {
		if data, err := json.Marshal(in); err == nil {
			input = data
		}
	}
	return []chatgate.Event{{
		Type:      chatgate.EventPermission,
		ToolUseID: requestID,
		ToolName:  toolName,
		ToolInput: input,
		Content:   capContent(toolDescription(toolName, input)),
		Raw:       rawLine,
	}}, nil
}

// errorContent formats an error frame's code and message pair.
func errorContent(raw map[string]any) string {
	code := jsonutil.GetString(raw, "code")
	message := jsonutil.GetString(raw, "message")
	if message == "" {
		message = jsonutil.GetString(raw, "error")
	}
	if code != "" {
		return code + ": " + message
	}
	return message
}

// toolDescription renders a short human-readable summary of a tool call.
func toolDescription(name string, input json.RawMessage) string {
	if name == "" {
		name = "tool"
	}
	if len(input) == 0 || string(input) == "null" || string(input) == "{}" {
		return name
	}
	return name + " " + string(input)
}

// capContent truncates s to maxContentLen bytes at a valid UTF-8 boundary.
func capContent(s string) string {
	if len(s) <= maxContentLen {
		return s
	}
	s = s[:maxContentLen]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// sanitizeType bounds an unknown type tag for inclusion in an error message.
func sanitizeType(t string) string {
	const maxTypeLen = 64
	if len(t) > maxTypeLen {
		return t[:maxTypeLen]
	}
	return t
}
