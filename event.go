package chatgate

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event produced by an agent subprocess.
// The set is closed: parsers never construct an Event with an unknown type.
// Unknown wire tags are skipped and logged instead.
type EventType string

const (
	// EventInit is the session handshake: model, session id, available tools.
	EventInit EventType = "init"

	// EventChunk is a piece of assistant text output.
	EventChunk EventType = "chunk"

	// EventToolUse indicates the agent is invoking a tool.
	EventToolUse EventType = "tool_use"

	// EventToolResult contains the output of a tool invocation.
	EventToolResult EventType = "tool_result"

	// EventPermission requests an allow/deny decision for a pending tool
	// invocation. The runner pauses the stream until the decision arrives
	// or the permission wait times out.
	EventPermission EventType = "permission_request"

	// EventResult is the agent's final summarized result with cost data.
	// Not terminal; EventDone or EventError always follows.
	EventResult EventType = "result"

	// EventDone signals clean turn completion. Terminal.
	EventDone EventType = "done"

	// EventError signals turn failure. Terminal.
	EventError EventType = "error"
)

// Terminal reports whether t ends a turn's event sequence.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Event is one structured output item from an agent subprocess.
// Exactly one terminal event (EventDone or EventError) is produced per turn.
type Event struct {
	// Type identifies the kind of event.
	Type EventType `json:"type"`

	// SessionID is the agent-side session identifier (EventInit).
	SessionID string `json:"session_id,omitempty"`

	// Model is the resolved model name (EventInit).
	Model string `json:"model,omitempty"`

	// Tools lists the tools available to the agent (EventInit).
	Tools []string `json:"tools,omitempty"`

	// Content is the text payload (EventChunk, EventToolResult,
	// EventPermission, EventResult, EventError).
	Content string `json:"content,omitempty"`

	// ToolUseID correlates EventToolUse, EventToolResult, and
	// EventPermission belonging to the same tool invocation.
	ToolUseID string `json:"tool_use_id,omitempty"`

	// ToolName is the tool identifier (EventToolUse).
	ToolName string `json:"tool_name,omitempty"`

	// ToolInput is the tool's input parameters as raw JSON (EventToolUse).
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// Description is a human-readable summary of the tool invocation
	// (EventToolUse, EventPermission).
	Description string `json:"description,omitempty"`

	// IsError marks a failed tool invocation (EventToolResult).
	IsError bool `json:"is_error,omitempty"`

	// TotalCost is the turn's accumulated cost in USD (EventResult).
	TotalCost float64 `json:"total_cost,omitempty"`

	// Elapsed is the wall-clock turn duration (EventDone).
	Elapsed time.Duration `json:"elapsed,omitempty"`

	// Raw is the original unparsed JSON line from the subprocess.
	Raw json.RawMessage `json:"raw,omitempty"`

	// Timestamp is when the event was produced.
	Timestamp time.Time `json:"timestamp"`
}
