// Package claude drives the Claude Code CLI as a subprocess backend for
// the runner package.
//
// The [Backend] type builds the fixed, non-shell argument vector for one
// chat turn, formats user input and permission decisions as stream-json
// stdin frames, and parses the CLI's line-delimited stream-json output
// into [chatgate.Event] values.
//
// # Wire Contract
//
// The CLI is started as:
//
//	claude -p --verbose --output-format stream-json --input-format stream-json [--model M]
//
// User content is never placed in the argument vector; it is delivered as
// a single stream-json user frame on stdin. Permission decisions travel
// the same pipe as control_response frames.
//
// # Event Mapping
//
//   - system/init → [chatgate.EventInit]
//   - assistant text blocks → [chatgate.EventChunk]
//   - assistant tool_use blocks → [chatgate.EventToolUse]
//   - user tool_result blocks → [chatgate.EventToolResult]
//   - control_request (can_use_tool) → [chatgate.EventPermission]
//   - result → [chatgate.EventResult], or [chatgate.EventError] when is_error
//   - error → [chatgate.EventError]
//
// Stream lifecycle frames (stream_event wrappers, control acknowledgments)
// are skipped via [runner.ErrSkipLine]. Unknown or malformed frames return
// a parse error; the runner logs and skips them without failing the turn.
package claude
