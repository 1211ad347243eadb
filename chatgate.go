// Package chatgate provides the shared vocabulary for the chat session
// orchestrator: the typed event stream produced by agent subprocesses,
// the conversation entities persisted between turns, and the sentinel
// errors crossing component boundaries.
//
// # Core Types
//
//   - [Event]: structured output from an agent subprocess, tagged by [EventType]
//   - [Turn]: one user input and the model output it produces (value type)
//   - [Conversation], [Message]: persisted chat entities
//
// # Architecture
//
// The root package defines vocabulary only. Behavior lives in the
// subpackages:
//
//   - runner: spawns and supervises one agent CLI subprocess per turn
//   - admission: concurrency tickets and rate windows
//   - session: per-connection protocol state machine
//   - store: conversation persistence with degraded fallback
//   - server: websocket connection supervisor and HTTP surface
//
// Subpackages depend on this package, never on each other's internals.
package chatgate
