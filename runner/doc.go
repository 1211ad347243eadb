// Package runner spawns, feeds, and supervises one agent CLI subprocess
// per chat turn.
//
// A [Backend] defines how the subprocess is launched (fixed argument
// vector), how user input and permission decisions are written to its
// stdin, and how its line-delimited stdout becomes [chatgate.Event]
// values. [Runner.Run] starts one subprocess for a turn and returns a
// [Process] handle whose Events channel carries the typed event stream.
//
// # Guarantees
//
//   - Exactly one terminal event ([chatgate.EventDone] or
//     [chatgate.EventError]) per turn, unless the turn is stopped, in
//     which case the stream ends without a terminal event.
//   - The subprocess is reaped on every exit path: completion, error,
//     deadline, cancellation, parser panic.
//   - A wall-clock deadline measured from spawn bounds the turn; on
//     expiry the subprocess receives SIGTERM, then SIGKILL after the
//     grace period, and the stream ends with a timeout error event.
//   - A permission request pauses stdout consumption until
//     [Process.Resolve] supplies a decision or the permission wait
//     elapses, which auto-denies.
//
// # Consumer Obligations
//
// Callers must either drain the Events channel to completion or call
// [Process.Stop] to release subprocess resources.
//
// The package uses Unix signals for subprocess lifecycle management and
// is not available on Windows.
package runner
