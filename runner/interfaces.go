package runner

import (
	"errors"

	"github.com/ecmoce/chatgate"
)

// ErrSkipLine signals that a parsed line carries no events and should be
// silently skipped (blank lines, stream lifecycle frames).
var ErrSkipLine = errors.New("runner: skip line")

// Backend defines how one agent CLI is driven. Defined here, at the
// consumer side; concrete implementations live in backend packages
// (claude).
type Backend interface {
	// CommandArgs builds the binary name and fixed argument vector for
	// one turn. User-controlled text must never appear in the returned
	// args; input is delivered via FormatInput over stdin.
	CommandArgs(turn chatgate.Turn) (binary string, args []string)

	// FormatInput encodes a user message for delivery to the
	// subprocess stdin pipe.
	FormatInput(message string) ([]byte, error)

	// FormatDecision encodes an allow/deny answer to a pending
	// permission request for delivery over stdin.
	FormatDecision(requestID string, allowed bool) ([]byte, error)

	// ParseLine transforms one stdout line into zero or more events,
	// preserving intra-line ordering. Returns ErrSkipLine for lines
	// that carry nothing.
	ParseLine(line string) ([]chatgate.Event, error)
}
