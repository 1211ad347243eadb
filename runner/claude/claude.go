package claude

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ecmoce/chatgate"
	"github.com/ecmoce/chatgate/internal/jsonutil"
	"github.com/ecmoce/chatgate/runner"
)

const defaultBinary = "claude"

// Backend is the Claude Code CLI backend for the runner.
type Backend struct {
	binary       string
	defaultModel string
}

// Compile-time interface satisfaction check.
var _ runner.Backend = (*Backend)(nil)

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithBinary overrides the Claude CLI binary path.
// Empty values are ignored; the default is "claude".
func WithBinary(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.binary = path
		}
	}
}

// WithDefaultModel sets the model used when a turn does not request one.
func WithDefaultModel(model string) Option {
	return func(b *Backend) {
		b.defaultModel = model
	}
}

// New creates a Claude Code CLI backend with the given options.
func New(opts ...Option) *Backend {
	b := &Backend{binary: defaultBinary}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CommandArgs builds the exec argument vector for one turn. The argv is
// fixed apart from the model selector; user-controlled text never enters
// it. Input travels via stdin (see FormatInput).
func (b *Backend) CommandArgs(turn chatgate.Turn) (string, []string) {
	args := []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
	}
	model := turn.Model
	if model == "" {
		model = b.defaultModel
	}
	if model != "" && !jsonutil.ContainsNull(model) {
		args = append(args, "--model", model)
	}
	return b.binary, args
}

// FormatInput encodes a user message as a stream-json stdin frame.
// Returns an error if the message contains null bytes.
func (b *Backend) FormatInput(message string) ([]byte, error) {
	if jsonutil.ContainsNull(message) {
		return nil, errors.New("claude: message contains null bytes")
	}
	frame := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": message,
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("claude: marshal stdin: %w", err)
	}
	return append(data, '\n'), nil
}

// FormatDecision encodes an allow/deny answer to a pending control_request
// as a stream-json stdin frame.
func (b *Backend) FormatDecision(requestID string, allowed bool) ([]byte, error) {
	if requestID == "" {
		return nil, errors.New("claude: empty permission request id")
	}
	inner := map[string]any{"behavior": "allow"}
	if !allowed {
		inner = map[string]any{"behavior": "deny", "message": "Permission denied"}
	}
	frame := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   inner,
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("claude: marshal decision: %w", err)
	}
	return append(data, '\n'), nil
}
