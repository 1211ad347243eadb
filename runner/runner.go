//go:build !windows

package runner

import (
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/ecmoce/chatgate"
)

// Runner launches one supervised agent subprocess per turn.
type Runner struct {
	backend Backend
	opts    Options
}

// New creates a Runner for the given backend.
func New(backend Backend, opts ...Option) *Runner {
	return &Runner{
		backend: backend,
		opts:    resolveOptions(opts...),
	}
}

// Validate checks that the backend's binary is available on PATH.
func (r *Runner) Validate() error {
	binary, _ := r.backend.CommandArgs(chatgate.Turn{})
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("%w: %s: %w", chatgate.ErrUnavailable, binary, err)
	}
	return nil
}

// Run spawns the subprocess for one turn, writes the turn input to its
// stdin, and returns a Process handle streaming typed events.
//
// Canceling ctx stops the turn the same way [Process.Stop] does. The
// wall-clock deadline is independent of ctx and always enforced.
func (r *Runner) Run(ctx context.Context, turn chatgate.Turn) (*Process, error) {
	binary, args := r.backend.CommandArgs(turn)
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", chatgate.ErrUnavailable, binary, err)
	}

	input, err := r.backend.FormatInput(turn.Input)
	if err != nil {
		return nil, fmt.Errorf("runner: format input: %w", err)
	}

	cmd := exec.Command(resolved, args...)
	stderr := newCapBuffer(maxStderrBytes)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start: %w", chatgate.ErrUnavailable, err)
	}

	p := newProcess(r.backend, r.opts, turn, cmd, stdin, stderr)
	go p.readLoop(stdout)
	go p.watchdog(ctx)
	// The input write must not block Run: a subprocess slow to read
	// stdin is the watchdog's problem, not the caller's.
	go p.writeInput(input)

	r.opts.Logger.Debug("turn subprocess started",
		zap.String("turn_id", turn.ID),
		zap.String("conversation_id", turn.ConversationID),
		zap.Int("pid", cmd.Process.Pid))
	return p, nil
}
