//go:build !windows

package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ecmoce/chatgate"
)

// maxStderrBytes caps captured subprocess stderr for error reporting.
const maxStderrBytes = 4096

// permDecision is one answer to a pending permission request.
type permDecision struct {
	id      string
	allowed bool
}

// Process supervises one running turn subprocess.
type Process struct {
	backend Backend
	opts    Options
	logger  *zap.Logger
	turn    chatgate.Turn
	started time.Time

	events chan chatgate.Event
	permCh chan permDecision

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stderr      *capBuffer
	pendingPerm string

	inMu sync.Mutex // serializes stdin writes

	readCtx    context.Context
	cancelRead context.CancelFunc

	stopping atomic.Bool
	timedOut atomic.Bool

	cmdDone chan struct{} // closed by the readLoop defer after cmd.Wait
	done    chan struct{} // closed exactly once after the terminal event
	termErr error         // set before done closes, read after

	stopOnce sync.Once
}

// newProcess wires a started command into a Process. The caller starts
// readLoop and watchdog.
func newProcess(backend Backend, opts Options, turn chatgate.Turn, cmd *exec.Cmd, stdin io.WriteCloser, stderr *capBuffer) *Process {
	readCtx, cancelRead := context.WithCancel(context.Background())
	return &Process{
		backend:    backend,
		opts:       opts,
		logger:     opts.Logger,
		turn:       turn,
		started:    time.Now(),
		events:     make(chan chatgate.Event, opts.EventBuffer),
		permCh:     make(chan permDecision, 1),
		cmd:        cmd,
		stdin:      stdin,
		stderr:     stderr,
		readCtx:    readCtx,
		cancelRead: cancelRead,
		cmdDone:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Events returns the channel carrying the turn's event stream. The
// channel is closed after the terminal event (or after a stop).
func (p *Process) Events() <-chan chatgate.Event { return p.events }

// Resolve answers a pending permission request. Returns false if no
// request with the given id is currently awaiting a decision; late
// answers after the auto-deny are expected and harmless.
func (p *Process) Resolve(id string, allowed bool) bool {
	p.mu.Lock()
	pending := p.pendingPerm
	p.mu.Unlock()
	if pending == "" || pending != id {
		return false
	}
	select {
	case p.permCh <- permDecision{id: id, allowed: allowed}:
		return true
	default:
		return false
	}
}

// Stop terminates the subprocess. Safe to call multiple times. Blocks
// until the event channel is closed and the subprocess is reaped.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)

		p.mu.Lock()
		if p.stdin != nil {
			_ = p.stdin.Close() // Best-effort: pipe may already be closed.
		}
		cmd := p.cmd
		p.mu.Unlock()

		// Unblock the readLoop if stuck on a channel send or the
		// permission gate.
		p.cancelRead()

		_ = signalProcess(cmd.Process, syscall.SIGTERM)

		select {
		case <-p.cmdDone:
		case <-time.After(p.opts.GracePeriod):
			_ = signalProcess(cmd.Process, os.Kill)
			<-p.cmdDone
		case <-ctx.Done():
			_ = signalProcess(cmd.Process, os.Kill)
			<-p.cmdDone
		}
	})

	<-p.done
	return p.termErr
}

// Wait blocks until the turn ends.
func (p *Process) Wait() error {
	<-p.done
	return p.termErr
}

// Err returns the terminal error, or nil while the turn is running.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.termErr
	default:
		return nil
	}
}

// watchdog enforces the wall-clock deadline and propagates caller
// cancellation. Exactly one of the three arms fires.
func (p *Process) watchdog(ctx context.Context) {
	timer := time.NewTimer(p.opts.Timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-ctx.Done():
		_ = p.Stop(context.Background())
	case <-timer.C:
		p.timedOut.Store(true)
		p.logger.Warn("turn deadline exceeded, killing subprocess",
			zap.String("turn_id", p.turn.ID),
			zap.Duration("timeout", p.opts.Timeout))
		p.killWithGrace()
	}
}

// killWithGrace sends SIGTERM, then SIGKILL after the grace period.
func (p *Process) killWithGrace() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	_ = signalProcess(cmd.Process, syscall.SIGTERM)
	select {
	case <-p.cmdDone:
	case <-time.After(p.opts.GracePeriod):
		_ = signalProcess(cmd.Process, os.Kill)
	}
}

// readLoop pumps subprocess stdout into the event channel and owns the
// terminal event decision. Runs once per Process.
func (p *Process) readLoop(stdout io.ReadCloser) {
	var panicErr error
	var errSeen bool

	defer func() {
		if r := recover(); r != nil {
			_ = signalProcess(p.cmd.Process, os.Kill)
			panicErr = fmt.Errorf("runner: parser panic: %v", r)
		}

		waitErr := p.cmd.Wait()
		close(p.cmdDone)

		elapsed := time.Since(p.started)
		switch {
		case p.stopping.Load():
			// Stopped turns end silently; delivered chunks stand.
			p.termErr = chatgate.ErrTerminated
		case p.timedOut.Load():
			p.termErr = fmt.Errorf("%w: after %s", chatgate.ErrTimeout, p.opts.Timeout)
			p.emit(chatgate.Event{
				Type:    chatgate.EventError,
				Content: fmt.Sprintf("timeout: turn exceeded %s", p.opts.Timeout),
			})
		case panicErr != nil:
			p.termErr = panicErr
			p.emit(chatgate.Event{Type: chatgate.EventError, Content: panicErr.Error()})
		case errSeen:
			// A parsed error event already terminated the stream.
			p.termErr = wrapExitError(waitErr)
		case wrapExitError(waitErr) != nil:
			exitErr := wrapExitError(waitErr)
			p.termErr = exitErr
			p.emit(chatgate.Event{
				Type:    chatgate.EventError,
				Content: exitContent(exitErr, p.stderr.String()),
			})
		default:
			p.emit(chatgate.Event{Type: chatgate.EventDone, Elapsed: elapsed})
		}

		close(p.events)
		close(p.done)
	}()

	scanner := bufio.NewScanner(stdout)
	initCap := min(4096, p.opts.ScannerBuffer)
	scanner.Buffer(make([]byte, 0, initCap), p.opts.ScannerBuffer)

	for scanner.Scan() {
		line := scanner.Text()
		events, err := p.backend.ParseLine(line)
		if errors.Is(err, ErrSkipLine) {
			continue
		}
		if err != nil {
			// Malformed lines are skipped and logged, never fatal.
			p.logger.Warn("skipping malformed subprocess line",
				zap.String("turn_id", p.turn.ID),
				zap.Error(err))
			continue
		}

		for _, ev := range events {
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now()
			}
			if ev.Type == chatgate.EventPermission {
				// Register the pending id before the event is visible so
				// a decision can't race the gate.
				p.mu.Lock()
				p.pendingPerm = ev.ToolUseID
				p.mu.Unlock()
				// A double answer to the previous request can leave a
				// stale decision buffered; drop it so it can't be read
				// as this request's answer.
				select {
				case <-p.permCh:
				default:
				}
			}
			if !p.emit(ev) {
				return // stopped
			}
			if ev.Type == chatgate.EventError {
				// Terminal: stop scanning and reap.
				errSeen = true
				_ = signalProcess(p.cmd.Process, os.Kill)
				return
			}
			if ev.Type == chatgate.EventPermission {
				if !p.awaitDecision(ev.ToolUseID) {
					return // stopped while gated
				}
			}
			if ev.Type == chatgate.EventResult {
				// No control traffic follows the final result; closing
				// stdin lets the CLI exit instead of waiting for more
				// input frames.
				p.closeStdin()
			}
		}
	}

	if err := scanner.Err(); err != nil {
		p.logger.Warn("subprocess stdout scanner failed",
			zap.String("turn_id", p.turn.ID),
			zap.Error(err))
		_ = signalProcess(p.cmd.Process, os.Kill)
	}
}

// awaitDecision blocks stdout consumption until a permission decision
// arrives or the wait times out (auto-deny). Returns false if the
// process was stopped while gated.
func (p *Process) awaitDecision(id string) bool {
	timer := time.NewTimer(p.opts.PermissionTimeout)
	defer timer.Stop()

	for {
		select {
		case dec := <-p.permCh:
			if dec.id != id {
				// Stale answer for an earlier request; keep gating.
				continue
			}
			p.clearPending()
			p.writeDecision(dec)
			return true
		case <-timer.C:
			p.logger.Info("permission request timed out, auto-denying",
				zap.String("turn_id", p.turn.ID),
				zap.String("tool_use_id", id))
			p.clearPending()
			p.writeDecision(permDecision{id: id, allowed: false})
			return true
		case <-p.readCtx.Done():
			return false
		}
	}
}

func (p *Process) clearPending() {
	p.mu.Lock()
	p.pendingPerm = ""
	p.mu.Unlock()
}

// writeInput delivers the turn input on stdin. Runs off the spawning
// goroutine: a subprocess slow to read stdin blocks the writer, not the
// caller, and the watchdog still bounds the turn. Closing the pipe
// (stop, timeout kill, subprocess exit) unblocks a pending write.
func (p *Process) writeInput(input []byte) {
	p.inMu.Lock()
	defer p.inMu.Unlock()

	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return
	}
	if _, err := stdin.Write(input); err != nil && !p.stopping.Load() && !p.timedOut.Load() {
		p.logger.Warn("write turn input failed",
			zap.String("turn_id", p.turn.ID),
			zap.Error(err))
	}
}

// closeStdin closes the stdin pipe once; later writes are dropped.
func (p *Process) closeStdin() {
	p.mu.Lock()
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
	p.mu.Unlock()
}

// writeDecision sends an allow/deny frame to the subprocess stdin.
func (p *Process) writeDecision(dec permDecision) {
	data, err := p.backend.FormatDecision(dec.id, dec.allowed)
	if err != nil {
		p.logger.Warn("format permission decision failed", zap.Error(err))
		return
	}
	p.inMu.Lock()
	defer p.inMu.Unlock()
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return
	}
	if _, err := stdin.Write(data); err != nil {
		p.logger.Warn("write permission decision failed",
			zap.String("tool_use_id", dec.id),
			zap.Error(err))
	}
}

// emit delivers one event, giving up if the process is being stopped.
func (p *Process) emit(ev chatgate.Event) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.readCtx.Done():
		return false
	}
}

// signalProcess sends sig to a process, returning nil if the process
// has already exited (os.ErrProcessDone).
func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// wrapExitError converts a non-zero *exec.ExitError to *chatgate.ExitError.
// nil → nil, non-ExitError → passthrough, code 0 → nil (clean exit).
func wrapExitError(err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	if ee.ExitCode() == 0 {
		return nil
	}
	return &chatgate.ExitError{Code: ee.ExitCode(), Err: err}
}

// exitContent renders a human-readable cause for a crashed subprocess,
// preferring the captured stderr tail.
func exitContent(exitErr error, stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr != "" {
		return stderr
	}
	return exitErr.Error()
}

// capBuffer is a size-capped write sink for subprocess stderr.
type capBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newCapBuffer(max int) *capBuffer {
	return &capBuffer{max: max}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.max - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
