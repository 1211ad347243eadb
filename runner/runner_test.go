//go:build !windows

package runner_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ecmoce/chatgate"
	"github.com/ecmoce/chatgate/runner"
)

const binBash = "bash"

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// drain collects all events from a process.
func drain(p *runner.Process) []chatgate.Event {
	evs := make([]chatgate.Event, 0, 8)
	for ev := range p.Events() {
		evs = append(evs, ev)
	}
	return evs
}

func types(evs []chatgate.Event) []chatgate.EventType {
	ts := make([]chatgate.EventType, 0, len(evs))
	for _, ev := range evs {
		ts = append(ts, ev.Type)
	}
	return ts
}

// ---------------------------------------------------------------------------
// Stub backend (function-field injection)
// ---------------------------------------------------------------------------

type testBackend struct {
	argsFn     func(chatgate.Turn) (string, []string)
	inputFn    func(string) ([]byte, error)
	decisionFn func(string, bool) ([]byte, error)
	parseFn    func(string) ([]chatgate.Event, error)
}

func (b *testBackend) CommandArgs(t chatgate.Turn) (string, []string) { return b.argsFn(t) }
func (b *testBackend) FormatInput(msg string) ([]byte, error)         { return b.inputFn(msg) }
func (b *testBackend) FormatDecision(id string, allowed bool) ([]byte, error) {
	return b.decisionFn(id, allowed)
}
func (b *testBackend) ParseLine(line string) ([]chatgate.Event, error) { return b.parseFn(line) }

// scriptBackend runs a bash script that first reads the turn input as
// one line from stdin. Lines are parsed by prefix:
//
//	chunk:X   → EventChunk with content X
//	result:X  → EventResult with content X
//	perm:ID   → EventPermission with tool_use_id ID
//	error:X   → EventError with content X
//	skip      → ErrSkipLine
//	anything else → parse error (line is skipped, non-fatal)
func scriptBackend(script string) *testBackend {
	return &testBackend{
		argsFn: func(chatgate.Turn) (string, []string) {
			return binBash, []string{"-c", script}
		},
		inputFn: func(msg string) ([]byte, error) {
			return []byte(msg + "\n"), nil
		},
		decisionFn: func(id string, allowed bool) ([]byte, error) {
			verdict := "deny"
			if allowed {
				verdict = "allow"
			}
			return []byte(verdict + ":" + id + "\n"), nil
		},
		parseFn: parsePrefixed,
	}
}

func parsePrefixed(line string) ([]chatgate.Event, error) {
	switch {
	case line == "skip" || line == "":
		return nil, runner.ErrSkipLine
	case strings.HasPrefix(line, "chunk:"):
		return []chatgate.Event{{Type: chatgate.EventChunk, Content: line[len("chunk:"):]}}, nil
	case strings.HasPrefix(line, "result:"):
		return []chatgate.Event{{Type: chatgate.EventResult, Content: line[len("result:"):]}}, nil
	case strings.HasPrefix(line, "perm:"):
		return []chatgate.Event{{Type: chatgate.EventPermission, ToolUseID: line[len("perm:"):]}}, nil
	case strings.HasPrefix(line, "error:"):
		return []chatgate.Event{{Type: chatgate.EventError, Content: line[len("error:"):]}}, nil
	default:
		return nil, fmt.Errorf("unrecognized line %q", line)
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidate_Found(t *testing.T) {
	r := runner.New(scriptBackend("true"))
	if err := r.Validate(); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestValidate_NotFound(t *testing.T) {
	b := scriptBackend("true")
	b.argsFn = func(chatgate.Turn) (string, []string) {
		return "nonexistent-binary-xyz-999", nil
	}
	err := runner.New(b).Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, chatgate.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Run: event stream
// ---------------------------------------------------------------------------

func TestRun_CleanStream(t *testing.T) {
	b := scriptBackend(`read -r _
echo 'chunk:hello'
echo 'chunk: world'
echo 'result:hello world'`)
	p, err := runner.New(b).Run(testCtx(t), chatgate.Turn{ID: "t1", Input: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	evs := drain(p)
	want := []chatgate.EventType{
		chatgate.EventChunk, chatgate.EventChunk, chatgate.EventResult, chatgate.EventDone,
	}
	got := types(evs)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if evs[0].Content != "hello" || evs[1].Content != " world" {
		t.Fatalf("unexpected chunk contents: %q %q", evs[0].Content, evs[1].Content)
	}
	last := evs[len(evs)-1]
	if last.Elapsed <= 0 {
		t.Fatalf("done event missing elapsed: %v", last.Elapsed)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestRun_ExactlyOneTerminal(t *testing.T) {
	b := scriptBackend(`read -r _
echo 'result:done'`)
	p, err := runner.New(b).Run(testCtx(t), chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	terminals := 0
	for _, ev := range drain(p) {
		if ev.Type.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly 1 terminal event, got %d", terminals)
	}
}

func TestRun_MalformedLinesSkipped(t *testing.T) {
	b := scriptBackend(`read -r _
echo 'not a known line'
echo 'skip'
echo 'chunk:ok'
echo 'result:ok'`)
	p, err := runner.New(b).Run(testCtx(t), chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := types(drain(p))
	want := []chatgate.EventType{chatgate.EventChunk, chatgate.EventResult, chatgate.EventDone}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestRun_InputOnStdinNotArgv(t *testing.T) {
	// The subprocess echoes back what it read from stdin; the input
	// must round-trip without appearing in argv.
	b := scriptBackend(`read -r line
echo "chunk:$line"
echo 'result:ok'`)
	bin, args := b.CommandArgs(chatgate.Turn{Input: "sneaky --flag"})
	for _, a := range args {
		if strings.Contains(a, "sneaky") {
			t.Fatalf("user input leaked into argv: %q %v", bin, args)
		}
	}

	p, err := runner.New(b).Run(testCtx(t), chatgate.Turn{Input: "sneaky --flag"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	evs := drain(p)
	if len(evs) == 0 || evs[0].Content != "sneaky --flag" {
		t.Fatalf("stdin round-trip failed: %+v", evs)
	}
}

// ---------------------------------------------------------------------------
// Run: failure modes
// ---------------------------------------------------------------------------

func TestRun_ExitError(t *testing.T) {
	b := scriptBackend(`read -r _
echo 'chunk:partial'
echo boom >&2
exit 3`)
	p, err := runner.New(b).Run(testCtx(t), chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	evs := drain(p)
	last := evs[len(evs)-1]
	if last.Type != chatgate.EventError {
		t.Fatalf("expected error terminal, got %s", last.Type)
	}
	if !strings.Contains(last.Content, "boom") {
		t.Fatalf("expected stderr in error content, got %q", last.Content)
	}

	werr := p.Wait()
	var ee *chatgate.ExitError
	if !errors.As(werr, &ee) {
		t.Fatalf("expected ExitError, got %v", werr)
	}
	if ee.Code != 3 {
		t.Fatalf("expected exit code 3, got %d", ee.Code)
	}
}

func TestRun_ParsedErrorTerminates(t *testing.T) {
	b := scriptBackend(`read -r _
echo 'error:model overloaded'
echo 'chunk:should never arrive'
sleep 5`)
	p, err := runner.New(b).Run(testCtx(t), chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	evs := drain(p)
	if len(evs) != 1 || evs[0].Type != chatgate.EventError {
		t.Fatalf("expected single error event, got %v", types(evs))
	}
	if evs[0].Content != "model overloaded" {
		t.Fatalf("unexpected error content: %q", evs[0].Content)
	}
	p.Wait() // subprocess must be reaped, not abandoned
}

func TestRun_Timeout(t *testing.T) {
	b := scriptBackend(`read -r _
sleep 10`)
	r := runner.New(b,
		runner.WithTimeout(200*time.Millisecond),
		runner.WithGracePeriod(100*time.Millisecond))
	p, err := r.Run(testCtx(t), chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	evs := drain(p)
	last := evs[len(evs)-1]
	if last.Type != chatgate.EventError {
		t.Fatalf("expected error terminal, got %s", last.Type)
	}
	if !strings.Contains(last.Content, "timeout") {
		t.Fatalf("expected timeout content, got %q", last.Content)
	}
	if !errors.Is(p.Wait(), chatgate.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", p.Wait())
	}
}

func TestRun_StdinNotReadStillBoundedByDeadline(t *testing.T) {
	// Input larger than a pipe buffer against a subprocess that never
	// reads stdin: Run must return promptly and the deadline must still
	// end the turn.
	b := scriptBackend(`sleep 10`)
	b.inputFn = func(string) ([]byte, error) {
		return bytes.Repeat([]byte("a"), 256<<10), nil
	}
	r := runner.New(b,
		runner.WithTimeout(200*time.Millisecond),
		runner.WithGracePeriod(100*time.Millisecond))

	start := time.Now()
	p, err := r.Run(testCtx(t), chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if spawn := time.Since(start); spawn > 2*time.Second {
		t.Fatalf("Run blocked on stdin for %s", spawn)
	}

	evs := drain(p)
	last := evs[len(evs)-1]
	if last.Type != chatgate.EventError || !strings.Contains(last.Content, "timeout") {
		t.Fatalf("expected timeout terminal, got %+v", last)
	}
	if !errors.Is(p.Wait(), chatgate.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", p.Wait())
	}
	if total := time.Since(start); total > 5*time.Second {
		t.Fatalf("turn outlived its deadline: %s", total)
	}
}

func TestRun_Stop(t *testing.T) {
	b := scriptBackend(`read -r _
echo 'chunk:partial'
sleep 10`)
	r := runner.New(b, runner.WithGracePeriod(100*time.Millisecond))
	p, err := r.Run(testCtx(t), chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Wait for the first chunk so the subprocess is known to be alive.
	ev, ok := <-p.Events()
	if !ok || ev.Type != chatgate.EventChunk {
		t.Fatalf("expected chunk, got %+v ok=%v", ev, ok)
	}

	if err := p.Stop(testCtx(t)); !errors.Is(err, chatgate.ErrTerminated) {
		t.Fatalf("expected ErrTerminated, got %v", err)
	}

	// Stopped turns end without a terminal event.
	for ev := range p.Events() {
		if ev.Type.Terminal() {
			t.Fatalf("unexpected terminal event after stop: %s", ev.Type)
		}
	}
}

func TestRun_StopIdempotent(t *testing.T) {
	b := scriptBackend(`read -r _
sleep 10`)
	r := runner.New(b, runner.WithGracePeriod(100*time.Millisecond))
	p, err := r.Run(testCtx(t), chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for range 3 {
		if err := p.Stop(testCtx(t)); !errors.Is(err, chatgate.ErrTerminated) {
			t.Fatalf("expected ErrTerminated, got %v", err)
		}
	}
}

func TestRun_ContextCancelStops(t *testing.T) {
	b := scriptBackend(`read -r _
sleep 10`)
	r := runner.New(b, runner.WithGracePeriod(100*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	p, err := r.Run(ctx, chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cancel()
	drain(p)
	if !errors.Is(p.Wait(), chatgate.ErrTerminated) {
		t.Fatalf("expected ErrTerminated, got %v", p.Wait())
	}
}

// ---------------------------------------------------------------------------
// Run: permission gate
// ---------------------------------------------------------------------------

func TestRun_PermissionAllow(t *testing.T) {
	b := scriptBackend(`read -r _
echo 'perm:tool-1'
read -r decision
echo "chunk:$decision"
echo 'result:ok'`)
	p, err := runner.New(b).Run(testCtx(t), chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	ev := <-p.Events()
	if ev.Type != chatgate.EventPermission || ev.ToolUseID != "tool-1" {
		t.Fatalf("expected permission request, got %+v", ev)
	}
	if !p.Resolve("tool-1", true) {
		t.Fatal("Resolve returned false for pending request")
	}

	evs := drain(p)
	if evs[0].Content != "allow:tool-1" {
		t.Fatalf("decision not delivered to subprocess: %+v", evs)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestRun_PermissionAutoDeny(t *testing.T) {
	b := scriptBackend(`read -r _
echo 'perm:tool-1'
read -r decision
echo "chunk:$decision"
echo 'result:ok'`)
	r := runner.New(b, runner.WithPermissionTimeout(150*time.Millisecond))
	p, err := r.Run(testCtx(t), chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	<-p.Events() // permission request; never resolved

	evs := drain(p)
	if evs[0].Content != "deny:tool-1" {
		t.Fatalf("expected auto-deny delivered, got %+v", evs)
	}
}

func TestResolve_DuplicateAnswerDoesNotBleedIntoNextRequest(t *testing.T) {
	b := scriptBackend(`read -r _
echo 'perm:tool-1'
read -r d1
echo "chunk:$d1"
echo 'perm:tool-2'
read -r d2
echo "chunk:$d2"
echo 'result:ok'`)
	p, err := runner.New(b).Run(testCtx(t), chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	ev := <-p.Events()
	if ev.Type != chatgate.EventPermission || ev.ToolUseID != "tool-1" {
		t.Fatalf("expected permission request for tool-1, got %+v", ev)
	}
	// A double-clicking client answers the same request many times; the
	// extras must not be held as the next request's answer.
	if !p.Resolve("tool-1", true) {
		t.Fatal("Resolve returned false for pending request")
	}
	for range 100 {
		p.Resolve("tool-1", true)
	}

	var decisions []string
	for ev := range p.Events() {
		switch ev.Type {
		case chatgate.EventChunk:
			decisions = append(decisions, ev.Content)
		case chatgate.EventPermission:
			if ev.ToolUseID != "tool-2" {
				t.Fatalf("expected permission request for tool-2, got %+v", ev)
			}
			if !p.Resolve("tool-2", true) {
				t.Fatal("second request not answerable")
			}
		}
	}
	want := []string{"allow:tool-1", "allow:tool-2"}
	if len(decisions) != len(want) || decisions[0] != want[0] || decisions[1] != want[1] {
		t.Fatalf("expected decisions %v, got %v", want, decisions)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestResolve_UnknownID(t *testing.T) {
	b := scriptBackend(`read -r _
echo 'perm:tool-1'
read -r decision
echo 'result:ok'`)
	p, err := runner.New(b).Run(testCtx(t), chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	<-p.Events()
	if p.Resolve("other-id", true) {
		t.Fatal("Resolve accepted a mismatched id")
	}
	if !p.Resolve("tool-1", false) {
		t.Fatal("Resolve rejected the pending id")
	}
	drain(p)
}

func TestResolve_AfterFinish(t *testing.T) {
	b := scriptBackend(`read -r _
echo 'result:ok'`)
	p, err := runner.New(b).Run(testCtx(t), chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	drain(p)
	if p.Resolve("tool-1", true) {
		t.Fatal("Resolve accepted a decision after the turn ended")
	}
}

// ---------------------------------------------------------------------------
// Err
// ---------------------------------------------------------------------------

func TestErr_NilWhileRunning(t *testing.T) {
	b := scriptBackend(`read -r _
sleep 10`)
	r := runner.New(b, runner.WithGracePeriod(100*time.Millisecond))
	p, err := r.Run(testCtx(t), chatgate.Turn{Input: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.Err() != nil {
		t.Fatalf("expected nil while running, got %v", p.Err())
	}
	p.Stop(testCtx(t))
	if !errors.Is(p.Err(), chatgate.ErrTerminated) {
		t.Fatalf("expected ErrTerminated, got %v", p.Err())
	}
}
