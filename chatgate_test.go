package chatgate

import (
	"errors"
	"fmt"
	"os/exec"
	"testing"
)

func TestEventType_Terminal(t *testing.T) {
	terminal := map[EventType]bool{
		EventInit:       false,
		EventChunk:      false,
		EventToolUse:    false,
		EventToolResult: false,
		EventPermission: false,
		EventResult:     false,
		EventDone:       true,
		EventError:      true,
	}
	for typ, want := range terminal {
		if got := typ.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", typ, got, want)
		}
	}
}

func TestExitError_Unwrap(t *testing.T) {
	inner := errors.New("exit status 3")
	err := fmt.Errorf("turn failed: %w", &ExitError{Code: 3, Err: inner})

	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatal("ExitError not found in chain")
	}
	if ee.Code != 3 {
		t.Errorf("Code = %d, want 3", ee.Code)
	}
	if !errors.Is(err, inner) {
		t.Error("inner error lost from chain")
	}
}

func TestExitError_ErrorString(t *testing.T) {
	e := &ExitError{Code: 7}
	if e.Error() != "chatgate: exit status 7" {
		t.Errorf("Error() = %q", e.Error())
	}
	e = &ExitError{Code: 7, Err: errors.New("boom")}
	if e.Error() != "boom" {
		t.Errorf("Error() = %q", e.Error())
	}
}

func TestExitCode(t *testing.T) {
	code, ok := ExitCode(fmt.Errorf("wrapped: %w", &ExitError{Code: 42}))
	if !ok || code != 42 {
		t.Errorf("ExitCode = (%d, %v), want (42, true)", code, ok)
	}

	if _, ok := ExitCode(errors.New("plain")); ok {
		t.Error("ExitCode found a code in a plain error")
	}
	if _, ok := ExitCode(nil); ok {
		t.Error("ExitCode found a code in nil")
	}
	if _, ok := ExitCode(&exec.ExitError{}); ok {
		t.Error("bare exec.ExitError is not a chatgate ExitError")
	}
}

func TestSentinels_Distinct(t *testing.T) {
	sentinels := []error{
		ErrBusy, ErrRateLimited, ErrTerminated,
		ErrUnavailable, ErrTimeout, ErrStoreUnavailable,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Errorf("sentinel %v matches %v", a, b)
			}
		}
	}
}
