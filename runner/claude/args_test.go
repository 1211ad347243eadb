package claude

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ecmoce/chatgate"
)

const (
	testBinary = "/usr/local/bin/claude"
	testModel  = "claude-opus-4"
)

// --- Constructor tests ---

func TestNew_Default(t *testing.T) {
	b := New()
	if b.binary != defaultBinary {
		t.Errorf("binary = %q, want %q", b.binary, defaultBinary)
	}
}

func TestNew_WithBinary(t *testing.T) {
	b := New(WithBinary(testBinary))
	if b.binary != testBinary {
		t.Errorf("binary = %q, want %q", b.binary, testBinary)
	}
}

func TestNew_WithBinaryEmpty(t *testing.T) {
	b := New(WithBinary(""))
	if b.binary != defaultBinary {
		t.Errorf("empty WithBinary should keep default, got %q", b.binary)
	}
}

// --- CommandArgs tests ---

func TestCommandArgs_Fixed(t *testing.T) {
	b := New()
	bin, args := b.CommandArgs(chatgate.Turn{})
	if bin != defaultBinary {
		t.Errorf("binary = %q", bin)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{"-p", "--verbose", "--output-format stream-json", "--input-format stream-json"} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv missing %q: %v", want, args)
		}
	}
	if strings.Contains(joined, "--model") {
		t.Errorf("no model requested but argv has --model: %v", args)
	}
}

func TestCommandArgs_TurnModel(t *testing.T) {
	b := New(WithDefaultModel("opus"))
	_, args := b.CommandArgs(chatgate.Turn{Model: testModel})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--model "+testModel) {
		t.Errorf("turn model should win: %v", args)
	}
}

func TestCommandArgs_DefaultModel(t *testing.T) {
	b := New(WithDefaultModel("opus"))
	_, args := b.CommandArgs(chatgate.Turn{})
	if !strings.Contains(strings.Join(args, " "), "--model opus") {
		t.Errorf("default model not applied: %v", args)
	}
}

func TestCommandArgs_InputNeverInArgv(t *testing.T) {
	b := New()
	_, args := b.CommandArgs(chatgate.Turn{Input: "rm -rf / --no-preserve-root"})
	for _, a := range args {
		if strings.Contains(a, "rm -rf") {
			t.Fatalf("user input leaked into argv: %v", args)
		}
	}
}

// --- FormatInput tests ---

func TestFormatInput_Frame(t *testing.T) {
	b := New()
	data, err := b.FormatInput("hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("frame must be newline-terminated")
	}

	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if frame["type"] != "user" {
		t.Errorf("type = %v", frame["type"])
	}
	msg, _ := frame["message"].(map[string]any)
	if msg["role"] != "user" || msg["content"] != "hello world" {
		t.Errorf("message = %v", msg)
	}
}

func TestFormatInput_NullBytes(t *testing.T) {
	b := New()
	if _, err := b.FormatInput("bad\x00input"); err == nil {
		t.Fatal("expected error for null bytes")
	}
}

// --- FormatDecision tests ---

func TestFormatDecision_Allow(t *testing.T) {
	b := New()
	data, err := b.FormatDecision("req_1", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if frame["type"] != "control_response" {
		t.Errorf("type = %v", frame["type"])
	}
	resp, _ := frame["response"].(map[string]any)
	if resp["request_id"] != "req_1" {
		t.Errorf("request_id = %v", resp["request_id"])
	}
	inner, _ := resp["response"].(map[string]any)
	if inner["behavior"] != "allow" {
		t.Errorf("behavior = %v", inner["behavior"])
	}
}

func TestFormatDecision_Deny(t *testing.T) {
	b := New()
	data, err := b.FormatDecision("req_2", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), `"behavior":"deny"`) {
		t.Errorf("deny frame = %s", data)
	}
}

func TestFormatDecision_EmptyID(t *testing.T) {
	b := New()
	if _, err := b.FormatDecision("", true); err == nil {
		t.Fatal("expected error for empty request id")
	}
}
