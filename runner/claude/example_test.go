package claude_test

import (
	"fmt"
	"strings"

	"github.com/ecmoce/chatgate"
	"github.com/ecmoce/chatgate/runner/claude"
)

func ExampleBackend_CommandArgs() {
	b := claude.New(claude.WithDefaultModel("opus"))
	bin, args := b.CommandArgs(chatgate.Turn{})
	fmt.Println(bin)
	fmt.Println(strings.Join(args, " "))
	// Output:
	// claude
	// -p --verbose --output-format stream-json --input-format stream-json --model opus
}

func ExampleBackend_FormatInput() {
	b := claude.New()
	data, _ := b.FormatInput("hello")
	fmt.Print(string(data))
	// Output: {"message":{"content":"hello","role":"user"},"type":"user"}
}
