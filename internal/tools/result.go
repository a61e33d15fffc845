package tools

import "fmt"

// Result is what one tool execution hands back to the Agent Loop. Output
// goes verbatim into the tool-result slot of the message stream. IsError
// marks failures for logging and the tools.jsonl record; the LLM still
// sees the text and decides how to proceed (spec §7).
type Result struct {
	Output  string
	IsError bool
}

// Text builds a successful result.
func Text(format string, args ...interface{}) *Result {
	if len(args) == 0 {
		return &Result{Output: format}
	}
	return &Result{Output: fmt.Sprintf(format, args...)}
}

// Errorf builds an error result.
func Errorf(format string, args ...interface{}) *Result {
	if len(args) == 0 {
		return &Result{Output: format, IsError: true}
	}
	return &Result{Output: fmt.Sprintf(format, args...), IsError: true}
}
