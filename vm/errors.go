package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInternal is matched by every InternalError.
var ErrInternal = errors.New("internal VM error")

// InternalError reports malformed bytecode: an unknown opcode, a truncated
// operand or a constant of the wrong kind. It indicates a compiler or VM
// bug, never a mistake in the running program.
type InternalError struct {
	Function string
	Offset   int
	Message  string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error in %s at %04X: %s", e.Function, e.Offset, e.Message)
}

// Unwrap makes errors.Is(err, ErrInternal) hold.
func (e *InternalError) Unwrap() error { return ErrInternal }

// TraceEntry is one call frame of a runtime error's stack trace.
type TraceEntry struct {
	Function string // "script" for top-level code
	Line     int
}

func (t TraceEntry) String() string {
	if t.Function == "script" {
		return fmt.Sprintf("[line %d] in script", t.Line)
	}
	return fmt.Sprintf("[line %d] in %s()", t.Line, t.Function)
}

// RuntimeError is a recoverable error raised by the running program.
// Trace lists the active frames innermost first.
type RuntimeError struct {
	Message string
	Line    int
	Trace   []TraceEntry
}

func (e *RuntimeError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	for _, t := range e.Trace {
		sb.WriteString("\n")
		sb.WriteString(t.String())
	}
	return sb.String()
}
