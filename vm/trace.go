package vm

import (
	"fmt"
	"strings"
)

// traceInstruction writes the stack and the instruction about to execute.
// It only reads VM state.
func (vm *VM) traceInstruction(f *CallFrame) {
	var sb strings.Builder
	sb.WriteString("          ")
	for _, v := range vm.stack {
		sb.WriteString("[ ")
		sb.WriteString(v.String())
		sb.WriteString(" ]")
	}
	text, _ := f.chunk().DisassembleInstruction(f.ip)
	fmt.Fprintf(vm.traceOut, "%s\n%04X %4d %s\n", sb.String(), f.ip, f.chunk().LineAt(f.ip), text)
}
