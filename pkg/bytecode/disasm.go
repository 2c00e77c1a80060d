package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of fn and, after it, of every
// function nested in its constant pool.
func Disassemble(fn *Function) string {
	var sb strings.Builder
	disassembleInto(&sb, fn)
	return sb.String()
}

func disassembleInto(sb *strings.Builder, fn *Function) {
	sb.WriteString(fn.Chunk.DisassembleWithName(fn.String()))
	for _, k := range fn.Chunk.Constants {
		if nested, ok := k.AsFunction(); ok {
			sb.WriteString("\n")
			disassembleInto(sb, nested)
		}
	}
}

// DisassembleWithName returns a listing of the chunk with a name header.
func (c *Chunk) DisassembleWithName(name string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}

	if len(c.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, k := range c.Constants {
			display := k.String()
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, quoteIfString(k, display)))
		}
	}

	sb.WriteString("; Code:\n")
	prevLine := -1
	offset := 0
	for offset < len(c.Code) {
		text, n := c.DisassembleInstruction(offset)
		line := c.LineAt(offset)
		lineCol := "   |"
		if line != prevLine {
			lineCol = fmt.Sprintf("%4d", line)
			prevLine = line
		}
		sb.WriteString(fmt.Sprintf("%04X %s  %s\n", offset, lineCol, text))
		if n == 0 {
			break
		}
		offset += n
	}

	return sb.String()
}

// DisassembleInstruction formats the instruction at offset.
// Returns the text and the instruction length; the length is 0 when the
// instruction cannot be decoded.
func (c *Chunk) DisassembleInstruction(offset int) (string, int) {
	if offset >= len(c.Code) {
		return "<end of code>", 0
	}

	op := Opcode(c.Code[offset])
	n, ok := c.InstructionLen(offset)
	if !ok {
		return fmt.Sprintf("%s <malformed>", op), 0
	}

	switch op {
	case OpConstant, OpGetGlobal, OpDefineGlobal, OpSetGlobal:
		idx := c.ReadUint16(offset + 1)
		return fmt.Sprintf("%-16s %4d %s", op, idx, c.constantText(idx)), n

	case OpGetLocal, OpSetLocal, OpGetUpvalue, OpSetUpvalue, OpCall:
		return fmt.Sprintf("%-16s %4d", op, c.Code[offset+1]), n

	case OpJump, OpJumpIfFalse:
		delta := int(c.ReadUint16(offset + 1))
		return fmt.Sprintf("%-16s %4d -> %04X", op, delta, offset+3+delta), n

	case OpLoop:
		delta := int(c.ReadUint16(offset + 1))
		return fmt.Sprintf("%-16s %4d -> %04X", op, delta, offset+3-delta), n

	case OpClosure:
		idx := c.ReadUint16(offset + 1)
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("%-16s %4d %s", op, idx, c.constantText(idx)))
		for i := offset + 3; i < offset+n; i += 2 {
			kind := "upvalue"
			if c.Code[i] == 1 {
				kind = "local"
			}
			sb.WriteString(fmt.Sprintf(" [%s %d]", kind, c.Code[i+1]))
		}
		return sb.String(), n

	default:
		return op.String(), n
	}
}

func (c *Chunk) constantText(idx uint16) string {
	if int(idx) >= len(c.Constants) {
		return "<bad constant>"
	}
	k := c.Constants[idx]
	return quoteIfString(k, k.String())
}

func quoteIfString(v Value, display string) string {
	if _, ok := v.AsString(); ok {
		display = strings.ReplaceAll(display, "\n", "\\n")
		display = strings.ReplaceAll(display, "\t", "\\t")
		return "'" + display + "'"
	}
	return display
}
