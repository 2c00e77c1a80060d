package bytecode

import (
	"encoding/binary"
	"errors"
	"math"
)

// Fixed operand limits. Exceeding any of them is a compile error.
const (
	MaxConstants = math.MaxUint16 + 1 // u16 constant index
	MaxLocals    = math.MaxUint8 + 1  // u8 slot index, slot 0 included
	MaxUpvalues  = math.MaxUint8 + 1  // u8 upvalue index
	MaxArgs      = math.MaxUint8      // u8 argument count
	MaxJump      = math.MaxUint16     // u16 jump distance
)

// Chunk errors returned while emitting code.
var (
	ErrTooManyConstants = errors.New("too many constants in one chunk")
	ErrJumpTooLarge     = errors.New("too much code to jump over")
	ErrLoopTooLarge     = errors.New("loop body too large")
)

// Chunk is one function's compiled code: an instruction stream, its
// constant pool, and a line table parallel to the code bytes.
type Chunk struct {
	Code      []byte
	Constants []Value
	Lines     []int
}

// NewChunk creates a new empty chunk.
func NewChunk() *Chunk {
	return &Chunk{
		Code:      make([]byte, 0, 64),
		Constants: make([]Value, 0, 8),
		Lines:     make([]int, 0, 64),
	}
}

// Write appends one byte of code attributed to line.
func (c *Chunk) Write(b byte, line int) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

// Emit appends a single-byte opcode and returns its offset.
func (c *Chunk) Emit(op Opcode, line int) int {
	offset := len(c.Code)
	c.Write(byte(op), line)
	return offset
}

// EmitWithOperand appends an opcode with operand bytes.
func (c *Chunk) EmitWithOperand(op Opcode, line int, operands ...byte) int {
	offset := c.Emit(op, line)
	for _, b := range operands {
		c.Write(b, line)
	}
	return offset
}

// EmitUint16 appends an opcode with a big-endian u16 operand.
func (c *Chunk) EmitUint16(op Opcode, line int, operand uint16) int {
	return c.EmitWithOperand(op, line, byte(operand>>8), byte(operand))
}

// AddConstant appends a value to the pool and returns its index.
// Constants are not deduplicated: insertion order is reference order.
func (c *Chunk) AddConstant(v Value) (uint16, error) {
	if len(c.Constants) >= MaxConstants {
		return 0, ErrTooManyConstants
	}
	c.Constants = append(c.Constants, v)
	return uint16(len(c.Constants) - 1), nil
}

// EmitJump emits a jump instruction with a placeholder offset.
// Returns the offset of the placeholder for later patching.
func (c *Chunk) EmitJump(op Opcode, line int) int {
	c.EmitWithOperand(op, line, 0xFF, 0xFF)
	return len(c.Code) - 2
}

// PatchJump patches a forward jump to land on the current position.
func (c *Chunk) PatchJump(placeholderOffset int) error {
	delta := len(c.Code) - (placeholderOffset + 2)
	if delta > MaxJump {
		return ErrJumpTooLarge
	}
	c.Code[placeholderOffset] = byte(delta >> 8)
	c.Code[placeholderOffset+1] = byte(delta)
	return nil
}

// EmitLoop emits a backward jump to loopStart.
func (c *Chunk) EmitLoop(loopStart int, line int) error {
	delta := len(c.Code) + 3 - loopStart
	if delta > MaxJump {
		return ErrLoopTooLarge
	}
	c.EmitUint16(OpLoop, line, uint16(delta))
	return nil
}

// ReadUint16 decodes a big-endian u16 operand at offset.
func (c *Chunk) ReadUint16(offset int) uint16 {
	return binary.BigEndian.Uint16(c.Code[offset:])
}

// LineAt returns the source line for a code offset, or 0 if out of range.
func (c *Chunk) LineAt(offset int) int {
	if offset < 0 || offset >= len(c.Lines) {
		return 0
	}
	return c.Lines[offset]
}

// CurrentOffset returns the current offset in the code section.
func (c *Chunk) CurrentOffset() int {
	return len(c.Code)
}

// LastOpcode returns the opcode of the last byte written, if any.
func (c *Chunk) LastOpcode() (Opcode, bool) {
	if len(c.Code) == 0 {
		return 0, false
	}
	return Opcode(c.Code[len(c.Code)-1]), true
}

// InstructionLen returns the byte length of the instruction at offset,
// resolving OpClosure's variable operands through its function constant.
// It reports false for unknown opcodes or truncated operands.
func (c *Chunk) InstructionLen(offset int) (int, bool) {
	if offset >= len(c.Code) {
		return 0, false
	}
	op := Opcode(c.Code[offset])
	info, ok := GetOpcodeInfo(op)
	if !ok {
		return 0, false
	}
	n := 1 + info.OperandLen
	if info.OperandLen == VariableOperands {
		if offset+3 > len(c.Code) {
			return 0, false
		}
		idx := int(c.ReadUint16(offset + 1))
		if idx >= len(c.Constants) {
			return 0, false
		}
		fn, ok := c.Constants[idx].AsFunction()
		if !ok {
			return 0, false
		}
		n = 3 + 2*fn.UpvalueCount
	}
	if offset+n > len(c.Code) {
		return 0, false
	}
	return n, true
}
