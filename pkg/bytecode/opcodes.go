package bytecode

import "fmt"

// Opcode represents a bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation and constants (0x00-0x0F)
	// ========================================================================

	OpConstant Opcode = 0x00 // Push constant from pool: OpConstant <index:u16>
	OpNil      Opcode = 0x01 // Push nil
	OpTrue     Opcode = 0x02 // Push true
	OpFalse    Opcode = 0x03 // Push false
	OpPop      Opcode = 0x04 // Pop top of stack

	// ========================================================================
	// Variables (0x10-0x1F)
	// ========================================================================

	OpGetLocal     Opcode = 0x10 // Push local: OpGetLocal <slot:u8>
	OpSetLocal     Opcode = 0x11 // Store TOS into local, leave it: OpSetLocal <slot:u8>
	OpGetGlobal    Opcode = 0x12 // Push global: OpGetGlobal <name:u16>
	OpDefineGlobal Opcode = 0x13 // Pop and bind global: OpDefineGlobal <name:u16>
	OpSetGlobal    Opcode = 0x14 // Store TOS into existing global: OpSetGlobal <name:u16>
	OpGetUpvalue   Opcode = 0x15 // Push captured variable: OpGetUpvalue <index:u8>
	OpSetUpvalue   Opcode = 0x16 // Store TOS into captured variable: OpSetUpvalue <index:u8>

	// ========================================================================
	// Comparison (0x20-0x2F)
	// ========================================================================

	OpEqual   Opcode = 0x20 // Pop two, push a == b
	OpGreater Opcode = 0x21 // Pop two, push a > b
	OpLess    Opcode = 0x22 // Pop two, push a < b

	// ========================================================================
	// Arithmetic and logic (0x30-0x3F)
	// ========================================================================

	OpAdd      Opcode = 0x30 // Pop two, push sum or string concatenation
	OpSubtract Opcode = 0x31 // Pop two, push a - b (b is TOS)
	OpMultiply Opcode = 0x32 // Pop two, push product
	OpDivide   Opcode = 0x33 // Pop two, push quotient
	OpNot      Opcode = 0x34 // Replace TOS with its falsiness
	OpNegate   Opcode = 0x35 // Negate numeric TOS

	// ========================================================================
	// Output (0x40-0x4F)
	// ========================================================================

	OpPrint Opcode = 0x40 // Pop and write one line to the output sink

	// ========================================================================
	// Control flow (0x50-0x5F)
	// ========================================================================

	OpJump        Opcode = 0x50 // Forward jump: OpJump <offset:u16>
	OpJumpIfFalse Opcode = 0x51 // Forward jump if TOS falsy, TOS kept: OpJumpIfFalse <offset:u16>
	OpLoop        Opcode = 0x52 // Backward jump: OpLoop <offset:u16>

	// ========================================================================
	// Functions and closures (0x60-0x6F)
	// ========================================================================

	OpCall         Opcode = 0x60 // Call callee below argc args: OpCall <argc:u8>
	OpClosure      Opcode = 0x61 // OpClosure <fn:u16> then <isLocal:u8><index:u8> per upvalue
	OpCloseUpvalue Opcode = 0x62 // Close the upvalue for TOS slot, then pop it
	OpReturn       Opcode = 0x63 // Return TOS from the current frame
)

// VariableOperands marks an opcode whose operand length depends on the
// function it references (OpClosure).
const VariableOperands = -1

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name       string // Human-readable name
	StackPop   int    // How many values popped from stack (-1 = variable)
	StackPush  int    // How many values pushed to stack
	OperandLen int    // Number of fixed operand bytes (-1 = variable)
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpConstant: {"CONSTANT", 0, 1, 2},
	OpNil:      {"NIL", 0, 1, 0},
	OpTrue:     {"TRUE", 0, 1, 0},
	OpFalse:    {"FALSE", 0, 1, 0},
	OpPop:      {"POP", 1, 0, 0},

	OpGetLocal:     {"GET_LOCAL", 0, 1, 1},
	OpSetLocal:     {"SET_LOCAL", 1, 1, 1},
	OpGetGlobal:    {"GET_GLOBAL", 0, 1, 2},
	OpDefineGlobal: {"DEFINE_GLOBAL", 1, 0, 2},
	OpSetGlobal:    {"SET_GLOBAL", 1, 1, 2},
	OpGetUpvalue:   {"GET_UPVALUE", 0, 1, 1},
	OpSetUpvalue:   {"SET_UPVALUE", 1, 1, 1},

	OpEqual:   {"EQUAL", 2, 1, 0},
	OpGreater: {"GREATER", 2, 1, 0},
	OpLess:    {"LESS", 2, 1, 0},

	OpAdd:      {"ADD", 2, 1, 0},
	OpSubtract: {"SUBTRACT", 2, 1, 0},
	OpMultiply: {"MULTIPLY", 2, 1, 0},
	OpDivide:   {"DIVIDE", 2, 1, 0},
	OpNot:      {"NOT", 1, 1, 0},
	OpNegate:   {"NEGATE", 1, 1, 0},

	OpPrint: {"PRINT", 1, 0, 0},

	OpJump:        {"JUMP", 0, 0, 2},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 1, 1, 2},
	OpLoop:        {"LOOP", 0, 0, 2},

	// OpCall pops callee + argc args and pushes the result once the callee returns.
	OpCall:         {"CALL", -1, 1, 1},
	OpClosure:      {"CLOSURE", 0, 1, VariableOperands},
	OpCloseUpvalue: {"CLOSE_UPVALUE", 1, 0, 0},
	// OpReturn pops the result and the whole frame window, then pushes the result
	// onto the caller's stack.
	OpReturn: {"RETURN", -1, 1, 0},
}

// GetOpcodeInfo returns metadata for an opcode.
// The second result is false if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) (OpcodeInfo, bool) {
	info, ok := opcodeInfoTable[op]
	if !ok {
		return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}, false
	}
	return info, true
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	info, _ := GetOpcodeInfo(op)
	return info.Name
}

// Valid reports whether op is part of the instruction set.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// OperandLen returns the number of fixed operand bytes for this opcode,
// or VariableOperands for OpClosure.
func (op Opcode) OperandLen() int {
	info, _ := GetOpcodeInfo(op)
	return info.OperandLen
}

// IsJump returns true if this opcode is a jump instruction.
func (op Opcode) IsJump() bool {
	return op >= OpJump && op <= OpLoop
}

// AllOpcodes returns a slice of all defined opcodes.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
