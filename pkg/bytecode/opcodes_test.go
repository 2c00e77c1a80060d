package bytecode

import (
	"strings"
	"testing"
)

func TestAllOpcodesHaveInfo(t *testing.T) {
	for _, op := range AllOpcodes() {
		info, ok := GetOpcodeInfo(op)
		if !ok {
			t.Errorf("opcode 0x%02X has no info", byte(op))
		}
		if info.Name == "" || strings.HasPrefix(info.Name, "UNKNOWN") {
			t.Errorf("opcode 0x%02X has bad name %q", byte(op), info.Name)
		}
	}
}

func TestOpcodeNamesUnique(t *testing.T) {
	seen := make(map[string]Opcode)
	for _, op := range AllOpcodes() {
		name := op.String()
		if prev, ok := seen[name]; ok {
			t.Errorf("opcodes 0x%02X and 0x%02X share name %q", byte(prev), byte(op), name)
		}
		seen[name] = op
	}
}

func TestUnknownOpcode(t *testing.T) {
	op := Opcode(0xEE)
	if op.Valid() {
		t.Error("0xEE should not be valid")
	}
	if got := op.String(); got != "UNKNOWN(0xEE)" {
		t.Errorf("String() = %q, want UNKNOWN(0xEE)", got)
	}
}

func TestOpcodeStackEffects(t *testing.T) {
	tests := []struct {
		op         Opcode
		pop, push  int
		operandLen int
	}{
		{OpConstant, 0, 1, 2},
		{OpPop, 1, 0, 0},
		{OpGetLocal, 0, 1, 1},
		{OpSetLocal, 1, 1, 1},
		{OpDefineGlobal, 1, 0, 2},
		{OpGetUpvalue, 0, 1, 1},
		{OpAdd, 2, 1, 0},
		{OpNot, 1, 1, 0},
		{OpPrint, 1, 0, 0},
		{OpJumpIfFalse, 1, 1, 2},
		{OpLoop, 0, 0, 2},
		{OpCall, -1, 1, 1},
		{OpClosure, 0, 1, VariableOperands},
		{OpCloseUpvalue, 1, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			info, _ := GetOpcodeInfo(tt.op)
			if info.StackPop != tt.pop || info.StackPush != tt.push || info.OperandLen != tt.operandLen {
				t.Errorf("info = %+v, want pop=%d push=%d operands=%d", info, tt.pop, tt.push, tt.operandLen)
			}
		})
	}
}

func TestIsJump(t *testing.T) {
	for _, op := range []Opcode{OpJump, OpJumpIfFalse, OpLoop} {
		if !op.IsJump() {
			t.Errorf("%s.IsJump() = false", op)
		}
	}
	if OpCall.IsJump() {
		t.Error("CALL.IsJump() = true")
	}
}
