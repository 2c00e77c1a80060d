package vm

import "github.com/chazu/loxvm/pkg/bytecode"

// ---------------------------------------------------------------------------
// Upvalue registry
// ---------------------------------------------------------------------------
//
// Open upvalues are indexed by the stack slot they alias. At most one open
// cell exists per slot, so every closure capturing a variable shares it.

// captureUpvalue returns the open cell for slot, creating it if needed.
func (vm *VM) captureUpvalue(slot int) *bytecode.Upvalue {
	if uv, ok := vm.openUpvalues[slot]; ok {
		return uv
	}
	uv := bytecode.NewOpenUpvalue(slot)
	vm.openUpvalues[slot] = uv
	return uv
}

// closeUpvalues closes every open cell aliasing a slot at or above from,
// copying the slot's current value into the cell. A cell whose slot is
// already gone closes over nil.
func (vm *VM) closeUpvalues(from int) {
	for slot, uv := range vm.openUpvalues {
		if slot < from {
			continue
		}
		v := bytecode.Nil
		if slot < len(vm.stack) {
			v = vm.stack[slot]
		}
		uv.Close(v)
		delete(vm.openUpvalues, slot)
	}
}

func (vm *VM) readUpvalue(uv *bytecode.Upvalue) bytecode.Value {
	if !uv.IsOpen() {
		return uv.Value()
	}
	if uv.Slot() >= len(vm.stack) {
		panic(vm.internalError("open upvalue aliases dead slot %d", uv.Slot()))
	}
	return vm.stack[uv.Slot()]
}

func (vm *VM) writeUpvalue(uv *bytecode.Upvalue, v bytecode.Value) {
	if !uv.IsOpen() {
		uv.SetValue(v)
		return
	}
	if uv.Slot() >= len(vm.stack) {
		panic(vm.internalError("open upvalue aliases dead slot %d", uv.Slot()))
	}
	vm.stack[uv.Slot()] = v
}

// OpenUpvalueCount returns the number of cells still aliasing stack slots.
func (vm *VM) OpenUpvalueCount() int {
	return len(vm.openUpvalues)
}
