package vm

import (
	"github.com/tliron/commonlog"

	"github.com/chazu/loxvm/pkg/bytecode"
)

// CallFrame is the execution state of one function invocation. Its locals
// live on the shared value stack starting at slotBase; slot 0 holds the
// closure being executed.
type CallFrame struct {
	closure  *bytecode.Closure
	ip       int
	slotBase int
}

// Closure returns the closure the frame is executing.
func (f *CallFrame) Closure() *bytecode.Closure { return f.closure }

// IP returns the offset of the next instruction.
func (f *CallFrame) IP() int { return f.ip }

// SlotBase returns the stack index of the frame's slot 0.
func (f *CallFrame) SlotBase() int { return f.slotBase }

func (f *CallFrame) chunk() *bytecode.Chunk {
	return f.closure.Function.Chunk
}

// line returns the source line of the instruction currently executing.
func (f *CallFrame) line() int {
	return f.chunk().LineAt(f.ip - 1)
}

func (f *CallFrame) name() string {
	if f.closure.Function.Name == "" {
		return "script"
	}
	return f.closure.Function.Name
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// callValue invokes the callee that sits below argc arguments on the stack.
func (vm *VM) callValue(callee bytecode.Value, argc int) error {
	switch fn := callee.AsObject().(type) {
	case *bytecode.Closure:
		return vm.call(fn, argc)
	case *bytecode.Native:
		return vm.callNative(fn, argc)
	}
	return vm.runtimeError("Can only call functions.")
}

// call pushes a frame for closure. The callee and its arguments are already
// on the stack and become the frame's first slots.
func (vm *VM) call(closure *bytecode.Closure, argc int) error {
	if argc != closure.Function.Arity {
		return vm.runtimeError("Expected %d arguments but got %d.", closure.Function.Arity, argc)
	}
	if len(vm.frames) >= vm.maxFrames {
		return vm.runtimeError("Stack overflow.")
	}
	vm.frames = append(vm.frames, CallFrame{
		closure:  closure,
		slotBase: len(vm.stack) - argc - 1,
	})
	if vm.log.AllowLevel(commonlog.Debug) {
		vm.log.Debugf("call %s/%d depth=%d", closure.Function, argc, len(vm.frames))
	}
	return nil
}

// callNative runs a host function synchronously. It receives a copy of its
// arguments so it cannot alias the stack.
func (vm *VM) callNative(native *bytecode.Native, argc int) error {
	if native.Arity >= 0 && argc != native.Arity {
		return vm.runtimeError("Expected %d arguments but got %d.", native.Arity, argc)
	}
	args := make([]bytecode.Value, argc)
	copy(args, vm.stack[len(vm.stack)-argc:])

	result, err := native.Fn(args)
	if err != nil {
		return vm.runtimeError("%s", err.Error())
	}
	vm.stack = vm.stack[:len(vm.stack)-argc-1]
	vm.push(result)
	return nil
}
