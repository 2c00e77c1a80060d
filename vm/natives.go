package vm

import (
	"time"

	"github.com/chazu/loxvm/pkg/bytecode"
)

var startTime = time.Now()

// DefineNative binds a host function as a global.
func (vm *VM) DefineNative(name string, arity int, fn bytecode.NativeFn) {
	vm.globals[name] = bytecode.FromObject(bytecode.NewNative(name, arity, fn))
}

func (vm *VM) defineStandardNatives() {
	// clock returns seconds elapsed since the process started.
	vm.DefineNative("clock", 0, func([]bytecode.Value) (bytecode.Value, error) {
		return bytecode.Number(time.Since(startTime).Seconds()), nil
	})
}
