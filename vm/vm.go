package vm

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"

	"github.com/chazu/loxvm/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// VM: the lox virtual machine
// ---------------------------------------------------------------------------

// DefaultMaxFrames is the default call depth limit.
const DefaultMaxFrames = 64

// CompileFunc compiles source to a top-level function. It is injected so
// the vm package does not import the compiler.
type CompileFunc func(source string) (*bytecode.Function, error)

// VM executes compiled functions. A VM is single-threaded and not
// reentrant; globals persist across runs.
type VM struct {
	stack        []bytecode.Value
	frames       []CallFrame
	globals      map[string]bytecode.Value
	openUpvalues map[int]*bytecode.Upvalue

	maxFrames int
	out       io.Writer
	traceOut  io.Writer
	compile   CompileFunc
	log       commonlog.Logger
}

// Option configures a VM.
type Option func(*VM)

// WithOutput sets where print writes. The default is os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(vm *VM) { vm.out = w }
}

// WithTrace enables per-instruction tracing to w.
func WithTrace(w io.Writer) Option {
	return func(vm *VM) { vm.traceOut = w }
}

// WithMaxFrames sets the call depth limit. Values below 1 are ignored.
func WithMaxFrames(n int) Option {
	return func(vm *VM) {
		if n > 0 {
			vm.maxFrames = n
		}
	}
}

// WithCompiler sets the compiler used by Interpret.
func WithCompiler(fn CompileFunc) Option {
	return func(vm *VM) { vm.compile = fn }
}

// New creates a VM with the standard natives defined.
func New(opts ...Option) *VM {
	vm := &VM{
		globals:      make(map[string]bytecode.Value),
		openUpvalues: make(map[int]*bytecode.Upvalue),
		maxFrames:    DefaultMaxFrames,
		out:          os.Stdout,
		log:          commonlog.GetLogger("loxvm.vm"),
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.stack = make([]bytecode.Value, 0, 256)
	vm.frames = make([]CallFrame, 0, vm.maxFrames)
	vm.defineStandardNatives()
	return vm
}

// UseCompiler sets the compiler used by Interpret.
func (vm *VM) UseCompiler(fn CompileFunc) {
	vm.compile = fn
}

// SetOutput redirects print output.
func (vm *VM) SetOutput(w io.Writer) {
	vm.out = w
}

// LookupGlobal returns a global value by name.
func (vm *VM) LookupGlobal(name string) (bytecode.Value, bool) {
	v, ok := vm.globals[name]
	return v, ok
}

// SetGlobal sets a global value.
func (vm *VM) SetGlobal(name string, value bytecode.Value) {
	vm.globals[name] = value
}

// GlobalNames returns the names of all defined globals in no particular order.
func (vm *VM) GlobalNames() []string {
	names := make([]string, 0, len(vm.globals))
	for name := range vm.globals {
		names = append(names, name)
	}
	return names
}

// StackHeight returns the number of values on the stack. It is zero
// between runs.
func (vm *VM) StackHeight() int {
	return len(vm.stack)
}

// Interpret compiles and runs source. Compile errors are returned as the
// compiler reports them; nothing runs.
func (vm *VM) Interpret(source string) error {
	if vm.compile == nil {
		return errors.New("vm: no compiler configured")
	}
	fn, err := vm.compile(source)
	if err != nil {
		return err
	}
	return vm.Run(fn)
}

// Run executes a top-level function. It returns a *RuntimeError when the
// program fails and an *InternalError when the bytecode is malformed.
// Either way the stack is reset and globals are kept.
func (vm *VM) Run(fn *bytecode.Function) (err error) {
	if len(vm.frames) != 0 {
		return errors.New("vm: Run called while already running")
	}

	defer func() {
		if r := recover(); r != nil {
			ie, ok := r.(*InternalError)
			if !ok {
				panic(r)
			}
			vm.log.Errorf("%s", ie)
			vm.reset()
			err = ie
		}
	}()

	closure := bytecode.NewClosure(fn)
	vm.push(bytecode.FromObject(closure))
	if err := vm.call(closure, 0); err != nil {
		return err
	}
	return vm.run()
}

// reset discards all execution state except globals. Open cells are
// closed first so closures that escaped the aborted run keep their values.
func (vm *VM) reset() {
	vm.closeUpvalues(0)
	vm.stack = vm.stack[:0]
	vm.frames = vm.frames[:0]
}

// runtimeError builds a RuntimeError from the current call stack and
// resets the VM.
func (vm *VM) runtimeError(format string, args ...any) error {
	err := &RuntimeError{Message: fmt.Sprintf(format, args...)}
	for i := len(vm.frames) - 1; i >= 0; i-- {
		f := &vm.frames[i]
		err.Trace = append(err.Trace, TraceEntry{Function: f.name(), Line: f.line()})
	}
	if len(err.Trace) > 0 {
		err.Line = err.Trace[0].Line
	}
	vm.log.Debugf("runtime error: %s", err.Message)
	vm.reset()
	return err
}

func (vm *VM) internalError(format string, args ...any) *InternalError {
	ie := &InternalError{Message: fmt.Sprintf(format, args...)}
	if len(vm.frames) > 0 {
		f := &vm.frames[len(vm.frames)-1]
		ie.Function = f.closure.Function.String()
		ie.Offset = f.ip
	}
	return ie
}

// ---------------------------------------------------------------------------
// Stack
// ---------------------------------------------------------------------------

func (vm *VM) push(v bytecode.Value) {
	vm.stack = append(vm.stack, v)
}

func (vm *VM) pop() bytecode.Value {
	if len(vm.stack) == 0 {
		panic(vm.internalError("stack underflow"))
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v
}

func (vm *VM) peek(distance int) bytecode.Value {
	if distance >= len(vm.stack) {
		panic(vm.internalError("stack underflow"))
	}
	return vm.stack[len(vm.stack)-1-distance]
}

// ---------------------------------------------------------------------------
// Operand decoding
// ---------------------------------------------------------------------------

func (vm *VM) readByte(f *CallFrame) byte {
	code := f.chunk().Code
	if f.ip >= len(code) {
		panic(vm.internalError("read past end of code"))
	}
	b := code[f.ip]
	f.ip++
	return b
}

func (vm *VM) readUint16(f *CallFrame) uint16 {
	hi := vm.readByte(f)
	lo := vm.readByte(f)
	return uint16(hi)<<8 | uint16(lo)
}

func (vm *VM) readConstant(f *CallFrame) bytecode.Value {
	idx := int(vm.readUint16(f))
	consts := f.chunk().Constants
	if idx >= len(consts) {
		panic(vm.internalError("constant index %d out of range (%d constants)", idx, len(consts)))
	}
	return consts[idx]
}

func (vm *VM) readName(f *CallFrame) string {
	k := vm.readConstant(f)
	s, ok := k.AsString()
	if !ok {
		panic(vm.internalError("name constant is %s, not a string", k.TypeName()))
	}
	return s.Chars
}

// localSlot resolves a frame-relative slot to a stack index. The frame's
// window ends at the stack top, since callees sit above it only while the
// frame is suspended.
func (vm *VM) localSlot(f *CallFrame, slot byte) (int, error) {
	idx := f.slotBase + int(slot)
	if idx >= len(vm.stack) {
		return 0, vm.runtimeError("Local slot %d out of range.", slot)
	}
	return idx, nil
}

func (vm *VM) upvalueAt(f *CallFrame, index byte) (*bytecode.Upvalue, error) {
	if int(index) >= len(f.closure.Upvalues) {
		return nil, vm.runtimeError("Upvalue index %d out of range.", index)
	}
	return f.closure.Upvalues[index], nil
}

// ---------------------------------------------------------------------------
// Main interpreter loop
// ---------------------------------------------------------------------------

func (vm *VM) run() error {
	f := &vm.frames[len(vm.frames)-1]

	for {
		if vm.traceOut != nil {
			vm.traceInstruction(f)
		}

		op := bytecode.Opcode(vm.readByte(f))

		switch op {
		case bytecode.OpConstant:
			vm.push(vm.readConstant(f))

		case bytecode.OpNil:
			vm.push(bytecode.Nil)

		case bytecode.OpTrue:
			vm.push(bytecode.Bool(true))

		case bytecode.OpFalse:
			vm.push(bytecode.Bool(false))

		case bytecode.OpPop:
			vm.pop()

		// --- Variables ---
		case bytecode.OpGetLocal:
			idx, err := vm.localSlot(f, vm.readByte(f))
			if err != nil {
				return err
			}
			vm.push(vm.stack[idx])

		case bytecode.OpSetLocal:
			idx, err := vm.localSlot(f, vm.readByte(f))
			if err != nil {
				return err
			}
			vm.stack[idx] = vm.peek(0)

		case bytecode.OpGetGlobal:
			name := vm.readName(f)
			v, ok := vm.globals[name]
			if !ok {
				return vm.runtimeError("Undefined variable '%s'.", name)
			}
			vm.push(v)

		case bytecode.OpDefineGlobal:
			name := vm.readName(f)
			vm.globals[name] = vm.peek(0)
			vm.pop()

		case bytecode.OpSetGlobal:
			name := vm.readName(f)
			if _, ok := vm.globals[name]; !ok {
				return vm.runtimeError("Undefined variable '%s'.", name)
			}
			vm.globals[name] = vm.peek(0)

		case bytecode.OpGetUpvalue:
			uv, err := vm.upvalueAt(f, vm.readByte(f))
			if err != nil {
				return err
			}
			vm.push(vm.readUpvalue(uv))

		case bytecode.OpSetUpvalue:
			uv, err := vm.upvalueAt(f, vm.readByte(f))
			if err != nil {
				return err
			}
			vm.writeUpvalue(uv, vm.peek(0))

		// --- Comparison ---
		case bytecode.OpEqual:
			b := vm.pop()
			a := vm.pop()
			vm.push(bytecode.Bool(a.Equal(b)))

		case bytecode.OpGreater, bytecode.OpLess,
			bytecode.OpSubtract, bytecode.OpMultiply, bytecode.OpDivide:
			if err := vm.numericBinary(op); err != nil {
				return err
			}

		// --- Arithmetic ---
		case bytecode.OpAdd:
			b, a := vm.peek(0), vm.peek(1)
			as, aStr := a.AsString()
			bs, bStr := b.AsString()
			switch {
			case aStr && bStr:
				vm.pop()
				vm.pop()
				vm.push(bytecode.Str(as.Chars + bs.Chars))
			case a.IsNumber() && b.IsNumber():
				vm.pop()
				vm.pop()
				vm.push(bytecode.Number(a.AsNumber() + b.AsNumber()))
			default:
				return vm.runtimeError("Operands must be two numbers or two strings.")
			}

		case bytecode.OpNot:
			vm.push(bytecode.Bool(vm.pop().IsFalsey()))

		case bytecode.OpNegate:
			if !vm.peek(0).IsNumber() {
				return vm.runtimeError("Operand must be a number.")
			}
			vm.push(bytecode.Number(-vm.pop().AsNumber()))

		case bytecode.OpPrint:
			fmt.Fprintln(vm.out, vm.pop().String())

		// --- Control flow ---
		case bytecode.OpJump:
			offset := int(vm.readUint16(f))
			f.ip += offset

		case bytecode.OpJumpIfFalse:
			offset := int(vm.readUint16(f))
			if vm.peek(0).IsFalsey() {
				f.ip += offset
			}

		case bytecode.OpLoop:
			offset := int(vm.readUint16(f))
			if offset > f.ip {
				panic(vm.internalError("loop target before start of code"))
			}
			f.ip -= offset

		// --- Functions and closures ---
		case bytecode.OpCall:
			argc := int(vm.readByte(f))
			if argc >= len(vm.stack) {
				panic(vm.internalError("call with %d arguments on a stack of %d", argc, len(vm.stack)))
			}
			if err := vm.callValue(vm.peek(argc), argc); err != nil {
				return err
			}
			f = &vm.frames[len(vm.frames)-1]

		case bytecode.OpClosure:
			if err := vm.makeClosure(f); err != nil {
				return err
			}

		case bytecode.OpCloseUpvalue:
			vm.closeUpvalues(len(vm.stack) - 1)
			vm.pop()

		case bytecode.OpReturn:
			result := vm.pop()
			vm.closeUpvalues(f.slotBase)
			base := f.slotBase
			vm.frames = vm.frames[:len(vm.frames)-1]
			vm.stack = vm.stack[:base]
			if len(vm.frames) == 0 {
				return nil
			}
			vm.push(result)
			f = &vm.frames[len(vm.frames)-1]

		default:
			f.ip--
			panic(vm.internalError("unknown opcode 0x%02X", byte(op)))
		}
	}
}

// numericBinary applies a comparison or arithmetic opcode to two numbers.
func (vm *VM) numericBinary(op bytecode.Opcode) error {
	if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
		return vm.runtimeError("Operands must be numbers.")
	}
	b := vm.pop().AsNumber()
	a := vm.pop().AsNumber()
	switch op {
	case bytecode.OpGreater:
		vm.push(bytecode.Bool(a > b))
	case bytecode.OpLess:
		vm.push(bytecode.Bool(a < b))
	case bytecode.OpSubtract:
		vm.push(bytecode.Number(a - b))
	case bytecode.OpMultiply:
		vm.push(bytecode.Number(a * b))
	case bytecode.OpDivide:
		vm.push(bytecode.Number(a / b))
	}
	return nil
}

// makeClosure decodes an OpClosure: it wraps the function constant and
// captures each variable its descriptors name.
func (vm *VM) makeClosure(f *CallFrame) error {
	k := vm.readConstant(f)
	fn, ok := k.AsFunction()
	if !ok {
		panic(vm.internalError("closure constant is %s, not a function", k.TypeName()))
	}
	closure := bytecode.NewClosure(fn)
	vm.push(bytecode.FromObject(closure))

	for i := range closure.Upvalues {
		isLocal := vm.readByte(f)
		index := vm.readByte(f)
		if isLocal == 1 {
			slot, err := vm.localSlot(f, index)
			if err != nil {
				return err
			}
			closure.Upvalues[i] = vm.captureUpvalue(slot)
		} else {
			uv, err := vm.upvalueAt(f, index)
			if err != nil {
				return err
			}
			closure.Upvalues[i] = uv
		}
	}
	return nil
}
