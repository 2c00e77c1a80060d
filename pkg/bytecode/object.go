package bytecode

import "fmt"

// ObjectType identifies a heap object variant.
type ObjectType uint8

const (
	ObjString ObjectType = iota
	ObjFunction
	ObjClosure
	ObjUpvalue
	ObjNative
)

// String returns a human-readable name for ObjectType.
func (t ObjectType) String() string {
	switch t {
	case ObjString:
		return "string"
	case ObjFunction:
		return "function"
	case ObjClosure:
		return "closure"
	case ObjUpvalue:
		return "upvalue"
	case ObjNative:
		return "native"
	default:
		return fmt.Sprintf("ObjectType(%d)", t)
	}
}

// Object is implemented by every heap variant. The set is closed:
// only types in this package implement it.
type Object interface {
	Type() ObjectType
	String() string
	object()
}

// ---------------------------------------------------------------------------
// String
// ---------------------------------------------------------------------------

// String is an immutable byte sequence.
type String struct {
	Chars string
}

// NewString creates a string object.
func NewString(s string) *String { return &String{Chars: s} }

func (*String) Type() ObjectType { return ObjString }
func (s *String) String() string { return s.Chars }
func (*String) object() {}

// ---------------------------------------------------------------------------
// Function
// ---------------------------------------------------------------------------

// Function is a compiled function: immutable once the compiler finishes it.
// The top-level script is a Function with an empty name.
type Function struct {
	Name         string
	Arity        int
	UpvalueCount int
	Chunk        *Chunk
}

// NewFunction creates an empty function with a fresh chunk.
func NewFunction(name string) *Function {
	return &Function{Name: name, Chunk: NewChunk()}
}

func (*Function) Type() ObjectType { return ObjFunction }
func (*Function) object() {}

func (f *Function) String() string {
	if f.Name == "" {
		return "<script>"
	}
	return "<fn " + f.Name + ">"
}

// ---------------------------------------------------------------------------
// Closure
// ---------------------------------------------------------------------------

// Closure pairs a Function with the upvalue cells it captured at creation.
// Closures that capture the same variable share the same *Upvalue.
type Closure struct {
	Function *Function
	Upvalues []*Upvalue
}

// NewClosure creates a closure with room for fn's upvalues.
func NewClosure(fn *Function) *Closure {
	return &Closure{
		Function: fn,
		Upvalues: make([]*Upvalue, fn.UpvalueCount),
	}
}

func (*Closure) Type() ObjectType { return ObjClosure }
func (c *Closure) String() string { return c.Function.String() }
func (*Closure) object() {}

// ---------------------------------------------------------------------------
// Upvalue
// ---------------------------------------------------------------------------

// Upvalue is a captured variable cell. While open it names a slot of the
// VM's value stack by index; once closed it owns a copy of the value.
// It never holds a pointer into the stack slice, so stack growth cannot
// invalidate it.
type Upvalue struct {
	slot   int
	open   bool
	closed Value
}

// NewOpenUpvalue creates a cell aliasing the given stack slot.
func NewOpenUpvalue(slot int) *Upvalue {
	return &Upvalue{slot: slot, open: true}
}

// NewClosedUpvalue creates a detached cell holding v.
func NewClosedUpvalue(v Value) *Upvalue {
	return &Upvalue{closed: v}
}

// IsOpen reports whether the cell still aliases a live stack slot.
func (u *Upvalue) IsOpen() bool { return u.open }

// Slot returns the aliased stack index; meaningful only while open.
func (u *Upvalue) Slot() int { return u.slot }

// Close detaches the cell, taking ownership of v.
func (u *Upvalue) Close(v Value) {
	u.closed = v
	u.open = false
}

// Value returns the owned value of a closed cell.
func (u *Upvalue) Value() Value { return u.closed }

// SetValue writes the owned value of a closed cell.
func (u *Upvalue) SetValue(v Value) { u.closed = v }

func (*Upvalue) Type() ObjectType { return ObjUpvalue }
func (*Upvalue) object() {}

func (u *Upvalue) String() string {
	if u.open {
		return fmt.Sprintf("<upvalue open @%d>", u.slot)
	}
	return "<upvalue " + u.closed.String() + ">"
}

// ---------------------------------------------------------------------------
// Native
// ---------------------------------------------------------------------------

// NativeFn is a host function. args is a copy; implementations must not
// retain it beyond the call.
type NativeFn func(args []Value) (Value, error)

// Native is a host function exposed as a callable value.
type Native struct {
	Name  string
	Arity int // -1 accepts any number of arguments
	Fn    NativeFn
}

// NewNative creates a native function object.
func NewNative(name string, arity int, fn NativeFn) *Native {
	return &Native{Name: name, Arity: arity, Fn: fn}
}

func (*Native) Type() ObjectType { return ObjNative }
func (n *Native) String() string { return "<native fn " + n.Name + ">" }
func (*Native) object() {}
