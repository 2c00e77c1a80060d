package compiler

import (
	"errors"

	"github.com/chazu/loxvm/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Scope: per-function compile frames and variable resolution
// ---------------------------------------------------------------------------

// functionKind distinguishes the implicit top-level script from declared
// functions. Only declared functions may return.
type functionKind int

const (
	kindScript functionKind = iota
	kindFunction
)

// Resolution errors. The compiler reports their text at the offending token.
var (
	errOwnInitializer  = errors.New("Can't read local variable in its own initializer.")
	errTooManyLocals   = errors.New("Too many local variables in function.")
	errTooManyUpvalues = errors.New("Too many closure variables in function.")
	errAlreadyDeclared = errors.New("Already a variable with this name in this scope.")
)

// uninitialized marks a local that is declared but whose initializer has
// not finished compiling.
const uninitialized = -1

type local struct {
	name     string
	depth    int // scope depth, or uninitialized
	captured bool
}

// UpvalueDescriptor tells OpClosure where to find one captured variable:
// a local slot of the immediately enclosing function when IsLocal, or an
// upvalue of the enclosing closure otherwise.
type UpvalueDescriptor struct {
	Index   uint8
	IsLocal bool
}

// frame is the compile-time state of one function being compiled. Frames
// form a chain through enclosing, innermost first.
type frame struct {
	enclosing  *frame
	function   *bytecode.Function
	kind       functionKind
	locals     []local
	upvalues   []UpvalueDescriptor
	scopeDepth int
}

// newFrame creates a frame whose slot 0 is reserved for the callee.
func newFrame(enclosing *frame, kind functionKind, name string) *frame {
	return &frame{
		enclosing: enclosing,
		function:  bytecode.NewFunction(name),
		kind:      kind,
		locals:    make([]local, 1, 8),
	}
}

// addLocal declares a new, not yet initialized local in the current scope.
func (f *frame) addLocal(name string) error {
	if len(f.locals) >= bytecode.MaxLocals {
		return errTooManyLocals
	}
	f.locals = append(f.locals, local{name: name, depth: uninitialized})
	return nil
}

// declare adds a local for name, rejecting a duplicate in the same scope.
// Shadowing a name from an outer scope is allowed.
func (f *frame) declare(name string) error {
	for i := len(f.locals) - 1; i >= 0; i-- {
		l := f.locals[i]
		if l.depth != uninitialized && l.depth < f.scopeDepth {
			break
		}
		if l.name == name {
			return errAlreadyDeclared
		}
	}
	return f.addLocal(name)
}

// markInitialized makes the most recent local readable.
func (f *frame) markInitialized() {
	if f.scopeDepth == 0 {
		return
	}
	f.locals[len(f.locals)-1].depth = f.scopeDepth
}

// resolveLocal returns the slot of the innermost local named name, or -1.
// Reading a local whose initializer is still being compiled is an error.
func (f *frame) resolveLocal(name string) (int, error) {
	for i := len(f.locals) - 1; i >= 0; i-- {
		if f.locals[i].name == name {
			if f.locals[i].depth == uninitialized {
				return i, errOwnInitializer
			}
			return i, nil
		}
	}
	return -1, nil
}

// addUpvalue registers a capture descriptor, reusing an existing one with
// the same (isLocal, index) pair.
func (f *frame) addUpvalue(index int, isLocal bool) (int, error) {
	for i, uv := range f.upvalues {
		if int(uv.Index) == index && uv.IsLocal == isLocal {
			return i, nil
		}
	}
	if len(f.upvalues) >= bytecode.MaxUpvalues {
		return 0, errTooManyUpvalues
	}
	f.upvalues = append(f.upvalues, UpvalueDescriptor{Index: uint8(index), IsLocal: isLocal})
	f.function.UpvalueCount = len(f.upvalues)
	return len(f.upvalues) - 1, nil
}

// resolveUpvalue returns the upvalue index through which f reaches name, or
// -1 if no enclosing function declares it (the name is then global).
//
// The walk is iterative: find the nearest enclosing frame that owns name as
// a local, mark that local captured, then thread the capture inward one
// frame at a time. The frame just inside the owner captures the local
// directly; every frame further in captures its parent's upvalue.
func (f *frame) resolveUpvalue(name string) (int, error) {
	chain := []*frame{f}
	owner, slot := -1, -1
	for cur := f.enclosing; cur != nil; cur = cur.enclosing {
		chain = append(chain, cur)
		s, err := cur.resolveLocal(name)
		if err != nil {
			return -1, err
		}
		if s >= 0 {
			owner, slot = len(chain)-1, s
			break
		}
	}
	if owner < 0 {
		return -1, nil
	}

	chain[owner].locals[slot].captured = true
	index, err := chain[owner-1].addUpvalue(slot, true)
	if err != nil {
		return -1, err
	}
	for i := owner - 2; i >= 0; i-- {
		index, err = chain[i].addUpvalue(index, false)
		if err != nil {
			return -1, err
		}
	}
	return index, nil
}
