// Package vm executes compiled lox functions.
//
// A VM owns one value stack shared by every call frame, the frame list, the
// global table and the registry of open upvalues. Each frame's locals sit on
// the stack starting at its slot base, with the called closure in slot 0.
//
// Open upvalues are keyed by the stack slot they alias so that every closure
// capturing a variable shares the same cell. A cell is closed, taking a copy
// of the slot's value, when its block ends or its frame returns.
//
// Errors in the running program are returned as *RuntimeError with a call
// trace, innermost frame first. Malformed bytecode is reported as
// *InternalError, which matches ErrInternal with errors.Is. In both cases
// the stack is reset and globals are kept, so a REPL session can go on.
//
// A VM is not safe for concurrent use. The server package confines each VM
// to a single worker goroutine.
package vm
