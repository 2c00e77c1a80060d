// Package bytecode defines the compiled form of lox programs and the values
// the virtual machine operates on.
//
// # Values and objects
//
// A Value is a tagged union of nil, bool, number and a heap Object. The
// object variants are String, Function, Closure, Upvalue and Native. The
// set is closed; the VM dispatches over it with type switches.
//
// # Chunks
//
// Each Function owns a Chunk: a byte-coded instruction stream, a constant
// pool and a line table parallel to the code bytes. Operands are fixed
// width: u8 for local slots, upvalue indexes and argument counts, big-endian
// u16 for constant indexes and jump distances. OpClosure is the one
// variable-length instruction; after its function constant it carries one
// (isLocal, index) byte pair per upvalue the function captures.
//
// Every opcode documents its stack effect in the OpcodeInfo table.
//
// # Upvalues
//
// An Upvalue is open while the captured variable still lives in a stack
// slot, and refers to that slot by index. When the slot is about to be
// discarded the VM closes the upvalue, copying the value into the cell.
// Closures capturing the same variable share one cell, so writes through
// any of them are visible to all.
//
// # Wire format
//
// MarshalFunction and UnmarshalFunction encode a whole function tree as
// canonical CBOR for the compiled-program cache.
package bytecode
