// Package bytecode provides immutable representations of compiled pyrite
// programs.
//
// A program is a tree of [Code] blocks: the module body at the root, with
// function and class bodies as children. Every block carries a stable id.
// Snapshots of a suspended VM refer to code by that id rather than by
// pointer, so a program must be loaded again (from the host's compiler or
// from [Unmarshal]) before a snapshot can be restored.
//
// # Key Types
//
//   - [Code]: an immutable compiled code block
//   - [Function]: an immutable function template referencing its Code
//   - [ExceptionHandler]: one protected instruction range (value type)
//   - [SourceLocation]: maps instructions to source positions (value type)
//   - [Builder]: an assembler with labels, used by hosts and tests
//   - [Index]: resolves stable ids back to code and functions
//
// # Instruction Encoding
//
// Instructions are a flat []op.Code. Each opcode is followed by the number
// of operands given by op.GetInfo. Jump deltas are measured from the index
// of the jump opcode itself: forward jumps and FOR_ITER add the delta,
// JUMP_BACKWARD subtracts it.
//
// # Usage
//
//	b := bytecode.NewBuilder("main", "<module>")
//	b.LoadConst(int64(40))
//	b.LoadConst(int64(2))
//	b.Emit(op.BinaryOp, op.Code(op.Add))
//	b.Emit(op.ReturnValue)
//	code, err := b.Build()
package bytecode
