// Package op defines opcodes used by the pyrite virtual machine.
package op

// Code is an integer opcode that indicates an operation to execute.
type Code uint16

const (
	Invalid Code = 0

	// Execution
	Nop         Code = 1
	Call        Code = 3
	ReturnValue Code = 4
	// YieldValue pops a value and hands it to the generator's consumer.
	// Resuming pushes nothing: generators only support iteration, not
	// send(), so compilers emit no POP_TOP after it.
	YieldValue  Code = 5
	Await       Code = 6

	// Jump. Deltas are relative to the start of the jump instruction.
	JumpBackward            Code = 10
	JumpForward             Code = 11
	PopJumpForwardIfFalse   Code = 12
	PopJumpForwardIfTrue    Code = 13
	PopJumpForwardIfNone    Code = 14
	PopJumpForwardIfNotNone Code = 15

	// Load
	LoadAttr    Code = 20
	LoadFast    Code = 21
	LoadDeref   Code = 22
	LoadGlobal  Code = 23
	LoadConst   Code = 24
	LoadName    Code = 25
	LoadClosure Code = 26

	// Store
	StoreAttr   Code = 30
	StoreFast   Code = 31
	StoreDeref  Code = 32
	StoreGlobal Code = 33
	StoreName   Code = 34
	DeleteFast  Code = 35

	// Operations
	BinaryOp      Code = 40
	CompareOp     Code = 41
	UnaryNegative Code = 42
	UnaryNot      Code = 43
	UnaryInvert   Code = 44
	IsOp          Code = 45
	ContainsOp    Code = 46

	// Build
	BuildList   Code = 50
	BuildTuple  Code = 51
	BuildDict   Code = 52
	BuildString Code = 53
	ListAppend  Code = 54 // Append TOS to the list N-1 slots below it

	// Containers
	BinarySubscr   Code = 60
	StoreSubscr    Code = 61
	DeleteSubscr   Code = 62
	Slice          Code = 63
	UnpackSequence Code = 64

	// Stack
	Swap   Code = 70
	Copy   Code = 71
	PopTop Code = 72

	// Push constants
	None  Code = 80
	False Code = 81
	True  Code = 82

	// Iteration
	ForIter Code = 90
	GetIter Code = 91

	// Functions and classes
	MakeFunction Code = 120 // operands: const index, default count, free count
	BuildClass   Code = 121 // operands: const index of body, name index, base count

	// Imports
	ImportName Code = 130

	// Exception handling
	Raise         Code = 140 // operand: 0 re-raise active, 1 raise TOS, 2 raise TOS1 from TOS
	Reraise       Code = 141 // Pop the exception on TOS and raise it again
	CheckExcMatch Code = 142 // Pop a type, push whether the exception below it matches
	PopExcept     Code = 143 // Leave a handler normally
)

// BinaryOpType describes a type of binary operation, as in an operation that
// takes two operands. For example, addition, subtraction, multiplication, etc.
type BinaryOpType uint16

const (
	Add         BinaryOpType = 1
	Subtract    BinaryOpType = 2
	Multiply    BinaryOpType = 3
	Divide      BinaryOpType = 4
	FloorDivide BinaryOpType = 5
	Modulo      BinaryOpType = 6
	Power       BinaryOpType = 7
	LShift      BinaryOpType = 8
	RShift      BinaryOpType = 9
	BitwiseAnd  BinaryOpType = 10
	BitwiseOr   BinaryOpType = 11
	BitwiseXor  BinaryOpType = 12
)

// String returns a string representation of the binary operation.
// For example "+" for addition.
func (bop BinaryOpType) String() string {
	switch bop {
	case Add:
		return "+"
	case Subtract:
		return "-"
	case Multiply:
		return "*"
	case Divide:
		return "/"
	case FloorDivide:
		return "//"
	case Modulo:
		return "%"
	case Power:
		return "**"
	case LShift:
		return "<<"
	case RShift:
		return ">>"
	case BitwiseAnd:
		return "&"
	case BitwiseOr:
		return "|"
	case BitwiseXor:
		return "^"
	default:
		return ""
	}
}

// CompareOpType describes a type of comparison operation. For example, less
// than, greater than, equal, etc.
type CompareOpType uint16

const (
	LessThan           CompareOpType = 1
	LessThanOrEqual    CompareOpType = 2
	Equal              CompareOpType = 3
	NotEqual           CompareOpType = 4
	GreaterThan        CompareOpType = 5
	GreaterThanOrEqual CompareOpType = 6
)

// String returns a string representation of the comparison operation.
// For example "<" for less than.
func (cop CompareOpType) String() string {
	switch cop {
	case LessThan:
		return "<"
	case LessThanOrEqual:
		return "<="
	case Equal:
		return "=="
	case NotEqual:
		return "!="
	case GreaterThan:
		return ">"
	case GreaterThanOrEqual:
		return ">="
	default:
		return ""
	}
}

// Info contains information about an opcode.
type Info struct {
	Code         Code
	Name         string
	OperandCount int
}

var infos = make([]Info, 256)

func init() {
	type opInfo struct {
		op    Code
		name  string
		count int
	}
	ops := []opInfo{
		{Await, "AWAIT", 0},
		{BinaryOp, "BINARY_OP", 1},
		{BinarySubscr, "BINARY_SUBSCR", 0},
		{BuildClass, "BUILD_CLASS", 3},
		{BuildDict, "BUILD_DICT", 1},
		{BuildList, "BUILD_LIST", 1},
		{BuildString, "BUILD_STRING", 1},
		{BuildTuple, "BUILD_TUPLE", 1},
		{Call, "CALL", 1},
		{CheckExcMatch, "CHECK_EXC_MATCH", 0},
		{CompareOp, "COMPARE_OP", 1},
		{ContainsOp, "CONTAINS_OP", 1},
		{Copy, "COPY", 1},
		{DeleteFast, "DELETE_FAST", 1},
		{DeleteSubscr, "DELETE_SUBSCR", 0},
		{False, "FALSE", 0},
		{ForIter, "FOR_ITER", 1},
		{GetIter, "GET_ITER", 0},
		{ImportName, "IMPORT_NAME", 1},
		{IsOp, "IS_OP", 1},
		{JumpBackward, "JUMP_BACKWARD", 1},
		{JumpForward, "JUMP_FORWARD", 1},
		{ListAppend, "LIST_APPEND", 1},
		{LoadAttr, "LOAD_ATTR", 1},
		{LoadClosure, "LOAD_CLOSURE", 1},
		{LoadConst, "LOAD_CONST", 1},
		{LoadDeref, "LOAD_DEREF", 1},
		{LoadFast, "LOAD_FAST", 1},
		{LoadGlobal, "LOAD_GLOBAL", 1},
		{LoadName, "LOAD_NAME", 1},
		{MakeFunction, "MAKE_FUNCTION", 3},
		{None, "NONE", 0},
		{Nop, "NOP", 0},
		{PopExcept, "POP_EXCEPT", 0},
		{PopJumpForwardIfFalse, "POP_JUMP_FORWARD_IF_FALSE", 1},
		{PopJumpForwardIfNone, "POP_JUMP_FORWARD_IF_NONE", 1},
		{PopJumpForwardIfNotNone, "POP_JUMP_FORWARD_IF_NOT_NONE", 1},
		{PopJumpForwardIfTrue, "POP_JUMP_FORWARD_IF_TRUE", 1},
		{PopTop, "POP_TOP", 0},
		{Raise, "RAISE", 1},
		{Reraise, "RERAISE", 0},
		{ReturnValue, "RETURN_VALUE", 0},
		{Slice, "SLICE", 0},
		{StoreAttr, "STORE_ATTR", 1},
		{StoreDeref, "STORE_DEREF", 1},
		{StoreFast, "STORE_FAST", 1},
		{StoreGlobal, "STORE_GLOBAL", 1},
		{StoreName, "STORE_NAME", 1},
		{StoreSubscr, "STORE_SUBSCR", 0},
		{Swap, "SWAP", 1},
		{True, "TRUE", 0},
		{UnaryInvert, "UNARY_INVERT", 0},
		{UnaryNegative, "UNARY_NEGATIVE", 0},
		{UnaryNot, "UNARY_NOT", 0},
		{UnpackSequence, "UNPACK_SEQUENCE", 1},
		{YieldValue, "YIELD_VALUE", 0}, // pushes nothing on resume
	}
	for _, o := range ops {
		infos[o.op] = Info{
			Name:         o.name,
			Code:         o.op,
			OperandCount: o.count,
		}
	}
}

// GetInfo returns information about the given opcode.
func GetInfo(op Code) Info {
	if int(op) >= len(infos) {
		return Info{}
	}
	return infos[op]
}

// IsJump reports whether the opcode's single operand is a relative jump delta.
func IsJump(code Code) bool {
	switch code {
	case JumpBackward, JumpForward, PopJumpForwardIfFalse, PopJumpForwardIfTrue,
		PopJumpForwardIfNone, PopJumpForwardIfNotNone, ForIter:
		return true
	}
	return false
}
