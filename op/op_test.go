package op

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo(MakeFunction)
	require.Equal(t, "MAKE_FUNCTION", info.Name)
	require.Equal(t, 3, info.OperandCount)
	require.Equal(t, MakeFunction, info.Code)
}

func TestGetInfoAllOpcodes(t *testing.T) {
	tests := []struct {
		code     Code
		name     string
		operands int
	}{
		{Nop, "NOP", 0},
		{Call, "CALL", 1},
		{ReturnValue, "RETURN_VALUE", 0},
		{YieldValue, "YIELD_VALUE", 0},
		{Await, "AWAIT", 0},
		{JumpBackward, "JUMP_BACKWARD", 1},
		{JumpForward, "JUMP_FORWARD", 1},
		{PopJumpForwardIfFalse, "POP_JUMP_FORWARD_IF_FALSE", 1},
		{PopJumpForwardIfTrue, "POP_JUMP_FORWARD_IF_TRUE", 1},
		{PopJumpForwardIfNone, "POP_JUMP_FORWARD_IF_NONE", 1},
		{PopJumpForwardIfNotNone, "POP_JUMP_FORWARD_IF_NOT_NONE", 1},
		{LoadAttr, "LOAD_ATTR", 1},
		{LoadFast, "LOAD_FAST", 1},
		{LoadDeref, "LOAD_DEREF", 1},
		{LoadGlobal, "LOAD_GLOBAL", 1},
		{LoadConst, "LOAD_CONST", 1},
		{LoadName, "LOAD_NAME", 1},
		{LoadClosure, "LOAD_CLOSURE", 1},
		{StoreAttr, "STORE_ATTR", 1},
		{StoreFast, "STORE_FAST", 1},
		{StoreDeref, "STORE_DEREF", 1},
		{StoreGlobal, "STORE_GLOBAL", 1},
		{StoreName, "STORE_NAME", 1},
		{DeleteFast, "DELETE_FAST", 1},
		{BinaryOp, "BINARY_OP", 1},
		{CompareOp, "COMPARE_OP", 1},
		{UnaryNegative, "UNARY_NEGATIVE", 0},
		{UnaryNot, "UNARY_NOT", 0},
		{UnaryInvert, "UNARY_INVERT", 0},
		{IsOp, "IS_OP", 1},
		{ContainsOp, "CONTAINS_OP", 1},
		{BuildList, "BUILD_LIST", 1},
		{BuildTuple, "BUILD_TUPLE", 1},
		{BuildDict, "BUILD_DICT", 1},
		{BuildString, "BUILD_STRING", 1},
		{ListAppend, "LIST_APPEND", 1},
		{BinarySubscr, "BINARY_SUBSCR", 0},
		{StoreSubscr, "STORE_SUBSCR", 0},
		{DeleteSubscr, "DELETE_SUBSCR", 0},
		{Slice, "SLICE", 0},
		{UnpackSequence, "UNPACK_SEQUENCE", 1},
		{Swap, "SWAP", 1},
		{Copy, "COPY", 1},
		{PopTop, "POP_TOP", 0},
		{None, "NONE", 0},
		{False, "FALSE", 0},
		{True, "TRUE", 0},
		{ForIter, "FOR_ITER", 1},
		{GetIter, "GET_ITER", 0},
		{MakeFunction, "MAKE_FUNCTION", 3},
		{BuildClass, "BUILD_CLASS", 3},
		{ImportName, "IMPORT_NAME", 1},
		{Raise, "RAISE", 1},
		{Reraise, "RERAISE", 0},
		{CheckExcMatch, "CHECK_EXC_MATCH", 0},
		{PopExcept, "POP_EXCEPT", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := GetInfo(tt.code)
			require.Equal(t, tt.name, info.Name)
			require.Equal(t, tt.operands, info.OperandCount)
			require.Equal(t, tt.code, info.Code)
		})
	}
}

func TestGetInfoUnknown(t *testing.T) {
	require.Equal(t, "", GetInfo(Invalid).Name)
	require.Equal(t, Info{}, GetInfo(Code(9999)))
}

func TestOperatorStrings(t *testing.T) {
	require.Equal(t, "//", FloorDivide.String())
	require.Equal(t, "**", Power.String())
	require.Equal(t, "^", BitwiseXor.String())
	require.Equal(t, "", BinaryOpType(0).String())
	require.Equal(t, ">=", GreaterThanOrEqual.String())
	require.Equal(t, "", CompareOpType(99).String())
}

func TestIsJump(t *testing.T) {
	require.True(t, IsJump(ForIter))
	require.True(t, IsJump(JumpBackward))
	require.False(t, IsJump(LoadConst))
}
