package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/op"
	"github.com/stretchr/testify/require"
)

// writeProgram saves a program computing fetch(1) + 1.
func writeProgram(t *testing.T) string {
	t.Helper()
	b := bytecode.NewBuilder("main", "<module>")
	b.Emit(op.LoadGlobal, op.Code(b.Name("fetch")))
	b.LoadConst(1)
	b.Emit(op.Call, 1)
	b.LoadConst(1)
	b.Emit(op.BinaryOp, op.Code(op.Add))
	b.Emit(op.ReturnValue)
	code, err := b.Build()
	require.NoError(t, err)
	data, err := bytecode.Marshal(code)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "prog.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--no-color"))
	err := cmd.Execute()
	return out.String(), err
}

func TestParseValue(t *testing.T) {
	v, err := parseValue(`{"a": [1, 2.5, "x", null, true]}`)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": []any{int64(1), 2.5, "x", nil, true}}, v)

	_, err = parseValue(`1 2`)
	require.ErrorContains(t, err, "trailing data")
	_, err = parseValue(`{`)
	require.Error(t, err)
}

func TestParseReplies(t *testing.T) {
	replies, err := parseReplies([]string{"fetch=42", `name="bob"`})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"fetch": int64(42), "name": "bob"}, replies)

	_, err = parseReplies([]string{"fetch"})
	require.ErrorContains(t, err, "expected name=JSON")
	_, err = parseReplies([]string{"=1"})
	require.Error(t, err)
}

func TestGetOutput(t *testing.T) {
	out, err := getOutput(nil, "")
	require.NoError(t, err)
	require.Equal(t, "", out)

	out, err = getOutput([]any{int64(1), "a"}, "text")
	require.NoError(t, err)
	require.Equal(t, "[1 a]", out)

	_, err = getOutput(1, "xml")
	require.ErrorContains(t, err, "unknown output format")
}

func TestRunWithReply(t *testing.T) {
	out, err := execute(t, "run", writeProgram(t), "--reply", "fetch=41")
	require.NoError(t, err)
	require.Equal(t, "42\n", out)
}

func TestRunWithoutReplyFails(t *testing.T) {
	_, err := execute(t, "run", writeProgram(t), "--external", "fetch")
	require.ErrorContains(t, err, "program is waiting on")
}

func TestRunSaveAndContinue(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "state.pyr")
	out, err := execute(t, "run", writeProgram(t), "--external", "fetch", "--save", bundle)
	require.NoError(t, err)
	require.Contains(t, out, "saved to "+bundle)

	data, err := os.ReadFile(bundle)
	require.NoError(t, err)
	require.True(t, isBundle(data))

	out, err = execute(t, "inspect", bundle)
	require.NoError(t, err)
	require.Contains(t, out, `"function": "fetch"`)

	out, err = execute(t, "run", bundle, "--result", "9")
	require.NoError(t, err)
	require.Equal(t, "10\n", out)
}

func TestRunRejectsBundleAsProgram(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "state.pyr")
	_, err := execute(t, "run", writeProgram(t), "--external", "fetch", "--save", bundle)
	require.NoError(t, err)
	_, err = execute(t, "dis", bundle)
	require.ErrorContains(t, err, "is a session bundle")
}

func TestLimitsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_operations: 3\n"), 0o644))
	_, err := execute(t, "run", writeProgram(t), "--reply", "fetch=1", "--limits", path)
	require.Error(t, err)
}
