package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carapace-sec/carapace/pkg/types"
)

func TestOperationSignatureDeterministic(t *testing.T) {
	cls := types.Classification{OperationType: types.OpWriteLocal, Categories: []string{"documents"}}
	args := json.RawMessage(`{"path":"/a","data":"b"}`)

	first := OperationSignature("write_file", args, cls)
	second := OperationSignature("write_file", args, cls)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestOperationSignatureKeyOrderIrrelevant(t *testing.T) {
	cls := types.Classification{OperationType: types.OpWriteLocal}
	a := OperationSignature("write_file", json.RawMessage(`{"path":"/a","data":"b"}`), cls)
	b := OperationSignature("write_file", json.RawMessage(`{"data":"b","path":"/a"}`), cls)
	assert.Equal(t, a, b)
}

func TestOperationSignatureDropsVolatileKeys(t *testing.T) {
	cls := types.Classification{OperationType: types.OpExecute}
	a := OperationSignature("bash", json.RawMessage(`{"command":"ls","timestamp":1}`), cls)
	b := OperationSignature("bash", json.RawMessage(`{"command":"ls","timestamp":2,"nonce":"x"}`), cls)
	assert.Equal(t, a, b)
}

func TestOperationSignatureNormalizesShell(t *testing.T) {
	cls := types.Classification{OperationType: types.OpExecute}
	a := OperationSignature("bash", json.RawMessage(`{"command":"ls   -la   /tmp"}`), cls)
	b := OperationSignature("bash", json.RawMessage(`{"command":"ls -la /tmp"}`), cls)
	assert.Equal(t, a, b)
}

func TestOperationSignatureDistinguishes(t *testing.T) {
	cls := types.Classification{OperationType: types.OpWriteLocal}
	base := OperationSignature("write_file", json.RawMessage(`{"path":"/a"}`), cls)

	otherArgs := OperationSignature("write_file", json.RawMessage(`{"path":"/b"}`), cls)
	assert.NotEqual(t, base, otherArgs)

	otherTool := OperationSignature("edit_file", json.RawMessage(`{"path":"/a"}`), cls)
	assert.NotEqual(t, base, otherTool)

	otherOp := OperationSignature("write_file", json.RawMessage(`{"path":"/a"}`),
		types.Classification{OperationType: types.OpWriteSensitive})
	assert.NotEqual(t, base, otherOp)

	otherCats := OperationSignature("write_file", json.RawMessage(`{"path":"/a"}`),
		types.Classification{OperationType: types.OpWriteLocal, Categories: []string{"finance"}})
	assert.NotEqual(t, base, otherCats)
}

func TestOperationSignatureCategoryOrderIrrelevant(t *testing.T) {
	a := OperationSignature("t", nil, types.Classification{OperationType: types.OpExecute, Categories: []string{"a", "b"}})
	b := OperationSignature("t", nil, types.Classification{OperationType: types.OpExecute, Categories: []string{"b", "a"}})
	assert.Equal(t, a, b)
}

func TestNormalizeShellCommandUnparseable(t *testing.T) {
	assert.Equal(t, "if then fi ((", normalizeShellCommand("if then fi (("))
}
