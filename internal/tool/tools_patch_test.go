package tool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPatchWritesWithoutApprovalGate(t *testing.T) {
	dir := t.TempDir()

	def := ApplyPatchDefinition()
	input, _ := json.Marshal(map[string]any{"path": "a.txt", "content": "hello\n"})
	res, err := def.Handler(context.Background(), &Context{WorkDir: dir}, input)
	require.NoError(t, err)
	assert.False(t, res.IsError)

	out, _ := os.ReadFile(filepath.Join(dir, "a.txt"))
	assert.Equal(t, "hello\n", string(out))
}

func TestApplyPatchDeniedByApprovalGate(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.txt", "original\n")

	toolCtx := &Context{
		WorkDir: dir,
		RequestApproval: func(filePath, diff, operation string) bool {
			assert.Equal(t, "a.txt", filePath)
			assert.Equal(t, "modify", operation)
			return false
		},
	}

	def := ApplyPatchDefinition()
	input, _ := json.Marshal(map[string]any{"path": "a.txt", "content": "changed\n"})
	res, err := def.Handler(context.Background(), toolCtx, input)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "denied by operator")

	out, _ := os.ReadFile(filepath.Join(dir, "a.txt"))
	assert.Equal(t, "original\n", string(out))
}

func TestApplyPatchApprovedWritesAndReportsCreate(t *testing.T) {
	dir := t.TempDir()

	var gotOp string
	toolCtx := &Context{
		WorkDir: dir,
		RequestApproval: func(filePath, diff, operation string) bool {
			gotOp = operation
			return true
		},
	}

	def := ApplyPatchDefinition()
	input, _ := json.Marshal(map[string]any{"path": "new.txt", "content": "fresh\n"})
	res, err := def.Handler(context.Background(), toolCtx, input)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "create", gotOp)

	out, _ := os.ReadFile(filepath.Join(dir, "new.txt"))
	assert.Equal(t, "fresh\n", string(out))
}
