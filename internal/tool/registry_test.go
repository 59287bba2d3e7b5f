package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(Definition{
		Name:        "noop",
		InputSchema: json.RawMessage(`{"type": "object"}`),
		Handler: func(ctx context.Context, toolCtx *Context, input json.RawMessage) (*Result, error) {
			return &Result{Output: "ok"}, nil
		},
	})
	def, ok := r.Get("noop")
	require.True(t, ok)
	assert.Equal(t, "noop", def.Name)
	assert.Len(t, r.List(), 1)
}

func TestRegistryDuplicateNamePanics(t *testing.T) {
	r := NewRegistry()
	register := func() {
		r.Register(Definition{Name: "dup", InputSchema: json.RawMessage(`{"type": "object"}`)})
	}
	register()
	assert.Panics(t, register)
}

func TestRegistryValidateRejectsBadInput(t *testing.T) {
	r := NewRegistry()
	r.Register(Definition{
		Name: "typed",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"count": {"type": "integer"}},
			"required": ["count"]
		}`),
	})
	err := r.Validate("typed", json.RawMessage(`{"count": "not-a-number"}`))
	require.Error(t, err)

	err = r.Validate("typed", json.RawMessage(`{"count": 3}`))
	require.NoError(t, err)
}

func TestRegistryValidateUnknownTool(t *testing.T) {
	r := NewRegistry()
	err := r.Validate("missing", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestDefaultRegistryRegistersCoreTools(t *testing.T) {
	r := DefaultRegistry(nil)
	for _, name := range []string{
		"read_file", "write_file", "list_dir", "edit_file", "glob", "grep",
		"run_shell", "git_status", "git_diff", "git_checkpoint",
		"knowledge_set", "knowledge_get",
	} {
		_, ok := r.Get(name)
		assert.True(t, ok, "expected tool %q to be registered", name)
	}
}
