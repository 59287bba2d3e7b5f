package provider

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klaus-code/agentd/pkg/types"
)

func TestConvertMessagesDropsSystemRole(t *testing.T) {
	msgs, err := convertMessages([]Message{
		{Role: types.RoleSystem, Content: "be nice"},
		{Role: types.RoleUser, Content: "hello"},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestConvertMessagesToolCallAndResult(t *testing.T) {
	msgs, err := convertMessages([]Message{
		{
			Role: types.RoleAssistant,
			ToolCalls: []ToolCall{
				{ID: "tc1", Name: "read_file", Input: json.RawMessage(`{"path":"a.go"}`)},
			},
		},
		{
			Role: types.RoleUser,
			ToolResults: []ToolResult{
				{ToolCallID: "tc1", Content: "file contents", IsError: false},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestConvertMessagesRejectsInvalidToolInput(t *testing.T) {
	_, err := convertMessages([]Message{
		{
			Role: types.RoleAssistant,
			ToolCalls: []ToolCall{
				{ID: "tc1", Name: "bad", Input: json.RawMessage(`not-json`)},
			},
		},
	})
	require.Error(t, err)
}

func TestConvertMessagesSkipsEmptyContent(t *testing.T) {
	msgs, err := convertMessages([]Message{{Role: types.RoleUser, Content: ""}})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestConvertToolsBuildsSchemaAndDescription(t *testing.T) {
	specs := []ToolSpec{
		{
			Name:        "read_file",
			Description: "reads a file",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		},
	}
	tools, err := convertTools(specs)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "read_file", tools[0].OfTool.Name)
}

func TestConvertToolsRejectsInvalidSchema(t *testing.T) {
	_, err := convertTools([]ToolSpec{{Name: "bad", InputSchema: json.RawMessage(`not-json`)}})
	require.Error(t, err)
}

func TestGetModelFallsBackToDefault(t *testing.T) {
	p := &AnthropicProvider{defaultModel: "claude-sonnet-4-20250514"}
	assert.Equal(t, "claude-sonnet-4-20250514", p.getModel(""))
	assert.Equal(t, "claude-opus-4-20250514", p.getModel("claude-opus-4-20250514"))
}

func TestGetMaxTokensFallsBackToConfigured(t *testing.T) {
	p := &AnthropicProvider{maxTokens: 8192}
	assert.Equal(t, 8192, p.getMaxTokens(0))
	assert.Equal(t, 2048, p.getMaxTokens(2048))
}

func TestClassifyAnthropicErrorNonSDKError(t *testing.T) {
	statusCode, retryAfter := classifyAnthropicError(errors.New("boom"))
	assert.Equal(t, 0, statusCode)
	assert.Equal(t, float64(0), retryAfter)
}

func TestWrapAnthropicErrorNilIsNil(t *testing.T) {
	assert.NoError(t, wrapAnthropicError(nil, "claude-sonnet-4-20250514"))
}

func TestWrapAnthropicErrorWrapsGenericError(t *testing.T) {
	err := wrapAnthropicError(errors.New("connection reset"), "claude-sonnet-4-20250514")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic request failed")
}
