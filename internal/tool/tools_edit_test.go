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

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEditFileExactReplace(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.txt", "hello world\n")

	def := EditFileDefinition()
	input, _ := json.Marshal(map[string]any{"path": "a.txt", "oldString": "world", "newString": "there"})
	res, err := def.Handler(context.Background(), &Context{WorkDir: dir}, input)
	require.NoError(t, err)
	assert.False(t, res.IsError)

	out, _ := os.ReadFile(filepath.Join(dir, "a.txt"))
	assert.Equal(t, "hello there\n", string(out))
}

func TestEditFileAmbiguousWithoutReplaceAll(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.txt", "foo foo foo\n")

	def := EditFileDefinition()
	input, _ := json.Marshal(map[string]any{"path": "a.txt", "oldString": "foo", "newString": "bar"})
	_, err := def.Handler(context.Background(), &Context{WorkDir: dir}, input)
	require.Error(t, err)
}

func TestEditFileReplaceAll(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.txt", "foo foo foo\n")

	def := EditFileDefinition()
	input, _ := json.Marshal(map[string]any{"path": "a.txt", "oldString": "foo", "newString": "bar", "replaceAll": true})
	res, err := def.Handler(context.Background(), &Context{WorkDir: dir}, input)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "replaced 3 occurrence(s)")

	out, _ := os.ReadFile(filepath.Join(dir, "a.txt"))
	assert.Equal(t, "bar bar bar\n", string(out))
}

func TestEditFileFuzzyFallback(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.txt", "func doTheThing(x int) int {\n\treturn x + 1\n}\n")

	def := EditFileDefinition()
	input, _ := json.Marshal(map[string]any{
		"path":      "a.txt",
		"oldString": "func doTheThing(y int) int {",
		"newString": "func doTheThing(y int64) int {",
	})
	res, err := def.Handler(context.Background(), &Context{WorkDir: dir}, input)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "fuzzy")
}

func TestEditFileNoMatchFails(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.txt", "completely unrelated content\n")

	def := EditFileDefinition()
	input, _ := json.Marshal(map[string]any{"path": "a.txt", "oldString": "totally different text here", "newString": "x"})
	_, err := def.Handler(context.Background(), &Context{WorkDir: dir}, input)
	require.Error(t, err)
}

func TestEditFileRejectsEscapePath(t *testing.T) {
	dir := t.TempDir()
	def := EditFileDefinition()
	input, _ := json.Marshal(map[string]any{"path": "../../etc/passwd", "oldString": "a", "newString": "b"})
	_, err := def.Handler(context.Background(), &Context{WorkDir: dir}, input)
	require.Error(t, err)
}

func TestSimilarityIdenticalIsOne(t *testing.T) {
	assert.Equal(t, 1.0, similarity("abc", "abc"))
}
