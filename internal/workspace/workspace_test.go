package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveStripsLeadingSeparatorsAndStaysInside(t *testing.T) {
	resolved, err := Resolve("/foo/bar.txt", "/workspace")
	require.NoError(t, err)
	assert.Equal(t, "/workspace/foo/bar.txt", resolved)
}

func TestResolveRejectsEscape(t *testing.T) {
	_, err := Resolve("../../etc/passwd", "/workspace")
	require.Error(t, err)
	var outside *ErrOutsideWorkspace
	assert.ErrorAs(t, err, &outside)
}

func TestResolveAllowsWorkspaceRoot(t *testing.T) {
	resolved, err := Resolve(".", "/workspace")
	require.NoError(t, err)
	assert.Equal(t, "/workspace", resolved)
}

func TestContains(t *testing.T) {
	assert.True(t, Contains("/workspace", "/workspace"))
	assert.True(t, Contains("/workspace", "/workspace/sub/file.go"))
	assert.False(t, Contains("/workspace", "/other/file.go"))
	assert.False(t, Contains("/workspace", "/workspaceextra/file.go"))
}

func TestParseCommandSplitsCompoundCommands(t *testing.T) {
	cmds, err := ParseCommand("git status && rm -rf /tmp/x")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "git", cmds[0].Name)
	assert.Equal(t, "status", cmds[0].Subcommand)
	assert.Equal(t, "rm", cmds[1].Name)
	assert.True(t, IsDangerous(cmds[1].Name))
}

func TestExtractPathsSkipsFlagsAndChmodMode(t *testing.T) {
	cmds, err := ParseCommand("chmod 755 ./script.sh")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	paths := ExtractPaths(cmds[0])
	assert.Equal(t, []string{"./script.sh"}, paths)
}

func TestExtractPathsSkipsDashFlags(t *testing.T) {
	cmds, err := ParseCommand("rm -rf ./build")
	require.NoError(t, err)
	paths := ExtractPaths(cmds[0])
	assert.Equal(t, []string{"./build"}, paths)
}
