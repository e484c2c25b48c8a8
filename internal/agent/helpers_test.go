package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteInstructionsFile_Idempotent(t *testing.T) {
	workspace := t.TempDir()

	require.NoError(t, writeInstructionsFile(workspace, "CLAUDE.md", "# System\nBuild apps."))
	path := filepath.Join(workspace, "CLAUDE.md")
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	info1, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, writeInstructionsFile(workspace, "CLAUDE.md", "# System\nBuild apps."))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	info2, err := os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, info1.ModTime(), info2.ModTime(), "matching content must not rewrite the file")
}

func TestWriteInstructionsFile_UpdatesChangedContent(t *testing.T) {
	workspace := t.TempDir()

	require.NoError(t, writeInstructionsFile(workspace, "AGENTS.md", "v1"))
	require.NoError(t, writeInstructionsFile(workspace, "AGENTS.md", "v2"))

	data, err := os.ReadFile(filepath.Join(workspace, "AGENTS.md"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestWriteInstructionsFile_CreatesWorkspace(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "nested", "project")
	require.NoError(t, writeInstructionsFile(workspace, "GEMINI.md", "hello"))

	_, err := os.Stat(filepath.Join(workspace, "GEMINI.md"))
	assert.NoError(t, err)
}

func TestBuildInstruction_AppendsImages(t *testing.T) {
	plain := buildInstruction(RunOptions{Instruction: "fix the header"})
	assert.Equal(t, "fix the header", plain)

	withImages := buildInstruction(RunOptions{
		Instruction: "match this design",
		Images: []ImageAttachment{
			{Path: "uploads/mock.png", Name: "mock.png"},
			{Path: "uploads/ref.png"},
		},
	})
	assert.Contains(t, withImages, "match this design")
	assert.Contains(t, withImages, "uploads/mock.png (mock.png)")
	assert.Contains(t, withImages, "uploads/ref.png")
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "1.0.33 (Claude Code)", firstLine("1.0.33 (Claude Code)\nbuild abc\n"))
	assert.Equal(t, "x", firstLine("  x  "))
	assert.Equal(t, "", firstLine("\n\n"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}
