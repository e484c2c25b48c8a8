package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrabby/vrabby/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func writePrompt(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSystemPromptFirstRunPrefersMonolith(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "system-prompt.md", "bootstrap everything\n")
	writePrompt(t, dir, "system-core.md", "core rules")
	writePrompt(t, dir, "system-design.md", "design rules")

	l := NewLoader(dir, newTestLogger(t))

	assert.Equal(t, "bootstrap everything", l.SystemPrompt(true, ""))
	assert.Equal(t, "core rules\n\n---\n\ndesign rules", l.SystemPrompt(false, ""))
}

func TestSystemPromptFirstRunFallsBackToCoreDesign(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "system-core.md", "core rules")
	writePrompt(t, dir, "system-design.md", "design rules")

	l := NewLoader(dir, newTestLogger(t))

	assert.Equal(t, "core rules\n\n---\n\ndesign rules", l.SystemPrompt(true, ""))
}

func TestSystemPromptAlternateFilenames(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "system_core.md", "underscore core")

	l := NewLoader(dir, newTestLogger(t))

	assert.Equal(t, "underscore core", l.SystemPrompt(false, ""))
}

func TestSystemPromptCoreOnly(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "system-core.md", "core only")

	l := NewLoader(dir, newTestLogger(t))

	assert.Equal(t, "core only", l.SystemPrompt(false, ""))
}

func TestSystemPromptBuiltinFallback(t *testing.T) {
	l := NewLoader(t.TempDir(), newTestLogger(t))

	got := l.SystemPrompt(false, "")
	assert.Contains(t, got, "Vrabby")
	assert.Equal(t, got, l.SystemPrompt(true, ""))
}

func TestSystemPromptSubAgentOverlay(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "system-core.md", "core")
	writePrompt(t, dir, filepath.Join("agents", "reviewer.md"), "review checklist")

	l := NewLoader(dir, newTestLogger(t))

	assert.Equal(t, "core\n\n---\n\nreview checklist", l.SystemPrompt(false, "reviewer"))
	// Unknown sub-agent leaves the base untouched.
	assert.Equal(t, "core", l.SystemPrompt(false, "missing"))
	// Name lookup is case-insensitive.
	assert.Equal(t, "core\n\n---\n\nreview checklist", l.SystemPrompt(false, "Reviewer"))
}

func TestSystemPromptCachesUntilInvalidate(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "system-core.md", "v1")

	l := NewLoader(dir, newTestLogger(t))
	assert.Equal(t, "v1", l.SystemPrompt(false, ""))

	writePrompt(t, dir, "system-core.md", "v2")
	assert.Equal(t, "v1", l.SystemPrompt(false, ""))

	l.Invalidate()
	assert.Equal(t, "v2", l.SystemPrompt(false, ""))
}

func TestSystemPromptIgnoresEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "system-core.md", "   \n")
	writePrompt(t, dir, "core.md", "real core")

	l := NewLoader(dir, newTestLogger(t))

	// Whitespace-only files are skipped in favor of the next candidate name.
	assert.Equal(t, "real core", l.SystemPrompt(false, ""))
}
