package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelsFor_EveryKindHasDefault(t *testing.T) {
	for _, kind := range Kinds() {
		models := ModelsFor(kind)
		require.NotEmpty(t, models, "kind %s", kind)

		defaults := 0
		for _, m := range models {
			if m.Default {
				defaults++
			}
		}
		assert.Equal(t, 1, defaults, "kind %s should have exactly one default", kind)
		assert.NotEmpty(t, DefaultModelFor(kind), "kind %s", kind)
	}
}

func TestResolveModel(t *testing.T) {
	native, ok := resolveModel(KindClaude, "claude-sonnet-4.5")
	require.True(t, ok)
	assert.Equal(t, "claude-sonnet-4-5-20250929", native)

	// Native ids resolve to themselves.
	native, ok = resolveModel(KindClaude, "claude-opus-4-1-20250805")
	require.True(t, ok)
	assert.Equal(t, "claude-opus-4-1-20250805", native)

	_, ok = resolveModel(KindClaude, "gpt-5")
	assert.False(t, ok, "cross-agent model should not resolve")

	_, ok = resolveModel(KindGemini, "not-a-model")
	assert.False(t, ok)
}

func TestResolveRunModel_UnknownFallsBack(t *testing.T) {
	native, warnings := resolveRunModel(KindQwen, "made-up-model")
	assert.Equal(t, "qwen3-coder-plus", native)
	require.Len(t, warnings, 1)
	assert.Equal(t, EventError, warnings[0].Type)
	assert.Equal(t, ErrModelFallback, warnings[0].Kind)
	assert.False(t, warnings[0].Retryable)
	assert.Contains(t, warnings[0].Message, "made-up-model")
}

func TestResolveRunModel_EmptySelectsDefault(t *testing.T) {
	native, warnings := resolveRunModel(KindCodex, "")
	assert.Equal(t, "gpt-5-codex", native)
	assert.Empty(t, warnings)
}
