package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrabby/vrabby/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestParseKind(t *testing.T) {
	for _, kind := range Kinds() {
		parsed, err := ParseKind(string(kind))
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := ParseKind("copilot")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestEventTerminal(t *testing.T) {
	assert.True(t, NewStatus(PhaseComplete).Terminal())
	assert.True(t, NewStatus(PhaseCancelled).Terminal())
	assert.True(t, NewStatusFailed(ErrTimeout).Terminal())
	assert.False(t, NewStatus(PhaseStart).Terminal())
	assert.False(t, NewStatusFellback(KindCursor, KindClaude, "2-abc").Terminal())
	assert.False(t, NewAssistantText("hi", true).Terminal())
	assert.False(t, NewError(ErrInternal, "boom", false).Terminal())
}

func TestFallbackEligible(t *testing.T) {
	eligible := []ErrorKind{ErrCLINotInstalled, ErrSpawnFailed, ErrAuthMissing, ErrCrashedEarly, ErrProtocol}
	for _, k := range eligible {
		assert.True(t, FallbackEligible(k), "%s", k)
	}
	ineligible := []ErrorKind{ErrSessionStale, ErrRateLimited, ErrModelFallback, ErrTimeout, ErrCancelled, ErrInternal}
	for _, k := range ineligible {
		assert.False(t, FallbackEligible(k), "%s", k)
	}
}

func TestEventBody(t *testing.T) {
	t.Run("assistant text", func(t *testing.T) {
		body, ok := NewAssistantText("hello", true).Body().(AssistantTextBody)
		require.True(t, ok)
		assert.Equal(t, "hello", body.Text)
		assert.True(t, body.Final)
	})

	t.Run("tool result carries error only when failed", func(t *testing.T) {
		okBody, _ := NewToolResult("c1", "out").Body().(ToolResultBody)
		assert.Equal(t, "out", okBody.Output)
		assert.Empty(t, okBody.Error)

		failBody, _ := NewFailedToolResult("c1", "interrupted").Body().(ToolResultBody)
		assert.Empty(t, failBody.Output)
		assert.Equal(t, "interrupted", failBody.Error)
		assert.False(t, failBody.OK)
	})

	t.Run("fellback status links retry", func(t *testing.T) {
		ev := NewStatusFellback(KindGemini, KindClaude, "3-xyz")
		body, ok := ev.Body().(StatusBody)
		require.True(t, ok)
		assert.Equal(t, PhaseFellback, body.Phase)
		assert.Equal(t, KindGemini, body.From)
		assert.Equal(t, KindClaude, body.To)
		assert.Equal(t, "3-xyz", body.RetryRequestID)
	})

	t.Run("error", func(t *testing.T) {
		body, ok := NewError(ErrSessionStale, "session gone", true).Body().(ErrorBody)
		require.True(t, ok)
		assert.Equal(t, ErrSessionStale, body.Kind)
		assert.True(t, body.Retryable)
	})
}
