package hub

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrabby/vrabby/internal/agent"
)

func TestEventEnvelopeRoundTrip(t *testing.T) {
	ev := agent.NewAssistantText("Creating page.", false)
	ev.RequestID = "7-abc123"
	ev.Seq = 42

	env, err := EventEnvelope(ev)
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "assistant_text", decoded.Type)
	assert.Equal(t, "7-abc123", decoded.RequestID)
	assert.Equal(t, int64(42), decoded.Seq)

	var body agent.AssistantTextBody
	require.NoError(t, decoded.ParseData(&body))
	assert.Equal(t, "Creating page.", body.Text)
	assert.False(t, body.Final)
}

func TestEventEnvelopeVariants(t *testing.T) {
	toolCall := agent.NewToolCall("t1", "write_file", map[string]interface{}{"path": "a.txt"})
	toolCall.Seq = 3
	failed := agent.NewFailedToolResult("t1", "interrupted")
	fellback := agent.NewStatusFellback(agent.KindQwen, agent.KindClaude, "9-def")

	cases := []struct {
		name  string
		ev    agent.Event
		check func(t *testing.T, env *Envelope)
	}{
		{"tool_call", toolCall, func(t *testing.T, env *Envelope) {
			require.Equal(t, "tool_call", env.Type)
			var body agent.ToolCallBody
			require.NoError(t, env.ParseData(&body))
			assert.Equal(t, "t1", body.CallID)
			assert.Equal(t, "write_file", body.Tool)
			assert.Equal(t, "a.txt", body.Arguments["path"])
		}},
		{"failed tool_result", failed, func(t *testing.T, env *Envelope) {
			require.Equal(t, "tool_result", env.Type)
			var body agent.ToolResultBody
			require.NoError(t, env.ParseData(&body))
			assert.False(t, body.OK)
			assert.Equal(t, "interrupted", body.Error)
			assert.Empty(t, body.Output)
		}},
		{"fellback status", fellback, func(t *testing.T, env *Envelope) {
			require.Equal(t, "status", env.Type)
			var body agent.StatusBody
			require.NoError(t, env.ParseData(&body))
			assert.Equal(t, agent.PhaseFellback, body.Phase)
			assert.Equal(t, agent.KindQwen, body.From)
			assert.Equal(t, agent.KindClaude, body.To)
			assert.Equal(t, "9-def", body.RetryRequestID)
		}},
		{"session_info", agent.NewSessionInfo("sess-A"), func(t *testing.T, env *Envelope) {
			var body agent.SessionInfoBody
			require.NoError(t, env.ParseData(&body))
			assert.Equal(t, "sess-A", body.NativeSessionID)
		}},
		{"error", agent.NewError(agent.ErrRateLimited, "slow down", true), func(t *testing.T, env *Envelope) {
			var body agent.ErrorBody
			require.NoError(t, env.ParseData(&body))
			assert.Equal(t, agent.ErrRateLimited, body.Kind)
			assert.True(t, body.Retryable)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := EventEnvelope(tc.ev)
			require.NoError(t, err)
			tc.check(t, env)
		})
	}
}

func TestAckEnvelopeOmitsSeq(t *testing.T) {
	env, err := NewEnvelope(FrameSubmitted, SubmittedPayload{RequestID: "3-abc"})
	require.NoError(t, err)
	env.RequestID = "3-abc"

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "submitted", raw["type"])
	assert.Equal(t, "3-abc", raw["request_id"])
	assert.NotContains(t, raw, "seq", "acks carry no transcript position")
}

func TestErrorEnvelopeShape(t *testing.T) {
	env := ErrorEnvelope("", agent.ErrProtocol, "unknown frame type")
	assert.Equal(t, "error", env.Type)
	assert.Zero(t, env.Seq)

	var body agent.ErrorBody
	require.NoError(t, env.ParseData(&body))
	assert.Equal(t, agent.ErrProtocol, body.Kind)
	assert.Equal(t, "unknown frame type", body.Message)
	assert.False(t, body.Retryable)
}

func TestParseDataMissingPayload(t *testing.T) {
	env := &Envelope{Type: FrameSubmit}
	var payload SubmitPayload
	require.Error(t, env.ParseData(&payload))
}

func TestSubmitPayloadValidate(t *testing.T) {
	workspace := t.TempDir()

	cases := []struct {
		name    string
		payload SubmitPayload
		wantErr string
	}{
		{"valid", SubmitPayload{Instruction: "add a page"}, ""},
		{"empty instruction", SubmitPayload{}, "must not be empty"},
		{"at the cap", SubmitPayload{Instruction: strings.Repeat("a", maxInstructionBytes)}, ""},
		{"over the cap", SubmitPayload{Instruction: strings.Repeat("a", maxInstructionBytes+1)}, "exceeds"},
		{"relative image", SubmitPayload{
			Instruction: "draw",
			Images:      []agent.ImageAttachment{{Path: "uploads/shot.png", Name: "shot.png"}},
		}, ""},
		{"absolute image inside workspace", SubmitPayload{
			Instruction: "draw",
			Images:      []agent.ImageAttachment{{Path: filepath.Join(workspace, "uploads", "shot.png")}},
		}, ""},
		{"image escaping via dotdot", SubmitPayload{
			Instruction: "draw",
			Images:      []agent.ImageAttachment{{Path: "../../etc/passwd"}},
		}, "outside the project workspace"},
		{"absolute image outside workspace", SubmitPayload{
			Instruction: "draw",
			Images:      []agent.ImageAttachment{{Path: "/etc/passwd"}},
		}, "outside the project workspace"},
		{"empty image path", SubmitPayload{
			Instruction: "draw",
			Images:      []agent.ImageAttachment{{Path: ""}},
		}, "must not be empty"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payload.Validate(workspace)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestCancelPayloadValidate(t *testing.T) {
	assert.Error(t, (&CancelPayload{}).Validate())
	assert.NoError(t, (&CancelPayload{RequestID: "1-abc"}).Validate())
}
