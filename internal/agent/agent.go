// Package agent defines the canonical event model and the adapter contract for
// driving coding-assistant CLIs in headless one-shot mode.
//
// Each supported CLI (claude, cursor, codex, gemini, qwen) implements the
// Adapter interface in its own file, consolidating identity, discovery, model
// resolution, command building, and stream parsing in one place. Adapters
// normalize their CLI's native output into the shared Event format consumed by
// the orchestrator, the message store, and the subscription hub.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownAgent is returned when an agent kind is not recognized.
var ErrUnknownAgent = errors.New("unknown agent kind")

// Kind identifies one of the supported coding-assistant CLIs.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCursor Kind = "cursor"
	KindCodex  Kind = "codex"
	KindGemini Kind = "gemini"
	KindQwen   Kind = "qwen"
)

// Kinds returns all supported agent kinds in display order.
func Kinds() []Kind {
	return []Kind{KindClaude, KindCursor, KindCodex, KindGemini, KindQwen}
}

// ParseKind validates a string as an agent kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindClaude, KindCursor, KindCodex, KindGemini, KindQwen:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAgent, s)
}

// EventType identifies a canonical event variant.
type EventType string

const (
	EventUserText      EventType = "user_text"
	EventAssistantText EventType = "assistant_text"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventSessionInfo   EventType = "session_info"
	EventStatus        EventType = "status"
	EventError         EventType = "error"
)

// Phase is the lifecycle phase carried by status events.
type Phase string

const (
	PhaseStart     Phase = "start"
	PhaseComplete  Phase = "complete"
	PhaseCancelled Phase = "cancelled"
	PhaseFailed    Phase = "failed"
	PhaseFellback  Phase = "fellback"
)

// ErrorKind classifies run failures and warnings.
type ErrorKind string

const (
	ErrCLINotInstalled ErrorKind = "cli_not_installed"
	ErrSpawnFailed     ErrorKind = "spawn_failed"
	ErrAuthMissing     ErrorKind = "auth_missing"
	ErrCrashedEarly    ErrorKind = "crashed_before_first_event"
	ErrSessionStale    ErrorKind = "session_stale"
	ErrRateLimited     ErrorKind = "rate_limited"
	ErrModelFallback   ErrorKind = "model_fallback"
	ErrTimeout         ErrorKind = "timeout"
	ErrCancelled       ErrorKind = "cancelled"
	ErrProtocol        ErrorKind = "protocol"
	ErrInternal        ErrorKind = "internal"
)

// FallbackEligible reports whether a failure of this kind may trigger the
// one-shot retry on the fallback agent. Mid-stream errors, timeouts, and
// cancellation never fall back.
func FallbackEligible(k ErrorKind) bool {
	switch k {
	case ErrCLINotInstalled, ErrSpawnFailed, ErrAuthMissing, ErrCrashedEarly, ErrProtocol:
		return true
	}
	return false
}

// Retryable reports whether a failure of this kind is worth retrying at all.
// session_stale is retried once by the orchestrator with resume disabled;
// rate_limited is a client-side retry hint.
func Retryable(k ErrorKind) bool {
	return k == ErrSessionStale || k == ErrRateLimited
}

// Event is a protocol-agnostic update normalized from a CLI's native output.
// All adapters produce this format. Exactly one variant's fields are populated
// per event, selected by Type; Body() returns the variant payload for
// persistence and wire framing.
type Event struct {
	Type EventType `json:"type"`

	// RequestID and Seq are stamped by the orchestrator, not by adapters.
	RequestID string `json:"request_id,omitempty"`
	Seq       int64  `json:"seq,omitempty"`

	// Text fields (user_text, assistant_text)
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	// Tool fields (tool_call, tool_result)
	CallID    string                 `json:"call_id,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	OK        bool                   `json:"ok,omitempty"`
	Output    string                 `json:"output,omitempty"`

	// Session fields (session_info)
	NativeSessionID string `json:"native_session_id,omitempty"`

	// Status fields (status)
	Phase          Phase  `json:"phase,omitempty"`
	Agent          Kind   `json:"agent,omitempty"`
	From           Kind   `json:"from,omitempty"`
	To             Kind   `json:"to,omitempty"`
	RetryRequestID string `json:"retry_request_id,omitempty"`

	// Error fields (error; Kind is also set on status{failed})
	Kind      ErrorKind `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`

	// Meta carries run metrics from the CLI's terminal record
	// (duration_ms, total_cost_usd, num_turns) when available.
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// Terminal reports whether this event ends a run. Exactly one terminal status
// is emitted per request; fellback is informational, not terminal.
func (e Event) Terminal() bool {
	if e.Type != EventStatus {
		return false
	}
	switch e.Phase {
	case PhaseComplete, PhaseCancelled, PhaseFailed:
		return true
	}
	return false
}

// UserTextBody is the persisted/wire payload of a user_text event.
type UserTextBody struct {
	Text string `json:"text"`
}

// AssistantTextBody is the persisted/wire payload of an assistant_text event.
type AssistantTextBody struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// ToolCallBody is the persisted/wire payload of a tool_call event.
type ToolCallBody struct {
	CallID    string                 `json:"call_id"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolResultBody is the persisted/wire payload of a tool_result event.
type ToolResultBody struct {
	CallID string `json:"call_id"`
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SessionInfoBody is the persisted/wire payload of a session_info event.
type SessionInfoBody struct {
	NativeSessionID string `json:"native_session_id"`
}

// StatusBody is the persisted/wire payload of a status event.
type StatusBody struct {
	Phase          Phase                  `json:"phase"`
	Agent          Kind                   `json:"agent,omitempty"`
	Kind           ErrorKind              `json:"kind,omitempty"`
	From           Kind                   `json:"from,omitempty"`
	To             Kind                   `json:"to,omitempty"`
	RetryRequestID string                 `json:"retry_request_id,omitempty"`
	Meta           map[string]interface{} `json:"meta,omitempty"`
}

// ErrorBody is the persisted/wire payload of an error event.
type ErrorBody struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// Body returns the variant payload for this event, suitable for JSON
// serialization into the message store and the subscription envelope.
func (e Event) Body() interface{} {
	switch e.Type {
	case EventUserText:
		return UserTextBody{Text: e.Text}
	case EventAssistantText:
		return AssistantTextBody{Text: e.Text, Final: e.Final}
	case EventToolCall:
		return ToolCallBody{CallID: e.CallID, Tool: e.Tool, Arguments: e.Arguments}
	case EventToolResult:
		body := ToolResultBody{CallID: e.CallID, OK: e.OK}
		if e.OK {
			body.Output = e.Output
		} else {
			body.Error = e.Message
		}
		return body
	case EventSessionInfo:
		return SessionInfoBody{NativeSessionID: e.NativeSessionID}
	case EventStatus:
		return StatusBody{
			Phase:          e.Phase,
			Agent:          e.Agent,
			Kind:           e.Kind,
			From:           e.From,
			To:             e.To,
			RetryRequestID: e.RetryRequestID,
			Meta:           e.Meta,
		}
	case EventError:
		return ErrorBody{Kind: e.Kind, Message: e.Message, Retryable: e.Retryable}
	}
	return nil
}

// NewUserText builds the transcript echo of a submitted instruction.
func NewUserText(text string) Event {
	return Event{Type: EventUserText, Text: text}
}

// NewAssistantText builds an assistant_text event. final marks the native
// end-of-turn sentinel.
func NewAssistantText(text string, final bool) Event {
	return Event{Type: EventAssistantText, Text: text, Final: final}
}

// NewToolCall builds a tool_call event.
func NewToolCall(callID, tool string, args map[string]interface{}) Event {
	return Event{Type: EventToolCall, CallID: callID, Tool: tool, Arguments: args}
}

// NewToolResult builds a successful tool_result event.
func NewToolResult(callID, output string) Event {
	return Event{Type: EventToolResult, CallID: callID, OK: true, Output: output}
}

// NewFailedToolResult builds a failed tool_result event. Unmatched tool calls
// at terminal time are synthesized with errMsg "interrupted".
func NewFailedToolResult(callID, errMsg string) Event {
	return Event{Type: EventToolResult, CallID: callID, OK: false, Message: errMsg}
}

// NewSessionInfo builds a session_info event.
func NewSessionInfo(nativeSessionID string) Event {
	return Event{Type: EventSessionInfo, NativeSessionID: nativeSessionID}
}

// NewStatus builds a status event for the given phase.
func NewStatus(phase Phase) Event {
	return Event{Type: EventStatus, Phase: phase}
}

// NewStatusFailed builds a terminal failed status carrying the failure kind.
func NewStatusFailed(kind ErrorKind) Event {
	return Event{Type: EventStatus, Phase: PhaseFailed, Kind: kind}
}

// NewStatusFellback builds the informational fallback banner linking the
// failed request to its retry.
func NewStatusFellback(from, to Kind, retryRequestID string) Event {
	return Event{Type: EventStatus, Phase: PhaseFellback, From: from, To: to, RetryRequestID: retryRequestID}
}

// NewError builds an error event.
func NewError(kind ErrorKind, message string, retryable bool) Event {
	return Event{Type: EventError, Kind: kind, Message: message, Retryable: retryable}
}

// Availability is the result of probing whether a CLI is installed and usable.
type Availability struct {
	Installed bool      `json:"installed"`
	Version   string    `json:"version,omitempty"`
	Path      string    `json:"path,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// ImageAttachment references an image already written into the workspace by
// the caller. Paths are workspace-relative or absolute within the workspace.
type ImageAttachment struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

// RunOptions parameterize a single adapter run.
type RunOptions struct {
	// Workspace is the project directory the subprocess runs in.
	Workspace string

	// Instruction is the user's prompt, 1..64KiB.
	Instruction string

	// Model is the canonical model id; empty selects the adapter default.
	Model string

	// PriorSessionID resumes the CLI's native session when supported.
	// The orchestrator clears it on the one-shot session_stale retry.
	PriorSessionID string

	// IsInitial marks the first run for a fresh project workspace.
	IsInitial bool

	// Images were written into the workspace before submit.
	Images []ImageAttachment
}

// Adapter drives one external AI CLI. Implementations are stateless across
// runs; per-run state lives in the stream returned by Run.
type Adapter interface {
	// Kind identifies the CLI this adapter drives.
	Kind() Kind

	// Available probes the CLI without caching. Callers should go through
	// the registry, which caches probes for a short interval.
	Available(ctx context.Context) Availability

	// Initialize performs one-time workspace setup: it seeds the agent's
	// instructions file with the system prompt. Idempotent; repeated calls
	// with identical content leave the workspace byte-identical.
	Initialize(ctx context.Context, workspace, systemPrompt string) error

	// Run launches the subprocess and yields canonical events until the run
	// terminates. The returned stream is lazy, finite, and single-consumer:
	// it always ends with exactly one terminal status event, then closes.
	// Cancelling ctx sends the subprocess a soft interrupt, waits a bounded
	// grace period, then force-terminates the process group.
	Run(ctx context.Context, opts RunOptions) <-chan Event

	// DefaultModel returns the canonical id of the adapter's default model.
	DefaultModel() string
}
