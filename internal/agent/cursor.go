package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/vrabby/vrabby/internal/common/logger"
)

var cursorPassEnv = []string{
	"CURSOR_API_KEY",
}

// CursorAdapter drives the cursor-agent CLI in print mode. Assistant text
// arrives as deltas and tool activity as paired started/completed records,
// so it carries its own parser instead of the shared stream parser.
type CursorAdapter struct {
	log       *logger.Logger
	bin       string
	extraArgs []string
	extraEnv  map[string]string
	grace     time.Duration
}

var _ Adapter = (*CursorAdapter)(nil)

func NewCursorAdapter(log *logger.Logger, ov Override, grace time.Duration) *CursorAdapter {
	return &CursorAdapter{
		log:       log,
		bin:       detectBinary(ov.Binary, "cursor-agent"),
		extraArgs: ov.Args,
		extraEnv:  ov.Env,
		grace:     grace,
	}
}

func (a *CursorAdapter) Kind() Kind {
	return KindCursor
}

func (a *CursorAdapter) DefaultModel() string {
	return DefaultModelFor(KindCursor)
}

func (a *CursorAdapter) Available(ctx context.Context) Availability {
	return probeVersion(ctx, a.bin, "--version")
}

func (a *CursorAdapter) Initialize(ctx context.Context, workspace, systemPrompt string) error {
	return writeInstructionsFile(workspace, "AGENTS.md", systemPrompt)
}

func (a *CursorAdapter) Run(ctx context.Context, opts RunOptions) <-chan Event {
	model, warnings := resolveRunModel(KindCursor, opts.Model)
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"-f",
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.PriorSessionID != "" {
		args = append(args, "--resume", opts.PriorSessionID)
	}
	args = append(args, a.extraArgs...)
	args = append(args, buildInstruction(opts))

	return runOneShot(ctx, a.log, runSpec{
		kind:      KindCursor,
		bin:       a.bin,
		args:      args,
		workspace: opts.Workspace,
		env:       a.extraEnv,
		passEnv:   cursorPassEnv,
		parser:    newCursorParser(),
		resumed:   opts.PriorSessionID != "",
		grace:     a.grace,
		warnings:  warnings,
	})
}

// cursorParser normalizes cursor-agent stream-json records:
//
//	{"type":"system","subtype":"init","session_id":"..."}
//	{"type":"assistant","message":{"content":[{"type":"text","text":"delta"}]}}
//	{"type":"tool_call","subtype":"started","call_id":"...","tool_call":{"readToolCall":{"args":{...}}}}
//	{"type":"tool_call","subtype":"completed","call_id":"...","tool_call":{"readToolCall":{"args":{...},"result":{...}}}}
//	{"type":"result","is_error":false,"result":"...","duration_ms":...}
type cursorParser struct {
	outcome     runOutcome
	sessionSeen bool
}

var _ lineParser = (*cursorParser)(nil)

func newCursorParser() *cursorParser {
	return &cursorParser{}
}

type cursorRecord struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`
	CallID    string          `json:"call_id"`
	ToolCall  json.RawMessage `json:"tool_call"`

	IsError       bool    `json:"is_error"`
	Result        string  `json:"result"`
	DurationMS    int64   `json:"duration_ms"`
	DurationAPIMS int64   `json:"duration_api_ms"`
}

func (p *cursorParser) Parse(line []byte) ([]Event, bool) {
	var rec cursorRecord
	if err := json.Unmarshal(line, &rec); err != nil || rec.Type == "" {
		return nil, false
	}
	switch rec.Type {
	case "system":
		if rec.Subtype == "init" && rec.SessionID != "" {
			p.sessionSeen = true
			return []Event{NewSessionInfo(rec.SessionID)}, true
		}
		return nil, true
	case "assistant":
		return assistantEvents(rec.Message), true
	case "user":
		// Echo of the submitted prompt; the transcript already carries it.
		return nil, true
	case "tool_call":
		return p.toolEvents(rec), true
	case "result":
		return p.resultEvents(rec), true
	}
	return nil, true
}

func (p *cursorParser) toolEvents(rec cursorRecord) []Event {
	if rec.CallID == "" {
		return nil
	}
	name, payload := singleKey(rec.ToolCall)
	switch rec.Subtype {
	case "started":
		var body struct {
			Args map[string]interface{} `json:"args"`
		}
		_ = json.Unmarshal(payload, &body)
		return []Event{NewToolCall(rec.CallID, cursorToolName(name), body.Args)}
	case "completed":
		var body struct {
			Result json.RawMessage `json:"result"`
			Error  string          `json:"error"`
		}
		_ = json.Unmarshal(payload, &body)
		if body.Error != "" {
			return []Event{NewFailedToolResult(rec.CallID, body.Error)}
		}
		return []Event{NewToolResult(rec.CallID, rawToText(body.Result))}
	}
	return nil
}

func (p *cursorParser) resultEvents(rec cursorRecord) []Event {
	p.outcome.resultSeen = true
	p.outcome.isError = rec.IsError
	p.outcome.message = rec.Result
	meta := make(map[string]interface{})
	if rec.DurationMS > 0 {
		meta["duration_ms"] = rec.DurationMS
	}
	if rec.DurationAPIMS > 0 {
		meta["duration_api_ms"] = rec.DurationAPIMS
	}
	if len(meta) > 0 {
		p.outcome.meta = meta
	}

	var events []Event
	if rec.SessionID != "" && !p.sessionSeen {
		p.sessionSeen = true
		events = append(events, NewSessionInfo(rec.SessionID))
	}
	if !rec.IsError && rec.Result != "" {
		events = append(events, NewAssistantText(rec.Result, true))
	}
	return events
}

func (p *cursorParser) Outcome() runOutcome {
	return p.outcome
}

// cursorToolName strips the camelCase ToolCall suffix cursor uses for its
// payload keys, so readToolCall surfaces as "read".
func cursorToolName(key string) string {
	if name := strings.TrimSuffix(key, "ToolCall"); name != "" {
		return name
	}
	return key
}

// singleKey unwraps a single-key JSON object, returning the key and its
// value.
func singleKey(raw json.RawMessage) (string, json.RawMessage) {
	if len(raw) == 0 {
		return "", nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", nil
	}
	for k, v := range m {
		return k, v
	}
	return "", nil
}

// rawToText renders a tool result payload as display text: strings unwrap,
// anything else stays compact JSON.
func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
