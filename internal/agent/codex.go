package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vrabby/vrabby/internal/common/logger"
)

var codexPassEnv = []string{
	"OPENAI_API_KEY",
	"OPENAI_BASE_URL",
	"CODEX_HOME",
}

// CodexAdapter drives `codex exec`, whose JSONL protocol models a thread of
// items with started/completed lifecycle records instead of message blocks.
type CodexAdapter struct {
	log       *logger.Logger
	bin       string
	extraArgs []string
	extraEnv  map[string]string
	grace     time.Duration
}

var _ Adapter = (*CodexAdapter)(nil)

func NewCodexAdapter(log *logger.Logger, ov Override, grace time.Duration) *CodexAdapter {
	return &CodexAdapter{
		log:       log,
		bin:       detectBinary(ov.Binary, "codex"),
		extraArgs: ov.Args,
		extraEnv:  ov.Env,
		grace:     grace,
	}
}

func (a *CodexAdapter) Kind() Kind {
	return KindCodex
}

func (a *CodexAdapter) DefaultModel() string {
	return DefaultModelFor(KindCodex)
}

func (a *CodexAdapter) Available(ctx context.Context) Availability {
	return probeVersion(ctx, a.bin, "--version")
}

func (a *CodexAdapter) Initialize(ctx context.Context, workspace, systemPrompt string) error {
	return writeInstructionsFile(workspace, "AGENTS.md", systemPrompt)
}

// Run invokes `codex exec` non-interactively. Resume uses the dedicated
// subcommand form `codex exec resume <id>`.
func (a *CodexAdapter) Run(ctx context.Context, opts RunOptions) <-chan Event {
	model, warnings := resolveRunModel(KindCodex, opts.Model)
	args := []string{"exec"}
	if opts.PriorSessionID != "" {
		args = append(args, "resume", opts.PriorSessionID)
	}
	args = append(args, "--json", "--full-auto", "--skip-git-repo-check")
	if model != "" {
		args = append(args, "-m", model)
	}
	args = append(args, a.extraArgs...)
	args = append(args, buildInstruction(opts))

	return runOneShot(ctx, a.log, runSpec{
		kind:      KindCodex,
		bin:       a.bin,
		args:      args,
		workspace: opts.Workspace,
		env:       a.extraEnv,
		passEnv:   codexPassEnv,
		parser:    newCodexParser(),
		resumed:   opts.PriorSessionID != "",
		grace:     a.grace,
		warnings:  warnings,
	})
}

// codexParser normalizes codex exec JSONL records:
//
//	{"type":"thread.started","thread_id":"..."}
//	{"type":"item.started","item":{"id":"item_0","item_type":"command_execution","command":"..."}}
//	{"type":"item.completed","item":{"id":"item_0","item_type":"command_execution","exit_code":0,...}}
//	{"type":"item.completed","item":{"id":"item_1","item_type":"agent_message","text":"..."}}
//	{"type":"turn.completed","usage":{...}} or {"type":"turn.failed","error":{"message":"..."}}
type codexParser struct {
	outcome runOutcome
	started map[string]bool
}

var _ lineParser = (*codexParser)(nil)

func newCodexParser() *codexParser {
	return &codexParser{started: make(map[string]bool)}
}

type codexRecord struct {
	Type     string                 `json:"type"`
	ThreadID string                 `json:"thread_id"`
	Item     *codexItem             `json:"item"`
	Usage    map[string]interface{} `json:"usage"`
	Error    *codexError            `json:"error"`
	Message  string                 `json:"message"`
}

type codexItem struct {
	ID       string `json:"id"`
	ItemType string `json:"item_type"`
	Status   string `json:"status"`

	// agent_message, reasoning
	Text string `json:"text"`

	// command_execution
	Command          string `json:"command"`
	AggregatedOutput string `json:"aggregated_output"`
	ExitCode         *int   `json:"exit_code"`

	// file_change
	Changes []codexChange `json:"changes"`

	// mcp_tool_call
	Server string `json:"server"`
	Tool   string `json:"tool"`

	// web_search
	Query string `json:"query"`
}

type codexChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type codexError struct {
	Message string `json:"message"`
}

func (p *codexParser) Parse(line []byte) ([]Event, bool) {
	var rec codexRecord
	if err := json.Unmarshal(line, &rec); err != nil || rec.Type == "" {
		return nil, false
	}
	switch rec.Type {
	case "thread.started":
		if rec.ThreadID != "" {
			return []Event{NewSessionInfo(rec.ThreadID)}, true
		}
		return nil, true
	case "item.started":
		return p.itemStarted(rec.Item), true
	case "item.updated":
		return nil, true
	case "item.completed":
		return p.itemCompleted(rec.Item), true
	case "turn.started":
		return nil, true
	case "turn.completed":
		p.outcome.resultSeen = true
		if len(rec.Usage) > 0 {
			p.outcome.meta = rec.Usage
		}
		return nil, true
	case "turn.failed":
		p.outcome.resultSeen = true
		p.outcome.isError = true
		if rec.Error != nil {
			p.outcome.message = rec.Error.Message
		}
		return nil, true
	case "error":
		if p.outcome.message == "" {
			p.outcome.message = rec.Message
		}
		return nil, true
	}
	return nil, true
}

func (p *codexParser) itemStarted(item *codexItem) []Event {
	if item == nil || item.ID == "" {
		return nil
	}
	name, args := codexToolCall(item)
	if name == "" {
		return nil
	}
	p.started[item.ID] = true
	return []Event{NewToolCall(item.ID, name, args)}
}

func (p *codexParser) itemCompleted(item *codexItem) []Event {
	if item == nil {
		return nil
	}
	switch item.ItemType {
	case "agent_message":
		if item.Text != "" {
			return []Event{NewAssistantText(item.Text, false)}
		}
		return nil
	case "reasoning", "todo_list":
		return nil
	}

	name, args := codexToolCall(item)
	if name == "" || item.ID == "" {
		return nil
	}
	var events []Event
	// A completion without a prior started record still needs its call so
	// every result pairs with one.
	if !p.started[item.ID] {
		p.started[item.ID] = true
		events = append(events, NewToolCall(item.ID, name, args))
	}

	ok := item.Status != "failed"
	output := item.AggregatedOutput
	if item.ItemType == "command_execution" && item.ExitCode != nil {
		ok = *item.ExitCode == 0
	}
	if item.ItemType == "file_change" {
		output = describeChanges(item.Changes)
	}
	if ok {
		events = append(events, NewToolResult(item.ID, output))
	} else {
		if output == "" {
			output = "tool failed"
		}
		events = append(events, NewFailedToolResult(item.ID, output))
	}
	return events
}

func (p *codexParser) Outcome() runOutcome {
	return p.outcome
}

// codexToolCall maps an item to a tool name and argument map; non-tool items
// return an empty name.
func codexToolCall(item *codexItem) (string, map[string]interface{}) {
	switch item.ItemType {
	case "command_execution":
		return "shell", map[string]interface{}{"command": item.Command}
	case "file_change":
		paths := make([]interface{}, 0, len(item.Changes))
		for _, c := range item.Changes {
			paths = append(paths, c.Path)
		}
		return "apply_patch", map[string]interface{}{"paths": paths}
	case "mcp_tool_call":
		name := item.Tool
		if item.Server != "" {
			name = item.Server + "." + item.Tool
		}
		return name, nil
	case "web_search":
		return "web_search", map[string]interface{}{"query": item.Query}
	}
	return "", nil
}

func describeChanges(changes []codexChange) string {
	if len(changes) == 0 {
		return ""
	}
	out := ""
	for i, c := range changes {
		if i > 0 {
			out += "\n"
		}
		out += fmt.Sprintf("%s %s", c.Kind, c.Path)
	}
	return out
}
