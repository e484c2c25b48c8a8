package agent

import (
	"context"
	"time"

	"github.com/vrabby/vrabby/internal/common/logger"
)

// claudePassEnv names the credential and routing variables the claude CLI
// reads, forwarded from the parent environment when present.
var claudePassEnv = []string{
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_BASE_URL",
	"ANTHROPIC_MODEL",
	"CLAUDE_CODE_OAUTH_TOKEN",
}

// ClaudeAdapter drives the claude CLI in headless print mode with streaming
// JSON output. It is the designated fallback agent, so its availability
// gates the fallback policy for every other adapter.
type ClaudeAdapter struct {
	log       *logger.Logger
	bin       string
	extraArgs []string
	extraEnv  map[string]string
	grace     time.Duration
}

var _ Adapter = (*ClaudeAdapter)(nil)

// NewClaudeAdapter builds the adapter, resolving the binary and applying
// invocation overrides.
func NewClaudeAdapter(log *logger.Logger, ov Override, grace time.Duration) *ClaudeAdapter {
	return &ClaudeAdapter{
		log:       log,
		bin:       detectBinary(ov.Binary, "claude"),
		extraArgs: ov.Args,
		extraEnv:  ov.Env,
		grace:     grace,
	}
}

func (a *ClaudeAdapter) Kind() Kind {
	return KindClaude
}

func (a *ClaudeAdapter) DefaultModel() string {
	return DefaultModelFor(KindClaude)
}

func (a *ClaudeAdapter) Available(ctx context.Context) Availability {
	return probeVersion(ctx, a.bin, "--version")
}

func (a *ClaudeAdapter) Initialize(ctx context.Context, workspace, systemPrompt string) error {
	return writeInstructionsFile(workspace, "CLAUDE.md", systemPrompt)
}

// Run invokes `claude -p` with stream-json output. The instruction travels
// over stdin so prompt size is not limited by argv.
func (a *ClaudeAdapter) Run(ctx context.Context, opts RunOptions) <-chan Event {
	model, warnings := resolveRunModel(KindClaude, opts.Model)
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.PriorSessionID != "" {
		args = append(args, "--resume", opts.PriorSessionID)
	}
	args = append(args, a.extraArgs...)

	return runOneShot(ctx, a.log, runSpec{
		kind:      KindClaude,
		bin:       a.bin,
		args:      args,
		workspace: opts.Workspace,
		stdin:     buildInstruction(opts),
		env:       a.extraEnv,
		passEnv:   claudePassEnv,
		parser:    newStreamJSONParser(),
		resumed:   opts.PriorSessionID != "",
		grace:     a.grace,
		warnings:  warnings,
	})
}
